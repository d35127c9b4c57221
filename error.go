package mssql

import (
	"fmt"
)

// Error is an error reported by the server in an ERROR token.
type Error struct {
	Number     int32
	State      uint8
	Class      uint8
	Message    string
	ServerName string
	ProcName   string
	LineNo     int32
}

func (e Error) Error() string {
	return "mssql: " + e.Message
}

// ProtocolError means the inbound byte stream violated the wire
// contract. It is fatal to the current statement.
type ProtocolError struct {
	Err error
}

func (e ProtocolError) Error() string {
	return "mssql: protocol error: " + e.Err.Error()
}

func (e ProtocolError) Unwrap() error {
	return e.Err
}

// protoPanic aborts the current response parse. The panic is
// recovered at the response boundary and surfaced as an error.
func protoPanic(err error) {
	panic(ProtocolError{Err: err})
}

func protoPanicf(format string, v ...interface{}) {
	panic(ProtocolError{Err: fmt.Errorf(format, v...)})
}

// ValueError is a client-side conversion failure, naming the column
// the value was destined for.
type ValueError struct {
	Column string
	Err    error
}

func (e ValueError) Error() string {
	return fmt.Sprintf("mssql: column %s: %v", e.Column, e.Err)
}

func (e ValueError) Unwrap() error {
	return e.Err
}

func valueErrorf(column string, format string, v ...interface{}) ValueError {
	return ValueError{Column: column, Err: fmt.Errorf(format, v...)}
}

// ServerError is a server fault that severs the connection.
type ServerError struct {
	Fault Error
}

func (e ServerError) Error() string {
	return "mssql: server fault: " + e.Fault.Message
}

func (e ServerError) Unwrap() error {
	return e.Fault
}
