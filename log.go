package mssql

import (
	"log"
)

// log flag bits, combined in Config.LogFlags
const (
	logErrors      = 1
	logMessages    = 2
	logRows        = 4
	logSQL         = 8
	logParams      = 16
	logTransaction = 32
	logDebug       = 64
)

// Logger receives diagnostic output when set on the Config.
type Logger interface {
	Printf(format string, v ...interface{})
	Println(v ...interface{})
}

type optionalLogger struct {
	logger Logger
}

func (o optionalLogger) Printf(format string, v ...interface{}) {
	if o.logger != nil {
		o.logger.Printf(format, v...)
	} else {
		log.Printf(format, v...)
	}
}

func (o optionalLogger) Println(v ...interface{}) {
	if o.logger != nil {
		o.logger.Println(v...)
	} else {
		log.Println(v...)
	}
}
