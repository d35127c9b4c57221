package mssql

import (
	"fmt"
	"net"
	"time"
)

// timeoutConn arms a deadline before every transfer so a stalled
// server cannot block a session forever.
type timeoutConn struct {
	c       net.Conn
	timeout time.Duration
}

func newTimeoutConn(conn net.Conn, timeout time.Duration) *timeoutConn {
	return &timeoutConn{c: conn, timeout: timeout}
}

func (c *timeoutConn) Read(b []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.c.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.c.Read(b)
}

func (c *timeoutConn) Write(b []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.c.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.c.Write(b)
}

func (c *timeoutConn) Close() error {
	return c.c.Close()
}

func (c *timeoutConn) LocalAddr() net.Addr                { return c.c.LocalAddr() }
func (c *timeoutConn) RemoteAddr() net.Addr               { return c.c.RemoteAddr() }
func (c *timeoutConn) SetDeadline(t time.Time) error      { return c.c.SetDeadline(t) }
func (c *timeoutConn) SetReadDeadline(t time.Time) error  { return c.c.SetReadDeadline(t) }
func (c *timeoutConn) SetWriteDeadline(t time.Time) error { return c.c.SetWriteDeadline(t) }

// tlsHandshakeConn carries the TLS handshake inside TDS prelogin
// packets: the protocol reuses its own framing for the handshake and
// only switches to raw TLS records afterwards.
type tlsHandshakeConn struct {
	stream      *tdsStream
	packetOpen  bool
	readStarted bool
}

func (c *tlsHandshakeConn) Read(b []byte) (int, error) {
	if c.packetOpen {
		// the handshake turns from writing to reading: close out the
		// request packet first
		if err := c.stream.endMsg(); err != nil {
			return 0, fmt.Errorf("cannot send handshake packet: %v", err)
		}
		c.packetOpen = false
		c.readStarted = false
	}
	if !c.readStarted {
		pt, err := c.stream.beginRead()
		if err != nil {
			return 0, fmt.Errorf("cannot read handshake packet: %v", err)
		}
		if pt != packPrelogin {
			return 0, fmt.Errorf("unexpected packet %d during handshake", pt)
		}
		c.readStarted = true
	}
	return c.stream.Read(b)
}

func (c *tlsHandshakeConn) Write(b []byte) (int, error) {
	if !c.packetOpen {
		c.stream.beginMsg(packPrelogin, false)
		c.packetOpen = true
	}
	return c.stream.Write(b)
}

func (c *tlsHandshakeConn) Close() error {
	return c.stream.transport.Close()
}

func (c *tlsHandshakeConn) LocalAddr() net.Addr                { return nil }
func (c *tlsHandshakeConn) RemoteAddr() net.Addr               { return nil }
func (c *tlsHandshakeConn) SetDeadline(_ time.Time) error      { return nil }
func (c *tlsHandshakeConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *tlsHandshakeConn) SetWriteDeadline(_ time.Time) error { return nil }

// passthroughConn lets the transport under a tls.Conn be swapped
// once the handshake completes.
type passthroughConn struct {
	c net.Conn
}

func (c passthroughConn) Read(b []byte) (int, error)  { return c.c.Read(b) }
func (c passthroughConn) Write(b []byte) (int, error) { return c.c.Write(b) }
func (c passthroughConn) Close() error                { return c.c.Close() }

func (c passthroughConn) LocalAddr() net.Addr                { return nil }
func (c passthroughConn) RemoteAddr() net.Addr               { return nil }
func (c passthroughConn) SetDeadline(_ time.Time) error      { return nil }
func (c passthroughConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c passthroughConn) SetWriteDeadline(_ time.Time) error { return nil }
