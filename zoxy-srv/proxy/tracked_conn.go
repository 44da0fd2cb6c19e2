package proxy

import (
	"net"
	"sync/atomic"
)

// trackedConn is a wrapper around net.Conn that counts transferred bytes.
// The counters are read once the session ends and reported to the
// statistics collector.
type trackedConn struct {
	net.Conn
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
}

func newTrackedConn(conn net.Conn) *trackedConn {
	return &trackedConn{Conn: conn}
}

// Read reads data from the connection, tracking the number of bytes received.
func (c *trackedConn) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if n > 0 {
		c.bytesRead.Add(int64(n))
	}
	return n, err
}

// Write writes data to the connection, tracking the number of bytes sent.
func (c *trackedConn) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if n > 0 {
		c.bytesWritten.Add(int64(n))
	}
	return n, err
}

func (c *trackedConn) BytesRead() int64 {
	return c.bytesRead.Load()
}

func (c *trackedConn) BytesWritten() int64 {
	return c.bytesWritten.Load()
}
