package proxy

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"time"
)

const (
	// DefaultRelayReadTimeout bounds each read of the relay loop.
	DefaultRelayReadTimeout = time.Second
	// DefaultMaxCapture bounds the captured destination stream.
	DefaultMaxCapture = 1 << 20
)

// Endpoint is one side of a relayed connection. net.Conn satisfies it.
type Endpoint interface {
	io.ReadWriter
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// RelayOptions controls Relay.
type RelayOptions struct {
	// IdleThreshold is the number of consecutive iterations without data
	// in either direction after which the relay ends.
	IdleThreshold int
	// ReadTimeout bounds every single read.
	ReadTimeout time.Duration
	// WriteTimeout bounds every write; zero uses ReadTimeout.
	WriteTimeout time.Duration
	// BufferSize is the most a single read may return; zero uses RecvBufferSize.
	BufferSize int
	// Capture keeps a copy of the bytes sent from dest to client.
	Capture    bool
	MaxCapture int
}

func (o RelayOptions) withDefaults() RelayOptions {
	if o.IdleThreshold < 1 {
		o.IdleThreshold = 1
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultRelayReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = o.ReadTimeout
	}
	if o.BufferSize <= 0 {
		o.BufferSize = RecvBufferSize
	}
	if o.MaxCapture <= 0 {
		o.MaxCapture = DefaultMaxCapture
	}
	return o
}

// Relay pumps bytes between client and dest until IdleThreshold consecutive
// iterations moved nothing. Each iteration reads once from dest, then once
// from client, and writes whatever arrived to the other side.
//
// Read timeouts, EOF, resets and other network errors count as "no data".
// Network errors on write drop the chunk and the loop goes on. Any other
// read or write error ends the relay with a nil capture and the error.
func Relay(client, dest Endpoint, opts RelayOptions) ([]byte, error) {
	opts = opts.withDefaults()

	buf := getBuffer(opts.BufferSize)
	defer putBuffer(opts.BufferSize, buf)

	var captured []byte
	idle := 0
	for idle < opts.IdleThreshold {
		fromDest, err := pump(dest, client, *buf, opts)
		if err != nil {
			return nil, err
		}
		if fromDest > 0 && opts.Capture {
			captured = appendCapped(captured, (*buf)[:fromDest], opts.MaxCapture)
		}

		fromClient, err := pump(client, dest, *buf, opts)
		if err != nil {
			return nil, err
		}

		if fromDest == 0 && fromClient == 0 {
			idle++
		} else {
			idle = 0
		}
	}

	return captured, nil
}

// pump performs one bounded read from src and forwards the data to dst.
func pump(src, dst Endpoint, buf []byte, opts RelayOptions) (int, error) {
	if err := src.SetReadDeadline(time.Now().Add(opts.ReadTimeout)); err != nil && !isTransient(err) {
		return 0, err
	}

	n, readErr := src.Read(buf)
	if n > 0 {
		if err := writeAll(dst, buf[:n], opts.WriteTimeout); err != nil && !isTransient(err) {
			return 0, err
		}
	}
	if readErr != nil && !isTransient(readErr) {
		return 0, readErr
	}
	return n, nil
}

func writeAll(dst Endpoint, data []byte, timeout time.Duration) error {
	if err := dst.SetWriteDeadline(time.Now().Add(timeout)); err != nil && !isTransient(err) {
		return err
	}
	for len(data) > 0 {
		n, err := dst.Write(data)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		data = data[n:]
	}
	return nil
}

// isTransient reports whether an error only means the peer is slow or gone.
func isTransient(err error) bool {
	if errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func appendCapped(dst, data []byte, limit int) []byte {
	if room := limit - len(dst); room < len(data) {
		if room <= 0 {
			return dst
		}
		data = data[:room]
	}
	return append(dst, data...)
}
