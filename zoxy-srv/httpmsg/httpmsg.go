// Package httpmsg parses the head of HTTP/1.x messages as seen by the proxy.
//
// The parser is intentionally lenient and minimal: it splits on CRLF, takes
// the start line and "Name: Value" header lines, and returns whatever follows
// the blank line as the body without consulting Content-Length.
package httpmsg

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformedStartLine  = errors.New("malformed start line")
	ErrMalformedStatusLine = errors.New("malformed status line")
	ErrMalformedHeader     = errors.New("malformed header line")
	ErrMissingHeaderEnd    = errors.New("missing empty line after headers")
)

const (
	crlf            = "\r\n"
	headerSeparator = ": "
)

// Headers is an ordered, case-sensitive header map. Setting an existing
// name replaces its value but keeps its original position.
type Headers struct {
	names  []string
	values map[string]string
}

// Set stores value under name.
func (h *Headers) Set(name, value string) {
	if h.values == nil {
		h.values = make(map[string]string)
	}
	if _, exists := h.values[name]; !exists {
		h.names = append(h.names, name)
	}
	h.values[name] = value
}

// Get returns the value stored under the exact name.
func (h *Headers) Get(name string) (string, bool) {
	v, ok := h.values[name]
	return v, ok
}

// Names returns header names in first-insertion order.
func (h *Headers) Names() []string {
	return append([]string(nil), h.names...)
}

func (h *Headers) Len() int {
	return len(h.names)
}

func (h *Headers) writeTo(b *strings.Builder) {
	for _, name := range h.names {
		b.WriteString(name)
		b.WriteString(headerSeparator)
		b.WriteString(h.values[name])
		b.WriteString(crlf)
	}
}

// Request is a parsed request head plus the bytes following it.
type Request struct {
	Method  string
	Target  string
	Version string
	Headers Headers
	Body    []byte
}

// Response is a parsed response head plus the bytes following it.
type Response struct {
	Version       string
	StatusCode    int
	StatusMessage string
	Headers       Headers
	Body          []byte
}

// ParseRequest parses raw as "METHOD SP TARGET SP VERSION" followed by
// header lines and an empty line.
func ParseRequest(raw []byte) (*Request, error) {
	startLine, rest, ok := cutLine(raw)
	if !ok {
		return nil, fmt.Errorf("%w: no line terminator", ErrMalformedStartLine)
	}

	parts := strings.Split(startLine, " ")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedStartLine, startLine)
	}

	req := &Request{Method: parts[0], Target: parts[1], Version: parts[2]}
	body, err := parseHeaders(rest, &req.Headers)
	if err != nil {
		return nil, err
	}
	req.Body = body
	return req, nil
}

// ParseResponse parses raw as "VERSION SP CODE [SP MESSAGE]" followed by
// header lines and an empty line. The message may contain spaces.
func ParseResponse(raw []byte) (*Response, error) {
	statusLine, rest, ok := cutLine(raw)
	if !ok {
		return nil, fmt.Errorf("%w: no line terminator", ErrMalformedStatusLine)
	}

	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedStatusLine, statusLine)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: status code %q", ErrMalformedStatusLine, parts[1])
	}

	resp := &Response{Version: parts[0], StatusCode: code}
	if len(parts) == 3 {
		resp.StatusMessage = parts[2]
	}
	body, err := parseHeaders(rest, &resp.Headers)
	if err != nil {
		return nil, err
	}
	resp.Body = body
	return resp, nil
}

// parseHeaders consumes header lines up to the empty line and returns the
// remaining bytes.
func parseHeaders(raw []byte, headers *Headers) ([]byte, error) {
	for {
		line, rest, ok := cutLine(raw)
		if !ok {
			return nil, ErrMissingHeaderEnd
		}
		raw = rest
		if line == "" {
			return raw, nil
		}

		// "a: b: c" is rejected rather than split at the first separator
		fields := strings.Split(line, headerSeparator)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: %q", ErrMalformedHeader, line)
		}
		headers.Set(fields[0], fields[1])
	}
}

func cutLine(raw []byte) (string, []byte, bool) {
	line, rest, found := bytes.Cut(raw, []byte(crlf))
	if !found {
		return "", nil, false
	}
	return string(line), rest, true
}

// String reassembles the request head and body.
func (r *Request) String() string {
	var b strings.Builder
	b.WriteString(r.Method + " " + r.Target + " " + r.Version + crlf)
	r.Headers.writeTo(&b)
	b.WriteString(crlf)
	b.Write(r.Body)
	return b.String()
}

// String reassembles the response head and body.
func (r *Response) String() string {
	var b strings.Builder
	b.WriteString(r.Version + " " + strconv.Itoa(r.StatusCode))
	if r.StatusMessage != "" {
		b.WriteString(" " + r.StatusMessage)
	}
	b.WriteString(crlf)
	r.Headers.writeTo(&b)
	b.WriteString(crlf)
	b.Write(r.Body)
	return b.String()
}
