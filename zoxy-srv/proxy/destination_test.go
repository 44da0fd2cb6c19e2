package proxy

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDestination(t *testing.T) {
	tests := []struct {
		method string
		target string
		host   string
		port   int
	}{
		{"GET", "http://example.com/index.html", "example.com", 80},
		{"GET", "http://example.com:8080/", "example.com", 8080},
		{"GET", "https://example.com/", "example.com", 443},
		{"POST", "http://127.0.0.1:8000/api?x=1", "127.0.0.1", 8000},
		{"GET", "http://[::1]:9000/", "::1", 9000},
		{"GET", "ws://example.com/socket", "example.com", 80},
		{"CONNECT", "example.com:443", "example.com", 443},
		{"CONNECT", "10.0.0.1:8443", "10.0.0.1", 8443},
		{"CONNECT", "[2001:db8::1]:443", "2001:db8::1", 443},
		{"CONNECT", "example.com", "example.com", 443},
		{"GET", "example.com:443", "example.com", 443},
		{"GET", "example.com:8080", "example.com", 8080},
		{"GET", "example.com", "example.com", 80},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %s", tt.method, tt.target), func(t *testing.T) {
			host, port, err := parseDestination(tt.method, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
		})
	}
}

func TestParseDestinationErrors(t *testing.T) {
	tests := []struct {
		method string
		target string
	}{
		{"GET", ""},
		{"GET", "/index.html"},
		{"GET", "ftp://example.com/"},
		{"GET", "http:///path"},
		{"CONNECT", "example.com:http"},
		{"CONNECT", "example.com:70000"},
		{"CONNECT", ":443"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %q", tt.method, tt.target), func(t *testing.T) {
			_, _, err := parseDestination(tt.method, tt.target)
			assert.Error(t, err)
		})
	}
}

func TestErrorCodes(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewProxyError(ErrCodeDestinationUnreachable, cause)

	assert.Equal(t, "[E2010] Destination unreachable: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsConnectionError(err))
	assert.False(t, IsAccessControlError(err))

	wrapped := fmt.Errorf("handling: %w", NewProxyError(ErrCodePolicyRejection, nil))
	assert.Equal(t, ErrCodePolicyRejection, ErrorCode(wrapped))
	assert.True(t, IsAccessControlError(wrapped))
	assert.Equal(t, "", ErrorCode(cause))

	assert.True(t, IsHTTPError(NewProxyError(ErrCodeParseError, nil)))
	assert.True(t, IsProxyChainError(NewProxyError(ErrCodeSOCKS5ConnectFailed, nil)))
	assert.True(t, IsInternalError(NewProxyError(ErrCodePanicRecovered, nil)))
	assert.Equal(t, "Unknown error code", GetErrorDescription("E0000"))
	assert.Equal(t, "[E7002] Destination matches blocked domain", NewProxyError(ErrCodeBlockedDomain, nil).Error())
}
