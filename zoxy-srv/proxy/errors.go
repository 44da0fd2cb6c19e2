package proxy

import (
	"errors"
	"fmt"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and its registered description
func NewProxyError(code string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: GetErrorDescription(code),
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeListenerCreateFailed = "E1008"
	ErrCodeInvalidServerConfig  = "E1010"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeClientReadFailed       = "E2001"
	ErrCodeResolveFailed          = "E2004"
	ErrCodeInvalidAddress         = "E2006"
	ErrCodeInvalidPort            = "E2007"
	ErrCodeRelayFailed            = "E2008"
	ErrCodeDialFailed             = "E2009"
	ErrCodeDestinationUnreachable = "E2010"

	// HTTP Processing Errors (E4000-E4999)
	ErrCodeParseError           = "E4001"
	ErrCodeTunnelReplyFailed    = "E4003"
	ErrCodeRequestForwardFailed = "E4007"

	// Proxy Chain Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed  = "E6001"
	ErrCodeSOCKS5ConnectFailed = "E6002"

	// Access Control and Security Errors (E7000-E7999)
	ErrCodePolicyRejection = "E7001"
	ErrCodeBlockedDomain   = "E7002"

	// Internal and System Errors (E9900-E9999)
	ErrCodeInternalError  = "E9901"
	ErrCodePanicRecovered = "E9903"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeInvalidServerConfig:  "Invalid server configuration",

	ErrCodeClientReadFailed:       "Failed to read request from client",
	ErrCodeResolveFailed:          "Failed to resolve destination host",
	ErrCodeInvalidAddress:         "Invalid network address format",
	ErrCodeInvalidPort:            "Invalid port number",
	ErrCodeRelayFailed:            "Relay stopped on unrecoverable I/O error",
	ErrCodeDialFailed:             "Failed to dial target address",
	ErrCodeDestinationUnreachable: "Destination unreachable",

	ErrCodeParseError:           "Failed to parse HTTP request head",
	ErrCodeTunnelReplyFailed:    "Failed to send tunnel established reply",
	ErrCodeRequestForwardFailed: "Failed to forward request to destination",

	ErrCodeSOCKS5DialerFailed:  "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed: "SOCKS5 connection failed",

	ErrCodePolicyRejection: "Client rejected by access policy",
	ErrCodeBlockedDomain:   "Destination matches blocked domain",

	ErrCodeInternalError:  "Internal proxy error",
	ErrCodePanicRecovered: "Recovered from panic condition",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// ErrorCode returns the code of the first *Error in err's chain, or "".
func ErrorCode(err error) string {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code
	}
	return ""
}

func hasCodeIn(err error, lo, hi string) bool {
	code := ErrorCode(err)
	return code != "" && code >= lo && code < hi
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	return hasCodeIn(err, "E2000", "E3000")
}

// IsHTTPError checks if the error is HTTP-related
func IsHTTPError(err error) bool {
	return hasCodeIn(err, "E4000", "E5000")
}

// IsProxyChainError checks if the error is proxy chain-related
func IsProxyChainError(err error) bool {
	return hasCodeIn(err, "E6000", "E7000")
}

// IsAccessControlError checks if the error is access control-related
func IsAccessControlError(err error) bool {
	return hasCodeIn(err, "E7000", "E8000")
}

// IsInternalError checks if the error is internal/system-related
func IsInternalError(err error) bool {
	return hasCodeIn(err, "E9900", "E9A00")
}
