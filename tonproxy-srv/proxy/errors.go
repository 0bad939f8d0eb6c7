package proxy

import (
	"fmt"
	"net/http"
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

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeListenerCreateFailed = "E1001"
	ErrCodeConfigurationError   = "E1002"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeConnectionTimeout     = "E2001"
	ErrCodeDialFailed            = "E2002"
	ErrCodeUpstreamConnectFailed = "E2003"
	ErrCodeRelayIOFailed         = "E2004"

	// HTTP Processing Errors (E4000-E4999)
	ErrCodeMalformedRequest    = "E4001"
	ErrCodeUnresolvableTarget  = "E4002"
	ErrCodeRequestWriteFailed  = "E4003"
	ErrCodeResponseCopyFailed  = "E4004"
	ErrCodeUnsupportedProtocol = "E4005"

	// Proxy Chain and Forwarding Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed     = "E6001"
	ErrCodeSOCKS5ConnectFailed    = "E6002"
	ErrCodeHTTPProxyDialFailed    = "E6003"
	ErrCodeHTTPProxyConnectFailed = "E6004"

	// Internal and System Errors (E9900-E9999)
	ErrCodeInternalError  = "E9901"
	ErrCodePanicRecovered = "E9902"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeConfigurationError:   "Configuration error",

	ErrCodeConnectionTimeout:     "Connection attempt or relay timed out",
	ErrCodeDialFailed:            "Failed to dial target address",
	ErrCodeUpstreamConnectFailed: "Failed to connect to upstream server",
	ErrCodeRelayIOFailed:         "Relay I/O failure mid-stream",

	ErrCodeMalformedRequest:    "Malformed HTTP request",
	ErrCodeUnresolvableTarget:  "No usable target host in request",
	ErrCodeRequestWriteFailed:  "Failed to write request to upstream",
	ErrCodeResponseCopyFailed:  "Failed to relay response to client",
	ErrCodeUnsupportedProtocol: "Unsupported HTTP protocol version",

	ErrCodeSOCKS5DialerFailed:     "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed:    "SOCKS5 connection failed",
	ErrCodeHTTPProxyDialFailed:    "Failed to dial HTTP proxy server",
	ErrCodeHTTPProxyConnectFailed: "HTTP proxy connection failed",

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

// NewMalformedRequestError creates a parse-failure error
func NewMalformedRequestError(cause error) *Error {
	return NewProxyError(ErrCodeMalformedRequest, GetErrorDescription(ErrCodeMalformedRequest), cause)
}

// NewUnresolvableTargetError creates a routing-failure error
func NewUnresolvableTargetError(cause error) *Error {
	return NewProxyError(ErrCodeUnresolvableTarget, GetErrorDescription(ErrCodeUnresolvableTarget), cause)
}

// NewConnectionError creates a connection-related error
func NewConnectionError(code string, cause error) *Error {
	return NewProxyError(code, GetErrorDescription(code), cause)
}

// statusForError maps an error code to the HTTP status reported to the
// client before the connection closes. Mid-relay failures have no
// reportable status; callers must not write a response for those.
func statusForError(code string) int {
	switch code {
	case ErrCodeMalformedRequest, ErrCodeUnresolvableTarget, ErrCodeUnsupportedProtocol:
		return http.StatusBadRequest
	case ErrCodeConnectionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// errorResponseBytes renders a minimal HTTP/1.1 error response for a raw
// client connection. The X-Proxy-Error header carries the error code.
func errorResponseBytes(code string) []byte {
	status := statusForError(code)
	body := fmt.Sprintf("%d %s\nError Code: %s\nDescription: %s\n",
		status, http.StatusText(status), code, GetErrorDescription(code))
	head := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nX-Proxy-Error: %s\r\nConnection: close\r\n\r\n",
		status, http.StatusText(status), len(body), code)
	return append([]byte(head), body...)
}
