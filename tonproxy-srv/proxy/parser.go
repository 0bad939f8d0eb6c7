package proxy

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxHeaderBytes bounds the request line plus header block. A client
// that streams headers without ever sending the terminating blank line
// is cut off at this budget instead of growing memory without bound.
const maxHeaderBytes = 64 * 1024

// Header is a single header field. Order and duplicates are preserved so
// the forward path can re-emit the head byte-faithfully.
type Header struct {
	Name  string
	Value string
}

// ParsedRequest is the decoded request line and header block of one
// client request. It lives for exactly one connection attempt: produced
// by ReadRequest, consumed by the router and relay, then discarded.
type ParsedRequest struct {
	Method  string
	Target  string // request-target exactly as the client sent it
	Proto   string // "HTTP/1.0" or "HTTP/1.1"
	Headers []Header
}

// HeaderValue returns the first value of the named header,
// case-insensitively.
func (r *ParsedRequest) HeaderValue(name string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Host returns the Host header value, or "".
func (r *ParsedRequest) Host() string {
	v, _ := r.HeaderValue("Host")
	return v
}

// ContentLength returns the declared body length, or 0 when absent.
func (r *ParsedRequest) ContentLength() int64 {
	v, ok := r.HeaderValue("Content-Length")
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// IsChunked reports whether the body uses chunked transfer coding.
func (r *ParsedRequest) IsChunked() bool {
	v, ok := r.HeaderValue("Transfer-Encoding")
	if !ok {
		return false
	}
	for _, part := range strings.Split(v, ",") {
		if strings.EqualFold(strings.TrimSpace(part), "chunked") {
			return true
		}
	}
	return false
}

// ReadRequest decodes the request line and header block from the client
// connection's buffered reader. Body bytes (or tunnel bytes after a
// CONNECT) remain unconsumed in the reader. Failures are reported as a
// *Error with ErrCodeMalformedRequest or ErrCodeUnsupportedProtocol,
// except an immediate clean EOF which is returned as io.EOF so the
// caller can drop the connection silently.
func ReadRequest(br *bufio.Reader) (*ParsedRequest, error) {
	budget := maxHeaderBytes

	line, err := readHeaderLine(br, &budget)
	if err != nil {
		if err == io.EOF && budget == maxHeaderBytes {
			return nil, io.EOF
		}
		return nil, NewMalformedRequestError(fmt.Errorf("reading request line: %w", err))
	}

	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, NewMalformedRequestError(fmt.Errorf("request line %q does not have three tokens", line))
	}

	req := &ParsedRequest{
		Method: parts[0],
		Target: parts[1],
		Proto:  parts[2],
	}

	if !isToken(req.Method) {
		return nil, NewMalformedRequestError(fmt.Errorf("invalid method token %q", req.Method))
	}
	if req.Proto != "HTTP/1.1" && req.Proto != "HTTP/1.0" {
		return nil, NewProxyError(ErrCodeUnsupportedProtocol, GetErrorDescription(ErrCodeUnsupportedProtocol),
			fmt.Errorf("version %q", req.Proto))
	}

	for {
		line, err := readHeaderLine(br, &budget)
		if err != nil {
			return nil, NewMalformedRequestError(fmt.Errorf("reading headers: %w", err))
		}
		if line == "" {
			break
		}

		// Folded (obs-fold) lines continue the previous field value.
		if line[0] == ' ' || line[0] == '\t' {
			if len(req.Headers) == 0 {
				return nil, NewMalformedRequestError(fmt.Errorf("continuation line before any header"))
			}
			last := &req.Headers[len(req.Headers)-1]
			last.Value += " " + strings.TrimSpace(line)
			continue
		}

		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, NewMalformedRequestError(fmt.Errorf("header line %q has no colon", line))
		}
		name := line[:colon]
		if name == "" || !isToken(name) {
			return nil, NewMalformedRequestError(fmt.Errorf("invalid header name %q", name))
		}
		req.Headers = append(req.Headers, Header{
			Name:  name,
			Value: strings.TrimSpace(line[colon+1:]),
		})
	}

	return req, nil
}

// readHeaderLine reads one CRLF- (or LF-) terminated line, decrementing
// the shared byte budget. Exceeding the budget is an error.
func readHeaderLine(br *bufio.Reader, budget *int) (string, error) {
	var sb strings.Builder
	for {
		frag, err := br.ReadSlice('\n')
		*budget -= len(frag)
		if *budget < 0 {
			return "", fmt.Errorf("header block exceeds %d bytes", maxHeaderBytes)
		}
		sb.Write(frag)
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return "", err
	}
	line := sb.String()
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// isToken reports whether s consists solely of RFC 9110 tchar bytes.
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}
