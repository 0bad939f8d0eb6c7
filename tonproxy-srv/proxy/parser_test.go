package proxy

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, raw string) (*ParsedRequest, error) {
	t.Helper()
	return ReadRequest(bufio.NewReader(strings.NewReader(raw)))
}

func TestReadRequestBasic(t *testing.T) {
	req, err := parse(t, "GET http://example.com/path?q=1 HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "http://example.com/path?q=1", req.Target)
	assert.Equal(t, "HTTP/1.1", req.Proto)
	assert.Equal(t, "example.com", req.Host())
	assert.Len(t, req.Headers, 2)
}

func TestReadRequestConnect(t *testing.T) {
	req, err := parse(t, "CONNECT example.ton:443 HTTP/1.1\r\nHost: example.ton:443\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, "CONNECT", req.Method)
	assert.Equal(t, "example.ton:443", req.Target)
}

func TestReadRequestBareLF(t *testing.T) {
	req, err := parse(t, "GET / HTTP/1.1\nHost: example.com\n\n")
	require.NoError(t, err)
	assert.Equal(t, "example.com", req.Host())
}

func TestReadRequestPreservesHeaderOrderAndDuplicates(t *testing.T) {
	req, err := parse(t, "GET / HTTP/1.1\r\nHost: h\r\nX-A: 1\r\nX-B: 2\r\nX-A: 3\r\n\r\n")
	require.NoError(t, err)
	require.Len(t, req.Headers, 4)
	assert.Equal(t, Header{"Host", "h"}, req.Headers[0])
	assert.Equal(t, Header{"X-A", "1"}, req.Headers[1])
	assert.Equal(t, Header{"X-B", "2"}, req.Headers[2])
	assert.Equal(t, Header{"X-A", "3"}, req.Headers[3])

	// HeaderValue returns the first occurrence.
	v, ok := req.HeaderValue("x-a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestReadRequestObsFold(t *testing.T) {
	req, err := parse(t, "GET / HTTP/1.1\r\nHost: h\r\nX-Long: first\r\n second\r\n\tthird\r\n\r\n")
	require.NoError(t, err)
	v, _ := req.HeaderValue("X-Long")
	assert.Equal(t, "first second third", v)
}

func TestReadRequestMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing proto", "GET /\r\n\r\n"},
		{"empty line first", "\r\nGET / HTTP/1.1\r\n\r\n"},
		{"four tokens", "GET / HTTP/1.1 extra\r\n\r\n"},
		{"bad method token", "G<T / HTTP/1.1\r\n\r\n"},
		{"header without colon", "GET / HTTP/1.1\r\nNoColonHere\r\n\r\n"},
		{"empty header name", "GET / HTTP/1.1\r\n: value\r\n\r\n"},
		{"header name with space", "GET / HTTP/1.1\r\nBad Name: v\r\n\r\n"},
		{"fold before any header", "GET / HTTP/1.1\r\n folded\r\n\r\n"},
		{"truncated head", "GET / HTTP/1.1\r\nHost: h\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.raw)
			require.Error(t, err)
			var proxyErr *Error
			require.ErrorAs(t, err, &proxyErr)
			assert.Equal(t, ErrCodeMalformedRequest, proxyErr.Code)
		})
	}
}

func TestReadRequestUnsupportedProtocol(t *testing.T) {
	for _, proto := range []string{"HTTP/2.0", "HTTP/0.9", "ICY/1.0"} {
		_, err := parse(t, "GET / "+proto+"\r\n\r\n")
		var proxyErr *Error
		require.ErrorAs(t, err, &proxyErr, "proto %s", proto)
		assert.Equal(t, ErrCodeUnsupportedProtocol, proxyErr.Code)
	}
}

func TestReadRequestImmediateEOF(t *testing.T) {
	_, err := parse(t, "")
	assert.True(t, errors.Is(err, io.EOF), "expected io.EOF, got %v", err)
}

func TestReadRequestPartialThenEOF(t *testing.T) {
	_, err := parse(t, "GET / HT")
	var proxyErr *Error
	require.ErrorAs(t, err, &proxyErr)
	assert.Equal(t, ErrCodeMalformedRequest, proxyErr.Code)
}

func TestReadRequestHeaderBudget(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("GET / HTTP/1.1\r\n")
	for sb.Len() < maxHeaderBytes+1024 {
		sb.WriteString("X-Padding: " + strings.Repeat("a", 1000) + "\r\n")
	}
	sb.WriteString("\r\n")

	_, err := parse(t, sb.String())
	var proxyErr *Error
	require.ErrorAs(t, err, &proxyErr)
	assert.Equal(t, ErrCodeMalformedRequest, proxyErr.Code)
}

func TestReadRequestLeavesBodyBuffered(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\nhello"))
	req, err := ReadRequest(br)
	require.NoError(t, err)
	assert.Equal(t, int64(5), req.ContentLength())

	body, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestContentLengthAndChunked(t *testing.T) {
	req, err := parse(t, "POST / HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: gzip, Chunked\r\n\r\n")
	require.NoError(t, err)
	assert.True(t, req.IsChunked())

	req, err = parse(t, "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: bogus\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, int64(0), req.ContentLength())
}
