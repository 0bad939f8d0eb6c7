package proxy

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	go_socks5 "github.com/armon/go-socks5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonproxy/tonproxy/tonproxy-srv/config"
)

// startSocks5Server runs a SOCKS5 proxy on an ephemeral port.
func startSocks5Server(t *testing.T, conf *go_socks5.Config) string {
	t.Helper()

	server, err := go_socks5.New(conf)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		_ = server.Serve(ln)
	}()
	return ln.Addr().String()
}

func TestForwardViaSocks5(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("via socks5"))
	}))
	defer upstream.Close()

	socksAddr := startSocks5Server(t, &go_socks5.Config{})

	cfg := testConfig(t)
	cfg.Forwards = []config.Forward{
		&config.ForwardSocks5{Address: socksAddr},
	}
	proxyAddr := startTestProxy(t, cfg)

	resp := sendRawRequest(t, proxyAddr,
		fmt.Sprintf("GET %s/ HTTP/1.1\r\nHost: whatever\r\n\r\n", upstream.URL))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "via socks5", string(body))
}

func TestForwardViaSocks5WithAuth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("authed"))
	}))
	defer upstream.Close()

	creds := go_socks5.StaticCredentials{"user": "pass"}
	socksAddr := startSocks5Server(t, &go_socks5.Config{
		AuthMethods: []go_socks5.Authenticator{go_socks5.UserPassAuthenticator{Credentials: creds}},
	})

	username := "user"
	password := "pass"
	cfg := testConfig(t)
	cfg.Forwards = []config.Forward{
		&config.ForwardSocks5{Address: socksAddr, Username: &username, Password: &password},
	}
	proxyAddr := startTestProxy(t, cfg)

	resp := sendRawRequest(t, proxyAddr,
		fmt.Sprintf("GET %s/ HTTP/1.1\r\nHost: whatever\r\n\r\n", upstream.URL))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "authed", string(body))
}

func TestForwardRuleDomainScoping(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("direct"))
	}))
	defer upstream.Close()

	// A SOCKS5 rule scoped to a domain the request does not hit; the dial
	// must go out directly.
	cfg := testConfig(t)
	cfg.Forwards = []config.Forward{
		&config.ForwardSocks5{DomainList: []string{"never-matches.example"}, Address: "127.0.0.1:1"},
	}
	proxyAddr := startTestProxy(t, cfg)

	resp := sendRawRequest(t, proxyAddr,
		fmt.Sprintf("GET %s/ HTTP/1.1\r\nHost: whatever\r\n\r\n", upstream.URL))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "direct", string(body))
}
