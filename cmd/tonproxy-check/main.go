package main

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/tonproxy/tonproxy/tonproxy-srv/logger"
)

// CheckResult is the outcome of a single check against a running proxy.
type CheckResult struct {
	Name     string        `json:"name"`
	Target   string        `json:"target"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Status   int           `json:"status,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// CheckSuite runs smoke checks through a proxy instance.
type CheckSuite struct {
	ProxyAddr string
	Client    *http.Client
	Timeout   time.Duration
	Results   []CheckResult
}

func main() {
	proxyAddr := flag.String("proxy", "127.0.0.1:8080", "Proxy address (host:port)")
	tonURL := flag.String("ton-url", "http://foundation.ton/", "TON site URL fetched through the rewrite path")
	plainURL := flag.String("plain-url", "http://example.com/", "Regular site URL fetched through the passthrough path")
	connectHost := flag.String("connect", "example.com:443", "host:port for the CONNECT tunnel check")
	timeout := flag.Int("timeout", 30, "Request timeout in seconds")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	jsonOut := flag.Bool("json", false, "Print results as JSON")
	flag.Parse()

	logger.SetLevel(logger.INFO)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	proxyURL, err := url.Parse("http://" + *proxyAddr)
	if err != nil {
		logger.Fatal("Invalid proxy address: %v", err)
	}

	suite := &CheckSuite{
		ProxyAddr: *proxyAddr,
		Timeout:   time.Duration(*timeout) * time.Second,
		Client: &http.Client{
			Timeout: time.Duration(*timeout) * time.Second,
			Transport: &http.Transport{
				Proxy:           http.ProxyURL(proxyURL),
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
	}

	logger.Info("Checking proxy at %s", *proxyAddr)

	suite.run("plain-forward", *plainURL, suite.checkGet)
	suite.run("ton-rewrite", *tonURL, suite.checkGet)
	suite.run("connect-tunnel", *connectHost, suite.checkConnect)

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(suite.Results); err != nil {
			logger.Fatal("Failed to encode results: %v", err)
		}
	} else {
		suite.printResults()
	}

	for _, r := range suite.Results {
		if !r.Success {
			os.Exit(1)
		}
	}
}

func (cs *CheckSuite) run(name, target string, check func(string) CheckResult) {
	logger.Debug("Running check %s against %s", name, target)
	result := check(target)
	result.Name = name
	result.Target = target
	cs.Results = append(cs.Results, result)
}

// checkGet fetches a URL through the proxy and expects a 2xx or 3xx.
func (cs *CheckSuite) checkGet(target string) CheckResult {
	start := time.Now()

	resp, err := cs.Client.Get(target)
	if err != nil {
		return CheckResult{Duration: time.Since(start), Error: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	result := CheckResult{
		Duration: time.Since(start),
		Status:   resp.StatusCode,
		Success:  resp.StatusCode < 400,
	}
	if !result.Success {
		result.Error = fmt.Sprintf("unexpected status %s", resp.Status)
	}
	return result
}

// checkConnect issues a raw CONNECT and expects 200 Connection Established.
func (cs *CheckSuite) checkConnect(target string) CheckResult {
	start := time.Now()

	conn, err := net.DialTimeout("tcp", cs.ProxyAddr, cs.Timeout)
	if err != nil {
		return CheckResult{Duration: time.Since(start), Error: err.Error()}
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(cs.Timeout))

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target); err != nil {
		return CheckResult{Duration: time.Since(start), Error: err.Error()}
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect})
	if err != nil {
		return CheckResult{Duration: time.Since(start), Error: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	result := CheckResult{
		Duration: time.Since(start),
		Status:   resp.StatusCode,
		Success:  resp.StatusCode == http.StatusOK,
	}
	if !result.Success {
		result.Error = fmt.Sprintf("CONNECT refused: %s", resp.Status)
	}
	return result
}

func (cs *CheckSuite) printResults() {
	fmt.Println()
	fmt.Println("=== Proxy Check Results ===")
	passed := 0
	for _, r := range cs.Results {
		status := "FAIL"
		if r.Success {
			status = "PASS"
			passed++
		}
		fmt.Printf("  [%s] %-16s %-40s %v", status, r.Name, r.Target, r.Duration.Round(time.Millisecond))
		if r.Error != "" {
			fmt.Printf("  (%s)", r.Error)
		}
		fmt.Println()
	}
	fmt.Printf("Passed %d/%d checks\n", passed, len(cs.Results))
}
