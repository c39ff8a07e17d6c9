package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/ManuGH/sheetsync/internal/config"
)

// runHealthcheckCLI probes a local daemon, for container HEALTHCHECK use.
// Exit status is 0 on a 200 response and 1 otherwise.
func runHealthcheckCLI(args []string) int {
	fs := flag.NewFlagSet("healthcheck", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	mode := fs.String("mode", "ready", "ready (/readyz) or live (/healthz)")
	addr := fs.String("addr", config.Defaults().Server.ListenAddr, "daemon listen address")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return probe(os.Stdout, probeBaseURL(*addr), *mode, *timeout)
}

// probeBaseURL turns a listen address such as ":8080" into a dialable URL.
func probeBaseURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func probe(out io.Writer, baseURL, mode string, timeout time.Duration) int {
	path := "/readyz"
	if mode == "live" {
		path = "/healthz"
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "healthcheck: %s returned %s\n", path, resp.Status)
		return 1
	}
	fmt.Fprintf(out, "%s ok\n", path)
	return 0
}
