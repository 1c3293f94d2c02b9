package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

const defaultHealthAddr = "127.0.0.1:8080"

func healthcheck(ctx context.Context, args []string) int {
	fs := newFlagSet("healthcheck")
	addr := fs.String("addr", os.Getenv("MAILPANEL_LISTEN_ADDR"), "server listen address")
	if err := parseFlags(fs, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(*addr), nil)
	if err != nil {
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 1
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func healthURL(addr string) string {
	return fmt.Sprintf("http://%s/api/v1/health", normalizeAddr(addr))
}

// normalizeAddr points the check at loopback when the server binds every
// interface, since the check runs on the same host.
func normalizeAddr(raw string) string {
	if raw == "" {
		return defaultHealthAddr
	}

	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return defaultHealthAddr
	}

	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}

	return net.JoinHostPort(host, port)
}
