// Package pubip discovers the host's public addresses from plain-text
// "what is my IP" endpoints, one request per address family.
package pubip

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.AddressResolver = (*Resolver)(nil)

// Default endpoints answer with the caller's address as plain text.
const (
	DefaultIPv4URL = "https://ipv4.icanhazip.com"
	DefaultIPv6URL = "https://ipv6.icanhazip.com"
)

const maxBody = 256

// Resolver implements driven.AddressResolver.
type Resolver struct {
	v4URL   string
	v6URL   string
	client4 *http.Client
	client6 *http.Client
	logger  *slog.Logger
}

// New creates a Resolver whose requests are forced onto IPv4 and IPv6
// respectively. Empty URLs use the defaults.
func New(v4URL, v6URL string, timeout time.Duration, logger *slog.Logger) *Resolver {
	if v4URL == "" {
		v4URL = DefaultIPv4URL
	}
	if v6URL == "" {
		v6URL = DefaultIPv6URL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{
		v4URL:   v4URL,
		v6URL:   v6URL,
		client4: familyClient("tcp4", timeout),
		client6: familyClient("tcp6", timeout),
		logger:  logger,
	}
}

// Resolve returns the public IPv4 address followed by the IPv6 address. A
// family that cannot be resolved is left out; an empty result is not an error.
func (r *Resolver) Resolve(ctx context.Context) ([]netip.Addr, error) {
	var v4, v6 netip.Addr

	var g errgroup.Group
	g.Go(func() error {
		addr, err := r.fetch(ctx, r.client4, r.v4URL)
		if err != nil || !addr.Is4() {
			r.logger.Warn("ipv4 address not resolved", "url", r.v4URL, "addr", addr, "error", err)
			return nil
		}
		v4 = addr
		return nil
	})
	g.Go(func() error {
		addr, err := r.fetch(ctx, r.client6, r.v6URL)
		if err != nil || !addr.Is6() || addr.Is4In6() {
			r.logger.Warn("ipv6 address not resolved", "url", r.v6URL, "addr", addr, "error", err)
			return nil
		}
		v6 = addr
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var addrs []netip.Addr
	for _, a := range []netip.Addr{v4, v6} {
		if a.IsValid() {
			addrs = append(addrs, a)
		}
	}
	return addrs, nil
}

func (r *Resolver) fetch(ctx context.Context, client *http.Client, url string) (netip.Addr, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return netip.Addr{}, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return netip.Addr{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return netip.Addr{}, err
	}

	return netip.ParseAddr(strings.TrimSpace(string(body)))
}

func familyClient(network string, timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, _, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, addr)
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}
