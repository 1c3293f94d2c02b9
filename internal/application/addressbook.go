package application

import (
	"context"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// AddressSource supplies the host's current public addresses.
type AddressSource interface {
	Addresses() []netip.Addr
}

// AddressBook holds an immutable snapshot of the host's public addresses.
// The snapshot is replaced by Set or Refresh; readers never block on
// resolution.
type AddressBook struct {
	mu       sync.RWMutex
	addrs    []netip.Addr
	resolver driven.AddressResolver
	logger   *slog.Logger
}

// NewAddressBook creates an empty AddressBook. resolver may be nil when the
// addresses are configured statically through Set.
func NewAddressBook(resolver driven.AddressResolver, logger *slog.Logger) *AddressBook {
	if logger == nil {
		logger = slog.Default()
	}
	return &AddressBook{resolver: resolver, logger: logger}
}

// Addresses returns a copy of the current snapshot, IPv4 before IPv6.
func (b *AddressBook) Addresses() []netip.Addr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.addrs)
}

// Set replaces the snapshot.
func (b *AddressBook) Set(addrs []netip.Addr) {
	sorted := slices.Clone(addrs)
	slices.SortStableFunc(sorted, func(a, c netip.Addr) int {
		return familyRank(a) - familyRank(c)
	})

	b.mu.Lock()
	b.addrs = sorted
	b.mu.Unlock()
}

// Refresh re-resolves the addresses. An empty or failed resolution keeps the
// previous snapshot.
func (b *AddressBook) Refresh(ctx context.Context) error {
	if b.resolver == nil {
		return nil
	}

	addrs, err := b.resolver.Resolve(ctx)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		b.logger.Warn("no public address resolved, keeping previous", "previous", b.Addresses())
		return nil
	}

	b.Set(addrs)
	b.logger.Info("public addresses refreshed", "addresses", addrs)
	return nil
}

// Run refreshes immediately and then on every tick until ctx is canceled.
func (b *AddressBook) Run(ctx context.Context, interval time.Duration) {
	if err := b.Refresh(ctx); err != nil {
		b.logger.Error("address refresh failed", "error", err)
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Refresh(ctx); err != nil {
				b.logger.Error("address refresh failed", "error", err)
			}
		}
	}
}

func familyRank(a netip.Addr) int {
	if a.Is4() || a.Is4In6() {
		return 0
	}
	return 1
}
