package driven

import (
	"context"
	"net/netip"
)

// AddressResolver discovers the host's public IPv4 and IPv6 addresses.
type AddressResolver interface {
	Resolve(ctx context.Context) ([]netip.Addr, error)
}
