package application_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/mailpanel/internal/application"
)

type stubResolver struct {
	addrs []netip.Addr
	err   error
	calls int
}

func (r *stubResolver) Resolve(context.Context) ([]netip.Addr, error) {
	r.calls++
	return r.addrs, r.err
}

func TestAddressBook_SetOrdersFamilies(t *testing.T) {
	book := application.NewAddressBook(nil, nil)
	book.Set([]netip.Addr{netip.MustParseAddr("2001:db8::1"), netip.MustParseAddr("203.0.113.5")})

	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("203.0.113.5"),
		netip.MustParseAddr("2001:db8::1"),
	}, book.Addresses())
}

func TestAddressBook_AddressesIsACopy(t *testing.T) {
	book := application.NewAddressBook(nil, nil)
	book.Set([]netip.Addr{netip.MustParseAddr("203.0.113.5")})

	got := book.Addresses()
	got[0] = netip.MustParseAddr("192.0.2.1")

	assert.Equal(t, netip.MustParseAddr("203.0.113.5"), book.Addresses()[0])
}

func TestAddressBook_Refresh(t *testing.T) {
	resolver := &stubResolver{addrs: []netip.Addr{netip.MustParseAddr("198.51.100.7")}}
	book := application.NewAddressBook(resolver, nil)

	require.NoError(t, book.Refresh(context.Background()))
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("198.51.100.7")}, book.Addresses())

	// An empty answer keeps the previous snapshot.
	resolver.addrs = nil
	require.NoError(t, book.Refresh(context.Background()))
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("198.51.100.7")}, book.Addresses())

	resolver.err = errors.New("network down")
	assert.Error(t, book.Refresh(context.Background()))
	assert.Len(t, book.Addresses(), 1)
}

func TestAddressBook_RefreshWithoutResolver(t *testing.T) {
	book := application.NewAddressBook(nil, nil)
	require.NoError(t, book.Refresh(context.Background()))
	assert.Empty(t, book.Addresses())
}

func TestAddressBook_RunStopsOnCancel(t *testing.T) {
	resolver := &stubResolver{addrs: []netip.Addr{netip.MustParseAddr("203.0.113.5")}}
	book := application.NewAddressBook(resolver, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		book.Run(ctx, time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(book.Addresses()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
