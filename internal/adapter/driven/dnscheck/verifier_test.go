package dnscheck

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
)

func startServer(t *testing.T, zone map[string][]string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		q := r.Question[0]
		for _, text := range zone[q.Name+" "+dns.TypeToString[q.Qtype]] {
			rr, err := dns.NewRR(text)
			if err == nil {
				m.Answer = append(m.Answer, rr)
			}
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestVerifier_Verify(t *testing.T) {
	addr := startServer(t, map[string][]string{
		"example.com. TXT": {
			`example.com. 300 IN TXT "v=spf1 mx ~all"`,
			`example.com. 300 IN TXT "google-site-verification=abc"`,
		},
		"_dmarc.example.com. TXT": {
			`_dmarc.example.com. 300 IN TXT "v=DMARC1; p=none"`,
		},
		"example.com. MX": {
			`example.com. 300 IN MX 10 Mail.Example.com.`,
		},
		"mail._domainkey.example.com. TXT": {
			`mail._domainkey.example.com. 300 IN TXT "v=DKIM1; k=rsa; " "p=ABC"`,
		},
	})

	v := New(addr, time.Second)
	checks, err := v.Verify(context.Background(), []model.DNSRecord{
		model.NewRecord("example.com", model.RecordTXT, "v=spf1 mx ~all"),
		model.NewRecord("_dmarc.example.com", model.RecordTXT, "v=DMARC1; p=quarantine"),
		model.NewRecord("example.com", model.RecordMX, "10 mail.example.com"),
		model.NewRecord("mail._domainkey.example.com", model.RecordTXT, "v=DKIM1; k=rsa; p=ABC"),
		model.NewRecord("missing.example.com", model.RecordTXT, "anything"),
	})
	require.NoError(t, err)
	require.Len(t, checks, 5)

	assert.True(t, checks[0].Published)
	assert.Len(t, checks[0].Found, 2)

	assert.False(t, checks[1].Published)
	assert.Equal(t, []string{"v=DMARC1; p=none"}, checks[1].Found)

	assert.True(t, checks[2].Published)
	assert.True(t, checks[3].Published, "multi-segment txt is joined")

	assert.False(t, checks[4].Published)
	assert.Empty(t, checks[4].Found)
}

func TestNew_DefaultsPort(t *testing.T) {
	v := New("192.0.2.53", 0)
	assert.Equal(t, "192.0.2.53:53", v.server)

	v = New("", 0)
	assert.Equal(t, DefaultServer, v.server)
}
