// Package dnscheck compares synthesized records with what a recursive
// resolver currently serves.
package dnscheck

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.DNSVerifier = (*Verifier)(nil)

// DefaultServer is used when no resolver is configured.
const DefaultServer = "1.1.1.1:53"

// Verifier implements driven.DNSVerifier.
type Verifier struct {
	client *dns.Client
	server string
}

// New creates a Verifier querying server (host or host:port).
func New(server string, timeout time.Duration) *Verifier {
	if server == "" {
		server = DefaultServer
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Verifier{client: &dns.Client{Timeout: timeout}, server: server}
}

// Verify looks up each record and reports whether its value is published.
func (v *Verifier) Verify(ctx context.Context, records []model.DNSRecord) ([]driven.RecordCheck, error) {
	checks := make([]driven.RecordCheck, 0, len(records))
	for _, rec := range records {
		found, err := v.lookup(ctx, rec)
		if err != nil {
			return nil, err
		}
		checks = append(checks, driven.RecordCheck{
			Record:    rec,
			Published: slices.Contains(found, normalize(rec.Type, rec.Value)),
			Found:     found,
		})
	}
	return checks, nil
}

func (v *Verifier) lookup(ctx context.Context, rec model.DNSRecord) ([]string, error) {
	qtype, ok := dns.StringToType[string(rec.Type)]
	if !ok {
		return nil, fmt.Errorf("lookup %s: unsupported type %s", rec.Name, rec.Type)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(rec.Name), qtype)
	msg.RecursionDesired = true

	in, _, err := v.client.ExchangeContext(ctx, msg, v.server)
	if err != nil {
		return nil, fmt.Errorf("lookup %s %s: %w", rec.Type, rec.Name, err)
	}

	var found []string
	for _, rr := range in.Answer {
		switch rr := rr.(type) {
		case *dns.TXT:
			found = append(found, strings.Join(rr.Txt, ""))
		case *dns.MX:
			found = append(found, strconv.Itoa(int(rr.Preference))+" "+strings.ToLower(rr.Mx))
		case *dns.A:
			found = append(found, rr.A.String())
		case *dns.AAAA:
			found = append(found, rr.AAAA.String())
		case *dns.CNAME:
			found = append(found, strings.ToLower(rr.Target))
		}
	}
	return found, nil
}

// normalize puts an expected value in the form lookup reports answers in.
func normalize(typ model.RecordType, value string) string {
	switch typ {
	case model.RecordMX:
		pref, host, ok := strings.Cut(value, " ")
		if !ok {
			return value
		}
		return pref + " " + dns.Fqdn(strings.ToLower(strings.TrimSpace(host)))
	case model.RecordCNAME:
		return dns.Fqdn(strings.ToLower(value))
	default:
		return value
	}
}
