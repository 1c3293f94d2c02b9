package application

import (
	"net/netip"
	"strings"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
)

// SPFRecord authorizes the given addresses and the domain's MX hosts to send
// mail. With no addresses it falls back to the MX hosts alone.
func SPFRecord(domain string, addrs []netip.Addr) model.DNSRecord {
	var b strings.Builder
	b.WriteString("v=spf1")

	for _, want4 := range []bool{true, false} {
		for _, a := range addrs {
			is4 := a.Is4() || a.Is4In6()
			if is4 != want4 {
				continue
			}
			if is4 {
				b.WriteString(" ip4:" + a.Unmap().String())
			} else {
				b.WriteString(" ip6:" + a.String())
			}
		}
	}

	b.WriteString(" mx ~all")
	return model.NewRecord(domain, model.RecordTXT, b.String())
}

// DMARCRecord requests quarantine with aggregate and forensic reports to the
// domain's postmaster.
func DMARCRecord(domain string) model.DNSRecord {
	postmaster := "mailto:postmaster@" + domain
	value := "v=DMARC1; p=quarantine; rua=" + postmaster + "; ruf=" + postmaster + "; fo=1"
	return model.NewRecord("_dmarc."+domain, model.RecordTXT, value)
}

// MXRecord points the domain's mail at host.
func MXRecord(domain, host string) model.DNSRecord {
	return model.NewRecord(domain, model.RecordMX, "10 "+strings.TrimSuffix(host, ".")+".")
}

// mailRecords assembles the records an operator publishes for a mail domain.
func mailRecords(domain string, addrs []netip.Addr, dkim *model.DNSRecord, mailHost string) []model.DNSRecord {
	records := []model.DNSRecord{
		SPFRecord(domain, addrs),
		DMARCRecord(domain),
	}
	if dkim != nil {
		records = append(records, *dkim)
	}
	if mailHost != "" {
		records = append(records, MXRecord(domain, mailHost))
	}
	return records
}
