package certbot

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
)

// Field labels printed by "certbot certificates".
const (
	labelName     = "Certificate Name"
	labelSerial   = "Serial Number"
	labelKeyType  = "Key Type"
	labelDomains  = "Domains"
	labelExpiry   = "Expiry Date"
	labelCertPath = "Certificate Path"
	labelKeyPath  = "Private Key Path"
)

var requiredLabels = []string{
	labelName, labelSerial, labelKeyType, labelDomains, labelExpiry, labelCertPath, labelKeyPath,
}

const expiryLayout = "2006-01-02 15:04:05-07:00"

type block struct {
	info model.CertificateInfo
	seen map[string]bool
}

func (b *block) complete() bool {
	for _, label := range requiredLabels {
		if !b.seen[label] {
			return false
		}
	}
	return true
}

func (b *block) set(label, value string) {
	switch label {
	case labelSerial:
		b.info.Serial = value
	case labelKeyType:
		b.info.KeyType = value
	case labelDomains:
		b.info.Domains = strings.Fields(value)
	case labelExpiry:
		b.info.Expiry = value
		b.info.ExpiresAt = parseExpiry(value)
	case labelCertPath:
		b.info.CertificatePath = value
	case labelKeyPath:
		b.info.KeyPath = value
	default:
		return
	}
	b.seen[label] = true
}

// ParseCertificates parses the output of "certbot certificates". Each
// "Certificate Name" line opens a block; a block is kept only if all seven
// fields were seen, whether it is closed by the next block or by end of input.
func ParseCertificates(r io.Reader) ([]model.CertificateInfo, error) {
	var (
		certs []model.CertificateInfo
		cur   *block
	)

	flush := func() {
		if cur != nil && cur.complete() {
			certs = append(certs, cur.info)
		}
		cur = nil
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		label, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok {
			continue
		}
		label, value = strings.TrimSpace(label), strings.TrimSpace(value)
		if value == "" {
			continue
		}

		if label == labelName {
			flush()
			cur = &block{
				info: model.CertificateInfo{Name: value},
				seen: map[string]bool{labelName: true},
			}
			continue
		}

		if cur != nil {
			cur.set(label, value)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read certificate listing: %w", err)
	}

	flush()
	return certs, nil
}

// parseExpiry reads "2025-01-15 10:22:33+00:00 (VALID: 60 days)". It returns
// the zero time when the format is not recognised.
func parseExpiry(value string) time.Time {
	ts, _, _ := strings.Cut(value, " (")
	t, err := time.Parse(expiryLayout, strings.TrimSpace(ts))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
