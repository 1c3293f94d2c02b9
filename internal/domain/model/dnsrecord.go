package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidRecord is returned when a DNS record cannot be parsed.
var ErrInvalidRecord = errors.New("invalid dns record")

// RecordType is a DNS resource record type.
type RecordType string

const (
	RecordA     RecordType = "A"
	RecordAAAA  RecordType = "AAAA"
	RecordCNAME RecordType = "CNAME"
	RecordTXT   RecordType = "TXT"
	RecordMX    RecordType = "MX"
	RecordSRV   RecordType = "SRV"
	RecordNS    RecordType = "NS"
	RecordPTR   RecordType = "PTR"
)

// ClassIN is the only record class produced.
const ClassIN = "IN"

// maxTXTSegment is the longest character-string a single TXT segment may hold.
const maxTXTSegment = 255

// ParseRecordType validates s as one of the supported record types.
func ParseRecordType(s string) (RecordType, error) {
	switch t := RecordType(strings.ToUpper(s)); t {
	case RecordA, RecordAAAA, RecordCNAME, RecordTXT, RecordMX, RecordSRV, RecordNS, RecordPTR:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unsupported type %q", ErrInvalidRecord, s)
	}
}

// DNSRecord is a zone record the operator must publish. Records are never
// persisted; they are synthesized on demand.
type DNSRecord struct {
	Name  string
	Type  RecordType
	Value string
	Class string
}

// NewRecord builds an IN-class record.
func NewRecord(name string, typ RecordType, value string) DNSRecord {
	return DNSRecord{Name: name, Type: typ, Value: value, Class: ClassIN}
}

// String renders the record as "name. IN TYPE value". TXT values are quoted
// and split into 255 character segments.
func (r DNSRecord) String() string {
	class := r.Class
	if class == "" {
		class = ClassIN
	}

	name := r.Name
	if !strings.HasSuffix(name, ".") {
		name += "."
	}

	value := r.Value
	if r.Type == RecordTXT {
		value = quoteTXT(value)
	}

	return fmt.Sprintf("%s %s %s %s", name, class, r.Type, value)
}

// ParseDNSRecord parses the text form produced by String. It also accepts the
// legacy "TYPE name value" form. The value is taken from the raw line, so
// spacing inside TXT segments is preserved.
func ParseDNSRecord(s string) (DNSRecord, error) {
	invalid := fmt.Errorf("%w: %q", ErrInvalidRecord, s)

	first, rest := cutField(s)
	second, rest := cutField(rest)
	if second == "" || strings.TrimSpace(rest) == "" {
		return DNSRecord{}, invalid
	}

	// Legacy form: TYPE name value...
	if typ, err := ParseRecordType(first); err == nil {
		return newParsedRecord(second, typ, rest), nil
	}

	// Standard form: name [ttl] IN TYPE value...
	class := second
	if _, err := strconv.ParseUint(class, 10, 32); err == nil {
		class, rest = cutField(rest)
	}
	if !strings.EqualFold(class, ClassIN) {
		return DNSRecord{}, invalid
	}

	typeField, rest := cutField(rest)
	if typeField == "" || strings.TrimSpace(rest) == "" {
		return DNSRecord{}, invalid
	}
	typ, err := ParseRecordType(typeField)
	if err != nil {
		return DNSRecord{}, err
	}

	return newParsedRecord(first, typ, rest), nil
}

// cutField splits off the next whitespace-delimited field.
func cutField(s string) (field, rest string) {
	s = strings.TrimLeft(s, " \t")
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], s[i:]
	}
	return s, ""
}

func newParsedRecord(name string, typ RecordType, raw string) DNSRecord {
	raw = strings.TrimSpace(raw)
	v := strings.Join(strings.Fields(raw), " ")
	if typ == RecordTXT {
		v = unquoteTXT(raw)
	}
	return NewRecord(strings.TrimSuffix(name, "."), typ, v)
}

var txtEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// quoteTXT splits v into 255 byte segments and quotes each, escaping
// backslashes and quotes. A value that is already quoted is kept as is.
func quoteTXT(v string) string {
	if len(v) >= 2 && strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) {
		return v
	}

	var segments []string
	for len(v) > maxTXTSegment {
		segments = append(segments, `"`+txtEscaper.Replace(v[:maxTXTSegment])+`"`)
		v = v[maxTXTSegment:]
	}
	segments = append(segments, `"`+txtEscaper.Replace(v)+`"`)
	return strings.Join(segments, " ")
}

// unquoteTXT concatenates the quoted segments of a TXT value. Values without
// a leading quote are returned unchanged.
func unquoteTXT(v string) string {
	if !strings.HasPrefix(v, `"`) {
		return v
	}

	var b strings.Builder
	inQuote := false
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case inQuote && c == '\\' && i+1 < len(v):
			i++
			b.WriteByte(v[i])
		case c == '"':
			inQuote = !inQuote
		case inQuote:
			b.WriteByte(c)
		}
	}
	return b.String()
}
