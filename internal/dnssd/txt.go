package dnssd

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"github.com/nomis52/ola/pkg/types"
)

// txtRRName is a placeholder owner name. zeroconf publishes/delivers TXT
// data as plain []string, not a full resource record, so this module
// builds a syntactically throwaway RR purely to get miekg/dns's
// RFC-1035-conformant character-string parsing/quoting rather than
// hand-rolling it.
const txtRRName = "_dnssd.invalid."

// encodeTxtRR renders rec's key=value pairs as a miekg/dns TXT record,
// validating each pair round-trips through RFC 1035 character-string
// quoting before the plain strings are handed to zeroconf.RegisterProxy.
func encodeTxtRR(rec *types.TxtRecord) (*dns.TXT, error) {
	rr, err := dns.NewRR(zoneLine(rec.Strings()))
	if err != nil {
		return nil, fmt.Errorf("dnssd: encode TXT record: %w", err)
	}
	txt, ok := rr.(*dns.TXT)
	if !ok {
		return nil, fmt.Errorf("dnssd: encode TXT record: unexpected RR type %T", rr)
	}
	return txt, nil
}

// decodeTxtRR parses strs (as a zeroconf.ServiceEntry delivers them) as a
// miekg/dns TXT record, rejecting anything that isn't well-formed per
// RFC 1035 before the pairs reach types.ParseTxtStrings/ParseControllerTxt.
func decodeTxtRR(strs []string) (*types.TxtRecord, error) {
	// RFC 1035 §3.3 bounds a <character-string> to 255 bytes; miekg/dns
	// would otherwise silently split a longer one into several.
	for _, s := range strs {
		if len(s) > 255 {
			return nil, fmt.Errorf("dnssd: decode TXT record: character-string of %d bytes exceeds 255", len(s))
		}
	}
	rr, err := dns.NewRR(zoneLine(strs))
	if err != nil {
		return nil, fmt.Errorf("dnssd: decode TXT record: %w", err)
	}
	txt, ok := rr.(*dns.TXT)
	if !ok {
		return nil, fmt.Errorf("dnssd: decode TXT record: unexpected RR type %T", rr)
	}
	return types.ParseTxtStrings(txt.Txt), nil
}

// zoneLine renders strs as a single zone-file TXT RR line under the
// placeholder owner name, quoting each character-string.
func zoneLine(strs []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s 4500 IN TXT", txtRRName)
	for _, s := range strs {
		b.WriteByte(' ')
		b.WriteString(quoteZoneString(s))
	}
	return b.String()
}

// quoteZoneString wraps s in double quotes, backslash-escaping embedded
// quotes and backslashes per the zone-file <character-string> syntax
// (RFC 1035 §5.1).
func quoteZoneString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}
