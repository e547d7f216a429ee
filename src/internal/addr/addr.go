// Package addr classifies textual network addresses as IPv4 or IPv6 literals.
//
// Classification is strict: the text must be exactly the address, with no
// surrounding whitespace, no zone suffix and no hostname. Every input yields a
// Classified value; Invalid is the ordinary "not an address" outcome, never an
// error.
package addr

import (
	"net/netip"
)

// Kind is the address kind established by classification.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindIPv4
	KindIPv6
)

func (k Kind) String() string {
	switch k {
	case KindIPv4:
		return "ipv4"
	case KindIPv6:
		return "ipv6"
	default:
		return "invalid"
	}
}

// Classified is the result of classifying an address literal.
// The zero value is Invalid.
type Classified struct {
	kind Kind
	ip   netip.Addr
}

// Invalid is the classification of anything that is not an IP literal.
var Invalid = Classified{}

// Classify parses literal as an IPv4 or IPv6 address.
func Classify(literal string) Classified {
	if literal == "" {
		return Invalid
	}

	// netip.ParseAddr already rejects surrounding whitespace, a second "::",
	// out-of-range and zero-padded octets. Zones are the only extension it
	// accepts that inet_pton does not.
	ip, err := netip.ParseAddr(literal)
	if err != nil || ip.Zone() != "" {
		return Invalid
	}

	if ip.Is4() {
		return Classified{kind: KindIPv4, ip: ip}
	}
	// IPv4-mapped literals stay IPv6: no Unmap.
	return Classified{kind: KindIPv6, ip: ip}
}

// ClassifyPtr classifies an optional literal; nil is Invalid.
func ClassifyPtr(literal *string) Classified {
	if literal == nil {
		return Invalid
	}
	return Classify(*literal)
}

// IsIPv4 reports whether s is a strict IPv4 literal.
func IsIPv4(s string) bool {
	return Classify(s).kind == KindIPv4
}

// IsIPv6 reports whether s is a strict IPv6 literal.
func IsIPv6(s string) bool {
	return Classify(s).kind == KindIPv6
}

// Kind returns the classified kind.
func (c Classified) Kind() Kind {
	return c.kind
}

// Valid reports whether the literal was an IPv4 or IPv6 address.
func (c Classified) Valid() bool {
	return c.kind != KindInvalid
}

// Is4 reports whether the literal was IPv4.
func (c Classified) Is4() bool {
	return c.kind == KindIPv4
}

// Is6 reports whether the literal was IPv6 (including IPv4-mapped forms).
func (c Classified) Is6() bool {
	return c.kind == KindIPv6
}

// Addr returns the parsed address, or the zero netip.Addr when Invalid.
func (c Classified) Addr() netip.Addr {
	return c.ip
}

// Binary returns the canonical fixed-width encoding: 4 bytes for IPv4,
// 16 bytes for IPv6, nil when Invalid.
func (c Classified) Binary() []byte {
	switch c.kind {
	case KindIPv4:
		b := c.ip.As4()
		return b[:]
	case KindIPv6:
		b := c.ip.As16()
		return b[:]
	default:
		return nil
	}
}

// Equal reports whether both classifications are valid, of the same kind and
// have the same binary form.
func (c Classified) Equal(other Classified) bool {
	if !c.Valid() || c.kind != other.kind {
		return false
	}
	return c.ip == other.ip
}

func (c Classified) String() string {
	if !c.Valid() {
		return "invalid"
	}
	return c.ip.String()
}
