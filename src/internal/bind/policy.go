package bind

import (
	"fmt"
	"net/netip"
	"strings"
)

// SourcePolicy selects the source literal for an outbound connection.
// Shared applies to every family; IPv4 and IPv6 override it for their family.
type SourcePolicy struct {
	Shared string
	IPv4   string
	IPv6   string
}

// Configured reports whether any source address is set. An unconfigured
// policy means "no preference": sockets stay unbound.
func (p SourcePolicy) Configured() bool {
	return p.Shared != "" || p.IPv4 != "" || p.IPv6 != ""
}

// For returns the literal to use for the given family constraint.
func (p SourcePolicy) For(family Family) string {
	switch {
	case family == FamilyIPv4Only && p.IPv4 != "":
		return p.IPv4
	case family == FamilyIPv6Only && p.IPv6 != "":
		return p.IPv6
	default:
		return p.Shared
	}
}

// Decide derives the family from remote and runs the binder on the selected literal.
func (p SourcePolicy) Decide(remote netip.Addr) Decision {
	family := FamilyOf(remote)
	return Decide(p.For(family), family)
}

// Or returns p when it is configured, otherwise fallback.
func (p SourcePolicy) Or(fallback SourcePolicy) SourcePolicy {
	if p.Configured() {
		return p
	}
	return fallback
}

func (p SourcePolicy) String() string {
	if !p.Configured() {
		return "unbound"
	}
	var parts []string
	if p.Shared != "" {
		parts = append(parts, fmt.Sprintf("any=%s", p.Shared))
	}
	if p.IPv4 != "" {
		parts = append(parts, fmt.Sprintf("ipv4=%s", p.IPv4))
	}
	if p.IPv6 != "" {
		parts = append(parts, fmt.Sprintf("ipv6=%s", p.IPv6))
	}
	return strings.Join(parts, ",")
}
