// Package bind decides whether an outbound socket may be bound to a configured
// source address, given the address family of the remote endpoint.
//
// The decision is a plain value (Decision). Callers turn a rejected decision
// into an aborted connection attempt; they must never fall back to an unbound
// socket when a source address was configured.
package bind

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/maksimkurb/keen-doh/src/internal/addr"
	"github.com/maksimkurb/keen-doh/src/internal/errors"
)

// Family is the address family constraint imposed by the caller.
type Family uint8

const (
	FamilyUnspecified Family = iota
	FamilyIPv4Only
	FamilyIPv6Only
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4Only:
		return "ipv4"
	case FamilyIPv6Only:
		return "ipv6"
	default:
		return "unspec"
	}
}

// ParseFamily accepts "", "unspec", "ipv4"/"4" and "ipv6"/"6".
func ParseFamily(s string) (Family, error) {
	switch s {
	case "", "unspec", "any":
		return FamilyUnspecified, nil
	case "ipv4", "4":
		return FamilyIPv4Only, nil
	case "ipv6", "6":
		return FamilyIPv6Only, nil
	default:
		return FamilyUnspecified, fmt.Errorf("unknown address family %q", s)
	}
}

// FamilyOf returns the constraint matching a remote endpoint. IPv4-mapped IPv6
// remotes are IPv6; the zero Addr is unspecified.
func FamilyOf(remote netip.Addr) Family {
	switch {
	case !remote.IsValid():
		return FamilyUnspecified
	case remote.Is4():
		return FamilyIPv4Only
	default:
		return FamilyIPv6Only
	}
}

// Reason explains a rejected decision.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonMissingAddress
	ReasonInvalidAddress
	ReasonFamilyMismatch
)

func (r Reason) String() string {
	switch r {
	case ReasonMissingAddress:
		return "missing address"
	case ReasonInvalidAddress:
		return "invalid address"
	case ReasonFamilyMismatch:
		return "family mismatch"
	default:
		return "none"
	}
}

// Decision is either Bound to a classified address or Rejected with a reason.
type Decision struct {
	literal string
	family  Family
	address addr.Classified
	reason  Reason
}

// Decide runs the binding algorithm for a source literal and a family constraint.
func Decide(literal string, family Family) Decision {
	d := Decision{literal: literal, family: family}

	if literal == "" {
		d.reason = ReasonMissingAddress
		return d
	}

	c := addr.Classify(literal)
	switch {
	case !c.Valid():
		d.reason = ReasonInvalidAddress
	case c.Is4() && family == FamilyIPv6Only:
		d.reason = ReasonFamilyMismatch
	case c.Is6() && family == FamilyIPv4Only:
		d.reason = ReasonFamilyMismatch
	default:
		d.address = c
	}
	return d
}

// DecidePtr is Decide for an optional literal; nil is a missing address.
func DecidePtr(literal *string, family Family) Decision {
	if literal == nil {
		return Decision{family: family, reason: ReasonMissingAddress}
	}
	return Decide(*literal, family)
}

// Bound reports whether the socket may be bound to Address().
func (d Decision) Bound() bool {
	return d.reason == ReasonNone
}

// Reason returns why the decision was rejected (ReasonNone when bound).
func (d Decision) Reason() Reason {
	return d.reason
}

// Address returns the classified source address; Invalid unless bound.
func (d Decision) Address() addr.Classified {
	return d.address
}

// Literal returns the source text the decision was made for.
func (d Decision) Literal() string {
	return d.literal
}

// Family returns the constraint the decision was made against.
func (d Decision) Family() Family {
	return d.family
}

// Err returns nil when bound, otherwise a BIND_ERROR describing the rejection.
func (d Decision) Err() error {
	if d.Bound() {
		return nil
	}
	return errors.NewBindError(
		fmt.Sprintf("cannot bind source address %q for %s", d.literal, d.family),
		&RejectedError{Reason: d.reason, Literal: d.literal, Family: d.family},
	)
}

// TCPAddr returns the local TCP endpoint (port 0) or nil when rejected.
func (d Decision) TCPAddr() *net.TCPAddr {
	if !d.Bound() {
		return nil
	}
	return net.TCPAddrFromAddrPort(netip.AddrPortFrom(d.address.Addr(), 0))
}

// UDPAddr returns the local UDP endpoint (port 0) or nil when rejected.
func (d Decision) UDPAddr() *net.UDPAddr {
	if !d.Bound() {
		return nil
	}
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(d.address.Addr(), 0))
}

// LocalAddr returns the local endpoint for a dial network ("tcp*" or "udp*").
func (d Decision) LocalAddr(network string) net.Addr {
	if !d.Bound() {
		return nil
	}
	switch network {
	case "udp", "udp4", "udp6":
		return d.UDPAddr()
	default:
		return d.TCPAddr()
	}
}

func (d Decision) String() string {
	if d.Bound() {
		return fmt.Sprintf("bound %s (%s)", d.address, d.family)
	}
	return fmt.Sprintf("rejected %q (%s): %s", d.literal, d.family, d.reason)
}

// RejectedError carries the details of a rejected binding.
type RejectedError struct {
	Reason  Reason
	Literal string
	Family  Family
	Remote  netip.Addr
}

func (e *RejectedError) Error() string {
	if e.Remote.IsValid() {
		return fmt.Sprintf("source %q rejected for remote %s (%s): %s", e.Literal, e.Remote, e.Family, e.Reason)
	}
	return fmt.Sprintf("source %q rejected (%s): %s", e.Literal, e.Family, e.Reason)
}
