package rules

import (
	"fmt"
	"strings"
)

// Direction is the traffic direction a rule applies to.
type Direction string

const (
	DirectionUnspecified Direction = ""
	DirectionIn          Direction = "in"
	DirectionOut         Direction = "out"
	DirectionForward     Direction = "forward"
)

// Action is the verdict a rule applies to matching traffic. Besides the
// well-known verdicts an action may name a backend-specific target such as
// a user-defined chain.
type Action string

const (
	ActionUnspecified Action = ""
	ActionAllow       Action = "allow"
	ActionBlock       Action = "block"
	ActionLog         Action = "log"
)

// Protocol is a canonical protocol name, or the decimal protocol number for
// protocols without a well-known name. The empty value means any protocol.
type Protocol string

const (
	ProtocolAny    Protocol = ""
	ProtocolTCP    Protocol = "tcp"
	ProtocolUDP    Protocol = "udp"
	ProtocolICMP   Protocol = "icmp"
	ProtocolICMPv6 Protocol = "icmpv6"
	ProtocolSCTP   Protocol = "sctp"
	ProtocolGRE    Protocol = "gre"
	ProtocolESP    Protocol = "esp"
	ProtocolAH     Protocol = "ah"
)

// Profile is a bitmask of the network profiles or address families a rule is active in.
type Profile uint8

const (
	ProfileDomain Profile = 1 << iota
	ProfilePrivate
	ProfilePublic
	ProfileIPv4
	ProfileIPv6

	ProfileNone Profile = 0
	ProfileAll          = ProfileDomain | ProfilePrivate | ProfilePublic | ProfileIPv4 | ProfileIPv6
)

var profileNames = []struct {
	bit  Profile
	name string
}{
	{ProfileDomain, "domain"},
	{ProfilePrivate, "private"},
	{ProfilePublic, "public"},
	{ProfileIPv4, "ipv4"},
	{ProfileIPv6, "ipv6"},
}

// String returns the comma-separated profile names, or "any" for the empty mask.
func (p Profile) String() string {
	if p == ProfileNone {
		return "any"
	}
	var names []string
	for _, entry := range profileNames {
		if p&entry.bit != 0 {
			names = append(names, entry.name)
		}
	}
	return strings.Join(names, ",")
}

// NativeRule is one rule record as exposed by a rule-store backend. Fields
// carry the backend's own spelling and are normalized into a Descriptor.
type NativeRule struct {
	Name        string
	Grouping    string
	Enabled     bool
	Direction   string
	Action      string
	Protocol    string
	LocalPorts  string
	RemotePorts string
	Profiles    string
	Application string
	Service     string
	Description string
}

// Descriptor is the normalized, value-comparable projection of one rule.
// Descriptors are plain values; a changed rule yields a new Descriptor.
type Descriptor struct {
	ID          string    `json:"id"`
	Grouping    string    `json:"grouping,omitempty"`
	Enabled     bool      `json:"enabled"`
	Direction   Direction `json:"direction,omitempty"`
	Action      Action    `json:"action,omitempty"`
	Protocol    Protocol  `json:"protocol,omitempty"`
	LocalPorts  string    `json:"local_ports,omitempty"`
	RemotePorts string    `json:"remote_ports,omitempty"`
	Profiles    Profile   `json:"profiles"`
	Application string    `json:"application,omitempty"`
	Service     string    `json:"service,omitempty"`
	Description string    `json:"description,omitempty"`
}

// SameSettings reports whether d and other match on every field except the identifier.
func (d Descriptor) SameSettings(other Descriptor) bool {
	d.ID = ""
	other.ID = ""
	return d == other
}

// Target returns the executable path the rule is bound to, or its service name.
func (d Descriptor) Target() string {
	if d.Application != "" {
		return d.Application
	}
	return d.Service
}

// String returns a compact human-readable summary of the descriptor.
func (d Descriptor) String() string {
	protocol := string(d.Protocol)
	if protocol == "" {
		protocol = "any"
	}
	state := "enabled"
	if !d.Enabled {
		state = "disabled"
	}
	return fmt.Sprintf("%s %s %s %s local=%s remote=%s profiles=%s target=%s (%s)",
		d.ID, orDash(string(d.Direction)), orDash(string(d.Action)), protocol,
		orDash(d.LocalPorts), orDash(d.RemotePorts), d.Profiles, orDash(d.Target()), state)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// IsOwned reports whether a grouping tag marks a rule as created by this
// application. The match is a case-insensitive suffix match; an empty suffix
// marks nothing as owned.
func IsOwned(grouping, ownedSuffix string) bool {
	if ownedSuffix == "" || grouping == "" {
		return false
	}
	return strings.HasSuffix(strings.ToLower(grouping), strings.ToLower(ownedSuffix))
}
