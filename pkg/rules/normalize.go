package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/easzlab/ezwatch/pkg/idset"
	"go.uber.org/zap"
)

// Normalizer projects NativeRule records into Descriptors. It never fails:
// a field that cannot be parsed degrades to its empty value and is noted at debug level.
type Normalizer struct {
	logger *zap.Logger
}

// NewNormalizer creates a Normalizer that logs degraded fields to logger.
func NewNormalizer(logger *zap.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize produces the Descriptor for one native rule.
func (n *Normalizer) Normalize(rule NativeRule) Descriptor {
	d := Descriptor{
		ID:          idset.Canonical(strings.TrimSpace(rule.Name)),
		Grouping:    strings.TrimSpace(rule.Grouping),
		Enabled:     rule.Enabled,
		Application: strings.TrimSpace(rule.Application),
		Service:     strings.TrimSpace(rule.Service),
		Description: strings.TrimSpace(rule.Description),
	}

	var err error
	if d.Direction, err = ParseDirection(rule.Direction); err != nil {
		n.degraded(d.ID, "direction", err)
	}
	if d.Action, err = ParseAction(rule.Action); err != nil {
		n.degraded(d.ID, "action", err)
	}
	if d.Protocol, err = ParseProtocol(rule.Protocol); err != nil {
		n.degraded(d.ID, "protocol", err)
	}
	if d.LocalPorts, err = ParsePorts(rule.LocalPorts); err != nil {
		n.degraded(d.ID, "local_ports", err)
	}
	if d.RemotePorts, err = ParsePorts(rule.RemotePorts); err != nil {
		n.degraded(d.ID, "remote_ports", err)
	}
	if d.Profiles, err = ParseProfiles(rule.Profiles); err != nil {
		n.degraded(d.ID, "profiles", err)
	}

	return d
}

func (n *Normalizer) degraded(id, field string, err error) {
	n.logger.Debug("rule field degraded to empty value",
		zap.String("rule", id),
		zap.String("field", field),
		zap.Error(err),
	)
}

// ParseDirection maps backend spellings of a direction onto Direction.
func ParseDirection(raw string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return DirectionUnspecified, nil
	case "in", "inbound", "input", "ingress", "prerouting", "1":
		return DirectionIn, nil
	case "out", "outbound", "output", "egress", "postrouting", "2":
		return DirectionOut, nil
	case "forward", "fwd":
		return DirectionForward, nil
	default:
		return DirectionUnspecified, fmt.Errorf("unknown direction %q", raw)
	}
}

// validTarget matches custom verdicts such as user-defined chain names.
var validTarget = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]*$`)

// ParseAction maps backend spellings of a verdict onto Action. Unknown but
// well-formed targets are kept in lower case so a change of jump target is
// still visible to comparison.
func ParseAction(raw string) (Action, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "":
		return ActionUnspecified, nil
	case "allow", "accept", "permit", "pass", "1":
		return ActionAllow, nil
	case "block", "drop", "deny", "reject", "0":
		return ActionBlock, nil
	case "log", "nflog":
		return ActionLog, nil
	}
	if !validTarget.MatchString(value) {
		return ActionUnspecified, fmt.Errorf("malformed action %q", raw)
	}
	return Action(value), nil
}

var protocolByName = map[string]Protocol{
	"tcp":       ProtocolTCP,
	"udp":       ProtocolUDP,
	"icmp":      ProtocolICMP,
	"icmpv4":    ProtocolICMP,
	"icmpv6":    ProtocolICMPv6,
	"ipv6-icmp": ProtocolICMPv6,
	"sctp":      ProtocolSCTP,
	"gre":       ProtocolGRE,
	"esp":       ProtocolESP,
	"ah":        ProtocolAH,
}

var protocolByNumber = map[int]Protocol{
	1:   ProtocolICMP,
	6:   ProtocolTCP,
	17:  ProtocolUDP,
	47:  ProtocolGRE,
	50:  ProtocolESP,
	51:  ProtocolAH,
	58:  ProtocolICMPv6,
	132: ProtocolSCTP,
}

// ParseProtocol maps a protocol name or IANA number onto Protocol.
func ParseProtocol(raw string) (Protocol, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "", "any", "all", "*", "256":
		return ProtocolAny, nil
	}
	if protocol, ok := protocolByName[value]; ok {
		return protocol, nil
	}

	number, err := strconv.Atoi(value)
	if err != nil || number < 0 || number > 255 {
		return ProtocolAny, fmt.Errorf("unknown protocol %q", raw)
	}
	if protocol, ok := protocolByNumber[number]; ok {
		return protocol, nil
	}
	return Protocol(strconv.Itoa(number)), nil
}

type portRange struct {
	low, high int
}

// ParsePorts canonicalizes a port list such as "443, 80,8000-8080" into a
// sorted, de-duplicated, comma-separated form ("80,443,8000-8080"). "any" and
// "*" mean no restriction and yield the empty value, as does any list holding
// a malformed entry.
func ParsePorts(raw string) (string, error) {
	tokens := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == ';'
	})

	var ranges []portRange
	var bad []string
	for _, token := range tokens {
		switch strings.ToLower(token) {
		case "any", "*":
			return "", nil
		}

		r, err := parsePortRange(token)
		if err != nil {
			bad = append(bad, token)
			continue
		}
		ranges = append(ranges, r)
	}

	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].low != ranges[j].low {
			return ranges[i].low < ranges[j].low
		}
		return ranges[i].high < ranges[j].high
	})

	parts := make([]string, 0, len(ranges))
	var last portRange
	for i, r := range ranges {
		if i > 0 && r == last {
			continue
		}
		last = r
		if r.low == r.high {
			parts = append(parts, strconv.Itoa(r.low))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", r.low, r.high))
		}
	}

	if len(bad) > 0 {
		return "", fmt.Errorf("malformed port entries %q", bad)
	}
	return strings.Join(parts, ","), nil
}

func parsePortRange(token string) (portRange, error) {
	// iptables writes ranges as "a:b"
	sep := strings.IndexAny(token, "-:")
	if sep < 0 {
		port, err := parsePort(token)
		if err != nil {
			return portRange{}, err
		}
		return portRange{low: port, high: port}, nil
	}

	low, err := parsePort(token[:sep])
	if err != nil {
		return portRange{}, err
	}
	high, err := parsePort(token[sep+1:])
	if err != nil {
		return portRange{}, err
	}
	if low > high {
		return portRange{}, fmt.Errorf("inverted range %q", token)
	}
	return portRange{low: low, high: high}, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

// ParseProfiles parses a profile list ("domain,private", "ipv4 ipv6") or a
// numeric bitmask. "any" and "all" select every profile. A list holding an
// unknown name yields the empty mask.
func ParseProfiles(raw string) (Profile, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return ProfileNone, nil
	}
	if number, err := strconv.Atoi(value); err == nil {
		if number < 0 || number > int(ProfileAll) {
			return ProfileNone, fmt.Errorf("profile mask %d out of range", number)
		}
		return Profile(number), nil
	}

	var mask Profile
	var bad []string
	for _, token := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' || r == '|' }) {
		switch token {
		case "any", "all", "*":
			return ProfileAll, nil
		case "inet":
			mask |= ProfileIPv4 | ProfileIPv6
			continue
		case "ip":
			mask |= ProfileIPv4
			continue
		case "ip6":
			mask |= ProfileIPv6
			continue
		}

		found := false
		for _, entry := range profileNames {
			if entry.name == token {
				mask |= entry.bit
				found = true
				break
			}
		}
		if !found {
			bad = append(bad, token)
		}
	}

	if len(bad) > 0 {
		return ProfileNone, fmt.Errorf("unknown profiles %q", bad)
	}
	return mask, nil
}
