package source

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/easzlab/ezwatch/pkg/rules"
)

// builtinChainDirection maps netfilter built-in chains onto a traffic direction.
var builtinChainDirection = map[string]string{
	"INPUT":       "in",
	"PREROUTING":  "in",
	"OUTPUT":      "out",
	"POSTROUTING": "out",
	"FORWARD":     "forward",
}

// splitRuleSpec splits an iptables-save style rule line into arguments,
// honoring double quotes and backslash escapes as iptables prints them.
func splitRuleSpec(line string) ([]string, error) {
	var args []string
	var current strings.Builder
	inQuotes := false
	hasToken := false

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && i+1 < len(line):
			i++
			current.WriteByte(line[i])
			hasToken = true
		case c == '"':
			inQuotes = !inQuotes
			hasToken = true
		case (c == ' ' || c == '\t') && !inQuotes:
			if hasToken {
				args = append(args, current.String())
				current.Reset()
				hasToken = false
			}
		default:
			current.WriteByte(c)
			hasToken = true
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quote in %q", line)
	}
	if hasToken {
		args = append(args, current.String())
	}
	return args, nil
}

// iptablesRule is the subset of an iptables rule that maps onto NativeRule.
type iptablesRule struct {
	chain    string
	protocol string
	dports   string
	sports   string
	target   string
	comment  string
	cgroup   string
	owner    string
	negated  bool
	spec     string
}

// parseAppendLine parses one "-A CHAIN ..." line from `iptables -S`.
// Lines of any other kind (policies, chain declarations) return ok=false.
func parseAppendLine(line string) (iptablesRule, bool, error) {
	args, err := splitRuleSpec(line)
	if err != nil {
		return iptablesRule{}, false, err
	}
	if len(args) < 2 || args[0] != "-A" {
		return iptablesRule{}, false, nil
	}

	r := iptablesRule{
		chain: args[1],
		spec:  strings.Join(args[2:], " "),
	}

	for i := 2; i < len(args); i++ {
		value := func() string {
			if i+1 < len(args) {
				i++
				return args[i]
			}
			return ""
		}
		switch args[i] {
		case "!":
			r.negated = true
		case "-p", "--protocol":
			r.protocol = value()
		case "--dport", "--destination-port", "--dports":
			r.dports = value()
		case "--sport", "--source-port", "--sports":
			r.sports = value()
		case "-j", "--jump", "-g", "--goto":
			r.target = value()
		case "--comment":
			r.comment = value()
		case "--path":
			r.cgroup = value()
		case "--uid-owner":
			r.owner = value()
		}
	}
	return r, true, nil
}

// specDigest returns a short stable digest of a rule specification, used as
// the identifier of rules that carry no comment.
func specDigest(spec string) string {
	sum := sha1.Sum([]byte(spec))
	return hex.EncodeToString(sum[:])[:12]
}

// iptablesNativeRules converts the `-S` output of one table into native rules.
// family is "ipv4" or "ipv6"; seen de-duplicates identifiers across the call.
//
// A comment names its rule when no other rule of the chain carries it. Rules
// sharing a comment are told apart by their spec digest, so an identifier
// never moves to a rule with a different spec when a sibling is removed or
// inserted. Only byte-identical rules fall back to a positional ~n suffix.
func iptablesNativeRules(family, table string, lines []string, seen map[string]int) ([]rules.NativeRule, []error) {
	var parsed []iptablesRule
	var errs []error
	comments := make(map[[2]string]int)

	for _, line := range lines {
		r, ok, err := parseAppendLine(line)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", family, table, err))
			continue
		}
		if !ok {
			continue
		}
		parsed = append(parsed, r)
		if r.comment != "" {
			comments[[2]string{r.chain, r.comment}]++
		}
	}

	result := make([]rules.NativeRule, 0, len(parsed))
	for _, r := range parsed {
		key := "#" + specDigest(r.spec)
		if r.comment != "" {
			if comments[[2]string{r.chain, r.comment}] > 1 {
				key = r.comment + key
			} else {
				key = r.comment
			}
		}
		id := fmt.Sprintf("%s/%s/%s/%s", family, table, r.chain, key)
		seen[id]++
		if n := seen[id]; n > 1 {
			id = fmt.Sprintf("%s~%d", id, n)
		}

		localPorts, remotePorts := r.dports, r.sports
		direction := builtinChainDirection[r.chain]
		if direction == "out" {
			localPorts, remotePorts = r.sports, r.dports
		}

		description := r.comment
		if r.negated {
			description = strings.TrimSpace(description + " [negated match]")
		}
		if description == "" {
			description = r.spec
		}

		result = append(result, rules.NativeRule{
			Name:        id,
			Grouping:    r.chain,
			Enabled:     true,
			Direction:   direction,
			Action:      r.target,
			Protocol:    r.protocol,
			LocalPorts:  localPorts,
			RemotePorts: remotePorts,
			Profiles:    family,
			Application: r.owner,
			Service:     r.cgroup,
			Description: description,
		})
	}
	return result, errs
}
