//go:build linux

package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-iptables/iptables"
	"github.com/easzlab/ezwatch/pkg/rules"
	"go.uber.org/zap"
)

type iptablesFamily struct {
	name string
	ipt  *iptables.IPTables
}

// IPTablesSource enumerates the rules of the configured iptables tables for
// IPv4 and, optionally, IPv6.
type IPTablesSource struct {
	tables   []string
	families []iptablesFamily
	logger   *zap.Logger
}

// NewIPTablesSource creates an iptables backend using coreos/go-iptables.
func NewIPTablesSource(tables []string, ipv6 bool, logger *zap.Logger) (*IPTablesSource, error) {
	ipt4, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("failed to create iptables handle: %w", err)
	}
	src := &IPTablesSource{
		tables:   tables,
		families: []iptablesFamily{{name: "ipv4", ipt: ipt4}},
		logger:   logger,
	}

	if ipv6 {
		ipt6, err := iptables.NewWithProtocol(iptables.ProtocolIPv6)
		if err != nil {
			logger.Warn("ip6tables unavailable, listing IPv4 rules only", zap.Error(err))
		} else {
			src.families = append(src.families, iptablesFamily{name: "ipv6", ipt: ipt6})
		}
	}
	return src, nil
}

// Name implements Source.
func (s *IPTablesSource) Name() string {
	return "iptables"
}

// ListRules implements Source.
func (s *IPTablesSource) ListRules(ctx context.Context) (Enumeration, error) {
	var result []rules.NativeRule
	seen := make(map[string]int)

	for _, family := range s.families {
		for _, table := range s.tables {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			chains, err := family.ipt.ListChains(table)
			if err != nil {
				return nil, fmt.Errorf("failed to list %s chains of table %s: %w", family.name, table, err)
			}

			var lines []string
			for _, chain := range chains {
				chainLines, err := family.ipt.List(table, chain)
				if err != nil {
					return nil, fmt.Errorf("failed to list %s chain %s/%s: %w", family.name, table, chain, err)
				}
				lines = append(lines, chainLines...)
			}

			nativeRules, errs := iptablesNativeRules(family.name, table, lines, seen)
			if len(errs) > 0 {
				s.logger.Warn("skipped unparsable iptables rules",
					zap.String("family", family.name),
					zap.String("table", table),
					zap.Error(errors.Join(errs...)))
			}
			result = append(result, nativeRules...)
		}
	}

	return NewEnumeration(result, nil), nil
}
