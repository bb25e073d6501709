//go:build linux

package source

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/easzlab/ezwatch/pkg/rules"
	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// NFTablesSource enumerates every rule of every nftables table over netlink.
type NFTablesSource struct {
	logger *zap.Logger
}

// NewNFTablesSource creates an nftables backend. A lasting netlink connection
// is opened per enumeration and closed when the enumeration is closed.
func NewNFTablesSource(logger *zap.Logger) (*NFTablesSource, error) {
	return &NFTablesSource{logger: logger}, nil
}

// Name implements Source.
func (s *NFTablesSource) Name() string {
	return "nftables"
}

// ListRules implements Source.
func (s *NFTablesSource) ListRules(ctx context.Context) (Enumeration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := nftables.New(nftables.AsLasting())
	if err != nil {
		return nil, fmt.Errorf("failed to open nftables connection: %w", err)
	}
	release := conn.CloseLasting

	chains, err := conn.ListChains()
	if err != nil {
		_ = release()
		return nil, fmt.Errorf("failed to list nftables chains: %w", err)
	}

	var result []rules.NativeRule
	for _, chain := range chains {
		if err := ctx.Err(); err != nil {
			_ = release()
			return nil, err
		}
		// GetRules dereferences both table and chain.
		if chain.Table == nil {
			continue
		}
		nftRules, err := conn.GetRules(chain.Table, chain)
		if err != nil {
			_ = release()
			return nil, fmt.Errorf("failed to list rules of %s/%s: %w", chain.Table.Name, chain.Name, err)
		}
		for _, r := range nftRules {
			result = append(result, nftNativeRule(chain.Table, chain, r))
		}
	}

	s.logger.Debug("listed nftables rules", zap.Int("chains", len(chains)), zap.Int("rules", len(result)))
	return NewEnumeration(result, release), nil
}

func nftFamilyName(family nftables.TableFamily) string {
	switch family {
	case nftables.TableFamilyIPv4:
		return "ip"
	case nftables.TableFamilyIPv6:
		return "ip6"
	case nftables.TableFamilyINet:
		return "inet"
	case nftables.TableFamilyARP:
		return "arp"
	case nftables.TableFamilyBridge:
		return "bridge"
	case nftables.TableFamilyNetdev:
		return "netdev"
	default:
		return strconv.Itoa(int(family))
	}
}

func nftFamilyProfiles(family nftables.TableFamily) string {
	switch family {
	case nftables.TableFamilyIPv4:
		return "ipv4"
	case nftables.TableFamilyIPv6:
		return "ipv6"
	case nftables.TableFamilyINet:
		return "ipv4,ipv6"
	default:
		return ""
	}
}

func nftChainDirection(chain *nftables.Chain) string {
	if chain.Hooknum == nil {
		return ""
	}
	switch *chain.Hooknum {
	case *nftables.ChainHookInput, *nftables.ChainHookPrerouting:
		return "in"
	case *nftables.ChainHookOutput, *nftables.ChainHookPostrouting:
		return "out"
	case *nftables.ChainHookForward:
		return "forward"
	default:
		return ""
	}
}

// nftComment extracts the comment from rule user data. nft stores it as a
// TLV attribute of type 0 holding a NUL-terminated string; anything else is
// returned as raw text.
func nftComment(udata []byte) string {
	for i := 0; i+2 <= len(udata); {
		typ, length := udata[i], int(udata[i+1])
		start, end := i+2, i+2+length
		if end > len(udata) {
			break
		}
		if typ == 0 {
			value := udata[start:end]
			if n := len(value); n > 0 && value[n-1] == 0 {
				value = value[:n-1]
			}
			return string(value)
		}
		i = end
	}
	if len(udata) > 0 && udata[0] >= 0x20 {
		return string(udata)
	}
	return ""
}

func nftProtocolName(proto byte) string {
	switch int(proto) {
	case unix.IPPROTO_TCP:
		return "tcp"
	case unix.IPPROTO_UDP:
		return "udp"
	case unix.IPPROTO_ICMP:
		return "icmp"
	case unix.IPPROTO_ICMPV6:
		return "icmpv6"
	case unix.IPPROTO_SCTP:
		return "sctp"
	default:
		return strconv.Itoa(int(proto))
	}
}

const (
	regL4Proto = "l4proto"
	regDPort   = "dport"
	regSPort   = "sport"
)

func portValue(data []byte) (uint16, bool) {
	if len(data) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(data), true
}

// nftNativeRule decodes the match and verdict expressions of an nftables rule
// into the portable rule fields.
func nftNativeRule(table *nftables.Table, chain *nftables.Chain, r *nftables.Rule) rules.NativeRule {
	native := rules.NativeRule{
		Name:        fmt.Sprintf("%s/%s/%s/%d", nftFamilyName(table.Family), table.Name, chain.Name, r.Handle),
		Grouping:    table.Name,
		Enabled:     true,
		Direction:   nftChainDirection(chain),
		Profiles:    nftFamilyProfiles(table.Family),
		Description: nftComment(r.UserData),
	}

	loaded := make(map[uint32]string)
	logged := false

	for _, e := range r.Exprs {
		switch e := e.(type) {
		case *expr.Meta:
			if e.Key == expr.MetaKeyL4PROTO && !e.SourceRegister {
				loaded[e.Register] = regL4Proto
			}
		case *expr.Payload:
			switch {
			case e.Base == expr.PayloadBaseTransportHeader && e.Offset == 2 && e.Len == 2:
				loaded[e.DestRegister] = regDPort
			case e.Base == expr.PayloadBaseTransportHeader && e.Offset == 0 && e.Len == 2:
				loaded[e.DestRegister] = regSPort
			case e.Base == expr.PayloadBaseNetworkHeader && e.Len == 1 &&
				((table.Family == nftables.TableFamilyIPv4 && e.Offset == 9) ||
					(table.Family == nftables.TableFamilyIPv6 && e.Offset == 6)):
				loaded[e.DestRegister] = regL4Proto
			default:
				delete(loaded, e.DestRegister)
			}
		case *expr.Cmp:
			if e.Op != expr.CmpOpEq {
				continue
			}
			switch loaded[e.Register] {
			case regL4Proto:
				if len(e.Data) == 1 {
					native.Protocol = nftProtocolName(e.Data[0])
				}
			case regDPort, regSPort:
				if port, ok := portValue(e.Data); ok {
					setPorts(&native, loaded[e.Register], strconv.Itoa(int(port)))
				}
			}
		case *expr.Range:
			if e.Op != expr.CmpOpEq {
				continue
			}
			from, okFrom := portValue(e.FromData)
			to, okTo := portValue(e.ToData)
			if okFrom && okTo {
				setPorts(&native, loaded[e.Register], fmt.Sprintf("%d-%d", from, to))
			}
		case *expr.Log:
			logged = true
		case *expr.Reject:
			native.Action = "block"
		case *expr.Verdict:
			switch e.Kind {
			case expr.VerdictAccept:
				native.Action = "allow"
			case expr.VerdictDrop:
				native.Action = "block"
			case expr.VerdictJump, expr.VerdictGoto:
				native.Action = e.Chain
			case expr.VerdictReturn:
				native.Action = "return"
			}
		}
	}

	if native.Action == "" && logged {
		native.Action = "log"
	}
	return native
}

// setPorts records a port match. Transport ports are local on inbound rules
// and remote on outbound ones.
func setPorts(native *rules.NativeRule, reg, value string) {
	if reg != regDPort && reg != regSPort {
		return
	}
	local := reg == regDPort
	if native.Direction == "out" {
		local = !local
	}
	if local {
		native.LocalPorts = value
	} else {
		native.RemotePorts = value
	}
}
