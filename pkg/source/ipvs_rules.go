package source

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/easzlab/ezwatch/pkg/rules"
)

// ipvsService is the part of an IPVS virtual service that is reported as a rule.
type ipvsService struct {
	Address       net.IP
	Protocol      uint16
	Port          uint16
	FWMark        uint32
	SchedName     string
	AddressFamily uint16
	Destinations  []ipvsDestination
}

// ipvsDestination is one real server behind a virtual service.
type ipvsDestination struct {
	Address net.IP
	Port    uint16
	Weight  int
}

// Protocol and address family numbers as the Linux IPVS netlink API reports them.
const (
	ipprotoTCP  = 6
	ipprotoUDP  = 17
	ipprotoSCTP = 132
	afINET      = 2
	afINET6     = 10
)

func ipvsProtocolName(proto uint16) string {
	switch proto {
	case ipprotoTCP:
		return "tcp"
	case ipprotoUDP:
		return "udp"
	case ipprotoSCTP:
		return "sctp"
	default:
		return strconv.Itoa(int(proto))
	}
}

// ipvsServiceID derives the identifier of a virtual service: proto/addr:port,
// or fwmark/N for firewall-mark services.
func ipvsServiceID(svc ipvsService) string {
	if svc.FWMark != 0 {
		return fmt.Sprintf("fwmark/%d", svc.FWMark)
	}
	return fmt.Sprintf("%s/%s", ipvsProtocolName(svc.Protocol),
		net.JoinHostPort(svc.Address.String(), strconv.Itoa(int(svc.Port))))
}

func ipvsFamilyProfile(family uint16) string {
	switch family {
	case afINET:
		return "ipv4"
	case afINET6:
		return "ipv6"
	default:
		return ""
	}
}

// ipvsDescription summarizes the scheduler and backends so that any change to
// them registers as a modification of the service.
func ipvsDescription(svc ipvsService) string {
	dsts := make([]string, 0, len(svc.Destinations))
	for _, dst := range svc.Destinations {
		addr := net.JoinHostPort(dst.Address.String(), strconv.Itoa(int(dst.Port)))
		dsts = append(dsts, fmt.Sprintf("%s*%d", addr, dst.Weight))
	}
	sort.Strings(dsts)
	return fmt.Sprintf("scheduler=%s destinations=%s", svc.SchedName, strings.Join(dsts, ","))
}

// ipvsNativeRules converts IPVS virtual services into native rules.
func ipvsNativeRules(services []ipvsService) []rules.NativeRule {
	result := make([]rules.NativeRule, 0, len(services))
	for _, svc := range services {
		rule := rules.NativeRule{
			Name:        ipvsServiceID(svc),
			Enabled:     true,
			Direction:   "in",
			Action:      "allow",
			Profiles:    ipvsFamilyProfile(svc.AddressFamily),
			Description: ipvsDescription(svc),
		}
		if svc.FWMark == 0 {
			rule.Protocol = ipvsProtocolName(svc.Protocol)
			rule.LocalPorts = strconv.Itoa(int(svc.Port))
		}
		result = append(result, rule)
	}
	return result
}
