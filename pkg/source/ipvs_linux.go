//go:build linux

package source

import (
	"context"
	"fmt"
	"net"

	mobyipvs "github.com/moby/ipvs"
	"go.uber.org/zap"
)

// IPVSSource reports IPVS virtual services as inbound allow rules.
type IPVSSource struct {
	logger *zap.Logger
}

// NewIPVSSource creates an IPVS backend. A netlink handle is opened per
// enumeration and released when the enumeration is closed.
func NewIPVSSource(logger *zap.Logger) (*IPVSSource, error) {
	return &IPVSSource{logger: logger}, nil
}

// Name implements Source.
func (s *IPVSSource) Name() string {
	return "ipvs"
}

// ListRules implements Source.
func (s *IPVSSource) ListRules(ctx context.Context) (Enumeration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	handle, err := mobyipvs.New("")
	if err != nil {
		return nil, fmt.Errorf("failed to create IPVS handle: %w", err)
	}
	release := func() error {
		handle.Close()
		return nil
	}

	mobySvcs, err := handle.GetServices()
	if err != nil {
		_ = release()
		return nil, fmt.Errorf("failed to list IPVS services: %w", err)
	}

	services := make([]ipvsService, 0, len(mobySvcs))
	for _, ms := range mobySvcs {
		svc := ipvsService{
			Address:       cloneIP(ms.Address),
			Protocol:      ms.Protocol,
			Port:          ms.Port,
			FWMark:        ms.FWMark,
			SchedName:     ms.SchedName,
			AddressFamily: ms.AddressFamily,
		}
		mobyDsts, err := handle.GetDestinations(ms)
		if err != nil {
			s.logger.Warn("failed to list IPVS destinations",
				zap.String("service", ipvsServiceID(svc)), zap.Error(err))
		}
		for _, md := range mobyDsts {
			svc.Destinations = append(svc.Destinations, ipvsDestination{
				Address: cloneIP(md.Address),
				Port:    md.Port,
				Weight:  md.Weight,
			})
		}
		services = append(services, svc)
	}

	return NewEnumeration(ipvsNativeRules(services), release), nil
}

func cloneIP(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	dup := make(net.IP, len(ip))
	copy(dup, ip)
	return dup
}
