//go:build !linux

package source

import (
	"go.uber.org/zap"
)

// NewNFTablesSource reports ErrUnsupported; nftables is Linux-only.
func NewNFTablesSource(logger *zap.Logger) (Source, error) {
	return nil, ErrUnsupported
}

// NewIPTablesSource reports ErrUnsupported; iptables is Linux-only.
func NewIPTablesSource(tables []string, ipv6 bool, logger *zap.Logger) (Source, error) {
	return nil, ErrUnsupported
}

// NewIPVSSource reports ErrUnsupported; IPVS is Linux-only.
func NewIPVSSource(logger *zap.Logger) (Source, error) {
	return nil, ErrUnsupported
}
