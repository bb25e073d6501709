//go:build !linux

package trigger

import (
	"go.uber.org/zap"
)

// NFTablesNotifier is unavailable outside Linux; Start always fails.
type NFTablesNotifier struct{}

// NewNFTablesNotifier creates an NFTablesNotifier.
func NewNFTablesNotifier(logger *zap.Logger) *NFTablesNotifier {
	return &NFTablesNotifier{}
}

func (n *NFTablesNotifier) Name() string {
	return "nftables"
}

func (n *NFTablesNotifier) Start(notify func()) error {
	return ErrUnsupported
}

func (n *NFTablesNotifier) Stop() {}
