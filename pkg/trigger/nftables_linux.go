//go:build linux

package trigger

import (
	"fmt"
	"sync"

	"github.com/google/nftables"
	"go.uber.org/zap"
)

// NFTablesNotifier subscribes to the nftables netlink monitor and notifies on
// every table, chain or rule event.
type NFTablesNotifier struct {
	logger *zap.Logger

	monitor *nftables.Monitor
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewNFTablesNotifier creates an NFTablesNotifier.
func NewNFTablesNotifier(logger *zap.Logger) *NFTablesNotifier {
	return &NFTablesNotifier{logger: logger}
}

func (n *NFTablesNotifier) Name() string {
	return "nftables"
}

func (n *NFTablesNotifier) Start(notify func()) error {
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("failed to open nftables connection: %w", err)
	}

	monitor := nftables.NewMonitor(
		nftables.WithMonitorAction(nftables.MonitorActionAny),
		nftables.WithMonitorObject(nftables.MonitorObjectTables|nftables.MonitorObjectChains|nftables.MonitorObjectRules),
	)
	events, err := conn.AddMonitor(monitor)
	if err != nil {
		return fmt.Errorf("failed to subscribe to nftables events: %w", err)
	}
	n.monitor = monitor
	n.done = make(chan struct{})

	n.wg.Add(1)
	go func(done <-chan struct{}) {
		defer n.wg.Done()
		for {
			select {
			case <-done:
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				if event.Error != nil {
					n.logger.Debug("nftables monitor event error", zap.Error(event.Error))
					continue
				}
				notify()
			}
		}
	}(n.done)
	return nil
}

func (n *NFTablesNotifier) Stop() {
	if n.monitor == nil {
		return
	}
	close(n.done)
	if err := n.monitor.Close(); err != nil {
		n.logger.Warn("failed to close nftables monitor", zap.Error(err))
	}
	n.wg.Wait()
	n.monitor = nil
}
