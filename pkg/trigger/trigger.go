package trigger

import (
	"errors"
	"sync"

	"github.com/easzlab/ezwatch/pkg/metrics"
	"go.uber.org/zap"
)

// ErrUnsupported is returned by notifiers whose feed does not exist on this platform.
var ErrUnsupported = errors.New("change notifications not supported on this platform")

// Notifier is one native change feed. Start subscribes and calls notify from
// its own goroutine for every raw event; Stop ends the subscription.
type Notifier interface {
	Name() string
	Start(notify func()) error
	Stop()
}

// Trigger fans change notifications from its notifiers into a single
// coalesced "pass due" signal. It never computes a diff itself.
type Trigger struct {
	notifiers []Notifier
	signal    chan struct{}
	metrics   *metrics.Registry
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
	active  []Notifier
}

// New creates a stopped Trigger over notifiers. registry may be nil.
func New(logger *zap.Logger, registry *metrics.Registry, notifiers ...Notifier) *Trigger {
	return &Trigger{
		notifiers: notifiers,
		signal:    make(chan struct{}, 1),
		metrics:   registry,
		logger:    logger,
	}
}

// C returns the channel that receives a value when a pass is due. A burst of
// events leaves at most one pending value.
func (t *Trigger) C() <-chan struct{} {
	return t.signal
}

// Start subscribes every notifier. A notifier that cannot subscribe is logged
// and skipped; Start itself never fails. Starting a running Trigger is a no-op.
func (t *Trigger) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return
	}
	t.running = true

	for _, n := range t.notifiers {
		if err := n.Start(t.notifyFunc(n.Name())); err != nil {
			t.logger.Warn("change notifications unavailable, passes must be requested manually or by polling",
				zap.String("notifier", n.Name()), zap.Error(err))
			continue
		}
		t.active = append(t.active, n)
		t.logger.Info("change notifier started", zap.String("notifier", n.Name()))
	}
}

// Stop unsubscribes every started notifier. Stopping a stopped Trigger is a no-op.
func (t *Trigger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}
	for _, n := range t.active {
		n.Stop()
		t.logger.Info("change notifier stopped", zap.String("notifier", n.Name()))
	}
	t.active = nil
	t.running = false
}

// Running reports whether the Trigger has been started.
func (t *Trigger) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Active returns the names of the notifiers that subscribed successfully.
func (t *Trigger) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.active))
	for _, n := range t.active {
		names = append(names, n.Name())
	}
	return names
}

// Request raises the signal without a native event, e.g. after a config reload.
func (t *Trigger) Request() {
	t.raise()
}

func (t *Trigger) notifyFunc(name string) func() {
	return func() {
		t.metrics.TriggerSignal(name)
		t.raise()
	}
}

func (t *Trigger) raise() {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}
