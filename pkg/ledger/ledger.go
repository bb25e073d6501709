package ledger

import (
	"sync"

	"github.com/easzlab/ezwatch/pkg/idset"
	"github.com/easzlab/ezwatch/pkg/kvstore"
	"go.uber.org/zap"
)

// SetName is the kvstore name under which acknowledgments are persisted.
const SetName = "acknowledged"

// Ledger is the durable set of rule identifiers the user has reviewed.
// The in-memory set is authoritative; every mutation is flushed to storage
// synchronously, and a failed flush is logged rather than returned.
type Ledger struct {
	store  *kvstore.Store
	ids    *idset.Set
	mu     sync.RWMutex
	logger *zap.Logger
}

// New loads the ledger from store. A missing or corrupt document yields an empty ledger.
func New(store *kvstore.Store, logger *zap.Logger) *Ledger {
	values, err := store.Load(SetName)
	if err != nil {
		logger.Warn("failed to load acknowledgments, starting empty", zap.Error(err))
		values = nil
	}

	l := &Ledger{
		store:  store,
		ids:    idset.New(values...),
		logger: logger,
	}
	logger.Debug("acknowledgment ledger loaded", zap.Int("count", l.ids.Len()))
	return l
}

// IsAcknowledged reports whether id has been acknowledged, ignoring case.
func (l *Ledger) IsAcknowledged(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ids.Has(id)
}

// AcknowledgeAll adds ids to the ledger and persists once for the whole call.
// Acknowledging already-known identifiers is a no-op that skips the write.
func (l *Ledger) AcknowledgeAll(ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	added := l.ids.AddAll(ids)
	if added == 0 {
		return
	}

	l.logger.Info("acknowledged rules", zap.Int("added", added), zap.Int("total", l.ids.Len()))
	l.saveLocked()
}

// Clear empties the ledger and persists the empty set.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ids = idset.New()
	l.logger.Info("cleared acknowledgments")
	l.saveLocked()
}

// List returns the acknowledged identifiers in sorted order.
func (l *Ledger) List() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ids.Values()
}

// Len returns the number of acknowledged identifiers.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ids.Len()
}

// saveLocked flushes the set to storage. Must be called with l.mu held.
func (l *Ledger) saveLocked() {
	if err := l.store.Save(SetName, l.ids.Values()); err != nil {
		l.logger.Error("failed to persist acknowledgments, keeping in-memory state", zap.Error(err))
	}
}
