package snapshot

import (
	"errors"
	"fmt"

	"github.com/easzlab/ezwatch/pkg/idset"
	"github.com/easzlab/ezwatch/pkg/kvstore"
	"go.uber.org/zap"
)

// SetName is the kvstore name under which the snapshot is persisted.
const SetName = "snapshot"

// Store holds the identifiers observed at the last checkpoint.
// It is independent of the reconciliation cache; callers decide when to checkpoint.
type Store struct {
	kv     *kvstore.Store
	logger *zap.Logger
}

// NewStore creates a snapshot Store on top of kv.
func NewStore(kv *kvstore.Store, logger *zap.Logger) *Store {
	return &Store{kv: kv, logger: logger}
}

// Load returns the checkpointed identifiers. A missing or corrupt snapshot yields an empty set.
func (s *Store) Load() *idset.Set {
	values, err := s.kv.Load(SetName)
	if err != nil {
		if errors.Is(err, kvstore.ErrCorrupt) {
			s.logger.Warn("snapshot is corrupt, treating as empty", zap.Error(err))
		} else {
			s.logger.Error("failed to read snapshot, treating as empty", zap.Error(err))
		}
		return idset.New()
	}
	return idset.New(values...)
}

// Save replaces the snapshot with ids.
func (s *Store) Save(ids *idset.Set) error {
	if err := s.kv.Save(SetName, ids.Values()); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	s.logger.Debug("snapshot saved", zap.Int("count", ids.Len()))
	return nil
}

// Delete removes the snapshot.
func (s *Store) Delete() error {
	if err := s.kv.Delete(SetName); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	s.logger.Info("snapshot deleted")
	return nil
}

// Exists reports whether a snapshot has been saved.
func (s *Store) Exists() bool {
	return s.kv.Exists(SetName)
}
