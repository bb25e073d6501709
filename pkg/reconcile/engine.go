package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/easzlab/ezwatch/pkg/idset"
	"github.com/easzlab/ezwatch/pkg/metrics"
	"github.com/easzlab/ezwatch/pkg/rules"
	"github.com/easzlab/ezwatch/pkg/source"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrPassInProgress is returned when a pass is requested while another one
// is still running on the same Engine.
var ErrPassInProgress = errors.New("reconciliation pass already in progress")

// Acknowledger reports whether a rule identifier has been reviewed.
type Acknowledger interface {
	IsAcknowledged(id string) bool
}

// Enricher looks up the signer of a rule's executable.
type Enricher interface {
	TryGetSigner(path string) (bool, string)
}

// ProgressFunc receives the completed percentage of a pass, 0 to 100.
type ProgressFunc func(percent int)

// Engine holds the last observed descriptor of every foreign rule and
// classifies the differences found by each pass.
type Engine struct {
	source     source.Source
	normalizer *rules.Normalizer
	metrics    *metrics.Registry
	logger     *zap.Logger

	// run serializes passes; it is only ever acquired with TryLock.
	run sync.Mutex

	mu          sync.RWMutex
	cache       map[string]rules.Descriptor // keyed by idset.Fold(id)
	known       *idset.Set
	ownedSuffix string
	enricher    Enricher
}

// Option configures an Engine.
type Option func(*Engine)

// WithOwnedSuffix sets the grouping-tag suffix that marks self-owned rules.
func WithOwnedSuffix(suffix string) Option {
	return func(e *Engine) { e.ownedSuffix = suffix }
}

// WithEnricher attaches signer lookups to change records.
func WithEnricher(enricher Enricher) Option {
	return func(e *Engine) { e.enricher = enricher }
}

// WithMetrics records pass outcomes in registry.
func WithMetrics(registry *metrics.Registry) Option {
	return func(e *Engine) { e.metrics = registry }
}

// NewEngine creates an Engine with an empty cache.
func NewEngine(src source.Source, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		source:     src,
		normalizer: rules.NewNormalizer(logger.Named("normalize")),
		logger:     logger,
		cache:      make(map[string]rules.Descriptor),
		known:      idset.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetOwnedSuffix changes the self-owned grouping-tag suffix for later passes.
func (e *Engine) SetOwnedSuffix(suffix string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ownedSuffix = suffix
}

// SetEnricher replaces the enricher; nil disables enrichment.
func (e *Engine) SetEnricher(enricher Enricher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enricher = enricher
}

// SeedKnown records identifiers observed by an earlier process, typically
// loaded from the snapshot store. It does not affect classification.
func (e *Engine) SeedKnown(ids *idset.Set) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.known = ids.Clone()
}

// Identifiers returns the identifiers held in the cache.
func (e *Engine) Identifiers() *idset.Set {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := idset.New()
	for _, d := range e.cache {
		ids.Add(d.ID)
	}
	return ids
}

// Cached returns the cached descriptor for id.
func (e *Engine) Cached(id string) (rules.Descriptor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.cache[idset.Fold(id)]
	return d, ok
}

// CacheLen returns the number of cached descriptors.
func (e *Engine) CacheLen() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// ReconcilePass enumerates the live rules, classifies them against the cache
// and acks, and replaces the cache with the live foreign rules.
//
// A listing failure returns the error with no changes and leaves the cache
// untouched. A canceled ctx aborts the pass between rules; the result then
// has Canceled set and the cache is left untouched. acks and progress may be nil.
func (e *Engine) ReconcilePass(ctx context.Context, acks Acknowledger, progress ProgressFunc) (*Result, error) {
	if !e.run.TryLock() {
		e.metrics.ObservePass(metrics.OutcomeBusy, 0)
		return nil, ErrPassInProgress
	}
	defer e.run.Unlock()

	start := time.Now()
	result := &Result{PassID: uuid.NewString()}
	logger := e.logger.With(zap.String("pass_id", result.PassID))

	if acks == nil {
		acks = noAcks{}
	}
	if progress == nil {
		progress = func(int) {}
	}

	e.mu.RLock()
	previous := e.cache
	known := e.known
	suffix := e.ownedSuffix
	enricher := e.enricher
	e.mu.RUnlock()

	enum, err := e.source.ListRules(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return e.canceled(logger, result, start), nil
		}
		e.metrics.ObservePass(metrics.OutcomeFailed, time.Since(start))
		logger.Warn("failed to list rules, no changes this pass",
			zap.String("source", e.source.Name()), zap.Error(err))
		result.Duration = time.Since(start)
		return result, fmt.Errorf("list rules from %s: %w", e.source.Name(), err)
	}
	defer func() {
		if err := enum.Close(); err != nil {
			logger.Warn("failed to release rule enumeration", zap.Error(err))
		}
	}()

	live := enum.Rules()
	result.Total = len(live)
	p := &pass{
		previous: previous,
		current:  make(map[string]rules.Descriptor, len(live)),
		known:    known,
		acks:     acks,
		suffix:   suffix,
		logger:   logger,
	}

	for i, native := range live {
		if ctx.Err() != nil {
			result.Processed = i
			return e.canceled(logger, result, start), nil
		}
		p.observe(e.normalizer, i, native)
		progress((i + 1) * 100 / len(live))
	}
	if len(live) == 0 {
		progress(100)
	}
	result.Processed = len(live)
	result.Skipped = p.skipped
	current := p.current

	changes := append(p.changes, deletedRecords(previous, current, acks)...)
	if enricher != nil {
		enrich(changes, enricher)
	}

	e.mu.Lock()
	e.cache = current
	e.mu.Unlock()

	result.Changes = changes
	result.Duration = time.Since(start)

	e.metrics.ObservePass(metrics.OutcomeSuccess, result.Duration)
	e.metrics.SetCachedRules(len(current))
	for _, kind := range []Kind{KindNew, KindModified, KindDeleted} {
		e.metrics.AddChanges(string(kind), result.Count(kind))
	}

	logger.Info("reconciliation pass completed",
		zap.String("source", e.source.Name()),
		zap.Int("rules", result.Total),
		zap.Int("skipped", result.Skipped),
		zap.Int("new", result.Count(KindNew)),
		zap.Int("modified", result.Count(KindModified)),
		zap.Int("deleted", result.Count(KindDeleted)),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// pass is the working state of one ReconcilePass.
type pass struct {
	previous map[string]rules.Descriptor
	current  map[string]rules.Descriptor
	known    *idset.Set
	acks     Acknowledger
	suffix   string
	logger   *zap.Logger
	changes  []ChangeRecord
	skipped  int
}

// observe records one live rule in the current map and classifies it
// against the previous cache.
func (p *pass) observe(normalizer *rules.Normalizer, index int, native rules.NativeRule) {
	if rules.IsOwned(native.Grouping, p.suffix) {
		p.skipped++
		return
	}

	d := normalizer.Normalize(native)
	if d.ID == "" {
		p.logger.Debug("skipping rule without identifier", zap.Int("index", index))
		p.skipped++
		return
	}
	key := idset.Fold(d.ID)
	if _, dup := p.current[key]; dup {
		p.logger.Warn("duplicate rule identifier in listing, keeping first", zap.String("id", d.ID))
		p.skipped++
		return
	}
	p.current[key] = d

	cached, wasCached := p.previous[key]
	switch {
	case wasCached && !cached.SameSettings(d):
		p.changes = append(p.changes, ChangeRecord{Kind: KindModified, Current: &d, Previous: &cached})
	case !p.acks.IsAcknowledged(d.ID):
		p.changes = append(p.changes, ChangeRecord{
			Kind:           KindNew,
			Current:        &d,
			PreviouslySeen: wasCached || p.known.Has(d.ID),
		})
	}
}

func (e *Engine) canceled(logger *zap.Logger, result *Result, start time.Time) *Result {
	result.Canceled = true
	result.Changes = nil
	result.Duration = time.Since(start)
	e.metrics.ObservePass(metrics.OutcomeCanceled, result.Duration)
	logger.Info("reconciliation pass canceled", zap.Int("processed", result.Processed), zap.Int("rules", result.Total))
	return result
}

// deletedRecords reports cached rules missing from the live listing, ordered
// by identifier.
func deletedRecords(previous, current map[string]rules.Descriptor, acks Acknowledger) []ChangeRecord {
	var keys []string
	for key, cached := range previous {
		if _, live := current[key]; live {
			continue
		}
		if acks.IsAcknowledged(cached.ID) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	records := make([]ChangeRecord, 0, len(keys))
	for _, key := range keys {
		cached := previous[key]
		records = append(records, ChangeRecord{Kind: KindDeleted, Previous: &cached})
	}
	return records
}

func enrich(changes []ChangeRecord, enricher Enricher) {
	for i := range changes {
		d := changes[i].Current
		if d == nil {
			d = changes[i].Previous
		}
		target := d.Target()
		if target == "" {
			continue
		}
		if ok, signer := enricher.TryGetSigner(target); ok {
			changes[i].Publisher = signer
		}
	}
}

type noAcks struct{}

func (noAcks) IsAcknowledged(string) bool { return false }
