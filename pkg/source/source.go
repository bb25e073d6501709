package source

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/easzlab/ezwatch/pkg/config"
	"github.com/easzlab/ezwatch/pkg/rules"
	"go.uber.org/zap"
)

// ErrUnsupported is returned when a backend is not available on this platform.
var ErrUnsupported = errors.New("rule source not supported on this platform")

// Source enumerates the live rules of an external rule store.
type Source interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// ListRules acquires the store's current rules. The returned Enumeration
	// owns native resources and must be closed by the caller on every path.
	ListRules(ctx context.Context) (Enumeration, error)
}

// Enumeration is one listing of the rule store together with the native
// handles it holds.
type Enumeration interface {
	Rules() []rules.NativeRule
	// Close releases the native handles. It is safe to call more than once.
	Close() error
}

// listing is the Enumeration implementation shared by all backends.
type listing struct {
	rules   []rules.NativeRule
	release func() error
	once    sync.Once
	err     error
}

// NewEnumeration wraps a rule list and the function that releases its native
// handles. release may be nil when nothing needs releasing.
func NewEnumeration(nativeRules []rules.NativeRule, release func() error) Enumeration {
	return &listing{rules: nativeRules, release: release}
}

func (l *listing) Rules() []rules.NativeRule {
	return l.rules
}

func (l *listing) Close() error {
	l.once.Do(func() {
		if l.release != nil {
			l.err = l.release()
		}
	})
	return l.err
}

// New creates the rule-store backend selected by cfg.
func New(cfg config.SourceConfig, logger *zap.Logger) (Source, error) {
	switch cfg.Type {
	case config.SourceFile:
		return NewFileSource(cfg.FilePath, logger), nil
	case config.SourceNFTables:
		return asSource(NewNFTablesSource(logger))
	case config.SourceIPTables:
		return asSource(NewIPTablesSource(cfg.IPTables.GetTables(), cfg.IPTables.IsIPv6Enabled(), logger))
	case config.SourceIPVS:
		return asSource(NewIPVSSource(logger))
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Type)
	}
}

// asSource drops the backend on error so a failed constructor never yields a
// non-nil Source holding a nil pointer.
func asSource[S Source](src S, err error) (Source, error) {
	if err != nil {
		return nil, err
	}
	return src, nil
}
