package source

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/easzlab/ezwatch/pkg/rules"
)

// Fake is an in-memory rule store. It keeps rules in insertion order and
// tracks outstanding enumerations so callers can verify that every listing
// was released. It is used in tests and for development on hosts without a
// supported firewall.
type Fake struct {
	mu      sync.Mutex
	rules   []rules.NativeRule
	listErr error
	open    int
	lists   int
}

// NewFake creates a Fake holding the given rules.
func NewFake(initial ...rules.NativeRule) *Fake {
	f := &Fake{}
	f.SetRules(initial...)
	return f
}

// Name implements Source.
func (f *Fake) Name() string {
	return "fake"
}

// ListRules implements Source.
func (f *Fake) ListRules(ctx context.Context) (Enumeration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}

	snapshot := make([]rules.NativeRule, len(f.rules))
	copy(snapshot, f.rules)
	f.open++

	return NewEnumeration(snapshot, func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.open--
		return nil
	}), nil
}

// SetRules replaces every rule in the store.
func (f *Fake) SetRules(nativeRules ...rules.NativeRule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = make([]rules.NativeRule, len(nativeRules))
	copy(f.rules, nativeRules)
}

// Put adds rule, or replaces the rule with the same name (ignoring case).
func (f *Fake) Put(rule rules.NativeRule) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.rules {
		if strings.EqualFold(f.rules[i].Name, rule.Name) {
			f.rules[i] = rule
			return
		}
	}
	f.rules = append(f.rules, rule)
}

// Remove deletes the rule with the given name (ignoring case).
func (f *Fake) Remove(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.rules {
		if strings.EqualFold(f.rules[i].Name, name) {
			f.rules = append(f.rules[:i], f.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("rule %q not found", name)
}

// FailList makes subsequent ListRules calls return err; nil restores normal operation.
func (f *Fake) FailList(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// OpenEnumerations returns the number of listings that have not been closed.
func (f *Fake) OpenEnumerations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// ListCalls returns how many times ListRules has been called.
func (f *Fake) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}
