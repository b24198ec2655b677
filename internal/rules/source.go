package rules

import (
	"sync/atomic"

	"github.com/cryptopulse/signalpipe/internal/rulesconfig"
	"github.com/cryptopulse/signalpipe/pkg/apperrors"
)

// Source is the RCU bridge between the hot-reload registry and a
// compiled Ruleset: it recompiles only when the registry's combined
// snapshot version changes, and hands every caller (card builder, rule
// engine callers) an immutable pointer via atomic load — the same
// reader-never-blocks contract rulesconfig.Registry itself gives its own
// namespace readers.
type Source struct {
	registry *rulesconfig.Registry
	ptr      atomic.Pointer[Ruleset]
	version  atomic.Value
}

// NewSource wraps registry; call Refresh at least once (e.g. right after
// registry.LoadInitial) before any Current() caller expects a non-nil
// Ruleset.
func NewSource(registry *rulesconfig.Registry) *Source {
	s := &Source{registry: registry}
	s.version.Store("")
	return s
}

// Refresh recompiles the Ruleset from the registry's "rules" namespace if
// the combined snapshot version has moved since the last successful
// compile, reporting whether it actually recompiled — this is the rule
// engine's documented hot_reloaded flag. A compile failure
// here leaves the previously compiled Ruleset in place, mirroring the
// registry's own never-replace-good-with-bad discipline one layer up.
func (s *Source) Refresh() (bool, error) {
	ver := s.registry.SnapshotVersion()
	if cur, _ := s.version.Load().(string); cur == ver && s.ptr.Load() != nil {
		return false, nil
	}

	ns, ok := s.registry.GetNS("rules")
	if !ok {
		return false, apperrors.NotFound("rules_namespace", "rules")
	}
	rs, err := Load(ns, ver)
	if err != nil {
		return false, err
	}
	s.ptr.Store(rs)
	s.version.Store(ver)
	return true, nil
}

// Current returns the most recently compiled Ruleset, or nil if Refresh
// has never succeeded. Satisfies internal/cards.RulesetProvider.
func (s *Source) Current() *Ruleset {
	return s.ptr.Load()
}
