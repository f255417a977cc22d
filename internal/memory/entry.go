// Package memory stores learned locators per (scope, route, target) with
// success/failure counters and a smoothed confidence score.
package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by backends when no entry exists for a key.
var ErrNotFound = errors.New("memory: entry not found")

// Scope is the ownership tier of an entry.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeGlobal Scope = "global"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeUser || s == ScopeGlobal
}

// SmoothingPrior is added to both the success count and the failure count
// before taking the ratio, so a new entry starts at 0.5 and one early failure
// does not zero out a mostly successful history.
const SmoothingPrior = 1.0

// Promotion policy defaults. Overridable through resolver.promotion_min_successes
// and resolver.promotion_min_score.
const (
	DefaultPromotionMinSuccesses = 3
	DefaultPromotionMinScore     = 0.8
)

// Score computes confidence from counters: (s + p) / (s + f + 2p).
func Score(successes, failures int) float64 {
	return (float64(successes) + SmoothingPrior) / (float64(successes+failures) + 2*SmoothingPrior)
}

// Key identifies one entry. Owner is the caller identity for user scope and
// empty for global scope.
type Key struct {
	Scope  Scope
	Owner  string
	Route  string
	Target string
}

// UserKey builds a user-scope key after normalizing route and target.
func UserKey(owner, route, target string) Key {
	return Key{Scope: ScopeUser, Owner: owner, Route: NormalizeRoute(route), Target: NormalizeTarget(target)}
}

// GlobalKey builds a global-scope key after normalizing route and target.
func GlobalKey(route, target string) Key {
	return Key{Scope: ScopeGlobal, Route: NormalizeRoute(route), Target: NormalizeTarget(target)}
}

// Global returns the global-scope key for the same route and target.
func (k Key) Global() Key {
	return Key{Scope: ScopeGlobal, Route: k.Route, Target: k.Target}
}

// Validate checks the key is complete for its scope.
func (k Key) Validate() error {
	if !k.Scope.Valid() {
		return fmt.Errorf("memory: invalid scope %q", k.Scope)
	}
	if k.Route == "" || k.Target == "" {
		return errors.New("memory: route and target are required")
	}
	if k.Scope == ScopeUser && k.Owner == "" {
		return errors.New("memory: user scope requires an owner")
	}
	if k.Scope == ScopeGlobal && k.Owner != "" {
		return errors.New("memory: global scope cannot have an owner")
	}
	return nil
}

func (k Key) String() string {
	if k.Scope == ScopeUser {
		return fmt.Sprintf("user(%s):%s#%s", k.Owner, k.Route, k.Target)
	}
	return fmt.Sprintf("global:%s#%s", k.Route, k.Target)
}

// Entry is one learned locator. Score is always derived from the counters on
// read and never stored.
type Entry struct {
	Scope         Scope          `json:"scope"`
	Owner         string         `json:"owner,omitempty"`
	Route         string         `json:"route"`
	Target        string         `json:"target"`
	Locator       string         `json:"locator"`
	Score         float64        `json:"score"`
	Successes     int            `json:"successes"`
	Failures      int            `json:"failures"`
	LastSuccessAt *time.Time     `json:"last_success_at,omitempty"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Key returns the entry's identity.
func (e Entry) Key() Key {
	return Key{Scope: e.Scope, Owner: e.Owner, Route: e.Route, Target: e.Target}
}

func (e *Entry) rescore() {
	e.Score = Score(e.Successes, e.Failures)
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Scope Scope
	Owner string
	Route string
	Limit int
}

func (f Filter) match(e Entry) bool {
	if f.Scope != "" && e.Scope != f.Scope {
		return false
	}
	if f.Owner != "" && e.Owner != f.Owner {
		return false
	}
	if f.Route != "" && e.Route != NormalizeRoute(f.Route) {
		return false
	}
	return true
}

// lessByRecency orders entries by last success (most recent first, never-succeeded
// last), then by update time.
func lessByRecency(a, b Entry) bool {
	switch {
	case a.LastSuccessAt != nil && b.LastSuccessAt == nil:
		return true
	case a.LastSuccessAt == nil && b.LastSuccessAt != nil:
		return false
	case a.LastSuccessAt != nil && b.LastSuccessAt != nil && !a.LastSuccessAt.Equal(*b.LastSuccessAt):
		return a.LastSuccessAt.After(*b.LastSuccessAt)
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}

// NormalizeRoute strips query, fragment and trailing slashes so "/posts/?tab=1"
// and "/posts" share memory.
func NormalizeRoute(route string) string {
	r := strings.TrimSpace(route)
	if i := strings.IndexAny(r, "?#"); i >= 0 {
		r = r[:i]
	}
	if r == "" {
		return "/"
	}
	if !strings.HasPrefix(r, "/") {
		r = "/" + r
	}
	if len(r) > 1 {
		r = strings.TrimRight(r, "/")
		if r == "" {
			r = "/"
		}
	}
	return r
}

// NormalizeTarget lowercases and collapses whitespace in a target name.
func NormalizeTarget(target string) string {
	return strings.Join(strings.Fields(strings.ToLower(target)), " ")
}
