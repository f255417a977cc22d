package memory

// State is the conceptual learning state of a (route, target) pair. It is
// derived from counters on every read and never persisted.
type State string

const (
	StateUnknown  State = "unknown"
	StateLearning State = "learning"
	StateTrusted  State = "trusted"
	StateShared   State = "shared"
)

// Policy holds the promotion thresholds.
type Policy struct {
	MinSuccesses int
	MinScore     float64
}

// DefaultPolicy returns the default promotion thresholds.
func DefaultPolicy() Policy {
	return Policy{MinSuccesses: DefaultPromotionMinSuccesses, MinScore: DefaultPromotionMinScore}
}

// NewPolicy builds a policy, falling back to defaults for unset values.
func NewPolicy(minSuccesses int, minScore float64) Policy {
	p := DefaultPolicy()
	if minSuccesses > 0 {
		p.MinSuccesses = minSuccesses
	}
	if minScore > 0 && minScore <= 1 {
		p.MinScore = minScore
	}
	return p
}

// Eligible reports whether a user-scope entry meets both promotion thresholds.
func (p Policy) Eligible(e Entry) bool {
	return e.Scope == ScopeUser && e.Successes >= p.MinSuccesses && Score(e.Successes, e.Failures) >= p.MinScore
}

// StateOf derives the state for a user entry and the global entry for the same
// route and target. Either may be nil.
func (p Policy) StateOf(user, global *Entry) State {
	if user == nil {
		if global != nil {
			return StateShared
		}
		return StateUnknown
	}
	if user.Successes+user.Failures == 0 {
		return StateUnknown
	}
	if !p.Eligible(*user) {
		return StateLearning
	}
	if global != nil {
		return StateShared
	}
	return StateTrusted
}
