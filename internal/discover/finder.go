package discover

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrNoCandidate is returned when polling ends without a plausible element.
var ErrNoCandidate = errors.New("discover: no candidate found")

// SnapshotFunc captures the current interactive elements.
type SnapshotFunc func(ctx context.Context) (Snapshot, error)

// Finder polls the live interface until a candidate appears.
type Finder struct {
	wait time.Duration
	poll time.Duration
	log  *zap.Logger
}

// NewFinder builds a finder that polls every poll for up to wait.
func NewFinder(wait, poll time.Duration, logger *zap.Logger) *Finder {
	if poll <= 0 {
		poll = 120 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finder{wait: wait, poll: poll, log: logger.Named("discover")}
}

// Result is the outcome of a Find call. Labels holds the last seen element
// labels so failures can tell the caller what was on screen.
type Result struct {
	Matches []Match
	Labels  []string
	Polls   int
}

// Find polls snapshot until Rank yields at least one match not excluded by
// skip, the wait elapses, or ctx is done. skip may be nil.
func (f *Finder) Find(ctx context.Context, target string, snapshot SnapshotFunc, skip func(locator string) bool) (Result, error) {
	deadline := time.Now().Add(f.wait)
	var res Result
	var lastErr error

	for {
		res.Polls++
		snap, err := snapshot(ctx)
		if err != nil {
			lastErr = err
			f.log.Debug("snapshot failed", zap.String("target", target), zap.Error(err))
		} else {
			res.Labels = AvailableLabels(snap)
			for _, m := range Rank(target, snap) {
				if skip != nil && skip(m.Candidate.Locator) {
					continue
				}
				res.Matches = append(res.Matches, m)
			}
			if len(res.Matches) > 0 {
				return res, nil
			}
		}

		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !time.Now().Add(f.poll).Before(deadline) {
			break
		}

		timer := time.NewTimer(f.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, ctx.Err()
		case <-timer.C:
		}
	}

	if lastErr != nil && res.Labels == nil {
		return res, errors.Join(ErrNoCandidate, lastErr)
	}
	return res, ErrNoCandidate
}
