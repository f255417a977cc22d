package discover

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthesizePreferenceOrder(t *testing.T) {
	full := Element{
		Tag: "button", ID: "post-btn", IDUnique: true, TestID: "post", Rocker: "post button",
		Action: "publish", AriaLabel: "Post", Path: []string{"html", "body", "main", "form", "div", "button:nth-of-type(2)"},
	}

	tests := []struct {
		name     string
		mutate   func(*Element)
		locator  string
		strategy Strategy
	}{
		{"unique id wins", func(e *Element) {}, "#post-btn", StrategyIdentity},
		{"non-unique id falls to test id", func(e *Element) { e.IDUnique = false }, `[data-testid="post"]`, StrategyIdentity},
		{"unsafe id falls to test id", func(e *Element) { e.ID = "1:post" }, `[data-testid="post"]`, StrategyIdentity},
		{"semantic rocker", func(e *Element) { e.ID = ""; e.TestID = "" }, `[data-rocker="post button"]`, StrategySemantic},
		{"semantic action", func(e *Element) { e.ID = ""; e.TestID = ""; e.Rocker = "" }, `[data-action="publish"]`, StrategySemantic},
		{"accessible label", func(e *Element) { e.ID = ""; e.TestID = ""; e.Rocker = ""; e.Action = "" }, `button[aria-label="Post"]`, StrategyLabel},
		{"structural capped", func(e *Element) { e.ID = ""; e.TestID = ""; e.Rocker = ""; e.Action = ""; e.AriaLabel = "" },
			"main > form > div > button:nth-of-type(2)", StrategyStructural},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			el := full
			tt.mutate(&el)
			c, ok := Synthesize(el)
			require.True(t, ok)
			assert.Equal(t, tt.locator, c.Locator)
			assert.Equal(t, tt.strategy, c.Strategy)
		})
	}

	_, ok := Synthesize(Element{Tag: "div"})
	assert.False(t, ok)
}

func TestStructuralNeverExceedsDepth(t *testing.T) {
	for depth := 1; depth <= 12; depth++ {
		path := make([]string, depth)
		for i := range path {
			path[i] = fmt.Sprintf("div:nth-of-type(%d)", i+1)
		}
		c, ok := Synthesize(Element{Tag: "div", Path: path})
		require.True(t, ok)
		segments := len(strings.Split(c.Locator, " > "))
		assert.LessOrEqual(t, segments, MaxPathDepth)
	}
}

func TestEscapeAttr(t *testing.T) {
	c, ok := Synthesize(Element{Tag: "button", AriaLabel: `Say "hi"`})
	require.True(t, ok)
	assert.Equal(t, `button[aria-label="Say \"hi\""]`, c.Locator)
}

func TestSynthesizeSkipsSharedSelectors(t *testing.T) {
	el := Element{Index: 1, Tag: "button", TestID: "post", Rocker: "post button", AriaLabel: "Post",
		Path: []string{"html", "body", "div:nth-of-type(2)", "button:nth-of-type(1)"}}

	tests := []struct {
		name     string
		peer     Element
		locator  string
		strategy Strategy
	}{
		{"no overlap", Element{Tag: "a", Text: "Home"}, `[data-testid="post"]`, StrategyIdentity},
		{"shared test id", Element{Tag: "a", TestID: "post"}, `[data-rocker="post button"]`, StrategySemantic},
		{"shared rocker", Element{Tag: "a", TestID: "post", Rocker: "post button"}, `button[aria-label="Post"]`, StrategyLabel},
		{"label on another tag", Element{Tag: "a", TestID: "post", Rocker: "post button", AriaLabel: "Post"},
			`button[aria-label="Post"]`, StrategyLabel},
		{"shared label", Element{Tag: "BUTTON", TestID: "post", Rocker: "post button", AriaLabel: "Post"},
			"html > body > div:nth-of-type(2) > button:nth-of-type(1)", StrategyStructural},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := Synthesize(el, tt.peer, el)
			require.True(t, ok)
			assert.Equal(t, tt.locator, c.Locator)
			assert.Equal(t, tt.strategy, c.Strategy)
		})
	}
}

func TestDiscoverAvoidsHiddenTwinLocator(t *testing.T) {
	snap := Snapshot{Elements: []Element{
		{Index: 0, Tag: "button", AriaLabel: "Post", Visible: false,
			Path: []string{"html", "body", "div:nth-of-type(1)", "button:nth-of-type(1)"}},
		{Index: 1, Tag: "button", AriaLabel: "Post", Visible: true,
			Path: []string{"html", "body", "div:nth-of-type(2)", "button:nth-of-type(1)"}},
	}}

	m, ok := Discover("post button", snap)
	require.True(t, ok)
	assert.Equal(t, 1, m.Element.Index)
	assert.Equal(t, StrategyStructural, m.Candidate.Strategy)
	assert.Equal(t, "html > body > div:nth-of-type(2) > button:nth-of-type(1)", m.Candidate.Locator)
	assert.NotEqual(t, `button[aria-label="Post"]`, m.Candidate.Locator)
}

func TestLabelTruncatesByRune(t *testing.T) {
	text := strings.Repeat("a", 39) + "€uro"
	label := Element{Tag: "button", Text: text}.Label()
	assert.True(t, utf8.ValidString(label))
	assert.Equal(t, strings.Repeat("a", 39)+"€", label)

	long := strings.Repeat("é", 250)
	hay := Element{Tag: "div", Text: long}.haystacks()
	require.Len(t, hay, 1)
	assert.True(t, utf8.ValidString(hay[0]))
}

func snapshotOf(els ...Element) Snapshot {
	for i := range els {
		els[i].Index = i
		els[i].Visible = true
	}
	return Snapshot{Elements: els}
}

func TestDiscoverNoMatches(t *testing.T) {
	_, ok := Discover("post button", Snapshot{})
	assert.False(t, ok)

	snap := snapshotOf(Element{Tag: "button", Text: "Settings", ID: "settings", IDUnique: true})
	_, ok = Discover("calendar", snap)
	assert.False(t, ok)
}

func TestDiscoverPrefersButtonsForButtonTargets(t *testing.T) {
	snap := snapshotOf(
		Element{Tag: "textarea", Placeholder: "Write a post", ID: "composer", IDUnique: true},
		Element{Tag: "button", Text: "Post", ID: "submit-post", IDUnique: true},
	)
	m, ok := Discover("post button", snap)
	require.True(t, ok)
	assert.Equal(t, "#submit-post", m.Candidate.Locator)
}

func TestDiscoverPrefersFieldsForFieldTargets(t *testing.T) {
	snap := snapshotOf(
		Element{Tag: "button", Text: "Post", ID: "submit-post", IDUnique: true},
		Element{Tag: "textarea", Placeholder: "compose", ID: "composer", IDUnique: true},
	)
	m, ok := Discover("post field", snap)
	require.True(t, ok)
	assert.Equal(t, "#composer", m.Candidate.Locator)
}

func TestDiscoverTiesBreakByDocumentOrder(t *testing.T) {
	snap := snapshotOf(
		Element{Tag: "button", Text: "Save", Path: []string{"main", "button:nth-of-type(1)"}},
		Element{Tag: "button", Text: "Save", Path: []string{"main", "button:nth-of-type(2)"}},
	)
	m, ok := Discover("save", snap)
	require.True(t, ok)
	assert.Equal(t, 0, m.Element.Index)
}

func TestDiscoverSkipsHidden(t *testing.T) {
	snap := snapshotOf(Element{Tag: "button", Text: "Save", ID: "save", IDUnique: true})
	snap.Elements[0].Visible = false
	_, ok := Discover("save", snap)
	assert.False(t, ok)
}

func TestDiscoverFuzzy(t *testing.T) {
	snap := snapshotOf(Element{Tag: "button", Text: "Calender", ID: "cal", IDUnique: true})
	m, ok := Discover("calendar", snap)
	require.True(t, ok)
	assert.Equal(t, tierFuzzyNear, m.Tier)

	snap = snapshotOf(Element{Tag: "button", Text: "Calandr", ID: "cal", IDUnique: true})
	m, ok = Discover("calendar", snap)
	require.True(t, ok)
	assert.Equal(t, tierFuzzyFar, m.Tier)

	snap = snapshotOf(Element{Tag: "button", Text: "Logout", ID: "out", IDUnique: true})
	_, ok = Discover("calendar", snap)
	assert.False(t, ok)
}

func TestDiscoverExactBeatsContains(t *testing.T) {
	snap := snapshotOf(
		Element{Tag: "button", Text: "Save draft", ID: "draft", IDUnique: true},
		Element{Tag: "button", Text: "Save", ID: "save", IDUnique: true},
	)
	m, ok := Discover("save", snap)
	require.True(t, ok)
	assert.Equal(t, "#save", m.Candidate.Locator)
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, levenshtein("post", "post"))
	assert.Equal(t, 1, levenshtein("post", "posts"))
	assert.Equal(t, 3, levenshtein("kitten", "sitting"))
	assert.Equal(t, 4, levenshtein("", "abcd"))
}

func TestAvailableLabelsCapped(t *testing.T) {
	var els []Element
	for i := 0; i < 60; i++ {
		els = append(els, Element{Tag: "button", Text: fmt.Sprintf("b%d", i)})
	}
	labels := AvailableLabels(snapshotOf(els...))
	assert.Len(t, labels, MaxLabels)
	assert.Equal(t, "b0", labels[0])
}

func TestFinderPollsUntilFound(t *testing.T) {
	var calls atomic.Int32
	snapshot := func(context.Context) (Snapshot, error) {
		if calls.Add(1) < 3 {
			return snapshotOf(Element{Tag: "div", Text: "loading"}), nil
		}
		return snapshotOf(Element{Tag: "button", Text: "Post", ID: "post", IDUnique: true}), nil
	}

	f := NewFinder(time.Second, 5*time.Millisecond, nil)
	res, err := f.Find(context.Background(), "post button", snapshot, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Polls)
	assert.Equal(t, "#post", res.Matches[0].Candidate.Locator)
}

func TestFinderSkipsTriedLocators(t *testing.T) {
	snap := snapshotOf(
		Element{Tag: "button", Text: "Post", ID: "a", IDUnique: true},
		Element{Tag: "button", Text: "Post", ID: "b", IDUnique: true},
	)
	f := NewFinder(50*time.Millisecond, 5*time.Millisecond, nil)
	res, err := f.Find(context.Background(), "post", func(context.Context) (Snapshot, error) { return snap, nil },
		func(loc string) bool { return loc == "#a" })
	require.NoError(t, err)
	assert.Equal(t, "#b", res.Matches[0].Candidate.Locator)
}

func TestFinderTimesOutWithLabels(t *testing.T) {
	snap := snapshotOf(Element{Tag: "button", Text: "Settings"})
	f := NewFinder(30*time.Millisecond, 5*time.Millisecond, nil)
	res, err := f.Find(context.Background(), "calendar", func(context.Context) (Snapshot, error) { return snap, nil }, nil)
	assert.ErrorIs(t, err, ErrNoCandidate)
	assert.Equal(t, []string{"Settings"}, res.Labels)
	assert.Greater(t, res.Polls, 1)
}

func TestFinderHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := NewFinder(time.Second, 5*time.Millisecond, nil)
	_, err := f.Find(ctx, "x", func(context.Context) (Snapshot, error) { return Snapshot{}, nil }, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFinderSnapshotErrors(t *testing.T) {
	boom := errors.New("page closed")
	f := NewFinder(20*time.Millisecond, 5*time.Millisecond, nil)
	_, err := f.Find(context.Background(), "x", func(context.Context) (Snapshot, error) { return Snapshot{}, boom }, nil)
	assert.ErrorIs(t, err, ErrNoCandidate)
	assert.ErrorIs(t, err, boom)
}
