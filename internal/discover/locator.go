package discover

import (
	"regexp"
	"strings"
)

// MaxPathDepth caps structural locators so a reflow high in the tree does not
// invalidate them.
const MaxPathDepth = 4

// Strategy names how a locator was synthesized.
type Strategy string

const (
	StrategyIdentity   Strategy = "identity"
	StrategySemantic   Strategy = "semantic"
	StrategyLabel      Strategy = "label"
	StrategyStructural Strategy = "structural"
)

// Candidate is a synthesized locator.
type Candidate struct {
	Locator  string   `json:"locator"`
	Strategy Strategy `json:"strategy"`
}

// option is one locator a strategy can offer, with the predicate deciding
// whether another element would also match it.
type option struct {
	locator string
	matches func(Element) bool
}

type strategyFunc func(Element) []option

// strategies run in fixed order, most stable first.
var strategies = []struct {
	name Strategy
	fn   strategyFunc
}{
	{StrategyIdentity, identityOptions},
	{StrategySemantic, semanticOptions},
	{StrategyLabel, labelOptions},
	{StrategyStructural, structuralOptions},
}

// Synthesize returns the first locator, in strategy order, that no element of
// peers other than el itself would also match. peers is usually the whole
// snapshot, hidden elements included. The structural path is the last resort
// and is returned even when ambiguous.
func Synthesize(el Element, peers ...Element) (Candidate, bool) {
	for _, s := range strategies {
		for _, o := range s.fn(el) {
			if s.name == StrategyStructural || unique(el, o, peers) {
				return Candidate{Locator: o.locator, Strategy: s.name}, true
			}
		}
	}
	return Candidate{}, false
}

func unique(el Element, o option, peers []Element) bool {
	for _, p := range peers {
		if p.Index != el.Index && o.matches(p) {
			return false
		}
	}
	return true
}

var cssIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

func identityOptions(el Element) []option {
	var out []option
	if el.ID != "" && el.IDUnique && cssIdent.MatchString(el.ID) {
		out = append(out, option{"#" + el.ID, func(p Element) bool { return p.ID == el.ID }})
	}
	if el.TestID != "" {
		out = append(out, option{attrSelector("", "data-testid", el.TestID), func(p Element) bool { return p.TestID == el.TestID }})
	}
	return out
}

func semanticOptions(el Element) []option {
	var out []option
	if el.Rocker != "" {
		out = append(out, option{attrSelector("", "data-rocker", el.Rocker), func(p Element) bool { return p.Rocker == el.Rocker }})
	}
	if el.Action != "" {
		out = append(out, option{attrSelector("", "data-action", el.Action), func(p Element) bool { return p.Action == el.Action }})
	}
	return out
}

func labelOptions(el Element) []option {
	if el.AriaLabel == "" {
		return nil
	}
	tag := strings.ToLower(el.Tag)
	return []option{{attrSelector(tag, "aria-label", el.AriaLabel), func(p Element) bool {
		return strings.ToLower(p.Tag) == tag && p.AriaLabel == el.AriaLabel
	}}}
}

func structuralOptions(el Element) []option {
	path := cappedPath(el.Path)
	if len(path) == 0 {
		return nil
	}
	return []option{{strings.Join(path, " > "), nil}}
}

func cappedPath(path []string) []string {
	if len(path) > MaxPathDepth {
		return path[len(path)-MaxPathDepth:]
	}
	return path
}

func attrSelector(tag, attr, value string) string {
	return tag + "[" + attr + "=\"" + escapeAttr(value) + "\"]"
}

func escapeAttr(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `"`, `\"`)
}
