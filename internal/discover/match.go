package discover

import (
	"sort"
	"strings"
)

// synonyms expands common targets into the surface words apps use for them.
var synonyms = map[string][]string{
	"post field":  {"post field", "post input", "composer", "compose", "status", "post"},
	"post button": {"post button", "post", "publish", "share", "submit"},
}

// Tokens returns the search phrases for a target name.
func Tokens(target string) []string {
	name := normalize(target)
	if syn, ok := synonyms[name]; ok {
		return syn
	}
	return []string{name}
}

// fieldLike targets prefer text inputs over buttons.
func fieldLike(target string) bool {
	name := normalize(target)
	for _, w := range []string{"field", "input", "box"} {
		if strings.Contains(name, w) {
			return true
		}
	}
	return false
}

// Match tiers, lower is better.
const (
	tierExact = iota
	tierContains
	tierFuzzyNear
	tierFuzzyFar
	tierNone
)

// Match is a ranked candidate element with its synthesized locator.
type Match struct {
	Element   Element   `json:"element"`
	Candidate Candidate `json:"candidate"`
	Tier      int       `json:"tier"`
}

// Rank returns all visible elements plausibly matching target, best first.
// Ties fall back to document order.
func Rank(target string, snap Snapshot) []Match {
	tokens := Tokens(target)
	preferFields := fieldLike(target)

	type ranked struct {
		Match
		kind int
		attr int
	}
	var out []ranked
	for _, el := range snap.Elements {
		if !el.Visible {
			continue
		}
		tier := matchTier(el, tokens)
		if tier == tierNone {
			continue
		}
		cand, ok := Synthesize(el, snap.Elements...)
		if !ok {
			continue
		}
		out = append(out, ranked{
			Match: Match{Element: el, Candidate: cand, Tier: tier},
			kind:  kindRank(el.Kind(), preferFields),
			attr:  attrRank(el),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		if a.kind != b.kind {
			return a.kind < b.kind
		}
		if a.attr != b.attr {
			return a.attr < b.attr
		}
		return a.Element.Index < b.Element.Index
	})

	matches := make([]Match, len(out))
	for i, r := range out {
		matches[i] = r.Match
	}
	return matches
}

// Discover returns the single best candidate for target, if any.
func Discover(target string, snap Snapshot) (Match, bool) {
	ranked := Rank(target, snap)
	if len(ranked) == 0 {
		return Match{}, false
	}
	return ranked[0], true
}

func kindRank(k Kind, preferFields bool) int {
	switch {
	case k == KindField && preferFields, k == KindButton && !preferFields:
		return 0
	case k == KindField, k == KindButton:
		return 1
	}
	return 2
}

// attrRank favors elements carrying explicit semantic attributes.
func attrRank(el Element) int {
	if el.Rocker != "" || el.AriaLabel != "" {
		return 0
	}
	return 1
}

func matchTier(el Element, tokens []string) int {
	hay := el.haystacks()
	if len(hay) == 0 {
		return tierNone
	}

	best := tierNone
	for _, tok := range tokens {
		for _, h := range hay {
			if h == tok {
				return tierExact
			}
			if strings.Contains(h, tok) && best > tierContains {
				best = tierContains
			}
		}
	}
	if best != tierNone {
		return best
	}

	minDist := -1
	for _, h := range hay {
		for _, word := range splitWords(h) {
			for _, tok := range tokens {
				for _, q := range strings.Fields(tok) {
					if len(q) < 3 {
						continue
					}
					d := levenshtein(word, q)
					if minDist < 0 || d < minDist {
						minDist = d
					}
				}
			}
		}
	}
	switch {
	case minDist >= 0 && minDist <= 1:
		return tierFuzzyNear
	case minDist == 2:
		return tierFuzzyFar
	}
	return tierNone
}

func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

// levenshtein is the classic edit distance over runes.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// MaxLabels bounds the element list included in failure messages.
const MaxLabels = 40

// AvailableLabels lists up to MaxLabels visible element labels in document order.
func AvailableLabels(snap Snapshot) []string {
	var out []string
	for _, el := range snap.Elements {
		if !el.Visible {
			continue
		}
		out = append(out, el.Label())
		if len(out) >= MaxLabels {
			break
		}
	}
	return out
}
