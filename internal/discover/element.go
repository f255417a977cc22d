// Package discover synthesizes locators for semantic targets from a snapshot of
// the live interface when memory has nothing to offer.
package discover

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Rect is an element's bounding box in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Element is one interactive element as captured from the page.
type Element struct {
	// Index is the element's position in document order.
	Index       int    `json:"index"`
	Tag         string `json:"tag"`
	Type        string `json:"type,omitempty"`
	Role        string `json:"role,omitempty"`
	ID          string `json:"id,omitempty"`
	IDUnique    bool   `json:"id_unique,omitempty"`
	TestID      string `json:"test_id,omitempty"`
	Rocker      string `json:"rocker,omitempty"`
	Action      string `json:"action,omitempty"`
	AriaLabel   string `json:"aria_label,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Name        string `json:"name,omitempty"`
	Text        string `json:"text,omitempty"`
	Editable    bool   `json:"editable,omitempty"`
	Visible     bool   `json:"visible"`
	// Path is the tag:nth-of-type chain from the root down to the element.
	Path []string `json:"path,omitempty"`
	Box  Rect     `json:"box"`
}

// Snapshot is the set of interactive elements on a page at one moment.
type Snapshot struct {
	URL      string    `json:"url"`
	Title    string    `json:"title,omitempty"`
	Elements []Element `json:"elements"`
	TakenAt  time.Time `json:"taken_at"`
}

// Kind classifies elements for ranking.
type Kind int

const (
	KindOther Kind = iota
	KindField
	KindButton
)

var buttonInputTypes = map[string]bool{"submit": true, "button": true, "reset": true, "image": true}

// Kind reports whether the element takes text or is clicked.
func (e Element) Kind() Kind {
	tag := strings.ToLower(e.Tag)
	switch {
	case tag == "textarea" || e.Editable:
		return KindField
	case tag == "input" && !buttonInputTypes[strings.ToLower(e.Type)] &&
		e.Type != "checkbox" && e.Type != "radio":
		return KindField
	case tag == "button" || tag == "a" || e.Role == "button" || e.Role == "tab" || e.Role == "link":
		return KindButton
	case tag == "input":
		return KindButton
	}
	return KindOther
}

// Label is the human-readable name used in failure messages.
func (e Element) Label() string {
	for _, s := range []string{e.Rocker, e.AriaLabel, e.Placeholder, e.Text, e.Name} {
		if s = strings.TrimSpace(s); s != "" {
			return truncate(s, 40)
		}
	}
	return strings.ToLower(e.Tag)
}

// haystacks returns the normalized strings a target token is matched against.
func (e Element) haystacks() []string {
	text := truncate(e.Text, 200)
	out := make([]string, 0, 5)
	for _, s := range []string{e.Rocker, e.AriaLabel, e.Placeholder, text, e.Name} {
		if n := normalize(s); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
