// Package safety screens free-text booking purposes for crisis language.
//
// The gate is a textual filter only.  It keeps the booking form from being
// used as a crisis channel and sends the visitor to a support page instead;
// it is not a moderation system.
package safety

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed crisis_patterns.yaml
var crisisPatterns []byte

// RefusalMessage is shown to a visitor whose booking purpose matched.
const RefusalMessage = "It sounds like you may be going through something really hard right now. " +
	"You deserve support straight away, so we can't take a booking for this. " +
	"Please reach out to one of the crisis services on the page we're sending you to."

// DefaultRedirectURL is used when no crisis page is configured.
const DefaultRedirectURL = "/crisis-support"

type patternFile struct {
	Categories []category `yaml:"categories"`
}

type category struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Patterns    []pattern `yaml:"patterns"`

	compiled []*regexp.Regexp
}

type pattern struct {
	ID    string `yaml:"id"`
	Regex string `yaml:"regex"`
}

// Match describes the first pattern that triggered a refusal.
type Match struct {
	Category  string
	PatternID string
}

// Gate classifies text against the embedded crisis categories.
type Gate struct {
	categories  []category
	redirectURL string
}

// NewGate parses and compiles the embedded pattern file.  redirectURL is
// returned with every refusal; empty means DefaultRedirectURL.
func NewGate(redirectURL string) (*Gate, error) {
	return newGate(crisisPatterns, redirectURL)
}

func newGate(raw []byte, redirectURL string) (*Gate, error) {
	var f patternFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse crisis patterns: %w", err)
	}
	for i := range f.Categories {
		c := &f.Categories[i]
		for _, p := range c.Patterns {
			re, err := regexp.Compile("(?i)" + p.Regex)
			if err != nil {
				return nil, fmt.Errorf("compile crisis pattern %s: %w", p.ID, err)
			}
			c.compiled = append(c.compiled, re)
		}
	}
	sort.SliceStable(f.Categories, func(i, j int) bool {
		return f.Categories[i].Priority > f.Categories[j].Priority
	})
	if redirectURL == "" {
		redirectURL = DefaultRedirectURL
	}
	return &Gate{categories: f.Categories, redirectURL: redirectURL}, nil
}

// Check returns the highest-priority match in text, if any.
func (g *Gate) Check(text string) (Match, bool) {
	for _, c := range g.categories {
		for i, re := range c.compiled {
			if re.MatchString(text) {
				return Match{Category: c.Name, PatternID: c.Patterns[i].ID}, true
			}
		}
	}
	return Match{}, false
}

// RedirectURL is the crisis-resources page visitors are sent to.
func (g *Gate) RedirectURL() string { return g.redirectURL }
