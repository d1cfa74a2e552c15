// Package moderation masks censored words in chat text.
package moderation

import (
	"log/slog"
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

// Moderator is safe for concurrent use once built. A Moderator with no
// words returns text unchanged.
type Moderator struct {
	matcher      *goahocorasick.Machine
	censoredChar rune
	log          *slog.Logger
}

// NewModerator builds an Aho-Corasick automaton over the lower-cased words.
func NewModerator(words []string, censoredChar rune, log *slog.Logger) (*Moderator, error) {
	m := &Moderator{censoredChar: censoredChar, log: log}

	var patterns [][]rune
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		patterns = append(patterns, lower([]rune(w)))
	}
	if len(patterns) == 0 {
		return m, nil
	}

	machine := new(goahocorasick.Machine)
	if err := machine.Build(patterns); err != nil {
		return nil, err
	}
	m.matcher = machine
	log.Info("Moderation enabled", "words", len(patterns))
	return m, nil
}

func (m *Moderator) Enabled() bool {
	return m != nil && m.matcher != nil
}

// Censor replaces every rune of every match with the censor char.
// Matching ignores case; spacing and length are preserved.
func (m *Moderator) Censor(text string) string {
	if !m.Enabled() || text == "" {
		return text
	}

	orig := []rune(text)
	terms := m.matcher.MultiPatternSearch(lower(orig), false)
	if len(terms) == 0 {
		return text
	}

	for _, term := range terms {
		end := term.Pos + len(term.Word)
		if term.Pos < 0 || end > len(orig) {
			continue
		}
		for i := term.Pos; i < end; i++ {
			orig[i] = m.censoredChar
		}
	}
	m.log.Debug("Message censored", "matches", len(terms))
	return string(orig)
}

func lower(runes []rune) []rune {
	out := make([]rune, len(runes))
	for i, r := range runes {
		out[i] = unicode.ToLower(r)
	}
	return out
}
