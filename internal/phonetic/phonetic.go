// Package phonetic normalises free-text place names against the building
// names of the landmark catalog.
//
// Players and the intent classifier spell names the way they hear them
// ("obelisk of carnac", "sagrada familia"). The [Matcher] maps such a subject
// to the canonical catalog name in two stages:
//
//  1. Phonetic filtering: Double Metaphone codes are computed for every
//     content word. A catalog name is a phonetic candidate when at least half
//     of its content words share a code with some word of the subject.
//
//  2. Jaro-Winkler ranking: candidates are scored on the joined content
//     words, on the concatenated form, and on a word alignment score. The
//     best candidate above the phonetic threshold wins. Without any phonetic
//     candidate, a name is accepted only above the stricter fuzzy threshold.
//
// Function words ("of", "the", "de", ...) carry no signal in place names and
// are ignored; otherwise every "X of Y" name would match every other.
package phonetic

import (
	"strings"
	"sync"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "of": {}, "at": {}, "in": {}, "on": {}, "and": {},
	"de": {}, "del": {}, "della": {}, "di": {}, "la": {}, "le": {}, "les": {}, "el": {}, "du": {},
}

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum score for a phonetic candidate.
// Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum score for a name without phonetic
// overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher maps subjects to catalog names. The name list can be replaced at
// any time with SetNames; all methods are safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64

	mu    sync.RWMutex
	names []entry
}

type entry struct {
	name   string
	lower  string
	tokens []string
	codes  []map[string]struct{}
}

// New returns a Matcher for names.
func New(names []string, opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	m.SetNames(names)
	return m
}

// SetNames replaces the catalog names. Duplicates and blank names are
// dropped; the first spelling wins.
func (m *Matcher) SetNames(names []string) {
	seen := make(map[string]struct{}, len(names))
	entries := make([]entry, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		lower := strings.ToLower(n)
		if n == "" {
			continue
		}
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		tokens := contentTokens(lower)
		entries = append(entries, entry{name: n, lower: lower, tokens: tokens, codes: tokenCodes(tokens)})
	}
	m.mu.Lock()
	m.names = entries
	m.mu.Unlock()
}

// Names returns the canonical names in insertion order.
func (m *Matcher) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.names))
	for i, e := range m.names {
		out[i] = e.name
	}
	return out
}

// Match returns the catalog name closest to subject. When ok is false, name
// equals subject and score is 0. Ties keep the earlier catalog name.
func (m *Matcher) Match(subject string) (name string, score float64, ok bool) {
	lower := strings.ToLower(strings.TrimSpace(subject))
	tokens := contentTokens(lower)
	if len(tokens) == 0 {
		return subject, 0, false
	}
	codes := tokenCodes(tokens)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, e := range m.names {
		if len(e.tokens) == 0 {
			continue
		}
		s := similarity(tokens, e.tokens)
		if phoneticCandidate(codes, e.codes) {
			if s >= m.phoneticThreshold && (!bestPhonetic || s > bestScore) {
				best, bestScore, bestPhonetic = e.name, s, true
			}
		} else if !bestPhonetic && s >= m.fuzzyThreshold && s > bestScore {
			best, bestScore = e.name, s
		}
	}
	if best == "" {
		return subject, 0, false
	}
	return best, bestScore, true
}

// contentTokens splits s on anything that is not a letter or digit and drops
// stopwords.
func contentTokens(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if _, stop := stopwords[f]; !stop {
			out = append(out, f)
		}
	}
	return out
}

func tokenCodes(tokens []string) []map[string]struct{} {
	out := make([]map[string]struct{}, len(tokens))
	for i, t := range tokens {
		codes := make(map[string]struct{}, 2)
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
		out[i] = codes
	}
	return out
}

// phoneticCandidate reports whether at least half of the name's words share
// a Double Metaphone code with some subject word.
func phoneticCandidate(subject, name []map[string]struct{}) bool {
	hits := 0
	for _, nc := range name {
		for _, sc := range subject {
			if overlap(sc, nc) {
				hits++
				break
			}
		}
	}
	return hits*2 >= len(name)
}

func overlap(a, b map[string]struct{}) bool {
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// similarity is the best of three Jaro-Winkler views of two token lists:
// the space-joined strings, the concatenated strings, and the symmetric word
// alignment score.
func similarity(a, b []string) float64 {
	score := matchr.JaroWinkler(strings.Join(a, " "), strings.Join(b, " "), false)
	if s := matchr.JaroWinkler(strings.Join(a, ""), strings.Join(b, ""), false); s > score {
		score = s
	}
	if s := (alignment(a, b) + alignment(b, a)) / 2; s > score {
		score = s
	}
	return score
}

// alignment averages, over the words of a, the best Jaro-Winkler score
// against any word of b.
func alignment(a, b []string) float64 {
	var sum float64
	for _, x := range a {
		var best float64
		for _, y := range b {
			if s := matchr.JaroWinkler(x, y, false); s > best {
				best = s
			}
		}
		sum += best
	}
	return sum / float64(len(a))
}
