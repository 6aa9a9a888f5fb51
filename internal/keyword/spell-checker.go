package keyword

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Suggestion is a dictionary term close to a misspelled query term.
type Suggestion struct {
	Term      string
	Distance  int
	Frequency int
	Score     float64
}

// SpellChecker proposes corrected keyword queries from the indexed vocabulary.
type SpellChecker struct {
	dictionary     TermDictionary
	maxDistance    int
	minFreq        int
	maxSuggestions int
	maxAge         time.Duration
	now            func() time.Time

	mu       sync.RWMutex
	terms    map[string]int
	loadedAt time.Time
}

// SpellCheckerOption configures a SpellChecker.
type SpellCheckerOption func(*SpellChecker)

// WithMaxDistance sets the maximum edit distance for suggestions.
func WithMaxDistance(d int) SpellCheckerOption {
	return func(s *SpellChecker) {
		if d > 0 {
			s.maxDistance = d
		}
	}
}

// WithMinFrequency ignores dictionary terms found in fewer passages.
func WithMinFrequency(f int) SpellCheckerOption {
	return func(s *SpellChecker) {
		if f >= 0 {
			s.minFreq = f
		}
	}
}

// WithMaxSuggestions caps suggestions per term.
func WithMaxSuggestions(n int) SpellCheckerOption {
	return func(s *SpellChecker) {
		if n > 0 {
			s.maxSuggestions = n
		}
	}
}

// WithMaxAge sets how long the vocabulary snapshot is reused before reloading.
func WithMaxAge(d time.Duration) SpellCheckerOption {
	return func(s *SpellChecker) {
		s.maxAge = d
	}
}

// NewSpellChecker creates a SpellChecker over dict.
func NewSpellChecker(dict TermDictionary, opts ...SpellCheckerOption) *SpellChecker {
	s := &SpellChecker{
		dictionary:     dict,
		maxDistance:    2,
		minFreq:        1,
		maxSuggestions: 5,
		maxAge:         time.Minute,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Refresh reloads the vocabulary from the dictionary.
func (s *SpellChecker) Refresh() error {
	terms, err := s.dictionary.Terms()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.terms = terms
	s.loadedAt = s.now()
	s.mu.Unlock()
	return nil
}

func (s *SpellChecker) snapshot() (map[string]int, error) {
	s.mu.RLock()
	terms, loadedAt := s.terms, s.loadedAt
	s.mu.RUnlock()
	if terms != nil && s.now().Sub(loadedAt) < s.maxAge {
		return terms, nil
	}
	if err := s.Refresh(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.terms, nil
}

// Suggest returns dictionary terms within the edit distance of term, best first.
// Closer and more frequent terms rank higher.
func (s *SpellChecker) Suggest(term string) ([]Suggestion, error) {
	terms, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	return s.suggest(terms, strings.ToLower(term)), nil
}

func (s *SpellChecker) suggest(terms map[string]int, term string) []Suggestion {
	n := len([]rune(term))
	var out []Suggestion
	for candidate, freq := range terms {
		if candidate == term || freq < s.minFreq {
			continue
		}
		diff := len([]rune(candidate)) - n
		if diff < 0 {
			diff = -diff
		}
		if diff > s.maxDistance {
			continue
		}
		d := LevenshteinDistance(term, candidate)
		if d > s.maxDistance {
			continue
		}
		out = append(out, Suggestion{
			Term:      candidate,
			Distance:  d,
			Frequency: freq,
			Score:     float64(freq) / float64(d+1),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Term < out[j].Term
	})
	if len(out) > s.maxSuggestions {
		out = out[:s.maxSuggestions]
	}
	return out
}

// SuggestQuery replaces unknown query terms with their best suggestion.
// It returns "" when every term is known or nothing close exists.
func (s *SpellChecker) SuggestQuery(query string) (string, error) {
	terms, err := s.snapshot()
	if err != nil {
		return "", err
	}
	words := tokenizeQuery(query)
	changed := false
	for i, w := range words {
		if _, ok := terms[w]; ok {
			continue
		}
		if sugg := s.suggest(terms, w); len(sugg) > 0 {
			words[i] = sugg[0].Term
			changed = true
		}
	}
	if !changed {
		return "", nil
	}
	return strings.Join(words, " "), nil
}
