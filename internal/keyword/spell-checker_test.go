package keyword

import (
	"errors"
	"testing"
	"time"
)

type mockDictionary struct {
	terms map[string]int
	calls int
	err   error
}

func (m *mockDictionary) Terms() (map[string]int, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.terms, nil
}

func newMockDictionary() *mockDictionary {
	return &mockDictionary{terms: map[string]int{
		"refund":   10,
		"refunds":  4,
		"policy":   8,
		"shipping": 6,
		"rare":     1,
	}}
}

func TestSpellChecker_Suggest(t *testing.T) {
	sc := NewSpellChecker(newMockDictionary())
	got, err := sc.Suggest("Refnd")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 || got[0].Term != "refund" {
		t.Fatalf("expected refund first, got %+v", got)
	}
	if got[0].Distance != 1 {
		t.Errorf("distance = %d, want 1", got[0].Distance)
	}
}

func TestSpellChecker_MinFrequencyAndDistance(t *testing.T) {
	sc := NewSpellChecker(newMockDictionary(), WithMinFrequency(2), WithMaxDistance(1))
	got, _ := sc.Suggest("rar")
	if len(got) != 0 {
		t.Errorf("rare terms below min frequency should be ignored: %+v", got)
	}
	got, _ = sc.Suggest("shippng")
	if len(got) != 1 || got[0].Term != "shipping" {
		t.Errorf("got %+v", got)
	}
	got, _ = sc.Suggest("shpng")
	if len(got) != 0 {
		t.Errorf("distance 3 should be out of range: %+v", got)
	}
}

func TestSpellChecker_SuggestQuery(t *testing.T) {
	sc := NewSpellChecker(newMockDictionary(), WithMaxSuggestions(1))
	got, err := sc.SuggestQuery("refnud polcy")
	if err != nil {
		t.Fatal(err)
	}
	if got != "refund policy" {
		t.Errorf("got %q", got)
	}
	got, _ = sc.SuggestQuery("refund policy")
	if got != "" {
		t.Errorf("known terms need no suggestion, got %q", got)
	}
	got, _ = sc.SuggestQuery("zzzzzzzz")
	if got != "" {
		t.Errorf("nothing close should give empty, got %q", got)
	}
}

func TestSpellChecker_ReloadsAfterMaxAge(t *testing.T) {
	dict := newMockDictionary()
	now := time.Unix(1000, 0)
	sc := NewSpellChecker(dict, WithMaxAge(time.Minute))
	sc.now = func() time.Time { return now }

	sc.Suggest("refnd")
	sc.Suggest("polcy")
	if dict.calls != 1 {
		t.Fatalf("vocabulary should be cached, loaded %d times", dict.calls)
	}
	now = now.Add(2 * time.Minute)
	sc.Suggest("refnd")
	if dict.calls != 2 {
		t.Errorf("stale vocabulary should reload, loaded %d times", dict.calls)
	}
}

func TestSpellChecker_DictionaryError(t *testing.T) {
	sc := NewSpellChecker(&mockDictionary{err: errors.New("boom")})
	if _, err := sc.Suggest("x"); err == nil {
		t.Error("expected error")
	}
}
