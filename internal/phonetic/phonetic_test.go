package phonetic_test

import (
	"testing"

	"github.com/MrWong99/hemdan/internal/phonetic"
)

var catalog = []string{
	"Obelisk of Karnak",
	"Temple of Luxor",
	"Great Pyramid of Giza",
	"Colossi of Memnon",
}

func TestMatcher_Match(t *testing.T) {
	t.Parallel()

	m := phonetic.New(catalog)
	tests := []struct {
		subject string
		want    string
	}{
		{"obelisk of carnac", "Obelisk of Karnak"},
		{"OBELISK OF KARNAK", "Obelisk of Karnak"},
		{"the temple of luxer", "Temple of Luxor"},
		{"great piramid", "Great Pyramid of Giza"},
		{"colossus of memnon", "Colossi of Memnon"},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			got, score, ok := m.Match(tt.subject)
			if !ok {
				t.Fatalf("Match(%q): ok=false, want %q", tt.subject, tt.want)
			}
			if got != tt.want {
				t.Errorf("Match(%q) = %q, want %q", tt.subject, got, tt.want)
			}
			if score < 0.7 || score > 1 {
				t.Errorf("Match(%q) score = %f, want in [0.7, 1]", tt.subject, score)
			}
		})
	}
}

func TestMatcher_StopwordsDoNotMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New(catalog)
	for _, subject := range []string{"the", "of the", "this building", "what is that"} {
		got, score, ok := m.Match(subject)
		if ok {
			t.Errorf("Match(%q) = %q (%f), want no match", subject, got, score)
		}
		if got != subject || score != 0 {
			t.Errorf("Match(%q) unmatched result = %q, %f; want subject unchanged and 0", subject, got, score)
		}
	}
}

func TestMatcher_Thresholds(t *testing.T) {
	t.Parallel()

	m := phonetic.New(catalog, phonetic.WithPhoneticThreshold(0.99), phonetic.WithFuzzyThreshold(0.99))
	if got, _, ok := m.Match("obelisk of carnac"); ok {
		t.Errorf("strict matcher accepted %q", got)
	}
	if got, _, ok := m.Match("obelisk of karnak"); !ok || got != "Obelisk of Karnak" {
		t.Errorf("strict matcher exact = %q, %v; want Obelisk of Karnak", got, ok)
	}
}

func TestMatcher_SetNames(t *testing.T) {
	t.Parallel()

	m := phonetic.New(nil)
	if _, _, ok := m.Match("karnak"); ok {
		t.Fatal("empty matcher matched")
	}
	m.SetNames([]string{"Obelisk of Karnak", "  ", "obelisk of karnak", "Temple of Luxor"})
	names := m.Names()
	if len(names) != 2 || names[0] != "Obelisk of Karnak" || names[1] != "Temple of Luxor" {
		t.Fatalf("Names() = %q, want deduplicated catalog", names)
	}
	if got, _, ok := m.Match("karnak"); !ok || got != "Obelisk of Karnak" {
		t.Errorf("Match(karnak) = %q, %v", got, ok)
	}
}

func TestMatcher_EmptySubject(t *testing.T) {
	t.Parallel()

	m := phonetic.New(catalog)
	if got, score, ok := m.Match("   "); ok || got != "   " || score != 0 {
		t.Errorf("Match(blank) = %q, %f, %v", got, score, ok)
	}
}
