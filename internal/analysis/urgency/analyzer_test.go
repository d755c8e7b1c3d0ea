package urgency

import (
	"testing"

	"github.com/mareiko/lifeline/backend/internal/model/call"
)

func TestAnalyze(t *testing.T) {
	cases := []struct {
		name         string
		text         string
		wantLevel    call.UrgencyLevel
		wantCategory string
	}{
		{
			name:         "chest pain is moderate cardiac",
			text:         "I have chest pain",
			wantLevel:    call.UrgencyModerate,
			wantCategory: "cardiac",
		},
		{
			name:         "cardiac with breathing escalator is critical",
			text:         "I have chest pain now I can't breathe, collapsing",
			wantLevel:    call.UrgencyCritical,
			wantCategory: "cardiac",
		},
		{
			name:         "stroke keywords are critical",
			text:         "my father has slurred speech and his face is drooping",
			wantLevel:    call.UrgencyCritical,
			wantCategory: "stroke",
		},
		{
			name:         "prescription refill is non-emergency",
			text:         "hello, I just need a prescription refill",
			wantLevel:    call.UrgencyNone,
			wantCategory: "non-emergency",
		},
		{
			name:         "minor symptom is low",
			text:         "I have had a fever since yesterday",
			wantLevel:    call.UrgencyLow,
			wantCategory: "general",
		},
		{
			name:         "empty text scores none",
			text:         "   ",
			wantLevel:    call.UrgencyNone,
			wantCategory: "non-emergency",
		},
		{
			name:         "escalator alone is critical",
			text:         "she is unconscious",
			wantLevel:    call.UrgencyCritical,
			wantCategory: "general",
		},
	}

	for _, tc := range cases {
		got := Analyze(tc.text)
		if got.Level != tc.wantLevel {
			t.Fatalf("%s: Analyze(%q) level = %s, want %s", tc.name, tc.text, got.Level, tc.wantLevel)
		}
		if got.Category != tc.wantCategory {
			t.Fatalf("%s: Analyze(%q) category = %s, want %s", tc.name, tc.text, got.Category, tc.wantCategory)
		}
	}
}

func TestAnalyzeMonotoneOnGrowth(t *testing.T) {
	first := Analyze("I have chest pain")
	second := Analyze("I have chest pain and now I am losing consciousness")

	if second.Level < first.Level {
		t.Fatalf("level dropped on grown snapshot: %s -> %s", first.Level, second.Level)
	}
}
