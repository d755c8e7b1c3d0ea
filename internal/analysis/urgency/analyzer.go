package urgency

import (
	"strings"

	"github.com/mareiko/lifeline/backend/internal/model/call"
)

// Decision is the heuristic verdict for a transcript snapshot. It backs
// the scorer when no language model is configured and serves as the
// last-resort classification path.
type Decision struct {
	Level      call.UrgencyLevel
	Category   string
	Score      int
	Confidence float32
}

// categoryBucket groups keywords that indicate one medical category and
// the urgency floor a match implies.
type categoryBucket struct {
	category string
	floor    call.UrgencyLevel
	keywords []string
}

var categoryBuckets = []categoryBucket{
	{
		category: "cardiac",
		floor:    call.UrgencyModerate,
		keywords: []string{
			"chest pain", "chest tightness", "heart attack", "palpitations",
			"heart racing", "pressure in my chest", "pain down my arm", "cardiac",
		},
	},
	{
		category: "stroke",
		floor:    call.UrgencyCritical,
		keywords: []string{
			"stroke", "face drooping", "slurred speech", "can't move my arm",
			"numb on one side", "sudden confusion",
		},
	},
	{
		category: "respiratory",
		floor:    call.UrgencyModerate,
		keywords: []string{
			"short of breath", "asthma", "wheezing", "choking", "gasping",
		},
	},
	{
		category: "trauma",
		floor:    call.UrgencyModerate,
		keywords: []string{
			"car accident", "fell from", "broken bone", "head injury",
			"hit by", "crash", "deep cut", "stab", "gunshot",
		},
	},
	{
		category: "bleeding",
		floor:    call.UrgencyModerate,
		keywords: []string{
			"bleeding heavily", "won't stop bleeding", "blood everywhere",
			"coughing blood", "vomiting blood",
		},
	},
	{
		category: "overdose",
		floor:    call.UrgencyCritical,
		keywords: []string{
			"overdose", "swallowed pills", "poisoned", "took too many",
		},
	},
	{
		category: "allergic",
		floor:    call.UrgencyModerate,
		keywords: []string{
			"allergic reaction", "anaphylaxis", "throat swelling", "hives",
			"bee sting", "epipen",
		},
	},
	{
		category: "general",
		floor:    call.UrgencyLow,
		keywords: []string{
			"fever", "vomiting", "dizzy", "headache", "pain", "fainted earlier",
			"burn", "sprain",
		},
	},
	{
		category: "non-emergency",
		floor:    call.UrgencyNone,
		keywords: []string{
			"prescription", "refill", "appointment", "test results",
			"general question", "medical advice", "follow up", "follow-up",
		},
	},
}

// escalators force CRITICAL regardless of which category matched; they
// describe the caller's state, not the underlying condition.
var escalators = []string{
	"can't breathe", "cannot breathe", "not breathing", "stopped breathing",
	"unconscious", "unresponsive", "no pulse", "collapsing", "collapsed",
	"turning blue", "seizure", "seizing", "dying", "losing consciousness",
}

const keywordWeight = 3

// Analyze classifies the accumulated transcript text. Later fragments
// only ever add matches, so re-running on a grown snapshot can raise the
// level but the caller enforces monotonicity either way.
func Analyze(text string) Decision {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return Decision{Level: call.UrgencyNone, Category: "non-emergency", Confidence: 0.2}
	}

	bestCategory := ""
	bestScore := 0
	bestFloor := call.UrgencyNone
	total := 0
	for _, bucket := range categoryBuckets {
		score := 0
		for _, word := range bucket.keywords {
			if strings.Contains(normalized, word) {
				score += keywordWeight
			}
		}
		total += score
		if score > bestScore {
			bestScore = score
			bestCategory = bucket.category
			bestFloor = bucket.floor
		}
	}

	escalated := false
	for _, word := range escalators {
		if strings.Contains(normalized, word) {
			escalated = true
			total += keywordWeight
			break
		}
	}

	if bestScore == 0 && !escalated {
		return Decision{Level: call.UrgencyNone, Category: "non-emergency", Confidence: 0.3}
	}

	level := bestFloor
	if escalated {
		level = call.UrgencyCritical
	}
	category := bestCategory
	if category == "" {
		category = "general"
	}

	return Decision{
		Level:      level,
		Category:   category,
		Score:      total,
		Confidence: confidenceFor(total),
	}
}

func confidenceFor(score int) float32 {
	conf := 0.4 + float32(score)*0.05
	if conf > 0.9 {
		conf = 0.9
	}
	return conf
}
