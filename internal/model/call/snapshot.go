package call

import "time"

// Snapshot is an immutable, versioned view of the accumulated transcript
// for one call. Versions are strictly increasing and gapless; a snapshot
// is never mutated after creation.
type Snapshot struct {
	CallID       string    `json:"callId"`
	Version      int       `json:"version"`
	Text         string    `json:"text"`
	LanguageHint string    `json:"languageHint,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
