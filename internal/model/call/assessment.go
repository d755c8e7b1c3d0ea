package call

// Assessment is the scorer's verdict for a single snapshot. It is
// consumed once by the triage machine and not retained; the audit sink
// keeps the durable trail.
type Assessment struct {
	CallID          string
	SnapshotVersion int
	Urgency         UrgencyLevel
	Category        string
	Confidence      float32
}
