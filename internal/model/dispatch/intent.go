package dispatch

import "time"

// ActionKind names one downstream action a triage decision can mandate.
type ActionKind string

const (
	ActionHospitalAlert     ActionKind = "HOSPITAL_ALERT"
	ActionAmbulanceDispatch ActionKind = "AMBULANCE_DISPATCH"
	ActionStaffNotify       ActionKind = "STAFF_NOTIFY"
	ActionLogOnly           ActionKind = "LOG_ONLY"
)

// AllActionKinds lists every kind in stable order.
func AllActionKinds() []ActionKind {
	return []ActionKind{ActionHospitalAlert, ActionAmbulanceDispatch, ActionStaffNotify, ActionLogOnly}
}

// CriticalPath reports whether a failed delivery of this kind fails the
// whole call. Staff notification and plain logging never do.
func (k ActionKind) CriticalPath() bool {
	return k == ActionHospitalAlert || k == ActionAmbulanceDispatch
}

// Key derives the idempotency key for a call/action pair. It depends
// only on the pair, never on attempt count, so every redelivery of the
// same intent is recognizable downstream.
func Key(callID string, kind ActionKind) string {
	return callID + ":" + string(kind)
}

// Payload carries what a collaborator needs to act on an intent.
type Payload struct {
	Category  string `json:"category,omitempty"`
	Urgency   string `json:"urgency"`
	Summary   string `json:"summary,omitempty"`
	Location  string `json:"location,omitempty"`
	TargetID  string `json:"targetId,omitempty"`
	Target    string `json:"target,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

// Intent is a decided, idempotent request for one downstream action.
type Intent struct {
	CallID         string     `json:"callId"`
	Action         ActionKind `json:"action"`
	IdempotencyKey string     `json:"idempotencyKey"`
	Payload        Payload    `json:"payload"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// NewIntent builds an intent with its derived idempotency key.
func NewIntent(callID string, kind ActionKind, payload Payload) Intent {
	return Intent{
		CallID:         callID,
		Action:         kind,
		IdempotencyKey: Key(callID, kind),
		Payload:        payload,
		CreatedAt:      time.Now().UTC(),
	}
}

// DeliveryStatus is a collaborator's answer for one delivery attempt.
type DeliveryStatus string

const (
	StatusDelivered   DeliveryStatus = "DELIVERED"
	StatusRejected    DeliveryStatus = "REJECTED"
	StatusUnavailable DeliveryStatus = "UNAVAILABLE"
)

// Result reports a single physical delivery attempt.
type Result struct {
	Status DeliveryStatus `json:"status"`
	Detail string         `json:"detail,omitempty"`

	// Duplicate marks a redelivery the collaborator already acted on;
	// the original outcome is returned unchanged.
	Duplicate bool `json:"duplicate,omitempty"`
}
