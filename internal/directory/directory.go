package directory

import (
	"github.com/mareiko/lifeline/backend/internal/model/dispatch"
)

// Target identifies a resolved downstream responder.
type Target struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Categories []string `json:"categories,omitempty"`
	Region     string   `json:"region,omitempty"`
	Phone      string   `json:"phone,omitempty"`
}

// Resolver looks up the concrete responder for an action before the
// orchestrator builds a payload. A miss is a permanent rejection for
// that action, not a retryable failure.
type Resolver interface {
	Resolve(kind dispatch.ActionKind, category string) (Target, bool)
}

// MemoryDirectory implements Resolver over a fixed in-memory roster.
type MemoryDirectory struct {
	items []Target
}

// NewMemoryDirectory returns a directory preloaded with the supplied targets.
func NewMemoryDirectory(items []Target) *MemoryDirectory {
	return &MemoryDirectory{items: append([]Target(nil), items...)}
}

// Resolve picks the first target of the right kind that covers the
// category, falling back to a generalist of that kind. LOG_ONLY needs
// no target and always resolves to a zero value.
func (d *MemoryDirectory) Resolve(kind dispatch.ActionKind, category string) (Target, bool) {
	wantKind := kindName(kind)
	if wantKind == "" {
		return Target{}, true
	}

	var generalist *Target
	for i := range d.items {
		item := d.items[i]
		if item.Kind != wantKind {
			continue
		}
		if len(item.Categories) == 0 {
			if generalist == nil {
				generalist = &item
			}
			continue
		}
		for _, c := range item.Categories {
			if c == category {
				return item, true
			}
		}
	}
	if generalist != nil {
		return *generalist, true
	}
	return Target{}, false
}

func kindName(kind dispatch.ActionKind) string {
	switch kind {
	case dispatch.ActionHospitalAlert:
		return "hospital"
	case dispatch.ActionAmbulanceDispatch:
		return "ambulance"
	case dispatch.ActionStaffNotify:
		return "staff"
	default:
		return ""
	}
}

// Seed returns the built-in roster used when no external directory is
// configured.
func Seed() []Target {
	return []Target{
		{
			ID:         "hosp-grace",
			Name:       "Grace Memorial Hospital",
			Kind:       "hospital",
			Categories: []string{"cardiac", "stroke"},
			Region:     "central",
			Phone:      "+15550100",
		},
		{
			ID:     "hosp-riverside",
			Name:   "Riverside General",
			Kind:   "hospital",
			Region: "east",
			Phone:  "+15550101",
		},
		{
			ID:     "amb-central",
			Name:   "Central EMS Fleet",
			Kind:   "ambulance",
			Region: "central",
			Phone:  "+15550110",
		},
		{
			ID:         "staff-oncall-cardio",
			Name:       "On-call Cardiology",
			Kind:       "staff",
			Categories: []string{"cardiac"},
			Phone:      "+15550120",
		},
		{
			ID:    "staff-oncall-general",
			Name:  "On-call Triage Nurse",
			Kind:  "staff",
			Phone: "+15550121",
		},
	}
}
