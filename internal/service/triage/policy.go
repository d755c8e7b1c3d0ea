package triage

import (
	"github.com/mareiko/lifeline/backend/internal/model/call"
	"github.com/mareiko/lifeline/backend/internal/model/dispatch"
)

// PlanFunc maps an urgency level and category to the mandated actions.
type PlanFunc func(level call.UrgencyLevel, category string) []dispatch.ActionKind

// Plan is the default action policy table. The category parameter is the
// seam for category-specific routing; a category change at an already
// reached level never re-issues actions (see DESIGN.md), so tweaks here
// only influence which actions a level mandates, not their targets.
func Plan(level call.UrgencyLevel, category string) []dispatch.ActionKind {
	switch level {
	case call.UrgencyCritical:
		return []dispatch.ActionKind{
			dispatch.ActionHospitalAlert,
			dispatch.ActionAmbulanceDispatch,
			dispatch.ActionStaffNotify,
		}
	case call.UrgencyModerate:
		return []dispatch.ActionKind{dispatch.ActionStaffNotify}
	default:
		// NONE and LOW never mandate a critical action, only the
		// durable non-emergency record.
		return []dispatch.ActionKind{dispatch.ActionLogOnly}
	}
}
