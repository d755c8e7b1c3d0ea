package directory

import (
	"testing"

	"github.com/mareiko/lifeline/backend/internal/model/dispatch"
)

func TestResolvePrefersCategoryMatch(t *testing.T) {
	d := NewMemoryDirectory(Seed())

	target, ok := d.Resolve(dispatch.ActionHospitalAlert, "cardiac")
	if !ok {
		t.Fatal("expected a hospital for cardiac")
	}
	if target.ID != "hosp-grace" {
		t.Fatalf("expected category hospital, got %s", target.ID)
	}
}

func TestResolveFallsBackToGeneralist(t *testing.T) {
	d := NewMemoryDirectory(Seed())

	target, ok := d.Resolve(dispatch.ActionHospitalAlert, "burns")
	if !ok {
		t.Fatal("expected a generalist hospital")
	}
	if target.ID != "hosp-riverside" {
		t.Fatalf("expected generalist, got %s", target.ID)
	}
}

func TestResolveMissIsPermanent(t *testing.T) {
	d := NewMemoryDirectory([]Target{{ID: "staff-1", Kind: "staff"}})

	if _, ok := d.Resolve(dispatch.ActionAmbulanceDispatch, "cardiac"); ok {
		t.Fatal("expected no ambulance in roster")
	}
}

func TestResolveLogOnlyNeedsNoTarget(t *testing.T) {
	d := NewMemoryDirectory(nil)

	if _, ok := d.Resolve(dispatch.ActionLogOnly, "non-emergency"); !ok {
		t.Fatal("LOG_ONLY must always resolve")
	}
}
