package fines

import (
	"testing"
	"time"
)

func TestRegistryVehicleLookup(t *testing.T) {
	r := NewRegistry()

	if err := r.AddVehicle(&Vehicle{ID: "veh-1", Plate: "GA 123 BC", Description: "Fiat Ducato"}); err != nil {
		t.Fatalf("AddVehicle failed: %v", err)
	}

	v, ok := r.VehicleByPlate("ga-123-bc")
	if !ok {
		t.Fatal("expected lookup to ignore plate formatting")
	}
	if v.ID != "veh-1" {
		t.Errorf("expected veh-1, got %s", v.ID)
	}

	if _, ok := r.VehicleByPlate("ZZ999ZZ"); ok {
		t.Error("unexpected vehicle for an unknown plate")
	}

	if err := r.AddVehicle(&Vehicle{ID: "veh-2", Plate: "GA123BC"}); err == nil {
		t.Error("expected a duplicate plate to be refused")
	}
	if err := r.AddVehicle(&Vehicle{ID: "veh-3", Plate: "  "}); err == nil {
		t.Error("expected an empty plate to be refused")
	}
}

func TestRegistryDriversAt(t *testing.T) {
	r := NewRegistry()
	if err := r.AddVehicle(&Vehicle{ID: "veh-1", Plate: "GA123BC"}); err != nil {
		t.Fatalf("AddVehicle failed: %v", err)
	}

	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	march := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	endOfFeb := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)

	if err := r.AssignDriver(&DriverAssignment{DriverID: "drv-rossi", VehicleID: "veh-1", From: jan, Until: &endOfFeb}); err != nil {
		t.Fatalf("AssignDriver failed: %v", err)
	}
	if err := r.AssignDriver(&DriverAssignment{DriverID: "drv-bianchi", VehicleID: "veh-1", From: march}); err != nil {
		t.Fatalf("AssignDriver failed: %v", err)
	}

	drivers := r.DriversAt("veh-1", time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC))
	if len(drivers) != 1 || drivers[0] != "drv-rossi" {
		t.Errorf("expected drv-rossi in february, got %v", drivers)
	}

	drivers = r.DriversAt("veh-1", time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC))
	if len(drivers) != 1 || drivers[0] != "drv-bianchi" {
		t.Errorf("expected drv-bianchi with an open-ended assignment, got %v", drivers)
	}

	// The gap between assignments has no driver.
	if drivers := r.DriversAt("veh-1", time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)); len(drivers) != 0 {
		t.Errorf("expected no driver before the first assignment, got %v", drivers)
	}

	if err := r.AssignDriver(&DriverAssignment{DriverID: "drv-x", VehicleID: "missing", From: jan}); err == nil {
		t.Error("expected assignment to an unknown vehicle to be refused")
	}
}

func TestDriverAssignmentCovers(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	a := &DriverAssignment{DriverID: "drv-1", VehicleID: "veh-1", From: from, Until: &until}

	if !a.Covers(from) || !a.Covers(until) {
		t.Error("expected the interval bounds to be inclusive")
	}
	if a.Covers(from.AddDate(0, 0, -1)) {
		t.Error("expected dates before the interval to be excluded")
	}
	if a.Covers(until.AddDate(0, 0, 1)) {
		t.Error("expected dates after the interval to be excluded")
	}
}
