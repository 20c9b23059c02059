package fines

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Vehicle is a fleet vehicle identified by its plate.
type Vehicle struct {
	ID          string `json:"id"`
	Plate       string `json:"plate"`
	Description string `json:"description,omitempty"`
}

// DriverAssignment records which driver had a vehicle over an interval.
// A nil Until means the assignment is still open.
type DriverAssignment struct {
	DriverID  string     `json:"driver_id"`
	VehicleID string     `json:"vehicle_id"`
	From      time.Time  `json:"from"`
	Until     *time.Time `json:"until,omitempty"`
}

// Covers reports whether the assignment was active at the given moment.
func (a *DriverAssignment) Covers(at time.Time) bool {
	if at.Before(a.From) {
		return false
	}
	if a.Until != nil && at.After(*a.Until) {
		return false
	}
	return true
}

// Registry is the in-memory vehicle and driver-assignment lookup used for
// driver attribution. Plates are stored normalized.
type Registry struct {
	mu          sync.RWMutex
	byPlate     map[string]*Vehicle
	byID        map[string]*Vehicle
	assignments map[string][]*DriverAssignment
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byPlate:     make(map[string]*Vehicle),
		byID:        make(map[string]*Vehicle),
		assignments: make(map[string][]*DriverAssignment),
	}
}

// NormalizePlate uppercases a plate and strips spaces and dashes.
func NormalizePlate(plate string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(plate) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// AddVehicle registers a vehicle. The plate must be unique.
func (r *Registry) AddVehicle(v *Vehicle) error {
	plate := NormalizePlate(v.Plate)
	if plate == "" {
		return fmt.Errorf("vehicle %s has no plate", v.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byPlate[plate]; ok && existing.ID != v.ID {
		return fmt.Errorf("plate %s is already registered to vehicle %s", plate, existing.ID)
	}

	stored := *v
	stored.Plate = plate
	r.byPlate[plate] = &stored
	r.byID[stored.ID] = &stored
	return nil
}

// AssignDriver records a driver assignment interval for a vehicle.
func (r *Registry) AssignDriver(a *DriverAssignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[a.VehicleID]; !ok {
		return fmt.Errorf("unknown vehicle: %s", a.VehicleID)
	}

	stored := *a
	r.assignments[a.VehicleID] = append(r.assignments[a.VehicleID], &stored)
	return nil
}

// VehicleByPlate looks up a vehicle by plate, ignoring formatting.
func (r *Registry) VehicleByPlate(plate string) (*Vehicle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.byPlate[NormalizePlate(plate)]
	if !ok {
		return nil, false
	}
	cp := *v
	return &cp, true
}

// DriversAt returns the ids of the drivers assigned to a vehicle at the
// given moment. Anything other than exactly one element means attribution
// cannot be decided automatically.
func (r *Registry) DriversAt(vehicleID string, at time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var drivers []string
	for _, a := range r.assignments[vehicleID] {
		if a.Covers(at) {
			drivers = append(drivers, a.DriverID)
		}
	}
	return drivers
}
