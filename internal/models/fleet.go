package models

// Vehicle is a fleet vehicle.
type Vehicle struct {
	ID           string  `json:"id"`
	VIN          string  `json:"vin,omitempty"`
	Make         string  `json:"make,omitempty"`
	Model        string  `json:"model,omitempty"`
	Year         int     `json:"year,omitempty"`
	LicensePlate string  `json:"licensePlate,omitempty"`
	Status       string  `json:"status,omitempty"` // active, in_service, retired
	Mileage      float64 `json:"mileage,omitempty"`
	SyncControl
}

func (v Vehicle) EntityID() string { return v.ID }
func (Vehicle) Kind() EntityKind   { return KindVehicle }

// WorkOrder is a maintenance job against a vehicle.
type WorkOrder struct {
	ID          string `json:"id"`
	VehicleID   string `json:"vehicleId"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`   // open, in_progress, completed, cancelled
	Priority    string `json:"priority,omitempty"` // low, medium, high, critical
	AssignedTo  string `json:"assignedTo,omitempty"`
	DueDate     int64  `json:"dueDate,omitempty"`
	SyncControl
}

func (w WorkOrder) EntityID() string { return w.ID }
func (WorkOrder) Kind() EntityKind   { return KindWorkOrder }

// Inspection is a technician's checklist result for a vehicle.
type Inspection struct {
	ID          string          `json:"id"`
	VehicleID   string          `json:"vehicleId"`
	InspectorID string          `json:"inspectorId,omitempty"`
	Type        string          `json:"type,omitempty"` // pre_trip, post_trip, annual
	Passed      bool            `json:"passed"`
	Odometer    float64         `json:"odometer,omitempty"`
	Items       map[string]bool `json:"items,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	InspectedAt int64           `json:"inspectedAt,omitempty"`
	SyncControl
}

func (i Inspection) EntityID() string { return i.ID }
func (Inspection) Kind() EntityKind   { return KindInspection }

// DamageReport documents damage found on a vehicle.
type DamageReport struct {
	ID          string   `json:"id"`
	VehicleID   string   `json:"vehicleId"`
	ReportedBy  string   `json:"reportedBy,omitempty"`
	Severity    string   `json:"severity,omitempty"` // minor, moderate, severe
	Location    string   `json:"location,omitempty"` // body area, e.g. "front bumper"
	Description string   `json:"description,omitempty"`
	PhotoURLs   []string `json:"photoUrls,omitempty"`
	ReportedAt  int64    `json:"reportedAt,omitempty"`
	SyncControl
}

func (d DamageReport) EntityID() string { return d.ID }
func (DamageReport) Kind() EntityKind   { return KindDamageReport }
