package tracking

import "time"

type TripStatus string

const (
	TripNotStarted TripStatus = "NOT_STARTED"
	TripActive     TripStatus = "ACTIVE"
	TripCompleted  TripStatus = "COMPLETED"
)

type EventType string

const (
	Pickup EventType = "PICKUP"
	Drop   EventType = "DROP"
)

func (t EventType) Valid() bool { return t == Pickup || t == Drop }

// StudentStatus is the per-trip projection of a student's events.
type StudentStatus string

const (
	StudentNone      StudentStatus = "NONE"
	StudentOnBoard   StudentStatus = "ON_BOARD"
	StudentCompleted StudentStatus = "COMPLETED"
)

type Stop struct {
	ID       string  `json:"id"`
	RouteID  string  `json:"routeId"`
	Name     string  `json:"name"`
	Sequence int     `json:"sequence"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

type Route struct {
	ID      string `json:"id"`
	RouteNo string `json:"routeNo"`
	Name    string `json:"name"`
	Stops   []Stop `json:"stops,omitempty"`
}

type Vehicle struct {
	ID     string `json:"id"`
	Number string `json:"number"`
}

type Driver struct {
	ID     string `json:"id"`
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name"`
}

// Assignment binds a route to its current vehicle and driver. Vehicle and
// Driver are zero values when unassigned.
type Assignment struct {
	Route   Route   `json:"route"`
	Vehicle Vehicle `json:"vehicle"`
	Driver  Driver  `json:"driver"`
}

type Student struct {
	ID           string `json:"id"`
	AdmissionNo  string `json:"admissionNo"`
	Name         string `json:"name"`
	ClassName    string `json:"className,omitempty"`
	RouteID      string `json:"routeId,omitempty"`
	PickupStopID string `json:"pickupStopId,omitempty"`
	DropStopID   string `json:"dropStopId,omitempty"`
}

// Trip is one driver's run of a route on a service day (YYYY-MM-DD in the
// configured time zone).
type Trip struct {
	ID            string     `json:"id"`
	DriverID      string     `json:"driverId"`
	RouteID       string     `json:"routeId"`
	VehicleID     string     `json:"vehicleId,omitempty"`
	ServiceDate   string     `json:"serviceDate"`
	Status        TripStatus `json:"status"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	PickedCount   int        `json:"pickedCount"`
	DroppedCount  int        `json:"droppedCount"`
	TotalStudents int        `json:"totalStudents"`
}

// PositionKey identifies the live position slot of the trip's vehicle. Trips
// on routes without a vehicle fall back to a per-driver slot.
func (t Trip) PositionKey() string {
	if t.VehicleID != "" {
		return t.VehicleID
	}
	return "driver-" + t.DriverID
}

type AttendanceEvent struct {
	ID         string    `json:"id"`
	StudentID  string    `json:"studentId"`
	TripID     string    `json:"tripId"`
	RouteID    string    `json:"routeId"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	Lat        *float64  `json:"lat,omitempty"`
	Lng        *float64  `json:"lng,omitempty"`
	RecordedBy string    `json:"recordedBy"`
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (c Coordinates) Valid() bool {
	if c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180 {
		return false
	}
	// 0,0 is what broken receivers report
	return c.Lat != 0 || c.Lng != 0
}

// LocationSample is the last known position of a vehicle.
type LocationSample struct {
	VehicleID string    `json:"vehicleId"`
	DriverID  string    `json:"driverId,omitempty"`
	TripID    string    `json:"tripId,omitempty"`
	RouteID   string    `json:"routeId,omitempty"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
	SpeedMps  float64   `json:"speedMps"`
	Heading   float64   `json:"heading"`
}

func (s LocationSample) Coordinates() Coordinates { return Coordinates{Lat: s.Lat, Lng: s.Lng} }

// DaySummary aggregates a route's trips on one service day.
type DaySummary struct {
	Date      string     `json:"date"`
	Status    TripStatus `json:"status"`
	Pickups   int        `json:"pickups"`
	Drops     int        `json:"drops"`
	Total     int        `json:"total"`
	StartedAt time.Time  `json:"startedAt"`
}
