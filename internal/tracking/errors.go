package tracking

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflicting record exists")
	ErrInvalidInput = errors.New("invalid input")

	ErrNoRouteAssigned      = errors.New("no route assigned to driver")
	ErrRouteMismatch        = errors.New("route is not assigned to driver")
	ErrTripAlreadyActive    = errors.New("trip already active")
	ErrTripAlreadyCompleted = errors.New("trip already completed today")
	ErrNoActiveTrip         = errors.New("no active trip")
	ErrStudentsStillOnBoard = errors.New("students still on board")
	ErrAlreadyPickedUp      = errors.New("student already picked up")
	ErrPickupRequired       = errors.New("student must be picked up first")
	ErrAlreadyDropped       = errors.New("student already dropped")
	ErrStudentNotAssigned   = errors.New("student is not assigned to this route")
)

// OnBoardError lists the students that block a trip from completing.
type OnBoardError struct {
	StudentIDs []string
}

func (e *OnBoardError) Error() string {
	return fmt.Sprintf("%d student(s) still on board: %s", len(e.StudentIDs), strings.Join(e.StudentIDs, ", "))
}

func (e *OnBoardError) Unwrap() error { return ErrStudentsStillOnBoard }

// Precondition violations carry a stable code on the wire so clients can map
// them back to the sentinel.
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNoRouteAssigned, "NO_ROUTE_ASSIGNED"},
	{ErrRouteMismatch, "ROUTE_MISMATCH"},
	{ErrTripAlreadyActive, "TRIP_ALREADY_ACTIVE"},
	{ErrTripAlreadyCompleted, "TRIP_ALREADY_COMPLETED"},
	{ErrNoActiveTrip, "NO_ACTIVE_TRIP"},
	{ErrStudentsStillOnBoard, "STUDENTS_STILL_ON_BOARD"},
	{ErrAlreadyPickedUp, "ALREADY_PICKED_UP"},
	{ErrPickupRequired, "PICKUP_REQUIRED"},
	{ErrAlreadyDropped, "ALREADY_DROPPED"},
	{ErrStudentNotAssigned, "STUDENT_NOT_ASSIGNED"},
	{ErrInvalidInput, "VALIDATION_FAILED"},
	{ErrNotFound, "NOT_FOUND"},
}

// ErrorCode returns the wire code for err, or "" when err is not a known
// domain error.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return ""
}

// ErrorForCode is the inverse of ErrorCode.
func ErrorForCode(code string) error {
	for _, ec := range errorCodes {
		if ec.code == code {
			return ec.err
		}
	}
	return nil
}

// IsPrecondition reports whether err is a state-machine precondition
// violation rather than a fault.
func IsPrecondition(err error) bool {
	code := ErrorCode(err)
	return code != "" && code != "VALIDATION_FAILED" && code != "NOT_FOUND"
}
