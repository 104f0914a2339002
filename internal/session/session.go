package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"schoolbus-tracker/internal/tracking"
)

type Role string

const (
	RoleDriver  Role = "driver"
	RoleStudent Role = "student"
	RoleParent  Role = "parent"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleDriver, RoleStudent, RoleParent, RoleAdmin:
		return true
	}
	return false
}

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrNoDriverProfile = errors.New("no driver profile for user")
)

// Session is the authenticated actor of one request. Operations take it
// explicitly instead of reading ambient request state.
type Session struct {
	UserID     string   `json:"userId"`
	Role       Role     `json:"role"`
	DriverID   string   `json:"driverId,omitempty"`
	RouteID    string   `json:"routeId,omitempty"`
	StudentIDs []string `json:"studentIds,omitempty"`
}

// CanView reports whether the actor may read a student's transport status.
func (s Session) CanView(studentID string) bool {
	switch s.Role {
	case RoleAdmin:
		return true
	case RoleStudent, RoleParent:
		return slices.Contains(s.StudentIDs, studentID)
	}
	return false
}

type Claims struct {
	jwt.RegisteredClaims
	Role       string   `json:"role"`
	DriverID   string   `json:"driver_id,omitempty"`
	StudentIDs []string `json:"student_ids,omitempty"`
}

// Signer issues and verifies HS256 session tokens.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (s *Signer) Sign(sess Session) (string, error) {
	if sess.UserID == "" || !sess.Role.Valid() {
		return "", fmt.Errorf("%w: user and role are required", tracking.ErrInvalidInput)
	}
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Role:       string(sess.Role),
		DriverID:   sess.DriverID,
		StudentIDs: sess.StudentIDs,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Signer) Parse(token string) (Session, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sess := Session{
		UserID:     claims.Subject,
		Role:       Role(claims.Role),
		DriverID:   claims.DriverID,
		StudentIDs: claims.StudentIDs,
	}
	if sess.UserID == "" || !sess.Role.Valid() {
		return Session{}, fmt.Errorf("%w: missing subject or role", ErrInvalidToken)
	}
	return sess, nil
}

type Directory interface {
	DriverByUserID(ctx context.Context, userID string) (tracking.Driver, error)
	DriverAssignment(ctx context.Context, driverID string) (tracking.Assignment, error)
}

// Recover fills in the driver identity of a driver session. A token that
// carries no driver id is resolved through the user id; when that fails the
// session is rejected rather than continuing with an empty identifier.
func Recover(ctx context.Context, sess Session, dir Directory) (Session, error) {
	if sess.Role != RoleDriver {
		return sess, nil
	}
	if sess.DriverID == "" {
		d, err := dir.DriverByUserID(ctx, sess.UserID)
		if errors.Is(err, tracking.ErrNotFound) {
			return sess, ErrNoDriverProfile
		}
		if err != nil {
			return sess, fmt.Errorf("recover driver: %w", err)
		}
		sess.DriverID = d.ID
	}
	a, err := dir.DriverAssignment(ctx, sess.DriverID)
	switch {
	case err == nil:
		sess.RouteID = a.Route.ID
	case errors.Is(err, tracking.ErrNotFound):
	default:
		return sess, fmt.Errorf("recover route: %w", err)
	}
	return sess, nil
}

type ctxKey struct{}

func NewContext(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(Session)
	return s, ok
}
