package attendance

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable failure category the client maps to
// retry-or-not guidance.
type Kind string

const (
	KindInvalidToken   Kind = "invalid_token"
	KindSessionEnded   Kind = "session_ended"
	KindExpiredToken   Kind = "expired_token"
	KindAlreadyMarked  Kind = "already_marked"
	KindNotEnrolled    Kind = "not_enrolled"
	KindOutOfRange     Kind = "out_of_range"
	KindClassroomBusy  Kind = "classroom_busy"
	KindSessionMissing Kind = "session_not_found"
	KindForbidden      Kind = "forbidden"
	KindLocationUnset  Kind = "location_not_configured"
)

// Error is an expected, user-facing rejection. Storage and other
// infrastructure failures are returned as plain errors, never wrapped
// into this type.
type Error struct {
	Kind    Kind
	Message string

	// DistanceM and RadiusM are populated on out_of_range rejections so
	// the client can tell the student how far off they are.
	DistanceM float64
	RadiusM   float64
}

func (e *Error) Error() string { return e.Message }

// Is matches errors by kind so sentinel comparisons like
// errors.Is(err, ErrAlreadyMarked) work for derived instances.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

var (
	ErrInvalidToken    = &Error{Kind: KindInvalidToken, Message: "invalid QR code"}
	ErrSessionEnded    = &Error{Kind: KindSessionEnded, Message: "attendance session is not active"}
	ErrExpiredToken    = &Error{Kind: KindExpiredToken, Message: "QR code has expired, scan the new code"}
	ErrAlreadyMarked   = &Error{Kind: KindAlreadyMarked, Message: "attendance already marked for this session"}
	ErrNotEnrolled     = &Error{Kind: KindNotEnrolled, Message: "not enrolled in this classroom"}
	ErrOutOfRange      = &Error{Kind: KindOutOfRange, Message: "too far from the classroom"}
	ErrClassroomBusy   = &Error{Kind: KindClassroomBusy, Message: "an active session already exists for this classroom"}
	ErrSessionNotFound = &Error{Kind: KindSessionMissing, Message: "session not found"}
	ErrNotSessionOwner = &Error{Kind: KindForbidden, Message: "session is owned by another teacher"}
	ErrLocationUnset   = &Error{Kind: KindLocationUnset, Message: "attendance location not configured for this classroom"}
)

func outOfRange(distanceM, radiusM float64) *Error {
	return &Error{
		Kind:      KindOutOfRange,
		Message:   fmt.Sprintf("too far from the classroom (%.0fm away, %.0fm allowed), move closer", distanceM, radiusM),
		DistanceM: distanceM,
		RadiusM:   radiusM,
	}
}
