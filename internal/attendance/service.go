package attendance

import (
	"context"
	"time"

	"github.com/google/uuid"

	"geoattend/internal/geo"
	"geoattend/internal/token"
)

// Store persists sessions and check-in records.
type Store interface {
	InsertSession(ctx context.Context, s Session) error
	SessionByID(ctx context.Context, id string) (*Session, error)
	SessionByToken(ctx context.Context, tok string) (*Session, error)
	ActiveSessionForClassroom(ctx context.Context, classroomID string) (*Session, error)
	ActiveSessionForTeacher(ctx context.Context, teacherID string) (*Session, error)
	// RotateSessionToken swaps the current token in a single conditional
	// update; it reports false when the session was no longer active.
	RotateSessionToken(ctx context.Context, id, tok string, issuedAt time.Time) (bool, error)
	CloseSession(ctx context.Context, id string, endedAt time.Time) error
	HasRecord(ctx context.Context, sessionID, studentID string) (bool, error)
	// InsertRecord reports false when the (session, student) pair already
	// holds a record, i.e. this insert lost a concurrent duplicate race.
	InsertRecord(ctx context.Context, rec Record) (bool, error)
	ListRecords(ctx context.Context, sessionID string) ([]Record, error)
}

// LocationProvider resolves a classroom to its registered geofence and
// display info. Owned by the facilities subsystem.
type LocationProvider interface {
	ClassroomLocation(ctx context.Context, classroomID string) (Location, RoomInfo, error)
}

// EnrollmentProvider answers whether a student is enrolled in a classroom.
// Owned by the classroom-assignment subsystem.
type EnrollmentProvider interface {
	IsEnrolled(ctx context.Context, classroomID, studentID string) (bool, error)
}

// Service owns the attendance session lifecycle and check-in verification.
type Service struct {
	store       Store
	locations   LocationProvider
	enrollment  EnrollmentProvider
	maxTokenAge time.Duration
	staleAfter  time.Duration
	nowFunc     func() time.Time // mockable
}

// NewService wires the state machine to its storage and external providers.
// maxTokenAge bounds how long an issued token stays acceptable; the client
// rotates every ~18s, so the default leaves headroom for clock skew.
func NewService(store Store, locations LocationProvider, enrollment EnrollmentProvider, maxTokenAge time.Duration) *Service {
	if maxTokenAge <= 0 {
		maxTokenAge = 25 * time.Second
	}
	return &Service{
		store:       store,
		locations:   locations,
		enrollment:  enrollment,
		maxTokenAge: maxTokenAge,
		staleAfter:  4 * time.Hour,
		nowFunc:     time.Now,
	}
}

// StartSession opens an attendance window for a classroom. If the classroom
// already has an active session, it is closed first when it is stale
// (started more than staleAfter ago) or owned by the same teacher
// (restart); otherwise the start is rejected with ErrClassroomBusy.
func (s *Service) StartSession(ctx context.Context, teacherID, classroomID string, subjectID *string) (Session, error) {
	now := s.nowFunc().UTC()

	existing, err := s.store.ActiveSessionForClassroom(ctx, classroomID)
	if err != nil {
		return Session{}, err
	}
	if existing != nil {
		stale := now.Sub(existing.StartedAt) > s.staleAfter
		if !stale && existing.TeacherID != teacherID {
			return Session{}, ErrClassroomBusy
		}
		if err := s.store.CloseSession(ctx, existing.ID, now); err != nil {
			return Session{}, err
		}
	}

	sess := Session{
		ID:            uuid.NewString(),
		ClassroomID:   classroomID,
		TeacherID:     teacherID,
		SubjectID:     subjectID,
		CurrentToken:  token.New(),
		TokenIssuedAt: now,
		StartedAt:     now,
		IsActive:      true,
	}
	if err := s.store.InsertSession(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// RotateToken replaces the session's current token. Only the owning teacher
// may rotate, and only while the session is active. Verification always
// compares against the stored current token, so a rotated-out token fails
// check-in immediately.
func (s *Service) RotateToken(ctx context.Context, teacherID, sessionID string) (string, time.Time, error) {
	sess, err := s.store.SessionByID(ctx, sessionID)
	if err != nil {
		return "", time.Time{}, err
	}
	if sess == nil {
		return "", time.Time{}, ErrSessionNotFound
	}
	if sess.TeacherID != teacherID {
		return "", time.Time{}, ErrNotSessionOwner
	}
	if !sess.IsActive {
		return "", time.Time{}, ErrSessionEnded
	}

	tok := token.New()
	issuedAt := s.nowFunc().UTC()
	rotated, err := s.store.RotateSessionToken(ctx, sessionID, tok, issuedAt)
	if err != nil {
		return "", time.Time{}, err
	}
	if !rotated {
		// Session was ended between the read and the update.
		return "", time.Time{}, ErrSessionEnded
	}
	return tok, issuedAt, nil
}

// EndSession closes the session. Idempotent: ending an already-ended
// session is a no-op.
func (s *Service) EndSession(ctx context.Context, teacherID, sessionID string) error {
	sess, err := s.store.SessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	if sess.TeacherID != teacherID {
		return ErrNotSessionOwner
	}
	if !sess.IsActive {
		return nil
	}
	return s.store.CloseSession(ctx, sessionID, s.nowFunc().UTC())
}

// ActiveSession returns the teacher's currently active session for client
// state restore after a reload. A stale session is lazily closed and
// reported as absent.
func (s *Service) ActiveSession(ctx context.Context, teacherID string) (*Session, error) {
	sess, err := s.store.ActiveSessionForTeacher(ctx, teacherID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}
	if s.nowFunc().UTC().Sub(sess.StartedAt) > s.staleAfter {
		if err := s.store.CloseSession(ctx, sess.ID, s.nowFunc().UTC()); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return sess, nil
}

// Attendance returns the session's accepted check-ins ordered by marked
// time ascending. Callers poll this for the live roster view.
func (s *Service) Attendance(ctx context.Context, sessionID string) ([]Record, error) {
	return s.store.ListRecords(ctx, sessionID)
}

// CheckIn verifies one student scan against the live session state and, on
// success, inserts exactly one attendance record. Every check runs
// server-side; the order is fixed and the first failing check wins.
func (s *Service) CheckIn(ctx context.Context, studentID, tok string, lat, lng float64) (Record, RoomInfo, error) {
	sess, err := s.store.SessionByToken(ctx, tok)
	if err != nil {
		return Record{}, RoomInfo{}, err
	}
	if sess == nil {
		return Record{}, RoomInfo{}, ErrInvalidToken
	}
	if !sess.IsActive {
		return Record{}, RoomInfo{}, ErrSessionEnded
	}

	now := s.nowFunc().UTC()
	if now.Sub(sess.TokenIssuedAt) > s.maxTokenAge {
		return Record{}, RoomInfo{}, ErrExpiredToken
	}

	marked, err := s.store.HasRecord(ctx, sess.ID, studentID)
	if err != nil {
		return Record{}, RoomInfo{}, err
	}
	if marked {
		return Record{}, RoomInfo{}, ErrAlreadyMarked
	}

	enrolled, err := s.enrollment.IsEnrolled(ctx, sess.ClassroomID, studentID)
	if err != nil {
		return Record{}, RoomInfo{}, err
	}
	if !enrolled {
		return Record{}, RoomInfo{}, ErrNotEnrolled
	}

	loc, room, err := s.locations.ClassroomLocation(ctx, sess.ClassroomID)
	if err != nil {
		return Record{}, RoomInfo{}, err
	}

	dist := geo.Distance(lat, lng, loc.CenterLat, loc.CenterLng)
	if dist > loc.RadiusM {
		return Record{}, RoomInfo{}, outOfRange(dist, loc.RadiusM)
	}

	rec := Record{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		StudentID: studentID,
		Lat:       lat,
		Lng:       lng,
		DistanceM: dist,
		MarkedAt:  now,
	}
	inserted, err := s.store.InsertRecord(ctx, rec)
	if err != nil {
		return Record{}, RoomInfo{}, err
	}
	if !inserted {
		// Lost a concurrent duplicate race; the unique index is the
		// authority, the HasRecord read above is only a fast path.
		return Record{}, RoomInfo{}, ErrAlreadyMarked
	}
	return rec, room, nil
}
