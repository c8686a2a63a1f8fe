package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository persists attendance data in Postgres. It implements Store,
// LocationProvider and EnrollmentProvider; the classroom/floor/building
// and enrollment tables are owned by the campus CRUD layer and read-only
// here.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const sessionColumns = `id, classroom_id, teacher_id, subject_id, qr_token, token_issued_at, started_at, ended_at, is_active`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.ClassroomID, &s.TeacherID, &s.SubjectID, &s.CurrentToken,
		&s.TokenIssuedAt, &s.StartedAt, &s.EndedAt, &s.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// InsertSession writes a new session row.
func (r *Repository) InsertSession(ctx context.Context, s Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_sessions (id, classroom_id, teacher_id, subject_id, qr_token, token_issued_at, started_at, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, s.ID, s.ClassroomID, s.TeacherID, s.SubjectID, s.CurrentToken, s.TokenIssuedAt, s.StartedAt, s.IsActive)
	return err
}

// SessionByID returns a session or nil when absent.
func (r *Repository) SessionByID(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM attendance_sessions WHERE id = $1
	`, id)
	return scanSession(row)
}

// SessionByToken finds the session holding the given current token. Ended
// sessions match too so the verifier can report SessionEnded distinctly.
func (r *Repository) SessionByToken(ctx context.Context, tok string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM attendance_sessions WHERE qr_token = $1
	`, tok)
	return scanSession(row)
}

// ActiveSessionForClassroom returns the classroom's live session, if any.
func (r *Repository) ActiveSessionForClassroom(ctx context.Context, classroomID string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM attendance_sessions
		WHERE classroom_id = $1 AND is_active = TRUE
		ORDER BY started_at DESC
		LIMIT 1
	`, classroomID)
	return scanSession(row)
}

// ActiveSessionForTeacher returns the teacher's live session, if any.
func (r *Repository) ActiveSessionForTeacher(ctx context.Context, teacherID string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM attendance_sessions
		WHERE teacher_id = $1 AND is_active = TRUE
		ORDER BY started_at DESC
		LIMIT 1
	`, teacherID)
	return scanSession(row)
}

// RotateSessionToken swaps the current token iff the session is still
// active. The single-row conditional update serializes against concurrent
// check-in reads and a concurrent end.
func (r *Repository) RotateSessionToken(ctx context.Context, id, tok string, issuedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET qr_token = $2, token_issued_at = $3
		WHERE id = $1 AND is_active = TRUE
	`, id, tok, issuedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CloseSession marks the session ended. Closing a closed session changes
// nothing.
func (r *Repository) CloseSession(ctx context.Context, id string, endedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET is_active = FALSE, ended_at = COALESCE(ended_at, $2)
		WHERE id = $1
	`, id, endedAt)
	return err
}

// HasRecord reports whether the student already checked in to the session.
func (r *Repository) HasRecord(ctx context.Context, sessionID, studentID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM attendance_records WHERE session_id = $1 AND student_id = $2)
	`, sessionID, studentID).Scan(&exists)
	return exists, err
}

// InsertRecord writes an accepted check-in. The unique index on
// (session_id, student_id) makes the at-most-once guarantee hold under
// concurrency; a conflicting insert reports false instead of an error.
func (r *Repository) InsertRecord(ctx context.Context, rec Record) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, lat, lng, distance_m, marked_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, rec.ID, rec.SessionID, rec.StudentID, rec.Lat, rec.Lng, rec.DistanceM, rec.MarkedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListRecords returns the session's records ordered by marked time.
func (r *Repository) ListRecords(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, student_id, lat, lng, distance_m, marked_at
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY marked_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.Lat, &rec.Lng, &rec.DistanceM, &rec.MarkedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ClassroomLocation resolves the geofence registered on the classroom's
// floor plus display info for client confirmation.
func (r *Repository) ClassroomLocation(ctx context.Context, classroomID string) (Location, RoomInfo, error) {
	var (
		loc  Location
		room RoomInfo
		lat  sql.NullFloat64
		lng  sql.NullFloat64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT f.center_lat, f.center_lng, f.radius_m, c.room_number, f.floor_number, b.name
		FROM classrooms c
		JOIN floors f ON c.floor_id = f.id
		JOIN buildings b ON f.building_id = b.id
		WHERE c.id = $1
	`, classroomID).Scan(&lat, &lng, &loc.RadiusM, &room.RoomNumber, &room.FloorNumber, &room.Building)
	if err != nil {
		return Location{}, RoomInfo{}, err
	}
	if !lat.Valid || !lng.Valid || loc.RadiusM <= 0 {
		return Location{}, RoomInfo{}, ErrLocationUnset
	}
	loc.CenterLat = lat.Float64
	loc.CenterLng = lng.Float64
	return loc, room, nil
}

// IsEnrolled checks classroom membership.
func (r *Repository) IsEnrolled(ctx context.Context, classroomID, studentID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM student_classrooms WHERE student_id = $1 AND classroom_id = $2)
	`, studentID, classroomID).Scan(&exists)
	return exists, err
}

// HistoryEntry is a student-facing attendance record joined with where the
// session took place.
type HistoryEntry struct {
	Record
	SessionDate time.Time `json:"session_date"`
	RoomNumber  string    `json:"room_number"`
	FloorNumber int       `json:"floor_number"`
	Building    string    `json:"building"`
}

// StudentHistory returns the student's most recent check-ins, newest first.
func (r *Repository) StudentHistory(ctx context.Context, studentID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.session_id, a.student_id, a.lat, a.lng, a.distance_m, a.marked_at,
		       s.started_at, c.room_number, f.floor_number, b.name
		FROM attendance_records a
		JOIN attendance_sessions s ON a.session_id = s.id
		JOIN classrooms c ON s.classroom_id = c.id
		JOIN floors f ON c.floor_id = f.id
		JOIN buildings b ON f.building_id = b.id
		WHERE a.student_id = $1
		ORDER BY a.marked_at DESC
		LIMIT $2
	`, studentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.StudentID, &e.Lat, &e.Lng, &e.DistanceM, &e.MarkedAt,
			&e.SessionDate, &e.RoomNumber, &e.FloorNumber, &e.Building); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// SessionSummary is one row of a teacher's session history with its
// headcount.
type SessionSummary struct {
	Session
	RoomNumber   string `json:"room_number"`
	Building     string `json:"building"`
	StudentCount int    `json:"student_count"`
}

// TeacherSessions returns the teacher's past sessions, newest first.
func (r *Repository) TeacherSessions(ctx context.Context, teacherID string, limit int) ([]SessionSummary, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.classroom_id, s.teacher_id, s.subject_id, s.qr_token, s.token_issued_at,
		       s.started_at, s.ended_at, s.is_active,
		       c.room_number, b.name,
		       (SELECT COUNT(*) FROM attendance_records WHERE session_id = s.id)
		FROM attendance_sessions s
		JOIN classrooms c ON s.classroom_id = c.id
		JOIN floors f ON c.floor_id = f.id
		JOIN buildings b ON f.building_id = b.id
		WHERE s.teacher_id = $1
		ORDER BY s.started_at DESC
		LIMIT $2
	`, teacherID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		if err := rows.Scan(&sum.ID, &sum.ClassroomID, &sum.TeacherID, &sum.SubjectID, &sum.CurrentToken,
			&sum.TokenIssuedAt, &sum.StartedAt, &sum.EndedAt, &sum.IsActive,
			&sum.RoomNumber, &sum.Building, &sum.StudentCount); err != nil {
			return nil, err
		}
		res = append(res, sum)
	}
	return res, rows.Err()
}
