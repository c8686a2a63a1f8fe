package attendance

import "time"

// Session is one live or closed attendance window for a classroom.
// At most one session per classroom is active at a time.
type Session struct {
	ID            string     `json:"id"`
	ClassroomID   string     `json:"classroom_id"`
	TeacherID     string     `json:"teacher_id"`
	SubjectID     *string    `json:"subject_id,omitempty"`
	CurrentToken  string     `json:"-"`
	TokenIssuedAt time.Time  `json:"token_issued_at"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	IsActive      bool       `json:"is_active"`
}

// Record is one accepted student check-in. Records are append-only:
// never mutated, never deleted.
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	StudentID string    `json:"student_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	DistanceM float64   `json:"distance_m"`
	MarkedAt  time.Time `json:"marked_at"`
}

// Location is a classroom's registered geofence: center plus radius.
type Location struct {
	CenterLat float64
	CenterLng float64
	RadiusM   float64
}

// RoomInfo is display information returned to the student on a successful
// check-in so the client can confirm where attendance was marked.
type RoomInfo struct {
	RoomNumber  string `json:"room_number"`
	FloorNumber int    `json:"floor_number"`
	Building    string `json:"building"`
}
