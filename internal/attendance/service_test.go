package attendance

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeStore is an in-memory Store for exercising the state machine without
// Postgres. The mutex mirrors the serialization the real single-row updates
// provide.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	records  map[string]Record // keyed session|student
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*Session),
		records:  make(map[string]Record),
	}
}

func (f *fakeStore) InsertSession(_ context.Context, s Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeStore) SessionByID(_ context.Context, id string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStore) SessionByToken(_ context.Context, tok string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.CurrentToken == tok {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ActiveSessionForClassroom(_ context.Context, classroomID string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.ClassroomID == classroomID && s.IsActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ActiveSessionForTeacher(_ context.Context, teacherID string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.TeacherID == teacherID && s.IsActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) RotateSessionToken(_ context.Context, id, tok string, issuedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || !s.IsActive {
		return false, nil
	}
	s.CurrentToken = tok
	s.TokenIssuedAt = issuedAt
	return true, nil
}

func (f *fakeStore) CloseSession(_ context.Context, id string, endedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok && s.IsActive {
		s.IsActive = false
		s.EndedAt = &endedAt
	}
	return nil
}

func (f *fakeStore) HasRecord(_ context.Context, sessionID, studentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[sessionID+"|"+studentID]
	return ok, nil
}

func (f *fakeStore) InsertRecord(_ context.Context, rec Record) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := rec.SessionID + "|" + rec.StudentID
	if _, dup := f.records[key]; dup {
		return false, nil
	}
	f.records[key] = rec
	return true, nil
}

func (f *fakeStore) ListRecords(_ context.Context, sessionID string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []Record
	for _, rec := range f.records {
		if rec.SessionID == sessionID {
			res = append(res, rec)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].MarkedAt.Before(res[j].MarkedAt) })
	return res, nil
}

type fakeCampus struct {
	loc      Location
	room     RoomInfo
	enrolled map[string]bool // studentID -> enrolled
}

func (f *fakeCampus) ClassroomLocation(_ context.Context, _ string) (Location, RoomInfo, error) {
	return f.loc, f.room, nil
}

func (f *fakeCampus) IsEnrolled(_ context.Context, _, studentID string) (bool, error) {
	return f.enrolled[studentID], nil
}

// Classroom center in Mumbai, 100m radius, matching the campus test data.
func newTestService(t *testing.T) (*Service, *fakeStore, *fakeCampus) {
	t.Helper()
	store := newFakeStore()
	campus := &fakeCampus{
		loc:      Location{CenterLat: 19.0760, CenterLng: 72.8777, RadiusM: 100},
		room:     RoomInfo{RoomNumber: "204", FloorNumber: 2, Building: "Main Block"},
		enrolled: map[string]bool{"stu-1": true, "stu-2": true},
	}
	svc := NewService(store, campus, campus, 25*time.Second)
	return svc, store, campus
}

func TestStartSessionLifecycle(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.StartSession(ctx, "teach-1", "room-1", nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if !sess.IsActive {
		t.Error("new session should be active")
	}
	if sess.CurrentToken == "" {
		t.Error("new session should carry an initial token")
	}
	if sess.TokenIssuedAt.IsZero() || sess.StartedAt.IsZero() {
		t.Error("timestamps should be set")
	}

	if err := svc.EndSession(ctx, "teach-1", sess.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	got, _ := svc.ActiveSession(ctx, "teach-1")
	if got != nil {
		t.Error("no active session expected after end")
	}
	// Idempotent: a second end is a no-op.
	if err := svc.EndSession(ctx, "teach-1", sess.ID); err != nil {
		t.Fatalf("second EndSession: %v", err)
	}
}

func TestStartSessionClassroomBusy(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.StartSession(ctx, "teach-1", "room-1", nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	// Another teacher cannot take over a fresh session.
	if _, err := svc.StartSession(ctx, "teach-2", "room-1", nil); !errors.Is(err, ErrClassroomBusy) {
		t.Fatalf("expected ErrClassroomBusy, got %v", err)
	}

	// The owner restarting closes the prior session.
	second, err := svc.StartSession(ctx, "teach-1", "room-1", nil)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if second.ID == first.ID {
		t.Error("restart should create a new session")
	}
	prior, _ := svc.store.SessionByID(ctx, first.ID)
	if prior.IsActive {
		t.Error("prior session should be closed by restart")
	}
}

func TestStartSessionClosesStaleSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	stale, err := svc.StartSession(ctx, "teach-1", "room-1", nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	// 5 hours later a different teacher may claim the classroom.
	svc.nowFunc = func() time.Time { return time.Now().Add(5 * time.Hour) }
	if _, err := svc.StartSession(ctx, "teach-2", "room-1", nil); err != nil {
		t.Fatalf("start over stale session: %v", err)
	}
	prior, _ := svc.store.SessionByID(ctx, stale.ID)
	if prior.IsActive {
		t.Error("stale session should have been closed")
	}
}

func TestRotateToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, _ := svc.StartSession(ctx, "teach-1", "room-1", nil)
	oldToken := sess.CurrentToken
	oldIssued := sess.TokenIssuedAt

	svc.nowFunc = func() time.Time { return time.Now().Add(18 * time.Second) }
	tok, issuedAt, err := svc.RotateToken(ctx, "teach-1", sess.ID)
	if err != nil {
		t.Fatalf("RotateToken: %v", err)
	}
	if tok == oldToken {
		t.Error("rotation should produce a fresh token")
	}
	if !issuedAt.After(oldIssued) {
		t.Error("tokenIssuedAt should advance on rotation")
	}

	// The rotated-out token no longer resolves to any session.
	if _, _, err := svc.CheckIn(ctx, "stu-1", oldToken, 19.0760, 72.8777); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("stale token check-in: expected ErrInvalidToken, got %v", err)
	}

	// Only the owner may rotate.
	if _, _, err := svc.RotateToken(ctx, "teach-2", sess.ID); !errors.Is(err, ErrNotSessionOwner) {
		t.Fatalf("expected ErrNotSessionOwner, got %v", err)
	}

	// Rotation on an ended session is refused.
	_ = svc.EndSession(ctx, "teach-1", sess.ID)
	if _, _, err := svc.RotateToken(ctx, "teach-1", sess.ID); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
}

func TestCheckInSuccessAtCenter(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, _ := svc.StartSession(ctx, "teach-1", "room-1", nil)
	rec, room, err := svc.CheckIn(ctx, "stu-1", sess.CurrentToken, 19.0760, 72.8777)
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if rec.DistanceM > 0.001 {
		t.Errorf("distance at center = %v, want ~0", rec.DistanceM)
	}
	if room.RoomNumber != "204" || room.Building != "Main Block" {
		t.Errorf("unexpected room info %+v", room)
	}

	records, _ := svc.Attendance(ctx, sess.ID)
	if len(records) != 1 || records[0].StudentID != "stu-1" {
		t.Fatalf("expected one record for stu-1, got %+v", records)
	}
}

func TestCheckInOutOfRange(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, _ := svc.StartSession(ctx, "teach-1", "room-1", nil)
	// ~1km north of the classroom.
	_, _, err := svc.CheckIn(ctx, "stu-1", sess.CurrentToken, 19.0850, 72.8777)
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	var domErr *Error
	if !errors.As(err, &domErr) {
		t.Fatal("expected a typed attendance error")
	}
	if domErr.DistanceM < 900 || domErr.DistanceM > 1100 {
		t.Errorf("reported distance %v, want ~1000m", domErr.DistanceM)
	}
	if domErr.RadiusM != 100 {
		t.Errorf("reported radius %v, want 100", domErr.RadiusM)
	}

	// The rejection must leave no record behind.
	records, _ := svc.Attendance(ctx, sess.ID)
	if len(records) != 0 {
		t.Errorf("failed check-in must not create records, got %d", len(records))
	}
}

func TestCheckInExpiredToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, _ := svc.StartSession(ctx, "teach-1", "room-1", nil)
	svc.nowFunc = func() time.Time { return time.Now().Add(time.Minute) }
	_, _, err := svc.CheckIn(ctx, "stu-1", sess.CurrentToken, 19.0760, 72.8777)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestCheckInDuplicate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, _ := svc.StartSession(ctx, "teach-1", "room-1", nil)
	if _, _, err := svc.CheckIn(ctx, "stu-1", sess.CurrentToken, 19.0760, 72.8777); err != nil {
		t.Fatalf("first CheckIn: %v", err)
	}
	if _, _, err := svc.CheckIn(ctx, "stu-1", sess.CurrentToken, 19.0760, 72.8777); !errors.Is(err, ErrAlreadyMarked) {
		t.Fatalf("expected ErrAlreadyMarked, got %v", err)
	}
	records, _ := svc.Attendance(ctx, sess.ID)
	if len(records) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(records))
	}
}

func TestCheckInNotEnrolled(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, _ := svc.StartSession(ctx, "teach-1", "room-1", nil)
	_, _, err := svc.CheckIn(ctx, "stranger", sess.CurrentToken, 19.0760, 72.8777)
	if !errors.Is(err, ErrNotEnrolled) {
		t.Fatalf("expected ErrNotEnrolled, got %v", err)
	}
}

func TestCheckInAfterSessionEnded(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, _ := svc.StartSession(ctx, "teach-1", "room-1", nil)
	_ = svc.EndSession(ctx, "teach-1", sess.ID)

	// The last-issued token still resolves to the session, so the rejection
	// is SessionEnded rather than InvalidToken.
	_, _, err := svc.CheckIn(ctx, "stu-1", sess.CurrentToken, 19.0760, 72.8777)
	if !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
}

func TestCheckInUnknownToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, _, err := svc.CheckIn(context.Background(), "stu-1", "no-such-token", 19.0760, 72.8777)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestCheckInOrderByMarkedAt(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, _ := svc.StartSession(ctx, "teach-1", "room-1", nil)
	base := time.Now()
	svc.nowFunc = func() time.Time { return base.Add(2 * time.Second) }
	if _, _, err := svc.CheckIn(ctx, "stu-2", sess.CurrentToken, 19.0760, 72.8777); err != nil {
		t.Fatalf("CheckIn stu-2: %v", err)
	}
	svc.nowFunc = func() time.Time { return base.Add(4 * time.Second) }
	if _, _, err := svc.CheckIn(ctx, "stu-1", sess.CurrentToken, 19.0760, 72.8777); err != nil {
		t.Fatalf("CheckIn stu-1: %v", err)
	}

	records, _ := svc.Attendance(ctx, sess.ID)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].StudentID != "stu-2" || records[1].StudentID != "stu-1" {
		t.Errorf("records not ordered by marked time: %+v", records)
	}
}

func TestConcurrentDuplicateCheckIns(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	sess, _ := svc.StartSession(ctx, "teach-1", "room-1", nil)

	var wg sync.WaitGroup
	successes := make(chan struct{}, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := svc.CheckIn(ctx, "stu-1", sess.CurrentToken, 19.0760, 72.8777); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	var n int
	for range successes {
		n++
	}
	if n != 1 {
		t.Errorf("exactly one concurrent check-in should succeed, got %d", n)
	}
	records, _ := store.ListRecords(ctx, sess.ID)
	if len(records) != 1 {
		t.Errorf("exactly one record expected, got %d", len(records))
	}
}

func TestActiveSessionClosesStale(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, _ := svc.StartSession(ctx, "teach-1", "room-1", nil)
	svc.nowFunc = func() time.Time { return time.Now().Add(5 * time.Hour) }
	got, err := svc.ActiveSession(ctx, "teach-1")
	if err != nil {
		t.Fatalf("ActiveSession: %v", err)
	}
	if got != nil {
		t.Error("stale session should be reported as absent")
	}
	closed, _ := svc.store.SessionByID(ctx, sess.ID)
	if closed.IsActive {
		t.Error("stale session should have been closed on read")
	}
}
