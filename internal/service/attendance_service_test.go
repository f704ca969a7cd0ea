package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bsm/redislock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-enterprise-core/internal/models"
	appErrors "github.com/noah-isme/sma-enterprise-core/pkg/errors"
)

type attendanceRepoStub struct {
	mu        sync.Mutex
	records   map[string]models.AttendanceRecord
	saved     map[string]models.AttendanceRecord
	existsErr error
}

func (s *attendanceRepoStub) snapshot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = make(map[string]models.AttendanceRecord, len(s.records))
	for k, v := range s.records {
		s.saved[k] = v
	}
}

func (s *attendanceRepoStub) restore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = s.saved
}

func (s *attendanceRepoStub) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existsErr != nil {
		return false, s.existsErr
	}
	_, ok := s.records[id]
	return ok, nil
}

func (s *attendanceRepoStub) InsertIfAbsent(ctx context.Context, exec sqlx.ExtContext, record *models.AttendanceRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.ID]; ok {
		return false, nil
	}
	s.records[record.ID] = *record
	return true, nil
}

func (s *attendanceRepoStub) FindByID(ctx context.Context, id string) (*models.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &record, nil
}

type rosterStub struct {
	classes  map[string][]models.RosterMember
	teaching []models.RosterMember
	support  []models.RosterMember
	calls    []string
	mu       sync.Mutex
}

func (r *rosterStub) ListClassRoster(ctx context.Context, classID, sectionID string) ([]models.RosterMember, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "class:"+classID+"/"+sectionID)
	return r.classes[classID+"/"+sectionID], nil
}

func (r *rosterStub) ListStaffRoster(ctx context.Context, kind models.StaffKind, activeOnly bool) ([]models.RosterMember, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if activeOnly {
		r.calls = append(r.calls, "staff:"+string(kind)+":active")
	} else {
		r.calls = append(r.calls, "staff:"+string(kind)+":all")
	}
	if kind == models.StaffKindTeaching {
		return r.teaching, nil
	}
	return r.support, nil
}

type notificationStub struct {
	created []models.Notification
	err     error
}

func (n *notificationStub) CreateBatch(ctx context.Context, exec sqlx.ExtContext, notifications []models.Notification) error {
	if n.err != nil {
		return n.err
	}
	n.created = append(n.created, notifications...)
	return nil
}

type lockerStub struct {
	mu       sync.Mutex
	err      error
	keys     []string
	released int
}

func (l *lockerStub) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	if l.err != nil {
		return nil, l.err
	}
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.released++
		return nil
	}, nil
}

type attendanceMetricsStub struct {
	mu       sync.Mutex
	outcomes []string
}

func (m *attendanceMetricsStub) RecordAttendanceMark(cohort models.CohortKind, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, string(cohort)+":"+outcome)
}

type attendanceFixture struct {
	svc           *AttendanceService
	repo          *attendanceRepoStub
	roster        *rosterStub
	notifications *notificationStub
	locker        *lockerStub
	metrics       *attendanceMetricsStub
	audit         *auditRepoStub
}

var classTeacher = models.Actor{UserID: "teacher-1", Role: models.RoleTeacher}

func newAttendanceFixture() *attendanceFixture {
	repo := &attendanceRepoStub{records: map[string]models.AttendanceRecord{}}
	roster := &rosterStub{
		classes: map[string][]models.RosterMember{
			"class-5/A": {{ID: "STU00001", Name: "Asha"}, {ID: "STU00002", Name: "Bilal"}, {ID: "STU00003", Name: "Chen"}},
		},
		teaching: []models.RosterMember{{ID: "T1"}, {ID: "T2"}},
		support:  []models.RosterMember{{ID: "S1"}, {ID: "S2"}, {ID: "S3"}},
	}
	notifications := &notificationStub{}
	locker := &lockerStub{}
	metrics := &attendanceMetricsStub{}
	audit := &auditRepoStub{}
	tx := &txRunnerStub{}
	tx.begin = repo.snapshot
	tx.rollback = repo.restore

	auditSvc := NewAuditService(audit, nil)
	auditSvc.now = fixedClock(ledgerClock)
	svc := NewAttendanceService(repo, roster, notifications, locker, tx, auditSvc, metrics, AttendanceWindow{
		OpenHour:  7,
		CloseHour: 16,
		Location:  time.UTC,
	}, nil, nil)
	svc.now = fixedClock(ledgerClock)
	return &attendanceFixture{svc: svc, repo: repo, roster: roster, notifications: notifications, locker: locker, metrics: metrics, audit: audit}
}

func classRequest() MarkClassAttendanceRequest {
	return MarkClassAttendanceRequest{
		Date:      "2024-06-03",
		ClassID:   "class-5",
		SectionID: "A",
		Records: map[string]models.AttendanceMark{
			"STU00001": models.AttendancePresent,
			"STU00002": models.AttendanceAbsent,
			"STU00003": models.AttendancePresent,
		},
	}
}

func TestMarkClassAttendanceRecordsOnce(t *testing.T) {
	f := newAttendanceFixture()

	res, err := f.svc.MarkClassAttendance(context.Background(), classRequest(), classTeacher)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "2024-06-03_class-5_A", res.ID)
	assert.Equal(t, models.AttendanceStats{Present: 2, Absent: 1, Total: 3}, res.Stats)

	stored := f.repo.records["2024-06-03_class-5_A"]
	assert.Equal(t, models.CohortClass, stored.CohortKind)
	require.NotNil(t, stored.ClassID)
	assert.Equal(t, "class-5", *stored.ClassID)
	assert.False(t, stored.IsModified)
	assert.Equal(t, "teacher-1", stored.MarkedBy)

	require.Len(t, f.audit.logs, 1)
	assert.Equal(t, models.AuditActionAttendanceMark, f.audit.logs[0].Action)
	assert.Len(t, f.notifications.created, 3)
	for _, n := range f.notifications.created {
		assert.Equal(t, "2024-06-03_class-5_A", n.ReferenceID)
	}
	assert.Equal(t, []string{"lock:attendance:2024-06-03_class-5_A"}, f.locker.keys)
	assert.Equal(t, 1, f.locker.released)
	assert.Equal(t, []string{"CLASS:marked"}, f.metrics.outcomes)

	_, err = f.svc.MarkClassAttendance(context.Background(), classRequest(), classTeacher)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrReadOnly.Code))
	assert.Len(t, f.audit.logs, 1)
	assert.Len(t, f.notifications.created, 3)
}

func TestMarkAttendanceDropsUnknownPeople(t *testing.T) {
	f := newAttendanceFixture()
	req := classRequest()
	req.Records["INTRUDER"] = models.AttendancePresent
	req.Records["STU09999"] = models.AttendanceAbsent

	res, err := f.svc.MarkClassAttendance(context.Background(), req, classTeacher)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Stats.Total)

	stored := f.repo.records[res.ID]
	assert.NotContains(t, stored.Records, "INTRUDER")
	assert.NotContains(t, stored.Records, "STU09999")
	assert.Len(t, f.notifications.created, 3)
}

func TestMarkAttendanceDropsGarbageMarksOfUnknownPeople(t *testing.T) {
	f := newAttendanceFixture()
	req := classRequest()
	req.Records["STU09999"] = "X"
	req.Records[""] = "??"

	res, err := f.svc.MarkClassAttendance(context.Background(), req, classTeacher)
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceStats{Present: 2, Absent: 1, Total: 3}, res.Stats)

	stored := f.repo.records[res.ID]
	assert.Len(t, stored.Records, 3)
	assert.NotContains(t, stored.Records, "STU09999")
	assert.Equal(t, []string{"CLASS:marked"}, f.metrics.outcomes)
}

func TestMarkAttendanceOutsideWindow(t *testing.T) {
	f := newAttendanceFixture()
	f.svc.now = fixedClock(time.Date(2024, time.June, 3, 17, 0, 0, 0, time.UTC))

	_, err := f.svc.MarkTeacherAttendance(context.Background(), MarkAttendanceRequest{
		Date: "2024-06-03", Records: map[string]models.AttendanceMark{"T1": models.AttendancePresent},
	}, classTeacher)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrBusinessRule.Code))
	assert.Empty(t, f.repo.records)
	assert.Empty(t, f.roster.calls)
	assert.Equal(t, []string{"TEACHERS:outside_window"}, f.metrics.outcomes)
}

func TestMarkAttendanceOutsideWindowIgnoresPayload(t *testing.T) {
	f := newAttendanceFixture()
	f.svc.now = fixedClock(time.Date(2024, time.June, 3, 17, 0, 0, 0, time.UTC))

	req := classRequest()
	req.Date = ""
	req.Records["STU00001"] = "X"
	_, err := f.svc.MarkClassAttendance(context.Background(), req, classTeacher)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrBusinessRule.Code))
	assert.False(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))
	assert.Equal(t, []string{"CLASS:outside_window"}, f.metrics.outcomes)
}

func TestMarkAttendanceWindowIsInclusive(t *testing.T) {
	for _, hour := range []int{7, 16} {
		f := newAttendanceFixture()
		f.svc.now = fixedClock(time.Date(2024, time.June, 3, hour, 59, 0, 0, time.UTC))
		_, err := f.svc.MarkClassAttendance(context.Background(), classRequest(), classTeacher)
		assert.NoError(t, err, "hour %d", hour)
	}
}

func TestMarkAttendanceWindowUsesConfiguredZone(t *testing.T) {
	f := newAttendanceFixture()
	f.svc.window.Location = time.FixedZone("IST", 5*3600+1800)
	// 02:00 UTC is 07:30 in a +05:30 zone
	f.svc.now = fixedClock(time.Date(2024, time.June, 3, 2, 0, 0, 0, time.UTC))

	_, err := f.svc.MarkClassAttendance(context.Background(), classRequest(), classTeacher)
	assert.NoError(t, err)
}

func TestMarkAttendanceRejectsInvalidMarks(t *testing.T) {
	f := newAttendanceFixture()
	req := classRequest()
	req.Records["STU00001"] = "L"

	_, err := f.svc.MarkClassAttendance(context.Background(), req, classTeacher)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))
	assert.Contains(t, err.Error(), "STU00001")

	req = classRequest()
	req.Date = "03/06/2024"
	_, err = f.svc.MarkClassAttendance(context.Background(), req, classTeacher)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))
	assert.Empty(t, f.repo.records)
}

func TestMarkTeacherAndStaffRosters(t *testing.T) {
	f := newAttendanceFixture()

	teachers, err := f.svc.MarkTeacherAttendance(context.Background(), MarkAttendanceRequest{
		Date: "2024-06-03", Records: map[string]models.AttendanceMark{"T1": models.AttendancePresent, "S1": models.AttendancePresent},
	}, classTeacher)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-03_teachers", teachers.ID)
	assert.Equal(t, 1, teachers.Stats.Total)

	staff, err := f.svc.MarkStaffAttendance(context.Background(), MarkAttendanceRequest{
		Date: "2024-06-03", Records: map[string]models.AttendanceMark{"S1": models.AttendancePresent, "S2": models.AttendanceAbsent},
	}, admin)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-03_staff", staff.ID)
	assert.Equal(t, models.AttendanceStats{Present: 1, Absent: 1, Total: 2}, staff.Stats)

	assert.ElementsMatch(t, []string{"staff:TEACHING:active", "staff:SUPPORT:all"}, f.roster.calls)
	require.Len(t, f.audit.logs, 2)
	assert.Equal(t, models.AuditActionTeacherAttendanceMark, f.audit.logs[0].Action)
	assert.Equal(t, models.AuditActionStaffAttendanceMark, f.audit.logs[1].Action)
}

func TestMarkAttendanceProceedsWithoutLock(t *testing.T) {
	f := newAttendanceFixture()
	f.locker.err = redislock.ErrNotObtained

	_, err := f.svc.MarkClassAttendance(context.Background(), classRequest(), classTeacher)
	require.NoError(t, err)
	assert.Zero(t, f.locker.released)
	assert.Len(t, f.repo.records, 1)
}

func TestMarkAttendanceIsAllOrNothing(t *testing.T) {
	f := newAttendanceFixture()
	f.notifications.err = errors.New("notification table locked")

	_, err := f.svc.MarkClassAttendance(context.Background(), classRequest(), classTeacher)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInternal.Code))
	assert.Empty(t, f.repo.records)
	assert.Equal(t, []string{"CLASS:error"}, f.metrics.outcomes)
}

func TestMarkAttendancePrepareFailure(t *testing.T) {
	f := newAttendanceFixture()
	f.repo.existsErr = errors.New("db down")

	_, err := f.svc.MarkClassAttendance(context.Background(), classRequest(), classTeacher)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInternal.Code))
}

func TestConcurrentMarkingHasSingleWinner(t *testing.T) {
	f := newAttendanceFixture()

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		readOnly int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.MarkClassAttendance(context.Background(), classRequest(), classTeacher)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case appErrors.HasCode(err, appErrors.ErrReadOnly.Code):
				readOnly++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, readOnly)
	assert.Len(t, f.audit.logs, 1)
	assert.Len(t, f.notifications.created, 3)
}

func TestGetAttendance(t *testing.T) {
	f := newAttendanceFixture()
	res, err := f.svc.MarkClassAttendance(context.Background(), classRequest(), classTeacher)
	require.NoError(t, err)

	record, err := f.svc.GetAttendance(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, record.Total)

	_, err = f.svc.GetAttendance(context.Background(), AttendanceID("2024-06-04", "teachers"))
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound.Code))
}
