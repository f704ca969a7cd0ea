package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/sma-enterprise-core/internal/models"
	appErrors "github.com/noah-isme/sma-enterprise-core/pkg/errors"
)

// Attendance mark outcomes reported to metrics.
const (
	AttendanceOutcomeMarked        = "marked"
	AttendanceOutcomeReadOnly      = "read_only"
	AttendanceOutcomeOutsideWindow = "outside_window"
	AttendanceOutcomeInvalid       = "invalid"
	AttendanceOutcomeError         = "error"
)

type attendanceRepository interface {
	Exists(ctx context.Context, id string) (bool, error)
	InsertIfAbsent(ctx context.Context, exec sqlx.ExtContext, record *models.AttendanceRecord) (bool, error)
	FindByID(ctx context.Context, id string) (*models.AttendanceRecord, error)
}

type rosterRepository interface {
	ListClassRoster(ctx context.Context, classID, sectionID string) ([]models.RosterMember, error)
	ListStaffRoster(ctx context.Context, kind models.StaffKind, activeOnly bool) ([]models.RosterMember, error)
}

type notificationWriter interface {
	CreateBatch(ctx context.Context, exec sqlx.ExtContext, notifications []models.Notification) error
}

type cohortLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

type attendanceRecorder interface {
	RecordAttendanceMark(cohort models.CohortKind, outcome string)
}

// AttendanceWindow bounds the hours, inclusive, during which attendance may be marked.
type AttendanceWindow struct {
	OpenHour  int
	CloseHour int
	Location  *time.Location
	LockTTL   time.Duration
}

// MarkAttendanceRequest carries the marks for a staff cohort.
type MarkAttendanceRequest struct {
	Date    string                           `json:"date" validate:"required,datetime=2006-01-02"`
	Records map[string]models.AttendanceMark `json:"records" validate:"required"`
}

// MarkClassAttendanceRequest carries the marks for one class section.
type MarkClassAttendanceRequest struct {
	Date      string                           `json:"date" validate:"required,datetime=2006-01-02"`
	ClassID   string                           `json:"class_id" validate:"required"`
	SectionID string                           `json:"section_id" validate:"required"`
	Records   map[string]models.AttendanceMark `json:"records" validate:"required"`
}

// MarkAttendanceResult is returned once a cohort has been recorded.
type MarkAttendanceResult struct {
	Success bool                   `json:"success"`
	ID      string                 `json:"id"`
	Stats   models.AttendanceStats `json:"stats"`
}

type attendanceCohort struct {
	kind      models.CohortKind
	key       string
	classID   string
	sectionID string
	action    models.AuditAction
}

// AttendanceID derives the record key for a date and cohort key.
func AttendanceID(date, cohortKey string) string {
	return date + "_" + cohortKey
}

// AttendanceService records one read-only attendance document per date and cohort.
type AttendanceService struct {
	repo          attendanceRepository
	roster        rosterRepository
	notifications notificationWriter
	locker        cohortLocker
	tx            txRunner
	audit         auditLogger
	metrics       attendanceRecorder
	window        AttendanceWindow
	validator     *validator.Validate
	logger        *zap.Logger
	now           func() time.Time
}

// NewAttendanceService constructs the attendance service.
func NewAttendanceService(
	repo attendanceRepository,
	roster rosterRepository,
	notifications notificationWriter,
	locker cohortLocker,
	tx txRunner,
	audit auditLogger,
	metrics attendanceRecorder,
	window AttendanceWindow,
	validate *validator.Validate,
	logger *zap.Logger,
) *AttendanceService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if window.Location == nil {
		window.Location = time.UTC
	}
	if window.LockTTL <= 0 {
		window.LockTTL = 10 * time.Second
	}
	return &AttendanceService{
		repo:          repo,
		roster:        roster,
		notifications: notifications,
		locker:        locker,
		tx:            tx,
		audit:         audit,
		metrics:       metrics,
		window:        window,
		validator:     validate,
		logger:        logger,
		now:           time.Now,
	}
}

// MarkClassAttendance records the class section's attendance for a date.
func (s *AttendanceService) MarkClassAttendance(ctx context.Context, req MarkClassAttendanceRequest, actor models.Actor) (*MarkAttendanceResult, error) {
	cohort := attendanceCohort{
		kind:      models.CohortClass,
		key:       req.ClassID + "_" + req.SectionID,
		classID:   req.ClassID,
		sectionID: req.SectionID,
		action:    models.AuditActionAttendanceMark,
	}
	return s.mark(ctx, cohort, req, req.Date, req.Records, actor)
}

// MarkTeacherAttendance records attendance of active teaching staff.
func (s *AttendanceService) MarkTeacherAttendance(ctx context.Context, req MarkAttendanceRequest, actor models.Actor) (*MarkAttendanceResult, error) {
	cohort := attendanceCohort{kind: models.CohortTeachers, key: "teachers", action: models.AuditActionTeacherAttendanceMark}
	return s.mark(ctx, cohort, req, req.Date, req.Records, actor)
}

// MarkStaffAttendance records attendance of support staff.
func (s *AttendanceService) MarkStaffAttendance(ctx context.Context, req MarkAttendanceRequest, actor models.Actor) (*MarkAttendanceResult, error) {
	cohort := attendanceCohort{kind: models.CohortStaff, key: "staff", action: models.AuditActionStaffAttendanceMark}
	return s.mark(ctx, cohort, req, req.Date, req.Records, actor)
}

// GetAttendance returns a stored attendance record by its key.
func (s *AttendanceService) GetAttendance(ctx context.Context, id string) (*models.AttendanceRecord, error) {
	record, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "attendance record not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attendance")
	}
	return record, nil
}

func (s *AttendanceService) mark(ctx context.Context, cohort attendanceCohort, payload interface{}, date string, marks map[string]models.AttendanceMark, actor models.Actor) (*MarkAttendanceResult, error) {
	now := s.now()
	if hour := now.In(s.window.Location).Hour(); hour < s.window.OpenHour || hour > s.window.CloseHour {
		s.record(cohort.kind, AttendanceOutcomeOutsideWindow)
		return nil, appErrors.Clone(appErrors.ErrBusinessRule,
			fmt.Sprintf("attendance can only be marked between %02d:00 and %02d:59", s.window.OpenHour, s.window.CloseHour))
	}

	if err := s.validator.Struct(payload); err != nil {
		s.record(cohort.kind, AttendanceOutcomeInvalid)
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid attendance payload")
	}

	id := AttendanceID(date, cohort.key)
	logger := s.logger.With(zap.String("attendance_id", id), zap.String("cohort", string(cohort.kind)))

	release := s.lockCohort(ctx, id, logger)
	defer release()

	var (
		exists bool
		roster []models.RosterMember
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		exists, err = s.repo.Exists(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		roster, err = s.fetchRoster(gctx, cohort)
		return err
	})
	if err := g.Wait(); err != nil {
		s.record(cohort.kind, AttendanceOutcomeError)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to prepare attendance")
	}
	if exists {
		s.record(cohort.kind, AttendanceOutcomeReadOnly)
		return nil, readOnlyAttendance(id)
	}

	retained, stats, invalid := filterMarks(marks, roster)
	if len(invalid) > 0 {
		s.record(cohort.kind, AttendanceOutcomeInvalid)
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("attendance marks must be P or A: %s", strings.Join(invalid, ", ")))
	}
	record := &models.AttendanceRecord{
		ID:              id,
		Date:            date,
		CohortKind:      cohort.kind,
		MarkedBy:        actor.UserID,
		Records:         retained,
		AttendanceStats: stats,
		CreatedAt:       now.UTC(),
	}
	if cohort.kind == models.CohortClass {
		classID, sectionID := cohort.classID, cohort.sectionID
		record.ClassID = &classID
		record.SectionID = &sectionID
	}

	err := s.tx.RunInTx(ctx, func(exec sqlx.ExtContext) error {
		inserted, err := s.repo.InsertIfAbsent(ctx, exec, record)
		if err != nil {
			return err
		}
		if !inserted {
			return readOnlyAttendance(id)
		}
		if err := s.audit.Log(ctx, AuditEntry{
			UserID:     actor.UserID,
			UserRole:   actor.Role,
			Action:     cohort.action,
			EntityID:   id,
			EntityType: models.EntityTypeAttendance,
			NewValue:   record,
		}, exec); err != nil {
			return err
		}
		return s.notifications.CreateBatch(ctx, exec, attendanceNotifications(record))
	})
	if err != nil {
		if appErrors.HasCode(err, appErrors.ErrReadOnly.Code) {
			s.record(cohort.kind, AttendanceOutcomeReadOnly)
		} else {
			s.record(cohort.kind, AttendanceOutcomeError)
		}
		return nil, normalizeError(err, "failed to record attendance")
	}

	s.record(cohort.kind, AttendanceOutcomeMarked)
	logger.Info("attendance recorded",
		zap.String("marked_by", actor.UserID),
		zap.Int("present", stats.Present),
		zap.Int("absent", stats.Absent),
		zap.Int("dropped", len(marks)-stats.Total))
	return &MarkAttendanceResult{Success: true, ID: id, Stats: stats}, nil
}

func (s *AttendanceService) fetchRoster(ctx context.Context, cohort attendanceCohort) ([]models.RosterMember, error) {
	switch cohort.kind {
	case models.CohortClass:
		return s.roster.ListClassRoster(ctx, cohort.classID, cohort.sectionID)
	case models.CohortTeachers:
		return s.roster.ListStaffRoster(ctx, models.StaffKindTeaching, true)
	case models.CohortStaff:
		return s.roster.ListStaffRoster(ctx, models.StaffKindSupport, false)
	default:
		return nil, fmt.Errorf("unknown cohort kind %q", cohort.kind)
	}
}

// lockCohort takes an advisory lock on the cohort. The insert is authoritative, so failing to
// lock only costs contention and marking continues.
func (s *AttendanceService) lockCohort(ctx context.Context, id string, logger *zap.Logger) func() {
	noop := func() {}
	if s.locker == nil {
		return noop
	}
	unlock, err := s.locker.Acquire(ctx, "lock:attendance:"+id, s.window.LockTTL)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			logger.Warn("attendance cohort lock held elsewhere; proceeding without lock")
		} else {
			logger.Warn("attendance cohort lock failed; proceeding without lock", zap.Error(err))
		}
		return noop
	}
	return func() {
		if err := unlock(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			logger.Warn("attendance cohort unlock failed", zap.Error(err))
		}
	}
}

func (s *AttendanceService) record(kind models.CohortKind, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordAttendanceMark(kind, outcome)
	}
}

func readOnlyAttendance(id string) error {
	return appErrors.Clone(appErrors.ErrReadOnly, fmt.Sprintf("attendance %s has already been marked", id))
}

// filterMarks keeps only marks for roster members and tallies them. Marks of people outside
// the roster are dropped unchecked; invalid marks of roster members are returned by id.
func filterMarks(marks map[string]models.AttendanceMark, roster []models.RosterMember) (models.AttendanceMarks, models.AttendanceStats, []string) {
	retained := make(models.AttendanceMarks, len(roster))
	var (
		stats   models.AttendanceStats
		invalid []string
	)
	for _, member := range roster {
		mark, ok := marks[member.ID]
		if !ok {
			continue
		}
		if !mark.Valid() {
			invalid = append(invalid, member.ID)
			continue
		}
		retained[member.ID] = mark
		switch mark {
		case models.AttendancePresent:
			stats.Present++
		case models.AttendanceAbsent:
			stats.Absent++
		}
	}
	stats.Total = stats.Present + stats.Absent
	sort.Strings(invalid)
	return retained, stats, invalid
}

func attendanceNotifications(record *models.AttendanceRecord) []models.Notification {
	notifications := make([]models.Notification, 0, len(record.Records))
	for personID, mark := range record.Records {
		status := "present"
		if mark == models.AttendanceAbsent {
			status = "absent"
		}
		notifications = append(notifications, models.Notification{
			ID:          uuid.NewString(),
			RecipientID: personID,
			Type:        models.NotificationAttendance,
			Title:       "Attendance recorded",
			Message:     fmt.Sprintf("You were marked %s on %s.", status, record.Date),
			ReferenceID: record.ID,
			CreatedAt:   record.CreatedAt,
		})
	}
	return notifications
}
