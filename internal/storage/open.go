package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "surveybot/pkg/logx"
)

// Store is the persistence API used by the orchestration services.
type Store interface {
	// Courses.
	CreateCourse(ctx context.Context, name string) (Course, error)
	GetCourse(ctx context.Context, id int64) (Course, error)
	ListCourses(ctx context.Context) ([]Course, error)
	DeleteCourse(ctx context.Context, id int64) error

	// Groups.
	CreateGroup(ctx context.Context, courseID int64, name string) (Group, error)
	GetGroup(ctx context.Context, id int64) (Group, error)
	ListGroups(ctx context.Context, courseID int64) ([]Group, error)

	// Students.
	//
	// EnsureStudents resolves each handle to an existing student or
	// creates one; created handles are reported separately. LinkStudentChat
	// attaches the channel identity observed at first contact.
	EnsureStudents(ctx context.Context, handles []string) (students []Student, created []string, err error)
	LinkStudentChat(ctx context.Context, handle string, chatID int64) (Student, error)
	StudentByChatID(ctx context.Context, chatID int64) (Student, error)
	StudentByHandle(ctx context.Context, handle string) (Student, error)

	// Enrollment.
	//
	// CourseEnrollment maps student id to the group the student belongs
	// to within the course (at most one, by invariant).
	// ApplyEnrollmentDelta removes then adds within one transaction.
	GroupMembers(ctx context.Context, groupID int64) ([]Student, error)
	CourseEnrollment(ctx context.Context, courseID int64) (map[int64]int64, error)
	ApplyEnrollmentDelta(ctx context.Context, groupID int64, add, remove []int64) error

	// Curators.
	AddCurator(ctx context.Context, handle string) (Curator, error)
	ListCurators(ctx context.Context) ([]Curator, error)
	IsCurator(ctx context.Context, handle string) (bool, error)

	// Surveys and questions.
	//
	// ReplaceQuestions is delete-then-insert in one transaction; an empty
	// draft list is refused so re-authoring can never silently wipe a
	// survey.
	CreateSurvey(ctx context.Context, groupID int64, title string) (Survey, error)
	SetSurveyTitle(ctx context.Context, id int64, title string) error
	GetSurvey(ctx context.Context, id int64) (Survey, error)
	ListSurveys(ctx context.Context, groupID int64) ([]Survey, error)
	DeleteSurvey(ctx context.Context, id int64) error
	DeleteUntitledSurveysBefore(ctx context.Context, cutoff time.Time) (int64, error)
	QuestionsBySurvey(ctx context.Context, surveyID int64) ([]Question, error)
	QuestionByOrder(ctx context.Context, surveyID int64, order int) (Question, error)
	ReplaceQuestions(ctx context.Context, surveyID int64, drafts []QuestionDraft) error

	// Responses.
	InsertResponse(ctx context.Context, r Response) error
	ResponsesBySurvey(ctx context.Context, surveyID int64) ([]Response, error)
	CountSessions(ctx context.Context, surveyID int64) (int, error)

	// Feedback.
	InsertFeedback(ctx context.Context, fb Feedback) (Feedback, error)
	ListFeedback(ctx context.Context) ([]Feedback, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
