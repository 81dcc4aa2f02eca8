package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process store, not durable (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// QuestionType is a closed set; ParseQuestionType rejects anything else.
type QuestionType uint8

const (
	QuestionScale QuestionType = iota + 1
	QuestionText
)

// Scale answers are integers in [ScaleMin, ScaleMax].
const (
	ScaleMin = 1
	ScaleMax = 10
)

func (t QuestionType) String() string {
	switch t {
	case QuestionScale:
		return "scale"
	case QuestionText:
		return "text"
	default:
		return "unknown"
	}
}

func ParseQuestionType(s string) (QuestionType, error) {
	switch s {
	case "scale":
		return QuestionScale, nil
	case "text":
		return QuestionText, nil
	default:
		return 0, fmt.Errorf("unknown question type %q", s)
	}
}

// SkippedAnswer is the literal answer value stored for skipped questions.
const SkippedAnswer = "[SKIPPED]"

// Anonymous sessions store these in place of the real identity.
const (
	AnonymousHandle = "anonymous"
	AnonymousChatID = int64(0)
)

type Course struct {
	ID   int64
	Name string
}

// Group belongs to exactly one Course; Name is unique within the Course.
type Group struct {
	ID       int64
	CourseID int64
	Name     string
}

// Student is a survey recipient. Handle is the stable key (lowercase,
// no leading @). ChatID is 0 until the student first messages the bot;
// a student with ChatID 0 is unreachable.
type Student struct {
	ID     int64
	Handle string
	ChatID int64
}

func (s Student) Reachable() bool { return s.ChatID != 0 }

type Curator struct {
	ID     int64
	Handle string
}

// Survey belongs to a Group. Title may be empty while authoring is in
// flight; untitled surveys are eligible for retention cleanup.
type Survey struct {
	ID        int64
	GroupID   int64
	Title     string
	CreatedAt time.Time
}

// Question order is 1-based and unique within the survey.
type Question struct {
	ID       int64
	SurveyID int64
	Order    int
	Text     string
	Type     QuestionType
}

// QuestionDraft is an unpersisted question accumulated during authoring.
type QuestionDraft struct {
	Text string
	Type QuestionType
}

// Feedback is a free-form note a student leaves about a course. Like
// Response it denormalizes the course by name at write time.
type Feedback struct {
	ID            int64
	StudentHandle string
	StudentChatID int64
	CourseName    string
	Topic         string
	Text          string
	CreatedAt     time.Time
}

// Response denormalizes its context at write time so later edits or
// deletes of courses, groups, surveys and questions never corrupt the
// collected history. SessionID groups all answers of one delivery to
// one recipient.
type Response struct {
	ID            int64
	SurveyID      int64
	SessionID     string
	QuestionID    int64
	QuestionOrder int
	QuestionText  string
	QuestionType  QuestionType
	CourseName    string
	GroupName     string
	SurveyTitle   string
	StudentHandle string
	StudentChatID int64
	Anonymous     bool
	Answer        string
	AnsweredAt    time.Time
}
