// Package state holds per-actor conversational state: a state tag plus
// the in-flight data for whichever flow the actor is in. Exactly one
// session exists per actor; starting a new flow always cancels the old
// one first.
package state

import (
	"sync"

	"surveybot/internal/storage"
	"surveybot/internal/transport"
)

// Tag names the FSM state an actor is in. Flows define their own tags;
// absence of a session is the idle state.
type Tag string

const (
	// Recipient-side survey flow.
	SelectingAnonymity Tag = "selecting_anonymity"
	Answering          Tag = "answering"

	// Feedback flow.
	AwaitingFeedbackTopic Tag = "awaiting_feedback_topic"
	AwaitingFeedbackText  Tag = "awaiting_feedback_text"

	// Authoring flow.
	AwaitingSurveyTitle  Tag = "awaiting_survey_title"
	AwaitingQuestionType Tag = "awaiting_question_type"
	AwaitingQuestionText Tag = "awaiting_question_text"
	ConfirmingOverwrite  Tag = "confirming_overwrite"

	// Admin flows.
	AwaitingCourseName Tag = "awaiting_course_name"
	AwaitingGroupName  Tag = "awaiting_group_name"
	AwaitingHandles    Tag = "awaiting_handles"
	AwaitingOneHandle  Tag = "awaiting_one_handle"
	ConfirmingClear    Tag = "confirming_clear"
)

// Session is the data bag for one actor's active flow. A session must be
// fully populated before it is installed in the Store; after that it is
// owned exclusively by the actor's flow, and the router serializes all
// updates for one actor, so no locking is needed on the session itself.
type Session struct {
	Tag Tag

	// Purpose disambiguates tags shared by several flows, e.g. which
	// operation a single-handle prompt belongs to.
	Purpose string

	CourseID int64
	GroupID  int64
	SurveyID int64

	// Answering flow. Context names are captured when the session starts
	// so responses can be denormalized without re-reading the entities.
	SessionID      string
	Anonymous      bool
	QuestionOrder  int
	QuestionID     int64
	TotalQuestions int
	CourseName     string
	GroupName      string
	SurveyTitle    string
	StudentHandle  string
	StudentChatID  int64

	// Authoring flow.
	Drafts    []storage.QuestionDraft
	DraftType storage.QuestionType

	// Feedback flow.
	FeedbackTopic string

	// Last question or prompt message sent to this actor, removed
	// best-effort on cancellation.
	LastPrompt *transport.MessageRef
}

// Store maps actor chat ids to their sessions.
type Store struct {
	mu       sync.Mutex
	sessions map[int64]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[int64]*Session)}
}

func (s *Store) Get(actor int64) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[actor]
	return sess, ok
}

func (s *Store) Put(actor int64, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[actor] = sess
}

// Clear removes and returns the actor's session, if any.
func (s *Store) Clear(actor int64) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[actor]
	if ok {
		delete(s.sessions, actor)
	}
	return sess, ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
