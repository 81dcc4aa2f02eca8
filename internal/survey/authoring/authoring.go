// Package authoring builds a survey's ordered question list one draft
// at a time and commits the result as a full replace.
package authoring

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"surveybot/internal/state"
	"surveybot/internal/storage"
	logx "surveybot/pkg/logx"
)

const (
	// MaxQuestions caps one survey; the flow auto-finalizes at the cap.
	MaxQuestions = 7
	// MaxQuestionLen limits question text, in runes.
	MaxQuestionLen = 1000
)

var (
	ErrEmptyDraft    = errors.New("question text is empty")
	ErrDraftTooLong  = fmt.Errorf("question text exceeds %d characters", MaxQuestionLen)
	ErrNothingToSave = errors.New("no questions to save")
)

type Builder struct {
	store storage.Store
	log   logx.Logger
}

func New(store storage.Store, log logx.Logger) *Builder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Builder{store: store, log: log.With(logx.String("comp", "authoring"))}
}

// AddDraft validates and appends one question to the session's draft
// list. full reports that the cap is reached and the caller must
// finalize.
func (b *Builder) AddDraft(sess *state.Session, text string, t storage.QuestionType) (full bool, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false, ErrEmptyDraft
	}
	if utf8.RuneCountInString(text) > MaxQuestionLen {
		return false, ErrDraftTooLong
	}
	if len(sess.Drafts) >= MaxQuestions {
		return true, nil
	}
	sess.Drafts = append(sess.Drafts, storage.QuestionDraft{Text: text, Type: t})
	return len(sess.Drafts) >= MaxQuestions, nil
}

// HasQuestions reports whether the survey already has a question list,
// so the flow can ask for overwrite confirmation before re-authoring.
func (b *Builder) HasQuestions(ctx context.Context, surveyID int64) (bool, error) {
	qs, err := b.store.QuestionsBySurvey(ctx, surveyID)
	if err != nil {
		return false, err
	}
	return len(qs) > 0, nil
}

// Finalize commits the drafts: delete-then-insert in one transaction.
// An empty draft list aborts with no database change, existing
// questions included.
func (b *Builder) Finalize(ctx context.Context, sess *state.Session) (int, error) {
	if len(sess.Drafts) == 0 {
		return 0, ErrNothingToSave
	}
	if err := b.store.ReplaceQuestions(ctx, sess.SurveyID, sess.Drafts); err != nil {
		return 0, err
	}
	n := len(sess.Drafts)
	b.log.Info("questions saved",
		logx.Int64("survey", sess.SurveyID), logx.Int("count", n))
	sess.Drafts = nil
	return n, nil
}
