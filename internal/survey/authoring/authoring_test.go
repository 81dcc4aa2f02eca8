package authoring

import (
	"context"
	"errors"
	"strings"
	"testing"

	"surveybot/internal/state"
	"surveybot/internal/storage"
	logx "surveybot/pkg/logx"
)

func seed(t *testing.T) (*Builder, *storage.Memory, storage.Survey) {
	t.Helper()
	ctx := context.Background()
	mem := storage.NewMemory()

	course, err := mem.CreateCourse(ctx, "go-basics")
	if err != nil {
		t.Fatal(err)
	}
	group, err := mem.CreateGroup(ctx, course.ID, "morning")
	if err != nil {
		t.Fatal(err)
	}
	survey, err := mem.CreateSurvey(ctx, group.ID, "week 1")
	if err != nil {
		t.Fatal(err)
	}
	return New(mem, logx.Nop()), mem, survey
}

func TestAddDraftValidation(t *testing.T) {
	t.Parallel()
	b, _, survey := seed(t)
	sess := &state.Session{SurveyID: survey.ID}

	if _, err := b.AddDraft(sess, "   ", storage.QuestionText); !errors.Is(err, ErrEmptyDraft) {
		t.Fatalf("empty draft: err = %v", err)
	}
	long := strings.Repeat("x", MaxQuestionLen+1)
	if _, err := b.AddDraft(sess, long, storage.QuestionText); !errors.Is(err, ErrDraftTooLong) {
		t.Fatalf("long draft: err = %v", err)
	}
	if len(sess.Drafts) != 0 {
		t.Fatalf("invalid drafts must not accumulate: %v", sess.Drafts)
	}

	full, err := b.AddDraft(sess, "  What went well?  ", storage.QuestionText)
	if err != nil || full {
		t.Fatalf("full=%v err=%v", full, err)
	}
	if sess.Drafts[0].Text != "What went well?" {
		t.Fatalf("text not trimmed: %q", sess.Drafts[0].Text)
	}
}

func TestAddDraftCap(t *testing.T) {
	t.Parallel()
	b, _, survey := seed(t)
	sess := &state.Session{SurveyID: survey.ID}

	for i := 0; i < MaxQuestions; i++ {
		full, err := b.AddDraft(sess, "q", storage.QuestionScale)
		if err != nil {
			t.Fatal(err)
		}
		if full != (i == MaxQuestions-1) {
			t.Fatalf("draft %d: full = %v", i+1, full)
		}
	}
	// Over the cap nothing is appended.
	full, err := b.AddDraft(sess, "one too many", storage.QuestionText)
	if err != nil || !full {
		t.Fatalf("full=%v err=%v", full, err)
	}
	if len(sess.Drafts) != MaxQuestions {
		t.Fatalf("drafts = %d", len(sess.Drafts))
	}
}

func TestFinalizeReplacesQuestions(t *testing.T) {
	t.Parallel()
	b, mem, survey := seed(t)
	ctx := context.Background()

	err := mem.ReplaceQuestions(ctx, survey.ID, []storage.QuestionDraft{
		{Text: "old 1", Type: storage.QuestionText},
		{Text: "old 2", Type: storage.QuestionScale},
	})
	if err != nil {
		t.Fatal(err)
	}

	sess := &state.Session{SurveyID: survey.ID}
	if _, err := b.AddDraft(sess, "new 1", storage.QuestionScale); err != nil {
		t.Fatal(err)
	}
	n, err := b.Finalize(ctx, sess)
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if sess.Drafts != nil {
		t.Fatalf("drafts not cleared")
	}

	qs, err := mem.QuestionsBySurvey(ctx, survey.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(qs) != 1 || qs[0].Text != "new 1" || qs[0].Order != 1 {
		t.Fatalf("questions = %+v", qs)
	}
}

func TestFinalizeEmptyAborts(t *testing.T) {
	t.Parallel()
	b, mem, survey := seed(t)
	ctx := context.Background()

	err := mem.ReplaceQuestions(ctx, survey.ID, []storage.QuestionDraft{
		{Text: "keep me", Type: storage.QuestionText},
	})
	if err != nil {
		t.Fatal(err)
	}

	sess := &state.Session{SurveyID: survey.ID}
	if _, err := b.Finalize(ctx, sess); !errors.Is(err, ErrNothingToSave) {
		t.Fatalf("err = %v", err)
	}

	qs, _ := mem.QuestionsBySurvey(ctx, survey.ID)
	if len(qs) != 1 || qs[0].Text != "keep me" {
		t.Fatalf("prior questions touched: %+v", qs)
	}
}

func TestHasQuestions(t *testing.T) {
	t.Parallel()
	b, mem, survey := seed(t)
	ctx := context.Background()

	has, err := b.HasQuestions(ctx, survey.ID)
	if err != nil || has {
		t.Fatalf("has=%v err=%v", has, err)
	}
	err = mem.ReplaceQuestions(ctx, survey.ID, []storage.QuestionDraft{
		{Text: "q", Type: storage.QuestionText},
	})
	if err != nil {
		t.Fatal(err)
	}
	has, err = b.HasQuestions(ctx, survey.ID)
	if err != nil || !has {
		t.Fatalf("has=%v err=%v", has, err)
	}
}
