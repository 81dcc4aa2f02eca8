package collect

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"surveybot/internal/state"
	"surveybot/internal/storage"
	"surveybot/internal/transport"
	logx "surveybot/pkg/logx"
)

type sentMsg struct {
	ChatID int64
	Text   string
}

type fakeAdapter struct {
	transport.Adapter

	mu     sync.Mutex
	sent   []sentMsg
	nextID int
}

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sentMsg{ChatID: to.ChatID, Text: text})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}, nil
}

func (f *fakeAdapter) DeleteMessage(_ context.Context, _ transport.MessageRef) error { return nil }

func (f *fakeAdapter) sentTo(chatID int64) []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMsg
	for _, m := range f.sent {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

func setup(t *testing.T) (*Collector, *storage.Memory, *fakeAdapter, storage.Student, storage.Survey) {
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
	err = mem.ReplaceQuestions(ctx, survey.ID, []storage.QuestionDraft{
		{Text: "Rate the lectures", Type: storage.QuestionScale},
		{Text: "What went well?", Type: storage.QuestionText},
		{Text: "Rate the homework", Type: storage.QuestionScale},
	})
	if err != nil {
		t.Fatal(err)
	}
	student, err := mem.LinkStudentChat(ctx, "alice", 100)
	if err != nil {
		t.Fatal(err)
	}

	fa := &fakeAdapter{}
	mgr := state.NewManager(state.NewStore(), fa, logx.Nop())
	return New(mgr, mem, fa, logx.Nop()), mem, fa, student, survey
}

func TestSessionSequencing(t *testing.T) {
	t.Parallel()
	c, mem, fa, student, survey := setup(t)
	ctx := context.Background()

	if err := c.Start(ctx, student, survey.ID, false); err != nil {
		t.Fatal(err)
	}
	if err := c.RecordScale(ctx, student.ChatID, "7"); err != nil {
		t.Fatal(err)
	}
	if err := c.RecordText(ctx, student.ChatID, "pace was good"); err != nil {
		t.Fatal(err)
	}
	if err := c.Skip(ctx, student.ChatID); err != nil {
		t.Fatal(err)
	}

	rows, err := mem.ResponsesBySurvey(ctx, survey.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("responses = %d, want 3", len(rows))
	}
	for i, r := range rows {
		if r.QuestionOrder != i+1 {
			t.Fatalf("row %d has order %d", i, r.QuestionOrder)
		}
		if r.SessionID != rows[0].SessionID {
			t.Fatalf("session ids differ: %q vs %q", r.SessionID, rows[0].SessionID)
		}
		if r.StudentHandle != "alice" || r.StudentChatID != 100 {
			t.Fatalf("identity not denormalized: %+v", r)
		}
		if r.CourseName != "go-basics" || r.GroupName != "morning" || r.SurveyTitle != "week 1" {
			t.Fatalf("context not denormalized: %+v", r)
		}
	}
	if rows[2].Answer != storage.SkippedAnswer {
		t.Fatalf("skipped answer = %q", rows[2].Answer)
	}

	// 3 questions + completion notice, session cleared.
	msgs := fa.sentTo(student.ChatID)
	if len(msgs) != 4 {
		t.Fatalf("messages sent = %d, want 4", len(msgs))
	}
	if !strings.Contains(msgs[3].Text, "last question") {
		t.Fatalf("final message = %q", msgs[3].Text)
	}
	if _, ok := c.states.Get(student.ChatID); ok {
		t.Fatalf("session must be cleared after completion")
	}
}

// A recipient may answer the anonymity prompt while the dispatcher is
// still inside Start. The session must be complete before it becomes
// visible, so the reply path never observes a half-built session and the
// outstanding prompt ref ends up on the question, not the answered
// anonymity message.
func TestLaunchAndFirstReplyDoNotInterleave(t *testing.T) {
	t.Parallel()
	c, _, fa, student, survey := setup(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, student, survey.ID, true) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := c.states.Get(student.ChatID); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never appeared: %v", <-done)
		}
		runtime.Gosched()
	}
	if err := c.ChooseAnonymity(ctx, student.ChatID, false); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	sess, ok := c.states.Get(student.ChatID)
	if !ok {
		t.Fatal("session cleared")
	}
	if sess.Tag != state.Answering || sess.QuestionOrder != 1 {
		t.Fatalf("session = %+v", sess)
	}
	msgs := fa.sentTo(student.ChatID)
	if len(msgs) != 2 {
		t.Fatalf("messages sent = %d, want 2", len(msgs))
	}
	if sess.LastPrompt == nil || sess.LastPrompt.MessageID != 2 {
		t.Fatalf("last prompt = %+v, want the question (message 2)", sess.LastPrompt)
	}
}

func TestAnonymousSessionUsesSentinel(t *testing.T) {
	t.Parallel()
	c, mem, _, student, survey := setup(t)
	ctx := context.Background()

	if err := c.Start(ctx, student, survey.ID, true); err != nil {
		t.Fatal(err)
	}
	if err := c.ChooseAnonymity(ctx, student.ChatID, true); err != nil {
		t.Fatal(err)
	}
	if err := c.RecordScale(ctx, student.ChatID, "5"); err != nil {
		t.Fatal(err)
	}

	rows, err := mem.ResponsesBySurvey(ctx, survey.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("responses = %d", len(rows))
	}
	r := rows[0]
	if !r.Anonymous {
		t.Fatalf("row not marked anonymous")
	}
	if r.StudentHandle != storage.AnonymousHandle || r.StudentChatID != storage.AnonymousChatID {
		t.Fatalf("identity leaked: handle=%q chat=%d", r.StudentHandle, r.StudentChatID)
	}
}

func TestAnswerWithoutSessionRejected(t *testing.T) {
	t.Parallel()
	c, _, _, student, survey := setup(t)
	ctx := context.Background()

	if err := c.Start(ctx, student, survey.ID, false); err != nil {
		t.Fatal(err)
	}
	// A new top-level command cancels the flow.
	c.states.Cancel(ctx, student.ChatID)

	if err := c.RecordText(ctx, student.ChatID, "late answer"); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("err = %v, want ErrNoActiveSession", err)
	}
}

func TestScaleValidation(t *testing.T) {
	t.Parallel()
	c, mem, _, student, survey := setup(t)
	ctx := context.Background()

	if err := c.Start(ctx, student, survey.ID, false); err != nil {
		t.Fatal(err)
	}
	for _, bad := range []string{"0", "11", "seven", ""} {
		if err := c.RecordText(ctx, student.ChatID, bad); !errors.Is(err, ErrBadScaleValue) {
			t.Fatalf("value %q: err = %v", bad, err)
		}
	}
	rows, _ := mem.ResponsesBySurvey(ctx, survey.ID)
	if len(rows) != 0 {
		t.Fatalf("invalid answers persisted: %v", rows)
	}

	// Flow state is preserved, a valid answer still lands on question 1.
	if err := c.RecordText(ctx, student.ChatID, "10"); err != nil {
		t.Fatal(err)
	}
	rows, _ = mem.ResponsesBySurvey(ctx, survey.ID)
	if len(rows) != 1 || rows[0].QuestionOrder != 1 || rows[0].Answer != "10" {
		t.Fatalf("rows = %+v", rows)
	}
}
