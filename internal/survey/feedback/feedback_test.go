package feedback

import (
	"context"
	"strings"
	"sync"
	"testing"

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

	mu   sync.Mutex
	sent []sentMsg
}

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{ChatID: to.ChatID, Text: text})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func TestSubmitPersistsAndNotifies(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	fa := &fakeAdapter{}
	svc := New(mem, fa, logx.Nop())
	ctx := context.Background()

	course, err := mem.CreateCourse(ctx, "go-basics")
	if err != nil {
		t.Fatal(err)
	}
	// carol has started the bot, dave has not.
	if _, err := mem.AddCurator(ctx, "carol"); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.AddCurator(ctx, "dave"); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.LinkStudentChat(ctx, "carol", 200); err != nil {
		t.Fatal(err)
	}

	student := storage.Student{Handle: "alice", ChatID: 100}
	fb, notified, err := svc.Submit(ctx, student, course.ID, "pace", "too fast in week 2")
	if err != nil {
		t.Fatal(err)
	}
	if fb.CourseName != "go-basics" || fb.Topic != "pace" || fb.Text != "too fast in week 2" {
		t.Fatalf("fb = %+v", fb)
	}
	if fb.StudentHandle != "alice" || fb.StudentChatID != 100 {
		t.Fatalf("identity not denormalized: %+v", fb)
	}
	if notified != 1 {
		t.Fatalf("notified = %d, want 1", notified)
	}

	rows, err := mem.ListFeedback(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].CreatedAt.IsZero() {
		t.Fatalf("rows = %+v", rows)
	}

	if len(fa.sent) != 1 || fa.sent[0].ChatID != 200 {
		t.Fatalf("sent = %+v", fa.sent)
	}
	msg := fa.sent[0].Text
	for _, want := range []string{"go-basics", "@alice", "pace", "too fast in week 2"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("notification %q missing %q", msg, want)
		}
	}
}

func TestSubmitSurvivesDeletedCourse(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	svc := New(mem, &fakeAdapter{}, logx.Nop())
	ctx := context.Background()

	course, err := mem.CreateCourse(ctx, "go-basics")
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.DeleteCourse(ctx, course.ID); err != nil {
		t.Fatal(err)
	}

	fb, _, err := svc.Submit(ctx, storage.Student{Handle: "alice", ChatID: 100},
		course.ID, "late", "course vanished mid-flow")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(fb.CourseName, "deleted course") {
		t.Fatalf("course name = %q", fb.CourseName)
	}
}

func TestNotificationTruncatesLongText(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", maxNotifyTextLen+500)
	h := notificationText(storage.Feedback{
		CourseName:    "go-basics",
		StudentHandle: "alice",
		Topic:         "wall of text",
		Text:          long,
	})
	if !strings.HasSuffix(h.String(), "...") {
		t.Fatalf("long text not truncated")
	}
	if strings.Contains(h.String(), long) {
		t.Fatalf("notification carries the full text")
	}
}
