package flows

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"

	"surveybot/internal/state"
	"surveybot/internal/storage"
	"surveybot/internal/survey/authoring"
	"surveybot/internal/survey/collect"
	"surveybot/internal/survey/dispatch"
	"surveybot/internal/survey/enroll"
	"surveybot/internal/survey/feedback"
	"surveybot/internal/survey/retention"
	"surveybot/internal/transport"
	"surveybot/internal/transport/telegram/router"
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

func (f *fakeAdapter) lastTo(chatID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	last := ""
	for _, m := range f.sent {
		if m.ChatID == chatID {
			last = m.Text
		}
	}
	return last
}

func setup(t *testing.T) (*Flows, *storage.Memory, *fakeAdapter) {
	t.Helper()
	mem := storage.NewMemory()
	fa := &fakeAdapter{}
	states := state.NewManager(state.NewStore(), fa, logx.Nop())
	collector := collect.New(states, mem, fa, logx.Nop())
	dispatcher := dispatch.New(mem, collector, 100, false, logx.Nop())
	reconciler := enroll.New(mem, logx.Nop())
	builder := authoring.New(mem, logx.Nop())
	ret := retention.New(mem, "0 4 * * *", 0, logx.Nop())
	fb := feedback.New(mem, fa, logx.Nop())

	fl := New(Config{AdminUserIDs: []int64{1}, AdminUsernames: []string{"@root"}},
		states, mem, collector, dispatcher, reconciler, builder, ret, fb, logx.Nop())
	return fl, mem, fa
}

func newReq(fa *fakeAdapter, chatID int64, username, text string) *router.Request {
	return &router.Request{
		Update: transport.Update{
			Kind:    transport.UpdateMessage,
			Message: &transport.Message{ChatID: chatID, FromID: chatID, FromUsername: username, Text: text},
		},
		Chat:         transport.ChatTarget{ChatID: chatID},
		FromID:       chatID,
		FromUsername: username,
		Adapter:      fa,
		Logger:       logx.Nop(),
	}
}

func TestResolveRole(t *testing.T) {
	t.Parallel()
	fl, mem, _ := setup(t)
	ctx := context.Background()

	if _, err := mem.AddCurator(ctx, "carol"); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		fromID   int64
		username string
		want     router.Role
	}{
		{1, "whoever", router.RoleAdmin},
		{50, "Root", router.RoleAdmin},
		{51, "carol", router.RoleCurator},
		{52, "dave", router.RoleStudent},
		{53, "", router.RoleStudent},
	}
	for _, c := range cases {
		if got := fl.ResolveRole(ctx, c.fromID, c.username); got != c.want {
			t.Fatalf("ResolveRole(%d, %q) = %v, want %v", c.fromID, c.username, got, c.want)
		}
	}
}

func TestEnrollmentFlow(t *testing.T) {
	t.Parallel()
	fl, mem, fa := setup(t)
	ctx := context.Background()

	course, err := mem.CreateCourse(ctx, "go-basics")
	if err != nil {
		t.Fatal(err)
	}
	group, err := mem.CreateGroup(ctx, course.ID, "morning")
	if err != nil {
		t.Fatal(err)
	}

	req := newReq(fa, 10, "curator", "/setstudents")
	req.Role = router.RoleCurator

	if err := fl.cmdSetStudents(ctx, req); err != nil {
		t.Fatal(err)
	}
	if err := fl.cbCourse(ctx, req, "setstudents", strconv.FormatInt(course.ID, 10)); err != nil {
		t.Fatal(err)
	}
	if err := fl.cbGroup(ctx, req, "setstudents", strconv.FormatInt(group.ID, 10)); err != nil {
		t.Fatal(err)
	}

	listReq := newReq(fa, 10, "curator", "@Alice\n@bob")
	if err := fl.onText(ctx, listReq); err != nil {
		t.Fatal(err)
	}

	members, err := mem.GroupMembers(ctx, group.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %d, want 2", len(members))
	}
	report := fa.lastTo(10)
	if !strings.Contains(report, "alice") || !strings.Contains(report, "bob") {
		t.Fatalf("report = %q", report)
	}
	if _, ok := fl.states.Get(10); ok {
		t.Fatalf("flow state must be cleared after the report")
	}
}

func TestEnrollmentFlowRejectsInvalidHandles(t *testing.T) {
	t.Parallel()
	fl, mem, fa := setup(t)
	ctx := context.Background()

	course, _ := mem.CreateCourse(ctx, "go-basics")
	group, _ := mem.CreateGroup(ctx, course.ID, "morning")

	req := newReq(fa, 11, "curator", "/setstudents")
	if err := fl.cmdSetStudents(ctx, req); err != nil {
		t.Fatal(err)
	}
	if err := fl.cbCourse(ctx, req, "setstudents", strconv.FormatInt(course.ID, 10)); err != nil {
		t.Fatal(err)
	}
	if err := fl.cbGroup(ctx, req, "setstudents", strconv.FormatInt(group.ID, 10)); err != nil {
		t.Fatal(err)
	}

	bad := newReq(fa, 11, "curator", "@alice not!a@handle")
	if err := fl.onText(ctx, bad); err != nil {
		t.Fatal(err)
	}
	members, _ := mem.GroupMembers(ctx, group.ID)
	if len(members) != 0 {
		t.Fatalf("invalid list must not be applied, members = %d", len(members))
	}
	// The flow stays open so the corrected list can be sent.
	if sess, ok := fl.states.Get(11); !ok || sess.Tag != state.AwaitingHandles {
		t.Fatalf("flow state must be preserved after a rejected list")
	}
}

func TestNewSurveyFlow(t *testing.T) {
	t.Parallel()
	fl, mem, fa := setup(t)
	ctx := context.Background()

	course, _ := mem.CreateCourse(ctx, "go-basics")
	group, _ := mem.CreateGroup(ctx, course.ID, "morning")

	req := newReq(fa, 20, "curator", "/newsurvey")
	if err := fl.cmdNewSurvey(ctx, req); err != nil {
		t.Fatal(err)
	}
	if err := fl.cbCourse(ctx, req, "newsurvey", strconv.FormatInt(course.ID, 10)); err != nil {
		t.Fatal(err)
	}
	if err := fl.cbGroup(ctx, req, "newsurvey", strconv.FormatInt(group.ID, 10)); err != nil {
		t.Fatal(err)
	}

	// The draft row exists before the title arrives.
	surveys, _ := mem.ListSurveys(ctx, group.ID)
	if len(surveys) != 1 || surveys[0].Title != "" {
		t.Fatalf("surveys = %+v", surveys)
	}

	if err := fl.onText(ctx, newReq(fa, 20, "curator", "Week 1 feedback")); err != nil {
		t.Fatal(err)
	}
	if err := fl.cbAuthoring(ctx, req, "type", "scale"); err != nil {
		t.Fatal(err)
	}
	if err := fl.onText(ctx, newReq(fa, 20, "curator", "Rate the lectures")); err != nil {
		t.Fatal(err)
	}
	if err := fl.cbAuthoring(ctx, req, "type", "text"); err != nil {
		t.Fatal(err)
	}
	if err := fl.onText(ctx, newReq(fa, 20, "curator", "What went well?")); err != nil {
		t.Fatal(err)
	}
	if err := fl.cbAuthoring(ctx, req, "finish", ""); err != nil {
		t.Fatal(err)
	}

	surveys, _ = mem.ListSurveys(ctx, group.ID)
	if len(surveys) != 1 || surveys[0].Title != "Week 1 feedback" {
		t.Fatalf("surveys = %+v", surveys)
	}
	questions, _ := mem.QuestionsBySurvey(ctx, surveys[0].ID)
	if len(questions) != 2 {
		t.Fatalf("questions = %d, want 2", len(questions))
	}
	if questions[0].Type != storage.QuestionScale || questions[1].Type != storage.QuestionText {
		t.Fatalf("question types = %v, %v", questions[0].Type, questions[1].Type)
	}
	if _, ok := fl.states.Get(20); ok {
		t.Fatalf("flow state must be cleared after saving")
	}
}

func TestFinishWithoutQuestionsSavesNothing(t *testing.T) {
	t.Parallel()
	fl, mem, fa := setup(t)
	ctx := context.Background()

	course, _ := mem.CreateCourse(ctx, "go-basics")
	group, _ := mem.CreateGroup(ctx, course.ID, "morning")
	survey, _ := mem.CreateSurvey(ctx, group.ID, "existing")
	_ = mem.ReplaceQuestions(ctx, survey.ID, []storage.QuestionDraft{
		{Text: "Keep me", Type: storage.QuestionText},
	})

	req := newReq(fa, 21, "curator", "/setquestions")
	if err := fl.cmdSetQuestions(ctx, req); err != nil {
		t.Fatal(err)
	}
	if err := fl.cbCourse(ctx, req, "setquestions", strconv.FormatInt(course.ID, 10)); err != nil {
		t.Fatal(err)
	}
	if err := fl.cbGroup(ctx, req, "setquestions", strconv.FormatInt(group.ID, 10)); err != nil {
		t.Fatal(err)
	}
	if err := fl.cbSurvey(ctx, req, "setquestions", strconv.FormatInt(survey.ID, 10)); err != nil {
		t.Fatal(err)
	}
	if sess, ok := fl.states.Get(21); !ok || sess.Tag != state.ConfirmingOverwrite {
		t.Fatalf("expected overwrite confirmation")
	}
	if err := fl.cbAuthoring(ctx, req, "ow", "yes"); err != nil {
		t.Fatal(err)
	}
	if err := fl.cbAuthoring(ctx, req, "finish", ""); err != nil {
		t.Fatal(err)
	}

	questions, _ := mem.QuestionsBySurvey(ctx, survey.ID)
	if len(questions) != 1 || questions[0].Text != "Keep me" {
		t.Fatalf("existing questions must survive an empty re-authoring: %+v", questions)
	}
	if got := fa.lastTo(21); !strings.Contains(got, "nothing was saved") {
		t.Fatalf("last message = %q", got)
	}
}

func TestFeedbackFlow(t *testing.T) {
	t.Parallel()
	fl, mem, fa := setup(t)
	ctx := context.Background()

	course, err := mem.CreateCourse(ctx, "go-basics")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mem.AddCurator(ctx, "carol"); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.LinkStudentChat(ctx, "carol", 200); err != nil {
		t.Fatal(err)
	}

	req := newReq(fa, 40, "Alice", "/feedback")
	if err := fl.cmdFeedback(ctx, req); err != nil {
		t.Fatal(err)
	}
	if err := fl.cbFeedback(ctx, req, "pick", strconv.FormatInt(course.ID, 10)); err != nil {
		t.Fatal(err)
	}
	if sess, ok := fl.states.Get(40); !ok || sess.Tag != state.AwaitingFeedbackTopic {
		t.Fatalf("expected topic prompt")
	}
	if err := fl.onText(ctx, newReq(fa, 40, "Alice", "pace")); err != nil {
		t.Fatal(err)
	}
	if err := fl.onText(ctx, newReq(fa, 40, "Alice", "too fast in week 2")); err != nil {
		t.Fatal(err)
	}

	rows, err := mem.ListFeedback(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	fb := rows[0]
	if fb.CourseName != "go-basics" || fb.Topic != "pace" || fb.Text != "too fast in week 2" {
		t.Fatalf("fb = %+v", fb)
	}
	if fb.StudentHandle != "alice" || fb.StudentChatID != 40 {
		t.Fatalf("identity = %q/%d", fb.StudentHandle, fb.StudentChatID)
	}
	if _, ok := fl.states.Get(40); ok {
		t.Fatalf("flow state must be cleared after saving")
	}

	// The registered curator got the notification.
	notice := fa.lastTo(200)
	if !strings.Contains(notice, "go-basics") || !strings.Contains(notice, "too fast") {
		t.Fatalf("curator notice = %q", notice)
	}
	if got := fa.lastTo(40); !strings.Contains(got, "Thank you") {
		t.Fatalf("confirmation = %q", got)
	}
}

func TestFeedbackTopicValidated(t *testing.T) {
	t.Parallel()
	fl, mem, fa := setup(t)
	ctx := context.Background()

	course, _ := mem.CreateCourse(ctx, "go-basics")
	req := newReq(fa, 41, "bob", "/feedback")
	if err := fl.cmdFeedback(ctx, req); err != nil {
		t.Fatal(err)
	}
	if err := fl.cbFeedback(ctx, req, "pick", strconv.FormatInt(course.ID, 10)); err != nil {
		t.Fatal(err)
	}

	long := strings.Repeat("x", maxTitleLen+1)
	if err := fl.onText(ctx, newReq(fa, 41, "bob", long)); err != nil {
		t.Fatal(err)
	}
	if sess, ok := fl.states.Get(41); !ok || sess.Tag != state.AwaitingFeedbackTopic {
		t.Fatalf("oversized topic must keep the flow on the topic prompt")
	}
}

func TestOnTextWithoutFlowIgnored(t *testing.T) {
	t.Parallel()
	fl, _, fa := setup(t)
	ctx := context.Background()

	if err := fl.onText(ctx, newReq(fa, 30, "alice", "hello there")); err != nil {
		t.Fatal(err)
	}
	if got := fa.lastTo(30); got != "" {
		t.Fatalf("unexpected reply %q", got)
	}
}
