package retention

import (
	"context"
	"testing"
	"time"

	"surveybot/internal/storage"
	logx "surveybot/pkg/logx"
)

func seed(t *testing.T) (*storage.Memory, int64) {
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
	if _, err := mem.CreateSurvey(ctx, group.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.CreateSurvey(ctx, group.ID, "week 1"); err != nil {
		t.Fatal(err)
	}
	return mem, group.ID
}

func TestRunOnceDeletesOnlyOldUntitled(t *testing.T) {
	t.Parallel()
	mem, groupID := seed(t)
	ctx := context.Background()

	// Nothing is old enough yet.
	s := New(mem, "@daily", time.Hour, logx.Nop())
	n, err := s.RunOnce(ctx)
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}

	// Zero minimum age makes every untitled survey eligible.
	s = New(mem, "@daily", 0, logx.Nop())
	n, err = s.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}

	left, err := mem.ListSurveys(ctx, groupID)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0].Title != "week 1" {
		t.Fatalf("surveys left = %+v", left)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	mem, _ := seed(t)
	s := New(mem, "not a schedule", time.Hour, logx.Nop())
	if err := s.Start(); err == nil {
		s.Stop()
		t.Fatalf("expected schedule parse error")
	}
}
