package enroll

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"

	"surveybot/internal/storage"
	logx "surveybot/pkg/logx"
)

func setup(t *testing.T) (*Reconciler, *storage.Memory, storage.Group, storage.Group) {
	t.Helper()
	mem := storage.NewMemory()
	ctx := context.Background()

	course, err := mem.CreateCourse(ctx, "go-basics")
	if err != nil {
		t.Fatal(err)
	}
	g1, err := mem.CreateGroup(ctx, course.ID, "morning")
	if err != nil {
		t.Fatal(err)
	}
	g2, err := mem.CreateGroup(ctx, course.ID, "evening")
	if err != nil {
		t.Fatal(err)
	}
	return New(mem, logx.Nop()), mem, g1, g2
}

func sorted(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

func TestReconcileSetDiff(t *testing.T) {
	t.Parallel()
	r, _, g1, g2 := setup(t)
	ctx := context.Background()

	rep, err := r.Reconcile(ctx, g1.ID, []string{"alice", "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if got := sorted(rep.Created); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Fatalf("created = %v", got)
	}

	// carol sits in the other group of the same course.
	if _, err := r.Reconcile(ctx, g2.ID, []string{"carol"}); err != nil {
		t.Fatal(err)
	}

	rep, err = r.Reconcile(ctx, g1.ID, []string{"bob", "carol"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Created) != 0 || len(rep.Added) != 0 {
		t.Fatalf("nothing should be added, got created=%v added=%v", rep.Created, rep.Added)
	}
	if !reflect.DeepEqual(rep.Kept, []string{"bob"}) {
		t.Fatalf("kept = %v", rep.Kept)
	}
	if !reflect.DeepEqual(rep.Removed, []string{"alice"}) {
		t.Fatalf("removed = %v", rep.Removed)
	}
	if !reflect.DeepEqual(rep.Ignored, []string{"carol"}) {
		t.Fatalf("ignored = %v", rep.Ignored)
	}
}

func TestReportBucketsSorted(t *testing.T) {
	t.Parallel()
	r, _, g1, _ := setup(t)
	ctx := context.Background()

	rep, err := r.Reconcile(ctx, g1.ID, []string{"zoe", "bob", "mallory", "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"alice", "bob", "mallory", "zoe"}; !reflect.DeepEqual(rep.Created, want) {
		t.Fatalf("created = %v, want %v", rep.Created, want)
	}

	rep, err = r.Reconcile(ctx, g1.ID, []string{"bob", "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"alice", "bob"}; !reflect.DeepEqual(rep.Kept, want) {
		t.Fatalf("kept = %v, want %v", rep.Kept, want)
	}
	if want := []string{"mallory", "zoe"}; !reflect.DeepEqual(rep.Removed, want) {
		t.Fatalf("removed = %v, want %v", rep.Removed, want)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	t.Parallel()
	r, _, g1, _ := setup(t)
	ctx := context.Background()

	handles := []string{"alice", "bob", "carol"}
	if _, err := r.Reconcile(ctx, g1.ID, handles); err != nil {
		t.Fatal(err)
	}
	rep, err := r.Reconcile(ctx, g1.ID, handles)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Created) != 0 || len(rep.Added) != 0 || len(rep.Removed) != 0 {
		t.Fatalf("second reconcile must be a no-op, got %+v", rep)
	}
	if len(rep.Kept) != 3 {
		t.Fatalf("kept = %v", rep.Kept)
	}
}

func TestReconcileEmptyClearsGroup(t *testing.T) {
	t.Parallel()
	r, mem, g1, _ := setup(t)
	ctx := context.Background()

	if _, err := r.Reconcile(ctx, g1.ID, []string{"alice", "bob"}); err != nil {
		t.Fatal(err)
	}
	rep, err := r.Reconcile(ctx, g1.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Removed) != 2 {
		t.Fatalf("removed = %v", rep.Removed)
	}
	members, err := mem.GroupMembers(ctx, g1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 0 {
		t.Fatalf("group not cleared: %v", members)
	}
}

func TestInvariantHoldsAfterReconcile(t *testing.T) {
	t.Parallel()
	r, mem, g1, g2 := setup(t)
	ctx := context.Background()

	if _, err := r.Reconcile(ctx, g1.ID, []string{"alice", "bob"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Reconcile(ctx, g2.ID, []string{"alice", "carol"}); err != nil {
		t.Fatal(err)
	}

	// alice must stay in g1 only.
	course, _ := mem.GetGroup(ctx, g1.ID)
	enrollment, err := mem.CourseEnrollment(ctx, course.CourseID)
	if err != nil {
		t.Fatal(err)
	}
	groupsSeen := make(map[int64]int)
	for _, gid := range enrollment {
		groupsSeen[gid]++
	}
	for sid, gid := range enrollment {
		if gid != g1.ID && gid != g2.ID {
			t.Fatalf("student %d in unexpected group %d", sid, gid)
		}
	}
	m1, _ := mem.GroupMembers(ctx, g1.ID)
	m2, _ := mem.GroupMembers(ctx, g2.ID)
	for _, a := range m1 {
		for _, b := range m2 {
			if a.ID == b.ID {
				t.Fatalf("student %s in two groups of one course", a.Handle)
			}
		}
	}
}

func TestAddOne(t *testing.T) {
	t.Parallel()
	r, _, g1, g2 := setup(t)
	ctx := context.Background()

	rep, err := r.AddOne(ctx, g1.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(rep.Created, []string{"alice"}) {
		t.Fatalf("first add = %+v", rep)
	}

	rep, err = r.AddOne(ctx, g1.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(rep.Kept, []string{"alice"}) {
		t.Fatalf("repeat add = %+v", rep)
	}

	_, err = r.AddOne(ctx, g2.ID, "alice")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("cross-group add: err = %v", err)
	}
}

func TestRemoveOne(t *testing.T) {
	t.Parallel()
	r, mem, g1, _ := setup(t)
	ctx := context.Background()

	if _, err := r.AddOne(ctx, g1.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := r.RemoveOne(ctx, g1.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	members, _ := mem.GroupMembers(ctx, g1.ID)
	if len(members) != 0 {
		t.Fatalf("members = %v", members)
	}
	if err := r.RemoveOne(ctx, g1.ID, "alice"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("removing non-member: err = %v", err)
	}
}

func TestNormalizeHandles(t *testing.T) {
	t.Parallel()

	clean, invalid := NormalizeHandles([]string{"@Alice", "bob ", "alice", "взлом", "", "ca rol"})
	if !reflect.DeepEqual(clean, []string{"alice", "bob"}) {
		t.Fatalf("clean = %v", clean)
	}
	if len(invalid) != 3 {
		t.Fatalf("invalid = %v", invalid)
	}
}
