// Package enroll reconciles group membership. It is the only code path
// that mutates enrollment rows; every mutation runs through the same
// conflict filter enforcing the one-group-per-course rule.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"surveybot/internal/storage"
	logx "surveybot/pkg/logx"
)

// ErrConflict marks an enrollment rejected because the student already
// belongs to another group of the same course.
var ErrConflict = errors.New("enrolled in another group of this course")

// Report lists what a reconciliation changed, in five disjoint buckets
// of handles. Created students are always also enrolled, so Created and
// Added never overlap.
type Report struct {
	Created []string
	Added   []string
	Kept    []string
	Removed []string
	Ignored []string
}

func (r Report) Empty() bool {
	return len(r.Created)+len(r.Added)+len(r.Kept)+len(r.Removed)+len(r.Ignored) == 0
}

type Reconciler struct {
	store storage.Store
	log   logx.Logger
}

func New(store storage.Store, log logx.Logger) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{store: store, log: log.With(logx.String("comp", "enroll"))}
}

// Reconcile sets the group's membership to the given handles via
// set-diff: additions and removals are computed against the current
// membership and applied in one transaction. Handles already enrolled
// in a different group of the same course are ignored, never moved.
// An empty handle list clears the group.
func (r *Reconciler) Reconcile(ctx context.Context, groupID int64, handles []string) (Report, error) {
	group, err := r.store.GetGroup(ctx, groupID)
	if err != nil {
		return Report{}, err
	}

	students, created, err := r.store.EnsureStudents(ctx, handles)
	if err != nil {
		return Report{}, err
	}
	createdSet := make(map[string]bool, len(created))
	for _, h := range created {
		createdSet[h] = true
	}

	enrollment, err := r.store.CourseEnrollment(ctx, group.CourseID)
	if err != nil {
		return Report{}, err
	}

	var rep Report

	// Conflict filter.
	requested := make(map[int64]storage.Student, len(students))
	for _, st := range students {
		if gid, ok := enrollment[st.ID]; ok && gid != groupID {
			rep.Ignored = append(rep.Ignored, st.Handle)
			continue
		}
		requested[st.ID] = st
	}

	current, err := r.store.GroupMembers(ctx, groupID)
	if err != nil {
		return Report{}, err
	}
	currentSet := make(map[int64]storage.Student, len(current))
	for _, st := range current {
		currentSet[st.ID] = st
	}

	var add, remove []int64
	for id, st := range requested {
		if _, ok := currentSet[id]; ok {
			rep.Kept = append(rep.Kept, st.Handle)
			continue
		}
		add = append(add, id)
		if createdSet[st.Handle] {
			rep.Created = append(rep.Created, st.Handle)
		} else {
			rep.Added = append(rep.Added, st.Handle)
		}
	}
	for id, st := range currentSet {
		if _, ok := requested[id]; !ok {
			remove = append(remove, id)
			rep.Removed = append(rep.Removed, st.Handle)
		}
	}

	if err := r.store.ApplyEnrollmentDelta(ctx, groupID, add, remove); err != nil {
		return Report{}, err
	}

	// Buckets are filled from map iteration; sort so the report reads
	// the same on every run.
	for _, bucket := range [][]string{rep.Created, rep.Added, rep.Kept, rep.Removed, rep.Ignored} {
		sort.Strings(bucket)
	}

	r.log.Info("enrollment reconciled",
		logx.Int64("group", groupID),
		logx.Int("created", len(rep.Created)),
		logx.Int("added", len(rep.Added)),
		logx.Int("kept", len(rep.Kept)),
		logx.Int("removed", len(rep.Removed)),
		logx.Int("ignored", len(rep.Ignored)))
	return rep, nil
}

// AddOne enrolls a single handle, running the same conflict filter as
// Reconcile. It returns ErrConflict when the student belongs to another
// group of the course, and reports kept when already a member.
func (r *Reconciler) AddOne(ctx context.Context, groupID int64, handle string) (Report, error) {
	group, err := r.store.GetGroup(ctx, groupID)
	if err != nil {
		return Report{}, err
	}
	students, created, err := r.store.EnsureStudents(ctx, []string{handle})
	if err != nil {
		return Report{}, err
	}
	st := students[0]

	enrollment, err := r.store.CourseEnrollment(ctx, group.CourseID)
	if err != nil {
		return Report{}, err
	}
	if gid, ok := enrollment[st.ID]; ok {
		if gid == groupID {
			return Report{Kept: []string{st.Handle}}, nil
		}
		return Report{Ignored: []string{st.Handle}},
			fmt.Errorf("%s: %w", st.Handle, ErrConflict)
	}

	if err := r.store.ApplyEnrollmentDelta(ctx, groupID, []int64{st.ID}, nil); err != nil {
		return Report{}, err
	}
	if len(created) > 0 {
		return Report{Created: []string{st.Handle}}, nil
	}
	return Report{Added: []string{st.Handle}}, nil
}

// RemoveOne drops a single handle from the group. Removing a handle
// that is not a member is a not-found error.
func (r *Reconciler) RemoveOne(ctx context.Context, groupID int64, handle string) error {
	if _, err := r.store.GetGroup(ctx, groupID); err != nil {
		return err
	}
	members, err := r.store.GroupMembers(ctx, groupID)
	if err != nil {
		return err
	}
	for _, st := range members {
		if st.Handle == handle {
			return r.store.ApplyEnrollmentDelta(ctx, groupID, nil, []int64{st.ID})
		}
	}
	return fmt.Errorf("%s is not in this group: %w", handle, storage.ErrNotFound)
}
