package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. It backs the "memory" driver and the
// service tests; it mirrors the sqlite semantics including cascades.
type Memory struct {
	mu sync.Mutex

	nextID int64

	courses   map[int64]Course
	groups    map[int64]Group
	students  map[int64]Student
	curators  map[int64]Curator
	surveys   map[int64]Survey
	questions map[int64]Question
	responses []Response
	feedback  []Feedback

	// enrollment: group id -> set of student ids
	enrolled map[int64]map[int64]bool
}

func NewMemory() *Memory {
	return &Memory{
		courses:   make(map[int64]Course),
		groups:    make(map[int64]Group),
		students:  make(map[int64]Student),
		curators:  make(map[int64]Curator),
		surveys:   make(map[int64]Survey),
		questions: make(map[int64]Question),
		enrolled:  make(map[int64]map[int64]bool),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateCourse(_ context.Context, name string) (Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.courses {
		if c.Name == name {
			return Course{}, fmt.Errorf("course %q: %w", name, ErrDuplicate)
		}
	}
	c := Course{ID: m.id(), Name: name}
	m.courses[c.ID] = c
	return c, nil
}

func (m *Memory) GetCourse(_ context.Context, id int64) (Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[id]
	if !ok {
		return Course{}, fmt.Errorf("course %d: %w", id, ErrNotFound)
	}
	return c, nil
}

func (m *Memory) ListCourses(_ context.Context) ([]Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Course, 0, len(m.courses))
	for _, c := range m.courses {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) DeleteCourse(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.courses[id]; !ok {
		return fmt.Errorf("course %d: %w", id, ErrNotFound)
	}
	delete(m.courses, id)
	for gid, g := range m.groups {
		if g.CourseID != id {
			continue
		}
		delete(m.groups, gid)
		delete(m.enrolled, gid)
		for sid, sv := range m.surveys {
			if sv.GroupID == gid {
				m.deleteSurveyLocked(sid)
			}
		}
	}
	return nil
}

func (m *Memory) CreateGroup(_ context.Context, courseID int64, name string) (Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.courses[courseID]; !ok {
		return Group{}, fmt.Errorf("course %d: %w", courseID, ErrNotFound)
	}
	for _, g := range m.groups {
		if g.CourseID == courseID && g.Name == name {
			return Group{}, fmt.Errorf("group %q: %w", name, ErrDuplicate)
		}
	}
	g := Group{ID: m.id(), CourseID: courseID, Name: name}
	m.groups[g.ID] = g
	return g, nil
}

func (m *Memory) GetGroup(_ context.Context, id int64) (Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return Group{}, fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	return g, nil
}

func (m *Memory) ListGroups(_ context.Context, courseID int64) ([]Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Group
	for _, g := range m.groups {
		if g.CourseID == courseID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) EnsureStudents(_ context.Context, handles []string) ([]Student, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		students []Student
		created  []string
	)
	for _, h := range handles {
		st, ok := m.studentByHandleLocked(h)
		if !ok {
			st = Student{ID: m.id(), Handle: h}
			m.students[st.ID] = st
			created = append(created, h)
		}
		students = append(students, st)
	}
	return students, created, nil
}

func (m *Memory) studentByHandleLocked(handle string) (Student, bool) {
	for _, st := range m.students {
		if st.Handle == handle {
			return st, true
		}
	}
	return Student{}, false
}

func (m *Memory) LinkStudentChat(_ context.Context, handle string, chatID int64) (Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.studentByHandleLocked(handle)
	if !ok {
		st = Student{ID: m.id(), Handle: handle}
	}
	st.ChatID = chatID
	m.students[st.ID] = st
	return st, nil
}

func (m *Memory) StudentByHandle(_ context.Context, handle string) (Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.studentByHandleLocked(handle)
	if !ok {
		return Student{}, fmt.Errorf("student %q: %w", handle, ErrNotFound)
	}
	return st, nil
}

func (m *Memory) StudentByChatID(_ context.Context, chatID int64) (Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.students {
		if st.ChatID == chatID {
			return st, nil
		}
	}
	return Student{}, fmt.Errorf("student chat %d: %w", chatID, ErrNotFound)
}

func (m *Memory) GroupMembers(_ context.Context, groupID int64) ([]Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Student
	for sid := range m.enrolled[groupID] {
		out = append(out, m.students[sid])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

func (m *Memory) CourseEnrollment(_ context.Context, courseID int64) (map[int64]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]int64)
	for gid, set := range m.enrolled {
		g, ok := m.groups[gid]
		if !ok || g.CourseID != courseID {
			continue
		}
		for sid := range set {
			out[sid] = gid
		}
	}
	return out, nil
}

func (m *Memory) ApplyEnrollmentDelta(_ context.Context, groupID int64, add, remove []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.enrolled[groupID]
	if set == nil {
		set = make(map[int64]bool)
		m.enrolled[groupID] = set
	}
	for _, id := range remove {
		delete(set, id)
	}
	for _, id := range add {
		set[id] = true
	}
	return nil
}

func (m *Memory) AddCurator(_ context.Context, handle string) (Curator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.curators {
		if c.Handle == handle {
			return Curator{}, fmt.Errorf("curator %q: %w", handle, ErrDuplicate)
		}
	}
	c := Curator{ID: m.id(), Handle: handle}
	m.curators[c.ID] = c
	return c, nil
}

func (m *Memory) ListCurators(_ context.Context) ([]Curator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Curator, 0, len(m.curators))
	for _, c := range m.curators {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

func (m *Memory) IsCurator(_ context.Context, handle string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.curators {
		if c.Handle == handle {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) CreateSurvey(_ context.Context, groupID int64, title string) (Survey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[groupID]; !ok {
		return Survey{}, fmt.Errorf("group %d: %w", groupID, ErrNotFound)
	}
	sv := Survey{ID: m.id(), GroupID: groupID, Title: title, CreatedAt: time.Now().UTC()}
	m.surveys[sv.ID] = sv
	return sv, nil
}

func (m *Memory) SetSurveyTitle(_ context.Context, id int64, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sv, ok := m.surveys[id]
	if !ok {
		return fmt.Errorf("survey %d: %w", id, ErrNotFound)
	}
	sv.Title = title
	m.surveys[id] = sv
	return nil
}

func (m *Memory) GetSurvey(_ context.Context, id int64) (Survey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sv, ok := m.surveys[id]
	if !ok {
		return Survey{}, fmt.Errorf("survey %d: %w", id, ErrNotFound)
	}
	return sv, nil
}

func (m *Memory) ListSurveys(_ context.Context, groupID int64) ([]Survey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Survey
	for _, sv := range m.surveys {
		if sv.GroupID == groupID {
			out = append(out, sv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteSurvey(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.surveys[id]; !ok {
		return fmt.Errorf("survey %d: %w", id, ErrNotFound)
	}
	m.deleteSurveyLocked(id)
	return nil
}

func (m *Memory) deleteSurveyLocked(id int64) {
	delete(m.surveys, id)
	for qid, q := range m.questions {
		if q.SurveyID == id {
			delete(m.questions, qid)
		}
	}
}

func (m *Memory) DeleteUntitledSurveysBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, sv := range m.surveys {
		if sv.Title == "" && sv.CreatedAt.Before(cutoff) {
			m.deleteSurveyLocked(id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) QuestionsBySurvey(_ context.Context, surveyID int64) ([]Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Question
	for _, q := range m.questions {
		if q.SurveyID == surveyID {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *Memory) QuestionByOrder(_ context.Context, surveyID int64, order int) (Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.questions {
		if q.SurveyID == surveyID && q.Order == order {
			return q, nil
		}
	}
	return Question{}, fmt.Errorf("survey %d question %d: %w", surveyID, order, ErrNotFound)
}

func (m *Memory) ReplaceQuestions(_ context.Context, surveyID int64, drafts []QuestionDraft) error {
	if len(drafts) == 0 {
		return errors.New("refusing to replace questions with an empty list")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for qid, q := range m.questions {
		if q.SurveyID == surveyID {
			delete(m.questions, qid)
		}
	}
	for i, d := range drafts {
		q := Question{ID: m.id(), SurveyID: surveyID, Order: i + 1, Text: d.Text, Type: d.Type}
		m.questions[q.ID] = q
	}
	return nil
}

func (m *Memory) InsertResponse(_ context.Context, r Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.AnsweredAt.IsZero() {
		r.AnsweredAt = time.Now().UTC()
	}
	r.ID = m.id()
	m.responses = append(m.responses, r)
	return nil
}

func (m *Memory) ResponsesBySurvey(_ context.Context, surveyID int64) ([]Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Response
	for _, r := range m.responses {
		if r.SurveyID == surveyID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].QuestionOrder < out[j].QuestionOrder
	})
	return out, nil
}

func (m *Memory) InsertFeedback(_ context.Context, fb Feedback) (Feedback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	fb.ID = m.id()
	m.feedback = append(m.feedback, fb)
	return fb, nil
}

func (m *Memory) ListFeedback(_ context.Context) ([]Feedback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Feedback, len(m.feedback))
	copy(out, m.feedback)
	return out, nil
}

func (m *Memory) CountSessions(_ context.Context, surveyID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	for _, r := range m.responses {
		if r.SurveyID == surveyID {
			seen[r.SessionID] = true
		}
	}
	return len(seen), nil
}
