package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "surveybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}

func (s *sqliteStore) CreateCourse(ctx context.Context, name string) (Course, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO courses(name) VALUES(?)`, name)
	if isUniqueErr(err) {
		return Course{}, fmt.Errorf("course %q: %w", name, ErrDuplicate)
	}
	if err != nil {
		return Course{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Course{}, err
	}
	return Course{ID: id, Name: name}, nil
}

func (s *sqliteStore) GetCourse(ctx context.Context, id int64) (Course, error) {
	var c Course
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM courses WHERE id = ?`, id).
		Scan(&c.ID, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Course{}, fmt.Errorf("course %d: %w", id, ErrNotFound)
	}
	return c, err
}

func (s *sqliteStore) ListCourses(ctx context.Context) ([]Course, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM courses ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Course
	for rows.Next() {
		var c Course
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteCourse(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM courses WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("course %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) CreateGroup(ctx context.Context, courseID int64, name string) (Group, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO groups(course_id, name) VALUES(?,?)`, courseID, name)
	if isUniqueErr(err) {
		return Group{}, fmt.Errorf("group %q: %w", name, ErrDuplicate)
	}
	if err != nil {
		return Group{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Group{}, err
	}
	return Group{ID: id, CourseID: courseID, Name: name}, nil
}

func (s *sqliteStore) GetGroup(ctx context.Context, id int64) (Group, error) {
	var g Group
	err := s.db.QueryRowContext(ctx,
		`SELECT id, course_id, name FROM groups WHERE id = ?`, id).
		Scan(&g.ID, &g.CourseID, &g.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	return g, err
}

func (s *sqliteStore) ListGroups(ctx context.Context, courseID int64) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, course_id, name FROM groups WHERE course_id = ? ORDER BY name`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.CourseID, &g.Name); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) EnsureStudents(ctx context.Context, handles []string) ([]Student, []string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	var (
		students []Student
		created  []string
	)
	for _, h := range handles {
		var st Student
		err := tx.QueryRowContext(ctx,
			`SELECT id, handle, chat_id FROM students WHERE handle = ?`, h).
			Scan(&st.ID, &st.Handle, &st.ChatID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx, `INSERT INTO students(handle) VALUES(?)`, h)
			if err != nil {
				return nil, nil, err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return nil, nil, err
			}
			st = Student{ID: id, Handle: h}
			created = append(created, h)
		case err != nil:
			return nil, nil, err
		}
		students = append(students, st)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return students, created, nil
}

func (s *sqliteStore) LinkStudentChat(ctx context.Context, handle string, chatID int64) (Student, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO students(handle, chat_id) VALUES(?,?)
		 ON CONFLICT(handle) DO UPDATE SET chat_id=excluded.chat_id`,
		handle, chatID)
	if err != nil {
		return Student{}, err
	}
	var st Student
	err = s.db.QueryRowContext(ctx,
		`SELECT id, handle, chat_id FROM students WHERE handle = ?`, handle).
		Scan(&st.ID, &st.Handle, &st.ChatID)
	return st, err
}

func (s *sqliteStore) StudentByHandle(ctx context.Context, handle string) (Student, error) {
	var st Student
	err := s.db.QueryRowContext(ctx,
		`SELECT id, handle, chat_id FROM students WHERE handle = ?`, handle).
		Scan(&st.ID, &st.Handle, &st.ChatID)
	if errors.Is(err, sql.ErrNoRows) {
		return Student{}, fmt.Errorf("student %q: %w", handle, ErrNotFound)
	}
	return st, err
}

func (s *sqliteStore) StudentByChatID(ctx context.Context, chatID int64) (Student, error) {
	var st Student
	err := s.db.QueryRowContext(ctx,
		`SELECT id, handle, chat_id FROM students WHERE chat_id = ?`, chatID).
		Scan(&st.ID, &st.Handle, &st.ChatID)
	if errors.Is(err, sql.ErrNoRows) {
		return Student{}, fmt.Errorf("student chat %d: %w", chatID, ErrNotFound)
	}
	return st, err
}

func (s *sqliteStore) GroupMembers(ctx context.Context, groupID int64) ([]Student, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.handle, s.chat_id
		   FROM students s JOIN group_students gs ON gs.student_id = s.id
		  WHERE gs.group_id = ? ORDER BY s.handle`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Student
	for rows.Next() {
		var st Student
		if err := rows.Scan(&st.ID, &st.Handle, &st.ChatID); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CourseEnrollment(ctx context.Context, courseID int64) (map[int64]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT gs.student_id, gs.group_id
		   FROM group_students gs JOIN groups g ON g.id = gs.group_id
		  WHERE g.course_id = ?`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]int64)
	for rows.Next() {
		var studentID, groupID int64
		if err := rows.Scan(&studentID, &groupID); err != nil {
			return nil, err
		}
		out[studentID] = groupID
	}
	return out, rows.Err()
}

func (s *sqliteStore) ApplyEnrollmentDelta(ctx context.Context, groupID int64, add, remove []int64) error {
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range remove {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM group_students WHERE group_id = ? AND student_id = ?`,
			groupID, id); err != nil {
			return err
		}
	}
	for _, id := range add {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO group_students(group_id, student_id) VALUES(?,?)`,
			groupID, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) AddCurator(ctx context.Context, handle string) (Curator, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO curators(handle) VALUES(?)`, handle)
	if isUniqueErr(err) {
		return Curator{}, fmt.Errorf("curator %q: %w", handle, ErrDuplicate)
	}
	if err != nil {
		return Curator{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Curator{}, err
	}
	return Curator{ID: id, Handle: handle}, nil
}

func (s *sqliteStore) ListCurators(ctx context.Context) ([]Curator, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, handle FROM curators ORDER BY handle`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Curator
	for rows.Next() {
		var c Curator
		if err := rows.Scan(&c.ID, &c.Handle); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) IsCurator(ctx context.Context, handle string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM curators WHERE handle = ?`, handle).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) CreateSurvey(ctx context.Context, groupID int64, title string) (Survey, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO surveys(group_id, title, created_at) VALUES(?,?,?)`,
		groupID, title, now.Format(time.RFC3339Nano))
	if err != nil {
		return Survey{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Survey{}, err
	}
	return Survey{ID: id, GroupID: groupID, Title: title, CreatedAt: now}, nil
}

func (s *sqliteStore) SetSurveyTitle(ctx context.Context, id int64, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE surveys SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("survey %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) GetSurvey(ctx context.Context, id int64) (Survey, error) {
	var (
		sv Survey
		at string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, group_id, title, created_at FROM surveys WHERE id = ?`, id).
		Scan(&sv.ID, &sv.GroupID, &sv.Title, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Survey{}, fmt.Errorf("survey %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Survey{}, err
	}
	sv.CreatedAt, _ = time.Parse(time.RFC3339Nano, at)
	return sv, nil
}

func (s *sqliteStore) ListSurveys(ctx context.Context, groupID int64) ([]Survey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_id, title, created_at FROM surveys
		  WHERE group_id = ? ORDER BY id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Survey
	for rows.Next() {
		var (
			sv Survey
			at string
		)
		if err := rows.Scan(&sv.ID, &sv.GroupID, &sv.Title, &at); err != nil {
			return nil, err
		}
		sv.CreatedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, sv)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteSurvey(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM surveys WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("survey %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) DeleteUntitledSurveysBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM surveys WHERE title = '' AND created_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) QuestionsBySurvey(ctx context.Context, surveyID int64) ([]Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, survey_id, ord, text, qtype FROM questions
		  WHERE survey_id = ? ORDER BY ord`, surveyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Question
	for rows.Next() {
		q, err := scanQuestion(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *sqliteStore) QuestionByOrder(ctx context.Context, surveyID int64, order int) (Question, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, survey_id, ord, text, qtype FROM questions
		  WHERE survey_id = ? AND ord = ?`, surveyID, order)
	q, err := scanQuestion(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Question{}, fmt.Errorf("survey %d question %d: %w", surveyID, order, ErrNotFound)
	}
	return q, err
}

func scanQuestion(scan func(...any) error) (Question, error) {
	var (
		q  Question
		ts string
	)
	if err := scan(&q.ID, &q.SurveyID, &q.Order, &q.Text, &ts); err != nil {
		return Question{}, err
	}
	t, err := ParseQuestionType(ts)
	if err != nil {
		return Question{}, err
	}
	q.Type = t
	return q, nil
}

func (s *sqliteStore) ReplaceQuestions(ctx context.Context, surveyID int64, drafts []QuestionDraft) error {
	if len(drafts) == 0 {
		return errors.New("refusing to replace questions with an empty list")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM questions WHERE survey_id = ?`, surveyID); err != nil {
		return err
	}
	for i, d := range drafts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO questions(survey_id, ord, text, qtype) VALUES(?,?,?,?)`,
			surveyID, i+1, d.Text, d.Type.String()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) InsertResponse(ctx context.Context, r Response) error {
	if r.AnsweredAt.IsZero() {
		r.AnsweredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO responses(survey_id, session_id, question_id, question_ord,
		   question_text, question_type, course_name, group_name, survey_title,
		   student_handle, student_chat, anonymous, answer, answered_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.SurveyID, r.SessionID, r.QuestionID, r.QuestionOrder,
		r.QuestionText, r.QuestionType.String(), r.CourseName, r.GroupName, r.SurveyTitle,
		r.StudentHandle, r.StudentChatID, boolInt(r.Anonymous), r.Answer,
		r.AnsweredAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) ResponsesBySurvey(ctx context.Context, surveyID int64) ([]Response, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, survey_id, session_id, question_id, question_ord,
		        question_text, question_type, course_name, group_name, survey_title,
		        student_handle, student_chat, anonymous, answer, answered_at
		   FROM responses WHERE survey_id = ?
		  ORDER BY session_id, question_ord`, surveyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Response
	for rows.Next() {
		var (
			r      Response
			ts, at string
			anon   int
		)
		if err := rows.Scan(&r.ID, &r.SurveyID, &r.SessionID, &r.QuestionID, &r.QuestionOrder,
			&r.QuestionText, &ts, &r.CourseName, &r.GroupName, &r.SurveyTitle,
			&r.StudentHandle, &r.StudentChatID, &anon, &r.Answer, &at); err != nil {
			return nil, err
		}
		t, err := ParseQuestionType(ts)
		if err != nil {
			return nil, err
		}
		r.QuestionType = t
		r.Anonymous = anon != 0
		r.AnsweredAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountSessions(ctx context.Context, surveyID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT session_id) FROM responses WHERE survey_id = ?`, surveyID).
		Scan(&n)
	return n, err
}

func (s *sqliteStore) InsertFeedback(ctx context.Context, fb Feedback) (Feedback, error) {
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback(student_handle, student_chat, course_name, topic, text, created_at)
		 VALUES(?,?,?,?,?,?)`,
		fb.StudentHandle, fb.StudentChatID, fb.CourseName, fb.Topic, fb.Text,
		fb.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return Feedback{}, err
	}
	fb.ID, err = res.LastInsertId()
	return fb, err
}

func (s *sqliteStore) ListFeedback(ctx context.Context) ([]Feedback, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, student_handle, student_chat, course_name, topic, text, created_at
		   FROM feedback ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Feedback
	for rows.Next() {
		var (
			fb Feedback
			at string
		)
		if err := rows.Scan(&fb.ID, &fb.StudentHandle, &fb.StudentChatID,
			&fb.CourseName, &fb.Topic, &fb.Text, &at); err != nil {
			return nil, err
		}
		fb.CreatedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, fb)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
