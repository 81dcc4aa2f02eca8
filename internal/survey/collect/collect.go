// Package collect runs a recipient's pass through one survey: it starts
// the session, persists each answer as a denormalized response row, and
// advances to the next question or completes.
package collect

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"surveybot/internal/state"
	"surveybot/internal/storage"
	"surveybot/internal/transport"
	logx "surveybot/pkg/logx"
)

var (
	// ErrNoActiveSession: an answer arrived for an actor with no session.
	ErrNoActiveSession = errors.New("no active survey session")
	// ErrBadScaleValue: a scale answer outside the allowed range.
	ErrBadScaleValue = fmt.Errorf("scale answer must be %d..%d", storage.ScaleMin, storage.ScaleMax)
)

type Collector struct {
	states *state.Manager
	store  storage.Store
	tp     transport.Adapter
	log    logx.Logger
}

func New(states *state.Manager, store storage.Store, tp transport.Adapter, log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Collector{
		states: states,
		store:  store,
		tp:     tp,
		log:    log.With(logx.String("comp", "collect")),
	}
}

// Start sends the opening prompt, the anonymity choice when askAnonymity
// is set, otherwise the first question, and installs a fresh session for
// the student. Any flow the student was in is cancelled when the new
// session is installed; a failed send leaves the old flow untouched.
func (c *Collector) Start(ctx context.Context, student storage.Student, surveyID int64, askAnonymity bool) error {
	if !student.Reachable() {
		return fmt.Errorf("student %s has no chat id", student.Handle)
	}
	survey, err := c.store.GetSurvey(ctx, surveyID)
	if err != nil {
		return err
	}
	group, err := c.store.GetGroup(ctx, survey.GroupID)
	if err != nil {
		return err
	}
	course, err := c.store.GetCourse(ctx, group.CourseID)
	if err != nil {
		return err
	}
	questions, err := c.store.QuestionsBySurvey(ctx, surveyID)
	if err != nil {
		return err
	}
	if len(questions) == 0 {
		return fmt.Errorf("survey %d has no questions", surveyID)
	}

	sess := &state.Session{
		SurveyID:       surveyID,
		GroupID:        group.ID,
		CourseID:       course.ID,
		SessionID:      uuid.NewString(),
		TotalQuestions: len(questions),
		CourseName:     course.Name,
		GroupName:      group.Name,
		SurveyTitle:    survey.Title,
		StudentHandle:  student.Handle,
		StudentChatID:  student.ChatID,
	}

	// The session is installed only after the opening prompt is on the
	// wire and its ref is recorded. Once published, the session is only
	// touched by the recipient's own updates, which the router serializes.
	if askAnonymity {
		sess.Tag = state.SelectingAnonymity
		title := survey.Title
		if title == "" {
			title = "survey"
		}
		ref, err := c.tp.SendText(ctx, transport.ChatTarget{ChatID: student.ChatID},
			fmt.Sprintf("You have been invited to answer %q. How would you like to answer?", title),
			&transport.SendOptions{ReplyMarkupAdapter: anonymityMarkup()})
		if err != nil {
			return err
		}
		sess.LastPrompt = &ref
		c.states.Begin(ctx, student.ChatID, sess)
		return nil
	}

	sess.Tag = state.Answering
	if err := c.ask(ctx, sess, questions[0]); err != nil {
		return err
	}
	c.states.Begin(ctx, student.ChatID, sess)
	return nil
}

// ChooseAnonymity resolves the anonymity prompt and sends the first
// question.
func (c *Collector) ChooseAnonymity(ctx context.Context, actor int64, anonymous bool) error {
	sess, ok := c.states.Get(actor)
	if !ok || sess.Tag != state.SelectingAnonymity {
		return ErrNoActiveSession
	}
	sess.Anonymous = anonymous
	sess.Tag = state.Answering

	q, err := c.store.QuestionByOrder(ctx, sess.SurveyID, 1)
	if err != nil {
		c.states.Store().Clear(actor)
		return err
	}
	return c.ask(ctx, sess, q)
}

// RecordScale handles a scale button press or a numeric text reply.
func (c *Collector) RecordScale(ctx context.Context, actor int64, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n < storage.ScaleMin || n > storage.ScaleMax {
		return ErrBadScaleValue
	}
	return c.record(ctx, actor, strconv.Itoa(n))
}

// RecordText handles a free-form reply. For scale questions the text is
// validated as a scale value, matching the button behavior.
func (c *Collector) RecordText(ctx context.Context, actor int64, text string) error {
	sess, ok := c.states.Get(actor)
	if !ok || sess.Tag != state.Answering {
		return ErrNoActiveSession
	}
	q, err := c.store.QuestionByOrder(ctx, sess.SurveyID, sess.QuestionOrder)
	if err != nil {
		return err
	}
	if q.Type == storage.QuestionScale {
		return c.RecordScale(ctx, actor, text)
	}
	return c.record(ctx, actor, text)
}

// Skip records the skip sentinel for the current question.
func (c *Collector) Skip(ctx context.Context, actor int64) error {
	return c.record(ctx, actor, storage.SkippedAnswer)
}

// record persists the answer, then advances. The write always precedes
// the next send, so question N+1 is never on the wire before answer N
// is durable.
func (c *Collector) record(ctx context.Context, actor int64, answer string) error {
	sess, ok := c.states.Get(actor)
	if !ok || sess.Tag != state.Answering {
		return ErrNoActiveSession
	}
	q, err := c.store.QuestionByOrder(ctx, sess.SurveyID, sess.QuestionOrder)
	if err != nil {
		return err
	}

	handle, chatID := sess.StudentHandle, sess.StudentChatID
	if sess.Anonymous {
		handle, chatID = storage.AnonymousHandle, storage.AnonymousChatID
	}
	if handle == "" {
		// No resolvable recipient and not anonymous: refuse the write.
		return fmt.Errorf("actor %d has no recipient identity", actor)
	}

	resp := storage.Response{
		SurveyID:      sess.SurveyID,
		SessionID:     sess.SessionID,
		QuestionID:    q.ID,
		QuestionOrder: q.Order,
		QuestionText:  q.Text,
		QuestionType:  q.Type,
		CourseName:    sess.CourseName,
		GroupName:     sess.GroupName,
		SurveyTitle:   sess.SurveyTitle,
		StudentHandle: handle,
		StudentChatID: chatID,
		Anonymous:     sess.Anonymous,
		Answer:        answer,
	}
	if err := c.store.InsertResponse(ctx, resp); err != nil {
		return err
	}
	return c.advance(ctx, actor, sess)
}

// advance sends the next question or completes the session. A transport
// failure after the write is tolerated: the answer stays recorded.
func (c *Collector) advance(ctx context.Context, actor int64, sess *state.Session) error {
	next, err := c.store.QuestionByOrder(ctx, sess.SurveyID, sess.QuestionOrder+1)
	if errors.Is(err, storage.ErrNotFound) {
		c.states.Store().Clear(actor)
		_, serr := c.tp.SendText(ctx, transport.ChatTarget{ChatID: actor},
			"That was the last question. Thank you for your answers!", nil)
		if serr != nil {
			c.log.Warn("completion notice failed",
				logx.Int64("actor", actor), logx.Err(serr))
		}
		return nil
	}
	if err != nil {
		return err
	}
	if err := c.ask(ctx, sess, next); err != nil {
		c.log.Warn("next question not delivered",
			logx.Int64("actor", actor),
			logx.Int("order", next.Order), logx.Err(err))
		return nil
	}
	return nil
}

func (c *Collector) ask(ctx context.Context, sess *state.Session, q storage.Question) error {
	ref, err := c.tp.SendText(ctx, transport.ChatTarget{ChatID: sess.StudentChatID},
		questionText(q, sess.TotalQuestions),
		&transport.SendOptions{ParseMode: "HTML", ReplyMarkupAdapter: questionMarkup(q.Type)})
	if err != nil {
		return err
	}
	sess.QuestionOrder = q.Order
	sess.QuestionID = q.ID
	sess.LastPrompt = &ref
	return nil
}
