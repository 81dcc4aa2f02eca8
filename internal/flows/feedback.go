package flows

import (
	"context"
	"fmt"
	"strconv"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"surveybot/internal/state"
	"surveybot/internal/storage"
	"surveybot/internal/survey/enroll"
	"surveybot/internal/transport/telegram/router"
	"surveybot/pkg/tgui"
)

// cmdFeedback opens the feedback flow: pick a course, name a topic,
// write the text. Open to everyone, not just enrolled students.
func (f *Flows) cmdFeedback(ctx context.Context, req *router.Request) error {
	courses, err := f.store.ListCourses(ctx)
	if err != nil {
		return err
	}
	if len(courses) == 0 {
		return f.reply(ctx, req, "There are no courses to leave feedback on yet.")
	}

	sess := &state.Session{Purpose: "feedback"}
	f.states.Begin(ctx, req.Chat.ChatID, sess)

	btns := make([]tele.Btn, 0, len(courses))
	for _, c := range courses {
		btns = append(btns, tgui.Btn(c.Name,
			tgui.Data(scopeFeedback, "pick", strconv.FormatInt(c.ID, 10))))
	}
	return f.prompt(ctx, req, sess, "Which course is your feedback about?", tgui.Grid2(btns))
}

func (f *Flows) cbFeedback(ctx context.Context, req *router.Request, action, payload string) error {
	if action != "pick" {
		return nil
	}
	sess, ok := f.states.Get(req.Chat.ChatID)
	if !ok || sess.Purpose != "feedback" {
		return nil
	}
	id, ok := parseID(payload)
	if !ok {
		return nil
	}
	course, err := f.store.GetCourse(ctx, id)
	if err != nil {
		f.states.Cancel(ctx, req.Chat.ChatID)
		return f.reply(ctx, req, "That course no longer exists. Start over with /feedback.")
	}

	sess.CourseID = course.ID
	sess.Tag = state.AwaitingFeedbackTopic
	return f.prompt(ctx, req, sess,
		"Feedback on "+tgui.B(course.Name).String()+". What is the topic?", nil)
}

func (f *Flows) onFeedbackTopic(ctx context.Context, req *router.Request, sess *state.Session, topic string) error {
	if topic == "" || utf8.RuneCountInString(topic) > maxTitleLen {
		return f.reply(ctx, req, fmt.Sprintf(
			"A topic must be between 1 and %d characters. Try again.", maxTitleLen))
	}
	sess.FeedbackTopic = topic
	sess.Tag = state.AwaitingFeedbackText
	return f.prompt(ctx, req, sess, "Now write your feedback.", nil)
}

func (f *Flows) onFeedbackText(ctx context.Context, req *router.Request, sess *state.Session, text string) error {
	if text == "" {
		return f.reply(ctx, req, "Feedback cannot be empty. Write a few words, or /cancel.")
	}

	// Senders without a username are recorded under their chat id, so
	// the row still identifies someone.
	handle := strconv.FormatInt(req.Chat.ChatID, 10)
	if clean, _ := enroll.NormalizeHandles([]string{req.FromUsername}); len(clean) > 0 {
		handle = clean[0]
	}

	courseID, topic := sess.CourseID, sess.FeedbackTopic
	f.states.Store().Clear(req.Chat.ChatID)

	_, _, err := f.feedback.Submit(ctx,
		storage.Student{Handle: handle, ChatID: req.Chat.ChatID}, courseID, topic, text)
	if err != nil {
		return err
	}
	return f.reply(ctx, req, "Thank you! Your feedback has been recorded.")
}
