package flows

import (
	"context"
	"strconv"

	tele "gopkg.in/telebot.v4"

	"surveybot/internal/state"
	"surveybot/internal/transport/telegram/router"
	"surveybot/pkg/tgui"
)

// Inline pickers drive every "select a course/group/survey" step. The
// callback action carries the purpose (the command that started the
// flow) so one callback scope serves all of them.

func (f *Flows) startPicked(ctx context.Context, req *router.Request, purpose string) (*state.Session, error) {
	sess := &state.Session{Purpose: purpose}
	f.states.Begin(ctx, req.Chat.ChatID, sess)
	return sess, f.sendCoursePicker(ctx, req, sess, purpose)
}

func (f *Flows) sendCoursePicker(ctx context.Context, req *router.Request, sess *state.Session, purpose string) error {
	courses, err := f.store.ListCourses(ctx)
	if err != nil {
		return err
	}
	if len(courses) == 0 {
		f.states.Store().Clear(req.Chat.ChatID)
		return f.reply(ctx, req, "There are no courses yet. Create one with /newcourse.")
	}
	btns := make([]tele.Btn, 0, len(courses))
	for _, c := range courses {
		btns = append(btns, tgui.Btn(c.Name,
			tgui.Data(scopeCourse, purpose, strconv.FormatInt(c.ID, 10))))
	}
	return f.prompt(ctx, req, sess, "Select a course:", tgui.Grid2(btns))
}

func (f *Flows) sendGroupPicker(ctx context.Context, req *router.Request, sess *state.Session, purpose string) error {
	groups, err := f.store.ListGroups(ctx, sess.CourseID)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		f.states.Store().Clear(req.Chat.ChatID)
		return f.reply(ctx, req, "This course has no groups yet. Create one with /newgroup.")
	}
	btns := make([]tele.Btn, 0, len(groups))
	for _, g := range groups {
		btns = append(btns, tgui.Btn(g.Name,
			tgui.Data(scopeGroup, purpose, strconv.FormatInt(g.ID, 10))))
	}
	return f.prompt(ctx, req, sess, "Select a group:", tgui.Grid2(btns))
}

func (f *Flows) sendSurveyPicker(ctx context.Context, req *router.Request, sess *state.Session, purpose string) error {
	surveys, err := f.store.ListSurveys(ctx, sess.GroupID)
	if err != nil {
		return err
	}
	if len(surveys) == 0 {
		f.states.Store().Clear(req.Chat.ChatID)
		return f.reply(ctx, req, "This group has no surveys yet. Create one with /newsurvey.")
	}
	btns := make([]tele.Btn, 0, len(surveys))
	for _, sv := range surveys {
		title := sv.Title
		if title == "" {
			title = "(untitled draft)"
		}
		btns = append(btns, tgui.Btn(title,
			tgui.Data(scopeSurvey, purpose, strconv.FormatInt(sv.ID, 10))))
	}
	return f.prompt(ctx, req, sess, "Select a survey:", tgui.Grid2(btns))
}
