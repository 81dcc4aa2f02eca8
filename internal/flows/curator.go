package flows

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"surveybot/internal/state"
	"surveybot/internal/storage"
	"surveybot/internal/survey/dispatch"
	"surveybot/internal/survey/enroll"
	"surveybot/internal/transport/telegram/router"
	"surveybot/pkg/tgui"
)

func (f *Flows) cmdSurveys(ctx context.Context, req *router.Request) error {
	_, err := f.startPicked(ctx, req, "surveys")
	return err
}

func (f *Flows) cmdQuestions(ctx context.Context, req *router.Request) error {
	_, err := f.startPicked(ctx, req, "questions")
	return err
}

func (f *Flows) cmdSend(ctx context.Context, req *router.Request) error {
	_, err := f.startPicked(ctx, req, "send")
	return err
}

func (f *Flows) cmdStudents(ctx context.Context, req *router.Request) error {
	_, err := f.startPicked(ctx, req, "students")
	return err
}

func (f *Flows) cmdSetStudents(ctx context.Context, req *router.Request) error {
	_, err := f.startPicked(ctx, req, "setstudents")
	return err
}

func (f *Flows) cmdAddStudent(ctx context.Context, req *router.Request) error {
	_, err := f.startPicked(ctx, req, "addstudent")
	return err
}

func (f *Flows) cmdDelStudent(ctx context.Context, req *router.Request) error {
	_, err := f.startPicked(ctx, req, "delstudent")
	return err
}

// cbCourse continues whichever flow asked for a course.
func (f *Flows) cbCourse(ctx context.Context, req *router.Request, purpose, payload string) error {
	sess, ok := f.states.Get(req.Chat.ChatID)
	if !ok || sess.Purpose != purpose {
		return nil
	}
	id, ok := parseID(payload)
	if !ok {
		return nil
	}
	if _, err := f.store.GetCourse(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			f.states.Store().Clear(req.Chat.ChatID)
			return f.reply(ctx, req, "That course no longer exists. Start over.")
		}
		return err
	}
	sess.CourseID = id

	switch purpose {
	case "newgroup":
		sess.Tag = state.AwaitingGroupName
		return f.prompt(ctx, req, sess, "Send the new group's name:", nil)
	case "groups":
		f.states.Store().Clear(req.Chat.ChatID)
		return f.listGroups(ctx, req, id)
	default:
		// Every other flow proceeds to a group.
		return f.sendGroupPicker(ctx, req, sess, purpose)
	}
}

// cbGroup continues whichever flow asked for a group.
func (f *Flows) cbGroup(ctx context.Context, req *router.Request, purpose, payload string) error {
	sess, ok := f.states.Get(req.Chat.ChatID)
	if !ok || sess.Purpose != purpose {
		return nil
	}
	id, ok := parseID(payload)
	if !ok {
		return nil
	}
	if _, err := f.store.GetGroup(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			f.states.Store().Clear(req.Chat.ChatID)
			return f.reply(ctx, req, "That group no longer exists. Start over.")
		}
		return err
	}
	sess.GroupID = id

	switch purpose {
	case "newsurvey":
		survey, err := f.store.CreateSurvey(ctx, id, "")
		if err != nil {
			return err
		}
		sess.SurveyID = survey.ID
		sess.Tag = state.AwaitingSurveyTitle
		return f.prompt(ctx, req, sess, "Send the survey title:", nil)

	case "setquestions", "send", "questions":
		return f.sendSurveyPicker(ctx, req, sess, purpose)

	case "surveys":
		f.states.Store().Clear(req.Chat.ChatID)
		return f.listSurveys(ctx, req, id)

	case "students":
		f.states.Store().Clear(req.Chat.ChatID)
		return f.listStudents(ctx, req, id)

	case "setstudents":
		sess.Tag = state.AwaitingHandles
		return f.prompt(ctx, req, sess,
			"Send the full member list as handles separated by spaces or new lines.\n"+
				"Send a single - to clear the group.", nil)

	case "addstudent":
		sess.Tag = state.AwaitingOneHandle
		return f.prompt(ctx, req, sess, "Send the handle of the student to add:", nil)

	case "delstudent":
		sess.Tag = state.AwaitingOneHandle
		return f.prompt(ctx, req, sess, "Send the handle of the student to remove:", nil)

	default:
		return nil
	}
}

// cbSurvey continues whichever flow asked for a survey.
func (f *Flows) cbSurvey(ctx context.Context, req *router.Request, purpose, payload string) error {
	sess, ok := f.states.Get(req.Chat.ChatID)
	if !ok || sess.Purpose != purpose {
		return nil
	}
	id, ok := parseID(payload)
	if !ok {
		return nil
	}
	if _, err := f.store.GetSurvey(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			f.states.Store().Clear(req.Chat.ChatID)
			return f.reply(ctx, req, "That survey no longer exists. Start over.")
		}
		return err
	}
	sess.SurveyID = id

	switch purpose {
	case "setquestions":
		has, err := f.builder.HasQuestions(ctx, id)
		if err != nil {
			return err
		}
		if has {
			sess.Tag = state.ConfirmingOverwrite
			kb := tgui.ConfirmInline(
				tgui.Btn("Replace them", tgui.Data(scopeAuthoring, "ow", "yes")),
				tgui.Btn("Keep them", tgui.Data(scopeAuthoring, "ow", "no")),
			)
			return f.prompt(ctx, req, sess,
				"This survey already has questions. Saving will replace all of them. Continue?",
				kb.Markup())
		}
		sess.Tag = state.AwaitingQuestionType
		return f.sendTypePrompt(ctx, req, sess)

	case "questions":
		f.states.Store().Clear(req.Chat.ChatID)
		return f.listQuestions(ctx, req, id)

	case "send":
		f.states.Store().Clear(req.Chat.ChatID)
		return f.broadcast(ctx, req, id)

	default:
		return nil
	}
}

func (f *Flows) listSurveys(ctx context.Context, req *router.Request, groupID int64) error {
	surveys, err := f.store.ListSurveys(ctx, groupID)
	if err != nil {
		return err
	}
	if len(surveys) == 0 {
		return f.reply(ctx, req, "This group has no surveys yet.")
	}
	parts := []tgui.H{tgui.B("Surveys:")}
	for _, sv := range surveys {
		title := sv.Title
		if title == "" {
			title = "(untitled draft)"
		}
		sessions, err := f.store.CountSessions(ctx, sv.ID)
		if err != nil {
			return err
		}
		parts = append(parts, tgui.JoinH(" ",
			tgui.Esc("-"), tgui.B(title),
			tgui.Esc(fmt.Sprintf("(%d response session(s))", sessions))))
	}
	return f.replyHTML(ctx, req, tgui.JoinH("\n", parts...))
}

func (f *Flows) listQuestions(ctx context.Context, req *router.Request, surveyID int64) error {
	questions, err := f.store.QuestionsBySurvey(ctx, surveyID)
	if err != nil {
		return err
	}
	if len(questions) == 0 {
		return f.reply(ctx, req, "This survey has no questions yet. Add them with /setquestions.")
	}
	parts := []tgui.H{tgui.B("Questions:")}
	for _, q := range questions {
		parts = append(parts, tgui.JoinH(" ",
			tgui.Esc(fmt.Sprintf("%d.", q.Order)),
			tgui.Esc(q.Text),
			tgui.I("("+q.Type.String()+")")))
	}
	return f.replyHTML(ctx, req, tgui.JoinH("\n", parts...))
}

func (f *Flows) listStudents(ctx context.Context, req *router.Request, groupID int64) error {
	members, err := f.store.GroupMembers(ctx, groupID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return f.reply(ctx, req, "This group has no members yet. Add them with /setstudents.")
	}
	var b strings.Builder
	b.WriteString("Group members:\n")
	for _, st := range members {
		b.WriteString("- @" + st.Handle)
		if !st.Reachable() {
			b.WriteString(" (has not started the bot)")
		}
		b.WriteString("\n")
	}
	return f.reply(ctx, req, b.String())
}

// broadcast dispatches the survey and reports the aggregate summary.
func (f *Flows) broadcast(ctx context.Context, req *router.Request, surveyID int64) error {
	sum, err := f.dispatcher.Broadcast(ctx, surveyID)
	switch {
	case errors.Is(err, dispatch.ErrNoQuestions):
		return f.reply(ctx, req, "This survey has no questions. Add them with /setquestions first.")
	case errors.Is(err, dispatch.ErrNoMembers):
		return f.reply(ctx, req, "The group has no members. Add them with /setstudents first.")
	case errors.Is(err, dispatch.ErrNoneReachable):
		return f.reply(ctx, req,
			"No member of this group has started the bot yet, so nobody can receive the survey.")
	case err != nil:
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Survey sent.\nDelivered: %d\nFailed: %d\n", sum.Delivered, sum.Failed)
	if len(sum.Unreachable) > 0 {
		b.WriteString("Not reachable (never started the bot):\n")
		for _, h := range sum.Unreachable {
			b.WriteString("- @" + h + "\n")
		}
	}
	return f.reply(ctx, req, b.String())
}

// onHandleList applies a full member list to the selected group.
func (f *Flows) onHandleList(ctx context.Context, req *router.Request, sess *state.Session, text string) error {
	if strings.TrimSpace(text) == "-" {
		sess.Tag = state.ConfirmingClear
		kb := tgui.ConfirmInline(
			tgui.Btn("Yes, clear it", tgui.Data(scopeClear, "yes", "")),
			tgui.Btn("No, keep members", tgui.Data(scopeClear, "no", "")),
		)
		return f.prompt(ctx, req, sess,
			"This will remove every member from the group. Continue?", kb.Markup())
	}

	clean, invalid := enroll.NormalizeHandles(strings.Fields(text))
	if len(invalid) > 0 {
		return f.reply(ctx, req,
			"These entries are not valid handles:\n"+strings.Join(invalid, "\n")+
				"\nFix the list and send it again.")
	}
	if len(clean) == 0 {
		return f.reply(ctx, req,
			"No handles found. Send the member list, or a single - to clear the group.")
	}

	rep, err := f.reconciler.Reconcile(ctx, sess.GroupID, clean)
	if err != nil {
		return err
	}
	f.states.Store().Clear(req.Chat.ChatID)
	return f.reply(ctx, req, formatReport(rep))
}

// cbClearGroup resolves the clear-group confirmation.
func (f *Flows) cbClearGroup(ctx context.Context, req *router.Request, action, _ string) error {
	sess, ok := f.states.Get(req.Chat.ChatID)
	if !ok || sess.Tag != state.ConfirmingClear {
		return nil
	}
	f.states.Store().Clear(req.Chat.ChatID)
	if action != "yes" {
		return f.reply(ctx, req, "The group was left unchanged.")
	}
	rep, err := f.reconciler.Reconcile(ctx, sess.GroupID, nil)
	if err != nil {
		return err
	}
	return f.reply(ctx, req, formatReport(rep)+"\nThe group is now empty.")
}

// onOneHandle applies a single add or remove.
func (f *Flows) onOneHandle(ctx context.Context, req *router.Request, sess *state.Session, text string) error {
	clean, _ := enroll.NormalizeHandles([]string{text})
	if len(clean) == 0 {
		return f.reply(ctx, req, "That does not look like a handle. Send a handle like @username.")
	}
	handle := clean[0]

	switch sess.Purpose {
	case "addstudent":
		rep, err := f.reconciler.AddOne(ctx, sess.GroupID, handle)
		if errors.Is(err, enroll.ErrConflict) {
			f.states.Store().Clear(req.Chat.ChatID)
			return f.reply(ctx, req,
				"@"+handle+" already belongs to another group of this course and was not moved.")
		}
		if err != nil {
			return err
		}
		f.states.Store().Clear(req.Chat.ChatID)
		switch {
		case len(rep.Kept) > 0:
			return f.reply(ctx, req, "@"+handle+" is already in this group.")
		default:
			return f.reply(ctx, req, "@"+handle+" was added to the group.")
		}

	case "delstudent":
		err := f.reconciler.RemoveOne(ctx, sess.GroupID, handle)
		if errors.Is(err, storage.ErrNotFound) {
			f.states.Store().Clear(req.Chat.ChatID)
			return f.reply(ctx, req, "@"+handle+" is not in this group.")
		}
		if err != nil {
			return err
		}
		f.states.Store().Clear(req.Chat.ChatID)
		return f.reply(ctx, req, "@"+handle+" was removed from the group.")

	case "addcurator":
		f.states.Store().Clear(req.Chat.ChatID)
		if _, err := f.store.AddCurator(ctx, handle); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return f.reply(ctx, req, "@"+handle+" is already a curator.")
			}
			return err
		}
		return f.reply(ctx, req, "@"+handle+" can now manage surveys and groups.")

	default:
		return nil
	}
}

func formatReport(rep enroll.Report) string {
	var b strings.Builder
	b.WriteString("Member list updated.\n")
	section := func(label string, handles []string) {
		if len(handles) == 0 {
			return
		}
		b.WriteString(label + ":\n")
		for _, h := range handles {
			b.WriteString("- @" + h + "\n")
		}
	}
	section("New students created and enrolled", rep.Created)
	section("Added", rep.Added)
	section("Already in the group", rep.Kept)
	section("Removed", rep.Removed)
	section("Ignored (already in another group of this course)", rep.Ignored)
	if rep.Empty() {
		b.WriteString("No changes.\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
