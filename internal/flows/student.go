package flows

import (
	"context"
	"errors"
	"strings"

	"surveybot/internal/state"
	"surveybot/internal/survey/collect"
	"surveybot/internal/survey/enroll"
	"surveybot/internal/transport/telegram/router"
	logx "surveybot/pkg/logx"
)

// cmdStart links the sender's handle to their chat id, which is what
// makes them reachable for broadcasts. Any in-flight flow is cancelled.
func (f *Flows) cmdStart(ctx context.Context, req *router.Request) error {
	f.states.Cancel(ctx, req.Chat.ChatID)

	clean, _ := enroll.NormalizeHandles([]string{req.FromUsername})
	if len(clean) == 0 {
		return f.reply(ctx, req,
			"You need a username to receive surveys. Set one in your Telegram settings and send /start again.")
	}
	st, err := f.store.LinkStudentChat(ctx, clean[0], req.Chat.ChatID)
	if err != nil {
		return err
	}
	f.log.Info("student registered",
		logx.String("handle", st.Handle), logx.Int64("chat_id", st.ChatID))

	switch req.Role {
	case router.RoleAdmin, router.RoleCurator:
		return f.reply(ctx, req,
			"Hello! You are registered. See /help for the commands available to you.")
	default:
		return f.reply(ctx, req,
			"Hello! You are registered and will receive surveys assigned to your group here.")
	}
}

func (f *Flows) cmdCancel(ctx context.Context, req *router.Request) error {
	if f.states.Cancel(ctx, req.Chat.ChatID) {
		return f.reply(ctx, req, "Operation cancelled.")
	}
	return f.reply(ctx, req, "Nothing to cancel.")
}

// cmdSkip is the command twin of the Skip button.
func (f *Flows) cmdSkip(ctx context.Context, req *router.Request) error {
	err := f.collector.Skip(ctx, req.Chat.ChatID)
	if errors.Is(err, collect.ErrNoActiveSession) {
		return f.reply(ctx, req, "There is no question to skip right now.")
	}
	return err
}

func (f *Flows) cmdHelp(ctx context.Context, req *router.Request) error {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	b.WriteString("/start - register to receive surveys\n")
	b.WriteString("/skip - skip the current question\n")
	b.WriteString("/feedback - leave feedback about a course\n")
	b.WriteString("/cancel - cancel the current operation\n")
	if req.Role == router.RoleCurator || req.Role == router.RoleAdmin {
		b.WriteString("\nSurveys:\n")
		b.WriteString("/newsurvey - create a survey\n")
		b.WriteString("/setquestions - rewrite a survey's questions\n")
		b.WriteString("/questions - show a survey's questions\n")
		b.WriteString("/surveys - list a group's surveys\n")
		b.WriteString("/send - send a survey to a group\n")
		b.WriteString("\nStudents:\n")
		b.WriteString("/students - list group members\n")
		b.WriteString("/setstudents - set the full member list\n")
		b.WriteString("/addstudent - add one student\n")
		b.WriteString("/delstudent - remove one student\n")
	}
	if req.Role == router.RoleAdmin {
		b.WriteString("\nAdministration:\n")
		b.WriteString("/newcourse - create a course\n")
		b.WriteString("/courses - list courses\n")
		b.WriteString("/delcourse - delete a course\n")
		b.WriteString("/newgroup - create a group\n")
		b.WriteString("/groups - list a course's groups\n")
		b.WriteString("/addcurator - grant curator access\n")
		b.WriteString("/curators - list curators\n")
		b.WriteString("/cleanup - remove abandoned survey drafts\n")
	}
	return f.reply(ctx, req, b.String())
}

// onText feeds plain text into whichever flow the actor is in. Text
// with no active flow is ignored.
func (f *Flows) onText(ctx context.Context, req *router.Request) error {
	sess, ok := f.states.Get(req.Chat.ChatID)
	if !ok {
		return nil
	}
	text := strings.TrimSpace(req.Update.Message.Text)

	switch sess.Tag {
	case state.Answering:
		err := f.collector.RecordText(ctx, req.Chat.ChatID, text)
		if errors.Is(err, collect.ErrBadScaleValue) {
			return f.reply(ctx, req,
				"Please answer with a number from 1 to 10, or press Skip.")
		}
		if errors.Is(err, collect.ErrNoActiveSession) {
			return nil
		}
		return err
	case state.SelectingAnonymity:
		return f.reply(ctx, req, "Please use the buttons above to choose how to answer.")
	case state.AwaitingFeedbackTopic:
		return f.onFeedbackTopic(ctx, req, sess, text)
	case state.AwaitingFeedbackText:
		return f.onFeedbackText(ctx, req, sess, text)
	case state.AwaitingSurveyTitle:
		return f.onSurveyTitle(ctx, req, sess, text)
	case state.AwaitingQuestionText:
		return f.onQuestionText(ctx, req, sess, text)
	case state.AwaitingCourseName:
		return f.onCourseName(ctx, req, sess, text)
	case state.AwaitingGroupName:
		return f.onGroupName(ctx, req, sess, text)
	case state.AwaitingHandles:
		return f.onHandleList(ctx, req, sess, text)
	case state.AwaitingOneHandle:
		return f.onOneHandle(ctx, req, sess, text)
	default:
		return nil
	}
}

// cbAnonymity resolves the openly/anonymously choice.
func (f *Flows) cbAnonymity(ctx context.Context, req *router.Request, action, _ string) error {
	var anonymous bool
	switch action {
	case collect.ActionOpen:
		anonymous = false
	case collect.ActionAnon:
		anonymous = true
	default:
		return nil
	}
	err := f.collector.ChooseAnonymity(ctx, req.Chat.ChatID, anonymous)
	if errors.Is(err, collect.ErrNoActiveSession) {
		return nil
	}
	return err
}

// cbAnswer handles scale buttons and the Skip button.
func (f *Flows) cbAnswer(ctx context.Context, req *router.Request, action, payload string) error {
	var err error
	switch action {
	case collect.ActionScale:
		err = f.collector.RecordScale(ctx, req.Chat.ChatID, payload)
	case collect.ActionSkip:
		err = f.collector.Skip(ctx, req.Chat.ChatID)
	default:
		return nil
	}
	if errors.Is(err, collect.ErrNoActiveSession) || errors.Is(err, collect.ErrBadScaleValue) {
		// Stale button from a finished or cancelled session.
		return nil
	}
	return err
}
