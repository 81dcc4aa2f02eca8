package flows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"surveybot/internal/state"
	"surveybot/internal/storage"
	"surveybot/internal/survey/authoring"
	"surveybot/internal/transport/telegram/router"
	"surveybot/pkg/tgui"
)

const maxTitleLen = 200

// cmdNewSurvey starts the authoring flow: course, group, title, then
// the question loop. The survey row is created untitled as soon as the
// group is picked; abandoned drafts are swept by retention.
func (f *Flows) cmdNewSurvey(ctx context.Context, req *router.Request) error {
	_, err := f.startPicked(ctx, req, "newsurvey")
	return err
}

// cmdSetQuestions re-authors an existing survey's question list.
func (f *Flows) cmdSetQuestions(ctx context.Context, req *router.Request) error {
	_, err := f.startPicked(ctx, req, "setquestions")
	return err
}

func (f *Flows) onSurveyTitle(ctx context.Context, req *router.Request, sess *state.Session, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return f.reply(ctx, req, "The title cannot be empty. Send the survey title.")
	}
	if utf8.RuneCountInString(title) > maxTitleLen {
		return f.reply(ctx, req,
			fmt.Sprintf("The title is too long (limit %d characters). Send a shorter one.", maxTitleLen))
	}
	if err := f.store.SetSurveyTitle(ctx, sess.SurveyID, title); err != nil {
		f.states.Store().Clear(req.Chat.ChatID)
		return err
	}
	sess.Tag = state.AwaitingQuestionType
	return f.sendTypePrompt(ctx, req, sess)
}

func (f *Flows) sendTypePrompt(ctx context.Context, req *router.Request, sess *state.Session) error {
	n := len(sess.Drafts) + 1
	kb := tgui.NewInline().Row(
		tgui.Btn("Scale 1-10", tgui.Data(scopeAuthoring, "type", "scale")),
		tgui.Btn("Free text", tgui.Data(scopeAuthoring, "type", "text")),
	)
	if len(sess.Drafts) > 0 {
		kb.Row(tgui.Btn("Save survey", tgui.Data(scopeAuthoring, "finish", "")))
	}
	return f.prompt(ctx, req, sess,
		fmt.Sprintf("Question %d of up to %d. Choose its type:", n, authoring.MaxQuestions),
		kb.Markup())
}

func (f *Flows) onQuestionText(ctx context.Context, req *router.Request, sess *state.Session, text string) error {
	full, err := f.builder.AddDraft(sess, text, sess.DraftType)
	switch {
	case errors.Is(err, authoring.ErrEmptyDraft):
		return f.reply(ctx, req, "The question text cannot be empty. Send the question text.")
	case errors.Is(err, authoring.ErrDraftTooLong):
		return f.reply(ctx, req,
			fmt.Sprintf("The question is too long (limit %d characters). Send a shorter one.", authoring.MaxQuestionLen))
	case err != nil:
		return err
	}
	if full {
		if err := f.finalizeSurvey(ctx, req, sess); err != nil {
			return err
		}
		return f.reply(ctx, req,
			fmt.Sprintf("Question limit reached, the survey was saved with %d questions.", authoring.MaxQuestions))
	}
	sess.Tag = state.AwaitingQuestionType
	return f.sendTypePrompt(ctx, req, sess)
}

func (f *Flows) cbAuthoring(ctx context.Context, req *router.Request, action, payload string) error {
	sess, ok := f.states.Get(req.Chat.ChatID)
	if !ok {
		return nil
	}
	switch action {
	case "type":
		if sess.Tag != state.AwaitingQuestionType {
			return nil
		}
		t, err := storage.ParseQuestionType(payload)
		if err != nil {
			return nil
		}
		sess.DraftType = t
		sess.Tag = state.AwaitingQuestionText
		return f.prompt(ctx, req, sess,
			fmt.Sprintf("Send the text of question %d:", len(sess.Drafts)+1), nil)

	case "finish":
		if sess.Tag != state.AwaitingQuestionType && sess.Tag != state.AwaitingQuestionText {
			return nil
		}
		n := len(sess.Drafts)
		if err := f.finalizeSurvey(ctx, req, sess); err != nil {
			if errors.Is(err, authoring.ErrNothingToSave) {
				f.states.Store().Clear(req.Chat.ChatID)
				return f.reply(ctx, req, "No questions were added, nothing was saved.")
			}
			return err
		}
		return f.reply(ctx, req, fmt.Sprintf("The survey was saved with %d question(s). Use /send to dispatch it.", n))

	case "ow":
		if sess.Tag != state.ConfirmingOverwrite {
			return nil
		}
		if payload != "yes" {
			f.states.Store().Clear(req.Chat.ChatID)
			return f.reply(ctx, req, "The existing questions were kept.")
		}
		sess.Tag = state.AwaitingQuestionType
		return f.sendTypePrompt(ctx, req, sess)

	default:
		return nil
	}
}

// finalizeSurvey commits the drafts and clears the flow state.
func (f *Flows) finalizeSurvey(ctx context.Context, req *router.Request, sess *state.Session) error {
	if _, err := f.builder.Finalize(ctx, sess); err != nil {
		return err
	}
	f.states.Store().Clear(req.Chat.ChatID)
	return nil
}
