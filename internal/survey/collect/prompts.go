package collect

import (
	"fmt"
	"strconv"

	tele "gopkg.in/telebot.v4"

	"surveybot/internal/storage"
	"surveybot/pkg/tgui"
)

// Callback data scopes used by the answering flow.
const (
	ScopeAnswer    = "ans"
	ScopeAnonymity = "anon"

	ActionScale = "scale"
	ActionSkip  = "skip"
	ActionOpen  = "open"
	ActionAnon  = "anon"
)

func questionText(q storage.Question, total int) string {
	head := tgui.B(fmt.Sprintf("Question %d/%d", q.Order, total))
	return string(head) + "\n\n" + string(tgui.Esc(q.Text))
}

// questionMarkup picks the reply affordance for the question type:
// scale gets the 1..10 grid plus Skip, text gets Skip only.
func questionMarkup(t storage.QuestionType) *tele.ReplyMarkup {
	skip := tgui.Btn("Skip", tgui.Data(ScopeAnswer, ActionSkip, ""))
	switch t {
	case storage.QuestionScale:
		btns := make([]tele.Btn, 0, storage.ScaleMax-storage.ScaleMin+1)
		for v := storage.ScaleMin; v <= storage.ScaleMax; v++ {
			s := strconv.Itoa(v)
			btns = append(btns, tgui.Btn(s, tgui.Data(ScopeAnswer, ActionScale, s)))
		}
		rm := &tele.ReplyMarkup{}
		rows := rm.Split(5, btns)
		rows = append(rows, rm.Row(skip))
		rm.Inline(rows...)
		return rm
	case storage.QuestionText:
		return tgui.NewInline().Row(skip).Markup()
	default:
		return nil
	}
}

func anonymityMarkup() *tele.ReplyMarkup {
	return tgui.NewInline().Row(
		tgui.Btn("Answer openly", tgui.Data(ScopeAnonymity, ActionOpen, "")),
		tgui.Btn("Answer anonymously", tgui.Data(ScopeAnonymity, ActionAnon, "")),
	).Markup()
}
