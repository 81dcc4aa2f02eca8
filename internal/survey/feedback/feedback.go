// Package feedback records free-form course feedback from students and
// forwards it to curators.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"surveybot/internal/storage"
	"surveybot/internal/transport"
	logx "surveybot/pkg/logx"
	"surveybot/pkg/tgui"
)

// Notification text is capped below the chat transport's message limit;
// longer feedback is truncated in the notification only, never in the
// stored row.
const maxNotifyTextLen = 3500

type Service struct {
	store storage.Store
	tp    transport.Adapter
	log   logx.Logger
}

func New(store storage.Store, tp transport.Adapter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, tp: tp, log: log.With(logx.String("comp", "feedback"))}
}

// Submit persists one feedback row and notifies reachable curators.
// The row names the course by name so it survives course deletion; a
// course removed mid-flow is recorded with a placeholder. Notification
// failures are logged, not returned: the write already succeeded.
// The second return value is the number of curators notified.
func (s *Service) Submit(ctx context.Context, student storage.Student, courseID int64, topic, text string) (storage.Feedback, int, error) {
	courseName := fmt.Sprintf("[deleted course %d]", courseID)
	course, err := s.store.GetCourse(ctx, courseID)
	switch {
	case err == nil:
		courseName = course.Name
	case !errors.Is(err, storage.ErrNotFound):
		return storage.Feedback{}, 0, err
	}

	fb, err := s.store.InsertFeedback(ctx, storage.Feedback{
		StudentHandle: student.Handle,
		StudentChatID: student.ChatID,
		CourseName:    courseName,
		Topic:         topic,
		Text:          text,
	})
	if err != nil {
		return storage.Feedback{}, 0, err
	}

	notified := s.notifyCurators(ctx, fb)
	s.log.Info("feedback recorded",
		logx.String("course", fb.CourseName),
		logx.String("handle", fb.StudentHandle),
		logx.Int("notified", notified))
	return fb, notified, nil
}

func (s *Service) notifyCurators(ctx context.Context, fb storage.Feedback) int {
	curators, err := s.store.ListCurators(ctx)
	if err != nil {
		s.log.Warn("curators not listed for notification", logx.Err(err))
		return 0
	}
	if len(curators) == 0 {
		return 0
	}

	msg := notificationText(fb).String()
	notified := 0
	for _, cur := range curators {
		st, err := s.store.StudentByHandle(ctx, cur.Handle)
		if err != nil || !st.Reachable() {
			// Curators become reachable the same way students do, by
			// sending /start.
			continue
		}
		_, err = s.tp.SendText(ctx, transport.ChatTarget{ChatID: st.ChatID}, msg,
			&transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
		if err != nil {
			s.log.Warn("curator not notified",
				logx.String("handle", cur.Handle), logx.Err(err))
			continue
		}
		notified++
	}
	return notified
}

func notificationText(fb storage.Feedback) tgui.H {
	text := fb.Text
	if utf8.RuneCountInString(text) > maxNotifyTextLen {
		text = string([]rune(text)[:maxNotifyTextLen]) + "..."
	}
	head := tgui.JoinH("\n",
		tgui.B(fmt.Sprintf("New feedback on course %q", fb.CourseName)),
		tgui.Esc("From: @"+fb.StudentHandle),
		tgui.Esc("Topic: "+fb.Topic))
	return head + "\n\n" + tgui.Esc(text)
}
