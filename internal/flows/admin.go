package flows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"surveybot/internal/state"
	"surveybot/internal/storage"
	"surveybot/internal/transport/telegram/router"
	"surveybot/pkg/tgui"
)

const maxNameLen = 200

func (f *Flows) cmdNewCourse(ctx context.Context, req *router.Request) error {
	sess := &state.Session{Tag: state.AwaitingCourseName, Purpose: "newcourse"}
	f.states.Begin(ctx, req.Chat.ChatID, sess)
	return f.prompt(ctx, req, sess, "Send the new course's name:", nil)
}

func (f *Flows) cmdCourses(ctx context.Context, req *router.Request) error {
	courses, err := f.store.ListCourses(ctx)
	if err != nil {
		return err
	}
	if len(courses) == 0 {
		return f.reply(ctx, req, "No courses yet. Create one with /newcourse.")
	}
	parts := []tgui.H{tgui.B("Courses:")}
	for _, c := range courses {
		groups, err := f.store.ListGroups(ctx, c.ID)
		if err != nil {
			return err
		}
		parts = append(parts, tgui.JoinH(" ",
			tgui.Esc("-"), tgui.B(c.Name),
			tgui.Esc(fmt.Sprintf("(%d group(s))", len(groups)))))
	}
	return f.replyHTML(ctx, req, tgui.JoinH("\n", parts...))
}

func (f *Flows) cmdNewGroup(ctx context.Context, req *router.Request) error {
	_, err := f.startPicked(ctx, req, "newgroup")
	return err
}

func (f *Flows) cmdGroups(ctx context.Context, req *router.Request) error {
	_, err := f.startPicked(ctx, req, "groups")
	return err
}

func (f *Flows) listGroups(ctx context.Context, req *router.Request, courseID int64) error {
	groups, err := f.store.ListGroups(ctx, courseID)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return f.reply(ctx, req, "This course has no groups yet. Create one with /newgroup.")
	}
	parts := []tgui.H{tgui.B("Groups:")}
	for _, g := range groups {
		members, err := f.store.GroupMembers(ctx, g.ID)
		if err != nil {
			return err
		}
		parts = append(parts, tgui.JoinH(" ",
			tgui.Esc("-"), tgui.B(g.Name),
			tgui.Esc(fmt.Sprintf("(%d member(s))", len(members)))))
	}
	return f.replyHTML(ctx, req, tgui.JoinH("\n", parts...))
}

func (f *Flows) onCourseName(ctx context.Context, req *router.Request, sess *state.Session, text string) error {
	name := strings.TrimSpace(text)
	if name == "" || utf8.RuneCountInString(name) > maxNameLen {
		return f.reply(ctx, req, fmt.Sprintf(
			"A course name must be between 1 and %d characters. Try again.", maxNameLen))
	}
	course, err := f.store.CreateCourse(ctx, name)
	if errors.Is(err, storage.ErrDuplicate) {
		return f.reply(ctx, req, "A course with that name already exists. Send a different name.")
	}
	if err != nil {
		return err
	}
	f.states.Store().Clear(req.Chat.ChatID)
	return f.reply(ctx, req, "Course created: "+course.Name+"\nAdd a group to it with /newgroup.")
}

func (f *Flows) onGroupName(ctx context.Context, req *router.Request, sess *state.Session, text string) error {
	name := strings.TrimSpace(text)
	if name == "" || utf8.RuneCountInString(name) > maxNameLen {
		return f.reply(ctx, req, fmt.Sprintf(
			"A group name must be between 1 and %d characters. Try again.", maxNameLen))
	}
	group, err := f.store.CreateGroup(ctx, sess.CourseID, name)
	if errors.Is(err, storage.ErrDuplicate) {
		return f.reply(ctx, req,
			"This course already has a group with that name. Send a different name.")
	}
	if err != nil {
		return err
	}
	f.states.Store().Clear(req.Chat.ChatID)
	return f.reply(ctx, req, "Group created: "+group.Name+"\nAdd members with /setstudents.")
}

func (f *Flows) cmdDelCourse(ctx context.Context, req *router.Request) error {
	courses, err := f.store.ListCourses(ctx)
	if err != nil {
		return err
	}
	if len(courses) == 0 {
		return f.reply(ctx, req, "No courses to delete.")
	}
	sess := &state.Session{Purpose: "delcourse"}
	f.states.Begin(ctx, req.Chat.ChatID, sess)
	buttons := make([]tele.Btn, 0, len(courses))
	for _, c := range courses {
		buttons = append(buttons, tgui.Btn(c.Name, tgui.Data(scopeDelCourse, "ask", fmt.Sprintf("%d", c.ID))))
	}
	return f.prompt(ctx, req, sess, "Pick a course to delete:", tgui.Grid2(buttons))
}

// cbDelCourse handles both the course pick and the final confirmation.
func (f *Flows) cbDelCourse(ctx context.Context, req *router.Request, action, payload string) error {
	sess, ok := f.states.Get(req.Chat.ChatID)
	if !ok || sess.Purpose != "delcourse" {
		return nil
	}

	switch action {
	case "ask":
		id, ok := parseID(payload)
		if !ok {
			return nil
		}
		course, err := f.store.GetCourse(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			f.states.Store().Clear(req.Chat.ChatID)
			return f.reply(ctx, req, "That course no longer exists.")
		}
		if err != nil {
			return err
		}
		sess.CourseID = id
		kb := tgui.ConfirmInline(
			tgui.Btn("Yes, delete", tgui.Data(scopeDelCourse, "yes", payload)),
			tgui.Btn("No, keep it", tgui.Data(scopeDelCourse, "no", "")),
		)
		return f.prompt(ctx, req, sess,
			"Delete the course "+tgui.B(course.Name).String()+
				"?\nIts groups, enrollments and surveys will be removed. Collected responses are kept.",
			kb.Markup())

	case "yes":
		id, ok := parseID(payload)
		if !ok || id != sess.CourseID {
			return nil
		}
		f.states.Store().Clear(req.Chat.ChatID)
		if err := f.store.DeleteCourse(ctx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return f.reply(ctx, req, "That course no longer exists.")
			}
			return err
		}
		return f.reply(ctx, req, "The course was deleted. Collected responses were kept.")

	case "no":
		f.states.Store().Clear(req.Chat.ChatID)
		return f.reply(ctx, req, "The course was kept.")

	default:
		return nil
	}
}

func (f *Flows) cmdAddCurator(ctx context.Context, req *router.Request) error {
	sess := &state.Session{Tag: state.AwaitingOneHandle, Purpose: "addcurator"}
	f.states.Begin(ctx, req.Chat.ChatID, sess)
	return f.prompt(ctx, req, sess, "Send the handle of the new curator:", nil)
}

func (f *Flows) cmdCurators(ctx context.Context, req *router.Request) error {
	curators, err := f.store.ListCurators(ctx)
	if err != nil {
		return err
	}
	if len(curators) == 0 {
		return f.reply(ctx, req, "No curators yet. Appoint one with /addcurator.")
	}
	var b strings.Builder
	b.WriteString("Curators:\n")
	for _, c := range curators {
		b.WriteString("- @" + c.Handle + "\n")
	}
	return f.reply(ctx, req, b.String())
}

func (f *Flows) cmdCleanup(ctx context.Context, req *router.Request) error {
	n, err := f.retention.RunOnce(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		return f.reply(ctx, req, "No abandoned untitled surveys to remove.")
	}
	return f.reply(ctx, req, fmt.Sprintf("Removed %d abandoned untitled survey(s).", n))
}
