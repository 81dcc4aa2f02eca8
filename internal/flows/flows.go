// Package flows contains the operator and recipient facing handlers:
// command entry points, inline keyboard callbacks, and the plain-text
// fallback that feeds whichever flow an actor is in.
package flows

import (
	"context"
	"strconv"
	"strings"
	"sync"

	tele "gopkg.in/telebot.v4"

	"surveybot/internal/state"
	"surveybot/internal/storage"
	"surveybot/internal/survey/authoring"
	"surveybot/internal/survey/collect"
	"surveybot/internal/survey/dispatch"
	"surveybot/internal/survey/enroll"
	"surveybot/internal/survey/feedback"
	"surveybot/internal/survey/retention"
	"surveybot/internal/transport"
	"surveybot/internal/transport/telegram/router"
	logx "surveybot/pkg/logx"
	"surveybot/pkg/tgui"
)

// Callback data scopes owned by this package. The answering scopes live
// in the collect package.
const (
	scopeCourse    = "crs"
	scopeGroup     = "grp"
	scopeSurvey    = "svy"
	scopeAuthoring = "auth"
	scopeClear     = "clr"
	scopeDelCourse = "delc"
	scopeFeedback  = "fb"
)

// Config is the subset of app configuration the flows need.
type Config struct {
	AdminUserIDs   []int64
	AdminUsernames []string
}

type Flows struct {
	mu         sync.RWMutex
	cfg        Config
	states     *state.Manager
	store      storage.Store
	collector  *collect.Collector
	dispatcher *dispatch.Dispatcher
	reconciler *enroll.Reconciler
	builder    *authoring.Builder
	retention  *retention.Service
	feedback   *feedback.Service
	log        logx.Logger
}

func New(
	cfg Config,
	states *state.Manager,
	store storage.Store,
	collector *collect.Collector,
	dispatcher *dispatch.Dispatcher,
	reconciler *enroll.Reconciler,
	builder *authoring.Builder,
	ret *retention.Service,
	fb *feedback.Service,
	log logx.Logger,
) *Flows {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Flows{
		cfg:        cfg,
		states:     states,
		store:      store,
		collector:  collector,
		dispatcher: dispatcher,
		reconciler: reconciler,
		builder:    builder,
		retention:  ret,
		feedback:   fb,
		log:        log.With(logx.String("comp", "flows")),
	}
}

// SetConfig swaps the admin lists, used on config hot reload.
func (f *Flows) SetConfig(cfg Config) {
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
}

// ResolveRole is the router's role function: admins come from config,
// curators from storage, everyone else is a student.
func (f *Flows) ResolveRole(ctx context.Context, fromID int64, username string) router.Role {
	f.mu.RLock()
	cfg := f.cfg
	f.mu.RUnlock()
	for _, id := range cfg.AdminUserIDs {
		if id == fromID {
			return router.RoleAdmin
		}
	}
	uname := strings.ToLower(strings.TrimSpace(username))
	for _, u := range cfg.AdminUsernames {
		if strings.ToLower(strings.TrimPrefix(u, "@")) == uname && uname != "" {
			return router.RoleAdmin
		}
	}
	if uname != "" {
		if ok, err := f.store.IsCurator(ctx, uname); err == nil && ok {
			return router.RoleCurator
		}
	}
	return router.RoleStudent
}

// Register installs every command, callback scope and the text fallback.
func (f *Flows) Register(r *router.Router) {
	r.SetCommands([]router.Command{
		{Name: "start", Description: "register with the bot", Access: router.AccessEveryone, Handle: f.cmdStart},
		{Name: "help", Description: "show available commands", Access: router.AccessEveryone, Handle: f.cmdHelp},
		{Name: "cancel", Description: "cancel the current operation", Access: router.AccessEveryone, Handle: f.cmdCancel},
		{Name: "skip", Description: "skip the current question", Access: router.AccessEveryone, Handle: f.cmdSkip},
		{Name: "feedback", Description: "leave feedback about a course", Access: router.AccessEveryone, Handle: f.cmdFeedback},

		{Name: "newsurvey", Description: "create a survey", Access: router.AccessCurator, Handle: f.cmdNewSurvey},
		{Name: "setquestions", Description: "rewrite a survey's questions", Access: router.AccessCurator, Handle: f.cmdSetQuestions},
		{Name: "questions", Description: "show a survey's questions", Access: router.AccessCurator, Handle: f.cmdQuestions},
		{Name: "surveys", Description: "list a group's surveys", Access: router.AccessCurator, Handle: f.cmdSurveys},
		{Name: "send", Description: "send a survey to a group", Access: router.AccessCurator, Handle: f.cmdSend},
		{Name: "students", Description: "list group members", Access: router.AccessCurator, Handle: f.cmdStudents},
		{Name: "setstudents", Description: "set group members", Access: router.AccessCurator, Handle: f.cmdSetStudents},
		{Name: "addstudent", Description: "add one student to a group", Access: router.AccessCurator, Handle: f.cmdAddStudent},
		{Name: "delstudent", Description: "remove one student from a group", Access: router.AccessCurator, Handle: f.cmdDelStudent},

		{Name: "newcourse", Description: "create a course", Access: router.AccessAdmin, Handle: f.cmdNewCourse},
		{Name: "courses", Description: "list courses", Access: router.AccessAdmin, Handle: f.cmdCourses},
		{Name: "delcourse", Description: "delete a course", Access: router.AccessAdmin, Handle: f.cmdDelCourse},
		{Name: "newgroup", Description: "create a group", Access: router.AccessAdmin, Handle: f.cmdNewGroup},
		{Name: "groups", Description: "list a course's groups", Access: router.AccessAdmin, Handle: f.cmdGroups},
		{Name: "addcurator", Description: "grant curator access", Access: router.AccessAdmin, Handle: f.cmdAddCurator},
		{Name: "curators", Description: "list curators", Access: router.AccessAdmin, Handle: f.cmdCurators},
		{Name: "cleanup", Description: "remove abandoned survey drafts", Access: router.AccessAdmin, Handle: f.cmdCleanup},
	})

	r.SetCallbacks([]router.CallbackRoute{
		{Scope: collect.ScopeAnonymity, Access: router.AccessEveryone, Handle: f.cbAnonymity},
		{Scope: collect.ScopeAnswer, Access: router.AccessEveryone, Handle: f.cbAnswer},
		{Scope: scopeCourse, Access: router.AccessCurator, Handle: f.cbCourse},
		{Scope: scopeGroup, Access: router.AccessCurator, Handle: f.cbGroup},
		{Scope: scopeSurvey, Access: router.AccessCurator, Handle: f.cbSurvey},
		{Scope: scopeAuthoring, Access: router.AccessCurator, Handle: f.cbAuthoring},
		{Scope: scopeClear, Access: router.AccessCurator, Handle: f.cbClearGroup},
		{Scope: scopeDelCourse, Access: router.AccessAdmin, Handle: f.cbDelCourse},
		{Scope: scopeFeedback, Access: router.AccessEveryone, Handle: f.cbFeedback},
	})

	r.SetTextFallback(f.onText)
}

// reply sends plain text to the request's chat.
func (f *Flows) reply(ctx context.Context, req *router.Request, text string) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, text, nil)
	return err
}

// replyHTML sends pre-escaped HTML.
func (f *Flows) replyHTML(ctx context.Context, req *router.Request, html tgui.H) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, html.String(),
		&transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// prompt sends a message and records it as the session's outstanding
// prompt so cancellation can remove it.
func (f *Flows) prompt(ctx context.Context, req *router.Request, sess *state.Session, text string, markup *tele.ReplyMarkup) error {
	opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if markup != nil {
		opt.ReplyMarkupAdapter = markup
	}
	ref, err := req.Adapter.SendText(ctx, req.Chat, text, opt)
	if err != nil {
		return err
	}
	sess.LastPrompt = &ref
	return nil
}

func parseID(payload string) (int64, bool) {
	id, err := strconv.ParseInt(payload, 10, 64)
	return id, err == nil && id > 0
}
