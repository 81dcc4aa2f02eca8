// Package dispatch fans one survey out to every reachable member of its
// group, one answering session per recipient.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"surveybot/internal/storage"
	"surveybot/internal/transport"
	logx "surveybot/pkg/logx"
)

// Precondition failures. No per-recipient state exists when these are
// returned.
var (
	ErrNoQuestions   = errors.New("survey has no questions")
	ErrNoMembers     = errors.New("group has no members")
	ErrNoneReachable = errors.New("no enrolled recipient has started the bot")
)

// Starter opens one answering session for one recipient.
type Starter interface {
	Start(ctx context.Context, student storage.Student, surveyID int64, askAnonymity bool) error
}

// Summary aggregates per-recipient outcomes of one broadcast.
// Delivered + Failed + len(Unreachable) always equals the group size.
type Summary struct {
	Delivered   int
	Failed      int
	Unreachable []string
}

type Dispatcher struct {
	store        storage.Store
	starter      Starter
	limiter      *rate.Limiter
	askAnonymity bool
	log          logx.Logger
}

// New builds a dispatcher. ratePerSec throttles session launches so a
// large group does not trip transport rate limits; it bounds launch
// frequency, not concurrency.
func New(store storage.Store, starter Starter, ratePerSec float64, askAnonymity bool, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	return &Dispatcher{
		store:        store,
		starter:      starter,
		limiter:      rate.NewLimiter(rate.Limit(ratePerSec), 1),
		askAnonymity: askAnonymity,
		log:          log.With(logx.String("comp", "dispatch")),
	}
}

// Broadcast validates preconditions, then concurrently starts one
// session per reachable recipient and waits for every outcome. One
// recipient's failure never aborts the others; failed sends are not
// retried.
func (d *Dispatcher) Broadcast(ctx context.Context, surveyID int64) (Summary, error) {
	survey, err := d.store.GetSurvey(ctx, surveyID)
	if err != nil {
		return Summary{}, err
	}
	questions, err := d.store.QuestionsBySurvey(ctx, surveyID)
	if err != nil {
		return Summary{}, err
	}
	if len(questions) == 0 {
		return Summary{}, ErrNoQuestions
	}
	members, err := d.store.GroupMembers(ctx, survey.GroupID)
	if err != nil {
		return Summary{}, err
	}
	if len(members) == 0 {
		return Summary{}, ErrNoMembers
	}

	var (
		reachable   []storage.Student
		unreachable []string
	)
	for _, st := range members {
		if st.Reachable() {
			reachable = append(reachable, st)
		} else {
			unreachable = append(unreachable, st.Handle)
		}
	}
	if len(reachable) == 0 {
		return Summary{}, ErrNoneReachable
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		delivered int
		failed    int
	)
	for _, st := range reachable {
		if err := d.limiter.Wait(ctx); err != nil {
			// Context gone; count the remaining recipients as failed so
			// the summary still partitions the whole group.
			mu.Lock()
			failed++
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(st storage.Student) {
			defer wg.Done()
			err := d.starter.Start(ctx, st, surveyID, d.askAnonymity)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				delivered++
				return
			}
			failed++
			switch {
			case errors.Is(err, transport.ErrBlocked):
				d.log.Info("recipient blocked the bot",
					logx.String("handle", st.Handle))
			default:
				d.log.Warn("session start failed",
					logx.String("handle", st.Handle), logx.Err(err))
			}
		}(st)
	}
	wg.Wait()

	sum := Summary{Delivered: delivered, Failed: failed, Unreachable: unreachable}
	d.log.Info("broadcast finished",
		logx.Int64("survey", surveyID),
		logx.Int("delivered", sum.Delivered),
		logx.Int("failed", sum.Failed),
		logx.Int("unreachable", len(sum.Unreachable)))
	return sum, nil
}
