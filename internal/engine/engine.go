// Package engine applies inbound events and background task results to user
// sessions and talks to the collaborators around them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/flow"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/logging"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/session"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/worker"
)

const (
	maxWriteAttempts = 3
	deliveryTTL      = 24 * time.Hour
	resultTimeout    = 15 * time.Second
	// DefaultMaxMediaBytes bounds a single downloaded file.
	DefaultMaxMediaBytes = 25 << 20
)

type Options struct {
	SessionTTL       time.Duration
	MaxImages        int
	DedupeDeliveries bool
	BatchTimeout     time.Duration
	CommitTimeout    time.Duration
	GRNTimeout       time.Duration
	// Concurrency bounds parallel downloads and recognitions within a batch.
	Concurrency   int
	MaxMediaBytes int64
	// NewID names batches.
	NewID func() string
}

// Deps are the collaborators the engine drives. Canceller may be nil.
type Deps struct {
	Store      session.Store
	Runner     *worker.TaskRunner
	Notifier   Notifier
	Directory  Directory
	Fetcher    MediaFetcher
	Media      MediaStore
	Recognizer Recognizer
	Backoffice Backoffice
	GRN        GRNExtractor
	Canceller  Canceller
}

type Engine struct {
	Deps
	opts    Options
	machine *flow.Machine
	locks   *worker.KeyedMutex
}

func New(deps Deps, opts Options) *Engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.MaxMediaBytes <= 0 {
		opts.MaxMediaBytes = DefaultMaxMediaBytes
	}
	return &Engine{
		Deps:    deps,
		opts:    opts,
		machine: flow.NewMachine(opts.MaxImages, opts.NewID),
		locks:   worker.NewKeyedMutex(),
	}
}

// Handle applies one inbound event for its user. The dispatcher delivers a
// user's events in order; concurrent calls are still serialized per user.
func (e *Engine) Handle(ctx context.Context, ev flow.Event) error {
	logger := log.With().
		Str("user", logging.MaskPhone(ev.User)).
		Str("event", ev.Kind.String()).
		Str("deliveryId", ev.DeliveryID).
		Logger()

	if e.opts.DedupeDeliveries && ev.DeliveryID != "" {
		first, err := e.Store.MarkDelivery(ctx, ev.DeliveryID, deliveryTTL)
		if err != nil {
			logger.Warn().Err(err).Msg("delivery de-dupe unavailable")
		} else if !first {
			logger.Debug().Msg("duplicate delivery dropped")
			return nil
		}
	}

	if ev.Kind == flow.EventFlowStart {
		start, err := e.resolveStart(ctx, ev.User)
		if err != nil {
			logger.Error().Err(err).Msg("resolve start context failed")
			e.reply(ctx, ev.User, msgTemporarilyUnavailable, ev.DeliveryID)
			return err
		}
		ev.Start = start
	}

	out, prev, err := e.transition(ctx, ev)
	if err != nil {
		logger.Error().Err(err).Msg("apply event failed")
		e.reply(ctx, ev.User, msgTryAgain, ev.DeliveryID)
		return err
	}
	if out.Err != nil {
		logger.Info().Err(out.Err).Str("op", out.Op.String()).Msg("event rejected")
	}

	if prev != nil && (ev.Kind == flow.EventFlowStart || out.Op == flow.OpDelete) {
		e.Media.Release(ctx, prev.Files)
	}
	e.reply(ctx, ev.User, out.Reply, ev.DeliveryID)
	e.startEffect(ev.User, out)
	return nil
}

// transition runs the machine under the user's lock and persists the outcome,
// re-reading and retrying when another replica wrote in between.
func (e *Engine) transition(ctx context.Context, ev flow.Event) (flow.Outcome, *models.Session, error) {
	unlock := e.locks.Lock(ev.User)
	defer unlock()

	for attempt := 1; ; attempt++ {
		sess, err := e.load(ctx, ev.User)
		var out flow.Outcome
		switch {
		case errors.Is(err, session.ErrCorrupt):
			log.Warn().Err(err).Str("user", logging.MaskPhone(ev.User)).Msg("discarding corrupt session")
			if err := e.Store.DeleteAll(ctx, ev.User); err != nil {
				return flow.Outcome{}, nil, fmt.Errorf("discard corrupt session: %w", err)
			}
			if ev.Kind != flow.EventFlowStart {
				e.cancelTasks(ctx, ev.User)
				return e.machine.Reset(fmt.Errorf("%w: %w", models.ErrSessionInvariant, err)), nil, nil
			}
			sess = nil
		case err != nil:
			return flow.Outcome{}, nil, err
		}

		out = e.machine.Transition(sess, ev)
		err = e.apply(ctx, ev.User, sess, out)
		if err == nil {
			if ev.Kind == flow.EventFlowStart {
				// Results of cancelled tasks now find a new session and are dropped.
				e.cancelTasks(ctx, ev.User)
			}
			return out, sess, nil
		}
		if !errors.Is(err, session.ErrConflict) || attempt >= maxWriteAttempts {
			return flow.Outcome{}, nil, err
		}
	}
}

func (e *Engine) load(ctx context.Context, user string) (*models.Session, error) {
	sess, err := e.Store.Get(ctx, user)
	if errors.Is(err, session.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

func (e *Engine) apply(ctx context.Context, user string, prev *models.Session, out flow.Outcome) error {
	switch out.Op {
	case flow.OpSave:
		out.Session.UpdatedAt = time.Now().UTC()
		return e.Store.Put(ctx, out.Session, e.opts.SessionTTL)
	case flow.OpDelete:
		if prev == nil {
			return nil
		}
		return e.Store.CompareAndDelete(ctx, user, prev.Version)
	default:
		return nil
	}
}

func (e *Engine) resolveStart(ctx context.Context, user string) (*flow.StartContext, error) {
	emp, err := e.Directory.ResolveUser(ctx, user)
	if err != nil {
		return nil, err
	}
	start := &flow.StartContext{Employee: emp}
	if emp == nil {
		return start, nil
	}
	if start.Services, err = e.Directory.ServicesFor(ctx, user); err != nil {
		return nil, err
	}
	for _, svc := range start.Services {
		if svc == models.ServiceClaim {
			if start.Entities, err = e.Directory.EntitiesFor(ctx, emp.ID, emp.Tenant); err != nil {
				return nil, err
			}
			break
		}
	}
	return start, nil
}

// cancelTasks stops the user's background tasks here and on other replicas.
func (e *Engine) cancelTasks(ctx context.Context, user string) {
	if n := e.Runner.CancelUser(user); n > 0 {
		log.Info().Str("user", logging.MaskPhone(user)).Int("tasks", n).Msg("cancelled running tasks")
	}
	if e.Canceller != nil {
		e.Canceller.Publish(ctx, user)
	}
}

// CancelLocal stops tasks of user started by this replica.
func (e *Engine) CancelLocal(user string) {
	e.Runner.CancelUser(user)
}

func (e *Engine) reply(ctx context.Context, user, text, inReplyTo string) {
	if text == "" {
		return
	}
	if err := e.Notifier.Reply(ctx, user, text, inReplyTo); err != nil {
		log.Warn().Err(err).Str("user", logging.MaskPhone(user)).Msg("reply failed")
	}
}

// task names the busy session a background result belongs to.
type task struct {
	user    string
	state   models.State
	batchID string
}

// finish applies a background task result under the user's lock. It returns
// flow.ErrStale when the session moved on while the task ran. Any other
// failure abandons the busy session with failReply.
func (e *Engine) finish(t task, failReply string, decide func(sess *models.Session) flow.Outcome) error {
	ctx, cancel := context.WithTimeout(context.Background(), resultTimeout)
	defer cancel()

	out, replyTo, err := e.finishLocked(ctx, t.user, decide)
	if err != nil {
		if errors.Is(err, flow.ErrStale) {
			log.Info().Err(err).Str("user", logging.MaskPhone(t.user)).Msg("task result dropped")
			return err
		}
		log.Error().Err(err).Str("user", logging.MaskPhone(t.user)).Str("batchId", t.batchID).Msg("apply task result failed")
		e.abandon(t, failReply)
		return err
	}
	e.reply(ctx, t.user, out.Reply, replyTo)
	e.startEffect(t.user, out)
	return nil
}

// abandon ends the busy session of t when its result cannot be stored, so the
// user is told and later messages are not answered with "still processing".
// A session that already moved on is left alone.
func (e *Engine) abandon(t task, reply string) {
	ctx, cancel := context.WithTimeout(context.Background(), resultTimeout)
	defer cancel()
	logger := log.With().Str("user", logging.MaskPhone(t.user)).Str("batchId", t.batchID).Logger()

	ended := func() bool {
		unlock := e.locks.Lock(t.user)
		defer unlock()

		sess, err := e.load(ctx, t.user)
		if err != nil {
			if err := e.Store.DeleteAll(ctx, t.user); err != nil {
				logger.Error().Err(err).Msg("abandon session failed")
			}
			return true
		}
		if sess == nil || sess.State != t.state || sess.BatchID != t.batchID {
			return false
		}
		e.Media.Release(ctx, sess.Files)
		if err := e.Store.CompareAndDelete(ctx, t.user, sess.Version); err != nil {
			logger.Warn().Err(err).Msg("compare and delete failed, removing user scope")
			if err := e.Store.DeleteAll(ctx, t.user); err != nil {
				logger.Error().Err(err).Msg("abandon session failed")
			}
		}
		return true
	}()
	if !ended {
		return
	}
	logger.Warn().Str("state", string(t.state)).Msg("busy session abandoned")
	e.reply(ctx, t.user, reply, "")
}

func (e *Engine) finishLocked(ctx context.Context, user string, decide func(sess *models.Session) flow.Outcome) (flow.Outcome, string, error) {
	unlock := e.locks.Lock(user)
	defer unlock()

	for attempt := 1; ; attempt++ {
		sess, err := e.load(ctx, user)
		if err != nil {
			return flow.Outcome{}, "", err
		}
		out := decide(sess)
		if errors.Is(out.Err, flow.ErrStale) {
			return flow.Outcome{}, "", out.Err
		}
		if out.Err != nil {
			log.Warn().Err(out.Err).Str("user", logging.MaskPhone(user)).Msg("task result reset session")
		}
		err = e.apply(ctx, user, sess, out)
		if err == nil {
			var replyTo string
			if sess != nil {
				replyTo = sess.ReplyTo
			}
			return out, replyTo, nil
		}
		if !errors.Is(err, session.ErrConflict) || attempt >= maxWriteAttempts {
			return flow.Outcome{}, "", err
		}
	}
}

// snapshot reads the session a task works on and checks it still matches.
func (e *Engine) snapshot(ctx context.Context, t task) (*models.Session, error) {
	unlock := e.locks.Lock(t.user)
	defer unlock()

	sess, err := e.load(ctx, t.user)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.State != t.state || sess.BatchID != t.batchID {
		return nil, fmt.Errorf("%w: snapshot for batch %s", flow.ErrStale, t.batchID)
	}
	return sess, nil
}

// begin reads the snapshot a task starts from. A stale or cancelled task is
// skipped; a store failure abandons the busy session.
func (e *Engine) begin(ctx context.Context, t task) (*models.Session, bool) {
	sess, err := e.snapshot(ctx, t)
	if err == nil {
		return sess, true
	}
	logger := log.With().Str("user", logging.MaskPhone(t.user)).Str("batchId", t.batchID).Logger()
	if errors.Is(err, flow.ErrStale) || ctx.Err() != nil {
		logger.Info().Err(err).Msg("task skipped")
		return nil, false
	}
	logger.Error().Err(err).Msg("task snapshot failed")
	e.abandon(t, msgStartOver)
	return nil, false
}

// startEffect hands the outcome's background work to the runner. When a task
// of the same kind is still running the failure result is applied instead so
// the session leaves its busy state.
func (e *Engine) startEffect(user string, out flow.Outcome) {
	eff := out.Effect
	switch eff.Kind {
	case flow.EffectProcessBatch:
		t := task{user: user, state: models.StateProcessingBatch, batchID: eff.BatchID}
		if !e.Runner.Start(user, worker.TaskBatch, e.opts.BatchTimeout, func(ctx context.Context) {
			e.processBatch(ctx, t)
		}) {
			e.finish(t, msgStartOver, func(s *models.Session) flow.Outcome {
				return e.machine.BatchFailed(s, eff.BatchID, "another batch is still being processed")
			})
		}
	case flow.EffectCommit:
		t := task{user: user, state: models.StateCommitting, batchID: eff.BatchID}
		if !e.Runner.Start(user, worker.TaskCommit, e.opts.CommitTimeout, func(ctx context.Context) {
			e.commit(ctx, t, eff)
		}) {
			e.finish(t, msgStartOver, func(s *models.Session) flow.Outcome {
				return e.machine.CommitFailed(s, eff.BatchID, "another save is still running")
			})
		}
	case flow.EffectProcessGRN:
		t := task{user: user, state: models.StateProcessingGRN, batchID: eff.BatchID}
		if !e.Runner.Start(user, worker.TaskGRN, e.opts.GRNTimeout, func(ctx context.Context) {
			e.processGRN(ctx, t, eff)
		}) {
			e.finish(t, msgStartOver, func(s *models.Session) flow.Outcome {
				return e.machine.GRNFinished(s, eff.BatchID, msgTryAgain)
			})
		}
	}
}
