package feedback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/quorumd/internal/conflict"
	"github.com/fyrsmithlabs/quorumd/internal/github"
	"github.com/fyrsmithlabs/quorumd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/quorumd/internal/feedback"

// Target is one run whose review surface the loop watches.
type Target struct {
	RunID string
	Ref   github.Ref

	// LastCommentID is the run's consumption marker. Comments at or
	// below it were already processed.
	LastCommentID int64

	// OpenConflicts are the run's open escalated records, matched
	// against incoming comments.
	OpenConflicts []conflict.Record
}

// Engine is the run-side contract the loop drives. ApplyComment must
// persist every effect of consuming the comment, marker advance
// included, before returning.
type Engine interface {
	// FeedbackTargets returns the runs currently awaiting reviewer
	// feedback.
	FeedbackTargets(ctx context.Context) ([]Target, error)

	// ApplyComment consumes one classified comment: it closes the
	// matched conflict or enqueues a feedback item for the targeted
	// phase, advances the run's marker, and returns the reply text
	// summarizing the action taken.
	ApplyComment(ctx context.Context, runID string, c github.Comment, class Classification) (string, error)
}

// Config tunes the loop.
type Config struct {
	// PollInterval is the pacing between polls. Defaults to one
	// minute.
	PollInterval time.Duration

	// BotLogin is the account the daemon posts replies as. Its
	// comments, and any "[bot]" account's, are never consumed.
	BotLogin string
}

// Loop polls pull request comments for paused and running runs,
// classifies each new comment, and hands it to the engine. Pacing
// comes from a rate limiter: one poll per interval, burst one, so
// manual PollOnce calls and the background goroutine share the same
// budget.
type Loop struct {
	engine Engine
	client github.Client
	cfg    Config
	logger *logging.Logger

	limiter *rate.Limiter

	tracer          trace.Tracer
	meter           metric.Meter
	consumedCounter metric.Int64Counter

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewLoop creates a feedback loop. The logger is optional.
func NewLoop(engine Engine, client github.Client, cfg Config, logger *logging.Logger) (*Loop, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if client == nil {
		return nil, errors.New("github client is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	l := &Loop{
		engine:  engine,
		client:  client,
		cfg:     cfg,
		logger:  logger.Named("feedback"),
		limiter: rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	l.initMetrics()
	return l, nil
}

func (l *Loop) initMetrics() {
	var err error
	l.consumedCounter, err = l.meter.Int64Counter(
		"quorumd.feedback.comments_consumed_total",
		metric.WithDescription("Total number of reviewer comments consumed"),
		metric.WithUnit("{comment}"),
	)
	if err != nil {
		l.logger.Warn(context.Background(), "failed to create consumed counter", zap.Error(err))
	}
}

// Start launches the background polling goroutine. It returns an error
// if the loop is already running.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return errors.New("feedback loop already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true

	l.logger.Info(ctx, "feedback loop started",
		zap.Duration("poll_interval", l.cfg.PollInterval))

	l.wg.Add(1)
	go l.run(runCtx)
	return nil
}

// Stop cancels the polling goroutine and waits for it to exit. Calling
// Stop on a stopped loop is a no-op.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	l.wg.Wait()
	l.logger.Info(context.Background(), "feedback loop stopped")
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		consumed, err := l.PollOnce(ctx)
		switch {
		case err == nil:
			if consumed > 0 {
				l.logger.Info(ctx, "feedback poll consumed comments",
					zap.Int("consumed", consumed))
			}
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return
		default:
			l.logger.Warn(ctx, "feedback poll failed", zap.Error(err))
		}
	}
}

// PollOnce performs one paced poll over every target: it waits for a
// limiter token, fetches comments newer than each run's marker, skips
// the daemon's own account, and consumes the rest oldest-first. Each
// consumed comment gets exactly one reply. A comment whose apply fails
// is left unconsumed and halts that target's drain; it is retried on
// the next poll. Returns the number of comments consumed.
func (l *Loop) PollOnce(ctx context.Context) (int, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limiter: %w", err)
	}

	ctx, span := l.tracer.Start(ctx, "feedback.poll")
	defer span.End()

	targets, err := l.engine.FeedbackTargets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list feedback targets: %w", err)
	}

	total := 0
	var errs []error
	for _, target := range targets {
		n, err := l.pollTarget(ctx, target)
		total += n
		if err != nil {
			if ctx.Err() != nil {
				return total, err
			}
			errs = append(errs, fmt.Errorf("run %s: %w", target.RunID, err))
		}
	}

	span.SetAttributes(attribute.Int("feedback.consumed", total))
	if l.consumedCounter != nil && total > 0 {
		l.consumedCounter.Add(ctx, int64(total))
	}
	return total, errors.Join(errs...)
}

// maxDrainFetches bounds the work one poll does for a single run.
const maxDrainFetches = 10

// pollTarget drains one run's new comments. The marker is tracked
// locally across iterations so a drain keeps going until a fetch
// yields nothing new; the persisted marker advances inside
// ApplyComment.
func (l *Loop) pollTarget(ctx context.Context, target Target) (int, error) {
	ctx = logging.WithRunID(ctx, target.RunID)
	marker := target.LastCommentID
	total := 0

	for fetches := 0; fetches < maxDrainFetches; fetches++ {
		comments, err := l.client.FetchComments(ctx, target.Ref)
		if err != nil {
			return total, fmt.Errorf("fetch comments: %w", err)
		}

		fresh := l.newComments(comments, marker)
		if len(fresh) == 0 {
			return total, nil
		}

		for _, c := range fresh {
			class := Classify(c, target.OpenConflicts)
			reply, err := l.engine.ApplyComment(ctx, target.RunID, c, class)
			if err != nil {
				// Unconsumed. Stop here so the marker never skips
				// past it; the next poll retries.
				l.logger.Warn(ctx, "failed to apply comment",
					zap.Int64("comment_id", c.ID),
					zap.Error(err))
				return total, fmt.Errorf("apply comment %d: %w", c.ID, err)
			}
			marker = c.ID
			total++

			if err := l.client.PostReply(ctx, target.Ref, c, reply); err != nil {
				// The comment is consumed either way; a lost reply is
				// not worth re-running its effects.
				l.logger.Warn(ctx, "failed to post reply",
					zap.Int64("comment_id", c.ID),
					zap.Error(err))
			}
			l.logger.Debug(ctx, "consumed reviewer comment",
				zap.Int64("comment_id", c.ID),
				zap.String("author", c.Author),
				zap.String("phase", string(class.Phase)),
				zap.String("resolves", class.ResolvesConflict))
		}
	}
	return total, nil
}

// newComments filters to comments newer than the marker, drops the
// daemon's own account and other bots, and sorts oldest-first.
func (l *Loop) newComments(comments []github.Comment, marker int64) []github.Comment {
	fresh := make([]github.Comment, 0, len(comments))
	for _, c := range comments {
		if c.ID <= marker {
			continue
		}
		if github.IsBot(c.Author, l.cfg.BotLogin) {
			continue
		}
		fresh = append(fresh, c)
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })
	return fresh
}
