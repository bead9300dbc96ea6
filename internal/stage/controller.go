package stage

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/tickget/queue-bridge/internal/router"
	"github.com/tickget/queue-bridge/internal/session"
)

// Booking flow paths.
const (
	SeatSelectionPath = "/booking/select-seat"
	GameResultPath    = "/booking/game-result"
)

// NavTarget is a navigation decision handed to the owner of the window.
type NavTarget struct {
	Path  string
	Query url.Values
	// Replace requests replacing the current history entry so the user
	// cannot navigate back into a stale queue.
	Replace bool
}

// Navigator performs the navigation side effect. The controller guarantees
// Navigate is called at most once per promotion.
type Navigator interface {
	Navigate(target NavTarget)
}

// NavigatorFunc adapts a function to the Navigator interface.
type NavigatorFunc func(target NavTarget)

// Navigate implements Navigator.
func (f NavigatorFunc) Navigate(target NavTarget) { f(target) }

// FailureReporter records a failed booking attempt when the match ends
// while the user still queues.
type FailureReporter interface {
	ReportSeatStatsFailed(ctx context.Context, matchID int64, trigger string) error
}

// Controller consumes domain events from both delivery paths (direct
// subscription and cross-window bridge) and drives the stage machine.
// The promotion guard lives here, per window instance, in memory only:
// a fresh window must be eligible to react to a promotion again.
type Controller struct {
	sess     *session.Context
	nav      Navigator
	reporter FailureReporter
	machine  *Machine
	log      *slog.Logger

	promoted atomic.Bool

	mu          sync.RWMutex
	ahead       int
	behind      int
	hasPosition bool
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithReporter sets the failure reporter used on MATCH_ENDED.
func WithReporter(r FailureReporter) ControllerOption {
	return func(c *Controller) { c.reporter = r }
}

// WithControllerLogger sets the logger.
func WithControllerLogger(log *slog.Logger) ControllerOption {
	return func(c *Controller) { c.log = log }
}

// NewController creates a controller in the Loading stage.
func NewController(sess *session.Context, nav Navigator, opts ...ControllerOption) *Controller {
	c := &Controller{
		sess:    sess,
		nav:     nav,
		machine: NewMachine(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Machine exposes the stage machine, e.g. for transition persistence.
func (c *Controller) Machine() *Machine {
	return c.machine
}

// State returns the current stage.
func (c *Controller) State() State {
	return c.machine.MustState()
}

// Position returns the displayed rank and queue total derived from the most
// recently received snapshot. ok is false until a first snapshot arrives.
func (c *Controller) Position() (rank, total int, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasPosition {
		return 0, 0, false
	}
	return c.ahead + 1, c.ahead + 1 + c.behind, true
}

// ApplyEnqueueResult seeds the queue position from the enqueue API response
// and enters the queue stage, so the display is populated before the first
// broker update arrives.
func (c *Controller) ApplyEnqueueResult(ctx context.Context, ahead, behind int) {
	c.setPosition(ahead, behind)
	c.enterQueue(ctx)
}

// Handle consumes one domain event. Events may arrive from either delivery
// path, in any order, duplicated; Handle is safe for concurrent use.
func (c *Controller) Handle(ctx context.Context, ev router.DomainEvent) {
	switch ev := ev.(type) {
	case router.PositionUpdated:
		c.handlePosition(ctx, ev)
	case router.Promoted:
		c.handlePromoted(ctx, ev)
	case router.MatchEnded:
		c.handleMatchEnded(ctx, ev)
	case nil:
		// Nothing actionable in the frame.
	default:
		c.log.Debug("unhandled domain event", "event", ev)
	}
}

func (c *Controller) handlePosition(ctx context.Context, ev router.PositionUpdated) {
	c.setPosition(ev.Ahead, ev.Behind)
	c.enterQueue(ctx)
	c.log.Debug("queue position updated", "rank", ev.Rank(), "total", ev.Total())
}

func (c *Controller) handlePromoted(ctx context.Context, ev router.Promoted) {
	if ev.UserID != c.sess.UserID {
		c.log.Debug("promotion for another user", "promoted_user", ev.UserID)
		return
	}

	// The monotonic guard: the same promotion arriving again, whether
	// bridged or redelivered on reconnect, must be a no-op.
	if !c.promoted.CompareAndSwap(false, true) {
		c.log.Debug("duplicate promotion ignored", "user", ev.UserID)
		return
	}

	if ev.MatchID.Valid {
		c.sess.SetMatchID(ev.MatchID.Value)
	}

	// A promotion may arrive before any position update; enter the queue
	// first so the transition is still well-formed.
	c.enterQueue(ctx)
	if err := c.machine.Fire(ctx, TriggerPromoted); err != nil {
		c.log.Warn("promotion after stage closed", "error", err)
		return
	}

	target := c.seatSelectionTarget()
	c.log.Info("promoted, navigating to seat selection",
		"user", ev.UserID, "match_id", target.Query.Get("matchId"))
	c.nav.Navigate(target)
}

func (c *Controller) handleMatchEnded(ctx context.Context, ev router.MatchEnded) {
	matchID, _ := c.sess.MatchID()
	if ev.MatchID.Valid {
		matchID = ev.MatchID.Value
	}

	if err := c.machine.Fire(ctx, TriggerMatchEnded); err != nil {
		c.log.Debug("match ended after stage left", "error", err)
		return
	}

	if c.reporter != nil {
		if err := c.reporter.ReportSeatStatsFailed(ctx, matchID, "MATCH_ENDED@queue"); err != nil {
			c.log.Warn("failed to report seat stats", "error", err)
		}
	}

	query := c.metricsQuery()
	query.Set("failed", "true")
	if matchID != 0 {
		query.Set("matchId", strconv.FormatInt(matchID, 10))
	}
	c.log.Info("match ended while queued, navigating to results")
	c.nav.Navigate(NavTarget{Path: GameResultPath, Query: query, Replace: true})
}

func (c *Controller) setPosition(ahead, behind int) {
	c.mu.Lock()
	c.ahead = ahead
	c.behind = behind
	c.hasPosition = true
	c.mu.Unlock()
}

// enterQueue fires the Loading → InQueue transition when still applicable.
func (c *Controller) enterQueue(ctx context.Context) {
	if ok, _ := c.machine.CanFire(ctx, TriggerQueueEntered); ok {
		if err := c.machine.Fire(ctx, TriggerQueueEntered); err != nil {
			c.log.Warn("failed to enter queue stage", "error", err)
		}
	}
}

// seatSelectionTarget builds the next stage's location, carrying the
// session parameters forward and resolving the match id from the promotion
// (already stored) with the previously stored id as fallback.
func (c *Controller) seatSelectionTarget() NavTarget {
	query := c.metricsQuery()
	if matchID, ok := c.sess.MatchID(); ok {
		query.Set("matchId", strconv.FormatInt(matchID, 10))
	}
	return NavTarget{Path: SeatSelectionPath, Query: query, Replace: true}
}

func (c *Controller) metricsQuery() url.Values {
	m := c.sess.Metrics
	query := url.Values{}
	query.Set("rtSec", strconv.Itoa(m.ReserveSeconds))
	query.Set("nrClicks", strconv.Itoa(m.ClickMisses))
	if m.StartedAt != "" {
		query.Set("tStart", m.StartedAt)
	}
	if m.HallID != "" {
		query.Set("hallId", m.HallID)
	}
	if m.Date != "" {
		query.Set("date", m.Date)
	}
	if m.Round != "" {
		query.Set("round", m.Round)
	}
	return query
}
