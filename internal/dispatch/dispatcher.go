// Package dispatch decides, for each new item, whether and how to reply,
// and drives the item through its status transitions while doing so.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/shutterdesk/autoresponder/internal/delivery"
	"github.com/shutterdesk/autoresponder/internal/gate"
	"github.com/shutterdesk/autoresponder/internal/inbound"
	"github.com/shutterdesk/autoresponder/internal/store"
	"github.com/shutterdesk/autoresponder/internal/template"
)

// Outcome is what one Process call did with an item
type Outcome string

const (
	OutcomeResponded Outcome = "responded"
	OutcomeFailed    Outcome = "failed"
	OutcomeDeferred  Outcome = "deferred" // refused for now, item stays new
	OutcomeStalled   Outcome = "stalled"  // no applicable template, item back to new
	OutcomeSkipped   Outcome = "skipped"  // not new, or claimed by another worker
)

// Reasons reported alongside deferred and skipped outcomes, in addition
// to the gate's own reasons
const (
	ReasonNotDue    = "not_due"
	ReasonInFlight  = "in_flight"
	ReasonConflict  = "conflict"
	ReasonNoPolicy  = "no_policy"
	ReasonNoSender  = "no_sender"
	ReasonNoMatch   = "no_template"
	ReasonCancelled = "cancelled"
	ReasonEmpty     = "empty_reply"
)

// Recorded in LastError when an item goes back to the queue
const (
	stallNoTemplate  = "no applicable template"
	stallInterrupted = "dispatch interrupted"
)

// Result describes a single dispatch decision
type Result struct {
	ItemID     string  `json:"itemId"`
	Channel    string  `json:"channel"`
	Outcome    Outcome `json:"outcome"`
	Reason     string  `json:"reason,omitempty"`
	TemplateID string  `json:"templateId,omitempty"`
	MessageID  string  `json:"messageId,omitempty"`
	Attempts   int     `json:"attempts,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Options wires a Dispatcher. Store, Catalog, Policies and Senders are
// required.
type Options struct {
	Store    store.Store
	Catalog  *template.Catalog
	Policies map[inbound.Channel]gate.Policy
	Senders  map[inbound.Channel]delivery.Sender
	Retry    delivery.RetryPolicy
	Ledger   *Ledger
	Workers  int
	Clock    func() time.Time
	Rand     template.Rand // must be safe for concurrent use; nil seeds from the clock
	Logger   *zerolog.Logger
}

type Dispatcher struct {
	store    store.Store
	catalog  *template.Catalog
	policies map[inbound.Channel]gate.Policy
	senders  map[inbound.Channel]delivery.Sender
	retry    delivery.RetryPolicy
	ledger   *Ledger
	workers  int
	now      func() time.Time
	rnd      template.Rand
	logger   zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// lockedRand makes *rand.Rand safe to share between workers
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

// NewLockedRand returns a concurrency-safe source seeded with seed
func NewLockedRand(seed int64) template.Rand {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, errors.New("dispatch: store is required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("dispatch: template catalog is required")
	}
	if len(opts.Policies) == 0 {
		return nil, errors.New("dispatch: at least one channel policy is required")
	}
	for ch := range opts.Policies {
		if opts.Senders[ch] == nil {
			return nil, fmt.Errorf("dispatch: no sender for channel %s", ch)
		}
	}

	d := &Dispatcher{
		store:    opts.Store,
		catalog:  opts.Catalog,
		policies: opts.Policies,
		senders:  opts.Senders,
		retry:    opts.Retry,
		ledger:   opts.Ledger,
		workers:  opts.Workers,
		now:      opts.Clock,
		rnd:      opts.Rand,
		inflight: make(map[string]struct{}),
	}
	if d.ledger == nil {
		d.ledger = NewLedger()
	}
	if d.workers < 1 {
		d.workers = 1
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.rnd == nil {
		d.rnd = NewLockedRand(time.Now().UnixNano())
	}
	if d.retry.MaxAttempts < 1 {
		d.retry = delivery.DefaultRetryPolicy()
	}
	if opts.Logger != nil {
		d.logger = opts.Logger.With().Str("component", "dispatch").Logger()
	} else {
		d.logger = log.Logger.With().Str("component", "dispatch").Logger()
	}
	return d, nil
}

// Ledger exposes the daily counters
func (d *Dispatcher) Ledger() *Ledger { return d.ledger }

// Policy returns the gate policy for a channel
func (d *Dispatcher) Policy(ch inbound.Channel) (gate.Policy, bool) {
	p, ok := d.policies[ch]
	return p, ok
}

// SeedLedger loads today's sent counts from the store so a restart does
// not reset the daily limits
func (d *Dispatcher) SeedLedger(ctx context.Context) error {
	now := d.now()
	for ch, p := range d.policies {
		loc := p.WorkingHours.Location
		if loc == nil {
			loc = time.UTC
		}
		local := now.In(loc)
		midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		n, err := d.store.CountResponded(ctx, ch, midnight)
		if err != nil {
			return fmt.Errorf("seed %s ledger: %w", ch, err)
		}
		d.ledger.Seed(ch, p.Day(now), n)
		d.logger.Debug().Str("channel", string(ch)).Int("sent_today", n).Msg("Ledger seeded")
	}
	return nil
}

func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[id]; busy {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) unclaim(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// Process loads the item and attempts one dispatch
func (d *Dispatcher) Process(ctx context.Context, id string) (Result, error) {
	item, err := d.store.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	return d.process(ctx, item), nil
}

func (d *Dispatcher) process(ctx context.Context, item *inbound.Item) Result {
	res := Result{ItemID: item.ID, Channel: string(item.Channel)}
	logger := d.logger.With().Str("item_id", item.ID).Str("channel", string(item.Channel)).Logger()

	// A non-new item has already been claimed or settled: never send twice
	if item.Status != inbound.StatusNew {
		res.Outcome, res.Reason = OutcomeSkipped, string(gate.ReasonNotNew)
		return res
	}
	if !d.claim(item.ID) {
		res.Outcome, res.Reason = OutcomeSkipped, ReasonInFlight
		return res
	}
	defer d.unclaim(item.ID)

	policy, ok := d.policies[item.Channel]
	if !ok {
		res.Outcome, res.Reason = OutcomeDeferred, ReasonNoPolicy
		return res
	}
	sender := d.senders[item.Channel]

	now := d.now()
	if now.Before(item.DueAt(policy.ResponseDelay)) {
		res.Outcome, res.Reason = OutcomeDeferred, ReasonNotDue
		return res
	}

	decision := gate.Evaluate(item, policy, d.ledger.Counters(item.Channel, policy, now), now)
	if !decision.Allowed {
		logger.Debug().Str("reason", string(decision.Reason)).Msg("Dispatch refused by gate")
		res.Outcome, res.Reason = OutcomeDeferred, string(decision.Reason)
		return res
	}

	reservation, ok := d.ledger.Reserve(item.Channel, policy, now)
	if !ok {
		res.Outcome, res.Reason = OutcomeDeferred, string(gate.ReasonDailyLimit)
		return res
	}
	committed := false
	defer func() {
		if !committed {
			d.ledger.Release(reservation)
		}
	}()

	if err := item.Begin(); err != nil {
		res.Outcome, res.Reason = OutcomeSkipped, ReasonConflict
		return res
	}
	if err := d.store.Update(ctx, item, inbound.StatusNew); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			logger.Error().Err(err).Msg("Failed to claim item")
			res.Error = err.Error()
		}
		res.Outcome, res.Reason = OutcomeSkipped, ReasonConflict
		return res
	}
	res.Attempts = item.Attempts

	tmpl := template.Select(item, d.catalog.Templates)
	if tmpl == nil {
		// Expected until a matching template is added; only the first miss is worth a warning
		ev := logger.Debug()
		if item.LastError != stallNoTemplate {
			ev = logger.Warn()
		}
		ev.Str("category", string(item.Category)).
			Str("sentiment", string(item.Sentiment)).
			Msg("No applicable template, returning item to queue")
		d.settle(ctx, logger, item, inbound.StatusProcessing, func() error { return item.Stall(stallNoTemplate) })
		res.Outcome, res.Reason, res.Attempts = OutcomeStalled, ReasonNoMatch, item.Attempts
		return res
	}
	res.TemplateID = tmpl.ID

	body := template.Render(tmpl, item, d.rnd)
	if strings.TrimSpace(body) == "" {
		reason := fmt.Sprintf("template %s rendered an empty reply", tmpl.ID)
		logger.Warn().Str("template_id", tmpl.ID).Msg("Rendered reply is empty, not sending")
		d.settle(ctx, logger, item, inbound.StatusProcessing, func() error { return item.Fail(reason) })
		res.Outcome, res.Reason, res.Error = OutcomeFailed, ReasonEmpty, reason
		return res
	}
	msg := delivery.Message{
		ItemID:    item.ID,
		To:        item.Sender.Handle,
		Body:      body,
		InReplyTo: item.SourceID,
	}
	if item.Channel == inbound.ChannelEmail {
		msg.Subject = template.RenderSubject(tmpl, item)
	}

	out := delivery.SendWithRetry(ctx, sender, msg, d.retry)
	if !out.Result.Success {
		if ctx.Err() != nil {
			// Shutting down: hand the item back rather than failing it
			logger.Info().Msg("Dispatch interrupted, returning item to queue")
			d.settle(context.WithoutCancel(ctx), logger, item, inbound.StatusProcessing, func() error { return item.Stall(stallInterrupted) })
			res.Outcome, res.Reason, res.Attempts = OutcomeDeferred, ReasonCancelled, item.Attempts
			return res
		}
		reason := out.Result.Error.Error()
		logger.Warn().
			Err(out.Result.Error).
			Str("template_id", tmpl.ID).
			Int("send_attempts", out.Attempts).
			Msg("Reply failed")
		d.settle(ctx, logger, item, inbound.StatusProcessing, func() error { return item.Fail(reason) })
		res.Outcome, res.Error = OutcomeFailed, reason
		return res
	}

	sentAt := d.now()
	d.ledger.Commit(reservation, policy, sentAt)
	committed = true

	res.MessageID = out.Result.MessageID
	d.settle(ctx, logger, item, inbound.StatusProcessing, func() error { return item.Respond(body, sentAt) })
	if item.Status != inbound.StatusResponded {
		res.Outcome, res.Error = OutcomeFailed, item.LastError
		return res
	}
	res.Outcome = OutcomeResponded
	logger.Info().
		Str("template_id", tmpl.ID).
		Str("message_id", out.Result.MessageID).
		Str("outcome", string(OutcomeResponded)).
		Msg("Reply sent")
	return res
}

// settle applies a transition and persists it. A processing item whose
// transition is rejected is failed instead, so it never stays processing.
// The reply outcome is already decided, so a store failure is logged
// rather than returned.
func (d *Dispatcher) settle(ctx context.Context, logger zerolog.Logger, item *inbound.Item, from inbound.Status, transition func() error) {
	if err := transition(); err != nil {
		logger.Error().Err(err).Msg("Invalid status transition")
		if item.Status != inbound.StatusProcessing {
			return
		}
		if ferr := item.Fail(err.Error()); ferr != nil {
			return
		}
	}
	if err := d.store.Update(ctx, item, from); err != nil {
		logger.Error().Err(err).Str("status", string(item.Status)).Msg("Failed to persist item status")
	}
}

// PassSummary totals the outcomes of one RunPass
type PassSummary struct {
	Results  []Result        `json:"results"`
	Counts   map[Outcome]int `json:"counts"`
	Started  time.Time       `json:"started"`
	Duration time.Duration   `json:"duration"`
}

// RunPass processes every due item on every channel with a bounded pool
// of workers. One item's failure never stops the pass.
func (d *Dispatcher) RunPass(ctx context.Context) (PassSummary, error) {
	start, began := d.now(), time.Now()
	summary := PassSummary{Counts: make(map[Outcome]int), Started: start}

	var due []*inbound.Item
	for _, ch := range []inbound.Channel{inbound.ChannelEmail, inbound.ChannelSocial} {
		p, ok := d.policies[ch]
		if !ok {
			continue
		}
		items, err := d.store.Due(ctx, ch, start.Add(-p.ResponseDelay))
		if err != nil {
			return summary, fmt.Errorf("load due %s items: %w", ch, err)
		}
		due = append(due, items...)
	}

	results := make([]Result, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, item := range due {
		i, item := i, item
		g.Go(func() error {
			results[i] = d.process(gctx, item)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		summary.Counts[r.Outcome]++
	}
	summary.Results = results
	summary.Duration = time.Since(began)
	if len(due) > 0 {
		d.logger.Info().
			Int("due", len(due)).
			Int("responded", summary.Counts[OutcomeResponded]).
			Int("failed", summary.Counts[OutcomeFailed]).
			Int("deferred", summary.Counts[OutcomeDeferred]).
			Int("stalled", summary.Counts[OutcomeStalled]).
			Msg("Dispatch pass complete")
	}
	return summary, ctx.Err()
}

// Ignore marks a new social item as not needing a reply
func (d *Dispatcher) Ignore(ctx context.Context, id string) (*inbound.Item, error) {
	if !d.claim(id) {
		return nil, fmt.Errorf("item %s is being dispatched: %w", id, store.ErrConflict)
	}
	defer d.unclaim(id)

	item, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := item.Ignore(); err != nil {
		return nil, err
	}
	if err := d.store.Update(ctx, item, inbound.StatusNew); err != nil {
		return nil, err
	}
	d.logger.Info().Str("item_id", id).Msg("Item ignored")
	return item, nil
}
