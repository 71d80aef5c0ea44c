// Package lifecycle drives detected incidents from detection to
// resolution.
//
// Four workers share one Queue:
//
//	tailer   samples request logs for the dashboard
//	scanner  turns new failing request patterns into incidents
//	agent    advances the first eligible item by one state per pass
//	poller   reads approval threads for items awaiting a human
//
// Workers read copies of items, make their external calls without holding
// the queue lock, and commit the result with a version check. An item whose
// processing fails is resolved rather than retried.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slack-go/slack"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/triagegate/internal/config"
	"github.com/fyrsmithlabs/triagegate/internal/events"
	"github.com/fyrsmithlabs/triagegate/internal/evidence"
	"github.com/fyrsmithlabs/triagegate/internal/incident"
	"github.com/fyrsmithlabs/triagegate/internal/logging"
	"github.com/fyrsmithlabs/triagegate/internal/notify"
	"github.com/fyrsmithlabs/triagegate/internal/pipeline"
	"github.com/fyrsmithlabs/triagegate/internal/reliability"
	"github.com/fyrsmithlabs/triagegate/internal/secrets"
)

const instrumentationName = "github.com/fyrsmithlabs/triagegate/internal/lifecycle"

// Defaults applied by New.
const (
	DefaultRefusalThreshold = 5.0
	DefaultMaxActive        = 2
	DefaultTailInterval     = 1500 * time.Millisecond
	DefaultScanInterval     = 2 * time.Second
	DefaultAgentInterval    = 150 * time.Millisecond
	DefaultPollInterval     = 200 * time.Millisecond
)

const (
	scanBuckets     = 10
	maxNotes        = 50
	maxLogLines     = 20
	scannedService  = "payment-service"
	ticketAction    = "Analyzing logs..."
	resolutionType  = "Autonomous SRE"
	blockedComment  = "Safety Governor Blocked Auto-Action. Awaiting Slack signature."
	approvedReply   = "🚀 Approved. Executing remediation now."
	refusalTemplate = "⛔ *Safety Refusal:* %s\n\nType `" + OverrideCommand + "` to bypass."
)

// ErrNotPending is returned by Signal for items not awaiting approval.
var ErrNotPending = errors.New("incident is not awaiting approval")

// Analyzer runs the triage stages for one item.
type Analyzer interface {
	Plan(ctx context.Context, inc incident.Incident, trace *incident.Trace) (incident.Plan, error)
	Stress(ctx context.Context, inc incident.Incident, plan incident.Plan, trace *incident.Trace) (incident.StressResult, error)
	Learn(ctx context.Context, inc incident.Incident, action, resolution string, trace *incident.Trace) (pipeline.LearnResult, error)
	RefusalExplanation(ctx context.Context, inc incident.Incident, reasons []string, trace *incident.Trace) string
	Profile() reliability.Profile
}

// Chat posts decisions and reads approval threads.
type Chat interface {
	Formatter() notify.Formatter
	PostMessage(ctx context.Context, channel, threadTS, text string, blocks []slack.Block) (notify.Posted, error)
	ThreadReplies(ctx context.Context, channel, ts string) ([]notify.Message, error)
}

// Tickets tracks each item in the issue tracker.
type Tickets interface {
	CreateIncident(ctx context.Context, inc incident.Incident, pattern, action string) (string, error)
	Comment(ctx context.Context, key, text string) error
	ResolveIncident(ctx context.Context, key, resolutionType string) error
}

// Transitions announces state changes.
type Transitions interface {
	PublishTransition(ev events.TransitionEvent) error
}

// Options configures a Controller. Analyzer is required; a nil Logs
// disables the tailer and scanner, a nil Chat disables approval polling.
type Options struct {
	Config      config.LifecycleConfig
	Analyzer    Analyzer
	Logs        evidence.LogSource
	Chat        Chat
	Channel     string
	Tickets     Tickets
	Transitions Transitions
	// Scrubber redacts credentials from request paths before they become
	// incident text. Nil leaves paths as logged.
	Scrubber *secrets.Scrubber
	Logger   *logging.Logger
}

// Outcome of applying a human intent to an item.
type Outcome string

const (
	OutcomeIgnored  Outcome = "ignored"
	OutcomeRefused  Outcome = "refused"
	OutcomeApproved Outcome = "approved"
)

// Note is one line of controller reasoning shown on the dashboard.
type Note struct {
	Time   time.Time `json:"time"`
	Source string    `json:"source"`
	Text   string    `json:"text"`
}

// Snapshot is a point-in-time copy of the controller.
type Snapshot struct {
	Items         []Item        `json:"items"`
	Counts        map[State]int `json:"counts"`
	ProcessedLogs int64         `json:"processed_logs"`
	KBUpdates     int64         `json:"kb_updates"`
	ActiveErrors  int64         `json:"active_errors"`
	Refused       int           `json:"refused"`
	Status        string        `json:"status"`
	Notes         []Note        `json:"notes"`
	LogLines      []string      `json:"log_lines"`
}

// Controller runs the lifecycle workers.
type Controller struct {
	cfg      config.LifecycleConfig
	queue    *Queue
	analyzer Analyzer
	logs     evidence.LogSource
	chat     Chat
	channel  string
	tickets  Tickets
	pub      Transitions
	scrubber *secrets.Scrubber
	logger   *logging.Logger
	metrics  *Metrics

	tracer      trace.Tracer
	transitions metric.Int64Counter

	processedLogs atomic.Int64
	kbUpdates     atomic.Int64
	activeErrors  atomic.Int64

	mu       sync.Mutex
	status   string
	notes    []Note
	logLines []string

	newID func() string
	now   func() time.Time
}

// New creates a controller with an empty queue.
func New(opts Options) (*Controller, error) {
	if opts.Analyzer == nil {
		return nil, errors.New("lifecycle: analyzer is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	cfg := opts.Config
	if cfg.RefusalThreshold <= 0 {
		cfg.RefusalThreshold = DefaultRefusalThreshold
	}
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultMaxActive
	}
	setDefault(&cfg.TailInterval, DefaultTailInterval)
	setDefault(&cfg.ScanInterval, DefaultScanInterval)
	setDefault(&cfg.AgentInterval, DefaultAgentInterval)
	setDefault(&cfg.PollInterval, DefaultPollInterval)

	c := &Controller{
		cfg:      cfg,
		queue:    NewQueue(),
		analyzer: opts.Analyzer,
		logs:     opts.Logs,
		chat:     opts.Chat,
		channel:  strings.TrimLeft(opts.Channel, "#"),
		tickets:  opts.Tickets,
		pub:      opts.Transitions,
		scrubber: opts.Scrubber,
		logger:   opts.Logger,
		metrics:  NewMetrics(),
		tracer:   otel.Tracer(instrumentationName),
		status:   "Monitoring Production",
		newID: func() string {
			return fmt.Sprintf("INC-%d", 1000+rand.IntN(9000))
		},
		now: time.Now,
	}

	var err error
	c.transitions, err = otel.Meter(instrumentationName).Int64Counter(
		"triagegate.lifecycle.transitions_total",
		metric.WithDescription("Total number of lifecycle state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		c.logger.Warn(context.Background(), "failed to create transition counter", zap.Error(err))
	}
	c.metrics.setCounts(c.queue.Counts())
	return c, nil
}

func setDefault(d *config.Duration, def time.Duration) {
	if d.Duration() <= 0 {
		*d = config.Duration(def)
	}
}

// Queue exposes the controller's queue.
func (c *Controller) Queue() *Queue { return c.queue }

// Submit queues an incident for triage.
func (c *Controller) Submit(ctx context.Context, inc incident.Incident) (Item, error) {
	if err := inc.Validate(); err != nil {
		return Item{}, err
	}
	it, err := c.queue.Add(inc, "")
	if err != nil {
		return Item{}, err
	}
	c.metrics.setCounts(c.queue.Counts())
	c.note(it.ID, "Queued for analysis.")
	c.logger.Info(logging.WithIncidentID(ctx, it.ID), "incident submitted")
	return it, nil
}

// Run starts the workers and blocks until ctx is cancelled or a worker
// fails to start.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if c.logs != nil {
		g.Go(func() error { return c.loop(ctx, "tailer", c.cfg.TailInterval.Duration(), c.tail) })
		g.Go(func() error { return c.loop(ctx, "scanner", c.cfg.ScanInterval.Duration(), c.scan) })
	}
	g.Go(func() error {
		return c.loop(ctx, "agent", c.cfg.AgentInterval.Duration(), func(ctx context.Context) error {
			_, err := c.Step(ctx)
			return err
		})
	})
	if c.chat != nil && c.channel != "" {
		g.Go(func() error { return c.loop(ctx, "poller", c.cfg.PollInterval.Duration(), c.poll) })
	}
	c.note("System", "Reliability layer agent initialized.")
	c.logger.Info(ctx, "lifecycle controller started",
		zap.Float64("refusal_threshold", c.cfg.RefusalThreshold),
		zap.Int("max_active", c.cfg.MaxActive))
	return g.Wait()
}

// loop runs fn every interval until ctx is done. Iteration errors are
// logged and counted; they never stop the worker.
func (c *Controller) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	ctx = logging.WithWorker(ctx, name)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			c.metrics.WorkerErrors.WithLabelValues(name).Inc()
			c.logger.Warn(ctx, "worker iteration failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Controller) tail(ctx context.Context) error {
	stats, err := c.logs.LogStats(ctx)
	if err != nil {
		return fmt.Errorf("log stats: %w", err)
	}
	c.processedLogs.Add(1)
	c.metrics.ProcessedLogs.Inc()
	c.activeErrors.Store(int64(stats.ErrorCount))

	line := fmt.Sprintf("[%s] errors=%d avg_bytes=%.0f", c.now().Format("15:04:05"), stats.ErrorCount, stats.AvgBytes)
	c.mu.Lock()
	c.logLines = appendCapped(c.logLines, line, maxLogLines)
	c.mu.Unlock()
	return nil
}

// scan queues the first failing request pattern not seen before. It does
// nothing while MaxActive items are in flight.
func (c *Controller) scan(ctx context.Context) error {
	if c.queue.ActiveCount() >= c.cfg.MaxActive {
		return nil
	}
	c.setStatus("Governance Audit...")
	defer c.setStatus("Monitoring Production")

	buckets, err := c.logs.TopFailingRequests(ctx, scanBuckets)
	if err != nil {
		return fmt.Errorf("top failing requests: %w", err)
	}
	total := 0
	for _, b := range buckets {
		total += b.Count
	}
	c.activeErrors.Store(int64(total))

	for _, b := range buckets {
		pattern := c.scrubber.String(b.Key)
		if c.queue.HasPattern(pattern) {
			continue
		}
		it, err := c.addScanned(pattern)
		if err != nil {
			return err
		}
		c.note("Scanner", fmt.Sprintf("Detected anomaly cluster: %s. Queuing %s for analysis.", truncate(pattern, 40), it.ID))
		c.logger.Info(logging.WithIncidentID(ctx, it.ID), "anomaly cluster queued",
			zap.String("pattern", pattern), zap.Int("count", b.Count))
		return nil
	}
	return nil
}

func (c *Controller) addScanned(pattern string) (Item, error) {
	var err error
	for range 5 {
		id := c.newID()
		var it Item
		it, err = c.queue.Add(incident.Incident{
			ID:       id,
			Service:  scannedService,
			Severity: incident.SeverityHigh,
			Summary:  "Failure: " + pattern,
			Symptoms: "5xx errors",
		}, pattern)
		if err == nil {
			c.metrics.setCounts(c.queue.Counts())
			return it, nil
		}
	}
	return Item{}, fmt.Errorf("allocate incident id: %w", err)
}

// Step advances the first item in DETECTED, ANALYZING, READY_TO_EXECUTE or
// LEARNING by one state. It reports whether an item was processed. An item
// whose processing fails is moved to RESOLVED.
func (c *Controller) Step(ctx context.Context) (bool, error) {
	it, ok := c.queue.First(StateDetected, StateAnalyzing, StateReadyToExecute, StateLearning)
	if !ok {
		return false, nil
	}
	ctx = logging.WithIncidentID(ctx, it.ID)
	ctx, span := c.tracer.Start(ctx, "lifecycle.advance", trace.WithAttributes(
		attribute.String("incident.id", it.ID),
		attribute.String("lifecycle.state", string(it.State)),
	))
	defer span.End()

	next, err := c.advance(ctx, it)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.note("System", "Worker error: "+err.Error())
		c.logger.Error(ctx, "lifecycle step failed, resolving item",
			zap.String("state", string(it.State)), zap.Error(err))
		_, cerr := c.commit(ctx, it, func(i *Item) {
			i.State = StateResolved
			i.Error = err.Error()
		})
		return true, errors.Join(err, cerr)
	}
	if _, err := c.commit(ctx, it, func(i *Item) { *i = next }); err != nil {
		return true, err
	}
	return true, nil
}

// advance performs the slow work for one state on a copy of it.
func (c *Controller) advance(ctx context.Context, it Item) (Item, error) {
	tr := incident.NewTrace()
	switch it.State {
	case StateDetected:
		c.setStatus("Jira Sync " + it.ID)
		if c.tickets != nil {
			key, err := c.tickets.CreateIncident(ctx, it.Incident, it.Pattern, ticketAction)
			it.JiraKey = key
			if err != nil {
				c.logger.Warn(ctx, "ticket not created", zap.Error(err))
				c.note("Jira Service", "Ticket creation failed.")
			} else {
				c.note("Jira Service", fmt.Sprintf("Ticket %s created.", key))
			}
		}
		plan, err := c.analyzer.Plan(ctx, it.Incident, tr)
		if err != nil {
			return it, fmt.Errorf("plan: %w", err)
		}
		it.Plan = &plan
		it.State = StateAnalyzing
		c.note(it.ID, "Plan: "+plan.ProposedAction)

	case StateAnalyzing:
		if it.Plan == nil {
			return it, errors.New("analyzing without a plan")
		}
		c.setStatus("Safety Gating: " + it.ID)
		stress, err := c.analyzer.Stress(ctx, it.Incident, *it.Plan, tr)
		if err != nil {
			return it, fmt.Errorf("stress: %w", err)
		}
		cd := pipeline.Compress(it.Incident, *it.Plan, stress, c.analyzer.Profile().UCurveMagnitude)
		gate := pipeline.Gate(*it.Plan, stress, cd)
		it.Stress = &stress
		it.Gate = &gate

		if c.chat != nil && c.channel != "" {
			posted, err := c.postDecision(ctx, it)
			if err != nil {
				return it, err
			}
			it.SlackChannel, it.SlackTS = posted.Channel, posted.TS
		}

		if gate.Executes() {
			it.State = StateReadyToExecute
			c.note(it.ID, "Gate passed. Executing.")
			break
		}
		it.State = StatePendingSlack
		c.note(it.ID, fmt.Sprintf("Gate blocked. Score: %.2f. Awaiting signature.", gate.ConfidenceFinal))
		if c.tickets != nil && it.JiraKey != "" {
			if err := c.tickets.Comment(ctx, it.JiraKey, blockedComment); err != nil {
				c.logger.Warn(ctx, "ticket comment failed", zap.Error(err))
			}
		}

	case StateReadyToExecute:
		c.setStatus("Fixing " + it.ID)
		c.note(it.ID, "Executing remediation for "+it.ID+"...")
		if c.tickets != nil && it.JiraKey != "" {
			if err := c.tickets.ResolveIncident(ctx, it.JiraKey, resolutionType); err != nil {
				c.logger.Warn(ctx, "ticket not resolved", zap.String("jira_key", it.JiraKey), zap.Error(err))
			}
		}
		it.State = StateLearning

	case StateLearning:
		c.note("Learning", "Summarizing fix for "+it.ID+".")
		res, err := c.analyzer.Learn(ctx, it.Incident, it.Action(), fmt.Sprintf("Executed %s. Resolved.", it.Action()), tr)
		switch {
		case err != nil:
			c.logger.Warn(ctx, "learning failed", zap.Error(err))
		case res.Status == pipeline.LearnLearned:
			c.kbUpdates.Add(1)
			c.metrics.KBUpdatesTotal.Inc()
		}
		it.State = StateResolved
		c.note(it.ID, "RESOLVED.")

	default:
		return it, fmt.Errorf("no step from state %s", it.State)
	}
	c.setStatus("Monitoring Production")
	return it, nil
}

func (c *Controller) postDecision(ctx context.Context, it Item) (notify.Posted, error) {
	mode := incident.ExecutionModeEscalate
	if it.Gate.Executes() {
		mode = it.Gate.FinalPosition
	}
	shown := it.Incident
	shown.ID = it.DisplayID()
	payload := incident.NewDecisionPayload(shown, *it.Gate, *it.Stress, mode)
	msg := c.chat.Formatter().Decision(payload)

	posted, err := c.chat.PostMessage(ctx, c.channel, "", "🎫 Jira: "+it.DisplayID(), msg.Blocks.BlockSet)
	if err != nil {
		return notify.Posted{}, fmt.Errorf("post decision: %w", err)
	}
	if posted.Channel == "" {
		posted.Channel = c.channel
	}
	return posted, nil
}

// poll reads the approval thread of every item awaiting a human.
func (c *Controller) poll(ctx context.Context) error {
	var errs []error
	for _, it := range c.queue.InState(StatePendingSlack) {
		if it.SlackTS == "" {
			continue
		}
		msgs, err := c.chat.ThreadReplies(ctx, it.SlackChannel, it.SlackTS)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", it.ID, err))
			continue
		}
		intent := ClassifyThread(msgs, it.SlackTS)
		if intent == IntentNone {
			continue
		}
		if _, err := c.apply(logging.WithIncidentID(ctx, it.ID), it, intent); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", it.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Signal applies a human intent received outside the chat thread.
func (c *Controller) Signal(ctx context.Context, id string, intent Intent) (Outcome, error) {
	it, ok := c.queue.Get(id)
	if !ok {
		return OutcomeIgnored, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if it.State != StatePendingSlack {
		return OutcomeIgnored, fmt.Errorf("%w: %s is %s", ErrNotPending, id, it.State)
	}
	return c.apply(logging.WithIncidentID(ctx, id), it, intent)
}

// Critical reports whether the item's gate confidence is below the
// refusal threshold. An item without a gate decision counts as critical.
func (c *Controller) Critical(it Item) bool {
	return it.Gate == nil || it.Gate.ConfidenceFinal < c.cfg.RefusalThreshold
}

// apply acts on intent for an item read at it.Version. The refusal flag
// and the approval transition are committed before any reply is posted, so
// only one of several concurrent callers acts.
func (c *Controller) apply(ctx context.Context, it Item, intent Intent) (Outcome, error) {
	switch {
	case intent == IntentApprove && c.Critical(it):
		if it.Refused {
			return OutcomeIgnored, nil
		}
		if _, err := c.commit(ctx, it, func(i *Item) { i.Refused = true }); err != nil {
			if errors.Is(err, ErrConflict) {
				return OutcomeIgnored, nil
			}
			return OutcomeIgnored, err
		}
		c.metrics.RefusalsTotal.Inc()
		c.note("Slack Sync", "Operator command received: "+intent.String())
		var reasons []string
		if it.Gate != nil {
			reasons = it.Gate.Reasons
		}
		expl := c.analyzer.RefusalExplanation(ctx, it.Incident, reasons, incident.NewTrace())
		c.note("Safety Governor", fmt.Sprintf("REFUSING OPERATOR COMMAND for %s.\n%s", it.ID, expl))
		c.logger.Warn(ctx, "approval refused below threshold", zap.Float64("refusal_threshold", c.cfg.RefusalThreshold))
		if err := c.reply(ctx, it, fmt.Sprintf(refusalTemplate, expl)); err != nil {
			return OutcomeRefused, err
		}
		return OutcomeRefused, nil

	case intent == IntentOverride || intent == IntentApprove:
		_, err := c.commit(ctx, it, func(i *Item) {
			i.State = StateReadyToExecute
			i.Overridden = intent == IntentOverride
		})
		if err != nil {
			if errors.Is(err, ErrConflict) {
				return OutcomeIgnored, nil
			}
			return OutcomeIgnored, err
		}
		if intent == IntentOverride {
			c.metrics.OverridesTotal.Inc()
		}
		c.note("Slack Sync", "Operator command received: "+intent.String())
		c.note("Slack Sync", fmt.Sprintf("Approval confirmed for %s. Queuing for execution.", it.ID))
		c.logger.Info(ctx, "approval accepted", zap.Stringer("intent", intent))
		if err := c.reply(ctx, it, approvedReply); err != nil {
			return OutcomeApproved, err
		}
		return OutcomeApproved, nil
	}
	return OutcomeIgnored, nil
}

func (c *Controller) reply(ctx context.Context, it Item, text string) error {
	if c.chat == nil || it.SlackTS == "" {
		return nil
	}
	if _, err := c.chat.PostMessage(ctx, it.SlackChannel, it.SlackTS, text, nil); err != nil {
		return fmt.Errorf("post reply: %w", err)
	}
	return nil
}

// commit writes mutate against the version it was read at and reports a
// state change on every channel that tracks them.
func (c *Controller) commit(ctx context.Context, it Item, mutate func(*Item)) (Item, error) {
	next, from, err := c.queue.Commit(it.ID, it.Version, mutate)
	if errors.Is(err, ErrConflict) {
		c.logger.Debug(ctx, "commit lost to a concurrent update", zap.Error(err))
		return next, err
	}
	if err != nil {
		c.logger.Warn(ctx, "commit rejected", zap.Error(err))
		return next, err
	}
	if from == next.State {
		return next, nil
	}
	c.metrics.setCounts(c.queue.Counts())
	if c.transitions != nil {
		c.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", string(next.State))))
	}
	c.logger.Info(ctx, "lifecycle transition",
		zap.String("from", string(from)), zap.String("to", string(next.State)))
	if c.pub != nil {
		err := c.pub.PublishTransition(events.TransitionEvent{
			IncidentID: next.ID,
			From:       string(from),
			To:         string(next.State),
			JiraKey:    next.JiraKey,
		})
		if err != nil {
			c.logger.Warn(ctx, "transition not published", zap.Error(err))
		}
	}
	return next, nil
}

// Snapshot copies the controller state.
func (c *Controller) Snapshot() Snapshot {
	items := c.queue.Items()
	refused := 0
	for _, it := range items {
		if it.Refused {
			refused++
		}
	}
	counts := c.queue.Counts()
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Items:         items,
		Counts:        counts,
		ProcessedLogs: c.processedLogs.Load(),
		KBUpdates:     c.kbUpdates.Load(),
		ActiveErrors:  c.activeErrors.Load(),
		Refused:       refused,
		Status:        c.status,
		Notes:         append([]Note(nil), c.notes...),
		LogLines:      append([]string(nil), c.logLines...),
	}
}

func (c *Controller) note(source, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = appendCapped(c.notes, Note{Time: c.now().UTC(), Source: source, Text: text}, maxNotes)
}

func (c *Controller) setStatus(s string) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func appendCapped[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if len(s) > limit {
		s = s[len(s)-limit:]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
