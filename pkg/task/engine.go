package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/enascvm/admiral/pkg/barrier"
	"github.com/enascvm/admiral/pkg/events"
	"github.com/enascvm/admiral/pkg/fault"
	"github.com/enascvm/admiral/pkg/log"
	"github.com/enascvm/admiral/pkg/metrics"
	"github.com/enascvm/admiral/pkg/storage"
	"github.com/enascvm/admiral/pkg/types"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrIllegalTransition is returned when the transition table does not
// allow moving from the current sub-stage to the requested one
var ErrIllegalTransition = errors.New("illegal transition")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config holds configuration for the task engine
type Config struct {
	// DefaultExpiration bounds the life of a task that never terminates
	DefaultExpiration time.Duration

	// CompletedRetention keeps finished tasks, and failed tasks with a
	// callback, for this long
	CompletedRetention time.Duration

	// FailedRetention keeps failed tasks without a callback for this long;
	// zero keeps them until removed
	FailedRetention time.Duration

	// MailboxIdleTimeout stops a task's actor after this long without
	// messages
	MailboxIdleTimeout time.Duration

	// SweepInterval is how often expired documents are removed from the
	// store; zero disables the sweep
	SweepInterval time.Duration

	Now func() time.Time
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		DefaultExpiration:  time.Hour,
		CompletedRetention: 5 * time.Minute,
		MailboxIdleTimeout: time.Minute,
		SweepInterval:      time.Minute,
	}
}

// CreateRequest asks for a new workflow instance
type CreateRequest struct {
	Kind                         string            `validate:"required"`
	ResourceLinks                []string          `validate:"required,min=1,dive,required"`
	RemoveOnly                   bool              `validate:"-"`
	SkipReleaseResourcePlacement bool              `validate:"-"`
	Callback                     *types.Callback   `validate:"omitempty"`
	CustomProperties             map[string]string `validate:"-"`
}

// Patch carries the fields a transition writes into the task
type Patch struct {
	// Properties are merged into the task's custom properties
	Properties map[string]string
	// Data, when set, replaces the workflow-private data
	Data interface{}
	// FailureMessage is recorded on entering the error sub-stage
	FailureMessage string
}

// Result reports the outcome of a transition message
type Result struct {
	// Applied is false when the message was an idempotent replay
	Applied  bool
	Stage    types.TaskStage
	SubStage types.SubStage
}

// Engine owns task documents and drives them through their workflows.
// Every task id is served by a single actor goroutine that processes its
// transition messages one at a time.
type Engine struct {
	cfg      Config
	store    storage.Store
	barriers *barrier.Registry
	broker   *events.Broker
	pubSub   *gochannel.GoChannel
	tracer   trace.Tracer
	logger   zerolog.Logger

	mu      sync.Mutex
	defs    map[string]*Definition
	actors  map[string]*actor
	waiters map[string][]chan *types.Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a task engine and starts its callback subscriber
func NewEngine(store storage.Store, broker *events.Broker, cfg Config) (*Engine, error) {
	defaults := DefaultConfig()
	if cfg.DefaultExpiration <= 0 {
		cfg.DefaultExpiration = defaults.DefaultExpiration
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = defaults.CompletedRetention
	}
	if cfg.MailboxIdleTimeout <= 0 {
		cfg.MailboxIdleTimeout = defaults.MailboxIdleTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger := log.WithComponent("task-engine")
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:      cfg,
		store:    store,
		barriers: barrier.NewRegistry(),
		broker:   broker,
		pubSub:   newCallbackPubSub(logger),
		tracer:   otel.Tracer("github.com/enascvm/admiral/pkg/task"),
		logger:   logger,
		defs:     make(map[string]*Definition),
		actors:   make(map[string]*actor),
		waiters:  make(map[string][]chan *types.Task),
		ctx:      ctx,
		cancel:   cancel,
	}

	if err := e.subscribeCallbacks(); err != nil {
		cancel()
		return nil, err
	}
	return e, nil
}

// Register validates and installs a workflow definition
func (e *Engine) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid workflow definition: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.defs[def.Kind]; exists {
		return fmt.Errorf("workflow %s already registered", def.Kind)
	}
	e.defs[def.Kind] = def
	return nil
}

// Barriers returns the registry used for fan-out/fan-in inside handlers
func (e *Engine) Barriers() *barrier.Registry {
	return e.barriers
}

// Start resumes interrupted tasks and runs the store sweep
func (e *Engine) Start() (int, error) {
	resumed, err := e.Resume()
	if err != nil {
		return 0, err
	}
	if e.cfg.SweepInterval > 0 {
		e.wg.Add(1)
		go e.sweepLoop()
	}
	return resumed, nil
}

// Stop stops all actors and the callback subscriber
func (e *Engine) Stop() {
	e.mu.Lock()
	e.cancel()
	e.mu.Unlock()
	if err := e.pubSub.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to close callback pubsub")
	}
	e.wg.Wait()
}

// Create validates req, persists a new task and starts it
func (e *Engine) Create(ctx context.Context, req CreateRequest) (string, error) {
	if err := validate.Struct(req); err != nil {
		return "", fault.Validation("invalid task request", err)
	}

	e.mu.Lock()
	_, known := e.defs[req.Kind]
	e.mu.Unlock()
	if !known {
		return "", fault.Validation(fmt.Sprintf("unknown task kind %q", req.Kind), nil)
	}

	now := e.cfg.Now().UTC()
	t := &types.Task{
		ID:                           uuid.NewString(),
		Kind:                         req.Kind,
		Stage:                        types.TaskStageCreated,
		SubStage:                     types.SubStageCreated,
		ResumeSubStage:               types.SubStageCreated,
		ResourceLinks:                req.ResourceLinks,
		RemoveOnly:                   req.RemoveOnly,
		SkipReleaseResourcePlacement: req.SkipReleaseResourcePlacement,
		Callback:                     req.Callback,
		CustomProperties:             req.CustomProperties,
		CreatedAt:                    now,
		UpdatedAt:                    now,
		ExpiresAt:                    now.Add(e.cfg.DefaultExpiration),
	}

	if err := storage.Create(e.store, storage.KindTask, t.ID, t); err != nil {
		return "", fmt.Errorf("failed to persist task: %w", err)
	}

	metrics.TasksCreated.WithLabelValues(t.Kind).Inc()
	e.broker.Publish(&events.Event{
		Type:     events.EventTaskCreated,
		Message:  fmt.Sprintf("%s task created for %d resources", t.Kind, len(t.ResourceLinks)),
		Metadata: map[string]string{"task_id": t.ID, "kind": t.Kind},
	})
	taskLogger := log.WithTask(t.Kind, t.ID)
	taskLogger.Info().Strs("resources", t.ResourceLinks).Msg("Task created")

	e.enqueue(t.ID, message{ctx: ctx, subStage: types.SubStageCreated, start: true})
	return t.ID, nil
}

// Get loads a task document
func (e *Engine) Get(id string) (*types.Task, error) {
	t, _, err := storage.Load[types.Task](e.store, storage.KindTask, id)
	return t, err
}

// Advance delivers a transition message to a task and waits for the
// outcome. Re-delivering a sub-stage the task has already reached or
// passed leaves it unchanged and reports Applied=false.
func (e *Engine) Advance(ctx context.Context, id string, sub types.SubStage, patch Patch) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "task.advance", trace.WithAttributes(
		attribute.String("task.id", id),
		attribute.String("task.sub_stage", string(sub)),
	))
	defer span.End()

	reply := make(chan outcome, 1)
	e.enqueue(id, message{ctx: ctx, subStage: sub, patch: patch, reply: reply})

	select {
	case out := <-reply:
		if out.err != nil {
			setSpanError(span, out.err)
		}
		span.SetAttributes(attribute.Bool("task.applied", out.result.Applied))
		return out.result, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-e.ctx.Done():
		return Result{}, errors.New("task engine stopped")
	}
}

// Send delivers a transition message without waiting for it
func (e *Engine) Send(id string, sub types.SubStage, patch Patch) {
	e.enqueue(id, message{ctx: e.ctx, subStage: sub, patch: patch})
}

// Fail moves a task to the error sub-stage
func (e *Engine) Fail(id string, msg string, cause error) {
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	e.Send(id, types.SubStageError, Patch{FailureMessage: msg})
}

// Await blocks until the task reaches a terminal stage
func (e *Engine) Await(ctx context.Context, id string) (*types.Task, error) {
	ch := make(chan *types.Task, 1)
	e.mu.Lock()
	e.waiters[id] = append(e.waiters[id], ch)
	e.mu.Unlock()

	t, err := e.Get(id)
	if err != nil {
		e.dropWaiter(id, ch)
		return nil, err
	}
	if t.Stage.IsTerminal() {
		e.dropWaiter(id, ch)
		return t, nil
	}

	select {
	case t := <-ch:
		return t, nil
	case <-ctx.Done():
		e.dropWaiter(id, ch)
		return nil, ctx.Err()
	}
}

func (e *Engine) dropWaiter(id string, ch chan *types.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	waiters := e.waiters[id]
	for i, w := range waiters {
		if w == ch {
			e.waiters[id] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(e.waiters[id]) == 0 {
		delete(e.waiters, id)
	}
}

// Resume restarts every non-terminal task of a registered kind from its
// last durable sub-stage. Tasks past their expiration are cancelled
// instead.
func (e *Engine) Resume() (int, error) {
	tasks, err := storage.LoadAll[types.Task](e.store, storage.KindTask)
	if err != nil {
		return 0, fmt.Errorf("failed to list tasks: %w", err)
	}

	now := e.cfg.Now()
	resumed := 0
	for _, t := range tasks {
		if t.Stage.IsTerminal() {
			continue
		}
		e.mu.Lock()
		_, known := e.defs[t.Kind]
		e.mu.Unlock()
		if !known {
			continue
		}

		if !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt) {
			e.cancelExpired(t)
			continue
		}

		start := t.Stage == types.TaskStageCreated
		e.enqueue(t.ID, message{ctx: e.ctx, subStage: t.ResumeSubStage, start: start, resume: !start})
		resumed++
	}

	if resumed > 0 {
		e.logger.Info().Int("tasks", resumed).Msg("Resumed interrupted tasks")
	}
	return resumed, nil
}

func (e *Engine) cancelExpired(t *types.Task) {
	cancelled, err := storage.Update(e.store, storage.KindTask, t.ID, func(cur *types.Task) error {
		if cur.Stage.IsTerminal() {
			return storage.ErrSkipUpdate
		}
		cur.Stage = types.TaskStageCancelled
		cur.FailureMessage = "task expired before completion"
		cur.UpdatedAt = e.cfg.Now().UTC()
		cur.ExpiresAt = cur.UpdatedAt.Add(e.cfg.CompletedRetention)
		return nil
	})
	if err != nil {
		e.logger.Error().Err(err).Str("task_id", t.ID).Msg("Failed to cancel expired task")
		return
	}
	if cancelled.Stage != types.TaskStageCancelled {
		return
	}
	e.finish(cancelled)
}

// process applies one message inside the task's actor
func (e *Engine) process(id string, msg message) {
	logger := log.WithTask("", id)

	t, version, err := storage.Load[types.Task](e.store, storage.KindTask, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = fault.NotFound("task not found", err).WithResource(id)
		}
		msg.respond(Result{}, err)
		logger.Warn().Err(err).Str("sub_stage", string(msg.subStage)).Msg("Dropped transition message")
		return
	}
	logger = log.WithTask(t.Kind, id)

	e.mu.Lock()
	def, ok := e.defs[t.Kind]
	e.mu.Unlock()
	if !ok {
		msg.respond(resultOf(t, false), fmt.Errorf("no workflow registered for kind %s", t.Kind))
		return
	}

	apply, err := decide(def, t, msg)
	if err != nil {
		logger.Warn().Err(err).Str("from", string(t.SubStage)).Str("to", string(msg.subStage)).Msg("Rejected transition")
		msg.respond(resultOf(t, false), err)
		return
	}
	if !apply {
		metrics.TaskReplays.WithLabelValues(t.Kind).Inc()
		logger.Debug().Str("current", string(t.SubStage)).Str("requested", string(msg.subStage)).Msg("Ignored replayed transition")
		msg.respond(resultOf(t, false), nil)
		return
	}

	if err := e.applyPatch(def, t, msg); err != nil {
		msg.respond(resultOf(t, false), err)
		return
	}
	if err := storage.SaveVersion(e.store, storage.KindTask, t.ID, t, version); err != nil {
		logger.Error().Err(err).Str("sub_stage", string(msg.subStage)).Msg("Failed to persist transition")
		msg.respond(resultOf(t, false), fmt.Errorf("failed to persist transition: %w", err))
		return
	}

	metrics.TaskTransitions.WithLabelValues(t.Kind, string(t.SubStage)).Inc()
	logger.Debug().Str("stage", string(t.Stage)).Str("sub_stage", string(t.SubStage)).Msg("Task advanced")
	msg.respond(resultOf(t, true), nil)

	e.dispatch(msg.ctx, def, t, logger)

	if t.Stage.IsTerminal() {
		e.finish(t)
	}
}

// decide reports whether msg changes the task, or is a replay
func decide(def *Definition, t *types.Task, msg message) (bool, error) {
	if t.Stage.IsTerminal() {
		return false, nil
	}
	if msg.start {
		return t.Stage == types.TaskStageCreated && msg.subStage == t.SubStage, nil
	}
	if msg.resume {
		return msg.subStage == t.ResumeSubStage, nil
	}

	target, ok := def.index(msg.subStage)
	if !ok {
		return false, fault.Validation(fmt.Sprintf("unknown sub-stage %s for %s", msg.subStage, def.Kind), nil)
	}
	current, _ := def.index(t.SubStage)
	if target <= current {
		return false, nil
	}
	if !def.allows(t.SubStage, msg.subStage) {
		return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.SubStage, msg.subStage)
	}
	return true, nil
}

func (e *Engine) applyPatch(def *Definition, t *types.Task, msg message) error {
	now := e.cfg.Now().UTC()

	t.SubStage = msg.subStage
	if !def.isTransient(msg.subStage) {
		t.ResumeSubStage = msg.subStage
	}
	switch msg.subStage {
	case types.SubStageCompleted:
		t.Stage = types.TaskStageFinished
		t.ExpiresAt = now.Add(e.cfg.CompletedRetention)
	case types.SubStageError:
		t.Stage = types.TaskStageFailed
		switch {
		case t.Callback != nil:
			t.ExpiresAt = now.Add(e.cfg.CompletedRetention)
		case e.cfg.FailedRetention > 0:
			t.ExpiresAt = now.Add(e.cfg.FailedRetention)
		default:
			t.ExpiresAt = time.Time{}
		}
	default:
		t.Stage = types.TaskStageStarted
	}

	if len(msg.patch.Properties) > 0 {
		if t.CustomProperties == nil {
			t.CustomProperties = make(map[string]string, len(msg.patch.Properties))
		}
		for k, v := range msg.patch.Properties {
			t.CustomProperties[k] = v
		}
	}
	if msg.patch.Data != nil {
		data, err := json.Marshal(msg.patch.Data)
		if err != nil {
			return fmt.Errorf("failed to encode task data: %w", err)
		}
		t.Data = data
	}
	if msg.patch.FailureMessage != "" && msg.subStage == types.SubStageError {
		t.FailureMessage = msg.patch.FailureMessage
	}
	t.UpdatedAt = now
	return nil
}

// dispatch runs the handler of the sub-stage the task just entered
func (e *Engine) dispatch(ctx context.Context, def *Definition, t *types.Task, logger zerolog.Logger) {
	handler, ok := def.Handlers[t.SubStage]
	if !ok {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = e.ctx
	}

	_, span := e.tracer.Start(ctx, "task.handle", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.kind", t.Kind),
		attribute.String("task.sub_stage", string(t.SubStage)),
	))
	defer span.End()

	timer := metrics.NewTimer()
	snapshot := *t
	tc := &Context{
		Context: trace.ContextWithSpan(e.ctx, span),
		Task:    &snapshot,
		Logger:  logger,
		engine:  e,
	}
	err := handler(tc)
	timer.ObserveDurationVec(metrics.TaskHandlerDuration, t.Kind, string(t.SubStage))

	if err != nil {
		setSpanError(span, err)
		if IsTerminalSubStage(t.SubStage) {
			logger.Error().Err(err).Str("sub_stage", string(t.SubStage)).Msg("Terminal handler failed")
			return
		}
		e.Fail(t.ID, fmt.Sprintf("%s handler failed", t.SubStage), err)
	}
}

// finish publishes the terminal state and notifies callbacks and waiters
func (e *Engine) finish(t *types.Task) {
	logger := log.WithTask(t.Kind, t.ID)
	metrics.TasksFinished.WithLabelValues(t.Kind, string(t.Stage)).Inc()

	eventType := events.EventTaskCompleted
	switch t.Stage {
	case types.TaskStageFailed:
		eventType = events.EventTaskFailed
		logger.Warn().Str("failure", t.FailureMessage).Msg("Task failed")
	case types.TaskStageCancelled:
		eventType = events.EventTaskCancelled
		logger.Warn().Msg("Task cancelled")
	default:
		logger.Info().Msg("Task completed")
	}
	e.broker.Publish(&events.Event{
		Type:     eventType,
		Message:  t.FailureMessage,
		Metadata: map[string]string{"task_id": t.ID, "kind": t.Kind},
	})

	if t.Callback != nil {
		if err := e.publishCallback(t); err != nil {
			logger.Error().Err(err).Str("callback", t.Callback.Address).Msg("Failed to notify callback")
		}
	}

	e.mu.Lock()
	waiters := e.waiters[t.ID]
	delete(e.waiters, t.ID)
	e.mu.Unlock()
	for _, ch := range waiters {
		ch <- t
	}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := e.store.Sweep(e.cfg.Now())
			if err != nil {
				e.logger.Error().Err(err).Msg("Store sweep failed")
				continue
			}
			if removed > 0 {
				e.logger.Debug().Int("removed", removed).Msg("Swept expired documents")
			}
		case <-e.ctx.Done():
			return
		}
	}
}

func resultOf(t *types.Task, applied bool) Result {
	return Result{Applied: applied, Stage: t.Stage, SubStage: t.SubStage}
}
