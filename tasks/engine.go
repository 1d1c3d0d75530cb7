package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"swarmnode/config"
	"swarmnode/earnings"
	"swarmnode/store"
)

const (
	stateVersion   = 1
	stateKeyPrefix = "tasks-state:"

	// Completed-task retention: once more than cleanupThreshold completed
	// tasks accumulate, only the most recent cleanupKeep are kept.
	cleanupThreshold = 20
	cleanupKeep      = 10
)

// CompletionReporter records a completed task with the backend. The engine
// credits a reward only after this call succeeds.
type CompletionReporter interface {
	CompleteTask(ctx context.Context, taskID string, taskType config.TaskType, reward int64) error
}

// RewardSink receives acknowledged reward credits. *earnings.Ledger
// satisfies it.
type RewardSink interface {
	AddReward(tx earnings.Transaction) error
}

// Deps are the engine's injected dependencies.
type Deps struct {
	Store    store.Store
	Sink     RewardSink
	Reporter CompletionReporter
	Clock    clock.Clock
	Logger   *slog.Logger
	Rand     *rand.Rand
	// Active gates the pipeline on the node state machine; a nil Active
	// means always on.
	Active func() bool
}

// engineState is the persisted shape: the task list plus the per-type
// completed counters awaiting the next uptime reconcile. Stats are
// recomputed from the list on load.
type engineState struct {
	Tasks           []*Task                   `json:"tasks"`
	CompletedByType map[config.TaskType]int64 `json:"completed_by_type,omitempty"`
}

// Engine runs the task pipeline for one device. A deadline heap with a
// single armed timer completes tasks at their exact instants; the periodic
// rescan tick regenerates the queue, promotes pending tasks, and sweeps any
// deadline the timer missed.
type Engine struct {
	mu       sync.Mutex
	store    store.Store
	sink     RewardSink
	reporter CompletionReporter
	clock    clock.Clock
	logger   *slog.Logger
	rng      *rand.Rand
	active   func() bool

	key    string
	holder string
	nodeID string
	tier   config.Tier
	plan   config.Plan
	limits config.PlanLimits

	tasks           []*Task
	byID            map[string]*Task
	completedByType map[config.TaskType]int64
	lock            *processingLock

	running   bool
	parentCtx context.Context
	runCtx    context.Context
	cancelRun context.CancelFunc

	deadlines deadlineHeap
	scheduled map[string]bool
	timer     *clock.Timer

	// sweepOnly disables the exact-delay timer so deadlines are served
	// solely by the rescan sweep. Tests use it to drive completion
	// synchronously.
	sweepOnly bool
}

// NewEngine builds an engine for the device, rehydrating persisted tasks.
// Tasks found mid-processing get their deadlines rebuilt from their original
// processing start, so a task that was due during downtime completes on the
// first tick.
func NewEngine(deps Deps, deviceKey, nodeID string, tier config.Tier, plan config.Plan) (*Engine, error) {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(deps.Clock.Now().UnixNano()))
	}

	e := &Engine{
		store:           deps.Store,
		sink:            deps.Sink,
		reporter:        deps.Reporter,
		clock:           deps.Clock,
		logger:          deps.Logger,
		rng:             deps.Rand,
		active:          deps.Active,
		key:             stateKeyPrefix + deviceKey,
		holder:          uuid.NewString(),
		nodeID:          nodeID,
		tier:            tier,
		plan:            plan,
		limits:          config.GetPlanLimits(plan),
		byID:            make(map[string]*Task),
		completedByType: make(map[config.TaskType]int64),
		scheduled:       make(map[string]bool),
	}

	var state engineState
	ok, err := store.LoadJSON(deps.Store, e.key, stateVersion, &state, nil)
	if err != nil {
		return nil, fmt.Errorf("load task state: %w", err)
	}
	if ok {
		e.tasks = state.Tasks
		for _, t := range e.tasks {
			e.byID[t.ID] = t
		}
		for typ, n := range state.CompletedByType {
			e.completedByType[typ] = n
		}
	}
	return e, nil
}

// Start installs the periodic rescan loop. Starting a running engine is a
// logged no-op. The loop stops when ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		if e.logger != nil {
			e.logger.Warn("engine start ignored, already running", "node_id", e.nodeID)
		}
		return
	}

	e.running = true
	e.parentCtx = ctx
	e.runCtx, e.cancelRun = context.WithCancel(ctx)

	// Rebuild deadlines for tasks that were processing before a restart
	now := e.clock.Now()
	for _, t := range e.tasks {
		if t.Status == StatusProcessing && t.ProcessingStart != nil {
			deadline := t.ProcessingStart.Add(config.CompletionTime(e.tier, t.Type))
			if deadline.Before(now) {
				deadline = now
			}
			e.scheduleLocked(t.ID, deadline)
		}
	}

	ticker := e.clock.Ticker(e.limits.TickInterval)
	go e.loop(e.runCtx, ticker)

	if e.logger != nil {
		e.logger.Info("task engine started",
			"node_id", e.nodeID,
			"plan", e.plan,
			"tier", e.tier)
	}
}

// Stop cancels the rescan loop and every scheduled deadline, then clears all
// tasks. Processing tasks are discarded, never left ghost-running. The
// per-type completed counters survive for the final uptime reconcile.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	if e.cancelRun != nil {
		e.cancelRun()
		e.cancelRun = nil
	}
	e.running = false
	e.clearScheduleLocked()
	e.lock = nil
	e.tasks = nil
	e.byID = make(map[string]*Task)
	if err := e.persistLocked(); err != nil && e.logger != nil {
		e.logger.Error("persist on engine stop failed", "error", err)
	}
	if e.logger != nil {
		e.logger.Info("task engine stopped", "node_id", e.nodeID)
	}
}

// SetPlan applies new plan limits. A running engine restarts its loop with
// the new tick interval; tasks in flight are kept.
func (e *Engine) SetPlan(plan config.Plan) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if plan == e.plan {
		return
	}
	e.plan = plan
	e.limits = config.GetPlanLimits(plan)

	if e.running {
		// The restarted loop stays bound to the context Start was given
		parent := e.parentCtx
		if parent == nil {
			parent = context.Background()
		}
		if e.cancelRun != nil {
			e.cancelRun()
		}
		e.runCtx, e.cancelRun = context.WithCancel(parent)
		ticker := e.clock.Ticker(e.limits.TickInterval)
		go e.loop(e.runCtx, ticker)
		if e.logger != nil {
			e.logger.Info("task engine restarted for plan change", "plan", plan)
		}
	}
}

// Running reports whether the rescan loop is installed.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Stats returns counters recomputed from the current task list.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return computeStats(e.tasks)
}

// Tasks returns a copy of the current task list in creation order.
func (e *Engine) Tasks() []*Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Task, len(e.tasks))
	for i, t := range e.tasks {
		cp := *t
		out[i] = &cp
	}
	return out
}

// CompletedCounts returns a copy of the per-type completed counters
// accumulated since the last reconcile.
func (e *Engine) CompletedCounts() map[config.TaskType]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[config.TaskType]int64, len(e.completedByType))
	for typ, n := range e.completedByType {
		out[typ] = n
	}
	return out
}

// ResetCompletedCounts zeroes the per-type counters after a successful
// reconcile.
func (e *Engine) ResetCompletedCounts() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.completedByType = make(map[config.TaskType]int64)
	if err := e.persistLocked(); err != nil && e.logger != nil {
		e.logger.Error("persist completed counters failed", "error", err)
	}
}

func (e *Engine) loop(ctx context.Context, ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick is one rescan cycle: generate, promote, sweep overdue deadlines.
func (e *Engine) tick(ctx context.Context) {
	if e.active != nil && !e.active() {
		return
	}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.generateLocked()
	e.promoteLocked()
	e.mu.Unlock()

	e.processDue(ctx)
}

// generateLocked appends a random batch of pending tasks, bounded by the
// plan's queue capacity. Caller holds e.mu.
func (e *Engine) generateLocked() {
	stats := computeStats(e.tasks)
	capacity := e.limits.PendingQueueSize - stats.Pending
	if capacity <= 0 {
		return
	}

	count := e.limits.MinTasks + e.rng.Intn(e.limits.MaxTasks-e.limits.MinTasks+1)
	if count > capacity {
		count = capacity
	}

	now := e.clock.Now()
	for i := 0; i < count; i++ {
		typ := pickType(e.rng.Float64())
		prompts := config.SamplePrompts[typ]
		t := &Task{
			ID:        uuid.NewString(),
			Type:      typ,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
			NodeID:    e.nodeID,
			Model:     config.TaskModels[typ],
			Prompt:    prompts[e.rng.Intn(len(prompts))],
		}
		e.tasks = append(e.tasks, t)
		e.byID[t.ID] = t
	}

	if err := e.persistLocked(); err != nil && e.logger != nil {
		e.logger.Error("persist generated tasks failed", "error", err)
	}
}

// promoteLocked moves oldest-pending tasks into processing up to the plan's
// concurrency cap and schedules their completion deadlines. Caller holds
// e.mu.
func (e *Engine) promoteLocked() {
	stats := computeStats(e.tasks)
	slots := e.limits.MaxConcurrentProcessing - stats.Processing
	if slots <= 0 {
		return
	}

	now := e.clock.Now()
	promoted := 0
	for _, t := range e.tasks {
		if promoted >= slots {
			break
		}
		if t.Status != StatusPending {
			continue
		}
		start := now
		t.Status = StatusProcessing
		t.ProcessingStart = &start
		t.UpdatedAt = now
		e.scheduleLocked(t.ID, now.Add(config.CompletionTime(e.tier, t.Type)))
		promoted++
	}

	if promoted > 0 {
		// The processing transition must be durably recorded before any
		// completion is reported upstream.
		if err := e.persistLocked(); err != nil && e.logger != nil {
			e.logger.Error("persist processing tasks failed", "error", err)
		}
	}
}

// processDue completes every task whose deadline has passed. Called from the
// armed timer and from the rescan tick.
func (e *Engine) processDue(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	due := e.popDueLocked(e.clock.Now())
	e.armTimerLocked()
	e.mu.Unlock()

	for _, taskID := range due {
		e.completeTask(ctx, taskID)
	}
}

// completeTask reports one finished task upstream and applies the outcome:
// acknowledged completions credit the ledger and mark the task completed,
// rejected ones mark it failed with no credit. Failure is terminal; retry is
// a fresh generation, not a pipeline concern.
func (e *Engine) completeTask(ctx context.Context, taskID string) {
	e.mu.Lock()
	t, ok := e.byID[taskID]
	if !ok || t.Status != StatusProcessing {
		e.mu.Unlock()
		return
	}
	if !e.acquireLockLocked(taskID) {
		// Another completion is in flight; retry on a later sweep
		e.scheduleLocked(taskID, e.clock.Now().Add(e.limits.TickInterval))
		e.mu.Unlock()
		return
	}
	typ := t.Type
	start := *t.ProcessingStart
	e.mu.Unlock()

	reward := config.Reward(typ, e.tier)
	err := e.reporter.CompleteTask(ctx, taskID, typ, reward)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.releaseLockLocked(taskID)
	if t, ok = e.byID[taskID]; !ok || t.Status != StatusProcessing {
		return
	}

	now := e.clock.Now()
	t.UpdatedAt = now
	if err != nil {
		t.Status = StatusFailed
		if e.logger != nil {
			e.logger.Warn("task completion rejected upstream",
				"task_id", taskID,
				"type", typ,
				"error", err)
		}
		if perr := e.persistLocked(); perr != nil && e.logger != nil {
			e.logger.Error("persist failed task failed", "error", perr)
		}
		return
	}

	completedAt := now
	t.Status = StatusCompleted
	t.CompletedAt = &completedAt
	t.ComputeTime = int64(now.Sub(start).Seconds())
	t.RewardAmount = reward
	e.completedByType[typ]++
	e.cleanupCompletedLocked()

	if perr := e.persistLocked(); perr != nil && e.logger != nil {
		e.logger.Error("persist completed task failed", "error", perr)
	}

	if e.sink != nil {
		tx := earnings.Transaction{
			Amount:       reward,
			Type:         "task_completion",
			TaskID:       taskID,
			TaskType:     typ,
			HardwareTier: e.tier,
			Multiplier:   config.HardwareMultipliers[e.tier],
			Timestamp:    now,
		}
		if serr := e.sink.AddReward(tx); serr != nil && e.logger != nil {
			e.logger.Error("reward credit failed", "task_id", taskID, "error", serr)
		}
	}
}

// cleanupCompletedLocked trims old completed tasks once they pile up,
// keeping the most recent few. Caller holds e.mu.
func (e *Engine) cleanupCompletedLocked() {
	completed := 0
	for _, t := range e.tasks {
		if t.Status == StatusCompleted {
			completed++
		}
	}
	if completed <= cleanupThreshold {
		return
	}

	drop := completed - cleanupKeep
	kept := e.tasks[:0]
	for _, t := range e.tasks {
		if t.Status == StatusCompleted && drop > 0 {
			drop--
			delete(e.byID, t.ID)
			continue
		}
		kept = append(kept, t)
	}
	e.tasks = kept
}

func (e *Engine) persistLocked() error {
	state := engineState{
		Tasks:           e.tasks,
		CompletedByType: e.completedByType,
	}
	if err := store.SaveJSON(e.store, e.key, stateVersion, state); err != nil {
		return fmt.Errorf("persist task state: %w", err)
	}
	return nil
}
