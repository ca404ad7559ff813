package tasks

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dohr-michael/hostbridge/internal/events"
	"github.com/dohr-michael/hostbridge/internal/future"
)

// OutputSource supplies the captured output of a task.
type OutputSource interface {
	// Output returns the (possibly truncated) output of the task.
	Output(snap Snapshot) string
	// Discard drops whatever output the task left behind.
	Discard(snap Snapshot)
}

// Options configures a Registry. Every field is optional.
type Options struct {
	Persister Persister
	Output    OutputSource
	Bus       *events.Bus
}

// ListFilter narrows List. Session accepts doublestar glob patterns.
type ListFilter struct {
	Session string `json:"session,omitempty"`
	Status  Status `json:"status,omitempty"`
}

// Page is one window of a sorted task listing.
type Page struct {
	Tasks          []Snapshot `json:"tasks"`
	TotalCount     int        `json:"total_count"`
	DisplayedCount int        `json:"displayed_count"`
	Offset         int        `json:"offset"`
	Limit          int        `json:"limit"`
	HasMore        bool       `json:"has_more"`
}

type entry struct {
	task *Task
	seq  uint64
}

// Registry is the in-memory index of tasks with write-through, best-effort
// persistence. Persistence failures are logged and never returned.
type Registry struct {
	mu      sync.RWMutex
	tasks   map[string]entry
	nextSeq uint64

	persistMu sync.Mutex
	persister Persister
	output    OutputSource
	bus       *events.Bus

	hooksMu sync.RWMutex
	hooks   []StatusHook
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		tasks:     make(map[string]entry),
		persister: opts.Persister,
		output:    opts.Output,
		bus:       opts.Bus,
	}
}

// AddHook registers an extra status observer (e.g. to release per-task
// resources on terminal transitions).
func (r *Registry) AddHook(h StatusHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, h)
}

var sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateSessionID rejects ids that cannot name a session directory.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: session_id required", ErrInvalidSubmission)
	}
	if !sessionIDRe.MatchString(id) {
		return fmt.Errorf("%w: invalid session_id %q", ErrInvalidSubmission, id)
	}
	return nil
}

// Create registers work already submitted as cell and returns its task id.
// Rejected submissions never enter the state machine.
func (r *Registry) Create(sessionID string, cell *future.Cell, meta Meta) (string, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	if cell == nil {
		return "", fmt.Errorf("%w: result cell required", ErrInvalidSubmission)
	}
	if meta.TaskID == "" {
		meta.TaskID = NewTaskID()
	}

	t := newTask(sessionID, meta, cell, time.Now(), r.onStatusChange)

	r.mu.Lock()
	if _, exists := r.tasks[meta.TaskID]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: task %s already exists", ErrInvalidSubmission, meta.TaskID)
	}
	r.nextSeq++
	r.tasks[meta.TaskID] = entry{task: t, seq: r.nextSeq}
	r.mu.Unlock()

	slog.Info("task registered", "task_id", meta.TaskID, "session_id", sessionID, "description", meta.Description)
	r.persist(sessionID)
	r.bus.Publish(events.NewTypedEventWithSession(events.SourceRegistry, events.TaskCreatedPayload{
		TaskID:      meta.TaskID,
		Description: meta.Description,
		ScriptPath:  meta.ScriptPath,
	}, sessionID))

	t.attach()
	return meta.TaskID, nil
}

func (r *Registry) onStatusChange(snap Snapshot, prev Status) {
	// A task cleared while in flight has nothing left to persist, but its
	// hooks still run so per-task state held elsewhere is released.
	if _, tracked := r.lookup(snap.ID); tracked {
		r.persist(snap.SessionID)
		r.bus.Publish(events.NewTypedEventWithSession(events.SourceRegistry, events.TaskStatusPayload{
			TaskID:   snap.ID,
			Previous: string(prev),
			Status:   string(snap.Status),
			Error:    snap.Error,
		}, snap.SessionID))
	}

	r.hooksMu.RLock()
	hooks := append([]StatusHook(nil), r.hooks...)
	r.hooksMu.RUnlock()
	for _, h := range hooks {
		fireHook(h, snap, prev)
	}
}

func (r *Registry) lookup(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	return e.task, ok
}

// entries returns the registered tasks ordered by start time, newest first.
func (r *Registry) entries() []entry {
	r.mu.RLock()
	out := make([]entry, 0, len(r.tasks))
	for _, e := range r.tasks {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].task.Snapshot().StartTime, out[j].task.Snapshot().StartTime
		if !si.Equal(sj) {
			return si.After(sj)
		}
		return out[i].seq > out[j].seq
	})
	return out
}

// Get returns a snapshot of the task.
func (r *Registry) Get(id string) (Snapshot, bool) {
	t, ok := r.lookup(id)
	if !ok {
		return Snapshot{}, false
	}
	t.Refresh()
	return t.Snapshot(), true
}

// Status renders the status response of a task.
func (r *Registry) Status(id string) (StatusResponse, bool) {
	snap, ok := r.Get(id)
	if !ok {
		return StatusResponse{}, false
	}
	return BuildStatusResponse(snap, r.outputOf(snap), time.Now()), true
}

func (r *Registry) outputOf(snap Snapshot) string {
	if r.output == nil {
		return ""
	}
	return r.output.Output(snap)
}

// Interruptible reports whether the task exists and is pending or running.
// Its signature matches interrupt.StatusLookup.
func (r *Registry) Interruptible(id string) (interruptible, found bool) {
	t, ok := r.lookup(id)
	if !ok {
		return false, false
	}
	return t.Status().Active(), true
}

// MarkRunning promotes a pending task to running. Units of work call it when
// they begin so status never lags behind produced output.
func (r *Registry) MarkRunning(id string) bool {
	t, ok := r.lookup(id)
	if !ok {
		return false
	}
	return t.MarkRunning()
}

// CancelQueued cancels a task whose work has not started yet. The task
// becomes interrupted through its normal completion path.
func (r *Registry) CancelQueued(id string) bool {
	t, ok := r.lookup(id)
	if !ok || t.cell == nil {
		return false
	}
	return t.cell.Cancel()
}

// HasRunning reports whether any task is running, promoting stale pending
// records whose cells have already started.
func (r *Registry) HasRunning() bool {
	running := false
	for _, e := range r.entries() {
		e.task.Refresh()
		if e.task.Status() == StatusRunning {
			running = true
		}
	}
	return running
}

// MarkNotified records that the task's terminal state was delivered.
func (r *Registry) MarkNotified(id string) error {
	t, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.markNotified()
	r.persist(t.Snapshot().SessionID)
	return nil
}

// Len returns the number of tasks held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

func validatePattern(pattern string) error {
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("invalid session filter %q: %w", pattern, doublestar.ErrBadPattern)
	}
	return nil
}

func matchSession(pattern, sessionID string) bool {
	if pattern == "" {
		return true
	}
	ok, err := doublestar.Match(pattern, sessionID)
	return err == nil && ok
}

// List returns tasks matching filter, newest first, windowed by offset and
// limit. limit <= 0 means no limit.
func (r *Registry) List(filter ListFilter, offset, limit int) (Page, error) {
	if err := validatePattern(filter.Session); err != nil {
		return Page{}, err
	}
	if offset < 0 {
		offset = 0
	}

	var matched []Snapshot
	for _, e := range r.entries() {
		e.task.Refresh()
		snap := e.task.Snapshot()
		if !matchSession(filter.Session, snap.SessionID) {
			continue
		}
		if filter.Status != "" && snap.Status != filter.Status {
			continue
		}
		matched = append(matched, snap)
	}

	total := len(matched)
	start := min(offset, total)
	end := total
	if limit > 0 {
		end = min(offset+limit, total)
	}

	window := make([]Snapshot, 0, end-start)
	window = append(window, matched[start:end]...)

	return Page{
		Tasks:          window,
		TotalCount:     total,
		DisplayedCount: len(window),
		Offset:         offset,
		Limit:          limit,
		HasMore:        end < total,
	}, nil
}

// Clear irreversibly removes every task whose session matches pattern
// ("" matches all) from memory, durable storage and output logs.
func (r *Registry) Clear(pattern string) (int, error) {
	if err := validatePattern(pattern); err != nil {
		return 0, err
	}

	var (
		removed []Snapshot
		cleared []entry
	)
	sessions := make(map[string]struct{})

	r.mu.Lock()
	for id, e := range r.tasks {
		snap := e.task.Snapshot()
		if !matchSession(pattern, snap.SessionID) {
			continue
		}
		delete(r.tasks, id)
		cleared = append(cleared, e)
		removed = append(removed, snap)
		sessions[snap.SessionID] = struct{}{}
	}
	r.mu.Unlock()

	for _, e := range cleared {
		// Queued work of a cleared task must not run later.
		if e.task.cell != nil && e.task.cell.Cancel() {
			slog.Debug("cancelled queued work of cleared task", "task_id", e.task.Snapshot().ID)
		}
	}

	if r.persister != nil {
		r.persistMu.Lock()
		for sid := range sessions {
			if err := r.persister.DeleteSession(sid); err != nil {
				slog.Error("failed to delete session tasks", "session_id", sid, "error", err)
			}
		}
		r.persistMu.Unlock()
	}

	if r.output != nil {
		for _, snap := range removed {
			r.output.Discard(snap)
		}
	}

	slog.Info("tasks cleared", "count", len(removed), "filter", pattern)
	r.bus.Publish(events.NewTypedEvent(events.SourceRegistry, events.TasksClearedPayload{
		Filter: pattern,
		Count:  len(removed),
	}))
	return len(removed), nil
}

// persist writes the full record set of one session. Best-effort.
func (r *Registry) persist(sessionID string) {
	if r.persister == nil {
		return
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	var records []PersistedTask
	for _, e := range r.entries() {
		snap := e.task.Snapshot()
		if snap.SessionID == sessionID {
			records = append(records, toPersisted(snap))
		}
	}
	if len(records) == 0 {
		return
	}
	if err := r.persister.SaveSession(sessionID, records); err != nil {
		slog.Error("failed to persist session tasks", "session_id", sessionID, "error", err)
	}
}

// Restore loads persisted history into the registry. Tasks that were active
// when the process stopped come back as failed and are written back.
func (r *Registry) Restore() (int, error) {
	if r.persister == nil {
		return 0, nil
	}
	records, err := r.persister.LoadAll()
	if err != nil {
		return 0, fmt.Errorf("load tasks: %w", err)
	}

	dirty := make(map[string]struct{})
	loaded := 0

	r.mu.Lock()
	for _, p := range records {
		if p.TaskID == "" {
			continue
		}
		if _, exists := r.tasks[p.TaskID]; exists {
			continue
		}
		snap := fromPersisted(p)
		if snap.Status != p.Status {
			dirty[snap.SessionID] = struct{}{}
		}
		r.nextSeq++
		r.tasks[snap.ID] = entry{task: &Task{snap: snap}, seq: r.nextSeq}
		loaded++
	}
	r.mu.Unlock()

	for sid := range dirty {
		r.persist(sid)
	}
	slog.Info("loaded historical tasks", "count", loaded)
	return loaded, nil
}
