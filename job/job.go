package job

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stashq/stashq"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateInactive means the job is waiting to be claimed by a worker.
	StateInactive State = "inactive"
	// StateActive means a worker is currently executing the job.
	StateActive State = "active"
	// StateComplete means the job finished successfully. Terminal.
	StateComplete State = "complete"
	// StateFailure means the job failed. Terminal.
	StateFailure State = "failure"
)

// Job represents a unit of work persisted as a single document.
// The exported fields are the document schema; every mutation goes through
// the transition methods, which persist via the bound store.
type Job struct {
	ID          string     `json:"id" msgpack:"id"`
	Type        string     `json:"type" msgpack:"type"`
	Priority    Priority   `json:"priority" msgpack:"priority"`
	Data        []byte     `json:"data,omitempty" msgpack:"data,omitempty"`
	State       State      `json:"state" msgpack:"state"`
	CreatedAt   time.Time  `json:"createdAt" msgpack:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt" msgpack:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty" msgpack:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty" msgpack:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty" msgpack:"failedAt,omitempty"`
	Duration    *int64     `json:"duration,omitempty" msgpack:"duration,omitempty"` // milliseconds
	Progress    *int       `json:"progress,omitempty" msgpack:"progress,omitempty"` // 0..100
	Logs        []string   `json:"logs" msgpack:"logs"`

	rt *runtime
}

// runtime carries the unbound collaborators a Job delegates to. It lives
// behind a pointer so document copies (cp := *j) never copy the mutex.
type runtime struct {
	mu        sync.Mutex
	store     Store
	events    Emitter
	logger    *slog.Logger
	afterSave func(context.Context, *Job)
	saved     bool
}

// Emitter receives job lifecycle events. The event package's Bus satisfies
// it; the interface lives here so Job does not import the bus.
type Emitter interface {
	EmitJobEnqueued(j *Job)
	EmitJobStarted(j *Job)
	EmitJobProgress(j *Job, progress int)
	EmitJobCompleted(j *Job, result any)
	EmitJobFailed(j *Job, err error)
	EmitJobRemoved(j *Job)
	EmitError(err error, j *Job)
}

// Binding supplies the runtime collaborators for a Job.
type Binding struct {
	Store  Store
	Events Emitter
	Logger *slog.Logger

	// AfterSave, when set, runs after a successful first Save. The queue
	// uses it to hand a freshly inserted job to a parked waiter.
	AfterSave func(context.Context, *Job)

	// Saved marks the job as already persisted (set when materializing a
	// job loaded from storage).
	Saved bool
}

// New creates an unsaved Job in inactive state with a fresh UUIDv4 id.
func New(typ string, opts ...Option) *Job {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Type:      typ,
		Priority:  o.priority,
		Data:      o.data,
		State:     StateInactive,
		CreatedAt: now,
		UpdatedAt: now,
		Logs:      []string{},
		rt:        &runtime{},
	}
}

// Bind attaches the runtime collaborators. The queue calls this on every
// job it creates or materializes; a Job with no binding cannot persist.
func (j *Job) Bind(b Binding) {
	if j.rt == nil {
		j.rt = &runtime{}
	}
	j.rt.store = b.Store
	j.rt.events = b.Events
	j.rt.logger = b.Logger
	j.rt.afterSave = b.AfterSave
	j.rt.saved = b.Saved
}

// Saved reports whether the job has been persisted at least once.
func (j *Job) Saved() bool {
	j.rt.mu.Lock()
	defer j.rt.mu.Unlock()
	return j.rt.saved
}

// Document returns a copy of the job carrying only the persisted fields.
// Stores use it to decouple their rows from caller-held pointers.
func (j *Job) Document() *Job {
	cp := *j
	cp.rt = nil
	if j.Logs != nil {
		cp.Logs = append([]string(nil), j.Logs...)
	}
	return &cp
}

// Save persists the job for the first time. Subsequent calls fail with
// ErrAlreadySaved. On success the Enqueue event is emitted and the
// AfterSave hook (dispatch handoff) runs.
func (j *Job) Save(ctx context.Context) (*Job, error) {
	j.rt.mu.Lock()
	if j.rt.saved {
		j.rt.mu.Unlock()
		return nil, stashq.ErrAlreadySaved
	}
	if j.rt.store == nil {
		j.rt.mu.Unlock()
		return nil, stashq.ErrNoStore
	}
	if err := j.rt.store.Insert(ctx, j.Document()); err != nil {
		j.rt.mu.Unlock()
		return nil, err
	}
	j.rt.saved = true
	events, after := j.rt.events, j.rt.afterSave
	j.rt.mu.Unlock()

	if events != nil {
		events.EmitJobEnqueued(j)
	}
	if after != nil {
		after(ctx, j)
	}
	return j, nil
}

// Update persists the current in-memory attributes. It fails if the job
// has never been saved or if its row has been removed.
func (j *Job) Update(ctx context.Context) error {
	j.rt.mu.Lock()
	defer j.rt.mu.Unlock()
	if !j.rt.saved {
		return stashq.ErrNotSaved
	}
	return j.rt.store.Update(ctx, j.Document())
}

// Remove deletes the job from storage. It fails if the job has never
// been saved.
func (j *Job) Remove(ctx context.Context) error {
	j.rt.mu.Lock()
	if !j.rt.saved {
		j.rt.mu.Unlock()
		return stashq.ErrNotSaved
	}
	if err := j.rt.store.Remove(ctx, j.ID); err != nil {
		j.rt.mu.Unlock()
		return err
	}
	events := j.rt.events
	j.rt.mu.Unlock()

	if events != nil {
		events.EmitJobRemoved(j)
	}
	return nil
}

// MarkActive transitions inactive → active, stamping StartedAt. The queue
// calls it while holding the dispatch mutex so no two workers can claim
// the same job.
func (j *Job) MarkActive(ctx context.Context) error {
	j.rt.mu.Lock()
	if j.State != StateInactive {
		defer j.rt.mu.Unlock()
		return j.transitionError(StateActive)
	}

	now := time.Now().UTC()
	cp := j.Document()
	cp.State = StateActive
	cp.StartedAt = &now
	cp.UpdatedAt = now
	if err := j.persist(ctx, cp); err != nil {
		j.rt.mu.Unlock()
		return err
	}
	j.State = cp.State
	j.StartedAt = cp.StartedAt
	j.UpdatedAt = cp.UpdatedAt
	events := j.rt.events
	j.rt.mu.Unlock()

	if events != nil {
		events.EmitJobStarted(j)
	}
	return nil
}

// MarkComplete transitions active → complete, stamping CompletedAt and the
// execution duration, and emits the Complete event with the processor's
// result.
func (j *Job) MarkComplete(ctx context.Context, result any) error {
	j.rt.mu.Lock()
	if j.State != StateActive {
		defer j.rt.mu.Unlock()
		return j.transitionError(StateComplete)
	}

	now := time.Now().UTC()
	cp := j.Document()
	cp.State = StateComplete
	cp.CompletedAt = &now
	cp.UpdatedAt = now
	cp.Duration = durationSince(cp.StartedAt, now)
	if err := j.persist(ctx, cp); err != nil {
		j.rt.mu.Unlock()
		return err
	}
	j.State = cp.State
	j.CompletedAt = cp.CompletedAt
	j.UpdatedAt = cp.UpdatedAt
	j.Duration = cp.Duration
	events := j.rt.events
	j.rt.mu.Unlock()

	if events != nil {
		events.EmitJobCompleted(j, result)
	}
	return nil
}

// MarkFailed transitions active → failure, stamping FailedAt and the
// execution duration, and appends the error message to the job log. Crash
// recovery and shutdown timeouts use the same transition.
func (j *Job) MarkFailed(ctx context.Context, cause error) error {
	j.rt.mu.Lock()
	if j.State != StateActive {
		defer j.rt.mu.Unlock()
		return j.transitionError(StateFailure)
	}

	now := time.Now().UTC()
	cp := j.Document()
	cp.State = StateFailure
	cp.FailedAt = &now
	cp.UpdatedAt = now
	cp.Duration = durationSince(cp.StartedAt, now)
	cp.Logs = append(cp.Logs, cause.Error())
	if err := j.persist(ctx, cp); err != nil {
		j.rt.mu.Unlock()
		return err
	}
	j.State = cp.State
	j.FailedAt = cp.FailedAt
	j.UpdatedAt = cp.UpdatedAt
	j.Duration = cp.Duration
	j.Logs = cp.Logs
	events := j.rt.events
	j.rt.mu.Unlock()

	if events != nil {
		events.EmitJobFailed(j, cause)
	}
	return nil
}

// SetProgress records completion progress, clamped to 0–100. Legal only
// while the job is active.
func (j *Job) SetProgress(ctx context.Context, done, total int) error {
	j.rt.mu.Lock()
	if j.State != StateActive {
		j.rt.mu.Unlock()
		return fmt.Errorf("%w: set progress on %s job %s", stashq.ErrInvalidTransition, j.State, j.ID)
	}

	pct := clampProgress(done, total)
	cp := j.Document()
	cp.Progress = &pct
	cp.UpdatedAt = time.Now().UTC()
	if err := j.persist(ctx, cp); err != nil {
		j.rt.mu.Unlock()
		return err
	}
	j.Progress = cp.Progress
	j.UpdatedAt = cp.UpdatedAt
	events := j.rt.events
	j.rt.mu.Unlock()

	if events != nil {
		events.EmitJobProgress(j, pct)
	}
	return nil
}

// SetPriority reorders the job within its type. Legal only while the job
// is still inactive. Unknown values are coerced to normal with a warning.
func (j *Job) SetPriority(ctx context.Context, p Priority) error {
	j.rt.mu.Lock()
	defer j.rt.mu.Unlock()
	if j.State != StateInactive {
		return fmt.Errorf("%w: set priority on %s job %s", stashq.ErrInvalidTransition, j.State, j.ID)
	}

	sanitized := SanitizePriority(int(p), j.rt.logger)
	cp := j.Document()
	cp.Priority = sanitized
	cp.UpdatedAt = time.Now().UTC()
	if err := j.persist(ctx, cp); err != nil {
		return err
	}
	j.Priority = cp.Priority
	j.UpdatedAt = cp.UpdatedAt
	return nil
}

// Log appends a message to the job's log. The append is persisted once the
// job has been saved; on an unsaved job it only mutates memory.
func (j *Job) Log(ctx context.Context, msg string) error {
	j.rt.mu.Lock()
	defer j.rt.mu.Unlock()

	cp := j.Document()
	cp.Logs = append(cp.Logs, msg)
	cp.UpdatedAt = time.Now().UTC()
	if err := j.persist(ctx, cp); err != nil {
		return err
	}
	j.Logs = cp.Logs
	j.UpdatedAt = cp.UpdatedAt
	return nil
}

// persist writes the mutated document when the job is saved; for unsaved
// jobs storage updates are no-ops. Callers must hold rt.mu.
func (j *Job) persist(ctx context.Context, cp *Job) error {
	if !j.rt.saved {
		return nil
	}
	return j.rt.store.Update(ctx, cp)
}

func (j *Job) transitionError(to State) error {
	return fmt.Errorf("%w: %s -> %s for job %s", stashq.ErrInvalidTransition, j.State, to, j.ID)
}

func durationSince(startedAt *time.Time, now time.Time) *int64 {
	if startedAt == nil {
		return nil
	}
	ms := now.Sub(*startedAt).Milliseconds()
	return &ms
}

func clampProgress(done, total int) int {
	if total <= 0 {
		return 0
	}
	pct := done * 100 / total
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
