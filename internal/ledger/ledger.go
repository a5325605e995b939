package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/launchpad/internal/domain"
)

// DefaultMaxRecords is the retention cap used when none is configured.
const DefaultMaxRecords = 1000

// ErrNotFound indicates the record id is not in the ledger.
var ErrNotFound = errors.New("ledger: record not found")

// Options tune a Ledger.
type Options struct {
	MaxRecords int
	Now        func() time.Time
	NewID      func() (string, error)
	Logger     *slog.Logger
}

// Fields are the optional values merged by UpdateStatus; nil means unchanged.
type Fields struct {
	Stack         *string
	URL           *string
	Port          *int
	ContainerPort *int
	ContainerName *string
	ImageName     *string
	ErrorMessage  *string
	FailedStage   *string
	BuildTime     *time.Duration
	StoppedAt     *time.Time
	RestartedAt   *time.Time
	DeletedAt     *time.Time
}

// Ptr returns a pointer to v, for building Fields inline.
func Ptr[T any](v T) *T { return &v }

// Ledger is the deployment history plus its aggregate projection. All reads
// and writes are serialised through one RWMutex; a write reaches the store
// before it becomes visible in memory.
type Ledger struct {
	mu      sync.RWMutex
	store   Store
	records []domain.Deployment // oldest first
	index   map[string]int
	stats   domain.Stats
	max     int
	now     func() time.Time
	newID   func() (string, error)
	log     *slog.Logger
}

// Open loads persisted state from store.
func Open(ctx context.Context, store Store, opts Options) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store cannot be nil")
	}
	l := &Ledger{
		store: store,
		max:   opts.MaxRecords,
		now:   opts.Now,
		newID: opts.NewID,
		log:   opts.Logger,
	}
	if l.max <= 0 {
		l.max = DefaultMaxRecords
	}
	if l.now == nil {
		l.now = func() time.Time { return time.Now().UTC() }
	}
	if l.newID == nil {
		l.newID = func() (string, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		}
	}
	if l.log == nil {
		l.log = slog.Default()
	}

	records, stats, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	sortByCreation(records)
	l.records = records
	if stats != nil {
		l.stats = stats.Clone()
	} else {
		l.stats = replay(records)
		l.stats.LastUpdated = l.now()
	}
	l.reindex()

	if overflow := len(l.records) - l.max; overflow > 0 {
		evict := make([]string, 0, overflow)
		for _, rec := range l.records[:overflow] {
			evict = append(evict, rec.ID)
		}
		if err := l.store.Commit(ctx, Mutation{Evict: evict, Stats: l.stats.Clone()}); err != nil {
			return nil, fmt.Errorf("trim ledger: %w", err)
		}
		l.records = append([]domain.Deployment(nil), l.records[overflow:]...)
		l.reindex()
		l.log.Info("ledger trimmed to retention cap", "evicted", overflow, "max_records", l.max)
	}
	return l, nil
}

func (l *Ledger) reindex() {
	l.index = make(map[string]int, len(l.records))
	for i, rec := range l.records {
		l.index[rec.ID] = i
	}
}

// Append stores a new record, assigning its id and timestamps. Owner is
// required; status defaults to in-progress.
func (l *Ledger) Append(ctx context.Context, rec domain.Deployment) (domain.Deployment, error) {
	if rec.Owner == "" {
		return domain.Deployment{}, fmt.Errorf("ledger: owner is required")
	}
	id, err := l.newID()
	if err != nil {
		return domain.Deployment{}, fmt.Errorf("ledger: generate id: %w", err)
	}
	if rec.Status == "" {
		rec.Status = domain.StatusInProgress
	}
	if rec.Platform == "" {
		rec.Platform = domain.DefaultPlatform
	}
	if rec.Outcome == "" && (rec.Status == domain.StatusSuccess || rec.Status == domain.StatusFailed) {
		rec.Outcome = rec.Status
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec.ID = id
	rec.CreatedAt = now
	rec.UpdatedAt = now

	next := l.stats.Clone()
	contribute(&next, rec, 1)
	next.LastUpdated = now

	overflow := len(l.records) + 1 - l.max
	if overflow < 0 {
		overflow = 0
	}
	evict := make([]string, 0, overflow)
	for _, old := range l.records[:overflow] {
		evict = append(evict, old.ID)
	}

	if err := l.store.Commit(ctx, Mutation{Upsert: &rec, Evict: evict, Stats: next}); err != nil {
		return domain.Deployment{}, fmt.Errorf("ledger: append: %w", err)
	}
	if overflow > 0 {
		l.records = append(l.records[:0:0], l.records[overflow:]...)
	}
	l.records = append(l.records, rec)
	l.stats = next
	l.reindex()
	return rec, nil
}

// UpdateStatus moves a record to status and merges non-nil fields. It does
// not check the current state; use UpdateIf for guarded transitions.
func (l *Ledger) UpdateStatus(ctx context.Context, id string, status domain.Status, f Fields) (domain.Deployment, error) {
	return l.UpdateIf(ctx, id, nil, status, f)
}

// UpdateIf is UpdateStatus with a precondition evaluated under the write
// lock. A non-nil error from check aborts the update and is returned as is.
func (l *Ledger) UpdateIf(ctx context.Context, id string, check func(domain.Deployment) error, status domain.Status, f Fields) (domain.Deployment, error) {
	if !status.Valid() {
		return domain.Deployment{}, fmt.Errorf("ledger: invalid status %q", status)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	i, ok := l.index[id]
	if !ok {
		return domain.Deployment{}, ErrNotFound
	}
	old := l.records[i]
	if check != nil {
		if err := check(old); err != nil {
			return domain.Deployment{}, err
		}
	}

	updated := merge(old, f)
	updated.Status = status
	if updated.Outcome == "" && (status == domain.StatusSuccess || status == domain.StatusFailed) {
		updated.Outcome = status
	}
	updated.UpdatedAt = l.now()

	next := l.stats.Clone()
	contribute(&next, old, -1)
	contribute(&next, updated, 1)
	next.LastUpdated = updated.UpdatedAt

	if err := l.store.Commit(ctx, Mutation{Upsert: &updated, Stats: next}); err != nil {
		return domain.Deployment{}, fmt.Errorf("ledger: update %s: %w", id, err)
	}
	l.records[i] = updated
	l.stats = next
	return updated, nil
}

func merge(rec domain.Deployment, f Fields) domain.Deployment {
	if f.Stack != nil {
		rec.Stack = *f.Stack
	}
	if f.URL != nil {
		rec.URL = *f.URL
	}
	if f.Port != nil {
		rec.Port = *f.Port
	}
	if f.ContainerPort != nil {
		rec.ContainerPort = *f.ContainerPort
	}
	if f.ContainerName != nil {
		rec.ContainerName = *f.ContainerName
	}
	if f.ImageName != nil {
		rec.ImageName = *f.ImageName
	}
	if f.ErrorMessage != nil {
		rec.ErrorMessage = *f.ErrorMessage
	}
	if f.FailedStage != nil {
		rec.FailedStage = *f.FailedStage
	}
	if f.BuildTime != nil {
		rec.BuildTimeMS = f.BuildTime.Milliseconds()
	}
	if f.StoppedAt != nil {
		t := *f.StoppedAt
		rec.StoppedAt = &t
	}
	if f.RestartedAt != nil {
		t := *f.RestartedAt
		rec.RestartedAt = &t
	}
	if f.DeletedAt != nil {
		t := *f.DeletedAt
		rec.DeletedAt = &t
	}
	return rec
}

// Get returns one record.
func (l *Ledger) Get(id string) (domain.Deployment, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[id]
	if !ok {
		return domain.Deployment{}, ErrNotFound
	}
	return l.records[i], nil
}

// List returns records newest first, filtered by owner when non-empty and
// capped at limit when positive, plus the number of matching records.
func (l *Ledger) List(owner string, limit int) ([]domain.Deployment, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collect(owner, limit, nil)
}

// Active returns running deployments newest first.
func (l *Ledger) Active(owner string) []domain.Deployment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out, _ := l.collect(owner, 0, func(d domain.Deployment) bool { return d.Active() })
	return out
}

// FindByContainer returns the record holding the container name: the newest
// non-deleted record that got as far as binding a port. Attempts that failed
// before the run stage never touched the container and are skipped.
func (l *Ledger) FindByContainer(name string) (domain.Deployment, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.records) - 1; i >= 0; i-- {
		rec := l.records[i]
		if rec.ContainerName != name || rec.Status == domain.StatusDeleted || rec.Port <= 0 {
			continue
		}
		return rec, nil
	}
	return domain.Deployment{}, ErrNotFound
}

func (l *Ledger) collect(owner string, limit int, keep func(domain.Deployment) bool) ([]domain.Deployment, int) {
	var out []domain.Deployment
	total := 0
	for i := len(l.records) - 1; i >= 0; i-- {
		rec := l.records[i]
		if owner != "" && rec.Owner != owner {
			continue
		}
		if keep != nil && !keep(rec) {
			continue
		}
		total++
		if limit <= 0 || len(out) < limit {
			out = append(out, rec)
		}
	}
	return out, total
}

// ActivePorts returns host ports held by running or in-flight records.
func (l *Ledger) ActivePorts() map[int]struct{} {
	return l.ActivePortsExcept("")
}

// ActivePortsExcept is ActivePorts ignoring the record with the given id.
func (l *Ledger) ActivePortsExcept(id string) map[int]struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ports := make(map[int]struct{})
	for _, rec := range l.records {
		if rec.Port <= 0 || (id != "" && rec.ID == id) {
			continue
		}
		if rec.Status == domain.StatusSuccess || rec.Status == domain.StatusInProgress {
			ports[rec.Port] = struct{}{}
		}
	}
	return ports
}

// Stats returns the global projection, or the owner-scoped one when owner
// is non-empty.
func (l *Ledger) Stats(owner string) domain.Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if owner == "" {
		return l.stats.Clone()
	}
	return ownerView(l.stats, owner, l.records)
}

// Replay recomputes the projection from the retained records. It matches
// Stats("") apart from LastUpdated until the first eviction.
func (l *Ledger) Replay() domain.Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return replay(l.records)
}

// Cleanup drops records created before cutoff. Counters are cumulative and
// are not decremented.
func (l *Ledger) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var evict []string
	kept := make([]domain.Deployment, 0, len(l.records))
	for _, rec := range l.records {
		if rec.CreatedAt.Before(cutoff) {
			evict = append(evict, rec.ID)
			continue
		}
		kept = append(kept, rec)
	}
	if len(evict) == 0 {
		return 0, nil
	}
	next := l.stats.Clone()
	next.LastUpdated = l.now()
	if err := l.store.Commit(ctx, Mutation{Evict: evict, Stats: next}); err != nil {
		return 0, fmt.Errorf("ledger: cleanup: %w", err)
	}
	l.records = kept
	l.stats = next
	l.reindex()
	l.log.Info("ledger cleanup", "removed", len(evict), "cutoff", cutoff)
	return len(evict), nil
}

// Len returns the number of retained records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
