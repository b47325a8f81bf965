package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/codeloop/internal/config"
	"github.com/rendis/codeloop/internal/store"
)

// mockSchedulerStore satisfies store.Store for scheduler tests.
type mockSchedulerStore struct {
	store.Store
	mu   sync.Mutex
	jobs map[string]*store.ScheduledJob
}

func newMockSchedulerStore() *mockSchedulerStore {
	return &mockSchedulerStore{jobs: make(map[string]*store.ScheduledJob)}
}

func (m *mockSchedulerStore) UpsertScheduledJob(_ context.Context, job *store.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.Name == job.Name {
			j.CronExpression = job.CronExpression
			j.Prompt = job.Prompt
			j.Enabled = job.Enabled
			job.ID = j.ID
			return nil
		}
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *mockSchedulerStore) get(id string) *store.ScheduledJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.jobs[id]
	return &cp
}

func (m *mockSchedulerStore) UpdateScheduledJob(_ context.Context, id string, update store.ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return errors.New("not found")
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		j.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		j.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	if update.LastRunID != "" {
		j.LastRunID = update.LastRunID
	}
	return nil
}

func (m *mockSchedulerStore) ListScheduledJobs(_ context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.ScheduledJob
	for _, j := range m.jobs {
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}
	sort.Slice(result, func(a, b int) bool { return result[a].Name < result[b].Name })
	return result, nil
}

// mockRunner tracks RunPrompt calls.
type mockRunner struct {
	mu    sync.Mutex
	calls []runCall
	err   error
	block chan struct{}
}

type runCall struct {
	Prompt string
	JobID  string
}

func (r *mockRunner) RunPrompt(_ context.Context, prompt, jobID string) (string, error) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{Prompt: prompt, JobID: jobID})
	return "run-" + jobID, r.err
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(st store.Store, r PromptRunner, now time.Time) *Scheduler {
	s := New(st, r, nil)
	s.now = func() time.Time { return now }
	return s
}

func TestCalculateNextRun(t *testing.T) {
	s := New(newMockSchedulerStore(), &mockRunner{}, nil)
	from := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"*/5 * * * *", time.Date(2026, 3, 1, 10, 20, 0, 0, time.UTC)},
		{"0 2 * * *", time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)},
		{"@hourly", time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := s.CalculateNextRun(tt.expr, from)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := s.CalculateNextRun("not a cron", from)
	assert.Error(t, err)
}

func TestSync_UpsertsAndDisablesStale(t *testing.T) {
	st := newMockSchedulerStore()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := newTestScheduler(st, &mockRunner{}, now)
	ctx := context.Background()

	require.NoError(t, s.Sync(ctx, []config.ScheduleEntry{
		{Name: "nightly", Cron: "0 2 * * *", Prompt: "refresh docs"},
		{Cron: "*/30 * * * *", Prompt: "check"},
	}))
	jobs, err := st.ListScheduledJobs(ctx, store.ScheduledJobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "*/30 * * * *", jobs[0].Name, "unnamed entry is named after its spec")
	assert.Equal(t, "nightly", jobs[1].Name)
	require.NotNil(t, jobs[1].NextRunAt)
	assert.Equal(t, time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC), *jobs[1].NextRunAt)

	require.NoError(t, s.Sync(ctx, []config.ScheduleEntry{{Name: "nightly", Cron: "0 3 * * *", Prompt: "refresh docs v2"}}))
	enabled := true
	active, err := st.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "refresh docs v2", active[0].Prompt)
	assert.Equal(t, jobs[1].ID, active[0].ID)
}

func TestSync_InvalidCronWritesNothing(t *testing.T) {
	st := newMockSchedulerStore()
	s := newTestScheduler(st, &mockRunner{}, time.Now())

	err := s.Sync(context.Background(), []config.ScheduleEntry{
		{Name: "ok", Cron: "* * * * *", Prompt: "p"},
		{Name: "bad", Cron: "every day", Prompt: "p"},
	})
	require.Error(t, err)
	assert.Empty(t, st.jobs)
}

func TestTick_RunsDueJobs(t *testing.T) {
	st := newMockSchedulerStore()
	runner := &mockRunner{}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := newTestScheduler(st, runner, now)
	ctx := context.Background()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	due := &store.ScheduledJob{Name: "due", CronExpression: "*/5 * * * *", Prompt: "due prompt", Enabled: true, NextRunAt: &past}
	later := &store.ScheduledJob{Name: "later", CronExpression: "0 * * * *", Prompt: "later prompt", Enabled: true, NextRunAt: &future}
	off := &store.ScheduledJob{Name: "off", CronExpression: "* * * * *", Prompt: "off prompt", Enabled: false}
	for _, j := range []*store.ScheduledJob{due, later, off} {
		require.NoError(t, st.UpsertScheduledJob(ctx, j))
	}

	s.tick(ctx)

	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, runCall{Prompt: "due prompt", JobID: due.ID}, runner.calls[0])

	got := st.get(due.ID)
	assert.Equal(t, StatusSuccess, got.LastRunStatus)
	assert.Equal(t, "run-"+due.ID, got.LastRunID)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, now.Add(5*time.Minute), *got.NextRunAt)
}

func TestTick_RecordsFailure(t *testing.T) {
	st := newMockSchedulerStore()
	runner := &mockRunner{err: errors.New("budget exceeded")}
	now := time.Now().UTC()
	s := newTestScheduler(st, runner, now)
	ctx := context.Background()

	job := &store.ScheduledJob{Name: "j", CronExpression: "* * * * *", Prompt: "p", Enabled: true}
	require.NoError(t, st.UpsertScheduledJob(ctx, job))

	s.tick(ctx)

	assert.Equal(t, StatusError, st.get(job.ID).LastRunStatus)
}

func TestTryAcquire_Dedup(t *testing.T) {
	s := New(newMockSchedulerStore(), &mockRunner{}, nil)
	assert.True(t, s.tryAcquire("a"))
	assert.False(t, s.tryAcquire("a"))
	s.releaseJob("a")
	assert.True(t, s.tryAcquire("a"))
}

func TestStartStop(t *testing.T) {
	st := newMockSchedulerStore()
	runner := &mockRunner{}
	s := New(st, runner, nil)
	s.Tick = 10 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, st.UpsertScheduledJob(ctx, &store.ScheduledJob{Name: "j", CronExpression: "* * * * *", Prompt: "p", Enabled: true}))

	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx), "second start is rejected")

	assert.Eventually(t, func() bool { return runner.callCount() >= 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
}

func TestStop_WaitsForRunningJob(t *testing.T) {
	st := newMockSchedulerStore()
	runner := &mockRunner{block: make(chan struct{})}
	s := New(st, runner, nil)
	ctx := context.Background()
	require.NoError(t, st.UpsertScheduledJob(ctx, &store.ScheduledJob{Name: "j", CronExpression: "* * * * *", Prompt: "p", Enabled: true}))

	require.NoError(t, s.Start(ctx))
	stopped := make(chan struct{})
	go func() {
		_ = s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a job was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(runner.block)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop did not return")
	}
	assert.Equal(t, 1, runner.callCount())
}
