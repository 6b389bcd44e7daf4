package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/database/repositories"
	"github.com/harborwatch/harborwatch/internal/interfaces"
	"github.com/harborwatch/harborwatch/internal/models"
)

type fakeClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

type fakeEngine struct {
	mu        sync.Mutex
	recreated []interfaces.ServiceRef
	restored  []string
	// failWith maps service name to the error Recreate should return.
	failWith map[string]error
}

func (e *fakeEngine) List(ctx context.Context) ([]interfaces.RunningContainer, error) {
	return nil, nil
}

func (e *fakeEngine) Inspect(ctx context.Context, runtimeID string) (interfaces.RunningContainer, error) {
	return interfaces.RunningContainer{}, nil
}

func (e *fakeEngine) Recreate(ctx context.Context, ref interfaces.ServiceRef) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err, ok := e.failWith[ref.Service]; ok {
		return err
	}
	e.recreated = append(e.recreated, ref)
	return nil
}

func (e *fakeEngine) RestoreSnapshot(ctx context.Context, ref interfaces.ServiceRef, snapshotPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.restored = append(e.restored, snapshotPath)
	return nil
}

func (e *fakeEngine) recreateOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.recreated))
	for _, ref := range e.recreated {
		names = append(names, ref.Service)
	}
	return names
}

type fakeSnapshotter struct{ err error }

func (s *fakeSnapshotter) Snapshot(ctx context.Context, ref interfaces.ServiceRef, dir string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return dir + "/" + ref.Service + ".yml.bak", nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []string
}

func (s *fakeSink) Publish(eventType string, payload interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventType)
}

func (s *fakeSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

type orchFixture struct {
	orch       *Orchestrator
	updates    *repositories.UpdateRepository
	containers *repositories.ContainerRepository
	history    *repositories.HistoryRepository
	engine     *fakeEngine
	sink       *fakeSink
	clock      *fakeClock
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Container{}, &models.Update{}, &models.UpdateHistory{},
	))
	return db
}

func newFixture(t *testing.T) *orchFixture {
	t.Helper()
	db := newTestDB(t)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	f := &orchFixture{
		updates:    repositories.NewUpdateRepository(db),
		containers: repositories.NewContainerRepository(db),
		history:    repositories.NewHistoryRepository(db),
		engine:     &fakeEngine{failWith: make(map[string]error)},
		sink:       &fakeSink{},
		clock:      &fakeClock{at: time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)},
	}
	f.orch = New(f.updates, f.containers, f.history, f.engine,
		&fakeSnapshotter{}, f.sink, f.clock, logger)
	return f
}

func (f *orchFixture) seedContainer(t *testing.T, name string, dependsOn ...string) *models.Container {
	t.Helper()
	c := &models.Container{
		Name:        name,
		ServiceName: name,
		ImageRef:    "registry.example.com/" + name,
		CurrentTag:  "1.0.0",
		ComposeFile: "/srv/" + name + "/docker-compose.yml",
		Policy:      models.PolicyAuto,
		Scope:       models.ScopeMinor,
		DependsOn:   models.StringArray(dependsOn),
	}
	require.NoError(t, f.containers.Create(context.Background(), c))
	return c
}

func (f *orchFixture) seedUpdate(t *testing.T, c *models.Container, mutate ...func(*models.Update)) *models.Update {
	t.Helper()
	u := &models.Update{
		ContainerID:       c.ID,
		FromTag:           c.CurrentTag,
		ToTag:             "1.1.0",
		UpdateKind:        models.UpdateKindTag,
		Status:            models.UpdateStatusPending,
		MaxRetries:        3,
		BackoffMultiplier: 3,
	}
	for _, m := range mutate {
		m(u)
	}
	require.NoError(t, f.updates.Create(context.Background(), u))
	return u
}

func strictSettings() config.Settings {
	return config.Settings{
		WindowEnforcement: config.WindowStrict,
		MaxRetries:        3,
		BackoffMultiplier: 3,
		BackupDir:         "/var/lib/harborwatch/backups",
	}
}

func TestSweepAppliesInDependencyOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	db := f.seedContainer(t, "db")
	api := f.seedContainer(t, "api", "db")
	web := f.seedContainer(t, "web", "api")
	f.seedUpdate(t, web)
	f.seedUpdate(t, db)
	f.seedUpdate(t, api)

	result, err := f.orch.Sweep(ctx, strictSettings())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Considered)
	assert.Equal(t, 3, result.Applied)
	assert.Equal(t, []string{"db", "api", "web"}, f.engine.recreateOrder())

	// The applied tag becomes the container's current tag.
	updated, err := f.containers.GetByID(ctx, db.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", updated.CurrentTag)

	records, err := f.history.List(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	for _, record := range records {
		assert.Equal(t, models.HistorySuccess, record.Status)
		assert.True(t, record.CanRollback)
		assert.NotEmpty(t, record.BackupPath)
	}
	assert.Equal(t, []string{"update.applied", "update.applied", "update.applied"}, f.sink.types())
}

func TestSweepFailsCyclicContainers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.seedContainer(t, "a", "b")
	b := f.seedContainer(t, "b", "a")
	ua := f.seedUpdate(t, a)
	f.seedUpdate(t, b)

	result, err := f.orch.Sweep(ctx, strictSettings())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Excluded)
	assert.Zero(t, result.Applied)
	assert.Empty(t, f.engine.recreateOrder())

	got, err := f.updates.GetByID(ctx, ua.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UpdateStatusFailed, got.Status)
	assert.Contains(t, got.LastError, "dependency cycle")
}

func TestSweepDefersOutsideStrictWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.seedContainer(t, "web")
	c.MaintenanceWindow = "22:00-06:00"
	require.NoError(t, f.containers.Save(ctx, c))
	u := f.seedUpdate(t, c)

	// 10:00 is outside the window.
	f.clock.at = time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	result, err := f.orch.Sweep(ctx, strictSettings())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deferred)
	assert.Empty(t, f.engine.recreateOrder())

	// Deferral mutates nothing: same status, same version.
	got, err := f.updates.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UpdateStatusPending, got.Status)
	assert.Equal(t, int64(1), got.Version)

	// Back inside the window the update goes through.
	f.clock.at = time.Date(2024, 1, 2, 23, 0, 0, 0, time.UTC)
	result, err = f.orch.Sweep(ctx, strictSettings())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
}

func TestSweepAdvisoryWindowAppliesWithWarning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.seedContainer(t, "web")
	c.MaintenanceWindow = "22:00-06:00"
	require.NoError(t, f.containers.Save(ctx, c))
	u := f.seedUpdate(t, c)

	f.clock.at = time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	settings := strictSettings()
	settings.WindowEnforcement = config.WindowAdvisory

	result, err := f.orch.Sweep(ctx, settings)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)

	got, err := f.updates.GetByID(ctx, u.ID)
	require.NoError(t, err)
	var warned bool
	for _, entry := range got.DecisionTrace {
		if entry.Kind == models.TraceWindowCheck && entry.Outcome == models.TraceOutcomeWarning {
			warned = true
		}
	}
	assert.True(t, warned, "advisory apply must record a window warning in the trace")
}

// Transient failures back off exponentially (3s, 9s, 27s for multiplier 3)
// and the fourth consecutive failure with max_retries=3 is terminal.
func TestSweepTransientFailureBackoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.seedContainer(t, "web")
	u := f.seedUpdate(t, c)
	f.engine.failWith["web"] = errors.Wrap(interfaces.ErrTransient, "registry timed out")

	expectedDelays := []time.Duration{3 * time.Second, 9 * time.Second, 27 * time.Second}
	for attempt, delay := range expectedDelays {
		sweepAt := f.clock.Now()
		result, err := f.orch.Sweep(ctx, strictSettings())
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed, "attempt %d", attempt+1)

		got, err := f.updates.GetByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, models.UpdateStatusPending, got.Status)
		assert.Equal(t, attempt+1, got.RetryCount)
		require.NotNil(t, got.NextRetryAt)
		assert.WithinDuration(t, sweepAt.Add(delay), *got.NextRetryAt, time.Second)

		// Before the backoff elapses the update is only deferred.
		result, err = f.orch.Sweep(ctx, strictSettings())
		require.NoError(t, err)
		assert.Equal(t, 1, result.Deferred)

		f.clock.Advance(delay + time.Second)
	}

	// Fourth failure exhausts the budget.
	result, err := f.orch.Sweep(ctx, strictSettings())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	got, err := f.updates.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UpdateStatusFailed, got.Status)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, 4, got.RetryCount)

	records, err := f.history.List(ctx, c.ID, 10)
	require.NoError(t, err)
	assert.Len(t, records, 4)
}

// Non-transient failures never retry.
func TestSweepNonTransientFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.seedContainer(t, "web")
	u := f.seedUpdate(t, c)
	f.engine.failWith["web"] = errors.New("compose file not found")

	result, err := f.orch.Sweep(ctx, strictSettings())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	got, err := f.updates.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UpdateStatusFailed, got.Status)
	assert.Nil(t, got.NextRetryAt)
}

func TestSweepSkipsSnoozedUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.seedContainer(t, "web")
	until := f.clock.Now().Add(time.Hour)
	f.seedUpdate(t, c, func(u *models.Update) { u.SnoozedUntil = &until })

	result, err := f.orch.Sweep(ctx, strictSettings())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deferred)
	assert.Zero(t, result.Considered)
	assert.Empty(t, f.engine.recreateOrder())
}

// Two actors acting on the same observed version: exactly one wins, the
// other sees a conflict.
func TestConcurrentResolutionConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.seedContainer(t, "web")
	u := f.seedUpdate(t, c)

	_, err := f.orch.Approve(ctx, u.ID, "alice", u.Version)
	require.NoError(t, err)

	_, err = f.orch.Reject(ctx, u.ID, "bob", "too risky", u.Version)
	require.Error(t, err)
	assert.ErrorIs(t, err, repositories.ErrVersionConflict)

	got, err := f.updates.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UpdateStatusApproved, got.Status)
	assert.Equal(t, "alice", got.ApprovedBy)
	assert.Equal(t, int64(2), got.Version)
}

func TestResolutionOfResolvedUpdateIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.seedContainer(t, "web")
	u := f.seedUpdate(t, c, func(u *models.Update) { u.Status = models.UpdateStatusApplied })

	_, err := f.orch.Approve(ctx, u.ID, "alice", u.Version)
	assert.ErrorIs(t, err, ErrNotActionable)

	until := f.clock.Now().Add(time.Hour)
	_, err = f.orch.Snooze(ctx, u.ID, until, u.Version)
	assert.ErrorIs(t, err, ErrNotActionable)
}

func TestApproveClearsSnooze(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.seedContainer(t, "web")
	until := f.clock.Now().Add(time.Hour)
	u := f.seedUpdate(t, c, func(u *models.Update) { u.SnoozedUntil = &until })

	got, err := f.orch.Approve(ctx, u.ID, "alice", u.Version)
	require.NoError(t, err)
	assert.Nil(t, got.SnoozedUntil)
	assert.Equal(t, models.UpdateStatusApproved, got.Status)
}

func TestRollbackRestoresSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.seedContainer(t, "web")
	f.seedUpdate(t, c)

	result, err := f.orch.Sweep(ctx, strictSettings())
	require.NoError(t, err)
	require.Equal(t, 1, result.Applied)

	records, err := f.history.List(ctx, c.ID, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, records[0].CanRollback)

	record, err := f.orch.Rollback(ctx, records[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.HistoryRolledBack, record.Status)
	assert.False(t, record.CanRollback)
	require.Len(t, f.engine.restored, 1)
	assert.Equal(t, records[0].BackupPath, f.engine.restored[0])

	// The container points at the pre-update tag again.
	got, err := f.containers.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.CurrentTag)

	// Rolling back twice is refused.
	_, err = f.orch.Rollback(ctx, records[0].ID)
	assert.ErrorIs(t, err, ErrNotRollbackable)
}

func TestRollbackOfFailedApplyIsRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.seedContainer(t, "web")
	f.seedUpdate(t, c)
	f.engine.failWith["web"] = errors.New("boom")

	_, err := f.orch.Sweep(ctx, strictSettings())
	require.NoError(t, err)

	records, err := f.history.List(ctx, c.ID, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)

	_, err = f.orch.Rollback(ctx, records[0].ID)
	assert.ErrorIs(t, err, ErrNotRollbackable)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(errors.Wrap(interfaces.ErrTransient, "429 from registry")))
	assert.True(t, isTransient(context.DeadlineExceeded))
	assert.False(t, isTransient(errors.New("no such file")))
	assert.False(t, isTransient(context.Canceled))
}
