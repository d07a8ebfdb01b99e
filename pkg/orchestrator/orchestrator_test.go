package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/courtsync/pkg/assign"
	"github.com/3leaps/courtsync/pkg/cityname"
	"github.com/3leaps/courtsync/pkg/courtsync"
	"github.com/3leaps/courtsync/pkg/geo"
	"github.com/3leaps/courtsync/pkg/maps"
	"github.com/3leaps/courtsync/pkg/quota"
	"github.com/3leaps/courtsync/pkg/report"
	"github.com/3leaps/courtsync/pkg/runlog"
	"github.com/3leaps/courtsync/pkg/settings"
	"github.com/3leaps/courtsync/pkg/store"
	"github.com/3leaps/courtsync/test/mapstest"
	"github.com/3leaps/courtsync/test/registrytest"
)

var (
	cali      = geo.Point{Lat: 3.4516, Lng: -76.5320}
	caliCourt = geo.Point{Lat: 3.4600, Lng: -76.5300}
)

type harness struct {
	dir   string
	fake  *mapstest.Fake
	gov   *quota.Governor
	state *quota.FileStore
	orch  *Orchestrator
}

type harnessOptions struct {
	databases []string
	limits    quota.Limits
	source    DatabaseSource
	opener    Opener
	runLog    *sqlx.DB
	archiver  report.Archiver
}

func newHarness(t *testing.T, o harnessOptions) *harness {
	t.Helper()
	dir := t.TempDir()

	state, err := quota.NewFileStore(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	if o.limits == (quota.Limits{}) {
		o.limits = quota.DefaultLimits()
	}
	gov := quota.NewGovernor(state, quota.StaticLimits(o.limits))

	fake := mapstest.New()
	fake.Gate = gov

	src := o.source
	if src == nil {
		src = settings.New(settings.Static{Databases: o.databases}, settings.Options{})
	}
	opener := o.opener
	if opener == nil {
		opener = TemplateOpener{Template: filepath.Join(dir, "{name}.db")}
	}

	resolver := cityname.NewResolver(nil, nil)
	orch, err := New(Config{
		Governor:     gov,
		Databases:    src,
		Opener:       opener,
		Synchronizer: courtsync.New(fake, courtsync.Config{CourtDelay: -1}),
		Engine:       assign.NewEngine(fake, fake, resolver, assign.Config{ClaimDelay: -1}),
		RunLog:       o.runLog,
		Archiver:     o.archiver,
	})
	require.NoError(t, err)

	return &harness{dir: dir, fake: fake, gov: gov, state: state, orch: orch}
}

// seed opens the named database file the orchestrator will open.
func (h *harness) seed(t *testing.T, name string) *sqlx.DB {
	t.Helper()
	return registrytest.OpenFile(t, filepath.Join(h.dir, name+".db"))
}

// seedAssignable adds one geocodable court and one claim next to it.
func (h *harness) seedAssignable(t *testing.T, name string, clientID int64) *sqlx.DB {
	t.Helper()
	db := h.seed(t, name)
	registrytest.AddCourt(t, db, registrytest.Court{ID: 1, Name: "Juzgado 1 Civil", Address: "Cra 4 # 12-30", City: "Cali", Tier: "MINIMA"})
	registrytest.AddClaim(t, db, registrytest.Claim{ID: clientID, ClientID: clientID, Tier: "MINIMA", Address: "Calle 5", City: "Cali"})
	h.fake.AddResult("Cra 4 # 12-30, Cali, Colombia", caliCourt, "Cali")
	h.fake.AddResult("Calle 5, Cali, Colombia", cali, "Cali")
	h.fake.Routes[1] = 2.2
	return db
}

func (h *harness) state0(t *testing.T) quota.State {
	t.Helper()
	s, err := h.gov.State(context.Background())
	require.NoError(t, err)
	return s
}

func TestRunFullCycleProcessesEveryDatabase(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{databases: []string{"db1", "db2"}})
	db1 := h.seedAssignable(t, "db1", 100)
	db2 := h.seed(t, "db2")
	registrytest.AddClaim(t, db2, registrytest.Claim{ID: 7, ClientID: 200, Tier: "MINIMA"})

	rep, err := h.orch.RunFullCycle(ctx, RunOptions{Trigger: TriggerCLI})
	require.NoError(t, err)

	assert.Equal(t, runlog.RunStatusSuccess, rep.Status)
	assert.Equal(t, TriggerCLI, rep.Trigger)
	require.Len(t, rep.Databases, 2)
	assert.Equal(t, DatabaseOK, rep.Databases[0].Status)
	assert.Equal(t, DatabaseOK, rep.Databases[1].Status)
	assert.Equal(t, 2, rep.Totals.Total)
	assert.Equal(t, 1, rep.Totals.Success)
	assert.Equal(t, 1, rep.Totals.NoAddress)
	assert.Equal(t, 1, rep.CourtsGeocoded)
	assert.Empty(t, rep.Failed())

	a, err := store.GetAssignment(ctx, db1, 100)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "Juzgado 1 Civil", *a.CourtName)

	a, err = store.GetAssignment(ctx, db2, 200)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, store.OutcomeNoAddress, a.Outcome)

	st := h.state0(t)
	assert.Equal(t, quota.StatusStopped, st.Status)
	require.NotNil(t, st.LastExecution)
	assert.Equal(t, 3, st.DailyCalls, "court geocode, claim geocode and one routing call")
}

func TestRunFullCycleSecondRunIsFree(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{databases: []string{"db1"}})
	h.seedAssignable(t, "db1", 100)

	_, err := h.orch.RunFullCycle(ctx, RunOptions{})
	require.NoError(t, err)
	h.fake.Reset()

	rep, err := h.orch.RunFullCycle(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Totals.Skipped)
	assert.Zero(t, rep.CourtsGeocoded)
	assert.Zero(t, h.fake.Calls())
}

func TestRunFullCycleContinuesPastFailingDatabase(t *testing.T) {
	ctx := context.Background()
	var h *harness
	opener := OpenerFunc(func(ctx context.Context, name string) (*sqlx.DB, error) {
		switch name {
		case "broken":
			return nil, errors.New("connection refused")
		case "boom":
			panic("driver exploded")
		}
		return TemplateOpener{Template: filepath.Join(h.dir, "{name}.db")}.Open(ctx, name)
	})
	h = newHarness(t, harnessOptions{databases: []string{"broken", "boom", "db2"}, opener: opener})
	h.seedAssignable(t, "db2", 100)

	rep, err := h.orch.RunFullCycle(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, runlog.RunStatusPartial, rep.Status)
	require.Len(t, rep.Databases, 3)
	assert.Equal(t, DatabaseFailed, rep.Databases[0].Status)
	assert.Contains(t, rep.Databases[0].Error, "connection refused")
	assert.Equal(t, DatabaseFailed, rep.Databases[1].Status)
	assert.Contains(t, rep.Databases[1].Error, "driver exploded")
	assert.Equal(t, DatabaseOK, rep.Databases[2].Status)
	assert.Equal(t, 1, rep.Totals.Success)
	assert.Len(t, rep.Failed(), 2)

	assert.Equal(t, quota.StatusStopped, h.state0(t).Status)
}

func TestRunFullCycleStopsOnQuota(t *testing.T) {
	ctx := context.Background()
	// The court geocode is call 1; the claim geocode is call 2 and hits the limit.
	h := newHarness(t, harnessOptions{databases: []string{"db1", "db2"}, limits: quota.Limits{Daily: 2, Monthly: 100}})
	h.seedAssignable(t, "db1", 100)
	h.seedAssignable(t, "db2", 200)

	rep, err := h.orch.RunFullCycle(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, runlog.RunStatusNoCredits, rep.Status)
	require.Len(t, rep.Databases, 1, "db2 is never touched")
	assert.Equal(t, DatabaseQuota, rep.Databases[0].Status)
	assert.Contains(t, rep.Error, "daily api limit reached")

	st := h.state0(t)
	assert.Equal(t, quota.StatusNoAPICredits, st.Status)
	assert.True(t, st.QuotaExceeded)
	require.NotNil(t, st.LastError)

	_, err = h.orch.RunFullCycle(ctx, RunOptions{})
	assert.ErrorIs(t, err, ErrNotRunnable)
}

func TestRunFullCycleProviderQuotaText(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{databases: []string{"db1"}})
	h.seedAssignable(t, "db1", 100)
	h.fake.GeocodeErr = &maps.APIError{Op: "geocode", Status: "REQUEST_DENIED", Message: "You have exceeded your daily request quota"}

	rep, err := h.orch.RunFullCycle(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, runlog.RunStatusNoCredits, rep.Status)
	assert.Equal(t, quota.StatusNoAPICredits, h.state0(t).Status)
}

// lockedStore fails every state read and write, as a shared state file
// held by another process would.
type lockedStore struct{}

func (lockedStore) Load(context.Context) (quota.State, error) {
	return quota.State{}, errors.New("database is locked")
}

func (lockedStore) Update(context.Context, func(*quota.State) error) (quota.State, error) {
	return quota.State{}, errors.New("database is locked")
}

func TestRunFullCycleGateStoreFailureIsNotQuota(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{databases: []string{"db1", "db2"}})
	h.seedAssignable(t, "db1", 100)
	h.seedAssignable(t, "db2", 200)
	h.fake.Gate = quota.NewGovernor(lockedStore{}, quota.StaticLimits(quota.DefaultLimits()))

	rep, err := h.orch.RunFullCycle(ctx, RunOptions{})
	require.NoError(t, err)

	require.Len(t, rep.Databases, 2, "a state store failure does not stop the run")
	for _, d := range rep.Databases {
		assert.Equal(t, DatabaseFailed, d.Status)
		assert.Contains(t, d.Error, "database is locked")
	}
	assert.Equal(t, runlog.RunStatusPartial, rep.Status)

	st := h.state0(t)
	assert.Equal(t, quota.StatusStopped, st.Status)
	assert.False(t, st.QuotaExceeded)

	ok, _, err := h.gov.CanRun(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "the next scheduled run is not blocked")
}

func TestRunFullCycleRefusedWhenStopped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{databases: []string{"db1"}})
	require.NoError(t, h.gov.ManualStop(ctx))

	rep, err := h.orch.RunFullCycle(ctx, RunOptions{})
	require.ErrorIs(t, err, ErrNotRunnable)
	assert.Contains(t, err.Error(), quota.ReasonManualStop)
	assert.Nil(t, rep)

	st := h.state0(t)
	assert.Equal(t, quota.StatusStopped, st.Status)
	assert.Nil(t, st.LastExecution)
}

type failingSource struct{}

func (failingSource) Databases(context.Context) ([]string, error) {
	return nil, errors.New("bot_config unreachable")
}

func TestRunFullCycleSettingsFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{source: failingSource{}})

	rep, err := h.orch.RunFullCycle(ctx, RunOptions{})
	require.Error(t, err)
	require.NotNil(t, rep)
	assert.Equal(t, runlog.RunStatusFailed, rep.Status)

	st := h.state0(t)
	assert.Equal(t, quota.StatusError, st.Status)
	require.NotNil(t, st.LastError)
	assert.Contains(t, st.LastError.Message, "bot_config unreachable")
}

func TestRunFullCycleFilters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{databases: []string{"db_cali", "db_bogota", "archive"}})
	for _, n := range []string{"db_cali", "db_bogota", "archive"} {
		h.seed(t, n)
	}

	rep, err := h.orch.RunFullCycle(ctx, RunOptions{Only: []string{"db_*"}})
	require.NoError(t, err)
	require.Len(t, rep.Databases, 2)
	assert.Equal(t, "db_cali", rep.Databases[0].Name)
	assert.Equal(t, "db_bogota", rep.Databases[1].Name)

	_, err = h.orch.RunFullCycle(ctx, RunOptions{Only: []string{"db_["}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid database filter")
}

func TestRunFullCycleRecordsHistoryAndArchive(t *testing.T) {
	ctx := context.Background()
	control, err := store.Open(ctx, store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = control.Close() })
	require.NoError(t, runlog.Migrate(ctx, control))

	archiveDir := t.TempDir()
	archiver, err := report.NewDirArchiver(archiveDir)
	require.NoError(t, err)

	h := newHarness(t, harnessOptions{databases: []string{"db1"}, runLog: control, archiver: archiver})
	h.seedAssignable(t, "db1", 100)

	rep, err := h.orch.RunFullCycle(ctx, RunOptions{Trigger: TriggerSchedule})
	require.NoError(t, err)

	runs, err := runlog.List(ctx, control, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, rep.RunID, runs[0].RunID)
	assert.Equal(t, runlog.RunStatusSuccess, runs[0].Status)
	assert.Equal(t, TriggerSchedule, runs[0].Trigger)
	require.NotNil(t, runs[0].Summary)
	assert.Contains(t, *runs[0].Summary, `"name": "db1"`)

	events, err := runlog.ListEvents(ctx, control, rep.RunID)
	require.NoError(t, err)
	var types []runlog.EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []runlog.EventType{runlog.EventTypeRunStarted, runlog.EventTypeDatabaseDone, runlog.EventTypeRunCompleted}, types)

	require.NotEmpty(t, rep.Archive)
	_, err = os.Stat(rep.Archive)
	assert.NoError(t, err)
}

func TestResetDailyCounter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{databases: []string{"db1"}})
	h.seedAssignable(t, "db1", 100)

	_, err := h.orch.RunFullCycle(ctx, RunOptions{})
	require.NoError(t, err)

	prev, err := h.orch.ResetDailyCounter(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, prev)
	assert.Zero(t, h.state0(t).DailyCalls)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
