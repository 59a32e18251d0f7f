package plugin

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/opsdeck/opsdeck/capability"
	"github.com/opsdeck/opsdeck/hook"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type testEnv struct {
	manager *Manager
	state   *StateStore
	bus     *hook.Bus
	db      *sql.DB
}

func newTestEnv(t *testing.T, opts ...ManagerOption) *testEnv {
	t.Helper()
	return newTestEnvDB(t, openTestDB(t), opts...)
}

func newTestEnvDB(t *testing.T, db *sql.DB, opts ...ManagerOption) *testEnv {
	t.Helper()
	settings, err := capability.NewSettingsStore(db)
	if err != nil {
		t.Fatalf("NewSettingsStore: %v", err)
	}
	state, err := NewStateStore(db)
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}
	bus := hook.NewBus(nil)
	t.Cleanup(bus.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	host := capability.NewHostAPI(logger, db, bus, settings, t.TempDir())
	return &testEnv{
		manager: NewManager(host, state, opts...),
		state:   state,
		bus:     bus,
		db:      db,
	}
}

func testManifest(id string, deps ...string) Manifest {
	return Manifest{
		ID:           id,
		Name:         id,
		Version:      "1.0.0",
		Author:       "opsdeck",
		Dependencies: deps,
	}
}

// stubPlugin is a controllable builtin for lifecycle tests.
type stubPlugin struct {
	man Manifest

	initErr  error
	startErr error
	stopErr  error

	startDelay time.Duration

	inits     atomic.Int32
	starts    atomic.Int32
	stops     atomic.Int32
	shutdowns atomic.Int32
}

func (p *stubPlugin) Manifest() Manifest { return p.man }

func (p *stubPlugin) Init(context.Context) error {
	p.inits.Add(1)
	return p.initErr
}

func (p *stubPlugin) Start(ctx context.Context) error {
	p.starts.Add(1)
	if p.startDelay > 0 {
		select {
		case <-time.After(p.startDelay):
		case <-ctx.Done():
		}
	}
	return p.startErr
}

func (p *stubPlugin) Stop(context.Context) error {
	p.stops.Add(1)
	return p.stopErr
}

func (p *stubPlugin) Shutdown(context.Context) error {
	p.shutdowns.Add(1)
	return nil
}

func mustStatus(t *testing.T, m *Manager, id string, want Status) {
	t.Helper()
	rec, ok := m.Get(id)
	if !ok {
		t.Fatalf("plugin %q not registered", id)
	}
	if rec.Status != want {
		t.Fatalf("plugin %q status = %s, want %s (last error: %q)", id, rec.Status, want, rec.LastError)
	}
}

func TestLoadBuiltinsDependencyOrder(t *testing.T) {
	env := newTestEnv(t)
	var order []string
	var mu sync.Mutex

	a := &stubPlugin{man: testManifest("alpha")}
	b := &stubPlugin{man: testManifest("beta", "alpha")}
	c := &stubPlugin{man: testManifest("gamma", "beta")}

	record := func(id string) {
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
	}
	plugins := []BuiltinPlugin{
		&orderedStub{stubPlugin: c, record: record},
		&orderedStub{stubPlugin: a, record: record},
		&orderedStub{stubPlugin: b, record: record},
	}

	if err := env.manager.LoadBuiltins(plugins); err != nil {
		t.Fatalf("LoadBuiltins: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"alpha", "beta", "gamma"}
	if len(order) != len(want) {
		t.Fatalf("init order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("init order = %v, want %v", order, want)
		}
	}
	for _, id := range want {
		mustStatus(t, env.manager, id, StatusDisabled)
	}
}

type orderedStub struct {
	*stubPlugin
	record func(id string)
}

func (p *orderedStub) Init(ctx context.Context) error {
	p.record(p.man.ID)
	return p.stubPlugin.Init(ctx)
}

func TestEnableDisableRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	p := &stubPlugin{man: testManifest("demo")}
	if err := env.manager.LoadBuiltins([]BuiltinPlugin{p}); err != nil {
		t.Fatalf("LoadBuiltins: %v", err)
	}

	if err := env.manager.Enable("demo"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	mustStatus(t, env.manager, "demo", StatusEnabled)

	// Enabling an enabled plugin is a no-op, not a second Start.
	if err := env.manager.Enable("demo"); err != nil {
		t.Fatalf("Enable again: %v", err)
	}
	if got := p.starts.Load(); got != 1 {
		t.Fatalf("Start called %d times, want 1", got)
	}

	if err := env.manager.Disable("demo"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	mustStatus(t, env.manager, "demo", StatusDisabled)

	if err := env.manager.Disable("demo"); err != nil {
		t.Fatalf("Disable again: %v", err)
	}
	if got := p.stops.Load(); got != 1 {
		t.Fatalf("Stop called %d times, want 1", got)
	}
}

func TestEnableUnknownPlugin(t *testing.T) {
	env := newTestEnv(t)
	if err := env.manager.Enable("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Enable(ghost) = %v, want ErrNotFound", err)
	}
}

func TestEnableStartFailureStaysDisabled(t *testing.T) {
	env := newTestEnv(t)
	p := &stubPlugin{man: testManifest("flaky"), startErr: errors.New("boom")}
	if err := env.manager.LoadBuiltins([]BuiltinPlugin{p}); err != nil {
		t.Fatalf("LoadBuiltins: %v", err)
	}

	err := env.manager.Enable("flaky")
	if err == nil {
		t.Fatal("Enable succeeded despite Start failure")
	}
	var lcErr *LifecycleError
	if !errors.As(err, &lcErr) || lcErr.Op != "Start" {
		t.Fatalf("Enable error = %v, want LifecycleError for Start", err)
	}
	mustStatus(t, env.manager, "flaky", StatusDisabled)

	rec, _ := env.manager.Get("flaky")
	if rec.LastError == "" {
		t.Fatal("Start failure not recorded on the record")
	}

	// Recoverable: a retry after the fault clears must succeed.
	p.startErr = nil
	if err := env.manager.Enable("flaky"); err != nil {
		t.Fatalf("Enable retry: %v", err)
	}
	mustStatus(t, env.manager, "flaky", StatusEnabled)
}

func TestEnableTimeoutMarksError(t *testing.T) {
	env := newTestEnv(t, WithLifecycleTimeout(50*time.Millisecond))
	p := &stubPlugin{man: testManifest("slow"), startDelay: 2 * time.Second}
	if err := env.manager.LoadBuiltins([]BuiltinPlugin{p}); err != nil {
		t.Fatalf("LoadBuiltins: %v", err)
	}

	if err := env.manager.Enable("slow"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Enable = %v, want ErrTimeout", err)
	}
	mustStatus(t, env.manager, "slow", StatusError)
}

func TestDisableStopFailureStillDisables(t *testing.T) {
	env := newTestEnv(t)
	p := &stubPlugin{man: testManifest("stubborn"), stopErr: errors.New("refusing")}
	if err := env.manager.LoadBuiltins([]BuiltinPlugin{p}); err != nil {
		t.Fatalf("LoadBuiltins: %v", err)
	}
	if err := env.manager.Enable("stubborn"); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	if err := env.manager.Disable("stubborn"); err != nil {
		t.Fatalf("Disable returned %v, want nil despite Stop error", err)
	}
	mustStatus(t, env.manager, "stubborn", StatusDisabled)

	rec, _ := env.manager.Get("stubborn")
	if rec.LastError == "" {
		t.Fatal("Stop failure not recorded on the record")
	}
}

func TestUnloadRequiresDisabled(t *testing.T) {
	env := newTestEnv(t)
	p := &stubPlugin{man: testManifest("demo")}
	if err := env.manager.LoadBuiltins([]BuiltinPlugin{p}); err != nil {
		t.Fatalf("LoadBuiltins: %v", err)
	}
	if err := env.manager.Enable("demo"); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	if err := env.manager.Unload("demo"); !errors.Is(err, ErrPluginStillEnabled) {
		t.Fatalf("Unload(enabled) = %v, want ErrPluginStillEnabled", err)
	}

	if err := env.manager.Disable("demo"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if err := env.manager.Unload("demo"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if _, ok := env.manager.Get("demo"); ok {
		t.Fatal("record still present after Unload")
	}
	if p.shutdowns.Load() != 1 {
		t.Fatalf("Shutdown called %d times, want 1", p.shutdowns.Load())
	}

	ids, err := env.state.EnabledIDs()
	if err != nil {
		t.Fatalf("EnabledIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("persisted state survived Unload: %v", ids)
	}
}

func TestUnloadRemovesHookSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	p := &stubPlugin{man: testManifest("listener")}
	if err := env.manager.LoadBuiltins([]BuiltinPlugin{p}); err != nil {
		t.Fatalf("LoadBuiltins: %v", err)
	}
	env.bus.On(hook.EventSiteCreated, "listener", func(context.Context, hook.Event) error { return nil })
	if got := env.bus.HandlerCount(hook.EventSiteCreated); got != 1 {
		t.Fatalf("HandlerCount = %d before unload", got)
	}

	if err := env.manager.Unload("listener"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if got := env.bus.HandlerCount(hook.EventSiteCreated); got != 0 {
		t.Fatalf("HandlerCount = %d after unload, want 0", got)
	}
}

func TestInitFailureRetainsErrorRecord(t *testing.T) {
	env := newTestEnv(t)
	bad := &stubPlugin{man: testManifest("broken"), initErr: errors.New("no db")}
	good := &stubPlugin{man: testManifest("healthy")}

	if err := env.manager.LoadBuiltins([]BuiltinPlugin{bad, good}); err != nil {
		t.Fatalf("LoadBuiltins: %v", err)
	}
	mustStatus(t, env.manager, "broken", StatusError)
	mustStatus(t, env.manager, "healthy", StatusDisabled)

	rec, _ := env.manager.Get("broken")
	if rec.LastError == "" {
		t.Fatal("Init failure not recorded")
	}

	// An Error record can still be unloaded.
	if err := env.manager.Unload("broken"); err != nil {
		t.Fatalf("Unload(error record): %v", err)
	}
}

func TestConcurrentEnableStartsOnce(t *testing.T) {
	env := newTestEnv(t)
	p := &stubPlugin{man: testManifest("racy"), startDelay: 100 * time.Millisecond}
	if err := env.manager.LoadBuiltins([]BuiltinPlugin{p}); err != nil {
		t.Fatalf("LoadBuiltins: %v", err)
	}

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- env.manager.Enable("racy")
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrPluginBusy):
			// losers of the race
		default:
			t.Fatalf("unexpected Enable error: %v", err)
		}
	}
	if ok == 0 {
		t.Fatal("no Enable call succeeded")
	}
	if got := p.starts.Load(); got != 1 {
		t.Fatalf("Start called %d times under contention, want 1", got)
	}
	mustStatus(t, env.manager, "racy", StatusEnabled)
}

func TestRestoreState(t *testing.T) {
	db := openTestDB(t)
	env := newTestEnvDB(t, db)
	p := &stubPlugin{man: testManifest("persist-me")}
	if err := env.manager.LoadBuiltins([]BuiltinPlugin{p}); err != nil {
		t.Fatalf("LoadBuiltins: %v", err)
	}
	if err := env.manager.Enable("persist-me"); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	// Simulate a restart: fresh manager over the same database.
	env2 := newTestEnvDB(t, db)
	p2 := &stubPlugin{man: testManifest("persist-me")}
	if err := env2.manager.LoadBuiltins([]BuiltinPlugin{p2}); err != nil {
		t.Fatalf("LoadBuiltins: %v", err)
	}
	if err := env2.manager.RestoreState(); err != nil {
		t.Fatalf("RestoreState: %v", err)
	}
	mustStatus(t, env2.manager, "persist-me", StatusEnabled)
	if p2.starts.Load() != 1 {
		t.Fatalf("Start called %d times during restore, want 1", p2.starts.Load())
	}
}

func TestShutdownKeepsEnabledState(t *testing.T) {
	env := newTestEnv(t)
	p := &stubPlugin{man: testManifest("daemon")}
	if err := env.manager.LoadBuiltins([]BuiltinPlugin{p}); err != nil {
		t.Fatalf("LoadBuiltins: %v", err)
	}
	if err := env.manager.Enable("daemon"); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	env.manager.Shutdown(context.Background())
	mustStatus(t, env.manager, "daemon", StatusDisabled)
	if p.stops.Load() != 1 {
		t.Fatalf("Stop called %d times at shutdown, want 1", p.stops.Load())
	}

	// Host shutdown must not flip the persisted flag, so the next start
	// restores the plugin.
	ids, err := env.state.EnabledIDs()
	if err != nil {
		t.Fatalf("EnabledIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "daemon" {
		t.Fatalf("EnabledIDs = %v, want [daemon]", ids)
	}
}

func TestLifecycleEventsEmittedAfterTransition(t *testing.T) {
	env := newTestEnv(t)
	p := &stubPlugin{man: testManifest("observed")}
	if err := env.manager.LoadBuiltins([]BuiltinPlugin{p}); err != nil {
		t.Fatalf("LoadBuiltins: %v", err)
	}

	var seen []string
	env.bus.On(hook.EventPluginEnabled, "test", func(_ context.Context, ev hook.Event) error {
		// The event fires after the transition committed: the registry
		// must already show the plugin Enabled.
		rec, ok := env.manager.Get("observed")
		if !ok || rec.Status != StatusEnabled {
			t.Errorf("enabled event fired before registry commit (status %v)", rec.Status)
		}
		seen = append(seen, ev.Type)
		return nil
	})
	env.bus.On(hook.EventPluginDisabled, "test", func(_ context.Context, ev hook.Event) error {
		seen = append(seen, ev.Type)
		return nil
	})

	if err := env.manager.Enable("observed"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := env.manager.Disable("observed"); err != nil {
		t.Fatalf("Disable: %v", err)
	}

	if len(seen) != 2 || seen[0] != hook.EventPluginEnabled || seen[1] != hook.EventPluginDisabled {
		t.Fatalf("lifecycle events = %v", seen)
	}
}

func TestStartPanicIsContained(t *testing.T) {
	env := newTestEnv(t)
	p := &panickyPlugin{man: testManifest("explosive")}
	if err := env.manager.LoadBuiltins([]BuiltinPlugin{p}); err != nil {
		t.Fatalf("LoadBuiltins: %v", err)
	}

	err := env.manager.Enable("explosive")
	if err == nil {
		t.Fatal("Enable succeeded despite Start panic")
	}
	mustStatus(t, env.manager, "explosive", StatusDisabled)
}

type panickyPlugin struct {
	Nop
	man Manifest
}

func (p *panickyPlugin) Manifest() Manifest { return p.man }

func (p *panickyPlugin) Start(context.Context) error { panic("kaboom") }
