package standby_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/standby/identity"
	"github.com/jrife/standby/management"
	"github.com/jrife/standby/standby"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"
)

var errNetwork = errors.New("simulated network error")

type fakeStore struct {
	mu          sync.Mutex
	generations []int
	reads       int
	flushErr    error
	cleanupErr  error
	genErr      error
	flushes     int
	cleanups    int
}

func (store *fakeStore) HeadGeneration() (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.genErr != nil {
		return 0, store.genErr
	}

	if len(store.generations) == 0 {
		return 0, nil
	}

	i := store.reads

	if i >= len(store.generations) {
		i = len(store.generations) - 1
	}

	store.reads++

	return store.generations[i], nil
}

func (store *fakeStore) Flush() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.flushes++

	return store.flushErr
}

func (store *fakeStore) Cleanup() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.cleanups++

	return store.cleanupErr
}

func (store *fakeStore) cleanupCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.cleanups
}

type fakeSession struct {
	execute func(ctx context.Context) error
	closed  atomic.Bool
}

func (session *fakeSession) Execute(ctx context.Context) error {
	if session.execute == nil {
		return nil
	}

	return session.execute(ctx)
}

func (session *fakeSession) Close() error {
	session.closed.Store(true)

	return nil
}

// sessions builds fake sessions that run execute and counts them
type sessions struct {
	created  atomic.Int64
	last     atomic.Pointer[fakeSession]
	execute  func(ctx context.Context) error
	buildErr error
}

func (s *sessions) factory(ctx context.Context, config standby.SessionConfig) (standby.Session, error) {
	if s.buildErr != nil {
		return nil, s.buildErr
	}

	s.created.Add(1)
	session := &fakeSession{execute: s.execute}
	s.last.Store(session)

	return session, nil
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string{}, r.events...)
}

type identities struct{ *recorder }

func (registry identities) Register(id string, value interface{}) error {
	registry.record("identity.register " + id)

	return nil
}

func (registry identities) Unregister(id string) error {
	registry.record("identity.unregister " + id)

	return nil
}

type beans struct{ *recorder }

func (registry beans) Register(name string, bean management.Bean) error {
	registry.record("management.register " + name)

	return nil
}

func (registry beans) Unregister(name string) error {
	registry.record("management.unregister " + name)

	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type fixture struct {
	client   *standby.ClientSync
	store    *fakeStore
	sessions *sessions
	events   *recorder
	clock    *clock
}

func newFixture(t *testing.T, store *fakeStore, s *sessions, configure func(*standby.Config)) *fixture {
	f := &fixture{
		store:    store,
		sessions: s,
		events:   &recorder{},
		clock:    &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}

	config := standby.Config{
		Host:         "primary",
		Port:         8023,
		Store:        store,
		ID:           "standby-1",
		DrainTimeout: 5 * time.Second,
		Logger:       zap.NewNop(),
		Identities:   identities{f.events},
		Management:   beans{f.events},
		NewSession:   s.factory,
		Now:          f.clock.Now,
	}

	if configure != nil {
		configure(&config)
	}

	client, err := standby.NewClientSync(config)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	f.client = client

	return f
}

type stats struct {
	FailedRequests          int
	SecondsSinceLastSuccess int
	SyncStart               int64
	SyncEnd                 int64
}

func statsOf(client *standby.ClientSync) stats {
	return stats{
		FailedRequests:          client.FailedRequests(),
		SecondsSinceLastSuccess: client.SecondsSinceLastSuccess(),
		SyncStart:               client.SyncStartTimestamp(),
		SyncEnd:                 client.SyncEndTimestamp(),
	}
}

func TestNewClientSync(t *testing.T) {
	f := newFixture(t, &fakeStore{}, &sessions{}, nil)
	defer f.client.Close()

	if mode := f.client.Mode(); mode != "client: standby-1" {
		t.Fatalf("expected client: standby-1, got %s", mode)
	}

	if status := f.client.Status(); status != "initializing" {
		t.Fatalf("expected initializing, got %s", status)
	}

	if !f.client.IsRunning() {
		t.Fatalf("expected a new client to be running")
	}

	expected := stats{SecondsSinceLastSuccess: -1, SyncStart: -1, SyncEnd: -1}

	if diff := cmp.Diff(expected, statsOf(f.client)); diff != "" {
		t.Fatal(diff)
	}
}

func TestIdentityFromEnv(t *testing.T) {
	t.Setenv(identity.EnvVar, "from-env")

	f := newFixture(t, &fakeStore{}, &sessions{}, func(config *standby.Config) { config.ID = "" })
	defer f.client.Close()

	if id := f.client.ID(); id != "from-env" {
		t.Fatalf("expected from-env, got %s", id)
	}

	if name := f.client.ManagementName(); name != management.Name("from-env") {
		t.Fatalf("expected %s, got %s", management.Name("from-env"), name)
	}
}

func TestConfigValidate(t *testing.T) {
	testCases := map[string]struct {
		config standby.Config
		err    error
	}{
		"valid": {
			config: standby.Config{Host: "primary", Port: 8023, Store: &fakeStore{}, NewSession: (&sessions{}).factory},
		},
		"no store": {
			config: standby.Config{Host: "primary", Port: 8023},
			err:    standby.ErrNoStore,
		},
		"no host": {
			config: standby.Config{Port: 8023, Store: &fakeStore{}},
			err:    standby.ErrNoHost,
		},
		"bad port": {
			config: standby.Config{Host: "primary", Port: 70000, Store: &fakeStore{}},
			err:    standby.ErrBadPort,
		},
		"default session needs a segment store": {
			config: standby.Config{Host: "primary", Port: 8023, Store: &fakeStore{}},
			err:    standby.ErrSegmentStore,
		},
		"key without chain": {
			config: standby.Config{Host: "primary", Port: 8023, Store: &fakeStore{}, NewSession: (&sessions{}).factory, Secure: true, SSLKeyFile: "key.pem"},
			err:    standby.ErrBadTLS,
		},
		"bad subject pattern": {
			config: standby.Config{Host: "primary", Port: 8023, Store: &fakeStore{}, NewSession: (&sessions{}).factory, Secure: true, SSLServerSubjectPattern: "("},
			err:    standby.ErrBadTLS,
		},
		"tls settings ignored when not secure": {
			config: standby.Config{Host: "primary", Port: 8023, Store: &fakeStore{}, NewSession: (&sessions{}).factory, SSLServerSubjectPattern: "("},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			err := testCase.config.Validate()

			if testCase.err == nil && err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}

			if !errors.Is(err, testCase.err) {
				t.Fatalf("expected %#v, got %#v", testCase.err, err)
			}
		})
	}

	if _, err := standby.NewClientSync(standby.Config{}); !errors.Is(err, standby.ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got %#v", err)
	}
}

func TestRunSuccess(t *testing.T) {
	f := newFixture(t, &fakeStore{}, &sessions{}, nil)
	defer f.client.Close()

	f.client.Run()

	now := f.clock.Now()
	expected := stats{SecondsSinceLastSuccess: 0, SyncStart: now.UnixMilli(), SyncEnd: now.UnixMilli()}

	if diff := cmp.Diff(expected, statsOf(f.client)); diff != "" {
		t.Fatal(diff)
	}

	if status := f.client.Status(); status != "running" {
		t.Fatalf("expected running, got %s", status)
	}

	if !f.sessions.last.Load().closed.Load() {
		t.Fatalf("expected the session to be closed")
	}

	if f.store.flushes != 1 {
		t.Fatalf("expected one flush, got %d", f.store.flushes)
	}

	f.clock.Advance(5 * time.Second)

	if seconds := f.client.SecondsSinceLastSuccess(); seconds != 5 {
		t.Fatalf("expected 5, got %d", seconds)
	}
}

func TestRunFailure(t *testing.T) {
	testCases := map[string]struct {
		store    *fakeStore
		sessions *sessions
		flushes  int
	}{
		"session fails": {
			store:    &fakeStore{},
			sessions: &sessions{execute: func(ctx context.Context) error { return errNetwork }},
		},
		"session cannot be built": {
			store:    &fakeStore{},
			sessions: &sessions{buildErr: errNetwork},
		},
		"session panics": {
			store:    &fakeStore{},
			sessions: &sessions{execute: func(ctx context.Context) error { panic("boom") }},
		},
		"flush fails": {
			store:    &fakeStore{flushErr: errNetwork},
			sessions: &sessions{},
			flushes:  1,
		},
		"head generation fails": {
			store:    &fakeStore{genErr: errNetwork},
			sessions: &sessions{},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, testCase.store, testCase.sessions, nil)
			defer f.client.Close()

			f.client.Run()

			expected := stats{FailedRequests: 1, SecondsSinceLastSuccess: -1, SyncStart: f.clock.Now().UnixMilli(), SyncEnd: -1}

			if diff := cmp.Diff(expected, statsOf(f.client)); diff != "" {
				t.Fatal(diff)
			}

			if f.store.flushes != testCase.flushes {
				t.Fatalf("expected %d flushes, got %d", testCase.flushes, f.store.flushes)
			}

			if session := f.sessions.last.Load(); session != nil && !session.closed.Load() {
				t.Fatalf("expected the session to be closed")
			}
		})
	}
}

func TestFailureIsolation(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)

	s := &sessions{execute: func(ctx context.Context) error {
		if fail.Load() {
			return errNetwork
		}

		return nil
	}}

	f := newFixture(t, &fakeStore{}, s, nil)
	defer f.client.Close()

	for i := 1; i <= 3; i++ {
		f.client.Run()

		if failed := f.client.FailedRequests(); failed != i {
			t.Fatalf("expected %d failed requests, got %d", i, failed)
		}

		if seconds := f.client.SecondsSinceLastSuccess(); seconds != -1 {
			t.Fatalf("expected -1, got %d", seconds)
		}
	}

	fail.Store(false)
	f.clock.Advance(time.Minute)
	f.client.Run()

	if failed := f.client.FailedRequests(); failed != 0 {
		t.Fatalf("expected failures to be reset, got %d", failed)
	}

	if end := f.client.SyncEndTimestamp(); end != f.clock.Now().UnixMilli() {
		t.Fatalf("expected sync end %d, got %d", f.clock.Now().UnixMilli(), end)
	}

	fail.Store(true)
	f.client.Run()

	if failed := f.client.FailedRequests(); failed != 1 {
		t.Fatalf("expected 1 failed request, got %d", failed)
	}

	if seconds := f.client.SecondsSinceLastSuccess(); seconds != 0 {
		t.Fatalf("expected the last success to be kept, got %d", seconds)
	}

	if created := s.created.Load(); created != 5 {
		t.Fatalf("expected 5 sessions, got %d", created)
	}
}

func TestSingleFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	s := &sessions{execute: func(ctx context.Context) error {
		close(entered)
		<-release

		return nil
	}}

	f := newFixture(t, &fakeStore{}, s, nil)
	defer f.client.Close()

	done := make(chan struct{})

	go func() {
		defer close(done)
		f.client.Run()
	}()

	<-entered

	if !f.client.Active() {
		t.Fatalf("expected an attempt to be active")
	}

	before := statsOf(f.client)
	f.clock.Advance(time.Second)
	f.client.Run()

	if diff := cmp.Diff(before, statsOf(f.client)); diff != "" {
		t.Fatal(diff)
	}

	if created := s.created.Load(); created != 1 {
		t.Fatalf("expected 1 session, got %d", created)
	}

	close(release)
	<-done

	if f.client.Active() {
		t.Fatalf("expected no attempt to be active")
	}

	if failed := f.client.FailedRequests(); failed != 0 {
		t.Fatalf("expected 0 failed requests, got %d", failed)
	}
}

func TestStoppedIsNoop(t *testing.T) {
	s := &sessions{}
	f := newFixture(t, &fakeStore{}, s, nil)
	defer f.client.Close()

	f.client.Stop()
	f.client.Stop()
	f.client.Run()

	if created := s.created.Load(); created != 0 {
		t.Fatalf("expected no session, got %d", created)
	}

	expected := stats{SecondsSinceLastSuccess: -1, SyncStart: -1, SyncEnd: -1}

	if diff := cmp.Diff(expected, statsOf(f.client)); diff != "" {
		t.Fatal(diff)
	}

	if status := f.client.Status(); status != "stopped" {
		t.Fatalf("expected stopped, got %s", status)
	}

	f.client.Start()
	f.client.Start()

	if status := f.client.Status(); status != "running" {
		t.Fatalf("expected running, got %s", status)
	}

	f.client.Run()

	if created := s.created.Load(); created != 1 {
		t.Fatalf("expected 1 session, got %d", created)
	}
}

func TestStopCancelsSession(t *testing.T) {
	entered := make(chan struct{})

	s := &sessions{execute: func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()

		return ctx.Err()
	}}

	f := newFixture(t, &fakeStore{}, s, nil)
	defer f.client.Close()

	done := make(chan struct{})

	go func() {
		defer close(done)
		f.client.Run()
	}()

	<-entered
	f.client.Stop()
	<-done

	if failed := f.client.FailedRequests(); failed != 1 {
		t.Fatalf("expected 1 failed request, got %d", failed)
	}

	f.client.Start()
	s.execute = func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		return nil
	}

	f.client.Run()

	if failed := f.client.FailedRequests(); failed != 0 {
		t.Fatalf("expected a restarted client to get a live context, got %d failures", failed)
	}
}

func TestCleanupGating(t *testing.T) {
	testCases := map[string]struct {
		before    int
		after     int
		autoClean bool
		cleanups  int
	}{
		"generation unchanged": {
			before:    5,
			after:     5,
			autoClean: true,
		},
		"generation advanced": {
			before:    5,
			after:     7,
			autoClean: true,
			cleanups:  1,
		},
		"generation advanced without auto clean": {
			before: 5,
			after:  7,
		},
		"generation went back": {
			before:    7,
			after:     5,
			autoClean: true,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			store := &fakeStore{generations: []int{testCase.before, testCase.after}}
			f := newFixture(t, store, &sessions{}, func(config *standby.Config) { config.AutoClean = testCase.autoClean })
			defer f.client.Close()

			f.client.Run()

			if cleanups := store.cleanupCount(); cleanups != testCase.cleanups {
				t.Fatalf("expected %d cleanups, got %d", testCase.cleanups, cleanups)
			}

			if failed := f.client.FailedRequests(); failed != 0 {
				t.Fatalf("expected 0 failed requests, got %d", failed)
			}
		})
	}
}

func TestAutoCleanErrorDoesNotFailSync(t *testing.T) {
	store := &fakeStore{generations: []int{1, 2}, cleanupErr: errNetwork}
	f := newFixture(t, store, &sessions{}, func(config *standby.Config) { config.AutoClean = true })
	defer f.client.Close()

	f.client.Run()

	if cleanups := store.cleanupCount(); cleanups != 1 {
		t.Fatalf("expected 1 cleanup, got %d", cleanups)
	}

	if failed := f.client.FailedRequests(); failed != 0 {
		t.Fatalf("expected 0 failed requests, got %d", failed)
	}

	if seconds := f.client.SecondsSinceLastSuccess(); seconds != 0 {
		t.Fatalf("expected 0, got %d", seconds)
	}
}

func TestCleanup(t *testing.T) {
	store := &fakeStore{cleanupErr: errNetwork}
	f := newFixture(t, store, &sessions{}, nil)
	defer f.client.Close()

	f.client.Cleanup()
	f.client.Stop()
	f.client.Cleanup()

	if cleanups := store.cleanupCount(); cleanups != 2 {
		t.Fatalf("expected 2 cleanups, got %d", cleanups)
	}

	if failed := f.client.FailedRequests(); failed != 0 {
		t.Fatalf("expected cleanup failures not to be counted, got %d", failed)
	}
}

func TestLifecycleRegistration(t *testing.T) {
	s := &sessions{}
	f := newFixture(t, &fakeStore{}, s, nil)
	name := management.Name("standby-1")

	registered := []string{
		"identity.register standby-1",
		"management.register " + name,
	}

	if diff := cmp.Diff(registered, f.events.Events()); diff != "" {
		t.Fatal(diff)
	}

	f.client.Run()
	f.client.Run()

	if diff := cmp.Diff(registered, f.events.Events()); diff != "" {
		t.Fatal(diff)
	}

	if err := f.client.Close(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	expected := append(registered,
		"management.unregister "+name,
		"identity.unregister standby-1",
	)

	if diff := cmp.Diff(expected, f.events.Events()); diff != "" {
		t.Fatal(diff)
	}

	if status := f.client.Status(); status != "closed" {
		t.Fatalf("expected closed, got %s", status)
	}

	f.client.Close()
	f.client.Start()
	f.client.Run()

	if diff := cmp.Diff(expected, f.events.Events()); diff != "" {
		t.Fatal(diff)
	}

	if created := s.created.Load(); created != 2 {
		t.Fatalf("expected no session after close, got %d", created)
	}

	if status := f.client.Status(); status != "closed" {
		t.Fatalf("expected closed, got %s", status)
	}
}

func TestDuplicateIDKeepsFirstRegistration(t *testing.T) {
	identities := identity.NewMemoryRegistry()
	beans := management.NewMemoryRegistry()

	configure := func(config *standby.Config) {
		config.ID = "same"
		config.Identities = identities
		config.Management = beans
	}

	first := newFixture(t, &fakeStore{}, &sessions{}, configure)
	second := newFixture(t, &fakeStore{}, &sessions{}, configure)

	if err := second.client.Close(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if value, ok := identities.Get("same"); !ok || value != first.client {
		t.Fatalf("expected the first client to keep its identity, got %#v", value)
	}

	if bean, ok := beans.Get(management.Name("same")); !ok || bean != first.client {
		t.Fatalf("expected the first client to keep its status surface, got %#v", bean)
	}

	if !first.client.IsRunning() {
		t.Fatalf("expected the first client to be running")
	}

	if err := first.client.Close(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff([]string{}, identities.IDs()); diff != "" {
		t.Fatal(diff)
	}

	if diff := cmp.Diff([]string{}, beans.Names()); diff != "" {
		t.Fatal(diff)
	}
}

func TestDefaultRegistries(t *testing.T) {
	f := newFixture(t, &fakeStore{}, &sessions{}, func(config *standby.Config) {
		config.ID = "default-registries"
		config.Identities = nil
		config.Management = nil
	})

	if _, ok := identity.Default.Get("default-registries"); !ok {
		t.Fatalf("expected the identity to be registered")
	}

	if bean, ok := management.Default.Get(f.client.ManagementName()); !ok || bean != f.client {
		t.Fatalf("expected the status surface to be registered")
	}

	f.client.Close()

	if _, ok := identity.Default.Get("default-registries"); ok {
		t.Fatalf("expected the identity to be unregistered")
	}

	if _, ok := management.Default.Get(f.client.ManagementName()); ok {
		t.Fatalf("expected the status surface to be unregistered")
	}
}

func TestCloseDrains(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	s := &sessions{execute: func(ctx context.Context) error {
		close(entered)
		<-release

		return nil
	}}

	f := newFixture(t, &fakeStore{}, s, nil)
	done := make(chan struct{})

	go func() {
		defer close(done)
		f.client.Run()
	}()

	<-entered

	closed := make(chan struct{})

	go func() {
		defer close(closed)
		f.client.Close()
	}()

	select {
	case <-closed:
		t.Fatalf("expected close to wait for the attempt")
	case <-time.After(50 * time.Millisecond):
	}

	if status := f.client.Status(); status != "closing" {
		t.Fatalf("expected closing, got %s", status)
	}

	close(release)
	<-done
	<-closed

	if status := f.client.Status(); status != "closed" {
		t.Fatalf("expected closed, got %s", status)
	}

	if n := len(f.events.Events()); n != 4 {
		t.Fatalf("expected 4 registry events, got %d", n)
	}
}

func TestCloseDrainTimeout(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	s := &sessions{execute: func(ctx context.Context) error {
		close(entered)
		<-release

		return nil
	}}

	f := newFixture(t, &fakeStore{}, s, func(config *standby.Config) {
		config.DrainTimeout = 20 * time.Millisecond
		config.ShutdownGracePeriod = 10 * time.Millisecond
		config.ShutdownTimeout = 20 * time.Millisecond
	})

	go f.client.Run()

	<-entered

	if err := f.client.Close(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if status := f.client.Status(); status != "closed" {
		t.Fatalf("expected closed, got %s", status)
	}
}

func TestCleanupGatingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("cleanup runs iff auto clean is on and the generation advanced", prop.ForAll(
		func(before int, after int, autoClean bool) bool {
			store := &fakeStore{generations: []int{before, after}}
			f := newFixture(t, store, &sessions{}, func(config *standby.Config) { config.AutoClean = autoClean })
			defer f.client.Close()

			f.client.Run()

			expected := 0

			if autoClean && after > before {
				expected = 1
			}

			return store.cleanupCount() == expected && f.client.FailedRequests() == 0
		},
		gen.IntRange(0, 10),
		gen.IntRange(0, 10),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestRunStateLabels(t *testing.T) {
	expected := map[standby.RunState]string{
		standby.StatusInitializing: "initializing",
		standby.StatusStarting:     "starting",
		standby.StatusRunning:      "running",
		standby.StatusStopped:      "stopped",
		standby.StatusClosing:      "closing",
		standby.StatusClosed:       "closed",
	}

	for state, label := range expected {
		if state.String() != label {
			t.Fatalf("expected %s, got %s", label, state.String())
		}
	}
}
