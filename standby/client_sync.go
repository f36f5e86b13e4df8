// Package standby keeps a local segment store in sync with a remote
// primary. A ClientSync is driven by an external scheduler calling Run.
// Each call performs at most one sync attempt: calls made while another
// attempt is in flight, or while the client is stopped, return without
// doing anything. Failures never escape Run. They are counted and
// reported through the client's status surface, which is registered
// with a management registry for the lifetime of the client.
package standby

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jrife/standby/identity"
	"github.com/jrife/standby/management"
	"github.com/jrife/standby/resources"
	"github.com/jrife/standby/utils/log"
	"go.uber.org/zap"
)

// ErrPanic wraps a panic recovered during a sync attempt
var ErrPanic = errors.New("panic during sync")

// drainPollInterval is how often Close checks for
// an in-flight attempt to finish
const drainPollInterval = 10 * time.Millisecond

// Status is the status surface of a ClientSync
type Status interface {
	// Mode describes the role and identity of this client
	Mode() string
	IsRunning() bool
	Start()
	Stop()
	// Status is the label of the current RunState
	Status() string
	// FailedRequests counts failed attempts since the last success
	FailedRequests() int
	// SecondsSinceLastSuccess is -1 if no attempt has succeeded
	SecondsSinceLastSuccess() int
	Cleanup()
	// SyncStartTimestamp is in milliseconds or -1
	SyncStartTimestamp() int64
	// SyncEndTimestamp is in milliseconds or -1
	SyncEndTimestamp() int64
}

var _ Status = (*ClientSync)(nil)
var _ management.Bean = (*ClientSync)(nil)

// ClientSync syncs a local store from a primary
type ClientSync struct {
	config         Config
	id             string
	managementName string
	logger         *zap.Logger
	pool           *resources.Pool

	state   runState
	running *runningFlag
	active  atomic.Bool
	closed  atomic.Bool

	// set only when the matching Register succeeded
	identityRegistered   bool
	managementRegistered bool

	attempts       atomic.Uint64
	failedRequests atomic.Int64
	lastSuccess    atomic.Int64
	syncStart      atomic.Int64
	syncEnd        atomic.Int64
}

// NewClientSync validates config and creates a client. The client
// registers its identity and its status surface, and starts out
// running. Registration failures are logged and do not fail
// construction. Close only unregisters what was registered here.
func NewClientSync(config Config) (*ClientSync, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid standby config: %w", err)
	}

	config = config.withDefaults()
	id := config.ID

	if id == "" {
		id = identity.FromEnv()
	}

	client := &ClientSync{
		config:         config,
		id:             id,
		managementName: management.Name(id),
		logger:         config.Logger.With(zap.String("client", id)),
		running:        newRunningFlag(true),
	}

	client.lastSuccess.Store(-1)
	client.syncStart.Store(-1)
	client.syncEnd.Store(-1)
	client.pool = resources.New(resources.Options{Workers: config.Workers, Logger: client.logger})

	if err := config.Identities.Register(id, client); err != nil {
		client.logger.Error("could not register client identity", zap.Error(err))
	} else {
		client.identityRegistered = true
	}

	if err := config.Management.Register(client.managementName, client); err != nil {
		client.logger.Error("could not register standby status", zap.String("name", client.managementName), zap.Error(err))
	} else {
		client.managementRegistered = true
	}

	client.logger.Info("standby client created", zap.String("primary", fmt.Sprintf("%s:%d", config.Host, config.Port)), zap.Bool("secure", config.Secure), zap.Bool("auto_clean", config.AutoClean))

	return client, nil
}

// ID returns the client identity
func (client *ClientSync) ID() string {
	return client.id
}

// ManagementName returns the name the status surface is registered under
func (client *ClientSync) ManagementName() string {
	return client.managementName
}

// Run performs one sync attempt unless the client is stopped or
// another attempt is in flight. It blocks until the attempt is over.
func (client *ClientSync) Run() {
	if !client.IsRunning() {
		return
	}

	client.state.set(StatusStarting)

	if !client.active.CompareAndSwap(false, true) {
		client.logger.Debug("sync already in progress")

		return
	}

	defer client.active.Store(false)

	client.state.set(StatusRunning)
	client.syncStart.Store(client.config.Now().UnixMilli())

	ctx := log.WithFields(client.running.context(), zap.Uint64("attempt", client.attempts.Add(1)))
	logger := log.WithContext(ctx, client.logger).With(zap.String("operation", "Run"))

	logger.Debug("start")

	if err := client.sync(ctx, logger); err != nil {
		failed := client.failedRequests.Add(1)
		logger.Error("failed synchronizing state", zap.Error(err), zap.Int64("failed_requests", failed))

		return
	}

	end := client.config.Now().UnixMilli()
	client.failedRequests.Store(0)
	client.syncEnd.Store(end)
	client.lastSuccess.Store(end / 1000)

	logger.Debug("return")
}

func (client *ClientSync) sync(ctx context.Context, logger *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	store := client.config.Store
	genBefore, err := store.HeadGeneration()

	if err != nil {
		return fmt.Errorf("could not read head generation: %w", err)
	}

	session, err := client.config.NewSession(ctx, client.sessionConfig())

	if err != nil {
		return fmt.Errorf("could not create session: %w", err)
	}

	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("could not close session", zap.Error(err))
		}
	}()

	if err := session.Execute(ctx); err != nil {
		return fmt.Errorf("could not execute sync: %w", err)
	}

	if err := store.Flush(); err != nil {
		return fmt.Errorf("could not flush store: %w", err)
	}

	genAfter, err := store.HeadGeneration()

	if err != nil {
		return fmt.Errorf("could not read head generation: %w", err)
	}

	if client.config.AutoClean && genAfter > genBefore {
		logger.Info("new head generation detected, running cleanup", zap.Int("generation_before", genBefore), zap.Int("generation_after", genAfter))
		client.cleanup(logger)
	}

	return nil
}

func (client *ClientSync) sessionConfig() SessionConfig {
	return SessionConfig{
		Host:                    client.config.Host,
		Port:                    client.config.Port,
		ClientID:                client.id,
		Secure:                  client.config.Secure,
		ReadTimeout:             client.config.ReadTimeout,
		SpoolFolder:             client.config.SpoolFolder,
		SSLKeyFile:              client.config.SSLKeyFile,
		SSLChainFile:            client.config.SSLChainFile,
		SSLServerSubjectPattern: client.config.SSLServerSubjectPattern,
		Store:                   client.config.Store,
		Pool:                    client.pool,
		Dialer:                  client.config.Dialer,
		Logger:                  client.logger,
	}
}

// Cleanup runs a cleanup of the local store. Errors are logged.
func (client *ClientSync) Cleanup() {
	client.cleanup(client.logger.With(zap.String("operation", "Cleanup")))
}

func (client *ClientSync) cleanup(logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("cleanup panicked", zap.Any("panic", r))
		}
	}()

	if err := client.config.Store.Cleanup(); err != nil {
		logger.Error("cleanup failed", zap.Error(err))
	}
}

// Close stops the client, waits for an in-flight attempt to finish,
// and releases everything the client registered or created. Once
// Close returns Run does nothing.
func (client *ClientSync) Close() error {
	if !client.closed.CompareAndSwap(false, true) {
		client.logger.Error("standby client closed twice")

		return nil
	}

	client.Stop()
	client.state.set(StatusClosing)
	client.drain()

	if client.managementRegistered {
		if err := client.config.Management.Unregister(client.managementName); err != nil {
			client.logger.Error("could not unregister standby status", zap.String("name", client.managementName), zap.Error(err))
		}
	}

	if err := client.pool.Shutdown(client.config.ShutdownGracePeriod, client.config.ShutdownTimeout); err != nil {
		client.logger.Error("could not shut down network resources", zap.Error(err))
	}

	if client.identityRegistered {
		if err := client.config.Identities.Unregister(client.id); err != nil {
			client.logger.Error("could not unregister client identity", zap.Error(err))
		}
	}

	client.state.set(StatusClosed)
	client.logger.Info("standby client closed")

	return nil
}

// drain takes the active guard for good, waiting up
// to the drain timeout for an in-flight attempt.
func (client *ClientSync) drain() {
	deadline := time.NewTimer(client.config.DrainTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for !client.active.CompareAndSwap(false, true) {
		select {
		case <-deadline.C:
			client.logger.Warn("sync attempt still in flight, closing anyway", zap.Duration("drain_timeout", client.config.DrainTimeout))

			return
		case <-ticker.C:
		}
	}
}

// Mode implements Status.Mode
func (client *ClientSync) Mode() string {
	return "client: " + client.id
}

// IsRunning implements Status.IsRunning
func (client *ClientSync) IsRunning() bool {
	return client.running.get()
}

// Start implements Status.Start
func (client *ClientSync) Start() {
	if client.closed.Load() {
		return
	}

	client.running.set()
	client.state.set(StatusRunning)
}

// Stop implements Status.Stop. An in-flight attempt sees its
// context cancelled but is not interrupted.
func (client *ClientSync) Stop() {
	client.running.clear()
	client.state.set(StatusStopped)
}

// Status implements Status.Status
func (client *ClientSync) Status() string {
	return client.state.load().String()
}

// RunState returns the current RunState
func (client *ClientSync) RunState() RunState {
	return client.state.load()
}

// Active reports whether a sync attempt is in flight
func (client *ClientSync) Active() bool {
	return client.active.Load() && !client.closed.Load()
}

// FailedRequests implements Status.FailedRequests
func (client *ClientSync) FailedRequests() int {
	return int(client.failedRequests.Load())
}

// SecondsSinceLastSuccess implements Status.SecondsSinceLastSuccess
func (client *ClientSync) SecondsSinceLastSuccess() int {
	lastSuccess := client.lastSuccess.Load()

	if lastSuccess < 0 {
		return -1
	}

	return int(client.config.Now().Unix() - lastSuccess)
}

// SyncStartTimestamp implements Status.SyncStartTimestamp
func (client *ClientSync) SyncStartTimestamp() int64 {
	return client.syncStart.Load()
}

// SyncEndTimestamp implements Status.SyncEndTimestamp
func (client *ClientSync) SyncEndTimestamp() int64 {
	return client.syncEnd.Load()
}
