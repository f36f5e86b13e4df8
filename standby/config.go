package standby

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jrife/standby/identity"
	"github.com/jrife/standby/management"
	"github.com/jrife/standby/resources"
	"github.com/jrife/standby/storage/segment"
	"go.uber.org/zap"
)

const (
	// DefaultReadTimeout is used when Config.ReadTimeout is not set
	DefaultReadTimeout = 60 * time.Second
	// DefaultDrainTimeout is how long Close waits for an
	// in-flight sync attempt when Config.DrainTimeout is not set
	DefaultDrainTimeout = 10 * time.Second
)

var (
	// ErrNoStore is returned when a config has no local store
	ErrNoStore = errors.New("no local store configured")
	// ErrNoHost is returned when a config has no primary host
	ErrNoHost = errors.New("no primary host configured")
	// ErrBadPort is returned when a config's port is out of range
	ErrBadPort = errors.New("port out of range")
	// ErrBadTLS is returned when a config's TLS settings are inconsistent
	ErrBadTLS = errors.New("bad TLS settings")
	// ErrSegmentStore is returned when the default session is
	// used with a store that cannot read and write segments
	ErrSegmentStore = errors.New("store does not support segment I/O")
)

// Store is the local store a standby syncs into
type Store interface {
	// HeadGeneration returns the garbage collection
	// generation of the current head
	HeadGeneration() (int, error)
	// Flush makes received data durable
	Flush() error
	// Cleanup reclaims space no longer needed by the head
	Cleanup() error
}

// SegmentStore is a Store that the default session can write into
type SegmentStore interface {
	Store
	Head() (uuid.UUID, bool, error)
	SetHead(id uuid.UUID) error
	ContainsSegment(id uuid.UUID) (bool, error)
	WriteSegment(s segment.Segment) error
}

// Session transfers the delta between the primary and the local
// store. A session is used for one sync attempt only.
type Session interface {
	// Execute runs the transfer. It should return early
	// once ctx is done.
	Execute(ctx context.Context) error
	// Close releases everything the session holds
	Close() error
}

// SessionConfig is everything a session is built from
type SessionConfig struct {
	Host                    string
	Port                    int
	ClientID                string
	Secure                  bool
	ReadTimeout             time.Duration
	SpoolFolder             string
	SSLKeyFile              string
	SSLChainFile            string
	SSLServerSubjectPattern string
	Store                   Store
	Pool                    *resources.Pool
	Dialer                  func(ctx context.Context, address string) (net.Conn, error)
	Logger                  *zap.Logger
}

// SessionFactory builds a session for one sync attempt
type SessionFactory func(ctx context.Context, config SessionConfig) (Session, error)

// Config configures a ClientSync. It is not modified
// after being passed to NewClientSync.
type Config struct {
	Host  string
	Port  int
	Store Store
	// Secure enables TLS
	Secure bool
	// ReadTimeout bounds a single read from the primary
	ReadTimeout time.Duration
	// AutoClean runs a cleanup of the local store whenever
	// a sync advances its head generation
	AutoClean bool
	// SpoolFolder holds segments received by an attempt
	// that has not finished yet
	SpoolFolder             string
	SSLKeyFile              string
	SSLChainFile            string
	SSLServerSubjectPattern string

	// ID overrides the client identity. If empty the
	// STANDBY_ID environment variable or a new UUID is used.
	ID string
	// Workers bounds the concurrent transfers of every session
	Workers int
	// DrainTimeout bounds how long Close waits for
	// an in-flight attempt to finish
	DrainTimeout        time.Duration
	ShutdownGracePeriod time.Duration
	ShutdownTimeout     time.Duration

	Logger     *zap.Logger
	Identities identity.Registry
	Management management.Registry
	// NewSession builds sessions. Defaults to NewSession.
	NewSession SessionFactory
	// Dialer replaces the network dialer of the default session
	Dialer func(ctx context.Context, address string) (net.Conn, error)
	// Now defaults to time.Now
	Now func() time.Time
}

// Validate checks that config describes a usable client
func (config Config) Validate() error {
	if config.Store == nil {
		return ErrNoStore
	}

	if config.Host == "" {
		return ErrNoHost
	}

	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrBadPort, config.Port)
	}

	if config.ReadTimeout < 0 {
		return fmt.Errorf("read timeout must not be negative: %s", config.ReadTimeout)
	}

	if config.NewSession == nil {
		if _, ok := config.Store.(SegmentStore); !ok {
			return ErrSegmentStore
		}
	}

	if !config.Secure {
		return nil
	}

	if (config.SSLKeyFile == "") != (config.SSLChainFile == "") {
		return fmt.Errorf("%w: key file and chain file must be set together", ErrBadTLS)
	}

	if config.SSLServerSubjectPattern != "" {
		if _, err := regexp.Compile(config.SSLServerSubjectPattern); err != nil {
			return fmt.Errorf("%w: server subject pattern: %s", ErrBadTLS, err.Error())
		}
	}

	return nil
}

func (config Config) withDefaults() Config {
	if config.Logger == nil {
		config.Logger = zap.L()
	}

	if config.ReadTimeout == 0 {
		config.ReadTimeout = DefaultReadTimeout
	}

	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultDrainTimeout
	}

	if config.ShutdownGracePeriod <= 0 {
		config.ShutdownGracePeriod = resources.DefaultGracePeriod
	}

	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = resources.DefaultShutdownTimeout
	}

	if config.Identities == nil {
		config.Identities = identity.Default
	}

	if config.Management == nil {
		config.Management = management.Default
	}

	if config.NewSession == nil {
		config.NewSession = NewSession
	}

	if config.Now == nil {
		config.Now = time.Now
	}

	return config
}
