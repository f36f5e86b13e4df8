package standby

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/emirpasic/gods/lists/arraylist"
	"github.com/emirpasic/gods/sets/hashset"
	"github.com/google/uuid"
	"github.com/jrife/standby/resources"
	"github.com/jrife/standby/storage/segment"
	"github.com/jrife/standby/transport"
	"github.com/jrife/standby/utils/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// SpoolFile is the name of the spool inside the spool folder
const SpoolFile = "spool.db"

// primaryClient is the part of transport.Client a session uses
type primaryClient interface {
	Head(ctx context.Context) (uuid.UUID, bool, error)
	Segment(ctx context.Context, id uuid.UUID) (segment.Segment, error)
	Close() error
}

var _ Session = (*session)(nil)

// session pulls the segments reachable from the primary's head
// that the local store is missing. Received segments are staged
// in a spool first so an attempt that fails part way through can
// be resumed by the next one. The local head only moves once every
// segment it reaches has been written.
type session struct {
	store    SegmentStore
	client   primaryClient
	spool    *segment.Store
	spoolDir string
	pool     *resources.Pool
	logger   *zap.Logger
	complete bool
}

// NewSession is the default SessionFactory. It connects to the
// primary over gRPC and syncs into config.Store, which must be
// a SegmentStore.
func NewSession(ctx context.Context, config SessionConfig) (Session, error) {
	store, ok := config.Store.(SegmentStore)

	if !ok {
		return nil, ErrSegmentStore
	}

	logger := config.Logger

	if logger == nil {
		logger = zap.L()
	}

	client, err := transport.Dial(transport.ClientConfig{
		Host:                    config.Host,
		Port:                    config.Port,
		ClientID:                config.ClientID,
		Secure:                  config.Secure,
		ReadTimeout:             config.ReadTimeout,
		SSLKeyFile:              config.SSLKeyFile,
		SSLChainFile:            config.SSLChainFile,
		SSLServerSubjectPattern: config.SSLServerSubjectPattern,
		Logger:                  logger,
		Dialer:                  config.Dialer,
	})

	if err != nil {
		return nil, err
	}

	return newSession(store, client, config.SpoolFolder, config.Pool, logger)
}

func newSession(store SegmentStore, client primaryClient, spoolFolder string, pool *resources.Pool, logger *zap.Logger) (*session, error) {
	s := &session{
		store:  store,
		client: client,
		pool:   pool,
		logger: logger.With(zap.String("component", "session")),
	}

	if spoolFolder == "" {
		dir, err := os.MkdirTemp("", "standby-spool-")

		if err != nil {
			client.Close()

			return nil, fmt.Errorf("could not create spool folder: %w", err)
		}

		spoolFolder = dir
		s.spoolDir = dir
	}

	spool, err := segment.Open(segment.Options{Path: filepath.Join(spoolFolder, SpoolFile), Logger: logger})

	if err != nil {
		client.Close()

		if s.spoolDir != "" {
			os.RemoveAll(s.spoolDir)
		}

		return nil, fmt.Errorf("could not open spool: %w", err)
	}

	s.spool = spool

	return s, nil
}

// Execute implements Session.Execute
func (s *session) Execute(ctx context.Context) error {
	logger := log.WithContext(ctx, s.logger).With(zap.String("operation", "Execute"))
	remoteHead, ok, err := s.client.Head(ctx)

	if err != nil {
		return fmt.Errorf("could not read head of primary: %w", err)
	}

	if !ok {
		logger.Debug("primary has no head yet")
		s.complete = true

		return nil
	}

	localHead, ok, err := s.store.Head()

	if err != nil {
		return fmt.Errorf("could not read local head: %w", err)
	}

	if ok && localHead == remoteHead {
		logger.Debug("already up to date", zap.Stringer("head", remoteHead))
		s.complete = true

		return nil
	}

	order, err := s.transfer(ctx, remoteHead)

	if err != nil {
		return err
	}

	for i := order.Size() - 1; i >= 0; i-- {
		value, _ := order.Get(i)
		id := value.(uuid.UUID)
		staged, err := s.spool.ReadSegment(id)

		if err != nil {
			return fmt.Errorf("could not read spooled segment: %w", err)
		}

		if err := s.store.WriteSegment(staged); err != nil {
			return fmt.Errorf("could not write segment %s: %w", id, err)
		}
	}

	if err := s.store.SetHead(remoteHead); err != nil {
		return fmt.Errorf("could not set head: %w", err)
	}

	s.complete = true
	logger.Info("synced", zap.Stringer("head", remoteHead), zap.Int("segments", order.Size()))

	return nil
}

// transfer walks the primary's segment graph breadth first from head
// and spools every segment the local store does not have yet. It
// returns the spooled segment ids in the order they were visited.
func (s *session) transfer(ctx context.Context, head uuid.UUID) (*arraylist.List, error) {
	order := arraylist.New()
	visited := hashset.New(head)
	level := []uuid.UUID{}

	has, err := s.store.ContainsSegment(head)

	if err != nil {
		return nil, err
	}

	if !has {
		level = append(level, head)
	}

	for depth := 0; len(level) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("sync interrupted at depth %d: %w", depth, err)
		}

		segments, err := s.fetch(ctx, level)

		if err != nil {
			return nil, err
		}

		s.logger.Debug("fetched level", zap.Int("depth", depth), zap.Int("segments", len(segments)))

		next := []uuid.UUID{}

		for _, fetched := range segments {
			order.Add(fetched.ID)

			for _, reference := range fetched.References {
				if visited.Contains(reference) {
					continue
				}

				visited.Add(reference)
				has, err := s.store.ContainsSegment(reference)

				if err != nil {
					return nil, err
				}

				if !has {
					next = append(next, reference)
				}
			}
		}

		level = next
	}

	return order, nil
}

// fetch reads ids from the spool or, failing that, from the
// primary. Reads from the primary run concurrently on the pool.
func (s *session) fetch(ctx context.Context, ids []uuid.UUID) ([]segment.Segment, error) {
	segments := make([]segment.Segment, len(ids))
	group, _ := s.pool.Group(ctx)

	for i, id := range ids {
		i, id := i, id

		group.Go(func(ctx context.Context) error {
			spooled, err := s.spool.ContainsSegment(id)

			if err != nil {
				return err
			}

			if spooled {
				segments[i], err = s.spool.ReadSegment(id)

				return err
			}

			fetched, err := s.client.Segment(ctx, id)

			if err != nil {
				return fmt.Errorf("could not fetch segment %s: %w", id, err)
			}

			if err := s.spool.WriteSegment(fetched); err != nil {
				return fmt.Errorf("could not spool segment %s: %w", id, err)
			}

			segments[i] = fetched

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	return segments, nil
}

// Close implements Session.Close. The spool is kept
// unless the attempt completed.
func (s *session) Close() error {
	err := s.client.Close()

	if s.complete || s.spoolDir != "" {
		err = multierr.Append(err, s.spool.Delete())
	} else {
		err = multierr.Append(err, s.spool.Close())
	}

	if s.spoolDir != "" {
		err = multierr.Append(err, os.RemoveAll(s.spoolDir))
	}

	return err
}
