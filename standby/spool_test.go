package standby

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jrife/standby/resources"
	"github.com/jrife/standby/storage/segment"
	"go.uber.org/zap"
)

var errUnreachable = errors.New("primary unreachable")

type fakePrimary struct {
	mu       sync.Mutex
	head     uuid.UUID
	segments map[uuid.UUID]segment.Segment
	fail     map[uuid.UUID]bool
	fetched  []uuid.UUID
	closed   bool
}

func newFakePrimary(head segment.Segment, segments ...segment.Segment) *fakePrimary {
	primary := &fakePrimary{head: head.ID, segments: map[uuid.UUID]segment.Segment{}, fail: map[uuid.UUID]bool{}}

	for _, s := range append(segments, head) {
		primary.segments[s.ID] = s
	}

	return primary
}

func (primary *fakePrimary) Head(ctx context.Context) (uuid.UUID, bool, error) {
	return primary.head, true, nil
}

func (primary *fakePrimary) Segment(ctx context.Context, id uuid.UUID) (segment.Segment, error) {
	primary.mu.Lock()
	defer primary.mu.Unlock()

	if primary.fail[id] {
		return segment.Segment{}, errUnreachable
	}

	primary.fetched = append(primary.fetched, id)

	return primary.segments[id], nil
}

func (primary *fakePrimary) Close() error {
	primary.closed = true

	return nil
}

func (primary *fakePrimary) fetchCount() int {
	primary.mu.Lock()
	defer primary.mu.Unlock()

	return len(primary.fetched)
}

func TestSpoolResumesFailedAttempt(t *testing.T) {
	local, err := segment.Open(segment.Options{Path: filepath.Join(t.TempDir(), "standby.db"), Logger: zap.NewNop()})

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	defer local.Close()

	pool := resources.New(resources.Options{Workers: 2, Logger: zap.NewNop()})
	defer pool.Shutdown(resources.DefaultGracePeriod, resources.DefaultShutdownTimeout)

	leaf := segment.New(1, []byte("leaf"))
	middle := segment.New(1, []byte("middle"), leaf.ID)
	root := segment.New(1, []byte("root"), middle.ID)
	spoolFolder := t.TempDir()

	primary := newFakePrimary(root, middle, leaf)
	primary.fail[leaf.ID] = true
	s, err := newSession(local, primary, spoolFolder, pool, zap.NewNop())

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := s.Execute(context.Background()); !errors.Is(err, errUnreachable) {
		t.Fatalf("expected errUnreachable, got %#v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if _, ok, _ := local.Head(); ok {
		t.Fatalf("expected the local head not to move")
	}

	if !primary.closed {
		t.Fatalf("expected the client to be closed")
	}

	primary = newFakePrimary(root, middle, leaf)
	s, err = newSession(local, primary, spoolFolder, pool, zap.NewNop())

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := s.Execute(context.Background()); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if n := primary.fetchCount(); n != 1 {
		t.Fatalf("expected only the missing segment to be fetched, got %d", n)
	}

	head, ok, err := local.Head()

	if err != nil || !ok || head != root.ID {
		t.Fatalf("expected head %s, got %s %v %#v", root.ID, head, ok, err)
	}

	for _, id := range []uuid.UUID{leaf.ID, middle.ID, root.ID} {
		if ok, err := local.ContainsSegment(id); err != nil || !ok {
			t.Fatalf("expected segment %s, got %v %#v", id, ok, err)
		}
	}
}

func TestSessionSkipsLocalSegments(t *testing.T) {
	local, err := segment.Open(segment.Options{Path: filepath.Join(t.TempDir(), "standby.db"), Logger: zap.NewNop()})

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	defer local.Close()

	pool := resources.New(resources.Options{Workers: 2, Logger: zap.NewNop()})
	defer pool.Shutdown(resources.DefaultGracePeriod, resources.DefaultShutdownTimeout)

	shared := segment.New(1, []byte("shared"))
	oldRoot := segment.New(1, []byte("old"), shared.ID)
	newRoot := segment.New(2, []byte("new"), shared.ID)

	for _, s := range []segment.Segment{shared, oldRoot} {
		if err := local.WriteSegment(s); err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}
	}

	if err := local.SetHead(oldRoot.ID); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	primary := newFakePrimary(newRoot, shared)
	s, err := newSession(local, primary, "", pool, zap.NewNop())

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	defer s.Close()

	if err := s.Execute(context.Background()); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if n := primary.fetchCount(); n != 1 {
		t.Fatalf("expected 1 fetch, got %d", n)
	}

	if generation, err := local.HeadGeneration(); err != nil || generation != 2 {
		t.Fatalf("expected generation 2, got %d %#v", generation, err)
	}
}

func TestSessionStopsWhenCancelled(t *testing.T) {
	local, err := segment.Open(segment.Options{Path: filepath.Join(t.TempDir(), "standby.db"), Logger: zap.NewNop()})

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	defer local.Close()

	pool := resources.New(resources.Options{Workers: 2, Logger: zap.NewNop()})
	defer pool.Shutdown(resources.DefaultGracePeriod, resources.DefaultShutdownTimeout)

	root := segment.New(1, []byte("root"))
	primary := newFakePrimary(root)
	s, err := newSession(local, primary, "", pool, zap.NewNop())

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Execute(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %#v", err)
	}

	if n := primary.fetchCount(); n != 0 {
		t.Fatalf("expected no fetches, got %d", n)
	}
}
