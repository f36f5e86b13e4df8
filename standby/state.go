package standby

import (
	"context"
	"sync"
	"sync/atomic"
)

// RunState is the administrative state of a ClientSync.
// StatusRunning means enabled, not that a sync is in flight.
type RunState int32

const (
	StatusInitializing RunState = iota
	StatusStarting
	StatusRunning
	StatusStopped
	StatusClosing
	StatusClosed
)

func (state RunState) String() string {
	switch state {
	case StatusInitializing:
		return "initializing"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type runState struct {
	value atomic.Int32
}

func (state *runState) load() RunState {
	return RunState(state.value.Load())
}

// set moves to next unless a close has begun. Only
// StatusClosing and StatusClosed may follow StatusClosing.
func (state *runState) set(next RunState) bool {
	for {
		current := state.value.Load()

		if (RunState(current) == StatusClosing || RunState(current) == StatusClosed) && next != StatusClosing && next != StatusClosed {
			return false
		}

		if state.value.CompareAndSwap(current, int32(next)) {
			return true
		}
	}
}

// runningFlag is the enabled switch toggled by Start and Stop.
// Each time it is set a new context is created which is
// cancelled when the flag is cleared.
type runningFlag struct {
	value  atomic.Bool
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func newRunningFlag(running bool) *runningFlag {
	flag := &runningFlag{}

	if running {
		flag.set()
	} else {
		flag.ctx, flag.cancel = context.WithCancel(context.Background())
		flag.cancel()
	}

	return flag
}

func (flag *runningFlag) get() bool {
	return flag.value.Load()
}

func (flag *runningFlag) set() {
	flag.mu.Lock()
	defer flag.mu.Unlock()

	if flag.value.Load() {
		return
	}

	flag.ctx, flag.cancel = context.WithCancel(context.Background())
	flag.value.Store(true)
}

func (flag *runningFlag) clear() {
	flag.mu.Lock()
	defer flag.mu.Unlock()

	if !flag.value.Load() {
		return
	}

	flag.value.Store(false)
	flag.cancel()
}

// context returns a context that is done once the flag is cleared
func (flag *runningFlag) context() context.Context {
	flag.mu.Lock()
	defer flag.mu.Unlock()

	return flag.ctx
}
