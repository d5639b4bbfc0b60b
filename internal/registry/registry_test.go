package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/banco/internal/node"
	"github.com/loykin/banco/internal/process"
)

type fakeHandle struct {
	pid        int
	done       chan struct{}
	once       sync.Once
	onExit     func(process.Exit)
	terminated atomic.Int32
}

func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) Terminate(time.Duration) {
	h.terminated.Add(1)
	h.exit(-1)
}

// exit reports like a supervisor watcher: from its own goroutine.
func (h *fakeHandle) exit(code int) {
	h.once.Do(func() {
		ch := make(chan struct{})
		go func() {
			h.onExit(process.Exit{Code: code, StoppedAt: time.Now()})
			close(h.done)
			close(ch)
		}()
		<-ch
	})
}

type fakeSpawner struct {
	mu      sync.Mutex
	pid     int
	fail    error
	spawns  int
	handles map[string][]*fakeHandle
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{pid: 1000, handles: make(map[string][]*fakeHandle)}
}

func (s *fakeSpawner) Spawn(n node.Node, onExit func(process.Exit)) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawns++
	if s.fail != nil {
		return nil, s.fail
	}
	s.pid++
	h := &fakeHandle{pid: s.pid, done: make(chan struct{}), onExit: onExit}
	s.handles[n.Name] = append(s.handles[n.Name], h)
	return h, nil
}

func (s *fakeSpawner) last(name string) *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs := s.handles[name]
	return hs[len(hs)-1]
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

func mk(name string) node.Node { return node.Node{Name: name, ExecutablePath: "/bin/" + name} }

func TestRegisterAndSpawn_Initialising(t *testing.T) {
	sp := newFakeSpawner()
	r := New(sp)

	in := mk("a")
	in.Status = node.Stopped(true) // ignored on input
	require.NoError(t, r.RegisterAndSpawn(in))

	nodes := r.List()
	require.Contains(t, nodes, "a")
	assert.Equal(t, node.Initialising(), nodes["a"].Status)
	assert.Equal(t, "/bin/a", nodes["a"].ExecutablePath)

	info, ok := r.Describe("a")
	require.True(t, ok)
	assert.Equal(t, 1001, info.PID)
	assert.NotEmpty(t, info.EntryID)
	assert.False(t, info.Reaped)
}

func TestRegisterAndSpawn_Duplicate(t *testing.T) {
	sp := newFakeSpawner()
	r := New(sp)
	require.NoError(t, r.RegisterAndSpawn(mk("a")))
	err := r.RegisterAndSpawn(mk("a"))
	assert.ErrorIs(t, err, node.ErrNodeAlreadyExists)
	assert.Equal(t, 1, sp.count(), "a duplicate must not spawn")

	// also when the existing entry is stopped
	sp.last("a").exit(0)
	assert.ErrorIs(t, r.RegisterAndSpawn(mk("a")), node.ErrNodeAlreadyExists)
}

func TestRegisterAndSpawn_FailureLeavesNoEntry(t *testing.T) {
	sp := newFakeSpawner()
	sp.fail = node.SpawnFailed(errors.New("fork/exec /nonexistent: no such file or directory"))
	r := New(sp)

	err := r.RegisterAndSpawn(mk("b"))
	require.ErrorIs(t, err, node.ErrFailedToSpawn)
	assert.Contains(t, err.Error(), "no such file")
	assert.Empty(t, r.List())

	sp.fail = nil
	assert.NoError(t, r.RegisterAndSpawn(mk("b")))
}

func TestRegisterAndSpawn_Invalid(t *testing.T) {
	sp := newFakeSpawner()
	r := New(sp)
	assert.ErrorIs(t, r.RegisterAndSpawn(node.Node{ExecutablePath: "/bin/x"}), node.ErrInvalidNode)
	assert.Zero(t, sp.count())
}

func TestRegisterAndSpawn_ConcurrentSameName(t *testing.T) {
	sp := newFakeSpawner()
	r := New(sp)

	const n = 32
	var (
		wg       sync.WaitGroup
		ok       atomic.Int32
		exists   atomic.Int32
		start    = make(chan struct{})
		otherErr = make(chan error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := r.RegisterAndSpawn(mk("race"))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, node.ErrNodeAlreadyExists):
				exists.Add(1)
			default:
				otherErr <- err
			}
		}()
	}
	close(start)
	wg.Wait()
	close(otherErr)
	for err := range otherErr {
		t.Errorf("unexpected error: %v", err)
	}
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(n-1), exists.Load())
	assert.Equal(t, 1, sp.count())
}

func TestExit_Transitions(t *testing.T) {
	sp := newFakeSpawner()
	r := New(sp)
	require.NoError(t, r.RegisterAndSpawn(mk("clean")))
	require.NoError(t, r.RegisterAndSpawn(mk("crash")))

	sp.last("clean").exit(0)
	sp.last("crash").exit(2)

	nodes := r.List()
	assert.Equal(t, node.Stopped(false), nodes["clean"].Status)
	assert.Equal(t, node.Stopped(true), nodes["crash"].Status)

	info, _ := r.Describe("crash")
	assert.True(t, info.Reaped)
}

func TestMarkRunningAndStopped(t *testing.T) {
	sp := newFakeSpawner()
	r := New(sp)
	require.NoError(t, r.RegisterAndSpawn(mk("a")))

	assert.True(t, r.MarkRunning("a"))
	assert.False(t, r.MarkRunning("a"), "already running")
	assert.True(t, r.MarkStopped("a", true))
	assert.False(t, r.MarkStopped("a", false), "stopped is terminal")
	assert.False(t, r.MarkRunning("a"), "stopped is terminal")

	n, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, node.Stopped(true), n.Status)

	assert.False(t, r.MarkStopped("ghost", true))
	assert.False(t, r.MarkRunning("ghost"))

	// the process exits later: status stays as first recorded, handle dropped
	sp.last("a").exit(0)
	n, _ = r.Get("a")
	assert.Equal(t, node.Stopped(true), n.Status)
	info, _ := r.Describe("a")
	assert.True(t, info.Reaped)
}

func TestRemove(t *testing.T) {
	sp := newFakeSpawner()
	r := New(sp, WithStopGrace(10*time.Millisecond))

	assert.ErrorIs(t, r.Remove("nope"), node.ErrNodeNotFound)

	require.NoError(t, r.RegisterAndSpawn(mk("a")))
	assert.ErrorIs(t, r.Remove("a"), node.ErrNodeActive)

	old := sp.last("a")
	old.exit(1)
	require.NoError(t, r.Remove("a"))
	assert.NotContains(t, r.List(), "a")
	assert.Zero(t, old.terminated.Load(), "reaped process must not be signalled")

	require.NoError(t, r.RegisterAndSpawn(mk("a")))
	assert.Equal(t, node.Initialising(), r.List()["a"].Status)
}

func TestRemove_StaleProcessIsTerminatedAndLateExitIgnored(t *testing.T) {
	sp := newFakeSpawner()
	r := New(sp, WithStopGrace(10*time.Millisecond))
	require.NoError(t, r.RegisterAndSpawn(mk("c")))
	old := sp.last("c")

	// declared stale while the process keeps running
	require.True(t, r.MarkStopped("c", true))
	require.NoError(t, r.Remove("c"))

	require.Eventually(t, func() bool { return old.terminated.Load() == 1 }, time.Second, 5*time.Millisecond)

	// the name is reused; the old watcher's report (already sent by
	// Terminate above, or any later one) must not affect the new entry
	require.NoError(t, r.RegisterAndSpawn(mk("c")))
	old.onExit(process.Exit{Code: 9})
	assert.Equal(t, node.Initialising(), r.List()["c"].Status)
}

func TestList_IsSnapshot(t *testing.T) {
	sp := newFakeSpawner()
	r := New(sp)
	require.NoError(t, r.RegisterAndSpawn(mk("a")))
	snap := r.List()
	delete(snap, "a")
	snap["x"] = mk("x")
	r.MarkRunning("a")

	after := r.List()
	assert.Len(t, after, 1)
	assert.Equal(t, node.Running(), after["a"].Status)
}

func TestList_ConsistentDuringTransitions(t *testing.T) {
	sp := newFakeSpawner()
	r := New(sp)
	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, r.RegisterAndSpawn(mk(fmt.Sprintf("n%d", i))))
	}
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for name, nd := range r.List() {
				st := nd.Status
				if !st.IsStopped() && st.Crashed() {
					t.Errorf("%s: crashed flag on live status %s", name, st)
				}
				if nd.Name != name || nd.ExecutablePath != "/bin/"+name {
					t.Errorf("torn record %+v under key %s", nd, name)
				}
			}
		}
	}()
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("n%d", i)
		r.MarkRunning(name)
		sp.last(name).exit(i % 2)
	}
	close(stop)
	wg.Wait()
	for i := 0; i < n; i++ {
		st := r.List()[fmt.Sprintf("n%d", i)].Status
		assert.Equal(t, node.Stopped(i%2 == 1), st)
	}
}

func TestObserver_OrderedEvents(t *testing.T) {
	sp := newFakeSpawner()
	var (
		mu     sync.Mutex
		events []Event
	)
	r := New(sp, WithObserver(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))
	require.NoError(t, r.RegisterAndSpawn(mk("a")))
	r.MarkRunning("a")
	sp.last("a").exit(4)
	require.NoError(t, r.Remove("a"))

	sp.fail = node.SpawnFailed(errors.New("permission denied"))
	_ = r.RegisterAndSpawn(mk("b"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 5)
	assert.Equal(t, EventStarted, events[0].Type)
	assert.Equal(t, 1001, events[0].PID)
	assert.Equal(t, EventRunning, events[1].Type)
	assert.Equal(t, CauseHeartbeat, events[1].Cause)
	assert.Equal(t, EventStopped, events[2].Type)
	assert.Equal(t, CauseExit, events[2].Cause)
	assert.Equal(t, 4, events[2].ExitCode)
	assert.Equal(t, node.Running(), events[2].Previous)
	assert.True(t, events[2].Node.Status.Crashed())
	assert.Equal(t, EventRemoved, events[3].Type)
	assert.Equal(t, EventSpawnFailed, events[4].Type)
	assert.ErrorIs(t, events[4].Err, node.ErrFailedToSpawn)
}

func TestShutdown_TerminatesLiveProcesses(t *testing.T) {
	sp := newFakeSpawner()
	r := New(sp, WithStopGrace(10*time.Millisecond))
	require.NoError(t, r.RegisterAndSpawn(mk("a")))
	require.NoError(t, r.RegisterAndSpawn(mk("b")))
	sp.last("b").exit(0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	assert.Equal(t, int32(1), sp.last("a").terminated.Load())
	assert.Zero(t, sp.last("b").terminated.Load())
	assert.Equal(t, node.Stopped(true), r.List()["a"].Status)
}

func TestProcesses_OnlyUnreaped(t *testing.T) {
	sp := newFakeSpawner()
	r := New(sp)
	require.NoError(t, r.RegisterAndSpawn(mk("a")))
	require.NoError(t, r.RegisterAndSpawn(mk("b")))
	require.True(t, r.MarkStopped("b", true))
	sp.last("a").exit(0)

	procs := r.Processes()
	assert.Equal(t, map[string]int{"b": sp.last("b").pid}, procs, "stale b still owns a live process")
}

func TestMarkEntry_IgnoresReplacedEntry(t *testing.T) {
	r := New(newFakeSpawner())
	require.NoError(t, r.RegisterAndSpawn(mk("a")))
	old, ok := r.Describe("a")
	require.True(t, ok)

	require.True(t, r.MarkStopped("a", false))
	require.NoError(t, r.Remove("a"))
	require.NoError(t, r.RegisterAndSpawn(mk("a")))
	cur, ok := r.Describe("a")
	require.True(t, ok)
	require.NotEqual(t, old.EntryID, cur.EntryID)

	assert.False(t, r.MarkStoppedEntry("a", old.EntryID, true))
	assert.False(t, r.MarkRunningEntry("a", old.EntryID))
	n, _ := r.Get("a")
	assert.Equal(t, node.Initialising(), n.Status)

	assert.True(t, r.MarkRunningEntry("a", cur.EntryID))
	assert.True(t, r.MarkStoppedEntry("a", cur.EntryID, true))
	n, _ = r.Get("a")
	assert.Equal(t, node.Stopped(true), n.Status)
}
