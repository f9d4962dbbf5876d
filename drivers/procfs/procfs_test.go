package procfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	promfs "github.com/prometheus/procfs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/procwatch/config"
	"github.com/timzifer/procwatch/runtime/events"
)

var boot = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeProcs struct {
	mu    sync.Mutex
	procs []processInfo
	err   error
}

func (f *fakeProcs) set(procs ...processInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs = procs
}

func (f *fakeProcs) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeProcs) list() ([]processInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]processInfo(nil), f.procs...), nil
}

func proc(pid uint32, comm string, startOffset int) processInfo {
	return processInfo{PID: pid, Comm: comm, Start: boot.Add(time.Duration(startOffset) * time.Second)}
}

func newPoller(f *fakeProcs, kind events.Kind, includeExisting bool, now time.Time) *poller {
	return &poller{
		filter:          events.Filter{ProcessName: "app", Kind: kind},
		includeExisting: includeExisting,
		list:            f.list,
		clock:           func() time.Time { return now },
		logger:          zerolog.Nop(),
	}
}

func pids(evs []events.Event) []uint32 {
	out := make([]uint32, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.ProcessID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestPollerStartEvents(t *testing.T) {
	f := &fakeProcs{}
	f.set(proc(10, "app", 1), proc(11, "other", 1))
	p := newPoller(f, events.KindStart, false, boot)

	initial, err := p.baseline()
	require.NoError(t, err)
	require.Empty(t, initial)

	f.set(proc(10, "app", 1), proc(12, "APP", 5), proc(13, "other", 6))
	found, err := p.poll()
	require.NoError(t, err)
	require.Equal(t, []uint32{12}, pids(found))
	ts, ok := found[0].Time()
	require.True(t, ok)
	require.True(t, ts.Equal(boot.Add(5*time.Second)))
	require.Equal(t, "APP", found[0].ProcessName)

	found, err = p.poll()
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestPollerIncludeExisting(t *testing.T) {
	f := &fakeProcs{}
	f.set(proc(10, "app", 1), proc(11, "app", 2))

	initial, err := newPoller(f, events.KindStart, true, boot).baseline()
	require.NoError(t, err)
	require.Equal(t, []uint32{10, 11}, pids(initial))

	initial, err = newPoller(f, events.KindStop, true, boot).baseline()
	require.NoError(t, err)
	require.Empty(t, initial)
}

func TestPollerStopEventsUseDetectionTime(t *testing.T) {
	now := boot.Add(time.Minute)
	f := &fakeProcs{}
	f.set(proc(10, "app", 1), proc(11, "app", 2))
	p := newPoller(f, events.KindStop, false, now)
	_, err := p.baseline()
	require.NoError(t, err)

	f.set(proc(11, "app", 2))
	found, err := p.poll()
	require.NoError(t, err)
	require.Equal(t, []uint32{10}, pids(found))
	ts, _ := found[0].Time()
	require.True(t, ts.Equal(now))
}

func TestPollerPidReuse(t *testing.T) {
	f := &fakeProcs{}
	f.set(proc(10, "app", 1))
	start := newPoller(f, events.KindStart, false, boot)
	stop := newPoller(f, events.KindStop, false, boot)
	_, err := start.baseline()
	require.NoError(t, err)
	_, err = stop.baseline()
	require.NoError(t, err)

	f.set(proc(10, "app", 30))
	started, err := start.poll()
	require.NoError(t, err)
	stopped, err := stop.poll()
	require.NoError(t, err)
	require.Equal(t, []uint32{10}, pids(started))
	require.Equal(t, []uint32{10}, pids(stopped))
}

func TestProcessInfoMatchesExecutable(t *testing.T) {
	filter := events.Filter{ProcessName: "Server.bin"}
	require.True(t, processInfo{Comm: "server.bin"}.matches(filter))
	require.True(t, processInfo{Comm: "srv-worker", Exe: "server.bin"}.matches(filter))
	require.False(t, processInfo{Comm: "srv-worker", Exe: "other"}.matches(filter))
}

func TestSubscribeDeliversEvents(t *testing.T) {
	f := &fakeProcs{}
	f.set(proc(10, "app", 1))
	src := &Source{list: f.list, includeExisting: true, clock: time.Now, logger: zerolog.Nop()}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := src.Subscribe(ctx, events.Filter{ProcessName: "app", Kind: events.KindStart, PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	defer sub.Close()

	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(10), ev.ProcessID)

	f.set(proc(10, "app", 1), proc(20, "app", 9))
	ev, err = sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(20), ev.ProcessID)

	boom := errors.New("proc unreadable")
	f.fail(boom)
	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, boom)
}

func TestSubscribeFailsWhenBaselineFails(t *testing.T) {
	f := &fakeProcs{}
	f.fail(errors.New("permission denied"))
	src := &Source{list: f.list, clock: time.Now, logger: zerolog.Nop()}
	_, err := src.Subscribe(context.Background(), events.Filter{ProcessName: "app", Kind: events.KindStart})
	require.Error(t, err)
}

func TestSubscribeCloseStopsPolling(t *testing.T) {
	f := &fakeProcs{}
	src := &Source{list: f.list, clock: time.Now, logger: zerolog.Nop()}
	sub, err := src.Subscribe(context.Background(), events.Filter{ProcessName: "app", Kind: events.KindStop, PollInterval: time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
}

func writeProc(t *testing.T, root string, pid int, comm, exe string, startTicks int) {
	t.Helper()
	dir := filepath.Join(root, fmt.Sprint(pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644))
	stat := fmt.Sprintf("%d (%s) S 1 %d %d 0 -1 4194304 79 0 0 0 0 0 0 0 20 0 1 0 %d 2703360 286 18446744073709551615 1 1 1 0 0 0 0 0 0 0 0 0 17 0 0 0 0 0 0 1 1 1 1 1 1 1 0\n",
		pid, comm, pid, pid, startTicks)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644))
	if exe != "" {
		require.NoError(t, os.Symlink(exe, filepath.Join(dir, "exe")))
	}
}

func TestListProcessesReadsProcTree(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "stat"), []byte("btime 1709294400\n"), 0o644))
	writeProc(t, root, 42, "app", "/opt/app/App.bin", 1234)
	writeProc(t, root, 43, "sh", "", 50)

	fs, err := promfs.NewFS(root)
	require.NoError(t, err)
	procs, err := listProcesses(fs)()
	require.NoError(t, err)
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	require.Len(t, procs, 2)

	require.Equal(t, uint32(42), procs[0].PID)
	require.Equal(t, "app", procs[0].Comm)
	require.Equal(t, "App.bin", procs[0].Exe)
	require.True(t, procs[0].Start.Equal(time.Unix(1709294412, 340_000_000)))
	require.Equal(t, "sh", procs[1].Comm)
	require.Empty(t, procs[1].Exe)
}

func TestNewRejectsMissingRoot(t *testing.T) {
	_, err := New(config.SourceConfig{ProcRoot: filepath.Join(t.TempDir(), "missing")}, zerolog.Nop())
	require.Error(t, err)
}

func TestFactoryBuildsSource(t *testing.T) {
	root := t.TempDir()
	src, err := NewSourceFactory()(config.SourceConfig{ProcRoot: root, IncludeExisting: true}, zerolog.Nop())
	require.NoError(t, err)
	require.True(t, src.(*Source).includeExisting)
}
