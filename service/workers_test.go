package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRunAllReturnsFirstError(t *testing.T) {
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	aReported := make(chan struct{})

	var order []string
	var firsts []bool
	err := runAll(context.Background(), []string{"a", "b", "c"}, func(ctx context.Context, item string) error {
		switch item {
		case "a":
			return errA
		case "b":
			<-aReported
			return errB
		}
		return nil
	}, func(item string, err error, first bool) {
		if err != nil {
			order = append(order, item)
			firsts = append(firsts, first)
		}
		if item == "a" {
			close(aReported)
		}
	})

	require.ErrorIs(t, err, errA)
	require.Equal(t, []string{"a", "b"}, order)
	require.Equal(t, []bool{true, false}, firsts)
}

func TestRunAllObservesFailuresWhileOthersRun(t *testing.T) {
	release := make(chan struct{})
	failed := make(chan string, 1)

	done := make(chan error, 1)
	go func() {
		done <- runAll(context.Background(), []int{0, 1}, func(ctx context.Context, item int) error {
			if item == 0 {
				<-release
				return nil
			}
			return errors.New("late worker failed")
		}, func(item int, err error, first bool) {
			if err != nil {
				failed <- fmt.Sprintf("%d:%t", item, first)
			}
		})
	}()

	select {
	case got := <-failed:
		require.Equal(t, "1:true", got)
	case <-time.After(time.Second):
		t.Fatal("failure was not observed while the other worker was running")
	}
	close(release)
	require.Error(t, <-done)
}

func TestRunAllKeepsSiblingsRunningAfterFailure(t *testing.T) {
	failure := errors.New("stream failed")
	failedSeen := make(chan struct{})
	reported := make(map[int]error)

	err := runAll(context.Background(), []int{0, 1, 2}, func(ctx context.Context, item int) error {
		if item == 0 {
			return failure
		}
		<-failedSeen
		return ctx.Err()
	}, func(item int, err error, first bool) {
		reported[item] = err
		if item == 0 {
			close(failedSeen)
		}
	})

	require.ErrorIs(t, err, failure)
	require.Len(t, reported, 3)
	require.ErrorIs(t, reported[0], failure)
	require.NoError(t, reported[1])
	require.NoError(t, reported[2])
}

func TestRunAllEmpty(t *testing.T) {
	require.NoError(t, runAll(context.Background(), nil, func(context.Context, int) error { return nil }, nil))
}

func TestWorkerCounts(t *testing.T) {
	counts := workerCounts{total: 3}
	counts.start()
	counts.start()
	counts.start()
	counts.done(nil)
	counts.done(errors.New("x"))
	require.Equal(t, WorkerStatus{Total: 3, Running: 1, Finished: 1, Failed: 1}, counts.snapshot())
}

func TestConsoleLinesDoNotInterleave(t *testing.T) {
	out := &recordingWriter{}
	c := newConsole(out, zerolog.Nop())

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Linef("Process started: worker-%d (PID: %d)", w, i)
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, out.writes, 800)
	for _, write := range out.writes {
		require.True(t, strings.HasPrefix(write, "Process started: worker-"), write)
		require.Equal(t, 1, strings.Count(write, "\n"), write)
	}
}

func TestConsoleBlockIsSingleWrite(t *testing.T) {
	out := &recordingWriter{}
	c := newConsole(out, zerolog.Nop())
	c.Block([]byte("Current process info:\nPID: 1, Name: a, Start Time: N/A, Stop Time: N/A\n"))
	require.Len(t, out.writes, 1)
}

func TestConsoleNilWriter(t *testing.T) {
	c := newConsole(nil, zerolog.Nop())
	c.Linef("discarded %d", 1)
}

func TestConsoleLogsFirstWriteFailureOnce(t *testing.T) {
	var logs bytes.Buffer
	c := newConsole(failingWriter{err: errors.New("broken pipe")}, zerolog.New(&logs).Level(zerolog.DebugLevel))

	c.Linef("Process started: %s (PID: %d)", "App.exe", 1)
	c.Linef("Process stopped: %s (PID: %d)", "App.exe", 1)
	c.Block([]byte("Current process info:\n"))

	require.Equal(t, 1, strings.Count(logs.String(), "console write failed"))
	require.Contains(t, logs.String(), "broken pipe")
}

type failingWriter struct {
	err error
}

func (w failingWriter) Write([]byte) (int, error) {
	return 0, w.err
}

// recordingWriter keeps every Write call separately. It is not safe for
// concurrent use, so concurrent callers rely on the console lock.
type recordingWriter struct {
	writes []string
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.writes = append(w.writes, string(p))
	return len(p), nil
}
