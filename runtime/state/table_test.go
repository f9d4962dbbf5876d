package state

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestApplyStartThenStop(t *testing.T) {
	table := NewTable()
	t1 := base
	t2 := base.Add(3 * time.Second)

	table.ApplyStart(100, "App.exe", t1)
	require.True(t, table.ApplyStop(100, t2))

	record, ok := table.Lookup(100)
	require.True(t, ok)
	require.Equal(t, Record{Name: "App.exe", Start: t1, Stop: t2}, record)
}

func TestApplyStopWithoutStartIsNoop(t *testing.T) {
	table := NewTable()
	table.ApplyStart(1, "Other.exe", base)

	require.False(t, table.ApplyStop(200, base))

	_, ok := table.Lookup(200)
	require.False(t, ok)
	require.Equal(t, 1, table.Len())
}

func TestApplyStartReplacesReusedPID(t *testing.T) {
	table := NewTable()
	t1 := base
	t2 := base.Add(time.Minute)

	table.ApplyStart(300, "A.exe", t1)
	table.ApplyStop(300, t1.Add(time.Second))
	table.ApplyStart(300, "B.exe", t2)

	record, ok := table.Lookup(300)
	require.True(t, ok)
	require.Equal(t, "B.exe", record.Name)
	require.Equal(t, t2, record.Start)
	_, stopped := record.StopTime()
	require.False(t, stopped)
	require.True(t, record.Running())
}

func TestRecordAccessorsReadOwnFields(t *testing.T) {
	start := base
	stop := base.Add(90 * time.Second)
	record := Record{Name: "App.exe", Start: start, Stop: stop}

	gotStart, ok := record.StartTime()
	require.True(t, ok)
	require.Equal(t, start, gotStart)

	gotStop, ok := record.StopTime()
	require.True(t, ok)
	require.Equal(t, stop, gotStop)
	require.NotEqual(t, gotStart, gotStop)
	require.False(t, record.Running())

	var empty Record
	_, ok = empty.StartTime()
	require.False(t, ok)
	_, ok = empty.StopTime()
	require.False(t, ok)
	require.False(t, empty.Running())
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	table := NewTable()
	table.ApplyStart(7, "App.exe", base)

	snapshot := table.Snapshot()
	snapshot[7] = Record{Name: "mutated"}
	delete(snapshot, 7)
	table.ApplyStop(7, base.Add(time.Second))

	record, ok := table.Lookup(7)
	require.True(t, ok)
	require.Equal(t, "App.exe", record.Name)
	require.Len(t, snapshot, 0)
}

func TestEntriesSortedByPID(t *testing.T) {
	table := NewTable()
	for _, pid := range []uint32{42, 7, 1000, 3} {
		table.ApplyStart(pid, "p", base)
	}

	entries := table.Entries()
	pids := make([]uint32, 0, len(entries))
	for _, entry := range entries {
		pids = append(pids, entry.PID)
	}
	require.Equal(t, []uint32{3, 7, 42, 1000}, pids)
}

func TestZeroValueTableAcceptsStart(t *testing.T) {
	var table Table
	require.False(t, table.ApplyStop(1, base))
	table.ApplyStart(1, "App.exe", base)
	require.Equal(t, 1, table.Len())
}

func TestSnapshotNeverObservesTornRecords(t *testing.T) {
	table := NewTable()
	const (
		writers    = 8
		iterations = 500
	)

	// Each generation g of a pid carries name gen-g, start base+g seconds and,
	// once stopped, stop base+g seconds+1ms. Any mix of fields from different
	// generations is a torn read.
	check := func(pid uint32, record Record) {
		var gen int
		_, err := fmt.Sscanf(record.Name, "gen-%d", &gen)
		assert.NoError(t, err, "pid %d", pid)
		assert.Equal(t, base.Add(time.Duration(gen)*time.Second), record.Start, "pid %d", pid)
		if stop, ok := record.StopTime(); ok {
			assert.Equal(t, record.Start.Add(time.Millisecond), stop, "pid %d", pid)
		}
	}

	var wg sync.WaitGroup
	done := make(chan struct{})
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(pid uint32) {
			defer wg.Done()
			for g := 0; g < iterations; g++ {
				start := base.Add(time.Duration(g) * time.Second)
				table.ApplyStart(pid, fmt.Sprintf("gen-%d", g), start)
				table.ApplyStop(pid, start.Add(time.Millisecond))
			}
		}(uint32(w))
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-done:
				return
			default:
			}
			for pid, record := range table.Snapshot() {
				check(pid, record)
			}
		}
	}()

	wg.Wait()
	close(done)
	<-readerDone

	for pid, record := range table.Snapshot() {
		check(pid, record)
	}
}
