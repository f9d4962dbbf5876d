package state

import (
	"sort"
	"sync"
	"time"
)

// Record captures the observed lifecycle of one process instance.
//
// A zero Start or Stop means the corresponding notification has not been
// observed for this instance.
type Record struct {
	Name  string
	Start time.Time
	Stop  time.Time
}

// StartTime returns the start timestamp and whether it has been observed.
func (r Record) StartTime() (time.Time, bool) {
	return r.Start, !r.Start.IsZero()
}

// StopTime returns the stop timestamp and whether it has been observed.
func (r Record) StopTime() (time.Time, bool) {
	return r.Stop, !r.Stop.IsZero()
}

// Running reports whether the instance has started and not yet stopped.
func (r Record) Running() bool {
	return !r.Start.IsZero() && r.Stop.IsZero()
}

// Entry pairs a record with its process identifier.
type Entry struct {
	PID uint32
	Record
}

// Table maps process identifiers to the latest observed process instance.
//
// Table is safe for concurrent use. Every operation holds a single exclusive
// lock for the duration of the map access only.
type Table struct {
	mu      sync.Mutex
	records map[uint32]Record
}

// NewTable returns an empty process table.
func NewTable() *Table {
	return &Table{records: make(map[uint32]Record)}
}

// ApplyStart records a new instance for pid. Any previous record for the same
// identifier belongs to an exited process whose pid was reused and is
// replaced wholesale.
func (t *Table) ApplyStart(pid uint32, name string, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.records == nil {
		t.records = make(map[uint32]Record)
	}
	t.records[pid] = Record{Name: name, Start: ts}
}

// ApplyStop sets the stop time of the instance tracked for pid. It reports
// false and leaves the table untouched when no instance is tracked.
func (t *Table) ApplyStop(pid uint32, ts time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.records[pid]
	if !ok {
		return false
	}
	record.Stop = ts
	t.records[pid] = record
	return true
}

// Lookup returns the record tracked for pid.
func (t *Table) Lookup(pid uint32) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.records[pid]
	return record, ok
}

// Len returns the number of tracked identifiers.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Snapshot returns an independent copy of all records taken at one instant.
func (t *Table) Snapshot() map[uint32]Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint32]Record, len(t.records))
	for pid, record := range t.records {
		out[pid] = record
	}
	return out
}

// Entries returns a snapshot ordered by ascending pid.
func (t *Table) Entries() []Entry {
	snapshot := t.Snapshot()
	entries := make([]Entry, 0, len(snapshot))
	for pid, record := range snapshot {
		entries = append(entries, Entry{PID: pid, Record: record})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].PID < entries[j].PID })
	return entries
}
