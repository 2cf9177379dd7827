// Package scheduler mediates the three long-running workers described in
// §4.4: the write-buffer drainer, the reorganization worker, and per-log
// buffer flushes. It grants each secondary log an exclusive token so a
// buffer flush never overlaps a segment copy on the same log
// (IDLE -> WRITING -> IDLE, IDLE -> REORG -> IDLE), and it turns the
// drainer's "low on free space" signal into a high-priority reorganization
// request that preempts any low-priority compaction running for a
// different range.
//
// Grounded on the teacher's db/background.go (single dispatcher loop
// feeding flush/compaction work to long-running workers) and
// write_controller.go (a shared rate/priority gate consulted by both the
// write path and the background workers), re-targeted from LSM
// flush-vs-compaction arbitration to secondary-log write-vs-reorg
// arbitration.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/hhu-bsinfo/dxlog/internal/catalog"
	"github.com/hhu-bsinfo/dxlog/internal/logging"
	"github.com/hhu-bsinfo/dxlog/internal/primarylog"
	"github.com/hhu-bsinfo/dxlog/internal/secondarylog"
)

// ErrRangeNotFound is returned for any operation addressing a range the
// scheduler has no secondary log registered for.
var ErrRangeNotFound = fmt.Errorf("scheduler: range not registered")

// ErrAlreadyRegistered is returned by Register when key is already known.
var ErrAlreadyRegistered = fmt.Errorf("scheduler: range already registered")

// state is a secondary log's position in §4.4's IDLE/WRITING/REORG
// state machine.
type state int

const (
	idle state = iota
	writing
	reorg
)

// logEntry is the scheduler's bookkeeping for one registered secondary
// log: its exclusive token (guarding the IDLE/WRITING/REORG transitions)
// and the log itself.
type logEntry struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state state
	log   *secondarylog.Log
}

func newLogEntry(l *secondarylog.Log) *logEntry {
	e := &logEntry{log: l}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Config parameterizes the scheduler's reorganization thresholds (§4.5,
// §9's named tunables utilization_activate_reorganization and
// utilization_prompt_reorganization).
type Config struct {
	// UtilizationActivateReorg is the secondary-log utilization fraction
	// above which a range enters the low-priority reorganization queue.
	UtilizationActivateReorg float64
	// UtilizationPromptReorg is the fraction above which the
	// reorganizer continues between segments without yielding.
	UtilizationPromptReorg float64
}

func (c Config) withDefaults() Config {
	if c.UtilizationActivateReorg <= 0 {
		c.UtilizationActivateReorg = 0.7
	}
	if c.UtilizationPromptReorg <= 0 {
		c.UtilizationPromptReorg = 0.9
	}
	return c
}

// Scheduler fronts the primary log and every registered range's secondary
// log, implementing writebuffer.Sink and mediating reorganization demand.
type Scheduler struct {
	cfg     Config
	primary *primarylog.Log
	log     logging.Logger

	mu      sync.RWMutex
	entries map[catalog.Key]*logEntry

	queue *requestQueue
}

// New creates a Scheduler fronting primary (shared across every range).
func New(primary *primarylog.Log, cfg Config, log logging.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		primary: primary,
		log:     logging.OrDiscard(log).Component(logging.ComponentScheduler),
		entries: make(map[catalog.Key]*logEntry),
		queue:   newRequestQueue(),
	}
}

// Register adds a newly created range's secondary log under key, making
// it eligible for writes and reorganization.
func (s *Scheduler) Register(key catalog.Key, l *secondarylog.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; exists {
		return ErrAlreadyRegistered
	}
	s.entries[key] = newLogEntry(l)
	return nil
}

// Unregister removes key after waiting for any in-flight write or reorg
// token on it to be released, matching §5's "removeBackupRange waits for
// any in-flight writes to that range to complete". Subsequent writes to
// key are rejected with ErrRangeNotFound.
func (s *Scheduler) Unregister(key catalog.Key) error {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return ErrRangeNotFound
	}
	delete(s.entries, key)
	s.mu.Unlock()

	e.mu.Lock()
	for e.state != idle {
		e.cond.Wait()
	}
	e.mu.Unlock()
	s.queue.drop(key)
	return nil
}

// acquireToken blocks until e is idle, then transitions it to want.
func acquireToken(e *logEntry, want state) {
	e.mu.Lock()
	for e.state != idle {
		e.cond.Wait()
	}
	e.state = want
	e.mu.Unlock()
}

// releaseToken returns e to idle and wakes anyone waiting on it.
func releaseToken(e *logEntry) {
	e.mu.Lock()
	e.state = idle
	e.cond.Broadcast()
	e.mu.Unlock()
}

// AcquireWriteToken blocks until key's secondary log is idle and claims it
// for a buffer flush/append, returning the log to operate on.
func (s *Scheduler) AcquireWriteToken(key catalog.Key) (*secondarylog.Log, error) {
	e, ok := s.lookupKey(key)
	if !ok {
		return nil, ErrRangeNotFound
	}
	acquireToken(e, writing)
	return e.log, nil
}

// ReleaseWriteToken returns key's secondary log to idle.
func (s *Scheduler) ReleaseWriteToken(key catalog.Key) {
	if e, ok := s.lookupKey(key); ok {
		releaseToken(e)
	}
}

// AcquireReorgToken blocks until key's secondary log is idle and claims it
// for the reorganizer, returning the log to operate on.
func (s *Scheduler) AcquireReorgToken(key catalog.Key) (*secondarylog.Log, error) {
	e, ok := s.lookupKey(key)
	if !ok {
		return nil, ErrRangeNotFound
	}
	acquireToken(e, reorg)
	return e.log, nil
}

// ReleaseReorgToken returns key's secondary log to idle.
func (s *Scheduler) ReleaseReorgToken(key catalog.Key) {
	if e, ok := s.lookupKey(key); ok {
		releaseToken(e)
	}
}

func (s *Scheduler) lookupKey(key catalog.Key) (*logEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// PromptThreshold returns UtilizationPromptReorg, consulted by the
// reorganizer's fairness rule (§4.5 "continues without yielding until
// below that threshold").
func (s *Scheduler) PromptThreshold() float64 { return s.cfg.UtilizationPromptReorg }

// RequestReorg enqueues key at priority, per §4.4's low/high-priority
// queue. Re-requesting at a higher priority than already queued upgrades
// it; the reverse is a no-op (reorg never downgrades a pending request).
func (s *Scheduler) RequestReorg(key catalog.Key, priority Priority) {
	s.queue.push(key, priority)
}

// NextReorgRequest blocks until a reorganization request is available or
// ctx is cancelled, returning the highest-priority pending key (high
// before low; FIFO within a priority).
func (s *Scheduler) NextReorgRequest(ctx context.Context) (catalog.Key, Priority, bool) {
	return s.queue.pop(ctx)
}

// HasHigherPriorityWaiting reports whether a High-priority request is
// queued for a range other than current — the reorganizer's mid-segment
// yield check (§4.4 "REORG may yield mid-segment when a REORG_HIGH_PRIO
// request arrives for a different range").
func (s *Scheduler) HasHigherPriorityWaiting(current catalog.Key) bool {
	return s.queue.hasHighExcept(current)
}

// SurveyAndEnqueue walks every registered range and enqueues (at Low
// priority) any whose utilization exceeds UtilizationActivateReorg —
// §4.4's periodic ReorganizationThread survey.
func (s *Scheduler) SurveyAndEnqueue() {
	s.mu.RLock()
	snapshot := make(map[catalog.Key]*logEntry, len(s.entries))
	for k, e := range s.entries {
		snapshot[k] = e
	}
	s.mu.RUnlock()

	for k, e := range snapshot {
		if e.log.Utilization() > s.cfg.UtilizationActivateReorg {
			s.queue.push(k, Low)
		}
	}
}
