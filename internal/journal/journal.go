// Package journal keeps per-key counts of swallowed key events in a
// sqlite database, so chattering switches can be identified over time.
//
// Counts are aggregated in memory and flushed periodically. The order and
// timing of individual keystrokes is never stored.
package journal

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/mchelnokov/dekeybounce/internal/debounce"
)

// ErrNoJournal is returned by Report when the database does not exist.
var ErrNoJournal = errors.New("journal not found")

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("journal closed")

// Options configures a Journal.
type Options struct {
	// MinInterval is stored with the run for later comparison.
	MinInterval time.Duration
	// FlushInterval is how often pending counts are written. Zero disables
	// the background flush; Close still flushes.
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Run is one daemon lifetime.
type Run struct {
	ID          string
	StartedAt   time.Time
	EndedAt     time.Time // zero while running or after a crash
	MinInterval time.Duration
}

// KeyTotal is the swallowed event count for one key across runs.
type KeyTotal struct {
	Key               debounce.KeyID
	SwallowedPresses  uint64
	SwallowedReleases uint64
	LastSeen          time.Time
}

// Total returns presses plus releases.
func (k KeyTotal) Total() uint64 {
	return k.SwallowedPresses + k.SwallowedReleases
}

// Summary is what Report returns.
type Summary struct {
	Runs []Run
	Keys []KeyTotal
}

type counts struct {
	presses  uint64
	releases uint64
	lastSeen time.Time
}

// Journal records swallowed events for one run.
type Journal struct {
	store  *store
	runID  string
	logger *slog.Logger
	sched  gocron.Scheduler
	now    func() time.Time

	mu      sync.Mutex
	pending map[debounce.KeyID]*counts
	closed  bool

	// flushMu serializes writers so a failed flush can merge back safely.
	flushMu sync.Mutex
}

// Open opens the journal at path and starts a new run.
func Open(path string, opts Options) (*Journal, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st, err := openStore(path)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		store:   st,
		runID:   uuid.NewString(),
		logger:  logger.With("component", "journal"),
		now:     time.Now,
		pending: make(map[debounce.KeyID]*counts),
	}

	if err := st.insertRun(j.runID, j.now(), opts.MinInterval); err != nil {
		st.Close()
		return nil, err
	}

	if opts.FlushInterval > 0 {
		if err := j.schedule(opts.FlushInterval); err != nil {
			st.Close()
			return nil, err
		}
	}

	j.logger.Info("journal opened", "path", path, "run_id", j.runID)
	return j, nil
}

func (j *Journal) schedule(interval time.Duration) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(j.flushTask),
		gocron.WithName("journal-flush"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to create flush job: %w", err)
	}
	s.Start()
	j.sched = s
	return nil
}

func (j *Journal) flushTask() {
	if err := j.Flush(); err != nil && !errors.Is(err, ErrClosed) {
		j.logger.Warn("journal flush failed", "error", err)
	}
}

// RunID returns the identifier of the current run.
func (j *Journal) RunID() string {
	return j.runID
}

// Record counts one swallowed event. It only touches memory.
func (j *Journal) Record(key debounce.KeyID, kind debounce.Kind) {
	if kind != debounce.Press && kind != debounce.Release {
		return
	}
	now := j.now()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	c := j.pending[key]
	if c == nil {
		c = &counts{}
		j.pending[key] = c
	}
	if kind == debounce.Press {
		c.presses++
	} else {
		c.releases++
	}
	c.lastSeen = now
}

// Pending returns the number of keys with unflushed counts.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

// Flush writes pending counts. On failure they are kept for the next
// attempt.
func (j *Journal) Flush() error {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return ErrClosed
	}
	batch := j.pending
	j.pending = make(map[debounce.KeyID]*counts)
	j.mu.Unlock()

	return j.write(batch)
}

func (j *Journal) write(batch map[debounce.KeyID]*counts) error {
	if len(batch) == 0 {
		return nil
	}
	if err := j.store.addBounces(j.runID, batch); err != nil {
		j.mu.Lock()
		for key, c := range batch {
			if cur := j.pending[key]; cur != nil {
				cur.presses += c.presses
				cur.releases += c.releases
				if c.lastSeen.After(cur.lastSeen) {
					cur.lastSeen = c.lastSeen
				}
			} else {
				j.pending[key] = c
			}
		}
		j.mu.Unlock()
		return err
	}
	j.logger.Debug("journal flushed", "keys", len(batch))
	return nil
}

// Close stops the flush job, writes pending counts, marks the run ended
// and closes the database. It is safe to call more than once.
func (j *Journal) Close() error {
	if j.sched != nil {
		if err := j.sched.Shutdown(); err != nil {
			j.logger.Warn("flush scheduler shutdown", "error", err)
		}
	}

	j.flushMu.Lock()
	defer j.flushMu.Unlock()

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	batch := j.pending
	j.pending = nil
	j.mu.Unlock()

	var errs []error
	if len(batch) > 0 {
		if err := j.store.addBounces(j.runID, batch); err != nil {
			errs = append(errs, err)
		}
	}
	if err := j.store.endRun(j.runID, j.now()); err != nil {
		errs = append(errs, err)
	}
	if err := j.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close journal: %w", err))
	}
	return errors.Join(errs...)
}

// Report reads the journal at path without modifying it.
func Report(path string) (*Summary, error) {
	st, err := openStoreReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	runs, err := st.runs()
	if err != nil {
		return nil, err
	}
	keys, err := st.keyTotals()
	if err != nil {
		return nil, err
	}
	return &Summary{Runs: runs, Keys: keys}, nil
}
