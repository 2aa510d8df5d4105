package feed

import (
	"context"
	"log"
	"sync"
	"time"
)

// Poller state values reported by Status.
const (
	// PollerStateIdle means Start has not been called (or Stop has)
	PollerStateIdle = "idle"

	// PollerStateActive means polling on schedule with a healthy source
	PollerStateActive = "active"

	// PollerStateRetrying means recent polls failed but the error ceiling
	// has not been reached
	PollerStateRetrying = "retrying"

	// PollerStateFailed means the poller stopped itself after exceeding
	// its error ceiling or hitting a fatal error
	PollerStateFailed = "failed"
)

// Default error ceilings.
const (
	// DefaultMaxConsecutiveErrors is the ceiling once a poller has
	// connected successfully at least once
	DefaultMaxConsecutiveErrors = 30

	// DefaultInitialErrorCeiling applies while the poller has never
	// succeeded: a source that was never reachable gives up sooner
	DefaultInitialErrorCeiling = 10
)

// PollerConfig tunes one poller.
type PollerConfig struct {
	// Interval between scheduled polls (typical 2-10s)
	Interval time.Duration

	// Timeout for a single poll request
	Timeout time.Duration

	// MaxConsecutiveErrors is the failure ceiling after the first
	// successful poll; 0 uses DefaultMaxConsecutiveErrors
	MaxConsecutiveErrors int

	// InitialErrorCeiling is the failure ceiling before the first
	// successful poll; 0 uses DefaultInitialErrorCeiling
	InitialErrorCeiling int

	// OnBatch receives each successful poll's batch
	OnBatch func(Batch)

	// OnConnectionFailed fires exactly once per Start when the poller
	// stops itself. The owner decides whether to notify and restart.
	OnConnectionFailed func(source string, err error)

	// OnPoll observes every poll outcome (err == nil on success).
	// Optional; used for metrics.
	OnPoll func(source string, err error)
}

// PollerStatus is a point-in-time view for status display.
type PollerStatus struct {
	Source            string    `json:"source"`
	State             string    `json:"state"`
	LastUpdate        time.Time `json:"last_update"`
	LastError         string    `json:"last_error,omitempty"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	Polls             uint64    `json:"polls"`
}

// Poller fetches one snapshot batch per tick from one upstream source.
//
// A single-flight guard ensures a new poll never starts while a previous
// poll from the same poller is in flight; a manual Refresh during a
// scheduled poll is a silent no-op. Sustained failure beyond the error
// ceiling stops the poller permanently until Start is called again;
// publishers retry forever, pollers do not.
type Poller struct {
	source Source
	cfg    PollerConfig

	mu          sync.Mutex
	running     bool
	inFlight    bool
	failed      bool
	everOK      bool
	consecutive int
	lastUpdate  time.Time
	lastErr     error
	polls       uint64
	cancel      context.CancelFunc
	loopCtx     context.Context
}

// NewPoller creates a poller for one source. Defaults are applied for any
// zero config values.
func NewPoller(source Source, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if cfg.InitialErrorCeiling <= 0 {
		cfg.InitialErrorCeiling = DefaultInitialErrorCeiling
	}
	return &Poller{source: source, cfg: cfg}
}

// Start launches the periodic polling task. Calling Start on a running
// poller is a no-op. Starting after a permanent failure resets the error
// bookkeeping and begins polling again.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.failed = false
	p.consecutive = 0
	p.lastErr = nil
	p.cancel = cancel
	p.loopCtx = loopCtx
	p.mu.Unlock()

	go p.loop(loopCtx)
}

// Stop cancels the polling task. Idempotent and safe from any state. The
// single-flight guard ensures an in-flight request cannot interfere with a
// later Start.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Refresh requests a poll immediately, bypassing the schedule. A silent
// no-op while a poll is already in flight or the poller is not running.
func (p *Poller) Refresh() {
	p.mu.Lock()
	ctx := p.loopCtx
	running := p.running
	p.mu.Unlock()

	if !running || ctx == nil {
		return
	}
	go p.poll(ctx)
}

// Status returns a point-in-time view of the poller.
func (p *Poller) Status() PollerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := PollerStateIdle
	switch {
	case p.failed:
		state = PollerStateFailed
	case p.running && p.consecutive > 0:
		state = PollerStateRetrying
	case p.running:
		state = PollerStateActive
	}

	st := PollerStatus{
		Source:            p.source.Name(),
		State:             state,
		LastUpdate:        p.lastUpdate,
		ConsecutiveErrors: p.consecutive,
		Polls:             p.polls,
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st
}

// loop runs the poll schedule until cancelled or permanently failed.
func (p *Poller) loop(ctx context.Context) {
	// First poll immediately, then on the interval.
	p.poll(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll performs one fetch guarded by the single-flight flag. A poll
// requested while one is in flight returns immediately without error.
func (p *Poller) poll(ctx context.Context) {
	p.mu.Lock()
	if p.inFlight || !p.running {
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	p.polls++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight = false
		p.mu.Unlock()
	}()

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	snapshots, err := p.source.Fetch(fetchCtx)

	if p.cfg.OnPoll != nil {
		p.cfg.OnPoll(p.source.Name(), err)
	}

	if err != nil {
		if ctx.Err() != nil {
			// Cancelled mid-flight; not a source failure.
			return
		}
		p.recordFailure(err)
		return
	}

	batch := Batch{
		Source:    p.source.Name(),
		Snapshots: snapshots,
		FetchedAt: time.Now().UTC(),
	}

	p.mu.Lock()
	p.consecutive = 0
	p.everOK = true
	p.lastErr = nil
	p.lastUpdate = batch.FetchedAt
	p.mu.Unlock()

	if p.cfg.OnBatch != nil {
		p.cfg.OnBatch(batch)
	}
}

// recordFailure counts an error against the ceiling and stops the poller
// when the ceiling is exceeded or the error is fatal. Stopping here is the
// only way a poller becomes permanently inactive.
func (p *Poller) recordFailure(err error) {
	p.mu.Lock()
	p.consecutive++
	p.lastErr = err

	ceiling := p.cfg.MaxConsecutiveErrors
	if !p.everOK {
		ceiling = p.cfg.InitialErrorCeiling
	}

	fatal := IsFatal(err)
	exhausted := p.consecutive >= ceiling

	if !fatal && !exhausted {
		p.mu.Unlock()
		log.Printf("Poll failed for %s (%d/%d): %v", p.source.Name(), p.consecutive, ceiling, err)
		return
	}

	p.running = false
	p.failed = true
	cancel := p.cancel
	p.cancel = nil
	count := p.consecutive
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if fatal {
		log.Printf("Feed %s stopped: fatal error: %v", p.source.Name(), err)
	} else {
		log.Printf("Feed %s stopped after %d consecutive errors: %v", p.source.Name(), count, err)
	}

	if p.cfg.OnConnectionFailed != nil {
		p.cfg.OnConnectionFailed(p.source.Name(), err)
	}
}
