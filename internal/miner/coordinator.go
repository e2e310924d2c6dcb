// Package miner implements the built-in mining loop: template polling from
// the pool, parallel nonce search, and exactly-once share submission.
package miner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/junocash/jmined/internal/pool"
	"github.com/junocash/jmined/internal/randomx"
	"github.com/junocash/jmined/pkg/log"
)

// State is the coordinator's observable lifecycle state.
type State int32

const (
	// StateIdle - not started or stopped
	StateIdle State = iota
	// StateHashing - workers are iterating nonces over a live template
	StateHashing
	// StateDegraded - the hash engine failed fatally; mining is halted but
	// the process stays up
	StateDegraded
)

// String returns the state's log spelling.
func (s State) String() string {
	switch s {
	case StateHashing:
		return "hashing"
	case StateDegraded:
		return "degraded"
	default:
		return "idle"
	}
}

// Config holds the coordinator's tunables.
type Config struct {
	// Workers is the number of hashing goroutines per template.
	Workers int
	// PollInterval is how often the pool is asked for fresh work.
	PollInterval time.Duration
	// StaleTimeout forces a template refresh even when the work looks
	// unchanged, picking up new extra-nonce space and transactions.
	StaleTimeout time.Duration
	// HashrateInterval is how often throughput is logged and recorded.
	HashrateInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Workers:          2,
		PollInterval:     2 * time.Second,
		StaleTimeout:     30 * time.Second,
		HashrateInterval: 60 * time.Second,
	}
}

// Share is a solved header heading for submission. Generation records the
// template generation it was mined on; the submit path refuses shares
// whose generation has been superseded.
type Share struct {
	Height     int64
	Nonce      uint64
	HeaderHex  string
	PowHash    chainhash.Hash
	FoundAt    time.Time
	Generation uint64
}

// EventPublisher receives mining lifecycle events. Implementations must be
// non-blocking or internally buffered; publishing must never stall the
// mining loop.
type EventPublisher interface {
	PublishTemplateSwitch(ctx context.Context, height int64, prevHash string, reason string)
	PublishShare(ctx context.Context, share *Share, status pool.ShareStatus, message string)
	PublishHealth(ctx context.Context, state string, detail string)
}

// Deduper guards against double submission across process restarts. The
// coordinator also keeps an in-process guard, so a nil or failing Deduper
// degrades to single-process exactly-once rather than breaking mining.
type Deduper interface {
	FirstSubmission(ctx context.Context, key string) bool
}

// MetricsSink records mining throughput measurements.
type MetricsSink interface {
	RecordPoll(height int64, fresh bool)
	RecordShare(status pool.ShareStatus, height int64)
	RecordHashrate(workers int, hashesPerSec float64)
}

// Coordinator drives the poll/hash/submit cycle. One coordinator owns all
// hashing workers and the single submission loop.
type Coordinator struct {
	pool    pool.Source
	engine  *randomx.Engine
	config  *Config
	logger  *log.Logger
	events  EventPublisher // may be nil
	deduper Deduper        // may be nil
	metrics MetricsSink    // may be nil

	state      atomic.Int32
	generation atomic.Uint64
	hashes     atomic.Uint64
	polls      atomic.Uint64

	sharesFound    atomic.Uint64
	sharesAccepted atomic.Uint64
	sharesRejected atomic.Uint64
	sharesStale    atomic.Uint64

	current     atomic.Pointer[pool.ShareTemplate]
	lastPoll    atomic.Int64 // unix nanos
	repollCh    chan struct{}
	submitCh    chan *Share
	cancelJob   context.CancelFunc
	jobWG       sync.WaitGroup
	submittedMu sync.Mutex
	submitted   map[chainhash.Hash]struct{}
}

// New creates a mining coordinator. events, deduper, and metrics may be
// nil; the loop runs without them.
func New(source pool.Source, engine *randomx.Engine, config *Config, logger *log.Logger,
	events EventPublisher, deduper Deduper, metrics MetricsSink) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Coordinator{
		pool:      source,
		engine:    engine,
		config:    config,
		logger:    logger.WithComponent("miner"),
		events:    events,
		deduper:   deduper,
		metrics:   metrics,
		repollCh:  make(chan struct{}, 1),
		submitCh:  make(chan *Share, 16),
		submitted: make(map[chainhash.Hash]struct{}),
	}
}

// Run drives the mining loop until the context is canceled. It returns nil
// on clean shutdown.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("mining coordinator starting",
		"workers", c.config.Workers,
		"poll_interval", c.config.PollInterval.String(),
		"hash_mode", c.engine.Mode().String(),
	)

	var loopWG sync.WaitGroup
	loopWG.Add(2)
	go func() {
		defer loopWG.Done()
		c.submitLoop(ctx)
	}()
	go func() {
		defer loopWG.Done()
		c.hashrateLoop(ctx)
	}()

	// First poll before entering the ticker so work starts immediately.
	c.pollOnce(ctx, "startup")

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.stopJob()
			c.state.Store(int32(StateIdle))
			loopWG.Wait()
			c.logger.Info("mining coordinator stopped")
			return nil
		case <-ticker.C:
			c.pollOnce(ctx, "interval")
		case <-c.repollCh:
			c.pollOnce(ctx, "notification")
		}
	}
}

// RequestRepoll asks the coordinator to poll for fresh work as soon as
// possible. Safe to call from any goroutine; coalesces bursts.
func (c *Coordinator) RequestRepoll() {
	select {
	case c.repollCh <- struct{}{}:
	default:
	}
}

// OnNewBlock implements the tip notification handler: a new chain tip
// invalidates the current template's prev hash.
func (c *Coordinator) OnNewBlock(_ chainhash.Hash) {
	c.RequestRepoll()
}

// OnNewTx implements the tip notification handler. Individual transactions
// do not force a refresh; the staleness interval picks them up.
func (c *Coordinator) OnNewTx(_ chainhash.Hash) {}

// pollOnce fetches a template and rotates workers onto it when the work
// changed or the current template aged out.
func (c *Coordinator) pollOnce(ctx context.Context, reason string) {
	if State(c.state.Load()) == StateDegraded {
		return
	}

	tmpl, err := c.pool.GetShareTemplate(ctx)
	c.polls.Add(1)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("template poll failed", "reason", reason, "error", err.Error())
		return
	}

	prev := c.current.Load()
	fresh := !tmpl.SameWork(prev)
	stale := time.Since(time.Unix(0, c.lastPoll.Load())) > c.config.StaleTimeout

	if c.metrics != nil {
		c.metrics.RecordPoll(tmpl.Height, fresh)
	}

	if !fresh && !stale && prev != nil {
		return
	}

	c.adopt(ctx, tmpl, reason)
}

// adopt stops workers on the old template and starts them on the new one.
// The generation bump is what makes in-flight workers abandon their nonce
// loops.
func (c *Coordinator) adopt(ctx context.Context, tmpl *pool.ShareTemplate, reason string) {
	c.stopJob()

	gen := c.generation.Add(1)
	c.drainStaleShares()
	c.current.Store(tmpl)
	c.lastPoll.Store(time.Now().UnixNano())

	c.logger.LogTemplateSwitch(tmpl.Height, tmpl.PrevHash.String(), tmpl.Difficulty, reason)
	if c.events != nil {
		c.events.PublishTemplateSwitch(ctx, tmpl.Height, tmpl.PrevHash.String(), reason)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	c.cancelJob = cancel
	c.state.Store(int32(StateHashing))

	// Each worker owns a disjoint slice of the uint64 nonce space.
	span := ^uint64(0) / uint64(c.config.Workers)
	for i := 0; i < c.config.Workers; i++ {
		start := uint64(i) * span
		end := start + span
		if i == c.config.Workers-1 {
			end = ^uint64(0)
		}

		c.jobWG.Add(1)
		go func(id int, start, end uint64) {
			defer c.jobWG.Done()
			c.runWorker(jobCtx, id, tmpl, gen, start, end)
		}(i, start, end)
	}
}

// drainStaleShares empties the submit queue after a generation bump.
// Workers are already stopped, so everything still queued was mined
// against the superseded template.
func (c *Coordinator) drainStaleShares() {
	for {
		select {
		case share := <-c.submitCh:
			c.logger.Debug("discarding share mined on superseded template",
				"height", share.Height, "nonce", share.Nonce)
		default:
			return
		}
	}
}

// stopJob cancels the running workers and waits for them to exit.
func (c *Coordinator) stopJob() {
	if c.cancelJob != nil {
		c.cancelJob()
		c.cancelJob = nil
	}
	c.jobWG.Wait()
}

// enqueueShare hands a found share to the submission loop. Drops with a
// log line if the queue is full; a backed-up submitter must not block
// hashing.
func (c *Coordinator) enqueueShare(share *Share) {
	c.sharesFound.Add(1)
	c.logger.LogShareFound(share.Height, share.Nonce, share.PowHash.String())

	select {
	case c.submitCh <- share:
	default:
		c.logger.Warn("share queue full, dropping share",
			"height", share.Height, "nonce", share.Nonce)
	}
}

// submitLoop is the single goroutine that talks to the pool's submit
// endpoint, guaranteeing per-share ordering and exactly-once semantics.
func (c *Coordinator) submitLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case share := <-c.submitCh:
			c.submitShare(ctx, share)
		}
	}
}

// submitShare runs the staleness and dedup guards and one bounded-retry
// submission. A share that exhausts its retries is dropped, never
// re-mined.
func (c *Coordinator) submitShare(ctx context.Context, share *Share) {
	// A share mined before the last template switch references a
	// superseded prev hash; the pool would reject it as stale anyway.
	if share.Generation != c.generation.Load() {
		c.logger.Debug("discarding share mined on superseded template",
			"height", share.Height, "nonce", share.Nonce)
		return
	}

	if !c.firstSubmission(ctx, share) {
		c.logger.Debug("duplicate share suppressed",
			"height", share.Height, "pow_hash", share.PowHash.String())
		return
	}

	result, err := c.pool.SubmitShare(ctx, share.HeaderHex)
	if err != nil {
		c.logger.WithError(err).Warn("share submission failed",
			"height", share.Height, "nonce", share.Nonce)
		if c.events != nil {
			c.events.PublishShare(ctx, share, pool.StatusError, err.Error())
		}
		return
	}

	switch result.Status {
	case pool.StatusAccepted:
		c.sharesAccepted.Add(1)
	case pool.StatusStale:
		c.sharesStale.Add(1)
	default:
		c.sharesRejected.Add(1)
	}

	c.logger.LogShareResult(share.Height, share.Nonce, string(result.Status), result.Message)
	if c.events != nil {
		c.events.PublishShare(ctx, share, result.Status, result.Message)
	}
	if c.metrics != nil {
		c.metrics.RecordShare(result.Status, share.Height)
	}
}

// firstSubmission reports whether this share has not been submitted
// before. The in-process set always applies; the shared deduper extends
// the guard across restarts when present.
func (c *Coordinator) firstSubmission(ctx context.Context, share *Share) bool {
	c.submittedMu.Lock()
	if _, seen := c.submitted[share.PowHash]; seen {
		c.submittedMu.Unlock()
		return false
	}
	c.submitted[share.PowHash] = struct{}{}
	if len(c.submitted) > 4096 {
		c.submitted = map[chainhash.Hash]struct{}{share.PowHash: {}}
	}
	c.submittedMu.Unlock()

	if c.deduper != nil {
		return c.deduper.FirstSubmission(ctx, fmt.Sprintf("share:%d:%s", share.Height, share.PowHash))
	}
	return true
}

// enterDegraded halts mining after a fatal engine failure. RPC service
// continues; only the hashing loop stops.
func (c *Coordinator) enterDegraded(err error) {
	if State(c.state.Swap(int32(StateDegraded))) == StateDegraded {
		return
	}
	c.logger.WithError(err).Error("hash engine failed, entering degraded state")
	if c.events != nil {
		c.events.PublishHealth(context.Background(), StateDegraded.String(), err.Error())
	}
}

// hashrateLoop periodically reports hashing throughput.
func (c *Coordinator) hashrateLoop(ctx context.Context) {
	interval := c.config.HashrateInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := c.hashes.Load()
			rate := float64(total-last) / interval.Seconds()
			last = total

			c.logger.LogHashrate(c.config.Workers, rate)
			if c.metrics != nil {
				c.metrics.RecordHashrate(c.config.Workers, rate)
			}
		}
	}
}

// Stats is a point-in-time view of the coordinator.
type Stats struct {
	State          State
	TemplateHeight int64
	Polls          uint64
	Hashes         uint64
	SharesFound    uint64
	SharesAccepted uint64
	SharesRejected uint64
	SharesStale    uint64
}

// Stats returns the coordinator's counters.
func (c *Coordinator) Stats() Stats {
	s := Stats{
		State:          State(c.state.Load()),
		Polls:          c.polls.Load(),
		Hashes:         c.hashes.Load(),
		SharesFound:    c.sharesFound.Load(),
		SharesAccepted: c.sharesAccepted.Load(),
		SharesRejected: c.sharesRejected.Load(),
		SharesStale:    c.sharesStale.Load(),
	}
	if tmpl := c.current.Load(); tmpl != nil {
		s.TemplateHeight = tmpl.Height
	}
	return s
}
