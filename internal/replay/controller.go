package replay

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/quantfold/backcast/errs"
	"github.com/quantfold/backcast/internal/schema"
	"github.com/quantfold/backcast/internal/snapshot"
)

// SourceID tags every event the controller publishes.
const SourceID = "replay_controller"

const (
	pausePollInterval = 10 * time.Millisecond
	stopGraceWindow   = 2 * time.Second
	autoSnapshotTries = 3
)

// EventBus is the controller's view of the event distributor.
type EventBus interface {
	PublishAt(kind schema.EventKind, payload any, source string, ts time.Time) (uint64, error)
	CurrentSequence() uint64
	PendingEvents() []schema.Event
	Restore(seq uint64)
}

// SnapshotStore is the controller's view of the snapshot manager.
type SnapshotStore interface {
	Create(in snapshot.CreateInput) (*snapshot.Snapshot, error)
	Save(snap *snapshot.Snapshot, path string) error
	Load(path string) (*snapshot.Snapshot, error)
	Restore(snap *snapshot.Snapshot) error
}

// SnapshotRecorder indexes saved snapshots in an external catalog. The
// controller treats recording as best-effort.
type SnapshotRecorder interface {
	RecordSnapshot(ctx context.Context, snap *snapshot.Snapshot, path string) error
}

// Controller is the VCR-style state machine driving a single worker that
// converts provider records into paced bus publications.
type Controller struct {
	cfg Config

	mu       sync.Mutex
	bus      EventBus
	manager  SnapshotStore
	provider Provider
	recorder SnapshotRecorder

	state          State
	speed          Speed
	limiter        *rate.Limiter
	currentIndex   int
	currentTime    time.Time
	startTime      time.Time
	endTime        time.Time
	total          int
	totalProcessed int

	account    snapshot.AccountState
	positions  []snapshot.PositionState
	strategies []snapshot.StrategyState
	backtestID string

	callbacks      map[int]StatusCallback
	nextCallbackID int

	workerCancel context.CancelFunc
	workerDone   chan struct{}

	recordsProcessed metric.Int64Counter
	snapshotsSaved   metric.Int64Counter
}

// NewController constructs a controller in the Idle state.
func NewController(cfg Config) *Controller {
	cfg = cfg.normalize()
	c := &Controller{
		cfg:       cfg,
		state:     StateIdle,
		speed:     cfg.InitialSpeed,
		callbacks: make(map[int]StatusCallback),
	}

	meter := otel.Meter("replay")
	c.recordsProcessed, _ = meter.Int64Counter("replay.records.processed",
		metric.WithDescription("Number of records converted into events"),
		metric.WithUnit("{record}"))
	c.snapshotsSaved, _ = meter.Int64Counter("replay.snapshots.saved",
		metric.WithDescription("Number of snapshots written"),
		metric.WithUnit("{snapshot}"))

	return c
}

// SetSnapshotRecorder attaches an optional snapshot catalog.
func (c *Controller) SetSnapshotRecorder(recorder SnapshotRecorder) {
	c.mu.Lock()
	c.recorder = recorder
	c.mu.Unlock()
}

// Initialize binds the controller to its collaborators and resets all
// counters. Legal only from Idle or Stopped; ends in Paused.
func (c *Controller) Initialize(bus EventBus, manager SnapshotStore, provider Provider, startTime, endTime time.Time, total int) error {
	c.mu.Lock()

	if c.state != StateIdle && c.state != StateStopped {
		state := c.state
		c.mu.Unlock()
		return errs.New("replay/controller", errs.CodeEngineInitFailed,
			errs.WithMessage("cannot initialize while replay is active"),
			errs.WithDetail("current_state", string(state)))
	}
	if bus == nil || manager == nil || provider == nil {
		c.mu.Unlock()
		return errs.New("replay/controller", errs.CodeEngineInitFailed,
			errs.WithMessage("event bus, snapshot manager, and data provider are required"))
	}
	if total < 0 {
		c.mu.Unlock()
		return errs.New("replay/controller", errs.CodeEngineInitFailed,
			errs.WithMessage("total data points must be non-negative"))
	}

	c.bus = bus
	c.manager = manager
	c.provider = provider
	c.startTime = startTime
	c.endTime = endTime
	c.currentTime = startTime
	c.total = total
	c.currentIndex = 0
	c.totalProcessed = 0
	c.backtestID = uuid.NewString()
	c.speed = c.cfg.InitialSpeed
	c.limiter = rate.NewLimiter(limitFor(c.speed, c.cfg.TimeUnit), 1)

	c.account = snapshot.DefaultAccount(c.cfg.InitialCash)
	c.positions = nil
	c.strategies = nil

	c.state = StatePaused
	status, cbs := c.statusLocked()
	c.mu.Unlock()

	notify(status, cbs)
	return nil
}

// Play starts or resumes playback. From Stopped the counters reset for a
// fresh run; from Paused or Playing the call is idempotent.
func (c *Controller) Play() error {
	c.mu.Lock()

	if c.state == StateIdle {
		c.mu.Unlock()
		return errs.New("replay/controller", errs.CodeEngineNotInitialized,
			errs.WithMessage("replay controller not initialized"))
	}
	if c.state == StateStopped {
		c.currentIndex = 0
		c.currentTime = c.startTime
		c.totalProcessed = 0
	}

	c.state = StatePlaying
	c.ensureWorkerLocked()
	status, cbs := c.statusLocked()
	c.mu.Unlock()

	notify(status, cbs)
	return nil
}

// Pause freezes playback between records. Returns false unless the
// controller was Playing or Stepping.
func (c *Controller) Pause() bool {
	c.mu.Lock()
	if c.state != StatePlaying && c.state != StateStepping {
		c.mu.Unlock()
		return false
	}
	c.state = StatePaused
	status, cbs := c.statusLocked()
	c.mu.Unlock()

	notify(status, cbs)
	return true
}

// Resume continues a paused replay. Returns false unless Paused.
func (c *Controller) Resume() bool {
	c.mu.Lock()
	paused := c.state == StatePaused
	c.mu.Unlock()
	if !paused {
		return false
	}
	return c.Play() == nil
}

// Step processes exactly one record: it queries the provider once for the
// current index, publishes exactly one event stamped with the record's
// timestamp, advances the index, and returns to Paused. At the end of the
// data it reports false and enters Stopped.
func (c *Controller) Step() (bool, error) {
	c.mu.Lock()

	if c.state == StateIdle {
		c.mu.Unlock()
		return false, errs.New("replay/controller", errs.CodeEngineNotInitialized,
			errs.WithMessage("replay controller not initialized"))
	}
	if c.currentIndex >= c.total {
		c.state = StateStopped
		status, cbs := c.statusLocked()
		c.mu.Unlock()
		notify(status, cbs)
		return false, nil
	}

	c.state = StateStepping
	_, ok, pubErr := c.processOneLocked()
	if !ok {
		c.state = StateStopped
		status, cbs := c.statusLocked()
		c.mu.Unlock()
		notify(status, cbs)
		return false, nil
	}
	c.state = StatePaused
	status, cbs := c.statusLocked()
	c.mu.Unlock()

	notify(status, cbs)
	return true, pubErr
}

// Stop signals the worker to exit, joins it within a bounded grace
// window, and enters Stopped. A worker that outlives the window is
// treated as detached.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	c.state = StateStopped
	cancel := c.workerCancel
	done := c.workerDone
	c.workerCancel = nil
	c.workerDone = nil
	status, cbs := c.statusLocked()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(stopGraceWindow):
			log.Printf("replay: worker did not exit within %s; detaching", stopGraceWindow)
		}
	}

	notify(status, cbs)
	return true
}

// SetSpeed changes the playback multiplier; the worker observes it on its
// next iteration.
func (c *Controller) SetSpeed(speed Speed) error {
	if err := speed.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.speed = speed
	if c.limiter != nil {
		c.limiter.SetLimit(limitFor(speed, c.cfg.TimeUnit))
	}
	status, cbs := c.statusLocked()
	c.mu.Unlock()

	notify(status, cbs)
	return nil
}

// Status reports the derived replay status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, _ := c.statusLocked()
	return status
}

// BacktestID reports the identifier of the current session.
func (c *Controller) BacktestID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backtestID
}

// SaveSnapshot captures the current consistent cut and writes it under
// the snapshot directory, returning the written path.
func (c *Controller) SaveSnapshot(description string) (string, error) {
	c.mu.Lock()

	if c.bus == nil || c.manager == nil {
		c.mu.Unlock()
		return "", errs.New("replay/controller", errs.CodeEngineNotInitialized,
			errs.WithMessage("replay controller not initialized"))
	}

	pending := make([]any, 0)
	for _, evt := range c.bus.PendingEvents() {
		pending = append(pending, evt)
	}
	in := snapshot.CreateInput{
		Account:       c.account,
		Positions:     clonePositions(c.positions),
		Strategies:    cloneStrategies(c.strategies),
		EventSequence: c.bus.CurrentSequence(),
		PendingEvents: pending,
		DataTimestamp: c.currentTime,
		DataIndex:     c.currentIndex,
		BacktestID:    c.backtestID,
		Description:   description,
	}

	snap, err := c.manager.Create(in)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}

	path := filepath.Join(c.cfg.SnapshotDir,
		fmt.Sprintf("%s_%s.json", c.backtestID, time.Now().Format("20060102_150405")))
	if err := c.manager.Save(snap, path); err != nil {
		c.mu.Unlock()
		return "", err
	}
	recorder := c.recorder
	c.mu.Unlock()

	if c.snapshotsSaved != nil {
		c.snapshotsSaved.Add(context.Background(), 1)
	}
	if recorder != nil {
		if err := recorder.RecordSnapshot(context.Background(), snap, path); err != nil {
			log.Printf("replay: snapshot catalog record failed: %v", err)
		}
	}
	return path, nil
}

// LoadSnapshot restores the controller and the bus from a snapshot file.
// Playback pauses first; the bus counter continues from the snapshot's
// captured sequence; the controller ends Paused.
func (c *Controller) LoadSnapshot(path string) error {
	c.mu.Lock()

	if c.manager == nil || c.bus == nil {
		c.mu.Unlock()
		return errs.New("replay/controller", errs.CodeEngineNotInitialized,
			errs.WithMessage("replay controller not initialized"))
	}
	if c.state == StatePlaying {
		c.state = StatePaused
	}

	snap, err := c.manager.Load(path)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if snap == nil {
		c.mu.Unlock()
		return errs.New("replay/controller", errs.CodeSnapshotNotFound,
			errs.WithMessage("snapshot not found"),
			errs.WithDetail("path", path))
	}
	if err := c.manager.Restore(snap); err != nil {
		c.mu.Unlock()
		return err
	}

	c.account = snap.Account
	c.positions = clonePositions(snap.Positions)
	c.strategies = cloneStrategies(snap.Strategies)
	c.currentIndex = snap.DataIndex
	c.currentTime = snap.DataTimestamp
	if snap.BacktestID != "" {
		c.backtestID = snap.BacktestID
	}
	c.bus.Restore(snap.EventSequence)

	c.state = StatePaused
	status, cbs := c.statusLocked()
	c.mu.Unlock()

	notify(status, cbs)
	return nil
}

// SeekToIndex repositions the read cursor. Playback pauses first; no
// events are published by a seek.
func (c *Controller) SeekToIndex(index int) bool {
	c.mu.Lock()
	ok := c.seekToIndexLocked(index)
	var status Status
	var cbs []StatusCallback
	if ok {
		status, cbs = c.statusLocked()
	}
	c.mu.Unlock()

	if ok {
		notify(status, cbs)
	}
	return ok
}

// SeekToTime repositions the cursor to the record closest to the given
// timestamp. Providers that declare time ordering get a binary search;
// everything else is scanned linearly.
func (c *Controller) SeekToTime(target time.Time) bool {
	c.mu.Lock()

	if c.provider == nil || c.total == 0 {
		c.mu.Unlock()
		return false
	}

	var best int
	if sorted, ok := c.provider.(TimeSorted); ok && sorted.TimeSorted() {
		best = c.searchSortedLocked(target)
	} else {
		best = c.scanLinearLocked(target)
	}

	ok := c.seekToIndexLocked(best)
	var status Status
	var cbs []StatusCallback
	if ok {
		status, cbs = c.statusLocked()
	}
	c.mu.Unlock()

	if ok {
		notify(status, cbs)
	}
	return ok
}

// SetAccountState replaces the account cell between ticks.
func (c *Controller) SetAccountState(account snapshot.AccountState) {
	c.mu.Lock()
	c.account = account
	c.mu.Unlock()
}

// SetPositions replaces the position cells between ticks.
func (c *Controller) SetPositions(positions []snapshot.PositionState) {
	c.mu.Lock()
	c.positions = clonePositions(positions)
	c.mu.Unlock()
}

// SetStrategies replaces the strategy cells between ticks.
func (c *Controller) SetStrategies(strategies []snapshot.StrategyState) {
	c.mu.Lock()
	c.strategies = cloneStrategies(strategies)
	c.mu.Unlock()
}

// AccountState returns the current account cell.
func (c *Controller) AccountState() snapshot.AccountState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}

// Positions returns a copy of the current position cells.
func (c *Controller) Positions() []snapshot.PositionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clonePositions(c.positions)
}

// Strategies returns a copy of the current strategy cells.
func (c *Controller) Strategies() []snapshot.StrategyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneStrategies(c.strategies)
}

// RegisterStatusCallback subscribes to status changes and returns a token
// for UnregisterStatusCallback.
func (c *Controller) RegisterStatusCallback(cb StatusCallback) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextCallbackID++
	id := c.nextCallbackID
	c.callbacks[id] = cb
	return id
}

// UnregisterStatusCallback removes a status subscription.
func (c *Controller) UnregisterStatusCallback(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.callbacks, id)
}

// ensureWorkerLocked starts the worker goroutine when none is running.
func (c *Controller) ensureWorkerLocked() {
	if c.workerDone != nil {
		select {
		case <-c.workerDone:
			// Previous worker exited; fall through and restart.
		default:
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.workerCancel = cancel
	c.workerDone = done
	go c.workerLoop(ctx, done)
}

// workerLoop is the single cooperative worker. Pause is observed between
// records, never mid-record, so pausing and resuming produces the same
// event sequence as an uninterrupted run.
func (c *Controller) workerLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		switch c.state {
		case StatePaused, StateStepping:
			c.mu.Unlock()
			time.Sleep(pausePollInterval)
			continue
		case StatePlaying:
		default:
			c.mu.Unlock()
			return
		}

		if c.currentIndex >= c.total {
			c.state = StateStopped
			status, cbs := c.statusLocked()
			c.mu.Unlock()
			notify(status, cbs)
			return
		}

		seq, ok, pubErr := c.processOneLocked()
		if !ok {
			c.state = StateStopped
			status, cbs := c.statusLocked()
			c.mu.Unlock()
			notify(status, cbs)
			return
		}

		autoSnap := c.cfg.AutoSnapshotInterval > 0 && c.totalProcessed%c.cfg.AutoSnapshotInterval == 0
		limiter := c.limiter
		unlimited := c.speed == SpeedUnlimited
		ts := c.currentTime
		c.mu.Unlock()

		if pubErr != nil {
			c.reportHandlerFailure(seq, ts, pubErr)
		}
		if autoSnap {
			c.autoSnapshot()
		}
		if !unlimited {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
	}
}

// processOneLocked converts the record at the current index into exactly
// one published event and advances the cursor. The provider is queried
// exactly once. A handler failure is reported alongside success: the
// sequence was consumed and the cursor advanced either way.
func (c *Controller) processOneLocked() (seq uint64, ok bool, pubErr error) {
	rec, ok := c.provider.Record(c.currentIndex)
	if !ok {
		return 0, false, nil
	}

	ts := c.currentTime
	if recTS, found := rec.Timestamp(); found {
		ts = recTS
	}
	kind := schema.ClassifyRecord(rec)

	seq, pubErr = c.bus.PublishAt(kind, rec, SourceID, ts)

	c.currentIndex++
	c.currentTime = ts
	c.totalProcessed++

	if c.recordsProcessed != nil {
		c.recordsProcessed.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("event_kind", string(kind))))
	}
	return seq, true, pubErr
}

// reportHandlerFailure surfaces a subscriber failure during auto-paced
// processing as a system event so sessions can decide whether to
// disconnect desynchronised clients.
func (c *Controller) reportHandlerFailure(seq uint64, ts time.Time, cause error) {
	log.Printf("replay: handler failed for sequence %d: %v", seq, cause)
	payload := schema.SystemPayload{
		Reason:         schema.SystemReasonWorkerHandlerFailed,
		FailedSequence: seq,
		Detail:         cause.Error(),
	}
	if _, err := c.bus.PublishAt(schema.KindSystem, payload, SourceID, ts); err != nil {
		log.Printf("replay: system event publish failed: %v", err)
	}
}

// autoSnapshot saves a periodic snapshot, retrying transient failures
// with exponential backoff.
func (c *Controller) autoSnapshot() {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = 100 * time.Millisecond
	backoffCfg.MaxInterval = 2 * time.Second

	for attempt := 0; attempt < autoSnapshotTries; attempt++ {
		if _, err := c.SaveSnapshot("auto"); err == nil {
			return
		} else if attempt == autoSnapshotTries-1 {
			log.Printf("replay: auto snapshot failed after %d attempts: %v", autoSnapshotTries, err)
			return
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = backoffCfg.MaxInterval
		}
		time.Sleep(sleep)
	}
}

func (c *Controller) seekToIndexLocked(index int) bool {
	if index < 0 || index >= c.total {
		return false
	}
	if c.state == StatePlaying {
		c.state = StatePaused
	}

	c.currentIndex = index
	if c.provider != nil {
		if rec, ok := c.provider.Record(index); ok {
			if ts, found := rec.Timestamp(); found {
				c.currentTime = ts
			}
		}
	}
	return true
}

// searchSortedLocked binary-searches a time-ordered provider for the
// index whose timestamp is closest to target.
func (c *Controller) searchSortedLocked(target time.Time) int {
	idx := sort.Search(c.total, func(i int) bool {
		rec, ok := c.provider.Record(i)
		if !ok {
			return true
		}
		ts, found := rec.Timestamp()
		if !found {
			return false
		}
		return !ts.Before(target)
	})

	if idx >= c.total {
		return c.total - 1
	}
	if idx == 0 {
		return 0
	}

	// The closest record is either the first at-or-after target or its
	// predecessor.
	afterDiff := timestampDiff(c.provider, idx, target)
	beforeDiff := timestampDiff(c.provider, idx-1, target)
	if beforeDiff < afterDiff {
		return idx - 1
	}
	return idx
}

// scanLinearLocked walks the provider for the closest timestamp, exiting
// early once records move past the target.
func (c *Controller) scanLinearLocked(target time.Time) int {
	best := 0
	bestDiff := time.Duration(1<<63 - 1)
	for i := 0; i < c.total; i++ {
		rec, ok := c.provider.Record(i)
		if !ok {
			continue
		}
		ts, found := rec.Timestamp()
		if !found {
			continue
		}
		diff := ts.Sub(target)
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff {
			bestDiff = diff
			best = i
		}
		if ts.After(target) && diff > bestDiff {
			break
		}
	}
	return best
}

func (c *Controller) statusLocked() (Status, []StatusCallback) {
	progress := 0.0
	if c.total > 0 {
		progress = float64(c.currentIndex) / float64(c.total) * 100.0
	}
	var eventSeq uint64
	if c.bus != nil {
		eventSeq = c.bus.CurrentSequence()
	}
	status := Status{
		State:           c.state,
		Speed:           c.speed,
		CurrentTime:     c.currentTime,
		CurrentIndex:    c.currentIndex,
		EventSequence:   eventSeq,
		TotalEvents:     c.totalProcessed,
		ProgressPercent: progress,
	}
	cbs := make([]StatusCallback, 0, len(c.callbacks))
	for _, cb := range c.callbacks {
		cbs = append(cbs, cb)
	}
	return status, cbs
}

// notify invokes status callbacks outside the controller lock, swallowing
// callback panics.
func notify(status Status, cbs []StatusCallback) {
	for _, cb := range cbs {
		func() {
			defer func() { _ = recover() }()
			cb(status)
		}()
	}
}

func limitFor(speed Speed, timeUnit time.Duration) rate.Limit {
	if speed == SpeedUnlimited {
		return rate.Inf
	}
	return rate.Limit(float64(speed) / timeUnit.Seconds())
}

func timestampDiff(p Provider, index int, target time.Time) time.Duration {
	rec, ok := p.Record(index)
	if !ok {
		return time.Duration(1<<63 - 1)
	}
	ts, found := rec.Timestamp()
	if !found {
		return time.Duration(1<<63 - 1)
	}
	diff := ts.Sub(target)
	if diff < 0 {
		diff = -diff
	}
	return diff
}

func clonePositions(in []snapshot.PositionState) []snapshot.PositionState {
	if in == nil {
		return nil
	}
	out := make([]snapshot.PositionState, len(in))
	copy(out, in)
	return out
}

func cloneStrategies(in []snapshot.StrategyState) []snapshot.StrategyState {
	if in == nil {
		return nil
	}
	out := make([]snapshot.StrategyState, len(in))
	copy(out, in)
	return out
}

