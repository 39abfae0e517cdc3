package stream

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Phase is the coordinator's traversal state.
type Phase int

const (
	// PhaseSeeking means the starting frontier is still being computed.
	PhaseSeeking Phase = iota
	// PhaseStreaming is the steady state: frontier populated, records flowing.
	PhaseStreaming
	// PhaseDraining means every known lineage is closed and empty. It is not
	// terminal: the log may grow new shards, so callers should keep polling.
	PhaseDraining
)

func (p Phase) String() string {
	switch p {
	case PhaseSeeking:
		return "seeking"
	case PhaseStreaming:
		return "streaming"
	case PhaseDraining:
		return "draining"
	}
	return "unknown"
}

// Options describes coordinator preferences.
type Options struct {
	Logger       *zap.Logger
	MaxBatchSize int
}

type Option func(*Options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithMaxBatchSize bounds how many records one refill may fetch per shard.
func WithMaxBatchSize(n int) Option {
	return func(o *Options) { o.MaxBatchSize = n }
}

// Coordinator turns a forest of shards into a single resumable cursor. It is
// a sequential cursor: calls on one Coordinator must not run concurrently.
// Callers wanting parallel consumption open independent Coordinators over
// disjoint shard ranges.
//
// Stale resume positions are recovered partially: Next surfaces a
// StaleTokenError naming the affected shards once, healthy shards keep
// streaming, and the caller restarts the stale lineages explicitly with
// RestartAtTrimHorizon or abandons the traversal. Data is never skipped
// silently.
type Coordinator struct {
	client       LogClient
	streamID     string
	tree         *ShardTree
	frontier     map[string]*frontierShard
	order        []string
	rotation     int
	phase        Phase
	maxBatchSize int
	logger       *zap.Logger
	reportedStale map[string]struct{}
}

// Open builds a coordinator over the given stream, positioned at pos. Valid
// entry positions are TrimHorizon, Latest, AtTimestamp and FromToken.
//
// FromToken performs no remote calls: positions are validated lazily, on the
// first Next. AtTimestamp scans the retained records linearly (the log
// offers no time index), so opening can be slow on large retention windows.
func Open(ctx context.Context, client LogClient, streamID string, pos Position, opts ...Option) (*Coordinator, error) {
	config := Options{
		Logger:       zap.NewNop(),
		MaxBatchSize: 100,
	}
	for _, opt := range opts {
		opt(&config)
	}
	c := &Coordinator{
		client:        client,
		streamID:      streamID,
		tree:          NewShardTree(),
		frontier:      make(map[string]*frontierShard),
		phase:         PhaseSeeking,
		maxBatchSize:  config.MaxBatchSize,
		logger:        config.Logger.With(zap.String("stream_id", streamID)),
		reportedStale: make(map[string]struct{}),
	}
	switch pos.Kind() {
	case PositionFromToken:
		if err := c.rehydrate(pos.token); err != nil {
			return nil, err
		}
	case PositionTrimHorizon, PositionLatest:
		if err := c.tree.Refresh(ctx, client, streamID); err != nil {
			return nil, transient(err)
		}
		for _, id := range c.tree.Roots() {
			c.admit(newFrontierShard(id, pos))
		}
	case PositionAtTimestamp:
		if err := c.tree.Refresh(ctx, client, streamID); err != nil {
			return nil, transient(err)
		}
		if err := c.seekTimestamp(ctx, pos.Timestamp()); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("cannot open a coordinator at position %s", pos.Kind())
	}
	c.phase = PhaseStreaming
	c.logger.Debug("coordinator opened",
		zap.Stringer("position", pos.Kind()),
		zap.Int("frontier_size", len(c.frontier)))
	return c, nil
}

// StreamID returns the stream this coordinator reads.
func (c *Coordinator) StreamID() string { return c.streamID }

// State returns the current traversal phase.
func (c *Coordinator) State() Phase { return c.phase }

// Stale returns the ids of frontier shards whose position fell out of the
// retention window, sorted.
func (c *Coordinator) Stale() []string {
	out := make([]string, 0)
	for id, s := range c.frontier {
		if s.stale {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// RestartAtTrimHorizon restarts a stale shard's lineage at the oldest
// retained record, accepting the gap lost to retention.
func (c *Coordinator) RestartAtTrimHorizon(shardID string) error {
	s, ok := c.frontier[shardID]
	if !ok {
		return errors.Errorf("shard %s is not in the frontier", shardID)
	}
	if !s.stale {
		return errors.Errorf("shard %s is not stale", shardID)
	}
	s.restart()
	delete(c.reportedStale, shardID)
	c.logger.Info("stale shard restarted at trim horizon", zap.String("shard_id", shardID))
	return nil
}

// Next returns the next available record, or nil when no record is ready
// right now. A nil record with a nil error is not end-of-stream: an open
// shard can legitimately be empty for a while, so the caller should poll
// again later.
//
// Records from the same shard come out strictly ordered by sequence number;
// records from different frontier shards carry no relative ordering.
func (c *Coordinator) Next(ctx context.Context) (*Record, error) {
	if record := c.popReady(); record != nil {
		return record, nil
	}
	if err := c.refillAll(ctx); err != nil {
		return nil, err
	}
	if stale := c.newlyStale(); len(stale) > 0 {
		return nil, &StaleTokenError{StreamID: c.streamID, ShardIDs: stale}
	}
	if record := c.popReady(); record != nil {
		c.phase = PhaseStreaming
		return record, nil
	}
	promoted, err := c.promoteDrained(ctx)
	if err != nil {
		return nil, err
	}
	if promoted {
		c.phase = PhaseStreaming
		if err := c.refillAll(ctx); err != nil {
			return nil, err
		}
		if record := c.popReady(); record != nil {
			return record, nil
		}
	}
	if c.idle() {
		if c.phase != PhaseDraining {
			c.logger.Debug("all lineages drained, coordinator now draining")
		}
		c.phase = PhaseDraining
	}
	return nil, nil
}

// admit places a shard in the frontier. Admitting a shard whose parent is
// still present in the tree would break parent-before-child ordering, which
// is a bug in the promotion logic.
func (c *Coordinator) admit(s *frontierShard) {
	if _, ok := c.frontier[s.id]; ok {
		return
	}
	if d, ok := c.tree.Get(s.id); ok && d.ParentID != "" && c.tree.Contains(d.ParentID) {
		panic(fmt.Sprintf("stream: admitted shard %q while its parent %q is still in the tree", s.id, d.ParentID))
	}
	c.frontier[s.id] = s
	c.order = append(c.order, s.id)
}

// popReady pops the head record of the next frontier shard holding data,
// rotating across shards so no sibling starves.
func (c *Coordinator) popReady() *Record {
	n := len(c.order)
	for i := 0; i < n; i++ {
		id := c.order[(c.rotation+i)%n]
		s := c.frontier[id]
		if s.hasBuffered() {
			record := s.pop()
			c.rotation = (c.rotation + i + 1) % n
			return &record
		}
	}
	return nil
}

func (c *Coordinator) refillAll(ctx context.Context) error {
	for _, id := range c.order {
		if err := c.frontier[id].refill(ctx, c.client, c.streamID, c.maxBatchSize); err != nil {
			return errors.Wrapf(err, "failed to refill shard %s", id)
		}
	}
	return nil
}

// newlyStale returns stale shards not yet surfaced to the caller.
func (c *Coordinator) newlyStale() []string {
	var out []string
	for id, s := range c.frontier {
		if !s.stale {
			continue
		}
		if _, reported := c.reportedStale[id]; reported {
			continue
		}
		c.reportedStale[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// promoteDrained retires the frontier and promotes successors once every
// frontier shard is drained: closed, empty buffer, and the remote reports no
// further records. Children start at their own trim horizon, which together
// with retire-before-admit preserves parent-before-child ordering. Brand-new
// root shards discovered at the same time (a reopened log) join the frontier
// too.
func (c *Coordinator) promoteDrained(ctx context.Context) (bool, error) {
	for _, s := range c.frontier {
		if !s.drained() {
			return false, nil
		}
	}
	// Successors may have appeared since the last listing.
	if err := c.tree.Refresh(ctx, c.client, c.streamID); err != nil {
		return false, transient(err)
	}
	retired := c.order
	c.frontier = make(map[string]*frontierShard)
	c.order = nil
	c.rotation = 0
	for _, id := range retired {
		// The empty next-iterator from GetRecords is the log's closure
		// signal; the listing may lag behind it.
		if d, ok := c.tree.Get(id); ok && d.Status == ShardOpen {
			d.Status = ShardClosed
			c.tree.Upsert(d)
		}
		children := c.tree.Children(id)
		c.tree.Retire(id)
		for _, child := range children {
			c.admit(newFrontierShard(child, TrimHorizon()))
		}
		c.logger.Debug("retired drained shard",
			zap.String("shard_id", id),
			zap.Int("promoted_children", len(children)))
	}
	for _, id := range c.tree.Roots() {
		if _, ok := c.frontier[id]; !ok {
			c.admit(newFrontierShard(id, TrimHorizon()))
		}
	}
	return len(c.order) > 0, nil
}

// idle reports whether every known lineage is exhausted. An open shard with
// an empty buffer is not idle: it may produce data later, and the traversal
// stays in the streaming phase.
func (c *Coordinator) idle() bool {
	for _, s := range c.frontier {
		if s.hasBuffered() || !s.drained() {
			return false
		}
	}
	return true
}
