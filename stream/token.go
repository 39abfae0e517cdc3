package stream

import (
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"
)

// Token is an opaque, portable snapshot of a coordinator's traversal state.
// Its only contract is round-tripping through Open(FromToken): a resumed
// coordinator yields the exact record sequence the original one would have.
type Token string

const tokenVersion = 1

type tokenState struct {
	Version  int          `json:"v"`
	StreamID string       `json:"stream_id"`
	Shards   []tokenShard `json:"shards"`
	Retired  []string     `json:"retired,omitempty"`
}

type tokenShard struct {
	ID       string         `json:"id"`
	Parent   string         `json:"parent,omitempty"`
	FirstSeq uint64         `json:"first_seq,omitempty"`
	LastSeq  uint64         `json:"last_seq,omitempty"`
	Closed   bool           `json:"closed,omitempty"`
	Resume   *tokenPosition `json:"resume,omitempty"`
}

type tokenPosition struct {
	Kind string `json:"kind"`
	Seq  uint64 `json:"seq,omitempty"`
}

func encodePosition(p Position) (*tokenPosition, error) {
	switch p.Kind() {
	case PositionTrimHorizon, PositionLatest:
		return &tokenPosition{Kind: p.Kind().String()}, nil
	case PositionAtSequence, PositionAfterSequence:
		return &tokenPosition{Kind: p.Kind().String(), Seq: p.Sequence()}, nil
	}
	return nil, errors.Errorf("position %s cannot be captured in a token", p.Kind())
}

func decodePosition(p *tokenPosition) (Position, error) {
	switch p.Kind {
	case PositionTrimHorizon.String():
		return TrimHorizon(), nil
	case PositionLatest.String():
		return Latest(), nil
	case PositionAtSequence.String():
		return AtSequence(p.Seq), nil
	case PositionAfterSequence.String():
		return AfterSequence(p.Seq), nil
	}
	return Position{}, errors.Wrapf(ErrMalformedToken, "unknown resume position kind %q", p.Kind)
}

// Token captures the coordinator's full traversal state: the tree snapshot,
// frontier membership and each frontier shard's resume position. It performs
// no remote calls and does not mutate the coordinator; calling it twice
// without an intervening Next yields byte-identical tokens.
func (c *Coordinator) Token() Token {
	state := tokenState{
		Version:  tokenVersion,
		StreamID: c.streamID,
		Retired:  c.tree.RetiredIDs(),
	}
	for _, d := range c.tree.Descriptors() {
		shard := tokenShard{
			ID:       d.ID,
			Parent:   d.ParentID,
			FirstSeq: d.FirstSequence,
			LastSeq:  d.LastSequence,
			Closed:   d.Status == ShardClosed,
		}
		if s, ok := c.frontier[d.ID]; ok {
			resume, err := encodePosition(s.resume())
			if err != nil {
				// resume() only produces the four encodable kinds
				panic(err)
			}
			shard.Resume = resume
		}
		state.Shards = append(state.Shards, shard)
	}
	raw, err := json.Marshal(state)
	if err != nil {
		panic(err)
	}
	return Token(base64.RawURLEncoding.EncodeToString(raw))
}

func decodeToken(t Token) (*tokenState, error) {
	raw, err := base64.RawURLEncoding.DecodeString(string(t))
	if err != nil {
		return nil, errors.Wrap(ErrMalformedToken, err.Error())
	}
	state := &tokenState{}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, errors.Wrap(ErrMalformedToken, err.Error())
	}
	if state.Version != tokenVersion {
		return nil, errors.Wrapf(ErrMalformedToken, "unsupported token version %d", state.Version)
	}
	if state.StreamID == "" {
		return nil, errors.Wrap(ErrMalformedToken, "missing stream id")
	}
	seen := make(map[string]struct{}, len(state.Shards))
	for _, shard := range state.Shards {
		if shard.ID == "" {
			return nil, errors.Wrap(ErrMalformedToken, "shard with empty id")
		}
		if _, ok := seen[shard.ID]; ok {
			return nil, errors.Wrapf(ErrMalformedToken, "duplicate shard %s", shard.ID)
		}
		seen[shard.ID] = struct{}{}
	}
	for _, shard := range state.Shards {
		if shard.Resume == nil || shard.Parent == "" {
			continue
		}
		if _, ok := seen[shard.Parent]; ok {
			return nil, errors.Wrapf(ErrMalformedToken,
				"shard %s resumes while its parent %s is still in the tree", shard.ID, shard.Parent)
		}
	}
	return state, nil
}

// rehydrate rebuilds tree and frontier verbatim from a token. Decoding is
// atomic: on error the coordinator under construction is discarded. No
// remote call happens here; positions are validated against the retention
// window on the first Next.
func (c *Coordinator) rehydrate(t Token) error {
	state, err := decodeToken(t)
	if err != nil {
		return err
	}
	if state.StreamID != c.streamID {
		return errors.Errorf("token belongs to stream %s, not %s", state.StreamID, c.streamID)
	}
	frontier := make(map[string]Position, len(state.Shards))
	for _, shard := range state.Shards {
		if shard.Resume == nil {
			continue
		}
		pos, err := decodePosition(shard.Resume)
		if err != nil {
			return err
		}
		frontier[shard.ID] = pos
	}
	for _, shard := range state.Shards {
		status := ShardOpen
		if shard.Closed {
			status = ShardClosed
		}
		c.tree.Upsert(ShardDescriptor{
			ID:            shard.ID,
			ParentID:      shard.Parent,
			FirstSequence: shard.FirstSeq,
			LastSequence:  shard.LastSeq,
			Status:        status,
		})
	}
	c.tree.restoreRetired(state.Retired)
	for _, shard := range state.Shards {
		if pos, ok := frontier[shard.ID]; ok {
			c.admit(newFrontierShard(shard.ID, pos))
		}
	}
	return nil
}
