package stream

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// ShardTree is the coordinator's view of the shard succession forest: an
// id-indexed table with parent/children links. Shards are merged in as the
// remote log reports them and removed once closed and fully drained.
// Removal is an O(1) table delete; children keep a referential parent id
// only, so a retired parent leaves no dangling links.
//
// Retired ids are remembered so that a later Refresh does not resurrect a
// fully-consumed shard the remote still lists. The memory is pruned as the
// remote stops listing those shards.
type ShardTree struct {
	nodes   map[string]*treeNode
	retired map[string]struct{}
}

type treeNode struct {
	descriptor ShardDescriptor
	children   []string
}

func NewShardTree() *ShardTree {
	return &ShardTree{
		nodes:   make(map[string]*treeNode),
		retired: make(map[string]struct{}),
	}
}

func (t *ShardTree) Len() int { return len(t.nodes) }

func (t *ShardTree) Contains(id string) bool {
	_, ok := t.nodes[id]
	return ok
}

func (t *ShardTree) Get(id string) (ShardDescriptor, bool) {
	node, ok := t.nodes[id]
	if !ok {
		return ShardDescriptor{}, false
	}
	return node.descriptor, true
}

// Upsert merges one descriptor into the tree. A known shard keeps its local
// descriptor except that Closed reported by the remote wins: the transition
// is one-way and never reverses locally. Retired shards are not re-added.
func (t *ShardTree) Upsert(d ShardDescriptor) {
	if _, ok := t.retired[d.ID]; ok {
		return
	}
	if node, ok := t.nodes[d.ID]; ok {
		if d.Status == ShardClosed && node.descriptor.Status == ShardOpen {
			node.descriptor.Status = ShardClosed
			node.descriptor.LastSequence = d.LastSequence
		}
		return
	}
	node := &treeNode{descriptor: d}
	t.nodes[d.ID] = node
	if d.ParentID != "" {
		if parent, ok := t.nodes[d.ParentID]; ok {
			parent.children = append(parent.children, d.ID)
			sort.Strings(parent.children)
		}
	}
	// A parent may be discovered after its children.
	for id, other := range t.nodes {
		if id != d.ID && other.descriptor.ParentID == d.ID {
			node.children = append(node.children, id)
		}
	}
	sort.Strings(node.children)
}

// Refresh pulls the current shard list from the remote log client and merges
// it: newly discovered shards are inserted, shards the remote reports Closed
// transition locally, and shards already retired stay retired.
func (t *ShardTree) Refresh(ctx context.Context, client LogClient, streamID string) error {
	descriptors, err := client.ListShards(ctx, streamID)
	if err != nil {
		return errors.Wrap(err, "failed to list shards")
	}
	listed := make(map[string]struct{}, len(descriptors))
	for _, d := range descriptors {
		listed[d.ID] = struct{}{}
		t.Upsert(d)
	}
	for id := range t.retired {
		if _, ok := listed[id]; !ok {
			delete(t.retired, id)
		}
	}
	return nil
}

// Children returns the ids of id's successors present in the tree, sorted.
func (t *ShardTree) Children(id string) []string {
	node, ok := t.nodes[id]
	if !ok {
		return nil
	}
	out := make([]string, len(node.children))
	copy(out, node.children)
	return out
}

// Roots returns the ids of shards with no parent in the tree, sorted.
func (t *ShardTree) Roots() []string {
	out := make([]string, 0, len(t.nodes))
	for id, node := range t.nodes {
		parent := node.descriptor.ParentID
		if parent == "" || !t.Contains(parent) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Retire removes a shard from the tree. The caller must have drained the
// shard first: retiring an open shard silently loses data, so doing it is a
// bug in the tree maintenance logic, not a runtime condition.
func (t *ShardTree) Retire(id string) {
	node, ok := t.nodes[id]
	if !ok {
		panic(fmt.Sprintf("stream: retired unknown shard %q", id))
	}
	if node.descriptor.Status != ShardClosed {
		panic(fmt.Sprintf("stream: retired open shard %q", id))
	}
	delete(t.nodes, id)
	t.retired[id] = struct{}{}
	if node.descriptor.ParentID != "" {
		if parent, ok := t.nodes[node.descriptor.ParentID]; ok {
			for i, child := range parent.children {
				if child == id {
					parent.children = append(parent.children[:i], parent.children[i+1:]...)
					break
				}
			}
		}
	}
}

// Descriptors returns a snapshot of every shard in the tree, sorted by id.
func (t *ShardTree) Descriptors() []ShardDescriptor {
	out := make([]ShardDescriptor, 0, len(t.nodes))
	for _, node := range t.nodes {
		out = append(out, node.descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RetiredIDs returns the remembered retired shard ids, sorted.
func (t *ShardTree) RetiredIDs() []string {
	out := make([]string, 0, len(t.retired))
	for id := range t.retired {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (t *ShardTree) restoreRetired(ids []string) {
	for _, id := range ids {
		t.retired[id] = struct{}{}
	}
}
