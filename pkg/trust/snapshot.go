package trust

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"hat_reputation/pkg/data"
)

// Snapshot is an immutable view of the graph. Adjacency lists are kept sorted
// so that every traversal visits neighbours in the same order on every node.
type Snapshot struct {
	limits Config
	out    map[data.Account][]*data.TrustEdge
	in     map[data.Account][]*data.TrustEdge
	count  int

	idOnce sync.Once
	id     string
}

func newSnapshot(cfg Config) *Snapshot {
	return &Snapshot{
		limits: cfg,
		out:    make(map[data.Account][]*data.TrustEdge),
		in:     make(map[data.Account][]*data.TrustEdge),
	}
}

// with returns a copy of s containing edge, replacing any edge for the same pair.
func (s *Snapshot) with(edge data.TrustEdge) *Snapshot {
	next := &Snapshot{
		limits: s.limits,
		out:    make(map[data.Account][]*data.TrustEdge, len(s.out)+1),
		in:     make(map[data.Account][]*data.TrustEdge, len(s.in)+1),
		count:  s.count,
	}
	for k, v := range s.out {
		next.out[k] = v
	}
	for k, v := range s.in {
		next.in[k] = v
	}

	e := &edge
	var replaced bool
	next.out[edge.From], replaced = upsert(s.out[edge.From], e, func(x *data.TrustEdge) data.Account { return x.To })
	next.in[edge.To], _ = upsert(s.in[edge.To], e, func(x *data.TrustEdge) data.Account { return x.From })
	if !replaced {
		next.count++
	}
	return next
}

func upsert(list []*data.TrustEdge, e *data.TrustEdge, key func(*data.TrustEdge) data.Account) ([]*data.TrustEdge, bool) {
	k := key(e)
	i := sort.Search(len(list), func(i int) bool { return !key(list[i]).Less(k) })
	out := make([]*data.TrustEdge, 0, len(list)+1)
	out = append(out, list[:i]...)
	if i < len(list) && key(list[i]) == k {
		out = append(out, e)
		return append(out, list[i+1:]...), true
	}
	out = append(out, e)
	return append(out, list[i:]...), false
}

// Edge returns the active edge for an ordered pair.
func (s *Snapshot) Edge(from, to data.Account) (data.TrustEdge, bool) {
	list := s.out[from]
	i := sort.Search(len(list), func(i int) bool { return !list[i].To.Less(to) })
	if i < len(list) && list[i].To == to {
		return *list[i], true
	}
	return data.TrustEdge{}, false
}

// Outgoing returns edges from a, ordered by destination.
func (s *Snapshot) Outgoing(a data.Account) []data.TrustEdge {
	return copyEdges(s.out[a])
}

// Incoming returns edges into a, ordered by source.
func (s *Snapshot) Incoming(a data.Account) []data.TrustEdge {
	return copyEdges(s.in[a])
}

func copyEdges(list []*data.TrustEdge) []data.TrustEdge {
	out := make([]data.TrustEdge, len(list))
	for i, e := range list {
		out[i] = *e
	}
	return out
}

// EdgeCount returns the number of ordered pairs with an edge.
func (s *Snapshot) EdgeCount() int {
	return s.count
}

// Accounts returns every account touching at least one edge.
func (s *Snapshot) Accounts() []data.Account {
	set := make(data.AccountSet, len(s.out)+len(s.in))
	for a := range s.out {
		set.Add(a)
	}
	for a := range s.in {
		set.Add(a)
	}
	return set.Sorted()
}

// Edges returns all edges ordered by (from, to).
func (s *Snapshot) Edges() []data.TrustEdge {
	out := make([]data.TrustEdge, 0, s.count)
	for _, from := range s.sortedSources() {
		out = append(out, copyEdges(s.out[from])...)
	}
	return out
}

func (s *Snapshot) sortedSources() []data.Account {
	keys := make([]data.Account, 0, len(s.out))
	for a := range s.out {
		keys = append(keys, a)
	}
	return data.SortAccounts(keys)
}

// ID is the content identifier of the snapshot. Two nodes holding the same
// edges derive the same ID.
func (s *Snapshot) ID() string {
	s.idOnce.Do(func() {
		var buf bytes.Buffer
		for _, e := range s.Edges() {
			fmt.Fprintf(&buf, "%s|%s|%d|%d|%t\n", e.From, e.To, e.Weight, e.Bond, e.Slashed)
		}
		mh, err := multihash.Sum(buf.Bytes(), multihash.SHA2_256, -1)
		if err != nil {
			s.id = ""
			return
		}
		s.id = cid.NewCidV1(cid.Raw, mh).String()
	})
	return s.id
}
