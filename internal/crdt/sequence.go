package crdt

import (
	"encoding/json"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrOutOfBounds is returned by LocalInsert/LocalDelete when the
// requested visible index is not within range.
var ErrOutOfBounds = errors.New("crdt: index out of bounds")

const (
	maxDigit = 1 << 16
	variant  = "logoot-v1"
)

// SequenceCRDT is the authoritative replica of one document's text.
// Every exported method takes the CRDT's own mutex, so it is safe for
// concurrent use (the persister's timer snapshots it while the room
// applies operations).
type SequenceCRDT struct {
	mu sync.Mutex

	siteId string
	opSeq  int64

	nodes          []CharNode      // sorted by NodeId, including BEGIN/END sentinels
	pendingDeletes map[string]NodeId // keyed by canonicalKey(id)

	compactionAge   time.Duration
	lastCompaction   time.Time
	compactionPeriod time.Duration
}

// NewSequenceCRDT builds an empty sequence bracketed by BEGIN/END
// sentinels, tagged with the replica's own siteId.
func NewSequenceCRDT(siteId string) *SequenceCRDT {
	return &SequenceCRDT{
		siteId:           siteId,
		nodes:            []CharNode{{Id: beginNodeId(), Value: "", Visible: false}, {Id: endNodeId(), Value: "", Visible: false}},
		pendingDeletes:   make(map[string]NodeId),
		compactionAge:    5 * time.Minute,
		compactionPeriod: time.Minute,
	}
}

// SetCompactionAge overrides the default tombstone age used by Compact.
func (s *SequenceCRDT) SetCompactionAge(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compactionAge = d
}

func canonicalKey(id NodeId) string {
	b, _ := json.Marshal(id)
	return string(b)
}

// allocateBetween mints a NodeId strictly between pos1 and pos2,
// following the common-prefix-then-branch Logoot algorithm: identical
// leading digits are copied, then either a random digit is picked in
// the open gap between the first diverging digits, or, when that gap
// is empty, the id is extended one level deeper with a fresh random
// digit. The site tag folds in a per-replica monotonic counter so two
// positions minted by the same replica are always distinct even if the
// random digit collides.
func (s *SequenceCRDT) allocateBetween(pos1, pos2 NodeId) NodeId {
	s.opSeq++

	depth := 0
	for depth < len(pos1.Digits) && depth < len(pos2.Digits) && pos1.Digits[depth] == pos2.Digits[depth] {
		depth++
	}

	digits := append([]int64{}, pos1.Digits[:depth]...)

	switch {
	case depth < len(pos1.Digits) && depth < len(pos2.Digits):
		left, right := pos1.Digits[depth], pos2.Digits[depth]
		if right-left > 1 {
			digits = append(digits, left+1+rand.Int63n(right-left-1))
		} else {
			digits = append(digits, left)
			if depth+1 < len(pos1.Digits) {
				digits = append(digits, pos1.Digits[depth+1:]...)
			}
			digits = append(digits, 1+rand.Int63n(maxDigit))
		}
	case depth < len(pos1.Digits):
		digits = append(digits, pos1.Digits[depth:]...)
		digits = append(digits, 1+rand.Int63n(maxDigit))
	case depth < len(pos2.Digits):
		right := pos2.Digits[depth]
		if right > 1 {
			digits = append(digits, rand.Int63n(right))
		} else {
			digits = append(digits, 0, 1+rand.Int63n(maxDigit))
		}
	default:
		digits = append(digits, 1+rand.Int63n(maxDigit))
	}

	return NodeId{Digits: digits, Site: siteTag(s.siteId, s.opSeq)}
}

func siteTag(siteId string, seq int64) string {
	return siteId + "-" + itoa(seq)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// visibleIndices returns indices into s.nodes of currently visible nodes,
// in sequence order.
func (s *SequenceCRDT) visibleIndices() []int {
	idx := make([]int, 0, len(s.nodes))
	for i, n := range s.nodes {
		if n.Visible {
			idx = append(idx, i)
		}
	}
	return idx
}

// LocalInsert inserts value at visibleIndex and returns the Insert
// operation to broadcast. visibleIndex must be in [0, visibleLength].
func (s *SequenceCRDT) LocalInsert(visibleIndex int, value string) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vis := s.visibleIndices()
	if visibleIndex < 0 || visibleIndex > len(vis) {
		return Operation{}, ErrOutOfBounds
	}

	var leftIdx, rightIdx int
	if visibleIndex == 0 {
		leftIdx = 0
	} else {
		leftIdx = vis[visibleIndex-1]
	}
	if visibleIndex == len(vis) {
		rightIdx = len(s.nodes) - 1
	} else {
		rightIdx = vis[visibleIndex]
	}

	newId := s.allocateBetween(s.nodes[leftIdx].Id, s.nodes[rightIdx].Id)
	node := CharNode{Id: newId, Value: value, Visible: true}

	insertAt := sort.Search(len(s.nodes), func(i int) bool { return s.nodes[i].Id.Compare(newId) > 0 })
	s.nodes = append(s.nodes, CharNode{})
	copy(s.nodes[insertAt+1:], s.nodes[insertAt:])
	s.nodes[insertAt] = node

	return Operation{Kind: OpInsert, Node: node, Origin: s.siteId}, nil
}

// LocalDelete tombstones the node at visibleIndex and returns the
// Delete operation to broadcast. visibleIndex must be in [0, visibleLength).
func (s *SequenceCRDT) LocalDelete(visibleIndex int) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vis := s.visibleIndices()
	if visibleIndex < 0 || visibleIndex >= len(vis) {
		return Operation{}, ErrOutOfBounds
	}

	i := vis[visibleIndex]
	s.nodes[i].Visible = false
	s.nodes[i].tombstone = time.Now().UnixNano()

	return Operation{Kind: OpDelete, Id: s.nodes[i].Id, Origin: s.siteId}, nil
}

// ApplyRemote applies an operation received from another replica or
// from the wire. It is idempotent and must not block.
func (s *SequenceCRDT) ApplyRemote(op Operation) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch op.Kind {
	case OpInsert:
		return s.applyInsert(op.Node)
	case OpDelete:
		return s.applyDelete(op.Id)
	default:
		return Invalid
	}
}

func (s *SequenceCRDT) findIndex(id NodeId) (int, bool) {
	i := sort.Search(len(s.nodes), func(i int) bool { return s.nodes[i].Id.Compare(id) >= 0 })
	if i < len(s.nodes) && s.nodes[i].Id.Equal(id) {
		return i, true
	}
	return i, false
}

func (s *SequenceCRDT) applyInsert(node CharNode) ApplyResult {
	insertAt, ok := s.findIndex(node.Id)
	if ok {
		return Duplicate
	}
	node.Visible = true
	s.nodes = append(s.nodes, CharNode{})
	copy(s.nodes[insertAt+1:], s.nodes[insertAt:])
	s.nodes[insertAt] = node

	key := canonicalKey(node.Id)
	if _, pending := s.pendingDeletes[key]; pending {
		s.nodes[insertAt].Visible = false
		s.nodes[insertAt].tombstone = time.Now().UnixNano()
		delete(s.pendingDeletes, key)
	}
	return Applied
}

func (s *SequenceCRDT) applyDelete(id NodeId) ApplyResult {
	if i, ok := s.findIndex(id); ok {
		s.nodes[i].Visible = false
		s.nodes[i].tombstone = time.Now().UnixNano()
		return Applied
	}
	s.pendingDeletes[canonicalKey(id)] = id
	return Deferred
}

// Text returns the concatenation of visible characters in id order.
func (s *SequenceCRDT) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.textLocked()
}

func (s *SequenceCRDT) textLocked() string {
	var b []byte
	for _, n := range s.nodes {
		if n.Visible {
			b = append(b, n.Value...)
		}
	}
	return string(b)
}

// VisibleLength returns the number of currently visible characters.
func (s *SequenceCRDT) VisibleLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visibleIndices())
}

// Clone deep-copies the CRDT so a snapshot can be marshaled without
// holding the lock for the duration of JSON encoding.
func (s *SequenceCRDT) Clone() *SequenceCRDT {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &SequenceCRDT{
		siteId:           s.siteId,
		opSeq:            s.opSeq,
		nodes:            append([]CharNode{}, s.nodes...),
		pendingDeletes:   make(map[string]NodeId, len(s.pendingDeletes)),
		compactionAge:    s.compactionAge,
		lastCompaction:   s.lastCompaction,
		compactionPeriod: s.compactionPeriod,
	}
	for k, v := range s.pendingDeletes {
		c.pendingDeletes[k] = v
	}
	return c
}

type persistedNode struct {
	Id        NodeId `json:"id"`
	Value     string `json:"value"`
	Visible   bool   `json:"visible"`
	Tombstone int64  `json:"tombstoneAt,omitempty"`
}

type persistedForm struct {
	Variant        string          `json:"variant"`
	SiteId         string          `json:"siteId"`
	Clock          int64           `json:"clock"`
	Nodes          []persistedNode `json:"nodes"`
	PendingDeletes []NodeId        `json:"pendingDeletes,omitempty"`
}

// knownPersistedFields lists the top-level keys Restore understands;
// anything else is dropped with a logged warning rather than silently
// misinterpreted by a future loader.
var knownPersistedFields = map[string]bool{
	"variant": true, "siteId": true, "clock": true, "nodes": true, "pendingDeletes": true,
}

// Snapshot serializes the full state, including tombstones and pending
// deletes, to the persisted JSON form described in the data model.
func (s *SequenceCRDT) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pf := persistedForm{
		Variant: variant,
		SiteId:  s.siteId,
		Clock:   s.opSeq,
	}
	for _, n := range s.nodes {
		pf.Nodes = append(pf.Nodes, persistedNode{Id: n.Id, Value: n.Value, Visible: n.Visible, Tombstone: n.tombstone})
	}
	for _, id := range s.pendingDeletes {
		pf.PendingDeletes = append(pf.PendingDeletes, id)
	}
	return json.Marshal(pf)
}

// Restore replaces the CRDT's state with the one encoded by bytes.
func (s *SequenceCRDT) Restore(data []byte) error {
	_, err := s.RestoreWithWarnings(data)
	return err
}

// RestoreWithWarnings behaves like Restore but also reports which
// unknown top-level fields were dropped, so a caller can log them
// rather than silently losing forward-compatible data.
func (s *SequenceCRDT) RestoreWithWarnings(data []byte) ([]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "crdt: restore: invalid json")
	}
	var pf persistedForm
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, errors.Wrap(err, "crdt: restore: invalid snapshot shape")
	}
	if pf.Variant != "" && pf.Variant != variant {
		return nil, errors.Errorf("crdt: restore: unsupported variant %q", pf.Variant)
	}

	var dropped []string
	for k := range raw {
		if !knownPersistedFields[k] {
			dropped = append(dropped, k)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.siteId = pf.SiteId
	s.opSeq = pf.Clock
	s.nodes = s.nodes[:0]
	for _, n := range pf.Nodes {
		s.nodes = append(s.nodes, CharNode{Id: n.Id, Value: n.Value, Visible: n.Visible, tombstone: n.Tombstone})
	}
	sort.Slice(s.nodes, func(i, j int) bool { return s.nodes[i].Id.Compare(s.nodes[j].Id) < 0 })
	s.pendingDeletes = make(map[string]NodeId, len(pf.PendingDeletes))
	for _, id := range pf.PendingDeletes {
		s.pendingDeletes[canonicalKey(id)] = id
	}
	return dropped, nil
}

// Compact drops tombstones older than the configured compaction age,
// provided no pending delete still refers to them. It is a no-op if
// called again within one minute of the previous run.
func (s *SequenceCRDT) Compact(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastCompaction.IsZero() && now.Sub(s.lastCompaction) < s.compactionPeriod {
		return 0
	}
	s.lastCompaction = now

	threshold := now.Add(-s.compactionAge).UnixNano()
	kept := s.nodes[:0:0]
	dropped := 0
	for _, n := range s.nodes {
		if n.Visible || n.tombstone == 0 || n.tombstone > threshold {
			kept = append(kept, n)
			continue
		}
		if _, pending := s.pendingDeletes[canonicalKey(n.Id)]; pending {
			kept = append(kept, n)
			continue
		}
		dropped++
	}
	s.nodes = kept
	return dropped
}
