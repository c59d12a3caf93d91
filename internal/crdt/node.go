package crdt

// CharNode is one character occurrence in the replicated sequence.
// Value is immutable once created; Visible only ever transitions from
// true to false (a tombstone), never back.
type CharNode struct {
	Id        NodeId `json:"id"`
	Value     string `json:"value"`
	Visible   bool   `json:"visible"`
	tombstone int64  // unix nanos when Visible flipped false; 0 if still visible
}
