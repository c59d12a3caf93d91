// Package crdt implements the Logoot-style sequence CRDT that backs a
// collaboratively edited document: dense positional identifiers, a
// tombstone-preserving character sequence, and the apply/compact
// operations that keep replicas convergent.
package crdt

import "fmt"

// bound tags the BEGIN and END sentinels so they compare correctly
// against any digit list without reserving a digit value for "infinity".
type bound int8

const (
	boundNone bound = 0
	boundMin  bound = -1
	boundMax  bound = 1
)

// NodeId is a dense Logoot position: a list of digits ordered
// lexicographically, with a site tag breaking ties between identical
// digit lists. It is immutable once minted and comparable byte-for-byte
// across replicas.
type NodeId struct {
	Digits []int64 `json:"digits"`
	Site   string  `json:"site"`
	bound  bound
}

func beginNodeId() NodeId {
	return NodeId{Digits: []int64{0}, Site: "BEGIN", bound: boundMin}
}

func endNodeId() NodeId {
	return NodeId{Digits: []int64{1<<31 - 1}, Site: "END", bound: boundMax}
}

// Compare returns -1, 0 or 1 ordering a before b. Sentinels always sort
// to their bound regardless of digits; otherwise digit lists compare
// element-wise, a shorter list that is a strict prefix of the other
// sorts first, and equal digit lists are broken by Site.
func (a NodeId) Compare(b NodeId) int {
	if a.bound != b.bound {
		if a.bound < b.bound {
			return -1
		}
		return 1
	}
	if a.bound == boundMin || a.bound == boundMax {
		return 0
	}
	n := len(a.Digits)
	if len(b.Digits) < n {
		n = len(b.Digits)
	}
	for i := 0; i < n; i++ {
		if a.Digits[i] != b.Digits[i] {
			if a.Digits[i] < b.Digits[i] {
				return -1
			}
			return 1
		}
	}
	if len(a.Digits) != len(b.Digits) {
		if len(a.Digits) < len(b.Digits) {
			return -1
		}
		return 1
	}
	if a.Site == b.Site {
		return 0
	}
	if a.Site < b.Site {
		return -1
	}
	return 1
}

// Equal reports whether a and b identify the same node.
func (a NodeId) Equal(b NodeId) bool {
	return a.Compare(b) == 0 && a.bound == b.bound
}

func (a NodeId) String() string {
	return fmt.Sprintf("%v/%s", a.Digits, a.Site)
}
