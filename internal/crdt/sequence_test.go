package crdt

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertChar(t *testing.T, s *SequenceCRDT, index int, value string) Operation {
	t.Helper()
	op, err := s.LocalInsert(index, value)
	require.NoError(t, err)
	return op
}

func TestLocalInsertAppendsAndOrders(t *testing.T) {
	s := NewSequenceCRDT("A")
	insertChar(t, s, 0, "H")
	insertChar(t, s, 1, "i")
	assert.Equal(t, "Hi", s.Text())
	assert.Equal(t, 2, s.VisibleLength())
}

func TestLocalInsertOutOfBounds(t *testing.T) {
	s := NewSequenceCRDT("A")
	_, err := s.LocalInsert(1, "x")
	assert.ErrorIs(t, err, ErrOutOfBounds)
	_, err = s.LocalInsert(-1, "x")
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestLocalDeleteOutOfBounds(t *testing.T) {
	s := NewSequenceCRDT("A")
	_, err := s.LocalDelete(0)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestLocalDeleteTombstones(t *testing.T) {
	s := NewSequenceCRDT("A")
	insertChar(t, s, 0, "x")
	_, err := s.LocalDelete(0)
	require.NoError(t, err)
	assert.Equal(t, "", s.Text())
	assert.Equal(t, 0, s.VisibleLength())
}

// Scenario 1 from the spec: two clients interleaving concurrent
// inserts at the start of an empty document must converge to the same
// three-character string at both replicas.
func TestTwoClientInterleaveConverges(t *testing.T) {
	a := NewSequenceCRDT("A")
	b := NewSequenceCRDT("B")

	opH, err := a.LocalInsert(0, "H")
	require.NoError(t, err)
	opI, err := a.LocalInsert(1, "i")
	require.NoError(t, err)
	opBang, err := b.LocalInsert(0, "!")
	require.NoError(t, err)

	require.Equal(t, Applied, a.ApplyRemote(opBang))
	require.Equal(t, Applied, b.ApplyRemote(opH))
	require.Equal(t, Applied, b.ApplyRemote(opI))

	assert.Equal(t, a.Text(), b.Text())
	assert.Len(t, a.Text(), 3)
	assert.Contains(t, []string{"!Hi", "Hi!"}, a.Text())
}

// Scenario 2: a delete that arrives before its matching insert is
// buffered and applied retroactively once the insert arrives.
func TestDeferredDeleteBeforeInsert(t *testing.T) {
	s := NewSequenceCRDT("A")
	other := NewSequenceCRDT("B")
	insertOp, err := other.LocalInsert(0, "a")
	require.NoError(t, err)

	deleteOp := Operation{Kind: OpDelete, Id: insertOp.Node.Id, Origin: "B"}
	require.Equal(t, Deferred, s.ApplyRemote(deleteOp))
	assert.Equal(t, "", s.Text())

	require.Equal(t, Applied, s.ApplyRemote(insertOp))
	assert.Equal(t, "", s.Text())
	assert.Empty(t, s.pendingDeletes)
}

// Scenario 3: replaying the same insert is idempotent.
func TestIdempotentInsertReplay(t *testing.T) {
	s := NewSequenceCRDT("A")
	op, err := s.LocalInsert(0, "x")
	require.NoError(t, err)
	remote := Operation{Kind: OpInsert, Node: op.Node, Origin: "A"}

	for i := 0; i < 10; i++ {
		s.ApplyRemote(remote)
	}
	assert.Equal(t, 1, s.VisibleLength())
	assert.Len(t, s.Text(), 1)
}

func TestApplyRemoteInsertDuplicate(t *testing.T) {
	s := NewSequenceCRDT("A")
	other := NewSequenceCRDT("B")
	op, err := other.LocalInsert(0, "x")
	require.NoError(t, err)

	require.Equal(t, Applied, s.ApplyRemote(op))
	assert.Equal(t, Duplicate, s.ApplyRemote(op))
}

func TestApplyRemoteUnknownKindInvalid(t *testing.T) {
	s := NewSequenceCRDT("A")
	assert.Equal(t, Invalid, s.ApplyRemote(Operation{Kind: "bogus"}))
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := NewSequenceCRDT("A")
	insertChar(t, s, 0, "a")
	insertChar(t, s, 1, "b")
	insertChar(t, s, 2, "c")
	_, err := s.LocalDelete(1)
	require.NoError(t, err)

	data, err := s.Snapshot()
	require.NoError(t, err)

	restored := NewSequenceCRDT("whatever")
	require.NoError(t, restored.Restore(data))
	assert.Equal(t, s.Text(), restored.Text())

	opD, err := restored.LocalInsert(1, "z")
	require.NoError(t, err)
	op2, err := s.LocalInsert(1, "z")
	require.NoError(t, err)
	assert.Equal(t, op2.Node.Value, opD.Node.Value)
}

func TestRestoreRejectsUnknownVariant(t *testing.T) {
	s := NewSequenceCRDT("A")
	err := s.Restore([]byte(`{"variant":"string-id-optimized","siteId":"x","clock":0,"nodes":[]}`))
	assert.Error(t, err)
}

func TestRestoreWithWarningsReportsDroppedFields(t *testing.T) {
	s := NewSequenceCRDT("A")
	dropped, err := s.RestoreWithWarnings([]byte(`{"variant":"logoot-v1","siteId":"x","clock":0,"nodes":[],"legacyField":1}`))
	require.NoError(t, err)
	assert.Contains(t, dropped, "legacyField")
}

func TestCompactDropsOldTombstonesOnly(t *testing.T) {
	s := NewSequenceCRDT("A")
	insertChar(t, s, 0, "a")
	insertChar(t, s, 1, "b")
	_, err := s.LocalDelete(0)
	require.NoError(t, err)
	s.SetCompactionAge(0)

	dropped := s.Compact(time.Now())
	assert.Equal(t, 1, dropped)
	assert.Equal(t, "b", s.Text())
}

func TestCompactPreservesPendingDeleteTargets(t *testing.T) {
	s := NewSequenceCRDT("A")
	other := NewSequenceCRDT("B")
	insertOp, err := other.LocalInsert(0, "a")
	require.NoError(t, err)
	require.Equal(t, Applied, s.ApplyRemote(insertOp))
	_, err = s.LocalDelete(0)
	require.NoError(t, err)

	s.pendingDeletes[canonicalKey(insertOp.Node.Id)] = insertOp.Node.Id
	s.SetCompactionAge(0)
	dropped := s.Compact(time.Now())
	assert.Equal(t, 0, dropped)
}

func TestCompactRateLimitedPerMinute(t *testing.T) {
	s := NewSequenceCRDT("A")
	insertChar(t, s, 0, "a")
	_, err := s.LocalDelete(0)
	require.NoError(t, err)
	s.SetCompactionAge(0)

	now := time.Now()
	assert.Equal(t, 1, s.Compact(now))
	insertChar(t, s, 0, "b")
	_, err = s.LocalDelete(0)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Compact(now.Add(10*time.Second)))
}

func TestConvergenceUnderPermutation(t *testing.T) {
	base := NewSequenceCRDT("A")
	var ops []Operation
	for i, ch := range "hello" {
		op, err := base.LocalInsert(i, string(ch))
		require.NoError(t, err)
		ops = append(ops, op)
	}

	perm := append([]Operation{}, ops...)
	rand.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })

	replica := NewSequenceCRDT("B")
	for _, op := range perm {
		replica.ApplyRemote(op)
	}
	assert.Equal(t, base.Text(), replica.Text())
}

func TestCommutativity(t *testing.T) {
	origin := NewSequenceCRDT("A")
	op1, err := origin.LocalInsert(0, "x")
	require.NoError(t, err)
	op2, err := origin.LocalInsert(1, "y")
	require.NoError(t, err)

	r1 := NewSequenceCRDT("B")
	r1.ApplyRemote(op1)
	r1.ApplyRemote(op2)

	r2 := NewSequenceCRDT("C")
	r2.ApplyRemote(op2)
	r2.ApplyRemote(op1)

	assert.Equal(t, r1.Text(), r2.Text())
}

func TestTieBreakBySiteTag(t *testing.T) {
	a := NodeId{Digits: []int64{5}, Site: "a-1"}
	b := NodeId{Digits: []int64{5}, Site: "b-1"}
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
}
