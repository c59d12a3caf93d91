package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdcollab/core/internal/authn"
	"github.com/mdcollab/core/internal/room"
	"github.com/mdcollab/core/internal/store"
	"github.com/mdcollab/core/internal/wire"
)

type fakeResolver struct{ outcome authn.Outcome }

func (f fakeResolver) Resolve(token string) authn.Identity { return authn.Identity{Outcome: f.outcome} }

func newTestCoordinator(t *testing.T, limits Limits) (*Coordinator, *store.MemoryDocumentStore) {
	t.Helper()
	s := store.NewMemoryDocumentStore()
	c, err := New(s, fakeResolver{outcome: authn.Guest}, limits, wire.NewCodec(0, 0), nil, nil)
	require.NoError(t, err)
	return c, s
}

func TestResolveMissingDocumentIs4004(t *testing.T) {
	c, _ := newTestCoordinator(t, Limits{MaxConnectionsPerDocument: 2, MaxTotalConnections: 2, MaxCachedRooms: 2, SaveDelay: time.Second})
	_, _, err := c.Resolve(context.Background(), "missing", "")
	require.Error(t, err)
	var ae *AdmitError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 4004, ae.CloseCode)
}

func TestResolvePrivateDocumentGuestIs4003(t *testing.T) {
	c, s := newTestCoordinator(t, Limits{MaxConnectionsPerDocument: 2, MaxTotalConnections: 2, MaxCachedRooms: 2, SaveDelay: time.Second})
	s.PutMetadata("d1", store.Metadata{IsPublic: false, OwnerId: "owner"})

	_, _, err := c.Resolve(context.Background(), "d1", "")
	var ae *AdmitError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 4003, ae.CloseCode)
}

func TestResolvePublicDocumentGuestAllowed(t *testing.T) {
	c, s := newTestCoordinator(t, Limits{MaxConnectionsPerDocument: 2, MaxTotalConnections: 2, MaxCachedRooms: 2, SaveDelay: time.Second})
	s.PutMetadata("d1", store.Metadata{IsPublic: true})

	_, _, err := c.Resolve(context.Background(), "d1", "")
	assert.NoError(t, err)
}

// Scenario 5 from the spec: with maxConnectionsPerDocument=2, a third
// connection is rejected with 4009 while the first two are unaffected.
func TestCapacityPerDocumentClosesWith4009(t *testing.T) {
	c, s := newTestCoordinator(t, Limits{MaxConnectionsPerDocument: 2, MaxTotalConnections: 100, MaxCachedRooms: 10, SaveDelay: time.Second})
	s.PutMetadata("d1", store.Metadata{IsPublic: true})

	_, _, err := c.Resolve(context.Background(), "d1", "")
	require.NoError(t, err)
	_, err = c.Attach(context.Background(), "d1")
	require.NoError(t, err)

	_, _, err = c.Resolve(context.Background(), "d1", "")
	require.NoError(t, err)
	_, err = c.Attach(context.Background(), "d1")
	require.NoError(t, err)

	err = c.CheckCapacity("d1")
	var ae *AdmitError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 4009, ae.CloseCode)
}

func TestCapacityTotalClosesWith4008(t *testing.T) {
	c, s := newTestCoordinator(t, Limits{MaxConnectionsPerDocument: 100, MaxTotalConnections: 1, MaxCachedRooms: 10, SaveDelay: time.Second})
	s.PutMetadata("d1", store.Metadata{IsPublic: true})

	_, _, err := c.Resolve(context.Background(), "d1", "")
	require.NoError(t, err)
	_, err = c.Attach(context.Background(), "d1")
	require.NoError(t, err)

	err = c.CheckCapacity("d1")
	var ae *AdmitError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 4008, ae.CloseCode)
}

func TestAttachEvictsIdleRoomWhenCacheFull(t *testing.T) {
	c, s := newTestCoordinator(t, Limits{MaxConnectionsPerDocument: 10, MaxTotalConnections: 10, MaxCachedRooms: 1, SaveDelay: time.Second})
	s.PutMetadata("d1", store.Metadata{IsPublic: true})
	s.PutMetadata("d2", store.Metadata{IsPublic: true})

	r1, err := c.Attach(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, room.Empty, r1.State())
	assert.Equal(t, 1, c.RoomCount())

	r2, err := c.Attach(context.Background(), "d2")
	require.NoError(t, err)
	assert.NotNil(t, r2)
	assert.Equal(t, 1, c.RoomCount())

	_, stillThere := c.rooms["d1"]
	assert.False(t, stillThere)
}

type trivialSub struct{ siteId string }

func (t trivialSub) Send(msg wire.ServerMessage) error { return nil }
func (t trivialSub) SiteId() string                    { return t.siteId }
func (t trivialSub) UserId() *string                   { return nil }
func (t trivialSub) Username() string                  { return t.siteId }

func fakeSubFor(siteId string) room.Subscriber { return trivialSub{siteId: siteId} }
