package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/mdcollab/core/internal/authn"
	"github.com/mdcollab/core/internal/coordinator"
	"github.com/mdcollab/core/internal/store"
	"github.com/mdcollab/core/internal/wire"
)

type allowAll struct{}

func (allowAll) Resolve(token string) authn.Identity { return authn.Identity{Outcome: authn.Guest} }

func newTestServer(t *testing.T) (*httptest.Server, *coordinator.Coordinator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := store.NewMemoryDocumentStore()
	s.PutMetadata("doc1", store.Metadata{IsPublic: true})

	c, err := coordinator.New(s, allowAll{}, coordinator.Limits{
		MaxConnectionsPerDocument: 10,
		MaxTotalConnections:       10,
		MaxCachedRooms:            10,
		SaveDelay:                 50 * time.Millisecond,
	}, wire.NewCodec(0, 0), nil, nil)
	require.NoError(t, err)

	r := gin.New()
	NewHandler(c, wire.NewCodec(0, 0), nil).Register(r)
	return httptest.NewServer(r), c
}

func wsURL(srv *httptest.Server, documentId string) string {
	return "ws" + srv.URL[len("http"):] + "/ws/" + documentId
}

func TestHandlerRoundTripsPing(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, "doc1"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, first, err := conn.Read(ctx)
	require.NoError(t, err)
	var initial map[string]any
	require.NoError(t, json.Unmarshal(first, &initial))
	require.Equal(t, "initial_state", initial["type"])

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, "pong", msg["type"])
}

func TestHandlerRejectsMissingDocumentBeforeUpgrade(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	ctx := context.Background()
	_, _, err := websocket.Dial(ctx, wsURL(srv, "missing"), nil)
	require.Error(t, err)
}

// Scenario 5: once a document is at its per-document connection limit,
// the next connection completes the WebSocket handshake but is then
// closed with 4009, not rejected at the HTTP layer.
func TestHandlerClosesWithWSCodeWhenDocumentFull(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := store.NewMemoryDocumentStore()
	s.PutMetadata("doc1", store.Metadata{IsPublic: true})

	c, err := coordinator.New(s, allowAll{}, coordinator.Limits{
		MaxConnectionsPerDocument: 1,
		MaxTotalConnections:       10,
		MaxCachedRooms:            10,
		SaveDelay:                 50 * time.Millisecond,
	}, wire.NewCodec(0, 0), nil, nil)
	require.NoError(t, err)

	r := gin.New()
	NewHandler(c, wire.NewCodec(0, 0), nil).Register(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx := context.Background()
	first, _, err := websocket.Dial(ctx, wsURL(srv, "doc1"), nil)
	require.NoError(t, err)
	defer first.Close(websocket.StatusNormalClosure, "")
	_, _, err = first.Read(ctx)
	require.NoError(t, err)

	second, _, err := websocket.Dial(ctx, wsURL(srv, "doc1"), nil)
	require.NoError(t, err)
	defer second.Close(websocket.StatusNormalClosure, "")

	_, _, err = second.Read(ctx)
	require.Error(t, err)
	require.Equal(t, websocket.StatusCode(4009), websocket.CloseStatus(err))
}

func TestHandlerBroadcastsOperationBetweenTwoConnections(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()
	ctx := context.Background()

	connA, _, err := websocket.Dial(ctx, wsURL(srv, "doc1"), nil)
	require.NoError(t, err)
	defer connA.Close(websocket.StatusNormalClosure, "")
	_, _, err = connA.Read(ctx) // initial_state
	require.NoError(t, err)

	connB, _, err := websocket.Dial(ctx, wsURL(srv, "doc1"), nil)
	require.NoError(t, err)
	defer connB.Close(websocket.StatusNormalClosure, "")
	_, _, err = connB.Read(ctx) // initial_state
	require.NoError(t, err)

	_, _, err = connA.Read(ctx) // user_joined for B
	require.NoError(t, err)

	insertMsg := `{"type":"operation","operation":{"type":"insert","node":{"id":{"digits":[500],"site":"guest-aaaaaaaa#1"},"value":"x","visible":true}}}`
	require.NoError(t, connA.Write(ctx, websocket.MessageText, []byte(insertMsg)))

	_, data, err := connB.Read(ctx)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, "operation", msg["type"])
}
