package transport

import (
	"context"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mdcollab/core/internal/coordinator"
	"github.com/mdcollab/core/internal/logging"
	"github.com/mdcollab/core/internal/wire"
)

// Handler wires the /ws/:documentId endpoint: admission through the
// coordinator, WebSocket upgrade, then read/write pumps until the
// connection or its room goes away.
type Handler struct {
	coordinator *coordinator.Coordinator
	codec       *wire.Codec
	logger      *zap.Logger
}

// NewHandler builds a Handler.
func NewHandler(c *coordinator.Coordinator, codec *wire.Codec, logger *zap.Logger) *Handler {
	return &Handler{coordinator: c, codec: codec, logger: logging.OrNop(logger)}
}

// Register attaches the WebSocket route to r.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/ws/:documentId", h.serveWS)
}

func bearerToken(c *gin.Context) string {
	if tok := c.Query("token"); tok != "" {
		return tok
	}
	auth := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return ""
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (h *Handler) serveWS(c *gin.Context) {
	documentId := c.Param("documentId")
	token := bearerToken(c)

	identity, _, err := h.coordinator.Resolve(c.Request.Context(), documentId, token)
	if err != nil {
		writeAdmitError(c, err)
		return
	}

	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	if err := h.coordinator.CheckCapacity(documentId); err != nil {
		closeWithAdmitError(ws, err)
		return
	}

	r, err := h.coordinator.Attach(c.Request.Context(), documentId)
	if err != nil {
		closeWithAdmitError(ws, err)
		h.coordinator.Detach(documentId)
		return
	}

	siteId := identity.SiteBase() + "-" + randomSuffix()
	conn := NewConnection(ws, documentId, siteId, identity, h.codec, h.logger)
	conn.AttachRoom(r)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	frame, err := r.Subscribe(ctx, conn)
	if err != nil {
		_ = ws.Close(websocket.StatusCode(4000), "document unavailable")
		h.coordinator.Detach(documentId)
		return
	}
	if err := conn.Send(frame); err != nil {
		h.coordinator.Detach(documentId)
		return
	}

	go conn.WritePump(ctx)

	conn.ReadPump(ctx)

	h.coordinator.Detach(documentId)
	_ = ws.Close(websocket.StatusNormalClosure, "")
}

func writeAdmitError(c *gin.Context, err error) {
	var ae *coordinator.AdmitError
	if as, ok := err.(*coordinator.AdmitError); ok {
		ae = as
	}
	if ae == nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	// The upgrade never completed, so there is no WebSocket to close;
	// report the rejection as an HTTP status instead. Resolve only ever
	// produces 4003/4004/4000; capacity (4008/4009) is checked after
	// accept, via CheckCapacity, and closed as a WebSocket instead.
	switch ae.CloseCode {
	case 4003:
		c.Status(http.StatusForbidden)
	case 4004:
		c.Status(http.StatusNotFound)
	default:
		c.Status(http.StatusBadRequest)
	}
}

func closeWithAdmitError(ws *websocket.Conn, err error) {
	code := websocket.StatusCode(4000)
	reason := "internal error"
	if ae, ok := err.(*coordinator.AdmitError); ok {
		code = websocket.StatusCode(ae.CloseCode)
		reason = ae.Reason
	}
	_ = ws.Close(code, reason)
}
