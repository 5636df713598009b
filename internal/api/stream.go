package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"stockflow/internal/apperr"
	"stockflow/internal/docstore"
	"stockflow/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamMessage is one snapshot sent to a websocket client
type streamMessage struct {
	Collection string            `json:"collection"`
	ReadAt     time.Time         `json:"read_at"`
	Docs       []json.RawMessage `json:"docs"`
}

// stream upgrades to a websocket and pushes a fresh snapshot of the
// collection after every change. Permission and parameter errors are
// reported before the upgrade.
func (h *Handler) stream(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())

	collection := c.Param("collection")
	snapshots, err := h.watch(ctx, c, collection)
	if err != nil {
		cancel()
		h.fail(c, "Failed to open stream", err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cancel()
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	go readUntilClosed(conn, cancel)
	h.writeSnapshots(conn, collection, snapshots)
	cancel()
}

func (h *Handler) watch(ctx context.Context, c *gin.Context, collection string) (<-chan docstore.Snapshot, error) {
	sess := session(c)
	switch collection {
	case models.CollectionProducts:
		return h.svc.Catalog.WatchProducts(ctx, sess, c.Query("category_id"))
	case models.CollectionPurchaseOrders:
		return h.svc.Orders.Watch(ctx, sess, models.POStatus(c.Query("status")))
	case models.CollectionInventoryLogs:
		limit, err := queryInt(c, "limit")
		if err != nil {
			return nil, err
		}
		return h.svc.Stock.WatchLogs(ctx, sess, limit)
	default:
		return nil, apperr.NotFound("no stream for %q", collection)
	}
}

// readUntilClosed discards client frames and cancels the stream once the
// client goes away or stops answering pings
func readUntilClosed(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writeSnapshots(conn *websocket.Conn, collection string, snapshots <-chan docstore.Snapshot) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case snap, ok := <-snapshots:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			msg := streamMessage{Collection: collection, ReadAt: snap.ReadAt, Docs: make([]json.RawMessage, len(snap.Docs))}
			for i, d := range snap.Docs {
				msg.Docs[i] = d.Data
			}
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug("Stream write failed", zap.String("collection", collection), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
