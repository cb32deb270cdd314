package handlers

import (
	"ScrapbookComments/internal/models"
	"ScrapbookComments/internal/router/middleware"
	"github.com/gorilla/websocket"
	"github.com/wb-go/wbf/ginext"
	"go.uber.org/zap"
	"net/http"
	"slices"
	"time"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type treeMessage struct {
	Type     string           `json:"type"`
	EntryID  string           `json:"entry_id"`
	Comments []models.Comment `json:"comments"`
}

// StreamComments upgrades to a websocket and pushes the entry's tree every
// time it changes. Client messages are ignored.
func (h *CommentHandler) StreamComments(c *ginext.Context) {
	log := c.MustGet(middleware.LoggerKey).(*zap.Logger)
	entryID := c.Param("entryId")

	updates, cancel, err := h.service.Subscribe(c.Request.Context(), entryID)
	if err != nil {
		log.Error("Failed to subscribe to entry", zap.String("entry_id", entryID), zap.Error(err))
		c.JSON(errorCodeDefiner(err), ginext.H{"error": "Failed to subscribe to comments"})
		return
	}
	defer cancel()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	log.Info("WebSocket connected", zap.String("entry_id", entryID))

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case view, ok := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "entry released"))
				return
			}
			if err := conn.WriteJSON(treeMessage{Type: "comments", EntryID: entryID, Comments: view}); err != nil {
				log.Debug("WebSocket write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			log.Info("WebSocket disconnected", zap.String("entry_id", entryID))
			return
		}
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}
