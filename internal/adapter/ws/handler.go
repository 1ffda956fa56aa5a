// Package ws implements the WebSocket adapter that streams a task's ordered
// events to subscribed clients.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/StrataBot/MarketMind/internal/config"
	"github.com/StrataBot/MarketMind/internal/domain"
	"github.com/StrataBot/MarketMind/internal/service"
)

// TaskCanceller is the slice of the task manager the read loop needs.
type TaskCanceller interface {
	Cancel(ctx context.Context, taskID string) error
}

// Handler upgrades per-task streaming connections. Each connection is one
// subscriber on one task's event stream; a client may also send control
// messages (cancel) over the same connection.
type Handler struct {
	streamer     *service.Streamer
	tasks        TaskCanceller
	writeTimeout time.Duration
}

// NewHandler creates the WebSocket handler.
func NewHandler(streamer *service.Streamer, tasks TaskCanceller, cfg config.Stream) *Handler {
	return &Handler{
		streamer:     streamer,
		tasks:        tasks,
		writeTimeout: cfg.WriteTimeout,
	}
}

// HandleTask serves GET /ws/tasks/{id}?from_seq=N. Events from from_seq
// onward are replayed before live delivery; an unknown task is rejected
// before the upgrade.
func (h *Handler) HandleTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	var fromSeq uint64
	if raw := r.URL.Query().Get("from_seq"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, `{"error":"invalid from_seq"}`, http.StatusBadRequest)
			return
		}
		fromSeq = v
	}

	sub, err := h.streamer.Subscribe(taskID, fromSeq)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, `{"error":"task not found or already finished"}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error":"subscribe failed"}`, http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		sub.Close()
		slog.Error("websocket accept failed", "task_id", taskID, "error", err)
		return
	}

	slog.Info("websocket subscribed", "task_id", taskID, "from_seq", fromSeq, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer sub.Close()

	go h.readLoop(ctx, cancel, conn, taskID)
	h.writeLoop(ctx, conn, sub, taskID)
}

// readLoop consumes client control messages until the connection drops.
// Dropping the connection never affects the task itself; only an explicit
// cancel action does.
func (h *Handler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, taskID string) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("malformed control message", "task_id", taskID, "error", err)
			continue
		}
		if msg.Action == ActionCancel {
			if err := h.tasks.Cancel(ctx, taskID); err != nil {
				slog.Debug("cancel via websocket", "task_id", taskID, "error", err)
			}
		}
	}
}

// writeLoop pushes subscription events to the client until the stream ends
// or the client falls away.
func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, sub *service.Subscription, taskID string) {
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "client gone")
			return

		case ev, ok := <-sub.C:
			if !ok {
				h.closeFor(conn, sub.Reason())
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				slog.Error("marshal event frame", "task_id", taskID, "seq", ev.Seq, "error", err)
				continue
			}

			wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("websocket write failed", "task_id", taskID, "error", err)
				_ = conn.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// closeFor translates a subscription end into the matching close frame.
func (h *Handler) closeFor(conn *websocket.Conn, reason string) {
	switch reason {
	case service.ReasonSlowConsumer:
		_ = conn.Close(websocket.StatusPolicyViolation, "slow consumer")
	default:
		_ = conn.Close(websocket.StatusNormalClosure, "stream ended")
	}
}
