package ws

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/eduquiz/duel-lobby-backend/internal/broadcast"
	"github.com/eduquiz/duel-lobby-backend/internal/lobby"
	"github.com/eduquiz/duel-lobby-backend/internal/types"
)

// readTimeout must tolerate the 30s client heartbeat interval with room for
// jitter; a socket silent for longer than this is torn down and presence
// eviction follows via the staleness sweep.
const readTimeout = 75 * time.Second

func Handler(rt *lobby.Router, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playerID := r.URL.Query().Get("player_id")
		if playerID == "" {
			http.Error(w, "missing player_id", http.StatusBadRequest)
			return
		}
		shard, err := strconv.Atoi(r.URL.Query().Get("shard"))
		if err != nil || !rt.ValidShard(shard) {
			http.Error(w, "bad shard", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// In dev ONLY, you can loosen origin checks:
			// OriginPatterns: []string{"http://localhost:*", "http://127.0.0.1:*"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan broadcast.Event, 16)
		// One player may hold several tabs; each subscription gets its own id.
		clientID := playerID + ":" + randID(6)

		if err := rt.Subscribe(shard, clientID, out); err != nil {
			return
		}
		defer rt.Unsubscribe(shard, clientID)

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for ev := range out {
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				ctx, cancel := context.WithTimeout(writeCtx, 3*time.Second)
				_ = conn.Write(ctx, websocket.MessageText, payload)
				cancel()
			}
		}()

		// Reader loop
		for {
			ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				// Treat clean close/going-away as normal:
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				// Otherwise, just exit (Unsubscribe in defer):
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				msg, _ := json.Marshal(types.ErrorMessage{Type: "error", Error: "bad json"})
				_ = conn.Write(r.Context(), websocket.MessageText, msg)
				continue
			}

			switch cm.Type {
			case "heartbeat":
				if err := rt.Heartbeat(playerID, shard); err != nil {
					log.Warn("ws heartbeat rejected", zap.String("player_id", playerID), zap.Error(err))
				}
			default:
				msg, _ := json.Marshal(types.ErrorMessage{Type: "error", Error: "unknown type"})
				_ = conn.Write(r.Context(), websocket.MessageText, msg)
			}
		}
	}
}

func randID(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))]
	}
	return string(b)
}
