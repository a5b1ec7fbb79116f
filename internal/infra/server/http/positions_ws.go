package httpserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/tradetaper/terminal-farm/internal/farm"
	"github.com/tradetaper/terminal-farm/internal/observability"
)

const (
	wsWriteTimeout   = 5 * time.Second
	wsSendBufferSize = 8
)

type wsSubscriber struct {
	accountID string
	frames    chan []byte
}

// PositionsHub fans position snapshots out to websocket subscribers. It
// implements farm.PositionsPublisher.
type PositionsHub struct {
	mu   sync.Mutex
	subs map[*wsSubscriber]struct{}
}

func NewPositionsHub() *PositionsHub {
	return &PositionsHub{subs: make(map[*wsSubscriber]struct{})}
}

// Publish pushes the snapshot to every subscriber watching its account. Slow
// consumers miss frames rather than stall the webhook path.
func (h *PositionsHub) Publish(snapshot farm.PositionsSnapshot) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		observability.Log().Error("positions hub: encode snapshot", observability.F("error", err.Error()))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.accountID != snapshot.AccountID {
			continue
		}
		select {
		case sub.frames <- payload:
		default:
		}
	}
}

func (h *PositionsHub) subscribe(accountID string) *wsSubscriber {
	sub := &wsSubscriber{accountID: accountID, frames: make(chan []byte, wsSendBufferSize)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *PositionsHub) unsubscribe(sub *wsSubscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// Subscribers reports the current subscriber count.
func (h *PositionsHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// servePositionsWS upgrades GET /ws/positions?accountId= and streams position
// snapshots for the account. Browsers cannot set the Authorization header on
// websocket handshakes, so a token query parameter is accepted too.
func (s *httpServer) servePositionsWS(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "accountId required")
		return
	}
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	userID, err := s.users.VerifyUser(token)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	// Ownership check plus the frame the client sees first.
	initial, err := s.service.LivePositions(r.Context(), accountID, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		observability.Log().Debug("positions ws: accept", observability.F("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.hub.subscribe(accountID)
	defer s.hub.unsubscribe(sub)

	// Drain reads so client-initiated close is observed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	if payload, err := json.Marshal(initial); err == nil {
		if err := writeFrame(ctx, conn, payload); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case payload := <-sub.frames:
			if err := writeFrame(ctx, conn, payload); err != nil {
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}
