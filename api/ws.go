package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/warp/referral-engine/fanout"
	"github.com/warp/referral-engine/ledger"
	"golang.org/x/net/websocket"
)

const (
	maxFramePayloadBytes   = 4 * 1024
	maxFramesPerSecond     = 20
	maxDecodeErrorsPerConn = 3
)

// Frame types.
const (
	frameWelcome = "welcome"
	frameEvent   = "event"
	frameAck     = "ack"
	frameError   = "error"

	frameJoin  = "join"
	frameLeave = "leave"
	framePing  = "ping"
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type roomPayload struct {
	Room string `json:"room"`
}

type welcomePayload struct {
	SessionID string        `json:"session_id"`
	Principal string        `json:"principal"`
	Rooms     []fanout.Room `json:"rooms"`
}

type ackPayload struct {
	Status string        `json:"status"`
	Rooms  []fanout.Room `json:"rooms,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsPeer serializes writes from the reader loop and the event writer.
type wsPeer struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	encoder *json.Encoder
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return p.encoder.Encode(frame)
}

// ServeWS upgrades to a websocket session. The session starts in the
// principal's home rooms and may join or leave others it is allowed in.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	websocket.Handler(func(conn *websocket.Conn) {
		h.serveSession(conn, p)
	}).ServeHTTP(w, r)
}

func (h *Handler) serveSession(conn *websocket.Conn, p ledger.Principal) {
	defer conn.Close()
	// The server's request read timeout must not end a long-lived session.
	_ = conn.SetReadDeadline(time.Time{})

	session := fanout.NewQueuedSession(ledger.NewID(), h.SessionBuffer)
	peer := &wsPeer{conn: conn, encoder: json.NewEncoder(conn)}

	h.Metrics.SessionOpened()
	defer h.Metrics.SessionClosed()
	defer h.Registry.LeaveAll(session)
	defer session.Close()

	for _, room := range fanout.HomeRooms(p) {
		h.Registry.Join(session, room)
	}
	logger := h.Logger.With("session_id", session.ID(), "principal", p.String())
	logger.Debug("websocket session opened")

	if err := peer.writeFrame(wsFrame{Type: frameWelcome, Payload: mustJSON(welcomePayload{
		SessionID: session.ID(),
		Principal: p.String(),
		Rooms:     h.Registry.Rooms(session),
	})}); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		err := session.Run(ctx, func(ev ledger.Event) error {
			return peer.writeFrame(wsFrame{Type: frameEvent, Payload: mustJSON(ev)})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("websocket writer stopped", "error", err)
		}
		// Unblocks the reader when the registry dropped the session.
		conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || ctx.Err() != nil {
				break
			}
			select {
			case <-session.Done():
				logger.Debug("websocket session closed")
				return
			default:
			}
			decodeErrors++
			if writeWSError(peer, "", "INVALID_ARGUMENT", "invalid frame payload") != nil || decodeErrors >= maxDecodeErrorsPerConn {
				break
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			break
		}

		switch frame.Type {
		case frameJoin, frameLeave:
			h.handleRoomFrame(peer, session, p, frame)
		case framePing:
			_ = peer.writeFrame(wsFrame{Type: frameAck, RequestID: frame.RequestID, Payload: mustJSON(ackPayload{Status: "pong"})})
		default:
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
	logger.Debug("websocket session closed")
}

func (h *Handler) handleRoomFrame(peer *wsPeer, session *fanout.QueuedSession, p ledger.Principal, frame wsFrame) {
	var payload roomPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid room payload")
		return
	}
	room := fanout.Room(strings.TrimSpace(payload.Room))
	if room == "" {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "room is required")
		return
	}

	if frame.Type == frameJoin {
		if !fanout.CanJoin(p, room) {
			_ = writeWSError(peer, frame.RequestID, "PERMISSION_DENIED", "cannot join "+string(room))
			return
		}
		h.Registry.Join(session, room)
	} else {
		h.Registry.Leave(session, room)
	}
	_ = peer.writeFrame(wsFrame{
		Type:      frameAck,
		RequestID: frame.RequestID,
		Payload:   mustJSON(ackPayload{Status: "ok", Rooms: h.Registry.Rooms(session)}),
	})
}

func writeWSError(peer *wsPeer, requestID, code, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      frameError,
		RequestID: requestID,
		Payload:   mustJSON(wsError{Code: code, Message: message}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
