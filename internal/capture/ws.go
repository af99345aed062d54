package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"capture-orchestrator/internal/pose"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	wsReadLimit        = 16 << 20
	wsHandshakeTimeout = 10 * time.Second
	wsReadTimeout      = 60 * time.Second
	wsWriteTimeout     = 5 * time.Second
	// how long a forwarder waits for a teardown it did not start
	wsCloseWait = 30 * time.Second
)

// client -> server
type wsRequest struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId,omitempty"`
	Image     string `json:"image,omitempty"`
}

type wsNotice struct {
	Action    string    `json:"action"`
	SessionID SessionID `json:"sessionId,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
	Message   string    `json:"message,omitempty"`
}

type wsSkeleton struct {
	Action  string       `json:"action"`
	Seq     uint64       `json:"seq"`
	Joints  []pose.Joint `json:"joints"`
	Metrics pose.Metrics `json:"metrics"`
}

type wsClosed struct {
	Action string `json:"action"`
	closeResponse
}

// Skeleton handles GET /ws/skeleton. The first client message must be
// {"action":"connect","sessionId":...}; afterwards the client sends frames
// and receives one skeleton, frame_dropped or error message per frame, in
// submission order. {"action":"end_session"} closes the session and is
// answered with session_closed before the socket closes.
func (h *Handler) Skeleton(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	ctx := r.Context()
	s, events, ok := h.wsConnect(ctx, conn)
	if !ok {
		return
	}
	log := h.log.With(slog.String("session_id", string(s.ID)))
	log.Info("analysis stream attached")

	var clientEnded atomic.Bool
	fwdDone := make(chan struct{})
	go h.forwardEvents(ctx, conn, s, events, &clientEnded, fwdDone, log)

	for {
		var req wsRequest
		readCtx, cancel := context.WithTimeout(ctx, wsReadTimeout)
		err := wsjson.Read(readCtx, conn, &req)
		cancel()
		if err != nil {
			h.wsDisconnected(s, err, fwdDone, log)
			return
		}

		switch req.Action {
		case "frame":
			h.wsFrame(ctx, conn, s.ID, req.Image, log)
		case "end_session":
			clientEnded.Store(true)
			out, err := h.ctl.Close(ctx, s.ID, CloseRequested)
			<-fwdDone
			if err != nil {
				wsWrite(ctx, conn, wsNotice{Action: "error", Message: "session already closed"})
				_ = conn.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			wsWrite(ctx, conn, wsClosed{Action: "session_closed", closeResponse: newCloseResponse(out)})
			_ = conn.Close(websocket.StatusNormalClosure, "session closed")
			return
		case "ping":
			wsWrite(ctx, conn, wsNotice{Action: "pong"})
		default:
			wsWrite(ctx, conn, wsNotice{Action: "error", Message: "unknown action " + req.Action})
		}
	}
}

// wsConnect performs the connect handshake and claims the session's event
// stream. On failure it reports the reason to the client and closes.
func (h *Handler) wsConnect(ctx context.Context, conn *websocket.Conn) (*Session, <-chan Event, bool) {
	hsCtx, cancel := context.WithTimeout(ctx, wsHandshakeTimeout)
	defer cancel()

	var req wsRequest
	if err := wsjson.Read(hsCtx, conn, &req); err != nil {
		h.log.Debug("websocket handshake read failed", slog.String("error", err.Error()))
		return nil, nil, false
	}
	if req.Action != "connect" || req.SessionID == "" {
		wsWrite(ctx, conn, wsNotice{Action: "error", Message: "expected connect with sessionId"})
		_ = conn.Close(websocket.StatusPolicyViolation, "connect required")
		return nil, nil, false
	}

	id := SessionID(req.SessionID)
	s, err := h.ctl.Lookup(id)
	var events <-chan Event
	if err == nil {
		events, err = h.ctl.Events(id)
	}
	if err != nil {
		msg := "invalid or closed session"
		if errors.Is(err, ErrChannelInUse) {
			msg = "session already has an analysis stream"
		}
		wsWrite(ctx, conn, wsNotice{Action: "error", SessionID: id, Message: msg})
		_ = conn.Close(websocket.StatusPolicyViolation, msg)
		return nil, nil, false
	}

	wsWrite(ctx, conn, wsNotice{Action: "connected", SessionID: id})
	return s, events, true
}

func (h *Handler) wsFrame(ctx context.Context, conn *websocket.Conn, id SessionID, image string, log *slog.Logger) {
	data, err := decodeFrame(image)
	if err != nil {
		wsWrite(ctx, conn, wsNotice{Action: "error", Message: "frame is not valid base64"})
		return
	}
	if _, err := h.ctl.SubmitFrame(id, data); err != nil {
		log.Debug("frame rejected", slog.String("error", err.Error()))
		wsWrite(ctx, conn, wsNotice{Action: "error", Message: "session is not accepting frames"})
	}
}

// wsDisconnected closes the session as ungraceful unless something else
// already moved it out of active.
func (h *Handler) wsDisconnected(s *Session, readErr error, fwdDone <-chan struct{}, log *slog.Logger) {
	if s.State() == StateActive {
		status := websocket.CloseStatus(readErr)
		log.Warn("analysis stream lost",
			slog.Int("close_status", int(status)),
			slog.String("error", readErr.Error()))
		// The request context is already done; teardown runs on its own bound.
		if _, err := h.ctl.Close(context.Background(), s.ID, CloseDisconnected); err != nil && !errors.Is(err, ErrUnknownSession) {
			log.Warn("close after disconnect failed", slog.String("error", err.Error()))
		}
	}
	<-fwdDone
}

// forwardEvents relays channel events to the socket until the channel
// closes. After a write failure it keeps draining so the worker never
// stalls on a dead client. When the session was closed by someone other
// than this client it reports session_closed and closes the socket.
func (h *Handler) forwardEvents(ctx context.Context, conn *websocket.Conn, s *Session, events <-chan Event, clientEnded *atomic.Bool, done chan<- struct{}, log *slog.Logger) {
	defer close(done)

	broken := false
	for ev := range events {
		if broken {
			continue
		}
		if err := wsWriteErr(ctx, conn, eventMessage(ev)); err != nil {
			log.Debug("analysis event write failed", slog.String("error", err.Error()))
			broken = true
		}
	}
	if broken || clientEnded.Load() {
		return
	}

	select {
	case <-s.Done():
	case <-time.After(wsCloseWait):
		return
	case <-ctx.Done():
		return
	}
	if clientEnded.Load() {
		return
	}
	wsWrite(ctx, conn, wsClosed{Action: "session_closed", closeResponse: newCloseResponse(s.Outcome())})
	_ = conn.Close(websocket.StatusNormalClosure, "session closed")
}

func eventMessage(ev Event) any {
	switch ev.Kind {
	case EventResult:
		res := pose.Shape(ev.Result)
		return wsSkeleton{Action: "skeleton", Seq: ev.Seq, Joints: res.Joints, Metrics: res.Metrics}
	case EventFrameDropped:
		return wsNotice{Action: "frame_dropped", Seq: ev.Seq, Message: "analysis queue full, frame dropped"}
	case EventAnalyzerTimeout:
		return wsNotice{Action: "error", Seq: ev.Seq, Message: "analysis timed out"}
	default:
		msg := "analysis failed"
		if ev.Err != nil {
			msg += ": " + ev.Err.Error()
		}
		return wsNotice{Action: "error", Seq: ev.Seq, Message: msg}
	}
}

// decodeFrame accepts raw base64 or a data URL.
func decodeFrame(image string) ([]byte, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return nil, errors.New("empty frame")
	}
	if strings.HasPrefix(image, "data:") {
		if i := strings.Index(image, ","); i >= 0 {
			image = image[i+1:]
		}
	}
	return base64.StdEncoding.DecodeString(image)
}

func wsWriteErr(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

func wsWrite(ctx context.Context, conn *websocket.Conn, v any) {
	_ = wsWriteErr(ctx, conn, v)
}
