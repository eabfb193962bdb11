package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"quizroom-service/internal/app"
	"quizroom-service/internal/domain"
	"quizroom-service/internal/hub"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

// Options tunes per-connection behaviour.
type Options struct {
	SendQueue         int
	MessagesPerSecond float64
	Burst             int
	PingInterval      time.Duration
	AllowedOrigins    []string
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		SendQueue:         32,
		MessagesPerSecond: 20,
		Burst:             40,
		PingInterval:      30 * time.Second,
	}
}

type WSHandler struct {
	service  *app.QuizService
	upgrader websocket.Upgrader
	log      *logrus.Logger
	opts     Options
}

func NewWSHandler(service *app.QuizService, logger *logrus.Logger, opts Options) *WSHandler {
	return &WSHandler{
		service: service,
		log:     logger,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[r.Header.Get("Origin")]
		return ok
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type joinPayload struct {
	RoomID string `json:"roomId"`
	Name   string `json:"name"`
	Token  string `json:"token"`
}

type joinAdminPayload struct {
	Password string `json:"password"`
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

type createProblemPayload struct {
	RoomID  string              `json:"roomId"`
	Problem domain.ProblemInput `json:"problem"`
}

type importProblemsPayload struct {
	RoomID string `json:"roomId"`
	SetID  string `json:"setId"`
}

type submitPayload struct {
	RoomID     string `json:"roomId"`
	ProblemID  string `json:"problemId"`
	UserID     string `json:"userId"`
	Submission *int   `json:"submission"`
}

type adminAuthPayload struct {
	Success bool `json:"success"`
}

type quizCreatedPayload struct {
	RoomID string `json:"roomId"`
}

type problemAddedPayload struct {
	RoomID    string             `json:"roomId"`
	ProblemID string             `json:"problemId"`
	Problem   domain.ProblemView `json:"problem"`
}

type problemsImportedPayload struct {
	RoomID string `json:"roomId"`
	Count  int    `json:"count"`
}

type submittedPayload struct {
	ProblemID string `json:"problemId"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS upgrades HTTP requests to websockets and dispatches every inbound
// message to the quiz service.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("ws upgrade failed")
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	entry := h.log.WithFields(logrus.Fields{"conn": connID, "remote": r.RemoteAddr})
	entry.Debug("websocket connected")

	out := hub.NewOutbox(connID, h.opts.SendQueue)
	h.service.Connect(out)

	writerDone := make(chan struct{})
	go h.writePump(conn, out, writerDone, entry)

	pongWait := 2 * h.opts.PingInterval
	conn.SetReadLimit(maxMessageSize)
	if pongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	limiter := rate.NewLimiter(rate.Limit(h.opts.MessagesPerSecond), h.opts.Burst)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				entry.WithError(err).Debug("ws read error")
			}
			break
		}
		if h.opts.MessagesPerSecond > 0 && !limiter.Allow() {
			out.Send(errorEnvelope("rate limited"))
			continue
		}
		var inbound inboundMessage
		if err := json.Unmarshal(data, &inbound); err != nil {
			out.Send(errorEnvelope("invalid message"))
			continue
		}
		h.dispatch(ctx, connID, inbound, out, entry)
	}

	h.service.Disconnect(connID)
	out.Close()
	<-writerDone
	entry.Debug("websocket disconnected")
}

// writePump is the only goroutine writing to conn.
func (h *WSHandler) writePump(conn *websocket.Conn, out *hub.Outbox, done chan<- struct{}, entry *logrus.Entry) {
	defer close(done)

	var ping <-chan time.Time
	if h.opts.PingInterval > 0 {
		ticker := time.NewTicker(h.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case msg, ok := <-out.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				entry.WithError(err).Debug("ws write error")
				// unblocks the reader so the connection is torn down
				_ = conn.Close()
				drain(out)
				return
			}
		case <-ping:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				drain(out)
				return
			}
		}
	}
}

// drain empties the outbox until the reader closes it.
func drain(out *hub.Outbox) {
	for range out.Messages() {
	}
}

func (h *WSHandler) dispatch(ctx context.Context, connID string, in inboundMessage, out *hub.Outbox, entry *logrus.Entry) {
	reply := func(typ string, payload any) {
		out.Send(domain.Envelope{Type: typ, Payload: payload})
	}
	fail := func(err error) {
		if errors.Is(err, domain.ErrTransitionInFlight) {
			entry.WithError(err).Debug("duplicate transition ignored")
			return
		}
		entry.WithFields(logrus.Fields{"type": in.Type}).WithError(err).Debug("command rejected")
		out.Send(errorEnvelope(err.Error()))
	}

	switch in.Type {
	case "join":
		var p joinPayload
		if err := decode(in.Payload, &p); err != nil {
			fail(err)
			return
		}
		res, err := h.service.Join(ctx, connID, p.RoomID, p.Name, p.Token)
		if err != nil {
			fail(err)
			return
		}
		reply(app.EventInit, res)

	case "joinAdmin":
		var p joinAdminPayload
		if err := decode(in.Payload, &p); err != nil {
			fail(err)
			return
		}
		reply(app.EventAdminAuth, adminAuthPayload{Success: h.service.JoinAdmin(ctx, connID, p.Password)})

	case "createQuiz":
		var p roomPayload
		if err := decode(in.Payload, &p); err != nil {
			fail(err)
			return
		}
		roomID, err := h.service.CreateQuiz(ctx, connID, p.RoomID)
		if err != nil {
			fail(err)
			return
		}
		reply(app.EventQuizCreated, quizCreatedPayload{RoomID: roomID})

	case "createProblem":
		var p createProblemPayload
		if err := decode(in.Payload, &p); err != nil {
			fail(err)
			return
		}
		view, err := h.service.CreateProblem(ctx, connID, p.RoomID, p.Problem)
		if err != nil {
			fail(err)
			return
		}
		reply(app.EventProblemAdded, problemAddedPayload{RoomID: p.RoomID, ProblemID: view.ID, Problem: view})

	case "importProblems":
		var p importProblemsPayload
		if err := decode(in.Payload, &p); err != nil {
			fail(err)
			return
		}
		n, err := h.service.ImportProblems(ctx, connID, p.RoomID, p.SetID)
		if err != nil {
			fail(err)
			return
		}
		reply(app.EventProblemsImported, problemsImportedPayload{RoomID: p.RoomID, Count: n})

	case "start", "next":
		var p roomPayload
		if err := decode(in.Payload, &p); err != nil {
			fail(err)
			return
		}
		step := h.service.Start
		if in.Type == "next" {
			step = h.service.Next
		}
		if err := step(ctx, connID, p.RoomID); err != nil {
			fail(err)
		}

	case "submit":
		var p submitPayload
		if err := decode(in.Payload, &p); err != nil {
			fail(err)
			return
		}
		if p.Submission == nil {
			fail(fmt.Errorf("%w: submission is required", domain.ErrInvalidRequest))
			return
		}
		sub, err := h.service.Submit(ctx, connID, p.RoomID, p.ProblemID, p.UserID, *p.Submission)
		if err != nil {
			fail(err)
			return
		}
		reply(app.EventSubmitted, submittedPayload{ProblemID: sub.ProblemID})

	case "getQuizState":
		var p roomPayload
		if err := decode(in.Payload, &p); err != nil {
			fail(err)
			return
		}
		state, err := h.service.QuizState(ctx, connID, p.RoomID)
		if err != nil {
			fail(err)
			return
		}
		reply(app.EventQuizState, state)

	default:
		out.Send(errorEnvelope("unsupported message type"))
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", domain.ErrInvalidRequest)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

func errorEnvelope(message string) domain.Envelope {
	return domain.Envelope{Type: app.EventError, Payload: errorPayload{Message: message}}
}
