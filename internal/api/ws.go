package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/MikeSquared-Agency/intake/internal/collector"
	"github.com/MikeSquared-Agency/intake/internal/session"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

type wsInbound struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Field string `json:"field,omitempty"`
	Value string `json:"value,omitempty"`
}

type wsOutbound struct {
	Type    string         `json:"type"`
	State   *stateResponse `json:"state,omitempty"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
}

// sessionWS streams state snapshots for one session and accepts turns and
// field edits over the same socket.
func (s *Server) sessionWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribe before reading the initial state so no commit falls between.
	updates, unsubscribe := s.sessions.Subscribe(id)
	defer unsubscribe()

	st, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		s.logger.Warn("ws set read deadline failed", "session_id", id, "error", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	writeCh := make(chan wsOutbound, 32)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(wsPingEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case out := <-writeCh:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	pushWS(writeCh, stateMessage(st))

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-updates:
				if !ok {
					pushWS(writeCh, wsOutbound{Type: "closed", Message: "session reset"})
					return
				}
				pushWS(writeCh, stateMessage(snap))
			}
		}
	}()

	for {
		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			cancel()
			<-writerDone
			return
		}

		switch strings.ToLower(strings.TrimSpace(in.Type)) {
		case "ping":
			pushWS(writeCh, wsOutbound{Type: "pong"})
		case "message":
			next, err := s.sessions.SubmitTurn(ctx, id, in.Text)
			if err != nil {
				pushWS(writeCh, wsError(err))
				continue
			}
			if s.scheduler != nil {
				s.scheduler.Settled(next.SessionID, next.TurnCount)
			}
		case "edit":
			field, err := collector.ParseField(in.Field)
			if err != nil {
				pushWS(writeCh, wsOutbound{Type: "error", Code: "invalid_argument", Message: err.Error()})
				continue
			}
			if _, err := s.sessions.EditField(ctx, id, field, in.Value); err != nil {
				pushWS(writeCh, wsError(err))
			}
		default:
			pushWS(writeCh, wsOutbound{Type: "error", Code: "invalid_argument", Message: "unknown message type"})
		}
	}
}

func stateMessage(st session.State) wsOutbound {
	resp := newStateResponse(st)
	return wsOutbound{Type: "state", State: &resp}
}

func wsError(err error) wsOutbound {
	code := "internal"
	var validation *collector.ValidationError
	switch {
	case errors.As(err, &validation):
		code = "invalid_field"
	case errors.Is(err, session.ErrEmptyMessage):
		code = "invalid_argument"
	case errors.Is(err, session.ErrNotFound):
		code = "not_found"
	}
	return wsOutbound{Type: "error", Code: code, Message: err.Error()}
}

// pushWS queues out, dropping the oldest queued message when full.
func pushWS(ch chan wsOutbound, out wsOutbound) {
	select {
	case ch <- out:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- out:
	default:
	}
}
