// Every App is pleased to support the open source community by making embedded-gateway-go available.
//
// Copyright (C) 2025 Every App. All rights reserved.
//
// embedded-gateway-go is licensed under the Apache License Version 2.0.

package embedded

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsWriteTimeout = 10 * time.Second

// wsEnvelope frames one message on the wire. TargetOrigin carries the
// sender's delivery restriction so the receiving side can enforce it the
// way a browser would.
type wsEnvelope struct {
	TargetOrigin string          `json:"targetOrigin"`
	Data         json.RawMessage `json:"data"`
}

// wsWindow bridges the Window abstraction over a websocket connection, for
// shells and apps running out of process. The remote peer's origin is
// stamped by the transport, never taken from the payload: on the server
// side it comes from the upgrade request's Origin header, on the client
// side from the dialed gateway URL.
type wsWindow struct {
	conn         *websocket.Conn
	localOrigin  string
	remoteOrigin string
	logger       Logger

	writeMu sync.Mutex

	listeners *listenerSet

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSWindow(conn *websocket.Conn, localOrigin, remoteOrigin string, logger Logger) *wsWindow {
	if logger == nil {
		logger = NewNopLogger()
	}
	w := &wsWindow{
		conn:         conn,
		localOrigin:  localOrigin,
		remoteOrigin: remoteOrigin,
		logger:       logger,
		listeners:    newListenerSet(),
		closed:       make(chan struct{}),
	}
	go w.readLoop()
	return w
}

// PostMessage sends data to the peer, restricted to targetOrigin. A message
// targeted at an origin other than the peer's is dropped without error,
// matching browser delivery semantics.
func (w *wsWindow) PostMessage(data []byte, targetOrigin string) error {
	if targetOrigin != "*" && targetOrigin != w.remoteOrigin {
		return nil
	}
	payload, err := json.Marshal(wsEnvelope{TargetOrigin: targetOrigin, Data: data})
	if err != nil {
		return fmt.Errorf("encode message envelope: %w", err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	select {
	case <-w.closed:
		return fmt.Errorf("post message: connection closed")
	default:
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := w.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	return nil
}

// AddListener registers a handler for inbound messages and returns its
// removal function.
func (w *wsWindow) AddListener(handler func(MessageEvent)) (remove func()) {
	return w.listeners.add(handler)
}

// Close tears down the connection. The read loop exits on the closed
// socket.
func (w *wsWindow) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		err = w.conn.Close()
	})
	return err
}

func (w *wsWindow) readLoop() {
	defer w.Close()
	for {
		_, payload, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.closed:
			default:
				w.logger.Debug("websocket read loop ended", zap.Error(err))
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			w.logger.Debug("dropping unframed websocket message", zap.Error(err))
			continue
		}
		// The peer addressed some other origin; a browser would not deliver
		// this frame to us either.
		if env.TargetOrigin != "*" && env.TargetOrigin != w.localOrigin {
			continue
		}

		w.listeners.dispatch(MessageEvent{
			Origin: w.remoteOrigin,
			Data:   env.Data,
			Source: w,
		})
	}
}

// WindowUpgrader upgrades inbound HTTP requests from embedded app shells
// into Window connections on the gateway side.
type WindowUpgrader struct {
	upgrader    websocket.Upgrader
	localOrigin string
	logger      Logger
}

// NewWindowUpgrader creates an upgrader that accepts connections from the
// allowed origins only. localOrigin is the gateway's own origin, stamped on
// replies so peers can validate where messages came from.
func NewWindowUpgrader(localOrigin string, allowedOrigins []string, logger Logger) (*WindowUpgrader, error) {
	if localOrigin == "" {
		return nil, NewConfigError("local origin", "local origin is required")
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	return &WindowUpgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
		localOrigin: localOrigin,
		logger:      logger,
	}, nil
}

// Upgrade turns the request into a Window. The peer's origin is taken from
// the upgrade request's Origin header, which the transport guarantees; the
// peer cannot choose it per message.
func (u *WindowUpgrader) Upgrade(w http.ResponseWriter, r *http.Request) (Window, string, error) {
	remoteOrigin := r.Header.Get("Origin")
	if remoteOrigin == "" {
		http.Error(w, "missing Origin header", http.StatusBadRequest)
		return nil, "", fmt.Errorf("upgrade window: missing Origin header")
	}
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, "", fmt.Errorf("upgrade window: %w", err)
	}
	u.logger.Debug("window connected", zap.String("origin", remoteOrigin))
	return newWSWindow(conn, u.localOrigin, remoteOrigin, u.logger), remoteOrigin, nil
}

// DialWindow connects to a gateway's window endpoint from the embedded app
// side. localOrigin is presented as the Origin header; remoteOrigin is the
// gateway origin the caller expects to be talking to.
func DialWindow(ctx context.Context, endpoint, localOrigin, remoteOrigin string, logger Logger) (Window, error) {
	if localOrigin == "" {
		return nil, NewConfigError("local origin", "local origin is required")
	}
	if remoteOrigin == "" {
		return nil, NewConfigError("remote origin", "remote origin is required")
	}
	header := http.Header{}
	header.Set("Origin", localOrigin)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial window %s: status %d: %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial window %s: %w", endpoint, err)
	}
	return newWSWindow(conn, localOrigin, remoteOrigin, logger), nil
}
