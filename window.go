// Every App is pleased to support the open source community by making embedded-gateway-go available.
//
// Copyright (C) 2025 Every App. All rights reserved.
//
// embedded-gateway-go is licensed under the Apache License Version 2.0.

package embedded

import (
	"sync"
)

// Poster is the outbound half of a postMessage channel. Delivery is
// fire-and-forget: a nil error means the message was accepted for delivery,
// not that the counterpart received it. Messages targeted at an origin the
// counterpart does not have are dropped, mirroring browser semantics.
type Poster interface {
	PostMessage(data []byte, targetOrigin string) error
}

// MessageEvent is an inbound message with its transport-asserted origin.
// Origin is trustworthy; every field inside Data must be validated before
// use.
type MessageEvent struct {
	// Origin is the origin of the sending window, stamped by the
	// transport, never by the sender's payload.
	Origin string
	// Data is the raw JSON payload.
	Data []byte
	// Source is the sending window, used for correlated replies. Replies
	// must be targeted at the original origin, never broadcast.
	Source Poster
}

// Window models one side of a postMessage boundary: it can post to its
// counterpart and observe messages arriving from it. Delivery is
// asynchronous and unordered relative to other message types on the same
// channel.
type Window interface {
	Poster
	// AddListener registers a handler for inbound messages and returns a
	// function that removes it. Handlers run sequentially per window, in
	// arrival order.
	AddListener(handler func(MessageEvent)) (remove func())
	// Close tears the window down. Pending undelivered messages are
	// discarded; posting after Close is a silent no-op.
	Close() error
}

// listenerSet is the shared listener registry used by the in-process pipe
// and the websocket bridge.
type listenerSet struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(MessageEvent)
}

func newListenerSet() *listenerSet {
	return &listenerSet{handlers: make(map[int]func(MessageEvent))}
}

func (s *listenerSet) add(handler func(MessageEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

func (s *listenerSet) dispatch(event MessageEvent) {
	s.mu.Lock()
	handlers := make([]func(MessageEvent), 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(event)
	}
}

// pipeWindow is one endpoint of an in-process window pair.
type pipeWindow struct {
	origin    string
	peer      *pipeWindow
	listeners *listenerSet

	inbox chan MessageEvent
	done  chan struct{}
	once  sync.Once
}

// WindowPipe creates a connected pair of in-process windows with the given
// origins. Messages posted on one side are delivered asynchronously to the
// other, preserving per-sender order. Used by tests and by same-process
// embeddings; out-of-process shells use the websocket bridge instead.
func WindowPipe(parentOrigin, childOrigin string) (parent Window, child Window) {
	p := &pipeWindow{origin: parentOrigin, listeners: newListenerSet()}
	c := &pipeWindow{origin: childOrigin, listeners: newListenerSet()}
	p.peer, c.peer = c, p
	for _, w := range []*pipeWindow{p, c} {
		w.inbox = make(chan MessageEvent, 64)
		w.done = make(chan struct{})
		go w.deliverLoop()
	}
	return p, c
}

func (w *pipeWindow) deliverLoop() {
	for {
		select {
		case <-w.done:
			return
		case event := <-w.inbox:
			w.listeners.dispatch(event)
		}
	}
}

// PostMessage delivers data to the peer window if targetOrigin matches the
// peer's origin (or is "*"). Mismatched targets are dropped without error,
// as the browser does.
func (w *pipeWindow) PostMessage(data []byte, targetOrigin string) error {
	peer := w.peer
	if targetOrigin != "*" && targetOrigin != peer.origin {
		return nil
	}
	// Copy so the sender can reuse its buffer.
	payload := make([]byte, len(data))
	copy(payload, data)
	// Source must be the receiving endpoint: a correlated reply posted via
	// event.Source has to travel back toward this sender, not away from it.
	event := MessageEvent{Origin: w.origin, Data: payload, Source: peer}
	select {
	case peer.inbox <- event:
	case <-peer.done:
	}
	return nil
}

func (w *pipeWindow) AddListener(handler func(MessageEvent)) func() {
	return w.listeners.add(handler)
}

func (w *pipeWindow) Close() error {
	w.once.Do(func() { close(w.done) })
	return nil
}
