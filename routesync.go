// Every App is pleased to support the open source community by making embedded-gateway-go available.
//
// Copyright (C) 2025 Every App. All rights reserved.
//
// embedded-gateway-go is licensed under the Apache License Version 2.0.

package embedded

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval bounds the child-side polling fallback for route
// changes. Polling is a correctness backstop for navigation methods that do
// not fire observable events; router-native events remain the primary
// signal.
const DefaultPollInterval = 100 * time.Millisecond

// Navigator abstracts the router on either side of the frame boundary.
type Navigator interface {
	// CurrentPath returns the current path, e.g. "/apps/todo-app/history".
	CurrentPath() string
	// Navigate moves the router to the given path without a full reload.
	Navigate(path string)
}

// mountPrefix returns the parent path prefix an app is mounted under.
func mountPrefix(appID string) string {
	return "/apps/" + appID
}

// ParentRouteSync keeps the parent's URL in lockstep with one embedded app.
// Echo-back is prevented by a one-shot suppression flag, not by comparing
// timestamps: timestamps are unreliable under fast successive navigations.
type ParentRouteSync struct {
	appID     string
	appOrigin string
	child     Poster
	navigator Navigator
	logger    Logger
	metrics   *Metrics

	// fromChild suppresses exactly one parent-to-child announcement after
	// a navigation that originated from the child.
	fromChild atomic.Bool
	ready     atomic.Bool
}

// ParentRouteSyncOption customizes a ParentRouteSync.
type ParentRouteSyncOption func(*ParentRouteSync)

// WithParentSyncLogger sets the logger.
func WithParentSyncLogger(logger Logger) ParentRouteSyncOption {
	return func(p *ParentRouteSync) {
		p.logger = logger
	}
}

// WithParentSyncMetrics sets the metrics instruments.
func WithParentSyncMetrics(metrics *Metrics) ParentRouteSyncOption {
	return func(p *ParentRouteSync) {
		p.metrics = metrics
	}
}

// NewParentRouteSync creates the parent half of the synchronizer for the
// app identified by appID, reachable at appURL.
func NewParentRouteSync(appID, appURL string, child Poster, navigator Navigator, opts ...ParentRouteSyncOption) (*ParentRouteSync, error) {
	if appID == "" {
		return nil, NewConfigError("app id", "app id is required")
	}
	record := AppRecord{AppID: appID, AppURL: appURL}
	origin, err := record.Origin()
	if err != nil {
		return nil, NewConfigError("app url", err.Error())
	}
	p := &ParentRouteSync{
		appID:     appID,
		appOrigin: origin,
		child:     child,
		navigator: navigator,
		logger:    NewNopLogger(),
		metrics:   newNopMetrics(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// EmbeddedRoute computes the child's route from the parent's current path,
// e.g. /apps/todo-app/history -> /history. Paths outside the mount prefix
// map to "/".
func (p *ParentRouteSync) EmbeddedRoute() string {
	path := p.navigator.CurrentPath()
	prefix := mountPrefix(p.appID)
	if path == prefix {
		return "/"
	}
	if strings.HasPrefix(path, prefix+"/") {
		return strings.TrimPrefix(path, prefix)
	}
	return "/"
}

// OnParentRouteChange announces the parent's current route to the child.
// Call it whenever the parent URL changes. The announcement is skipped once
// when the change was itself caused by a child navigation, so the change
// does not echo back.
func (p *ParentRouteSync) OnParentRouteChange(ctx context.Context) {
	if p.fromChild.CompareAndSwap(true, false) {
		return
	}
	message := &RouteChange{
		Type:      MessageTypeRouteChange,
		Route:     p.EmbeddedRoute(),
		Direction: DirectionParentToChild,
	}
	if err := p.child.PostMessage(mustMarshal(message), p.appOrigin); err != nil {
		p.logger.Warn("posting route change to child failed", zap.Error(err))
		return
	}
	p.metrics.recordRouteMessage(ctx, DirectionParentToChild)
}

// HandleMessage processes one inbound message from the child frame:
// child-to-parent route changes and the readiness signal. Everything else
// is ignored.
func (p *ParentRouteSync) HandleMessage(ctx context.Context, event MessageEvent) {
	// Origin is validated against this specific app's configured URL
	// before anything in the payload is trusted.
	if event.Origin != p.appOrigin {
		return
	}

	parsed, err := ParseMessage(event.Data)
	if err != nil {
		return
	}

	switch message := parsed.(type) {
	case *EmbeddedAppReady:
		p.ready.Store(true)
		p.logger.Debug("embedded app ready", zap.String("app_id", p.appID))
	case *RouteChange:
		if message.Direction != DirectionChildToParent || message.AppID != p.appID {
			return
		}
		// Same guard the child applies to inbound routes: an empty route is
		// not a navigation.
		if message.Route == "" {
			return
		}
		newParentRoute := mountPrefix(p.appID) + message.Route
		if message.Route == "/" {
			newParentRoute = mountPrefix(p.appID)
		}
		// No-op guard plus loop suppression: navigate only when the path
		// actually differs, and mark the navigation as child-originated so
		// the resulting parent route change is not re-announced.
		if newParentRoute == p.navigator.CurrentPath() || p.fromChild.Load() {
			return
		}
		p.fromChild.Store(true)
		p.navigator.Navigate(newParentRoute)
		p.metrics.recordRouteMessage(ctx, DirectionChildToParent)
	}
}

// Ready reports whether the child has signalled EMBEDDED_APP_READY.
func (p *ParentRouteSync) Ready() bool {
	return p.ready.Load()
}

// ChildRouteSync keeps the embedded app's router in lockstep with the
// parent. Outbound reports are driven by router events where available,
// with bounded polling as a fallback; inbound parent-to-child changes are
// applied without echoing back.
type ChildRouteSync struct {
	parent       Poster
	parentOrigin string
	appID        string
	navigator    Navigator
	logger       Logger
	metrics      *Metrics
	pollInterval time.Duration

	mu sync.Mutex
	// lastReported is the most recent path this side announced or applied.
	// Reports fire only when the path actually changed since then, which
	// doubles as the suppression for paths applied from the parent.
	lastReported string

	stopOnce sync.Once
	stop     chan struct{}
}

// ChildRouteSyncOption customizes a ChildRouteSync.
type ChildRouteSyncOption func(*ChildRouteSync)

// WithChildSyncLogger sets the logger.
func WithChildSyncLogger(logger Logger) ChildRouteSyncOption {
	return func(c *ChildRouteSync) {
		c.logger = logger
	}
}

// WithChildSyncMetrics sets the metrics instruments.
func WithChildSyncMetrics(metrics *Metrics) ChildRouteSyncOption {
	return func(c *ChildRouteSync) {
		c.metrics = metrics
	}
}

// WithPollInterval overrides the polling fallback interval.
func WithPollInterval(interval time.Duration) ChildRouteSyncOption {
	return func(c *ChildRouteSync) {
		c.pollInterval = interval
	}
}

// NewChildRouteSync creates the child half of the synchronizer.
func NewChildRouteSync(parent Poster, parentOrigin, appID string, navigator Navigator, opts ...ChildRouteSyncOption) (*ChildRouteSync, error) {
	if parentOrigin == "" {
		return nil, NewConfigError("parent origin", "parent origin is required")
	}
	if appID == "" {
		return nil, NewConfigError("app id", "app id is required")
	}
	c := &ChildRouteSync{
		parent:       parent,
		parentOrigin: parentOrigin,
		appID:        appID,
		navigator:    navigator,
		logger:       NewNopLogger(),
		metrics:      newNopMetrics(),
		pollInterval: DefaultPollInterval,
		lastReported: navigator.CurrentPath(),
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start launches the polling fallback. Stop it with Stop.
func (c *ChildRouteSync) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.ReportNavigation(ctx)
			}
		}
	}()
}

// Stop halts the polling fallback.
func (c *ChildRouteSync) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// AnnounceReady posts the readiness signal to the parent.
func (c *ChildRouteSync) AnnounceReady() {
	message := &EmbeddedAppReady{Type: MessageTypeEmbeddedAppReady}
	if err := c.parent.PostMessage(mustMarshal(message), c.parentOrigin); err != nil {
		c.logger.Warn("posting ready signal failed", zap.Error(err))
	}
}

// ReportNavigation posts the current path to the parent if it changed since
// the last report. Hook it to router navigation events and popstate; the
// polling fallback calls it too.
func (c *ChildRouteSync) ReportNavigation(ctx context.Context) {
	path := c.navigator.CurrentPath()

	c.mu.Lock()
	if path == c.lastReported {
		c.mu.Unlock()
		return
	}
	c.lastReported = path
	c.mu.Unlock()

	message := &RouteChange{
		Type:      MessageTypeRouteChange,
		Route:     path,
		Direction: DirectionChildToParent,
		AppID:     c.appID,
	}
	if err := c.parent.PostMessage(mustMarshal(message), c.parentOrigin); err != nil {
		c.logger.Warn("posting route change to parent failed", zap.Error(err))
		return
	}
	c.metrics.recordRouteMessage(ctx, DirectionChildToParent)
}

// HandleMessage applies parent-to-child route changes. The applied path is
// recorded as already-reported before navigating, so the resulting local
// change does not echo back to the parent.
func (c *ChildRouteSync) HandleMessage(ctx context.Context, event MessageEvent) {
	if event.Origin != c.parentOrigin {
		return
	}
	parsed, err := ParseMessage(event.Data)
	if err != nil {
		return
	}
	message, ok := parsed.(*RouteChange)
	if !ok || message.Direction != DirectionParentToChild {
		return
	}
	if message.Route == "" || message.Route == c.navigator.CurrentPath() {
		return
	}

	c.mu.Lock()
	c.lastReported = message.Route
	c.mu.Unlock()
	c.navigator.Navigate(message.Route)
	c.logger.Debug("applied route from parent", zap.String("route", message.Route))
}
