package serverlink

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/PayRpc/ledger-client-go/internal/clockenv"
	"github.com/PayRpc/ledger-client-go/internal/metrics"
	"github.com/PayRpc/ledger-client-go/internal/nwerrors"
)

// SubscriptionState mirrors spec.md §3 Subscription.state.
type SubscriptionState int

const (
	SubActive SubscriptionState = iota
	SubSuspended
)

// Sink receives subscription events: the projected document on success,
// or a synthetic lifecycle error (NetworkModuleSuspended/Resumed).
type Sink func(data json.RawMessage, err error)

type subscriptionEntry struct {
	handle     uint64
	collection string
	filter     json.RawMessage
	projection string
	sink       Sink
	state      SubscriptionState
}

// Subscribe registers a subscription with the push protocol and returns a
// handle immediately, before any events arrive (spec.md §4.D'.1-4).
func (sl *ServerLink) Subscribe(ctx context.Context, collection string, filter json.RawMessage, projection string, sink Sink) (uint64, error) {
	if err := sl.ensurePushChannel(ctx); err != nil {
		return 0, err
	}

	handle := atomic.AddUint64(&sl.nextHandle, 1)
	suspended := sl.suspended.Load()
	state := SubActive
	if suspended {
		state = SubSuspended
	}
	entry := &subscriptionEntry{
		handle:     handle,
		collection: collection,
		filter:     filter,
		projection: projection,
		sink:       sink,
		state:      state,
	}

	sl.subMu.Lock()
	sl.subscriptions[handle] = entry
	sl.subMu.Unlock()
	metrics.SubscriptionsActive.Inc()

	// A subscription created while already suspended still registers with
	// the push protocol (so Resume can re-subscribe it later), but must
	// deliver Suspended immediately rather than silently withholding its
	// first frame (spec.md §3 invariant 3; original_source's
	// subscribe_for_transactions_with_addresses test subscribes mid-suspend
	// and still observes exactly one NetworkModuleSuspended).
	if suspended {
		safeDeliver(sl.logger, entry, nil, nwerrors.NetworkModuleSuspended())
	}

	if err := sl.push.subscribe(ctx, handle, collection, filter, projection); err != nil {
		sl.subMu.Lock()
		delete(sl.subscriptions, handle)
		sl.subMu.Unlock()
		metrics.SubscriptionsActive.Dec()
		return 0, err
	}

	return handle, nil
}

// Unsubscribe issues the push protocol's unsubscribe verb and removes the
// entry. Idempotent (spec.md §4.D').
func (sl *ServerLink) Unsubscribe(ctx context.Context, handle uint64) error {
	sl.subMu.Lock()
	_, ok := sl.subscriptions[handle]
	if ok {
		delete(sl.subscriptions, handle)
	}
	sl.subMu.Unlock()

	if !ok {
		return nil
	}
	metrics.SubscriptionsActive.Dec()

	if sl.push != nil {
		return sl.push.unsubscribe(ctx, handle)
	}
	return nil
}

// ensurePushChannel opens the persistent websocket on first use.
func (sl *ServerLink) ensurePushChannel(ctx context.Context) error {
	sl.subMu.Lock()
	defer sl.subMu.Unlock()
	if sl.push != nil && sl.push.isOpen() {
		return nil
	}

	ep, err := sl.el.GetQueryEndpoint(ctx)
	if err != nil {
		return err
	}

	stream, err := sl.env.Websocket(ctx, wsURL(ep.URL))
	if err != nil {
		return nwerrors.NetworkError("failed to open subscription channel", err).WithEndpoint(ep.URL)
	}

	sl.push = newPushChannel(stream, sl.logger, sl.deliver)
	sl.push.run(ctx)
	return nil
}

func wsURL(httpURL string) string {
	// The GraphQL-over-WebSocket channel shares the same host as the
	// elected query endpoint; only the scheme differs (spec.md §6).
	switch {
	case hasPrefix(httpURL, "https://"):
		return "wss://" + httpURL[len("https://"):]
	case hasPrefix(httpURL, "http://"):
		return "ws://" + httpURL[len("http://"):]
	default:
		return httpURL
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// deliver routes one inbound push frame to its subscription's sink,
// preserving per-subscription FIFO order (spec.md §4.F, §5) since each
// pushChannel reader processes frames sequentially.
func (sl *ServerLink) deliver(handle uint64, data json.RawMessage, pushErr error) {
	sl.subMu.Lock()
	entry, ok := sl.subscriptions[handle]
	sl.subMu.Unlock()
	if !ok {
		return
	}

	if sl.suspended.Load() || entry.state == SubSuspended {
		// Incoming frames are discarded while suspended (spec.md §4.D').
		return
	}

	safeDeliver(sl.logger, entry, data, pushErr)
}

// safeDeliver invokes a sink, recovering from and logging any panic so
// a misbehaving caller never tears down the channel (spec.md §4.F).
func safeDeliver(logger *zap.Logger, entry *subscriptionEntry, data json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.Error("subscription sink panicked",
				zap.Uint64("handle", entry.handle),
				zap.Any("recover", r))
		}
	}()
	entry.sink(data, err)
}

// Suspend sets the global suspend flag, notifies every subscription once
// with NetworkModuleSuspended, and marks each Suspended (spec.md §4.D',
// invariant 3).
func (sl *ServerLink) Suspend(ctx context.Context) {
	if !sl.suspended.CompareAndSwap(false, true) {
		return
	}

	sl.subMu.Lock()
	entries := make([]*subscriptionEntry, 0, len(sl.subscriptions))
	for _, e := range sl.subscriptions {
		entries = append(entries, e)
		e.state = SubSuspended
	}
	sl.subMu.Unlock()

	for _, e := range entries {
		safeDeliver(sl.logger, e, nil, nwerrors.NetworkModuleSuspended())
	}

	if sl.logger != nil {
		sl.logger.Info("network module suspended", zap.Int("subscriptions", len(entries)))
	}
}

// Resume clears the suspend flag, re-opens the push channel if it was torn
// down, re-subscribes every Suspended entry, and notifies each sink with
// NetworkModuleResumed before any real event is delivered (spec.md §4.D',
// invariant 3).
func (sl *ServerLink) Resume(ctx context.Context) error {
	if !sl.suspended.CompareAndSwap(true, false) {
		return nil
	}
	metrics.SuspendCyclesTotal.Inc()

	if err := sl.ensurePushChannel(ctx); err != nil {
		// Re-suspend: resume could not actually restore service.
		sl.suspended.Store(true)
		return err
	}

	sl.subMu.Lock()
	entries := make([]*subscriptionEntry, 0, len(sl.subscriptions))
	for _, e := range sl.subscriptions {
		entries = append(entries, e)
	}
	sl.subMu.Unlock()

	for _, e := range entries {
		if err := sl.push.subscribe(ctx, e.handle, e.collection, e.filter, e.projection); err != nil && sl.logger != nil {
			sl.logger.Warn("failed to re-subscribe after resume",
				zap.Uint64("handle", e.handle), zap.Error(err))
		}
		sl.subMu.Lock()
		e.state = SubActive
		sl.subMu.Unlock()
		safeDeliver(sl.logger, e, nil, nwerrors.NetworkModuleResumed())
	}

	// Wake every query parked on awaitResumeIfSuspended, preserving their
	// original deadlines (spec.md §4.D').
	sl.resumeMu.Lock()
	close(sl.resumeCh)
	sl.resumeCh = make(chan struct{})
	sl.resumeMu.Unlock()

	if sl.logger != nil {
		sl.logger.Info("network module resumed", zap.Int("subscriptions", len(entries)))
	}
	return nil
}

// pushChannel owns one websocket frame stream and the wire-level
// subscribe/unsubscribe verbs, grounded on internal/relay.EthereumRelay's
// pendingReqs/handleMessages shape.
type pushChannel struct {
	stream clockenv.FrameStream
	logger *zap.Logger
	onData func(handle uint64, data json.RawMessage, err error)
	open   atomic.Bool

	nextReqID atomic.Int64
}

func newPushChannel(stream clockenv.FrameStream, logger *zap.Logger, onData func(uint64, json.RawMessage, error)) *pushChannel {
	pc := &pushChannel{stream: stream, logger: logger, onData: onData}
	pc.open.Store(true)
	return pc
}

func (pc *pushChannel) isOpen() bool {
	return pc.open.Load()
}

type subscribeFrame struct {
	Handle     uint64          `json:"handle"`
	Verb       string          `json:"verb"`
	Collection string          `json:"collection,omitempty"`
	Filter     json.RawMessage `json:"filter,omitempty"`
	Projection string          `json:"result_projection,omitempty"`
}

func (pc *pushChannel) subscribe(ctx context.Context, handle uint64, collection string, filter json.RawMessage, projection string) error {
	frame, err := json.Marshal(subscribeFrame{Handle: handle, Verb: "subscribe", Collection: collection, Filter: filter, Projection: projection})
	if err != nil {
		return nwerrors.InvalidData("failed to encode subscribe frame", err)
	}
	if err := pc.stream.Send(ctx, frame); err != nil {
		return nwerrors.NetworkError("failed to send subscribe frame", err)
	}
	return nil
}

func (pc *pushChannel) unsubscribe(ctx context.Context, handle uint64) error {
	frame, err := json.Marshal(subscribeFrame{Handle: handle, Verb: "unsubscribe"})
	if err != nil {
		return nwerrors.InvalidData("failed to encode unsubscribe frame", err)
	}
	return pc.stream.Send(ctx, frame)
}

// inboundFrame is the wire shape of a pushed event (spec.md §6).
type inboundFrame struct {
	Handle uint64          `json:"handle"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// run starts the single reader goroutine that delivers frames to
// subscriptions in arrival order (spec.md §4.F, §5).
func (pc *pushChannel) run(ctx context.Context) {
	go func() {
		for {
			raw, err := pc.stream.Recv(ctx)
			if err != nil {
				pc.open.Store(false)
				if pc.logger != nil {
					pc.logger.Warn("push channel closed", zap.Error(err))
				}
				return
			}
			var frame inboundFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				if pc.logger != nil {
					pc.logger.Warn("malformed push frame", zap.Error(err))
				}
				continue
			}
			var ferr error
			if len(frame.Error) > 0 {
				ferr = nwerrors.QueryFailed(map[string]interface{}{"errors": frame.Error})
			}
			pc.onData(frame.Handle, frame.Result, ferr)
		}
	}()
}
