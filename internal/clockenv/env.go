// Package clockenv provides the single polymorphism point the rest of the
// client depends on: wall-clock time and network transport. Every
// network-touching component takes an Env as a constructor argument instead
// of reaching for a process-global client, so tests can inject canned
// responses and a controllable clock.
package clockenv

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// FetchResult is the outcome of one HTTP round trip.
type FetchResult struct {
	Status int
	Body   []byte
}

// FetchRequest describes one outbound HTTP call.
type FetchRequest struct {
	URL       string
	Method    string
	Headers   map[string]string
	Body      []byte
	TimeoutMs int64
}

// FrameStream is a bidirectional websocket-style frame channel.
type FrameStream interface {
	// Send writes one frame. Safe to call from a single writer goroutine.
	Send(ctx context.Context, frame []byte) error
	// Recv blocks until the next inbound frame, ctx cancellation, or close.
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Env is the capability interface: clock plus transport. No method on Env
// touches process-global state.
type Env interface {
	NowMs() uint64
	Sleep(ctx context.Context, d time.Duration) error
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
	Websocket(ctx context.Context, url string) (FrameStream, error)
}

// Real is the production Env backed by net/http and gorilla/websocket.
type Real struct {
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// NewReal builds a production Env with sane default timeouts, the way
// sprintclient.NewSprintClient wires a bounded *http.Client.
func NewReal() *Real {
	return &Real{
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Dialer:     websocket.DefaultDialer,
	}
}

func (r *Real) NowMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

func (r *Real) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Real) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = r.HTTPClient.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		return FetchResult{}, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := r.HTTPClient.Do(httpReq)
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return FetchResult{}, err
	}

	return FetchResult{Status: resp.StatusCode, Body: body}, nil
}

func (r *Real) Websocket(ctx context.Context, url string) (FrameStream, error) {
	conn, _, err := r.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsFrameStream{conn: conn}, nil
}

type wsFrameStream struct {
	conn *websocket.Conn
}

func (w *wsFrameStream) Send(ctx context.Context, frame []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(dl)
	}
	return w.conn.WriteMessage(websocket.TextMessage, frame)
}

func (w *wsFrameStream) Recv(ctx context.Context) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		_, data, err := w.conn.ReadMessage()
		done <- result{data, err}
	}()
	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *wsFrameStream) Close() error {
	return w.conn.Close()
}
