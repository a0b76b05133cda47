package clockenv

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMock_FetchConsumesCannedResponsesFIFO(t *testing.T) {
	m := NewMock(1000)
	m.Enqueue("http://a", CannedResponse{Status: 200, Body: []byte("first")})
	m.Enqueue("http://a", CannedResponse{Status: 500, Body: []byte("second")})

	r1, err := m.Fetch(context.Background(), FetchRequest{URL: "http://a"})
	if err != nil || string(r1.Body) != "first" {
		t.Fatalf("expected first canned response, got %+v err=%v", r1, err)
	}
	r2, err := m.Fetch(context.Background(), FetchRequest{URL: "http://a"})
	if err != nil || string(r2.Body) != "second" {
		t.Fatalf("expected second canned response, got %+v err=%v", r2, err)
	}
}

func TestMock_FetchWithoutCannedResponseErrors(t *testing.T) {
	m := NewMock(1000)
	if _, err := m.Fetch(context.Background(), FetchRequest{URL: "http://unknown"}); err == nil {
		t.Fatalf("expected an error for an unqueued URL")
	}
}

func TestMock_FetchPropagatesCannedError(t *testing.T) {
	m := NewMock(1000)
	want := errors.New("boom")
	m.Enqueue("http://a", CannedResponse{Err: want})
	_, err := m.Fetch(context.Background(), FetchRequest{URL: "http://a"})
	if !errors.Is(err, want) {
		t.Fatalf("expected the canned error to propagate, got %v", err)
	}
}

func TestMock_DelayAdvancesClockInsteadOfSleeping(t *testing.T) {
	m := NewMock(1000)
	m.Enqueue("http://a", CannedResponse{Status: 200, Delay: 5 * time.Second})

	start := time.Now()
	_, err := m.Fetch(context.Background(), FetchRequest{URL: "http://a"})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("expected the delay to advance the logical clock instantly, real elapsed %v", elapsed)
	}
	if m.NowMs() != 6000 {
		t.Fatalf("expected logical clock to advance by the delay, got %d", m.NowMs())
	}
}

func TestMock_CallsRecordsEveryFetch(t *testing.T) {
	m := NewMock(1000)
	m.Enqueue("http://a", CannedResponse{Status: 200})
	m.Enqueue("http://b", CannedResponse{Status: 200})
	m.Fetch(context.Background(), FetchRequest{URL: "http://a"})
	m.Fetch(context.Background(), FetchRequest{URL: "http://b"})

	calls := m.Calls()
	if len(calls) != 2 || calls[0].URL != "http://a" || calls[1].URL != "http://b" {
		t.Fatalf("unexpected call log: %+v", calls)
	}
}

func TestMockFrameStream_PushThenRecv(t *testing.T) {
	s := NewMockFrameStream()
	s.Push([]byte("frame-1"))

	frame, err := s.Recv(context.Background())
	if err != nil || string(frame) != "frame-1" {
		t.Fatalf("expected frame-1, got %q err=%v", frame, err)
	}
}

func TestMockFrameStream_RecvRespectsContextCancellation(t *testing.T) {
	s := NewMockFrameStream()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Recv(ctx); err == nil {
		t.Fatalf("expected Recv to respect cancellation")
	}
}

func TestMockFrameStream_SendRecordsFrames(t *testing.T) {
	s := NewMockFrameStream()
	if err := s.Send(context.Background(), []byte("out")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := s.Sent()
	if len(sent) != 1 || string(sent[0]) != "out" {
		t.Fatalf("unexpected sent log: %v", sent)
	}
}

func TestMockFrameStream_PushAfterCloseIsDropped(t *testing.T) {
	s := NewMockFrameStream()
	s.Close()
	s.Push([]byte("ignored"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Recv(ctx); err == nil {
		t.Fatalf("expected Recv on a closed stream with no prior frames to error")
	}
}

func TestMock_WebsocketReturnsRegisteredStream(t *testing.T) {
	m := NewMock(1000)
	s := NewMockFrameStream()
	m.RegisterStream("ws://a", s)

	got, err := m.Websocket(context.Background(), "ws://a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != s {
		t.Fatalf("expected the pre-registered stream to be returned")
	}
}
