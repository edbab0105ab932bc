package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// TestNextRetryDelayProgression exercises S6: reconnect delays must be
// 1s, 2s, 4s given factor=2, initial=1s, max=30s.
func TestNextRetryDelayProgression(t *testing.T) {
	t.Parallel()
	tr := New("ws://unused", Options{
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
		BackoffFactor: 2,
	}, nil)

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		got := tr.nextRetryDelay()
		if got != w {
			t.Errorf("delay[%d] = %v, want %v", i, got, w)
		}
	}
}

func TestNextRetryDelayCapsAtMax(t *testing.T) {
	t.Parallel()
	tr := New("ws://unused", Options{
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 4 * time.Second,
		BackoffFactor: 2,
	}, nil)

	for i := 0; i < 10; i++ {
		tr.nextRetryDelay()
	}
	if got := tr.nextRetryDelay(); got != 4*time.Second {
		t.Errorf("delay should cap at max, got %v", got)
	}
}

// TestReadyStateOpenThenClosed exercises invariant 4: after close(), no
// further open events occur and readyState converges to Closed.
func TestReadyStateOpenThenClosed(t *testing.T) {
	t.Parallel()
	srv := echoServer(t)
	defer srv.Close()

	tr := New(wsURL(srv.URL), Options{
		ConnectionTimeout: 2 * time.Second,
		ReadTimeout:       2 * time.Second,
		RetryDelay:        10 * time.Millisecond,
		MaxRetryDelay:     50 * time.Millisecond,
		BackoffFactor:     2,
	}, nil)

	var opens atomic.Int32
	tr.AddEventListener("open", func(any) { opens.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for tr.ReadyState() != Open && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tr.ReadyState() != Open {
		t.Fatal("transport never reached Open")
	}

	tr.Close(1000, "done")
	cancel()
	<-done

	if tr.ReadyState() != Closed {
		t.Errorf("readyState = %v, want Closed", tr.ReadyState())
	}

	opensAtClose := opens.Load()
	time.Sleep(100 * time.Millisecond)
	if opens.Load() != opensAtClose {
		t.Error("transport emitted an open event after Close()")
	}
}

func TestSendFailsWhenNotOpen(t *testing.T) {
	t.Parallel()
	tr := New("ws://unused", Options{}, nil)

	if err := tr.Send([]byte("hi")); err != ErrNotOpen {
		t.Errorf("Send() error = %v, want ErrNotOpen", err)
	}
}
