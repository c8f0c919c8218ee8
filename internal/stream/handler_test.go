package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/YaganovValera/kis-collector/internal/decoder"
	"github.com/YaganovValera/kis-collector/internal/marketcap"
	"github.com/YaganovValera/kis-collector/internal/model"
	"github.com/YaganovValera/kis-collector/pkg/logger"
)

type approvalFunc func(ctx context.Context) (string, error)

func (f approvalFunc) ApprovalKey(ctx context.Context) (string, error) { return f(ctx) }

type recordingSink struct {
	mu   sync.Mutex
	recs []model.Record
}

func (s *recordingSink) Accept(r model.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, r)
}

func (s *recordingSink) all() []model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Record(nil), s.recs...)
}

func executionFrame(code string) string {
	f := make([]string, 46)
	f[0], f[1], f[2] = code, "090001", "73100"
	return "0|H0UNCNT0|001|" + strings.Join(f, "^")
}

func TestSubscribeFrames(t *testing.T) {
	frames, err := SubscribeFrames("ak", "P", []string{"005930", "000660"}, decoder.Feeds())
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 4 {
		t.Fatalf("frames = %d; want 4", len(frames))
	}
	want := `{"header":{"approval_key":"ak","custtype":"P","tr_type":"1","content-type":"utf-8"},"body":{"input":{"TR_ID":"H0UNCNT0","TR_KEY":"005930"}}}`
	if string(frames[0]) != want {
		t.Errorf("frame[0] = %s\nwant       %s", frames[0], want)
	}
	var last subscribeFrame
	_ = json.Unmarshal(frames[3], &last)
	if last.Body.Input.TrID != "H0UNASP0" || last.Body.Input.TrKey != "000660" {
		t.Errorf("frame[3] = %s", frames[3])
	}
}

// Интеграционный тест сессии с настоящим WebSocket-сервером.
func TestHandler_SubscribesDecodesAndEchoesPingPong(t *testing.T) {
	const ping = `{"header":{"tr_id":"PINGPONG","datetime":"20250602090000"}}`
	subs := make(chan []string, 1)
	echoed := make(chan string, 1)

	upg := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upg.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var got []string
		for i := 0; i < 4; i++ {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			got = append(got, string(msg))
		}
		subs <- got

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"header":{"tr_id":"H0UNCNT0","tr_key":"005930"},"body":{"rt_cd":"0","msg1":"SUBSCRIBE SUCCESS"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(executionFrame("005930")))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("1|H0UNCNT0|001|encrypted"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(ping))
		_, msg, err := conn.ReadMessage()
		if err == nil {
			echoed <- string(msg)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := NewDialer(time.Second).DialContext(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sink := &recordingSink{}
	h := NewHandler(Config{URL: "ws://unused", TopN: 2},
		marketcap.FromCodes([]string{"005930", "000660", "035420"}),
		approvalFunc(func(context.Context) (string, error) { return "ak-1", nil }),
		decoder.New(logger.NewNop()),
		sink,
		logger.NewNop(),
	)

	readyCalled := make(chan struct{})
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- h.Serve(ctx, conn, func() { close(readyCalled) })
	}()

	got := <-subs
	for i, code := range []string{"005930", "005930", "000660", "000660"} {
		if !strings.Contains(got[i], `"TR_KEY":"`+code+`"`) || !strings.Contains(got[i], `"approval_key":"ak-1"`) {
			t.Errorf("subscribe[%d] = %s", i, got[i])
		}
	}
	select {
	case <-readyCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("ready not called after subscribe")
	}

	select {
	case msg := <-echoed:
		if msg != ping {
			t.Errorf("echo = %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("PINGPONG was not echoed")
	}

	// сервер закрылся — сессия завершается ошибкой чтения
	select {
	case err := <-serveErr:
		if err == nil {
			t.Fatal("Serve must return an error when the server goes away")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}

	recs := sink.all()
	if len(recs) != 1 {
		t.Fatalf("records = %d; want 1 (ack and encrypted frames skipped)", len(recs))
	}
	if recs[0].Kind() != model.KindExecution || recs[0].InstrumentCode() != "005930" {
		t.Errorf("record = %+v", recs[0])
	}
}

func TestHandler_ApprovalFailureAborts(t *testing.T) {
	conn := newFakeConn()
	boom := errors.New("approval endpoint down")
	h := NewHandler(Config{URL: "ws://x"},
		marketcap.FromCodes([]string{"005930"}),
		approvalFunc(func(context.Context) (string, error) { return "", boom }),
		decoder.New(logger.NewNop()),
		&recordingSink{},
		logger.NewNop(),
	)

	ready := false
	err := h.Serve(context.Background(), conn, func() { ready = true })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v; want approval error", err)
	}
	if len(conn.frames()) != 0 || ready {
		t.Fatalf("no frames may be sent on approval failure, got %d", len(conn.frames()))
	}
}

func TestHandler_EmptyDirectory(t *testing.T) {
	h := NewHandler(Config{URL: "ws://x"},
		marketcap.Static(nil),
		approvalFunc(func(context.Context) (string, error) { return "ak", nil }),
		decoder.New(logger.NewNop()),
		&recordingSink{},
		logger.NewNop(),
	)
	if err := h.Serve(context.Background(), newFakeConn(), func() {}); !errors.Is(err, ErrNoInstruments) {
		t.Fatalf("err = %v; want ErrNoInstruments", err)
	}
}

func TestHandler_CancelEndsSession(t *testing.T) {
	conn := newFakeConn()
	h := NewHandler(Config{URL: "ws://x", TopN: 1},
		marketcap.FromCodes([]string{"005930"}),
		approvalFunc(func(context.Context) (string, error) { return "ak", nil }),
		decoder.New(logger.NewNop()),
		&recordingSink{},
		logger.NewNop(),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx, conn, func() {}) }()

	conn.in <- []byte(executionFrame("005930"))
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v; want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop on cancel")
	}
	if n := len(conn.frames()); n != 2 {
		t.Errorf("subscribe frames = %d; want 2", n)
	}
}
