package broker_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/sonju-ai/sonju-gateway/internal/broker"
	"github.com/sonju-ai/sonju-gateway/internal/observe"
	"github.com/sonju-ai/sonju-gateway/internal/registry"
	"github.com/sonju-ai/sonju-gateway/pkg/realtime"
	"github.com/sonju-ai/sonju-gateway/pkg/retrieval"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startMockUpstream launches a fake realtime endpoint. The handler receives
// the accepted conn after the broker dials in.
func startMockUpstream(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// stubSearcher replays canned snippets.
type stubSearcher struct {
	snippets []retrieval.Snippet
}

func (s *stubSearcher) Search(context.Context, string, retrieval.SearchOptions) ([]retrieval.Snippet, error) {
	return s.snippets, nil
}

// newGateway wires a broker onto the given upstream URL and serves it.
// Returns the gateway server and its session registry.
func newGateway(t *testing.T, upstreamURL string, searcher retrieval.Searcher) (*httptest.Server, *registry.Registry) {
	t.Helper()

	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	reg := registry.New()
	b := broker.New(
		realtime.New("test-key", realtime.WithBaseURL(upstreamURL)),
		searcher,
		reg,
		broker.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		broker.WithMetrics(m),
	)
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return srv, reg
}

func dialClient(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("envelope is not JSON: %v\n%s", err, data)
	}
	return m
}

func writeFrame(t *testing.T, conn *websocket.Conn, typ websocket.MessageType, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, typ, data); err != nil {
		t.Fatalf("client write: %v", err)
	}
}

func writeClientJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	writeFrame(t, conn, websocket.MessageText, data)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// idleUpstream consumes frames until the peer goes away.
func idleUpstream(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestSession_RegistersOnConnectAndCleansUpOnClose(t *testing.T) {
	t.Parallel()

	up := startMockUpstream(t, idleUpstream)
	gw, reg := newGateway(t, wsURL(up), &stubSearcher{})

	conn := dialClient(t, gw)
	waitFor(t, func() bool { return reg.Len() == 1 }, "session never registered")

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, func() bool { return reg.Len() == 0 }, "session not removed after client close")
}

func TestSession_UpstreamUnavailableSends503(t *testing.T) {
	t.Parallel()

	// Upstream that refuses the WebSocket upgrade entirely.
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	t.Cleanup(up.Close)

	gw, reg := newGateway(t, wsURL(up), &stubSearcher{})
	conn := dialClient(t, gw)

	env := readEnvelope(t, conn)
	if env["channel"] != "openai:error" {
		t.Errorf("channel = %v; want openai:error", env["channel"])
	}
	if env["code"] != float64(503) {
		t.Errorf("code = %v; want 503", env["code"])
	}
	if reg.Len() != 0 {
		t.Errorf("registry has %d sessions; want 0", reg.Len())
	}
}

// ── Heartbeat ─────────────────────────────────────────────────────────────────

func TestHeartbeat_ReapsUnresponsiveClient(t *testing.T) {
	t.Parallel()

	up := startMockUpstream(t, idleUpstream)

	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	reg := registry.New()
	b := broker.New(
		realtime.New("test-key", realtime.WithBaseURL(wsURL(up))),
		&stubSearcher{},
		reg,
		broker.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		broker.WithMetrics(m),
		broker.WithHeartbeatInterval(100*time.Millisecond),
	)
	gw := httptest.NewServer(b)
	t.Cleanup(gw.Close)

	// A client that keeps reading answers pings automatically.
	alive := dialClient(t, gw)
	go func() {
		for {
			if _, _, err := alive.Read(context.Background()); err != nil {
				return
			}
		}
	}()

	// A client that never reads never answers a ping.
	_ = dialClient(t, gw)
	waitFor(t, func() bool { return reg.Len() == 2 }, "sessions never registered")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = b.Run(ctx) }()

	waitFor(t, func() bool { return reg.Len() == 1 }, "unresponsive client not reaped")

	// The responsive client outlives several more sweeps.
	time.Sleep(300 * time.Millisecond)
	if reg.Len() != 1 {
		t.Errorf("registry has %d sessions; want the responsive client only", reg.Len())
	}
}

// ── Scenario: simple text turn ────────────────────────────────────────────────

func TestTextTurn_ForwardsDeltasInOrder(t *testing.T) {
	t.Parallel()

	up := startMockUpstream(t, func(conn *websocket.Conn) {
		_ = upstreamReadJSONQuiet(conn) // session.update
		_ = upstreamReadJSONQuiet(conn) // conversation.item.create
		_ = upstreamReadJSONQuiet(conn) // response.create

		ctx := context.Background()
		for _, frame := range []map[string]any{
			{"type": "response.text.delta", "delta": "안", "output_index": 0},
			{"type": "response.text.delta", "delta": "녕하세요", "output_index": 0},
			{"type": "response.text.done", "output_index": 0},
		} {
			data, _ := json.Marshal(frame)
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
		idleUpstream(conn)
	})

	gw, _ := newGateway(t, wsURL(up), &stubSearcher{})
	conn := dialClient(t, gw)

	writeClientJSON(t, conn, map[string]any{
		"channel": "openai:conversation", "type": "input_text", "text": "안녕",
	})

	want := []struct {
		typ   string
		delta string
	}{
		{"response.text.delta", "안"},
		{"response.text.delta", "녕하세요"},
		{"response.text.done", ""},
	}
	for i, w := range want {
		env := readEnvelope(t, conn)
		if env["channel"] != "openai:conversation" {
			t.Errorf("envelope[%d] channel = %v", i, env["channel"])
		}
		if env["type"] != w.typ {
			t.Errorf("envelope[%d] type = %v; want %s", i, env["type"], w.typ)
		}
		if w.delta != "" && env["delta"] != w.delta {
			t.Errorf("envelope[%d] delta = %v; want %s", i, env["delta"], w.delta)
		}
		if env["output_index"] != float64(0) {
			t.Errorf("envelope[%d] output_index = %v; want 0", i, env["output_index"])
		}
	}
}

// ── Scenario: audio turn ──────────────────────────────────────────────────────

func TestAudioTurn_ChunksAppendCommitRespond(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 8)
	up := startMockUpstream(t, func(conn *websocket.Conn) {
		_ = upstreamReadJSONQuiet(conn) // session.update
		ctx := context.Background()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				frames <- m
			}
		}
	})

	gw, _ := newGateway(t, wsURL(up), &stubSearcher{})
	conn := dialClient(t, gw)

	// Two full chunks plus one trailing sample.
	pcm := make([]byte, 24578)
	writeFrame(t, conn, websocket.MessageBinary, pcm)
	writeClientJSON(t, conn, map[string]any{
		"channel": "openai:conversation", "type": "input_audio_buffer.end",
	})

	wantAppendLens := []int{12288, 12288, 2}
	for i, wantLen := range wantAppendLens {
		select {
		case f := <-frames:
			if f["type"] != "input_audio_buffer.append" {
				t.Fatalf("frame[%d] type = %v; want append", i, f["type"])
			}
			audioB64, _ := f["audio"].(string)
			// base64 length check: 4*ceil(n/3).
			wantB64 := (wantLen + 2) / 3 * 4
			if len(audioB64) != wantB64 {
				t.Errorf("frame[%d] audio b64 len = %d; want %d", i, len(audioB64), wantB64)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for append %d", i)
		}
	}

	for _, wantType := range []string{"input_audio_buffer.commit", "response.create"} {
		select {
		case f := <-frames:
			if f["type"] != wantType {
				t.Fatalf("frame type = %v; want %s", f["type"], wantType)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for %s", wantType)
		}
	}
}

func TestAudioFrame_MisalignedRejectedWith400(t *testing.T) {
	t.Parallel()

	up := startMockUpstream(t, idleUpstream)
	gw, reg := newGateway(t, wsURL(up), &stubSearcher{})
	conn := dialClient(t, gw)

	waitFor(t, func() bool { return reg.Len() == 1 }, "session never registered")

	writeFrame(t, conn, websocket.MessageBinary, []byte{0x01})

	env := readEnvelope(t, conn)
	if env["channel"] != "openai:error" || env["code"] != float64(400) {
		t.Errorf("envelope = %v; want openai:error 400", env)
	}
	// Session survives the rejected frame.
	if reg.Len() != 1 {
		t.Errorf("registry has %d sessions; want 1", reg.Len())
	}
}

// ── Message validation ────────────────────────────────────────────────────────

func TestTextFrame_ValidationErrors(t *testing.T) {
	t.Parallel()

	up := startMockUpstream(t, idleUpstream)
	gw, _ := newGateway(t, wsURL(up), &stubSearcher{})
	conn := dialClient(t, gw)

	cases := []struct {
		name  string
		frame string
	}{
		{"not json", `this is not json`},
		{"missing channel", `{"type":"input_text","text":"x"}`},
		{"unknown channel", `{"channel":"sonju:timeTravel"}`},
		{"conversation missing type", `{"channel":"openai:conversation"}`},
		{"append must be binary", `{"channel":"openai:conversation","type":"input_audio_buffer.append"}`},
	}

	for _, tc := range cases {
		writeFrame(t, conn, websocket.MessageText, []byte(tc.frame))
		env := readEnvelope(t, conn)
		if env["channel"] != "openai:error" || env["code"] != float64(400) {
			t.Errorf("%s: envelope = %v; want openai:error 400", tc.name, env)
		}
	}
}

func TestPreprompted_EchoesSelection(t *testing.T) {
	t.Parallel()

	up := startMockUpstream(t, idleUpstream)
	gw, _ := newGateway(t, wsURL(up), &stubSearcher{})
	conn := dialClient(t, gw)

	writeClientJSON(t, conn, map[string]any{
		"channel": "openai:conversation", "type": "preprompted", "enum": "기초연금",
	})

	env := readEnvelope(t, conn)
	if env["channel"] != "openai:conversation" || env["type"] != "preprompted.done" {
		t.Fatalf("envelope = %v; want preprompted.done", env)
	}
	if env["output"] != "기초연금" {
		t.Errorf("output = %v; want 기초연금", env["output"])
	}
}

func TestSummarize_AnswersCannedImage(t *testing.T) {
	t.Parallel()

	up := startMockUpstream(t, idleUpstream)
	gw, _ := newGateway(t, wsURL(up), &stubSearcher{})
	conn := dialClient(t, gw)

	writeClientJSON(t, conn, map[string]any{"channel": "sonju:summarize"})

	env := readEnvelope(t, conn)
	if env["channel"] != "sonju:summarize" || env["type"] != "summary.image" {
		t.Fatalf("envelope = %v; want summary.image", env)
	}
	img, _ := env["image_base64"].(string)
	if !strings.HasPrefix(img, "iVBORw0KGgo") {
		t.Errorf("image_base64 = %q; want the canned PNG", img)
	}
}

// ── Scenario: tool call with confident result ─────────────────────────────────

func TestToolCall_ConfidentResultProducesToolOutput(t *testing.T) {
	t.Parallel()

	toolOutputs := make(chan map[string]any, 1)
	up := startMockUpstream(t, func(conn *websocket.Conn) {
		_ = upstreamReadJSONQuiet(conn) // session.update

		ctx := context.Background()
		for _, frame := range []map[string]any{
			{"type": "response.function_call_arguments.delta", "call_id": "c1", "name": "rag_search",
				"delta": `{"query":"노인 복지",`},
			{"type": "response.function_call_arguments.delta", "call_id": "c1",
				"delta": `"mode":"final"}`},
			{"type": "response.function_call_arguments.done", "call_id": "c1"},
		} {
			data, _ := json.Marshal(frame)
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(data, &m) == nil && m["type"] == "tool.output" {
				toolOutputs <- m
			}
		}
	})

	searcher := &stubSearcher{snippets: []retrieval.Snippet{
		{FileID: "f1", Score: 0.82, Content: "노인 복지 혜택 안내", Source: "OpenAI Vector Store"},
	}}
	gw, _ := newGateway(t, wsURL(up), searcher)
	_ = dialClient(t, gw)

	select {
	case frame := <-toolOutputs:
		if frame["tool_call_id"] != "c1" {
			t.Errorf("tool_call_id = %v; want c1", frame["tool_call_id"])
		}
		outStr, _ := frame["output"].(string)
		var out map[string]any
		if err := json.Unmarshal([]byte(outStr), &out); err != nil {
			t.Fatalf("output is not JSON: %v\n%s", err, outStr)
		}
		ctxStr, _ := out["context"].(string)
		if !strings.Contains(ctxStr, "[출처: f1]") {
			t.Errorf("context = %q; want source tag", ctxStr)
		}
		if out["count"] != float64(1) || out["mode"] != "final" {
			t.Errorf("output = %v; want count 1, mode final", out)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for tool.output")
	}
}

// ── Scenario: upstream abort mid-response ─────────────────────────────────────

func TestUpstreamAbort_ForwardsErrorAndRemovesSession(t *testing.T) {
	t.Parallel()

	up := startMockUpstream(t, func(conn *websocket.Conn) {
		_ = upstreamReadJSONQuiet(conn) // session.update
		upstreamWriteJSONQuiet(conn, map[string]any{
			"type": "response.audio.delta", "delta": "YWJj", "output_index": 0,
		})
		conn.Close(websocket.StatusInternalError, "model crashed")
	})

	gw, reg := newGateway(t, wsURL(up), &stubSearcher{})
	conn := dialClient(t, gw)

	first := readEnvelope(t, conn)
	if first["type"] != "response.audio.delta" {
		t.Fatalf("first envelope = %v; want audio delta", first)
	}

	second := readEnvelope(t, conn)
	if second["channel"] != "openai:error" {
		t.Fatalf("second envelope = %v; want openai:error", second)
	}
	if second["code"] != float64(1011) {
		t.Errorf("code = %v; want 1011", second["code"])
	}

	waitFor(t, func() bool { return reg.Len() == 0 }, "session not removed after upstream abort")
}

// upstreamReadJSONQuiet is the non-fatal variant used inside upstream
// handlers that run on their own goroutine.
func upstreamReadJSONQuiet(conn *websocket.Conn) map[string]any {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}

func upstreamWriteJSONQuiet(conn *websocket.Conn, v any) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	_ = conn.Write(ctx, websocket.MessageText, data)
}
