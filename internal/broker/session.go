package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sonju-ai/sonju-gateway/internal/observe"
	"github.com/sonju-ai/sonju-gateway/internal/registry"
	"github.com/sonju-ai/sonju-gateway/internal/toolexec"
	"github.com/sonju-ai/sonju-gateway/pkg/audio"
	"github.com/sonju-ai/sonju-gateway/pkg/realtime"
)

// writeTimeout bounds every write to the client socket so a stalled client
// cannot wedge the forwarder; the heartbeat reaps it instead.
const writeTimeout = 5 * time.Second

// responseModalities is requested on every client-initiated turn.
var responseModalities = []string{"text", "audio"}

var _ registry.Pinger = (*clientSession)(nil)

// clientSession binds one client WebSocket to one upstream realtime session.
// The client socket is single-writer: every outbound envelope goes through
// writeJSON under writeMu.
type clientSession struct {
	id          string
	conn        *websocket.Conn
	exec        *toolexec.Executor
	reg         *registry.Registry
	log         *slog.Logger
	metrics     *observe.Metrics
	pingTimeout time.Duration

	writeMu sync.Mutex

	// mu guards upstream, which is assigned after the dial completes. Tool
	// calls can race that assignment, so reads go through upstreamSession
	// and handleToolCall blocks on ready first.
	mu       sync.Mutex
	upstream *realtime.Session
	ready    chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *clientSession) setUpstream(up *realtime.Session) {
	s.mu.Lock()
	s.upstream = up
	s.mu.Unlock()
	close(s.ready)
}

func (s *clientSession) upstreamSession() *realtime.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream
}

// writeJSON marshals v and writes it to the client socket.
func (s *clientSession) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// sendError emits an error envelope. Per-frame validation errors are local:
// the session continues afterwards.
func (s *clientSession) sendError(code int, message string) {
	s.metrics.RecordClientError(s.ctx, code)
	if err := s.writeJSON(clientError(code, message)); err != nil {
		s.log.Debug("error envelope write failed", "err", err)
	}
}

// Ping implements registry.Pinger for the broker heartbeat. A client that
// does not answer within one heartbeat interval fails the ping.
func (s *clientSession) Ping() error {
	ctx, cancel := context.WithTimeout(s.ctx, s.pingTimeout)
	defer cancel()
	return s.conn.Ping(ctx)
}

// teardown releases everything this session owns. Safe to call from the
// read loop, the forwarder, and the heartbeat; only the first call acts.
// Upstream close errors are swallowed so cleanup always completes.
func (s *clientSession) teardown() {
	s.closeOnce.Do(func() {
		if up := s.upstreamSession(); up != nil {
			_ = up.Close()
		}
		s.reg.Remove(s.id)
		s.metrics.ActiveSessions.Add(context.Background(), -1)
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.log.Info("session closed")
	})
}

// ── Inbound path ──────────────────────────────────────────────────────────────

// readLoop consumes client frames until the socket or session dies.
func (s *clientSession) readLoop() {
	defer s.teardown()

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageBinary {
			s.handleAudioFrame(data)
			continue
		}
		s.handleTextFrame(data)
	}
}

// handleAudioFrame segments one raw PCM16 frame and appends the chunks
// upstream in order.
func (s *clientSession) handleAudioFrame(data []byte) {
	chunks, err := audio.Base64Chunks(data, audio.DefaultChunkSize)
	if err != nil {
		s.sendError(http.StatusBadRequest, "invalid audio frame")
		return
	}

	up := s.upstreamSession()
	for _, chunk := range chunks {
		if err := up.AppendAudio(chunk); err != nil {
			s.handleUpstreamErr(err)
			return
		}
	}
}

func (s *clientSession) handleTextFrame(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Channel == "" {
		s.sendError(http.StatusBadRequest, "invalid message: channel required")
		return
	}

	switch msg.Channel {
	case channelConversation:
		s.dispatchConversation(msg)

	case channelSummarize:
		if err := s.writeJSON(summaryImageEnvelope{
			Channel:     channelSummarize,
			Type:        "summary.image",
			ImageBase64: summaryImagePNG,
		}); err != nil {
			s.log.Debug("summary write failed", "err", err)
		}

	case channelSuggestedQuestion, channelOfficeInfo:
		// Receive-only channels; inbound frames are ignored.

	default:
		s.sendError(http.StatusBadRequest, "unknown channel: "+msg.Channel)
	}
}

func (s *clientSession) dispatchConversation(msg inboundMessage) {
	if msg.Type == "" {
		s.sendError(http.StatusBadRequest, "invalid message: type required")
		return
	}

	up := s.upstreamSession()
	var err error
	switch msg.Type {
	case "input_audio_buffer.commit":
		// The commit frame discards the staged buffer; the end frame is
		// what closes a turn. Idempotent.
		err = up.ClearAudio()

	case "input_audio_buffer.append":
		s.sendError(http.StatusBadRequest, "audio must be sent as binary frames")
		return

	case "input_audio_buffer.end":
		err = up.CommitAudio(responseModalities)

	case "input_text":
		err = up.SendText(msg.Text, responseModalities)

	case "preprompted":
		if werr := s.writeJSON(prepromptedDoneEnvelope{
			Channel: channelConversation,
			Type:    "preprompted.done",
			Output:  msg.Enum,
		}); werr != nil {
			s.log.Debug("preprompted write failed", "err", werr)
		}
		return

	default:
		// Unknown conversation types are ignored.
		return
	}

	if err != nil {
		s.handleUpstreamErr(err)
	}
}

// handleUpstreamErr maps an upstream operation failure onto the client.
// A closed upstream ends the session; transient write errors are left to
// the forwarder, which sees the socket die and tears down.
func (s *clientSession) handleUpstreamErr(err error) {
	if errors.Is(err, realtime.ErrSessionClosed) {
		s.sendError(http.StatusServiceUnavailable, "session closed")
		s.teardown()
		return
	}
	s.log.Warn("upstream operation failed", "err", err)
}

// ── Tool calls ────────────────────────────────────────────────────────────────

// handleToolCall runs on the upstream receive goroutine, so the tool output
// frame is written before any later upstream event is processed.
func (s *clientSession) handleToolCall(callID, name, args string) {
	// The first tool call can beat the accept path publishing the upstream
	// handle; wait for it rather than dropping the call.
	select {
	case <-s.ready:
	case <-s.ctx.Done():
		return
	}

	out := s.exec.HandleToolCall(s.ctx, callID, name, args)
	s.metrics.RecordToolCall(s.ctx, outputStatus(out))

	if err := s.upstreamSession().SendToolOutput(callID, out); err != nil {
		s.log.Warn("tool output write failed", "call_id", callID, "err", err)
	}
}

// outputStatus derives the metrics status label from a tool output payload.
func outputStatus(out string) string {
	var probe struct {
		Skipped       bool   `json:"skipped"`
		Error         string `json:"error"`
		LowConfidence bool   `json:"lowConfidence"`
	}
	if json.Unmarshal([]byte(out), &probe) != nil {
		return "error"
	}
	switch {
	case probe.Skipped:
		return "skipped"
	case probe.Error != "":
		return "error"
	case probe.LowConfidence:
		return "low_confidence"
	default:
		return "ok"
	}
}

// ── Outbound fan-out ──────────────────────────────────────────────────────────

// forwardEvents translates upstream events into client envelopes. It owns
// the downstream direction: when the event channel closes, the session is
// torn down.
func (s *clientSession) forwardEvents() {
	defer s.teardown()

	for e := range s.upstreamSession().Events() {
		s.metrics.RecordUpstreamEvent(s.ctx, string(e.Kind))

		switch e.Kind {
		case realtime.EventTextDelta:
			s.forward("response.text.delta", e)
		case realtime.EventTextDone:
			s.forward("response.text.done", e)
		case realtime.EventAudioTranscriptDelta:
			s.forward("response.audio_transcript.delta", e)
		case realtime.EventAudioTranscriptDone:
			s.forward("response.audio_transcript.done", e)
		case realtime.EventAudioDelta:
			s.forward("response.audio.delta", e)
		case realtime.EventAudioDone:
			s.forward("response.audio.done", e)

		case realtime.EventError:
			s.metrics.RecordClientError(s.ctx, http.StatusInternalServerError)
			_ = s.writeJSON(errorEnvelope{
				Channel: channelError,
				Code:    http.StatusInternalServerError,
				Message: e.Message,
				Raw:     e.Raw,
			})
			return

		case realtime.EventClosed:
			s.metrics.RecordClientError(s.ctx, e.Code)
			_ = s.writeJSON(errorEnvelope{
				Channel: channelError,
				Code:    e.Code,
				Reason:  e.Message,
			})
			return
		}
	}
}

func (s *clientSession) forward(envType string, e realtime.Event) {
	env := streamEnvelope{
		Channel:     channelConversation,
		Type:        envType,
		OutputIndex: e.OutputIndex,
		Delta:       e.Delta,
	}
	if err := s.writeJSON(env); err != nil {
		s.log.Debug("envelope write failed", "type", envType, "err", err)
	}
}
