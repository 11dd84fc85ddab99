// Package realtime implements the upstream side of the gateway: one outbound
// WebSocket per session speaking the OpenAI Realtime protocol.
//
// A [Session] owns its socket, keepalive timer and pending tool-call state.
// Audio travels as base64-encoded PCM16 chunks; upstream events are surfaced
// on a per-session typed channel via [Session.Events]. Function-call argument
// streams never reach the event channel: they are coalesced per call id and
// delivered through the [ToolCallHandler] callback.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// handshakeTimeout bounds the upstream WebSocket dial.
	handshakeTimeout = 15 * time.Second

	// keepaliveInterval is the upstream ping cadence while the socket is open.
	keepaliveInterval = 20 * time.Second

	temperature             = 0.7
	maxResponseOutputTokens = 350
	transcriptionModel      = "whisper-1"
)

// ErrUpstreamUnavailable is returned by [Client.Open] when the upstream
// handshake fails or does not complete within the handshake timeout.
var ErrUpstreamUnavailable = errors.New("realtime: upstream unavailable")

// ErrSessionClosed is returned by operations invoked on a closed session.
var ErrSessionClosed = errors.New("realtime: session closed")

// ── Events ─────────────────────────────────────────────────────────────────────

// EventKind identifies an upstream event surfaced on the session channel.
type EventKind string

const (
	EventSessionCreated       EventKind = "session_created"
	EventSessionUpdated       EventKind = "session_updated"
	EventTextDelta            EventKind = "text_delta"
	EventTextDone             EventKind = "text_done"
	EventAudioDelta           EventKind = "audio_delta"
	EventAudioDone            EventKind = "audio_done"
	EventAudioTranscriptDelta EventKind = "audio_transcript_delta"
	EventAudioTranscriptDone  EventKind = "audio_transcript_done"
	EventResponseDone         EventKind = "response_done"
	EventError                EventKind = "error"
	EventClosed               EventKind = "closed"
)

// Event is one upstream occurrence delivered to the session's consumer.
// Delta carries text for text/transcript events and base64 PCM16 for audio
// events. Code and Message are populated for EventError and EventClosed.
type Event struct {
	Kind        EventKind
	Delta       string
	OutputIndex int
	Code        int
	Message     string
	Raw         []byte
}

// ToolCallHandler receives a fully coalesced tool invocation: the upstream
// call id, the tool name and the accumulated argument JSON. It runs on the
// session's receive goroutine, so the corresponding tool output is written
// before any later upstream event is processed.
type ToolCallHandler func(callID, name, arguments string)

// ── State machine ──────────────────────────────────────────────────────────────

// State is the upstream socket's lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateAwaitingResponse
	StateUpdating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateUpdating:
		return "updating"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the realtime model requested on dial.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// Client opens upstream realtime sessions. One Client is shared by all
// gateway sessions; it holds only immutable connection parameters.
type Client struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Client with the given API key and options.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SessionConfig carries the per-session parameters submitted with the initial
// session.update.
type SessionConfig struct {
	// Instructions is the system prompt. Its FNV-64a hash is recorded so
	// later MaybeUpdateInstructions calls can suppress duplicates.
	Instructions string

	// OnToolCall, when non-nil, receives coalesced rag_search invocations.
	OnToolCall ToolCallHandler
}

// Open dials the upstream realtime endpoint and configures the session.
//
// The handshake is bounded by a 15 second timeout; failure to complete it
// wraps [ErrUpstreamUnavailable]. On success the session has already
// submitted its initial session.update (modalities, PCM16 formats,
// transcription, the rag_search tool, client-driven turn boundaries) and its
// keepalive and receive loops are running.
func (c *Client) Open(ctx context.Context, sessionID string, cfg SessionConfig) (*Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	wsURL := fmt.Sprintf("%s?model=%s", c.baseURL, c.model)
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrUpstreamUnavailable, err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &Session{
		id:          sessionID,
		conn:        conn,
		events:      make(chan Event, 128),
		pending:     make(map[string]*pendingCall),
		toolHandler: cfg.OnToolCall,
		state:       StateConnecting,
		ctx:         sessCtx,
		cancel:      sessCancel,
	}

	if err := s.sendInitialUpdate(cfg.Instructions); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("realtime: initial session update: %w", err)
	}
	s.recordInstructionHash(cfg.Instructions)

	go s.receiveLoop()
	go s.keepaliveLoop()

	return s, nil
}

// ragSearchTool is the single tool registered with every session. The model
// calls it to ground answers in the document store.
func ragSearchTool() oaiTool {
	return oaiTool{
		Type:        "function",
		Name:        "rag_search",
		Description: "복지 관련 문서 저장소에서 관련 문서를 검색합니다. 답변 전에 근거가 필요할 때 호출하세요.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "검색할 질의문",
				},
				"mode": map[string]any{
					"type": "string",
					"enum": []string{"provisional", "final"},
				},
				"topK": map[string]any{
					"type":    "integer",
					"minimum": 1,
					"maximum": 5,
					"default": 2,
				},
				"threshold": map[string]any{
					"type":    "number",
					"minimum": 0,
					"maximum": 1,
					"default": 0.3,
				},
			},
			"required": []string{"query"},
		},
	}
}
