package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string            `json:"modalities,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string              `json:"output_audio_format,omitempty"`
	InputAudioTranscription *transcriptionParam `json:"input_audio_transcription,omitempty"`
	// TurnDetection is serialized even when nil: explicit null disables
	// server VAD, making the client responsible for turn boundaries.
	TurnDetection           *turnDetectionParam `json:"turn_detection"`
	Temperature             float64             `json:"temperature,omitempty"`
	MaxResponseOutputTokens int                 `json:"max_response_output_tokens,omitempty"`
	Tools                   []oaiTool           `json:"tools,omitempty"`
	ToolChoice              string              `json:"tool_choice,omitempty"`
}

type transcriptionParam struct {
	Model string `json:"model"`
}

type turnDetectionParam struct {
	Type string `json:"type"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type instructionsUpdateMessage struct {
	Type    string `json:"type"`
	Session struct {
		Instructions string `json:"instructions"`
	} `json:"session"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type responseCreateMessage struct {
	Type     string `json:"type"`
	Response struct {
		Modalities []string `json:"modalities,omitempty"`
	} `json:"response"`
}

type toolOutputMessage struct {
	Type       string `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail is the nested error object in an upstream error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// delta-bearing events; base64 PCM16 for response.audio.delta
	Delta       string `json:"delta,omitempty"`
	OutputIndex int    `json:"output_index,omitempty"`

	// response.function_call_arguments.delta / .done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error / response.error
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── Session ────────────────────────────────────────────────────────────────────

// pendingCall accumulates function-call argument deltas for one call id.
type pendingCall struct {
	name string
	args strings.Builder
}

type awaitResult struct {
	text string
	raw  []byte
	err  error
}

type awaiter struct {
	text strings.Builder
	done chan awaitResult
}

// Session is one open upstream realtime connection. All socket writes go
// through a single mutex so frames are never interleaved; reads happen on a
// dedicated goroutine that owns the event channel.
type Session struct {
	id   string
	conn *websocket.Conn

	// writeMu makes the session single-writer on the socket.
	writeMu sync.Mutex

	events      chan Event
	toolHandler ToolCallHandler

	mu         sync.Mutex
	state      State
	instrHash  uint64
	pending    map[string]*pendingCall
	awaitingTx *awaiter
	closed     bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// ID returns the session identifier the broker minted for this connection.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events returns the channel on which upstream events arrive. The channel is
// closed when the session terminates; function-call argument events are never
// delivered here.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) sendInitialUpdate(instructions string) error {
	tool := ragSearchTool()
	return s.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:              []string{"text", "audio"},
			Instructions:            instructions,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &transcriptionParam{Model: transcriptionModel},
			TurnDetection:           nil,
			Temperature:             temperature,
			MaxResponseOutputTokens: maxResponseOutputTokens,
			Tools:                   []oaiTool{tool},
			ToolChoice:              "auto",
		},
	})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
	}
	return nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if !s.closed {
		s.state = st
	}
	s.mu.Unlock()
}

// ── Operations ─────────────────────────────────────────────────────────────────

// SendText submits a user text turn: a conversation.item.create carrying the
// text followed by a response.create with the requested output modalities.
func (s *Session) SendText(text string, modalities []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	item := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	}
	if err := s.writeJSON(item); err != nil {
		return fmt.Errorf("realtime: send text: %w", err)
	}
	return s.requestResponse(modalities)
}

// AppendAudio forwards one base64-encoded PCM16 chunk to the upstream input
// audio buffer. Chunks are written in call order.
func (s *Session) AppendAudio(base64Chunk string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.writeJSON(appendAudioMessage{Type: "input_audio_buffer.append", Audio: base64Chunk}); err != nil {
		return fmt.Errorf("realtime: append audio: %w", err)
	}
	return nil
}

// CommitAudio closes the current client turn: commits the input audio buffer
// and requests a response with the given modalities.
func (s *Session) CommitAudio(modalities []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.writeJSON(map[string]string{"type": "input_audio_buffer.commit"}); err != nil {
		return fmt.Errorf("realtime: commit audio: %w", err)
	}
	return s.requestResponse(modalities)
}

// ClearAudio discards any uncommitted upstream audio. Idempotent.
func (s *Session) ClearAudio() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.writeJSON(map[string]string{"type": "input_audio_buffer.clear"}); err != nil {
		return fmt.Errorf("realtime: clear audio: %w", err)
	}
	return nil
}

func (s *Session) requestResponse(modalities []string) error {
	msg := responseCreateMessage{Type: "response.create"}
	msg.Response.Modalities = modalities
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("realtime: response create: %w", err)
	}
	s.setState(StateAwaitingResponse)
	return nil
}

// SendTextAwait sends a text-only turn and blocks until the matching
// response.done arrives, returning the concatenated text deltas and the raw
// response.done event. It fails on upstream error events, session close, or
// ctx cancellation. Only one await may be in flight per session.
func (s *Session) SendTextAwait(ctx context.Context, text string) (string, []byte, error) {
	if err := s.checkOpen(); err != nil {
		return "", nil, err
	}

	s.mu.Lock()
	if s.awaitingTx != nil {
		s.mu.Unlock()
		return "", nil, fmt.Errorf("realtime: await already in flight on %s", s.id)
	}
	aw := &awaiter{done: make(chan awaitResult, 1)}
	s.awaitingTx = aw
	s.mu.Unlock()

	clear := func() {
		s.mu.Lock()
		if s.awaitingTx == aw {
			s.awaitingTx = nil
		}
		s.mu.Unlock()
	}

	if err := s.SendText(text, []string{"text"}); err != nil {
		clear()
		return "", nil, err
	}

	select {
	case res := <-aw.done:
		clear()
		return res.text, res.raw, res.err
	case <-ctx.Done():
		clear()
		return "", nil, ctx.Err()
	case <-s.ctx.Done():
		clear()
		return "", nil, fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
	}
}

// MaybeUpdateInstructions submits session.update{instructions} only when the
// FNV-64a hash of instructions differs from the last accepted submission.
// The hash is recorded after a successful write, so a failed update is
// retried on the next call.
func (s *Session) MaybeUpdateInstructions(instructions string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	h := hashInstructions(instructions)
	s.mu.Lock()
	if s.instrHash == h {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var msg instructionsUpdateMessage
	msg.Type = "session.update"
	msg.Session.Instructions = instructions
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("realtime: update instructions: %w", err)
	}

	s.setState(StateUpdating)
	s.mu.Lock()
	s.instrHash = h
	s.mu.Unlock()
	return nil
}

// SendToolOutput answers a tool call with its serialized output payload.
func (s *Session) SendToolOutput(callID, output string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	msg := toolOutputMessage{Type: "tool.output", ToolCallID: callID, Output: output}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("realtime: tool output: %w", err)
	}
	return nil
}

// Close terminates the session: the socket is closed, keepalive stops, and
// pending tool-call state is dropped. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateClosed
	s.pending = make(map[string]*pendingCall)
	aw := s.awaitingTx
	s.awaitingTx = nil
	s.mu.Unlock()

	if aw != nil {
		aw.done <- awaitResult{err: fmt.Errorf("%w: %s", ErrSessionClosed, s.id)}
	}

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

func (s *Session) recordInstructionHash(instructions string) {
	s.mu.Lock()
	s.instrHash = hashInstructions(instructions)
	s.mu.Unlock()
}

// hashInstructions is deduplication only, not a security boundary.
func hashInstructions(instructions string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(instructions))
	return h.Sum64()
}

// ── Loops ──────────────────────────────────────────────────────────────────────

// keepaliveLoop pings the upstream socket every 20 s until the session
// context is cancelled.
func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// receiveLoop reads upstream frames and dispatches them. It owns the event
// channel and closes it on exit.
func (s *Session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				// Locally initiated close; Close already set the state.
				return
			}
			s.handleSocketClose(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		if !s.handleServerEvent(&evt, data) {
			return
		}
	}
}

// handleSocketClose surfaces an abnormal upstream close as one closed event
// and terminates the session.
func (s *Session) handleSocketClose(err error) {
	code := int(websocket.CloseStatus(err))
	if code < 0 {
		code = int(websocket.StatusAbnormalClosure)
	}
	s.emit(Event{Kind: EventClosed, Code: code, Message: err.Error()})
	s.terminate()
}

// handleServerEvent processes one upstream event. It returns false when the
// event was fatal and the receive loop should exit.
func (s *Session) handleServerEvent(evt *serverEvent, raw []byte) bool {
	switch evt.Type {
	case "session.created":
		s.setState(StateReady)
		s.emit(Event{Kind: EventSessionCreated, Raw: raw})

	case "session.updated":
		s.setState(StateReady)
		s.emit(Event{Kind: EventSessionUpdated, Raw: raw})

	case "response.text.delta":
		s.mu.Lock()
		if s.awaitingTx != nil {
			s.awaitingTx.text.WriteString(evt.Delta)
		}
		s.mu.Unlock()
		s.emit(Event{Kind: EventTextDelta, Delta: evt.Delta, OutputIndex: evt.OutputIndex})

	case "response.text.done":
		s.emit(Event{Kind: EventTextDone, OutputIndex: evt.OutputIndex})

	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		s.emit(Event{Kind: EventAudioDelta, Delta: evt.Delta, OutputIndex: evt.OutputIndex})

	case "response.audio.done":
		s.emit(Event{Kind: EventAudioDone, OutputIndex: evt.OutputIndex})

	case "response.audio_transcript.delta":
		s.emit(Event{Kind: EventAudioTranscriptDelta, Delta: evt.Delta, OutputIndex: evt.OutputIndex})

	case "response.audio_transcript.done":
		s.emit(Event{Kind: EventAudioTranscriptDone, OutputIndex: evt.OutputIndex})

	case "response.done":
		s.setState(StateReady)
		s.resolveAwait(raw)
		s.emit(Event{Kind: EventResponseDone, Raw: raw})

	case "response.function_call_arguments.delta":
		s.accumulateToolDelta(evt)

	case "response.function_call_arguments.done":
		s.finishToolCall(evt)

	case "error", "response.error":
		return s.handleErrorEvent(evt, raw)
	}
	return true
}

// handleErrorEvent surfaces an upstream protocol error as one error event
// and terminates the session. No auto-reconnect.
func (s *Session) handleErrorEvent(evt *serverEvent, raw []byte) bool {
	msg := "unknown upstream error"
	if evt.Error != nil && evt.Error.Message != "" {
		msg = evt.Error.Message
	}

	s.failAwait(fmt.Errorf("realtime: upstream error: %s", msg))
	s.emit(Event{Kind: EventError, Message: msg, Raw: raw})
	s.terminate()
	return false
}

// accumulateToolDelta appends one argument fragment to the pending entry for
// its call id, creating the entry on first sight. Arrival order is preserved
// because all deltas arrive on the receive goroutine.
func (s *Session) accumulateToolDelta(evt *serverEvent) {
	if evt.CallID == "" {
		return
	}
	s.mu.Lock()
	pc, ok := s.pending[evt.CallID]
	if !ok {
		pc = &pendingCall{}
		s.pending[evt.CallID] = pc
	}
	if evt.Name != "" {
		pc.name = evt.Name
	}
	pc.args.WriteString(evt.Delta)
	s.mu.Unlock()
}

// finishToolCall removes the pending entry and hands the coalesced arguments
// to the tool handler. When no deltas were buffered, the done event's own
// arguments field is used.
func (s *Session) finishToolCall(evt *serverEvent) {
	s.mu.Lock()
	name := evt.Name
	args := evt.Arguments
	if pc, ok := s.pending[evt.CallID]; ok {
		if pc.name != "" {
			name = pc.name
		}
		if pc.args.Len() > 0 {
			args = pc.args.String()
		}
		delete(s.pending, evt.CallID)
	}
	handler := s.toolHandler
	s.mu.Unlock()

	if handler == nil {
		return
	}
	handler(evt.CallID, name, args)
}

func (s *Session) resolveAwait(raw []byte) {
	s.mu.Lock()
	aw := s.awaitingTx
	s.awaitingTx = nil
	s.mu.Unlock()

	if aw == nil {
		return
	}
	rawCopy := make([]byte, len(raw))
	copy(rawCopy, raw)
	aw.done <- awaitResult{text: aw.text.String(), raw: rawCopy}
}

func (s *Session) failAwait(err error) {
	s.mu.Lock()
	aw := s.awaitingTx
	s.awaitingTx = nil
	s.mu.Unlock()

	if aw != nil {
		aw.done <- awaitResult{err: err}
	}
}

// terminate marks the session closed after a fatal upstream condition.
func (s *Session) terminate() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	s.pending = make(map[string]*pendingCall)
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "terminated")
}

// emit delivers e to the event channel unless the session context is done.
func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	case <-s.ctx.Done():
	}
}
