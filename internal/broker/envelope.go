package broker

import "encoding/json"

// Channel names of the client envelope protocol.
const (
	channelConversation      = "openai:conversation"
	channelError             = "openai:error"
	channelSummarize         = "sonju:summarize"
	channelSuggestedQuestion = "sonju:suggestedQuestion"
	channelOfficeInfo        = "sonju:officeInfo"
)

// summaryImagePNG is the canned 1x1 PNG answered on sonju:summarize until an
// upstream summarizer exists. The exact bytes are part of the client
// contract; do not regenerate.
const summaryImagePNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

// inboundMessage is the JSON shape of a client text frame. Channel is always
// required; Type is required on the conversation channel.
type inboundMessage struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Text    string `json:"text"`
	Enum    string `json:"enum"`
}

// streamEnvelope carries delta and done events on the conversation channel.
// Delta is omitted on done envelopes.
type streamEnvelope struct {
	Channel     string `json:"channel"`
	Type        string `json:"type"`
	OutputIndex int    `json:"output_index"`
	Delta       string `json:"delta,omitempty"`
}

// errorEnvelope is sent on the openai:error channel for validation failures,
// upstream protocol errors and upstream closure.
type errorEnvelope struct {
	Channel string          `json:"channel"`
	Code    int             `json:"code"`
	Message string          `json:"message,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// prepromptedDoneEnvelope echoes a preprompted selection back to the client.
type prepromptedDoneEnvelope struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Output  string `json:"output"`
}

// summaryImageEnvelope answers sonju:summarize requests.
type summaryImageEnvelope struct {
	Channel     string `json:"channel"`
	Type        string `json:"type"`
	ImageBase64 string `json:"image_base64"`
}

func clientError(code int, message string) errorEnvelope {
	return errorEnvelope{Channel: channelError, Code: code, Message: message}
}
