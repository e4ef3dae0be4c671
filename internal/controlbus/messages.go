package controlbus

import "encoding/json"

// Envelope is the minimal shape every inbound control message satisfies: a
// type discriminator plus whatever fields that type carries. Raw is not
// populated by Client; its dispatch re-unmarshals the received payload bytes
// into the concrete message struct for the type.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// Firehose is the internal/server-ingest republish shape. The misspelled
// key is preserved verbatim for wire compatibility with existing devices.
type Firehose struct {
	SenderClientID string          `json:"sender_client_id"`
	OrginalPayload json.RawMessage `json:"orginal_payload"`
}

// AudioParams describes the PCM/opus framing a device announces or is told
// to use.
type AudioParams struct {
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
	Format        string `json:"format"`
}

// HelloIn is the device->gateway hello payload.
type HelloIn struct {
	Type        string      `json:"type"`
	Version     int         `json:"version"`
	AudioParams AudioParams `json:"audio_params"`
	Features    []string    `json:"features,omitempty"`
	Language    string      `json:"language,omitempty"`
}

// GoodbyeIn, AbortIn share the same minimal shape.
type GoodbyeIn struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type AbortIn struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type ListenIn struct {
	Type  string `json:"type"`
	State string `json:"state"` // start|stop
	Mode  string `json:"mode"`  // manual|auto
}

type ModeChangeIn struct {
	Type string `json:"type"`
}

type CharacterChangeIn struct {
	Type          string `json:"type"`
	CharacterName string `json:"characterName,omitempty"`
}

type SetListeningModeIn struct {
	Type string `json:"type"`
}

type PlaybackControlIn struct {
	Type   string `json:"type"`
	Action string `json:"action"` // next|previous|start_agent
}

type FunctionCallPayload struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type FunctionCallIn struct {
	Type         string               `json:"type"`
	FunctionCall FunctionCallPayload  `json:"function_call"`
	Source       string               `json:"source"`
}

type McpIn struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"request_id"`
}

type StartGreetingIn struct {
	Type string `json:"type"`
}

// UDPMaterial is the datagram-transport material handed to a device at
// hello and mode-change time.
type UDPMaterial struct {
	Server       string `json:"server"`
	Port         int    `json:"port"`
	Encryption   string `json:"encryption"`
	Key          string `json:"key"`
	Nonce        string `json:"nonce"`
	ConnectionID uint32 `json:"connection_id"`
	Cookie       string `json:"cookie"`
}

// HelloOut is the gateway->device hello reply.
type HelloOut struct {
	Type        string      `json:"type"`
	Version     int         `json:"version"`
	Mode        string      `json:"mode"`
	Character   string      `json:"character,omitempty"`
	SessionID   string      `json:"session_id"`
	Transport   string      `json:"transport"`
	UDP         UDPMaterial `json:"udp"`
	AudioParams AudioParams `json:"audio_params"`
}

// ModeUpdateOut is published after a mode-change rebuilds the bridge.
type ModeUpdateOut struct {
	Type          string      `json:"type"`
	Mode          string      `json:"mode"`
	ListeningMode string      `json:"listening_mode,omitempty"`
	Character     string      `json:"character,omitempty"`
	SessionID     string      `json:"session_id"`
	UDP           UDPMaterial `json:"udp"`
	AudioParams   AudioParams `json:"audio_params"`
}

type TTSOut struct {
	Type      string `json:"type"`
	State     string `json:"state"` // start|stop|sentence_start
	SessionID string `json:"session_id"`
	Text      string `json:"text,omitempty"`
}

type STTOut struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

type LLMOut struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Emotion string `json:"emotion,omitempty"`
	State   string `json:"state,omitempty"`
}

type McpOut struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	SessionID string          `json:"session_id"`
	RequestID string          `json:"request_id"`
	Timestamp int64           `json:"timestamp"`
}

// GoodbyeReason enumerates the values SessionFSM may put on a GoodbyeOut.
type GoodbyeReason string

const (
	ReasonInactivityTimeout  GoodbyeReason = "inactivity_timeout"
	ReasonEndPromptTimeout   GoodbyeReason = "end_prompt_timeout"
	ReasonModeChange         GoodbyeReason = "mode_change"
	ReasonCharacterChange    GoodbyeReason = "character_change"
	ReasonSessionMaxDuration GoodbyeReason = "session_max_duration"
)

type GoodbyeOut struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id"`
	Reason    GoodbyeReason `json:"reason,omitempty"`
}

type ReadyForGreetingOut struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type ErrorOut struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DeviceStatusOut is the gateway->app companion notification.
type DeviceStatusOut struct {
	Type      string `json:"type"`
	Status    string `json:"status"` // connected|not_connected
	DeviceID  string `json:"deviceId"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
