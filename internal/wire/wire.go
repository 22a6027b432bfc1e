// Package wire defines the JSON-framed message set of the session channel
// and a typed decoder so handlers can switch exhaustively over a closed
// union instead of raw string tags.
package wire

import (
	"encoding/json"
	"fmt"
)

// Message is the flat JSON envelope carried on the channel in both
// directions. Only the fields relevant to a given Type are populated.
type Message struct {
	Type       string `json:"type"`
	Data       string `json:"data,omitempty"`        // base64 PCM16 @ 24000 Hz
	Text       string `json:"text,omitempty"`        // transcript text
	Order      int64  `json:"order,omitempty"`       // server-assigned order key
	Content    string `json:"content,omitempty"`     // outbound text message body
	TaskPrompt string `json:"task_prompt,omitempty"` // proposed automation task
	CallID     string `json:"call_id,omitempty"`     // task correlation id
	Result     string `json:"result,omitempty"`      // task result text
	ErrMessage string `json:"message,omitempty"`     // error description
}

// Server→client message types.
const (
	TypeReady                    = "ready"
	TypeAudio                    = "audio"
	TypeUserTranscript           = "user_transcript"
	TypeAssistantTranscriptDelta = "assistant_transcript_delta"
	TypeAssistantTranscriptDone  = "assistant_transcript_done"
	TypeTextConfirmed            = "text_confirmed"
	TypeTaskRequested            = "task_requested"
	TypeResponseDone             = "response_done"
	TypeError                    = "error"
)

// Client→server message types. TypeAudio is shared.
const (
	TypeText       = "text"
	TypeTaskResult = "task_result"
)

// Event is one decoded inbound message. The set of implementations is
// closed; handlers switch over the concrete types.
type Event interface{ isEvent() }

type Ready struct{}

type Audio struct{ Data string }

type UserTranscript struct {
	Text  string
	Order int64
}

// AssistantTranscriptDelta carries an incremental fragment with no order
// key; consumers accumulate fragments until the done event arrives.
type AssistantTranscriptDelta struct{ Text string }

type AssistantTranscriptDone struct {
	Text  string
	Order int64
}

type TextConfirmed struct {
	Text  string
	Order int64
}

type TaskRequested struct {
	TaskPrompt string
	CallID     string
}

type ResponseDone struct{}

type Error struct{ Message string }

// TextTurn is a typed client message awaiting order confirmation.
type TextTurn struct{ Content string }

// TaskResultReply acknowledges a requested task with its result text.
type TaskResultReply struct {
	CallID string
	Result string
}

func (Ready) isEvent()                    {}
func (Audio) isEvent()                    {}
func (UserTranscript) isEvent()           {}
func (AssistantTranscriptDelta) isEvent() {}
func (AssistantTranscriptDone) isEvent()  {}
func (TextConfirmed) isEvent()            {}
func (TaskRequested) isEvent()            {}
func (ResponseDone) isEvent()             {}
func (Error) isEvent()                    {}
func (TextTurn) isEvent()                 {}
func (TaskResultReply) isEvent()          {}

// Decode parses one inbound frame into its typed event. Unknown types and
// malformed JSON return an error; per the protocol the caller logs the
// frame and drops it without tearing down the connection.
func Decode(data []byte) (Event, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	switch msg.Type {
	case TypeReady:
		return Ready{}, nil
	case TypeAudio:
		return Audio{Data: msg.Data}, nil
	case TypeUserTranscript:
		return UserTranscript{Text: msg.Text, Order: msg.Order}, nil
	case TypeAssistantTranscriptDelta:
		return AssistantTranscriptDelta{Text: msg.Text}, nil
	case TypeAssistantTranscriptDone:
		return AssistantTranscriptDone{Text: msg.Text, Order: msg.Order}, nil
	case TypeTextConfirmed:
		return TextConfirmed{Text: msg.Text, Order: msg.Order}, nil
	case TypeTaskRequested:
		return TaskRequested{TaskPrompt: msg.TaskPrompt, CallID: msg.CallID}, nil
	case TypeResponseDone:
		return ResponseDone{}, nil
	case TypeError:
		return Error{Message: msg.ErrMessage}, nil
	case TypeText:
		return TextTurn{Content: msg.Content}, nil
	case TypeTaskResult:
		return TaskResultReply{CallID: msg.CallID, Result: msg.Result}, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", msg.Type)
	}
}

// Encode marshals a message for transmission.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// AudioFrame builds an audio message from an encoded base64 PCM16 frame.
func AudioFrame(data string) Message {
	return Message{Type: TypeAudio, Data: data}
}

// TextMessage builds an outbound text message.
func TextMessage(content string) Message {
	return Message{Type: TypeText, Content: content}
}

// TaskResult builds a task result reply correlated by call id.
func TaskResult(callID, result string) Message {
	return Message{Type: TypeTaskResult, CallID: callID, Result: result}
}
