package wire

import (
	"reflect"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Event
	}{
		{"ready", `{"type":"ready"}`, Ready{}},
		{"audio", `{"type":"audio","data":"AAAA"}`, Audio{Data: "AAAA"}},
		{"user transcript", `{"type":"user_transcript","text":"hi","order":3}`, UserTranscript{Text: "hi", Order: 3}},
		{"assistant delta", `{"type":"assistant_transcript_delta","text":"he"}`, AssistantTranscriptDelta{Text: "he"}},
		{"assistant done", `{"type":"assistant_transcript_done","text":"hello","order":4}`, AssistantTranscriptDone{Text: "hello", Order: 4}},
		{"text confirmed", `{"type":"text_confirmed","text":"hello","order":1}`, TextConfirmed{Text: "hello", Order: 1}},
		{"task requested", `{"type":"task_requested","task_prompt":"search cats","call_id":"c1"}`, TaskRequested{TaskPrompt: "search cats", CallID: "c1"}},
		{"response done", `{"type":"response_done"}`, ResponseDone{}},
		{"error", `{"type":"error","message":"boom"}`, Error{Message: "boom"}},
		{"text turn", `{"type":"text","content":"hello"}`, TextTurn{Content: "hello"}},
		{"task result", `{"type":"task_result","call_id":"c1","result":"done"}`, TaskResultReply{CallID: "c1", Result: "done"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.data))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	for _, data := range []string{
		`{not json`,
		`{"type":"no_such_type"}`,
		`{}`,
	} {
		if _, err := Decode([]byte(data)); err == nil {
			t.Fatalf("expected error for %q", data)
		}
	}
}

func TestEncodeOmitsEmptyFields(t *testing.T) {
	data, err := Encode(TextMessage("hello"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"type":"text","content":"hello"}`
	if string(data) != want {
		t.Fatalf("got %s, want %s", data, want)
	}
}
