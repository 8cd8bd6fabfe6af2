package envelope_test

import (
	"errors"
	"testing"

	"github.com/bdobrica/kotoba/common/spec/envelope"
)

func TestDecode_TextEvent(t *testing.T) {
	evt, err := envelope.Decode("!r:test", "$e1", "@alice:test", []byte(`{"msgtype":"m.text","body":"hi ✓"}`))
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	if evt.RoomID != "!r:test" || evt.EventID != "$e1" || evt.Sender != "@alice:test" {
		t.Errorf("routing fields: got %+v", evt)
	}
	if !evt.IsText() {
		t.Errorf("expected text event, got msgtype %q", evt.MsgType)
	}
	if evt.Body != "hi ✓" {
		t.Errorf("Body: got %q", evt.Body)
	}
}

func TestDecode_EmptyBodyIsAllowed(t *testing.T) {
	evt, err := envelope.Decode("!r:test", "", "@alice:test", []byte(`{"msgtype":"m.text","body":""}`))
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	if evt.Body != "" {
		t.Errorf("Body: got %q, want empty", evt.Body)
	}
}

func TestDecode_NonTextWithoutBody(t *testing.T) {
	evt, err := envelope.Decode("!r:test", "", "@alice:test", []byte(`{"msgtype":"m.image","url":"mxc://x/y"}`))
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	if evt.IsText() {
		t.Error("image event reported as text")
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		roomID  string
		sender  string
		content string
	}{
		{"missing room", "", "@a:test", `{"msgtype":"m.text","body":"x"}`},
		{"missing sender", "!r:test", "", `{"msgtype":"m.text","body":"x"}`},
		{"missing msgtype", "!r:test", "@a:test", `{"body":"x"}`},
		{"text without body", "!r:test", "@a:test", `{"msgtype":"m.text"}`},
		{"text with null body", "!r:test", "@a:test", `{"msgtype":"m.text","body":null}`},
		{"body not a string", "!r:test", "@a:test", `{"msgtype":"m.text","body":42}`},
		{"not json", "!r:test", "@a:test", `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := envelope.Decode(tt.roomID, "$e", tt.sender, []byte(tt.content))
			if !errors.Is(err, envelope.ErrMalformedEvent) {
				t.Fatalf("expected ErrMalformedEvent, got %v", err)
			}
		})
	}
}

func TestValidate_Nil(t *testing.T) {
	var evt *envelope.RoomEvent
	if err := evt.Validate(); !errors.Is(err, envelope.ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}
