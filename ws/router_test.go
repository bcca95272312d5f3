package ws

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDispatchRoutesToRegisteredDevice(t *testing.T) {
	r := NewCommandRouter(nil)
	var gotPayload json.RawMessage
	var gotBy string
	r.Register("mouse", func(payload json.RawMessage, requestedBy string) error {
		gotPayload = payload
		gotBy = requestedBy
		return nil
	})

	r.Dispatch("mouse.command", json.RawMessage(`{"dx":1}`), "conn-1")

	if string(gotPayload) != `{"dx":1}` || gotBy != "conn-1" {
		t.Fatalf("handler not invoked with expected args: payload=%s by=%s", gotPayload, gotBy)
	}
}

func TestDispatchUnknownDeviceNeverPanics(t *testing.T) {
	r := NewCommandRouter(nil)
	r.Dispatch("nonexistent.command", nil, "conn-1")
}

func TestDispatchMalformedFrameTypeIgnored(t *testing.T) {
	r := NewCommandRouter(nil)
	r.Register("mouse", func(json.RawMessage, string) error { return nil })
	r.Dispatch("not-a-command-frame", nil, "conn-1")
}

func TestDispatchHandlerErrorDoesNotPropagate(t *testing.T) {
	r := NewCommandRouter(nil)
	r.Register("mouse", func(json.RawMessage, string) error { return errors.New("boom") })
	r.Dispatch("mouse.command", nil, "conn-1") // must not panic or block
}
