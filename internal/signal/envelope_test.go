package signal

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	frame, err := Encode(EventCallSignal, &CallSignal{Type: TypeOffer, From: "a", To: "b", RoomID: "room_1"})
	if err != nil {
		t.Fatal(err)
	}

	env, err := Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	if env.Event != EventCallSignal {
		t.Fatalf("event = %q, want %q", env.Event, EventCallSignal)
	}

	var sig CallSignal
	if err := json.Unmarshal(env.Data, &sig); err != nil {
		t.Fatal(err)
	}
	if sig.Type != TypeOffer || sig.RoomID != "room_1" {
		t.Fatalf("unexpected payload: %+v", sig)
	}
}

func TestDecodeRejectsMissingEvent(t *testing.T) {
	if _, err := Decode([]byte(`{"data":{}}`)); err == nil {
		t.Fatal("expected error for envelope without event name")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}
