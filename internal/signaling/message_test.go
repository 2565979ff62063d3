package signaling

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestNewMessage_WireShape(t *testing.T) {
	msg, err := NewMessage(EventUserCall, UserCallPayload{
		To:    "peer-b",
		Offer: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
	})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}

	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"event":"user:call","payload":{"to":"peer-b","offer":{"type":"offer","sdp":"v=0"}}}`
	if string(b) != want {
		t.Fatalf("wire form\n got %s\nwant %s", b, want)
	}
}

func TestNewMessage_RawPayloadPassesThrough(t *testing.T) {
	raw := json.RawMessage(`{"id":"x"}`)
	msg, err := NewMessage(EventUserLeft, raw)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if string(msg.Payload) != string(raw) {
		t.Fatalf("payload = %s", msg.Payload)
	}
}

func TestMessage_Decode(t *testing.T) {
	msg := &Message{Event: EventIncomingCall, Payload: json.RawMessage(
		`{"from":"a","mail":"a@example.com","offer":{"type":"offer","sdp":"v=0"}}`)}

	var p IncomingCallPayload
	if err := msg.Decode(&p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.From != "a" || p.Mail != "a@example.com" || p.Offer.Type != webrtc.SDPTypeOffer {
		t.Fatalf("decoded %+v", p)
	}

	if err := (&Message{Event: EventIncomingCall}).Decode(&p); err == nil {
		t.Fatalf("expected error for empty payload")
	}
	bad := &Message{Event: EventIncomingCall, Payload: json.RawMessage(`{"offer":{"type":"bogus"}}`)}
	if err := bad.Decode(&p); err == nil {
		t.Fatalf("expected error for unknown SDP type")
	}
}
