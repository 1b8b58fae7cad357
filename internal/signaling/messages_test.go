package signaling

import (
	"strings"
	"testing"
)

func TestParseSignalMessage_Valid(t *testing.T) {
	tests := []struct {
		name string
		data string
		want messageKind
	}{
		{"presenter", `{"id":"presenter","sdpOffer":"v=0"}`, kindPresenter},
		{"viewer", `{"id":"viewer","sdpOffer":"v=0"}`, kindViewer},
		{"stop", `{"id":"stop"}`, kindStop},
		{"candidate", `{"id":"onIceCandidate","candidate":{"candidate":"candidate:1","sdpMid":"0","sdpMLineIndex":0}}`, kindOnIceCandidate},
		{"join", `{"id":"join","room":"r1"}`, kindJoin},
		{"create named", `{"id":"create","room":"r1"}`, kindCreate},
		{"create generated", `{"id":"create"}`, kindCreate},
		{"leave", `{"id":"leave"}`, kindLeave},
		{"share screen", `{"id":"shareScreen"}`, kindShareScreen},
		{"unshare screen", `{"id":"unshareScreen"}`, kindUnshareScreen},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := parseSignalMessage([]byte(tc.data))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if msg.ID != tc.want {
				t.Fatalf("id=%q, want %q", msg.ID, tc.want)
			}
		})
	}
}

func TestParseSignalMessage_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"unknown id", `{"id":"bogus"}`, "unsupported message id"},
		{"presenter missing offer", `{"id":"presenter"}`, "missing sdpOffer"},
		{"viewer missing offer", `{"id":"viewer"}`, "missing sdpOffer"},
		{"candidate missing body", `{"id":"onIceCandidate"}`, "missing candidate"},
		{"join missing room", `{"id":"join"}`, "missing room"},
		{"stop with room", `{"id":"stop","room":"r1"}`, "unexpected fields"},
		{"presenter with candidate", `{"id":"presenter","sdpOffer":"v=0","candidate":{"candidate":"x"}}`, "unexpected fields"},
		{"inbound with response", `{"id":"join","room":"r1","response":"accepted"}`, "unexpected fields"},
		{"unknown json field", `{"id":"stop","nope":true}`, "unknown field"},
		{"trailing data", `{"id":"stop"}{"id":"stop"}`, "trailing data"},
		{"not json", `hello`, "invalid character"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseSignalMessage([]byte(tc.data))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%q, want substring %q", err, tc.want)
			}
		})
	}
}

func TestCandidateConversionRoundTrip(t *testing.T) {
	mid := "0"
	var idx uint16 = 1
	frag := "ufrag"

	wire := candidate{
		Candidate:        "candidate:1 1 udp 1 198.51.100.7 40000 typ host",
		SDPMid:           &mid,
		SDPMLineIndex:    &idx,
		UsernameFragment: &frag,
	}

	back := candidateFromPion(wire.toPion())
	if back.Candidate != wire.Candidate {
		t.Fatalf("candidate=%q", back.Candidate)
	}
	if back.SDPMid == nil || *back.SDPMid != mid {
		t.Fatalf("sdpMid=%v", back.SDPMid)
	}
	if back.SDPMLineIndex == nil || *back.SDPMLineIndex != idx {
		t.Fatalf("sdpMLineIndex=%v", back.SDPMLineIndex)
	}
	if back.UsernameFragment == nil || *back.UsernameFragment != frag {
		t.Fatalf("usernameFragment=%v", back.UsernameFragment)
	}
}
