package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/streamforge/broadcast-relay/internal/broadcast"
)

type messageKind string

// Inbound kinds.
const (
	kindPresenter      messageKind = "presenter"
	kindViewer         messageKind = "viewer"
	kindStop           messageKind = "stop"
	kindOnIceCandidate messageKind = "onIceCandidate"
	kindJoin           messageKind = "join"
	kindCreate         messageKind = "create"
	kindLeave          messageKind = "leave"
	kindShareScreen    messageKind = "shareScreen"
	kindUnshareScreen  messageKind = "unshareScreen"
)

// Outbound kinds.
const (
	kindPresenterResponse messageKind = "presenterResponse"
	kindViewerResponse    messageKind = "viewerResponse"
	kindIceCandidate      messageKind = "iceCandidate"
	kindStopCommunication messageKind = "stopCommunication"
	kindJoinResponse      messageKind = "joinResponse"
	kindCreateResponse    messageKind = "createResponse"
	kindError             messageKind = "error"
)

const (
	responseAccepted = "accepted"
	responseRejected = "rejected"
)

type candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func candidateFromPion(init webrtc.ICECandidateInit) candidate {
	return candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c candidate) toPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// signalMessage is the single wire union for both directions. The ID field
// selects the kind; validate enforces which other fields each kind may carry.
type signalMessage struct {
	ID messageKind `json:"id"`

	SDPOffer  string     `json:"sdpOffer,omitempty"`
	Candidate *candidate `json:"candidate,omitempty"`
	Room      string     `json:"room,omitempty"`

	Response  string                         `json:"response,omitempty"`
	SDPAnswer string                         `json:"sdpAnswer,omitempty"`
	SessionID string                         `json:"sessionId,omitempty"`
	Members   map[string]broadcast.Resources `json:"members,omitempty"`
	Message   string                         `json:"message,omitempty"`
}

func parseSignalMessage(data []byte) (signalMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg signalMessage
	if err := dec.Decode(&msg); err != nil {
		return signalMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return signalMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return signalMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m signalMessage) validate() error {
	switch m.ID {
	case kindPresenter, kindViewer:
		if m.SDPOffer == "" {
			return fmt.Errorf("%s message missing sdpOffer", m.ID)
		}
		if m.Candidate != nil || m.Room != "" || m.hasOutboundFields() {
			return fmt.Errorf("%s message has unexpected fields", m.ID)
		}
	case kindOnIceCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("onIceCandidate message missing candidate")
		}
		if m.SDPOffer != "" || m.Room != "" || m.hasOutboundFields() {
			return fmt.Errorf("onIceCandidate message has unexpected fields")
		}
	case kindJoin:
		if m.Room == "" {
			return fmt.Errorf("join message missing room")
		}
		if m.SDPOffer != "" || m.Candidate != nil || m.hasOutboundFields() {
			return fmt.Errorf("join message has unexpected fields")
		}
	case kindCreate:
		// Room is optional: empty asks the server to generate a name.
		if m.SDPOffer != "" || m.Candidate != nil || m.hasOutboundFields() {
			return fmt.Errorf("create message has unexpected fields")
		}
	case kindStop, kindLeave, kindShareScreen, kindUnshareScreen:
		if m.SDPOffer != "" || m.Candidate != nil || m.Room != "" || m.hasOutboundFields() {
			return fmt.Errorf("%s message has unexpected fields", m.ID)
		}
	default:
		return fmt.Errorf("unsupported message id %q", m.ID)
	}
	return nil
}

func (m signalMessage) hasOutboundFields() bool {
	return m.Response != "" || m.SDPAnswer != "" || m.SessionID != "" ||
		m.Members != nil || m.Message != ""
}

func membersWire(desc broadcast.RoomDescription) map[string]broadcast.Resources {
	members := make(map[string]broadcast.Resources, len(desc))
	for id, res := range desc {
		members[string(id)] = res
	}
	return members
}
