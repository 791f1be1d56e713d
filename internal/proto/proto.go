// Package proto defines the signaling wire format: envelopes, typed
// payloads and the chat message entity with its delivery-status order.
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// ServiceType is the mDNS service type peers advertise and browse.
	ServiceType = "_lanlink._tcp"

	// ServiceName is the advertised instance name prefix.
	ServiceName = "lanlink"
)

// Envelope type values. Every frame on the wire is one of these.
const (
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypeMessage      = "message"
	TypeTyping       = "typing"
	TypeDelivered    = "delivered"
	TypeSeen         = "seen"
	TypeCallOffer    = "call-offer"
	TypeCallAnswer   = "call-answer"
	TypeCallEnd      = "call-end"
	TypeICECandidate = "ice-candidate"
)

// Envelope is the signaling unit exchanged between peers.
// From always carries the sender's session id. To, when set, restricts
// delivery to a single recipient; envelopes without To are
// broadcast-eligible and filtered on receipt.
type Envelope struct {
	Type    string          `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload announces a peer's identity. DeviceID is the hardware
// persistent identifier and is absent on platforms that cannot supply one.
type JoinPayload struct {
	Username   string `json:"username"`
	IP         string `json:"ip"`
	AvatarURL  string `json:"avatarUrl,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
	DeviceName string `json:"deviceName,omitempty"`
}

// MessageStatus is the delivery state of a chat message. Transitions are
// monotonic: sending < sent < delivered < seen.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusSeen      MessageStatus = "seen"
)

var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusSeen:      3,
}

// Rank returns the position of s in the delivery order, or -1 for an
// unknown status.
func (s MessageStatus) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Supersedes reports whether moving to s from old advances the delivery
// order. Unknown statuses never supersede anything.
func (s MessageStatus) Supersedes(old MessageStatus) bool {
	return s.Rank() > old.Rank()
}

// Message is a chat message as carried in a "message" envelope and as
// persisted by storage.
type Message struct {
	ID         string        `json:"id"`
	SenderID   string        `json:"senderId"`
	ReceiverID string        `json:"receiverId"`
	Content    string        `json:"content"`
	Timestamp  int64         `json:"timestamp"` // unix millis
	Status     MessageStatus `json:"status"`
	Type       string        `json:"type"` // text | image | file
}

// NewMessage creates an outbound text message in the sending state.
func NewMessage(senderID, receiverID, content string) *Message {
	return &Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Timestamp:  time.Now().UnixMilli(),
		Status:     StatusSending,
		Type:       "text",
	}
}

// TypingPayload signals that the sender started or stopped typing.
type TypingPayload struct {
	IsTyping bool `json:"isTyping"`
}

// ReceiptPayload references a message for delivered/seen receipts.
type ReceiptPayload struct {
	MessageID string `json:"messageId"`
}

// OfferPayload carries the caller's username and SDP offer.
type OfferPayload struct {
	Username string `json:"username"`
	SDP      string `json:"sdp"`
}

// AnswerPayload carries the callee's SDP answer.
type AnswerPayload struct {
	SDP string `json:"sdp"`
}

// NewEnvelope builds an envelope with payload marshaled to JSON.
// to may be empty for broadcast-eligible envelopes.
func NewEnvelope(typ, from, to string, payload any) (*Envelope, error) {
	env := &Envelope{Type: typ, From: from, To: to}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Encode serializes the envelope for the transport.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses one wire frame into an envelope. An envelope without a
// type or sender is rejected here so the router never sees it.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	if env.From == "" {
		return nil, fmt.Errorf("envelope missing from")
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

func NowMillis() int64 { return time.Now().UnixMilli() }
