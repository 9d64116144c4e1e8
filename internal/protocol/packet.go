package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Packet types. One JSON packet per websocket text frame.
const (
	TypeHello     = "hello"
	TypeHelloOK   = "hello_ok"
	TypeSend      = "send"
	TypeSendOK    = "send_ok"
	TypeDeliver   = "deliver"
	TypeAck       = "ack"
	TypeHeartbeat = "heartbeat"
	TypeUpdate    = "update"
	TypeError     = "error"
)

// send_ok statuses.
const (
	StatusDelivered = "delivered"
	StatusQueued    = "queued"
)

// Error codes carried in error packets.
const (
	CodeUnknownDevice    = "unknown_device"
	CodeStoreUnavailable = "store_unavailable"
	CodeBadPacket        = "bad_packet"
)

// Payload size limits, in characters. ZWJ sequences like the family emoji
// span several runes per glyph, so the emoji bound is not 1.
const (
	MaxEmojiRunes = 10
	MaxTextRunes  = 200
)

var ErrBadPacket = errors.New("protocol: bad packet")

// Packet is the wire envelope for every frame in both directions.
// Fields are populated per Type; unused fields stay zero and are omitted.
type Packet struct {
	Type string `json:"type"`

	// hello / hello_ok
	Device  string `json:"device,omitempty"`
	Pending int    `json:"pending,omitempty"`

	// send / deliver
	ClientID string `json:"client_id,omitempty"`
	Emoji    string `json:"emoji,omitempty"`
	Text     string `json:"text,omitempty"`
	Sender   string `json:"sender,omitempty"`

	// send_ok / deliver / ack
	ID     int64  `json:"id,omitempty"`
	Status string `json:"status,omitempty"`

	// update
	Action string `json:"action,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func Encode(p *Packet) ([]byte, error) {
	return json.Marshal(p)
}

func Decode(b []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPacket, err)
	}
	if p.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrBadPacket)
	}
	return &p, nil
}

// ValidateSend checks the payload limits on an inbound send packet.
func ValidateSend(p *Packet) error {
	if p.Emoji == "" {
		return fmt.Errorf("%w: send without emoji", ErrBadPacket)
	}
	if utf8.RuneCountInString(p.Emoji) > MaxEmojiRunes {
		return fmt.Errorf("%w: emoji exceeds %d characters", ErrBadPacket, MaxEmojiRunes)
	}
	if utf8.RuneCountInString(p.Text) > MaxTextRunes {
		return fmt.Errorf("%w: text exceeds %d characters", ErrBadPacket, MaxTextRunes)
	}
	return nil
}
