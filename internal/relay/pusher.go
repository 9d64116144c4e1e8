package relay

import (
	"fmt"

	"github.com/jonathan17ux/valentine-iot/internal/delivery"
	"github.com/jonathan17ux/valentine-iot/internal/hub"
	"github.com/jonathan17ux/valentine-iot/internal/protocol"
	"github.com/jonathan17ux/valentine-iot/internal/store"
)

// HubPusher implements delivery.Pusher over the session registry: it encodes
// a deliver frame and queues it on the recipient's live session.
type HubPusher struct {
	Hub *hub.Hub
}

func (p *HubPusher) PushDeliver(device string, msg store.Message) error {
	sess, ok := p.Hub.Lookup(device)
	if !ok {
		return delivery.ErrNotConnected
	}
	frame, err := protocol.Encode(&protocol.Packet{
		Type:   protocol.TypeDeliver,
		ID:     msg.ID,
		Sender: msg.Sender,
		Emoji:  msg.Emoji,
		Text:   msg.Text,
	})
	if err != nil {
		return fmt.Errorf("encode deliver: %w", err)
	}
	return sess.Enqueue(frame)
}
