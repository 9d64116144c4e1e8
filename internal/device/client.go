// Package device is the client-side library the display firmware links
// against: it keeps one connection to the relay alive, replays the hello
// handshake on every reconnect, heartbeats, acks every delivered message
// after the handler has processed it, and queues outbound sends across
// disconnects. Rendering and input stay out of scope; they plug in through
// Handler.
package device

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/sonyflake"
	"go.uber.org/zap"

	"github.com/jonathan17ux/valentine-iot/internal/protocol"
)

// Handler receives inbound events. HandleDeliver runs before the ack is
// written, so a processed message is never acked-but-lost.
type Handler interface {
	HandleDeliver(id int64, sender, emoji, text string)
	HandleUpdate(action string)
	HandleConnected(connected bool)
}

type Options struct {
	URL          string // ws://host:port/ws
	Device       string
	Heartbeat    time.Duration
	WriteTimeout time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	SendQueue    int
}

func (o Options) withDefaults() Options {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 3 * time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 15 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 32
	}
	return o
}

var ErrSendQueueFull = errors.New("device: send queue full")

type Client struct {
	opts    Options
	handler Handler
	log     *zap.Logger
	sf      *sonyflake.Sonyflake

	sendCh chan *protocol.Packet

	writeMu sync.Mutex // reader-side acks and the writer goroutine share one conn

	mu             sync.Mutex
	handledThrough int64 // highest delivered id handed to the handler
}

func New(opts Options, handler Handler, log *zap.Logger) *Client {
	return &Client{
		opts:    opts.withDefaults(),
		handler: handler,
		log:     log,
		sf:      sonyflake.NewSonyflake(sonyflake.Settings{}),
		sendCh:  make(chan *protocol.Packet, opts.withDefaults().SendQueue),
	}
}

// Send queues an emoji for the peer. The client id makes the send
// restart-safe: if the process dies before the receipt arrives and the frame
// is sent again, the relay dedupes instead of appending twice.
func (c *Client) Send(emoji, text string) error {
	id, err := c.sf.NextID()
	if err != nil {
		return err
	}
	pkt := &protocol.Packet{
		Type:     protocol.TypeSend,
		ClientID: strconv.FormatUint(id, 10),
		Emoji:    emoji,
		Text:     text,
	}
	select {
	case c.sendCh <- pkt:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Run keeps the connection alive until ctx is canceled, reconnecting with
// bounded backoff.
func (c *Client) Run(ctx context.Context) error {
	delay := c.opts.ReconnectMin
	for {
		connected, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.handler.HandleConnected(false)
		if connected {
			delay = c.opts.ReconnectMin
		}
		c.log.Warn("connection lost, reconnecting", zap.Duration("in", delay), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.opts.ReconnectMax {
			delay = c.opts.ReconnectMax
		}
	}
}

func (c *Client) runOnce(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return false, err
	}
	defer ws.Close()

	if err := c.write(ws, &protocol.Packet{Type: protocol.TypeHello, Device: c.opts.Device}); err != nil {
		return false, err
	}

	c.handler.HandleConnected(true)
	c.log.Info("connected", zap.String("device", c.opts.Device), zap.String("url", c.opts.URL))

	// Writer: heartbeats and queued sends. Reader stays on this
	// goroutine.
	writerCtx, stopWriter := context.WithCancel(ctx)
	defer stopWriter()
	writeErr := make(chan error, 1)
	go c.writeLoop(writerCtx, ws, writeErr)

	for {
		select {
		case err := <-writeErr:
			return true, err
		default:
		}
		_ = ws.SetReadDeadline(time.Now().Add(3 * c.opts.Heartbeat))
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return true, err
		}
		pkt, err := protocol.Decode(frame)
		if err != nil {
			c.log.Debug("bad frame from relay", zap.Error(err))
			continue
		}
		switch pkt.Type {
		case protocol.TypeHelloOK:
			if pkt.Pending > 0 {
				c.log.Info("backlog incoming", zap.Int("pending", pkt.Pending))
			}
		case protocol.TypeDeliver:
			c.deliver(ws, pkt)
		case protocol.TypeSendOK:
			c.log.Debug("send receipt", zap.Int64("id", pkt.ID), zap.String("status", pkt.Status))
		case protocol.TypeUpdate:
			c.handler.HandleUpdate(pkt.Action)
		case protocol.TypeError:
			c.log.Warn("relay error", zap.String("code", pkt.Code), zap.String("message", pkt.Message))
			if pkt.Code == protocol.CodeUnknownDevice {
				return true, errors.New("relay rejected identity " + c.opts.Device)
			}
		}
	}
}

// deliver hands the message to the handler once, then acks. Redeliveries of
// an already-handled id are acked again without reprocessing.
func (c *Client) deliver(ws *websocket.Conn, pkt *protocol.Packet) {
	if c.markHandled(pkt.ID) {
		c.handler.HandleDeliver(pkt.ID, pkt.Sender, pkt.Emoji, pkt.Text)
	}
	if err := c.write(ws, &protocol.Packet{Type: protocol.TypeAck, ID: pkt.ID}); err != nil {
		c.log.Warn("ack write failed", zap.Int64("id", pkt.ID), zap.Error(err))
	}
}

// markHandled records id and reports whether it still needs processing.
// A single watermark suffices: the relay delivers per-recipient in append
// order, so the first sighting of any id arrives above all earlier ones
// and anything at or below the watermark is a redelivery.
func (c *Client) markHandled(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id <= c.handledThrough {
		return false
	}
	c.handledThrough = id
	return true
}

func (c *Client) writeLoop(ctx context.Context, ws *websocket.Conn, errCh chan<- error) {
	hb := time.NewTicker(c.opts.Heartbeat)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-hb.C:
			if err := c.write(ws, &protocol.Packet{Type: protocol.TypeHeartbeat}); err != nil {
				errCh <- err
				return
			}
		case pkt := <-c.sendCh:
			if err := c.write(ws, pkt); err != nil {
				// Requeue so the send survives the reconnect.
				select {
				case c.sendCh <- pkt:
				default:
				}
				errCh <- err
				return
			}
		}
	}
}

func (c *Client) write(ws *websocket.Conn, pkt *protocol.Packet) error {
	frame, err := protocol.Encode(pkt)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, frame)
}
