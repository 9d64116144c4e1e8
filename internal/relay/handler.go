package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jonathan17ux/valentine-iot/internal/hub"
	"github.com/jonathan17ux/valentine-iot/internal/metrics"
	"github.com/jonathan17ux/valentine-iot/internal/protocol"
	"github.com/jonathan17ux/valentine-iot/internal/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	maxFrameBytes    = 4096
	handshakeTimeout = 10 * time.Second
	appendAttempts   = 3
	appendBackoff    = 250 * time.Millisecond
)

// handleWS runs the connection state machine: Handshake -> Active -> Closed.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	device, err := s.handshake(ws)
	if err != nil {
		s.log.Warn("handshake rejected", zap.Error(err))
		_ = ws.Close()
		return
	}

	connID, err := s.sf.NextID()
	if err != nil {
		s.log.Error("conn id generation failed", zap.Error(err))
		_ = ws.Close()
		return
	}

	sess := hub.NewSession(device, connID, ws, s.cfg.SendQueue)
	if evicted := s.hub.Register(sess); evicted != nil {
		metrics.SessionEvicted.Inc()
		s.log.Info("session superseded", zap.String("device", device), zap.Uint64("old_conn", evicted.ConnID))
	}
	metrics.OnlineSessions.Set(float64(s.hub.Len()))
	s.log.Info("device connected", zap.String("device", device), zap.Uint64("conn", connID))

	_ = s.store.TouchDevice(r.Context(), device, time.Now())

	go s.writeLoop(ws, sess)

	pending, err := s.store.ListPending(r.Context(), device)
	if err != nil {
		s.log.Warn("pending count failed", zap.String("device", device), zap.Error(err))
	}
	s.sendPacket(sess, &protocol.Packet{Type: protocol.TypeHelloOK, Device: device, Pending: len(pending)})

	// Backlog next: everything the device missed, in order, before live
	// traffic is read.
	if _, err := s.engine.SyncBacklog(context.Background(), device); err != nil {
		s.log.Warn("backlog sync failed", zap.String("device", device), zap.Error(err))
	}

	s.readLoop(ws, sess)

	// Closed: release the session slot. Message state is untouched;
	// Pending and Delivered entries simply await reconnection.
	s.hub.Unregister(device, connID)
	sess.Close()
	metrics.OnlineSessions.Set(float64(s.hub.Len()))
	s.log.Info("device disconnected", zap.String("device", device), zap.Uint64("conn", connID))
}

// handshake reads the hello frame and validates the identity against the
// configured pair.
func (s *Server) handshake(ws *websocket.Conn) (string, error) {
	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		return "", err
	}
	pkt, err := protocol.Decode(frame)
	if err != nil {
		s.rejectRaw(ws, protocol.CodeBadPacket, err.Error())
		return "", err
	}
	if pkt.Type != protocol.TypeHello {
		s.rejectRaw(ws, protocol.CodeBadPacket, "expected hello")
		return "", errors.New("first frame was not hello")
	}
	if s.cfg.PeerOf(pkt.Device) == "" {
		s.rejectRaw(ws, protocol.CodeUnknownDevice, "device not in configured pair")
		return "", errors.New("unknown device " + pkt.Device)
	}
	return pkt.Device, nil
}

// rejectRaw writes an error frame directly, pre-registration.
func (s *Server) rejectRaw(ws *websocket.Conn, code, msg string) {
	frame, err := protocol.Encode(&protocol.Packet{Type: protocol.TypeError, Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_ = ws.WriteMessage(websocket.TextMessage, frame)
}

func (s *Server) readDeadline() time.Duration {
	return s.cfg.Heartbeat.Interval * time.Duration(s.cfg.Heartbeat.MaxMissed)
}

func (s *Server) readLoop(ws *websocket.Conn, sess *hub.Session) {
	device := sess.Device
	_ = ws.SetReadDeadline(time.Now().Add(s.readDeadline()))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.readDeadline()))
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		pkt, err := protocol.Decode(frame)
		if err != nil {
			s.log.Debug("bad frame", zap.String("device", device), zap.Error(err))
			s.sendPacket(sess, &protocol.Packet{Type: protocol.TypeError, Code: protocol.CodeBadPacket, Message: err.Error()})
			continue
		}

		switch pkt.Type {
		case protocol.TypeSend:
			s.handleSend(sess, pkt)
		case protocol.TypeAck:
			if err := s.engine.HandleAck(context.Background(), device, pkt.ID); err != nil {
				s.log.Warn("ack failed", zap.String("device", device), zap.Int64("id", pkt.ID), zap.Error(err))
			}
		case protocol.TypeHeartbeat:
			_ = ws.SetReadDeadline(time.Now().Add(s.readDeadline()))
			_ = s.store.TouchDevice(context.Background(), device, time.Now())
		case protocol.TypeHello:
			// Already active; ignore.
		default:
			s.log.Debug("unexpected packet", zap.String("device", device), zap.String("type", pkt.Type))
		}
	}
}

// handleSend appends durably, then hands off to the delivery engine. The
// sender's receipt depends only on the append: delivery is asynchronous.
func (s *Server) handleSend(sess *hub.Session, pkt *protocol.Packet) {
	if err := protocol.ValidateSend(pkt); err != nil {
		s.sendPacket(sess, &protocol.Packet{Type: protocol.TypeError, Code: protocol.CodeBadPacket, Message: err.Error()})
		return
	}

	sender := sess.Device
	recipient := s.cfg.PeerOf(sender)

	msg, err := s.appendWithRetry(sender, recipient, pkt)
	if err != nil {
		s.log.Error("append failed", zap.String("sender", sender), zap.Error(err))
		s.sendPacket(sess, &protocol.Packet{Type: protocol.TypeError, Code: protocol.CodeStoreUnavailable, Message: "message not stored, retry"})
		return
	}
	metrics.MsgAppended.Inc()

	status := protocol.StatusQueued
	if s.engine.Dispatch(context.Background(), msg) {
		status = protocol.StatusDelivered
	}
	s.sendPacket(sess, &protocol.Packet{Type: protocol.TypeSendOK, ID: msg.ID, Status: status})
}

// appendWithRetry retries transient store failures before reporting the send
// as failed upstream.
func (s *Server) appendWithRetry(sender, recipient string, pkt *protocol.Packet) (store.Message, error) {
	var lastErr error
	for i := 0; i < appendAttempts; i++ {
		if i > 0 {
			time.Sleep(appendBackoff * time.Duration(i))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		msg, err := s.store.Append(ctx, sender, recipient, pkt.Emoji, pkt.Text, pkt.ClientID)
		cancel()
		if err == nil {
			return msg, nil
		}
		lastErr = err
		if !errors.Is(err, store.ErrUnavailable) {
			break
		}
	}
	return store.Message{}, lastErr
}

func (s *Server) sendPacket(sess *hub.Session, pkt *protocol.Packet) {
	frame, err := protocol.Encode(pkt)
	if err != nil {
		s.log.Error("encode failed", zap.String("type", pkt.Type), zap.Error(err))
		return
	}
	if err := sess.Enqueue(frame); err != nil {
		s.log.Debug("enqueue failed", zap.String("device", sess.Device), zap.String("type", pkt.Type), zap.Error(err))
	}
}

// writeLoop drains the session's outbound queue and keeps the transport
// alive with pings. Exits when the session is closed or a write fails.
func (s *Server) writeLoop(ws *websocket.Conn, sess *hub.Session) {
	ping := time.NewTicker(s.cfg.Heartbeat.Interval)
	defer ping.Stop()
	defer sess.Close()

	for {
		select {
		case <-sess.Done():
			return
		case frame := <-sess.Out():
			_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}
