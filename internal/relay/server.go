// Package relay is the wire-facing side of the server: the per-connection
// protocol handler plus the small HTTP admin surface (health, history,
// devices, OTA update signal, metrics).
package relay

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/sonyflake"
	"go.uber.org/zap"

	"github.com/jonathan17ux/valentine-iot/internal/config"
	"github.com/jonathan17ux/valentine-iot/internal/delivery"
	"github.com/jonathan17ux/valentine-iot/internal/hub"
	"github.com/jonathan17ux/valentine-iot/internal/protocol"
	"github.com/jonathan17ux/valentine-iot/internal/store"
)

type Server struct {
	cfg     *config.Config
	log     *zap.Logger
	store   store.Store
	hub     *hub.Hub
	engine  *delivery.Engine
	sf      *sonyflake.Sonyflake
	started time.Time
}

func NewServer(cfg *config.Config, log *zap.Logger, st store.Store, h *hub.Hub, engine *delivery.Engine) *Server {
	return &Server{
		cfg:     cfg,
		log:     log,
		store:   st,
		hub:     h,
		engine:  engine,
		sf:      sonyflake.NewSonyflake(sonyflake.Settings{}),
		started: time.Now(),
	}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/messages", s.handleMessages)
	mux.HandleFunc("/devices", s.handleDevices)
	mux.HandleFunc("/update", s.handleUpdate)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "healthy",
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds":    int64(time.Since(s.started).Seconds()),
		"connected_clients": s.hub.Len(),
	})
}

type apiMessage struct {
	ID        int64  `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Emoji     string `json:"emoji"`
	Text      string `json:"text,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	device := r.URL.Query().Get("device")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	msgs, err := s.store.History(r.Context(), device, limit)
	if err != nil {
		s.log.Error("history query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	out := make([]apiMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, apiMessage{
			ID:        m.ID,
			Sender:    m.Sender,
			Recipient: m.Recipient,
			Emoji:     m.Emoji,
			Text:      m.Text,
			Timestamp: m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": out,
		"count":    len(out),
		"device":   device,
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devs, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.log.Error("device query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	type apiDevice struct {
		Name     string `json:"name"`
		LastSeen string `json:"last_seen"`
	}
	out := make([]apiDevice, 0, len(devs))
	for _, d := range devs {
		out = append(out, apiDevice{Name: d.Name, LastSeen: d.LastSeen.UTC().Format(time.RFC3339)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out, "count": len(out)})
}

// handleUpdate pushes an OTA update signal to one or all connected devices.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	target := "all"
	var body struct {
		Device string `json:"device"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Device != "" {
		target = body.Device
	}

	frame, err := protocol.Encode(&protocol.Packet{Type: protocol.TypeUpdate, Action: "git_pull"})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	count := 0
	for _, device := range s.cfg.Pair {
		if target != "all" && target != device {
			continue
		}
		if sess, ok := s.hub.Lookup(device); ok {
			if sess.Enqueue(frame) == nil {
				count++
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "update signal sent",
		"device":     target,
		"recipients": count,
	})
}
