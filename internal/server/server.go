package server

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/darvell/motorlink/internal/cmd"
	"github.com/darvell/motorlink/internal/isr"
	"github.com/darvell/motorlink/internal/link"
	"github.com/darvell/motorlink/internal/logger"
)

// Server broadcasts motor status and link diagnostics to WebSocket
// clients and exposes a small control/config API, the same shape the
// teacher's dashboard server used for ECU/GPS telemetry.
type Server struct {
	cfg    *Config
	proc   *cmd.Processor
	mgr    *link.Manager
	isrCh  *isr.Channel
	webFS  fs.FS
	logger *logger.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure broadcast to all WebSocket clients.
type Frame struct {
	Status  *cmd.Status    `json:"status,omitempty"`
	Intent  *cmd.Intent    `json:"intent,omitempty"`
	Stats   *cmd.Stats     `json:"stats,omitempty"`
	ISR     *isr.Stats     `json:"isr,omitempty"`
	Link    *LinkInfo      `json:"link,omitempty"`
	Display *DisplayConfig `json:"display,omitempty"`
	Stamp   int64          `json:"stamp"` // Unix ms
}

// LinkInfo is a JSON-friendly snapshot of the link manager's state.
type LinkInfo struct {
	Mode         string `json:"mode"`
	Locked       bool   `json:"locked"`
	LockedProto  string `json:"lockedProto,omitempty"`
	ScoreShengyi int    `json:"scoreShengyi"`
	ScoreSTX02   int    `json:"scoreStx02"`
	ScoreV2      int    `json:"scoreV2"`
	ScoreAuth    int    `json:"scoreAuth"`
}

// controlRequest is the body accepted by POST /api/control.
type controlRequest struct {
	Mode      *string `json:"mode,omitempty"` // "auto", "shengyi", "stx02", "auth", "v2"
	Assist    *int    `json:"assist,omitempty"`
	Light     *bool   `json:"light,omitempty"`
	Walk      *bool   `json:"walk,omitempty"`
	SpeedOver *bool   `json:"speedOver,omitempty"`
	OEMGears  *int    `json:"oemGears,omitempty"`
}

// New creates a new Server.
func New(cfg *Config, proc *cmd.Processor, mgr *link.Manager, isrCh *isr.Channel, webFS fs.FS) *Server {
	return &Server{
		cfg:   cfg,
		proc:  proc,
		mgr:   mgr,
		isrCh: isrCh,
		webFS: webFS,
		logger: logger.New(logger.Config{
			Enabled:    cfg.Logging.Enabled,
			Path:       cfg.Logging.Path,
			IntervalMs: cfg.Logging.IntervalMs,
		}),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the HTTP server and the broadcast loop.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/control", s.handleControl)

	go s.broadcastLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		s.logger.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	return srv.ListenAndServe()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", len(s.clients))

	cfgFrame := Frame{
		Display: &s.cfg.Display,
		Stamp:   time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(cfgFrame); err == nil {
		client.send <- data
	}

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", len(s.clients))
		}()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		s.logger.SetEnabled(s.cfg.Logging.Enabled)

		cfgFrame := Frame{Display: &s.cfg.Display, Stamp: time.Now().UnixMilli()}
		s.broadcast(cfgFrame)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

// handleControl applies runtime UI-side commands: assist level, light,
// walk, speed-limit-override, and link mode/protocol force.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	var req controlRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	if req.Assist != nil {
		s.proc.SetAssist(*req.Assist)
	}
	if req.Light != nil {
		s.proc.SetLight(*req.Light)
	}
	if req.Walk != nil {
		s.proc.SetWalk(*req.Walk)
	}
	if req.SpeedOver != nil {
		s.proc.SetSpeedOver(*req.SpeedOver)
	}
	if req.OEMGears != nil {
		s.proc.SetOEMGearCount(*req.OEMGears)
	}
	if req.Mode != nil {
		if mode, ok := parseMode(*req.Mode); ok {
			s.mgr.SetMode(mode)
		} else {
			http.Error(w, "unknown mode", 400)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func parseMode(name string) (link.Mode, bool) {
	switch name {
	case "auto":
		return link.ModeAuto, true
	case "shengyi":
		return link.ModeForceShengyi, true
	case "stx02":
		return link.ModeForceSTX02, true
	case "auth":
		return link.ModeForceAuth, true
	case "v2":
		return link.ModeForceV2, true
	default:
		return link.ModeAuto, false
	}
}

// broadcastLoop periodically samples processor/link/ISR state and
// broadcasts a combined frame, mirroring the teacher's independent
// polling + combined-broadcast pattern.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := s.proc.Status()
			intent := s.proc.Intent()
			stats := s.proc.GetStats()
			isrStats := s.isrCh.GetStats()
			linkInfo := s.linkSnapshot()

			frame := Frame{
				Status: &status,
				Intent: &intent,
				Stats:  &stats,
				ISR:    &isrStats,
				Link:   linkInfo,
				Stamp:  time.Now().UnixMilli(),
			}
			s.broadcast(frame)
			s.logger.Record(status, stats, isrStats, s.mgr)
		}
	}
}

func (s *Server) linkSnapshot() *LinkInfo {
	scores := s.mgr.Scores()
	info := &LinkInfo{
		Mode:         s.mgr.Mode().String(),
		Locked:       s.mgr.Locked(),
		ScoreShengyi: scores[0],
		ScoreSTX02:   scores[1],
		ScoreAuth:    scores[2],
		ScoreV2:      scores[3],
	}
	if proto, ok := s.mgr.LockedProtocol(); ok {
		info.LockedProto = proto.String()
	}
	return info
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}
