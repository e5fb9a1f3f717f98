// Package bridge is the wire between this service and the platform
// shim that actually sees accessibility events and draws the overlay.
// The shim connects over a unix socket and speaks newline-delimited
// JSON: raw events and user commands in, balance updates and notices
// out.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/goodtune/timegate/internal/classify"
	"github.com/goodtune/timegate/internal/config"
	"github.com/goodtune/timegate/internal/ledger"
)

// Inbound message types.
const (
	TypeEvent             = "event"
	TypeOverlayClosed     = "overlay_closed"
	TypeScreenOn          = "screen_on"
	TypeScreenOff         = "screen_off"
	TypeUserPresent       = "user_present"
	TypeStartSpending     = "start_spending"
	TypeStartAccumulating = "start_accumulating"
	TypeStop              = "stop"
	TypeTempGrant         = "temp_grant"
)

// Message is one inbound line from the shim.
type Message struct {
	Type    string `json:"type"`
	Kind    string `json:"kind,omitempty"`
	Package string `json:"package,omitempty"`
	Class   string `json:"class,omitempty"`
	TimeMs  int64  `json:"time_ms,omitempty"`
}

// Result is the reply to a command message.
type Result struct {
	Type  string `json:"type"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Update is an outbound balance update.
type Update struct {
	Type               string  `json:"type"`
	Mode               string  `json:"mode"`
	AvailableSeconds   float64 `json:"available_seconds"`
	AccumulatedSeconds float64 `json:"accumulated_seconds"`
	Rate               float64 `json:"rate"`
	CurrentApp         string  `json:"current_app,omitempty"`
	Monitoring         bool    `json:"monitoring"`
}

// Notice is an outbound human-facing notice.
type Notice struct {
	Type   string `json:"type"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// OverlayCommand asks the shim to draw the lock overlay.
type OverlayCommand struct {
	Type    string `json:"type"`
	Package string `json:"package"`
}

// Controller is everything the shim is allowed to drive.
type Controller interface {
	HandleEvent(e classify.Event)
	OverlayClosed()
	ScreenOn()
	ScreenOff()
	UserPresent()
	StartSpending() error
	StartAccumulating(ctx context.Context) error
	StopToIdle(ctx context.Context) error
	TempGrant(ctx context.Context) error
}

// Server is the bridge socket server.
type Server struct {
	cfg        config.BridgeConfig
	clock      clock.Clock
	controller Controller
	logger     zerolog.Logger

	mu            sync.Mutex
	listener      net.Listener
	preListener   net.Listener // optional, from systemd socket activation
	conns         map[net.Conn]struct{}
	closed        bool
	lastUpdate    time.Time
	pendingUpdate bool
	queuedUpdate  Update

	wg sync.WaitGroup
}

// NewServer creates a bridge server.
func NewServer(cfg config.BridgeConfig, clk clock.Clock, controller Controller, logger zerolog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		clock:      clk,
		controller: controller,
		logger:     logger.With().Str("component", "bridge").Logger(),
		conns:      make(map[net.Conn]struct{}),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preListener = ln
}

// Start binds the socket and accepts shim connections.
func (s *Server) Start() error {
	s.mu.Lock()
	ln := s.preListener
	s.mu.Unlock()

	if ln == nil {
		if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0755); err != nil {
			return fmt.Errorf("failed to create socket directory: %w", err)
		}
		// A previous run may have left the socket behind.
		if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}

		var err error
		ln, err = net.Listen("unix", s.cfg.SocketPath)
		if err != nil {
			return fmt.Errorf("failed to listen on bridge socket: %w", err)
		}
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info().Str("socket", s.cfg.SocketPath).Msg("Starting bridge server")

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Stop closes the listener and every shim connection.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	s.logger.Info().Msg("Bridge server stopped")
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Error().Err(err).Msg("Bridge accept failed")
			}
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("Dropping malformed bridge line")
			continue
		}
		s.dispatch(conn, msg)
	}
}

func (s *Server) dispatch(conn net.Conn, msg Message) {
	ctx := context.Background()
	switch msg.Type {
	case TypeEvent:
		s.controller.HandleEvent(classify.Event{
			Kind:    parseKind(msg.Kind),
			Package: msg.Package,
			Class:   msg.Class,
			Time:    msgTime(msg.TimeMs),
		})
	case TypeOverlayClosed:
		s.controller.OverlayClosed()
	case TypeScreenOn:
		s.controller.ScreenOn()
	case TypeScreenOff:
		s.controller.ScreenOff()
	case TypeUserPresent:
		s.controller.UserPresent()
	case TypeStartSpending:
		s.reply(conn, s.controller.StartSpending())
	case TypeStartAccumulating:
		s.reply(conn, s.controller.StartAccumulating(ctx))
	case TypeStop:
		s.reply(conn, s.controller.StopToIdle(ctx))
	case TypeTempGrant:
		s.reply(conn, s.controller.TempGrant(ctx))
	default:
		s.logger.Warn().Str("type", msg.Type).Msg("Dropping unknown bridge message")
	}
}

func (s *Server) reply(conn net.Conn, err error) {
	res := Result{Type: "result", OK: err == nil}
	if err != nil {
		res.Error = err.Error()
	}
	s.writeJSON(conn, res)
}

// PushUpdate broadcasts a balance update, throttled to one per update
// interval with the latest state winning.
func (s *Server) PushUpdate(snap ledger.Snapshot, currentApp string) {
	update := Update{
		Type:               "update",
		Mode:               snap.Mode.String(),
		AvailableSeconds:   snap.AvailableSeconds,
		AccumulatedSeconds: snap.AccumulatedSeconds,
		Rate:               snap.Rate,
		CurrentApp:         currentApp,
		Monitoring:         snap.Mode != ledger.ModeIdle,
	}

	s.mu.Lock()
	now := s.clock.Now()
	interval := s.cfg.UpdateInterval
	if interval <= 0 || s.lastUpdate.IsZero() || now.Sub(s.lastUpdate) >= interval {
		s.lastUpdate = now
		s.mu.Unlock()
		s.broadcast(update)
		return
	}
	s.queuedUpdate = update
	if s.pendingUpdate {
		s.mu.Unlock()
		return
	}
	s.pendingUpdate = true
	delay := interval - now.Sub(s.lastUpdate)
	s.mu.Unlock()

	s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		s.pendingUpdate = false
		s.lastUpdate = s.clock.Now()
		queued := s.queuedUpdate
		s.mu.Unlock()
		s.broadcast(queued)
	})
}

// Present asks the connected shim to draw the lock overlay over
// target. With no shim connected the overlay cannot appear, and the
// caller needs to know.
func (s *Server) Present(_ context.Context, target string) error {
	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()
	if n == 0 {
		return fmt.Errorf("no platform shim connected")
	}
	s.broadcast(OverlayCommand{Type: "present_overlay", Package: target})
	return nil
}

// Notice broadcasts a notice immediately.
func (s *Server) Notice(kind, detail string) {
	s.broadcast(Notice{Type: "notice", Kind: kind, Detail: detail})
}

func (s *Server) broadcast(v interface{}) {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		s.writeJSON(c, v)
	}
}

func (s *Server) writeJSON(conn net.Conn, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal bridge message")
		return
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		s.logger.Debug().Err(err).Msg("Bridge write failed")
	}
}

func parseKind(kind string) classify.Kind {
	switch kind {
	case "content_changed":
		return classify.KindContentChanged
	case "scrolled":
		return classify.KindScrolled
	default:
		return classify.KindStateChanged
	}
}

func msgTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
