package signaling

import (
	_ "embed"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cam2tv/internal/application"
	"cam2tv/internal/domain"
)

//go:embed web/index.html
var placeholderSinkPage []byte

const (
	pingInterval   = 60 * time.Second
	ssePingInterval = time.Second
	wsWriteTimeout = 10 * time.Second
	portBusyWait   = 500 * time.Millisecond

	shutdownReason = "streaming stopped"
)

// Server is the signaling & fallback server (C6).
type Server struct {
	log  application.Logger
	addr string

	registry *sinkRegistry
	upgrader websocket.Upgrader

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
	mode       domain.StreamMode

	onOpened    func()
	onSignaling func(domain.SignalingMessage)
}

// New creates a Server listening on the given "host:port" address (or
// ":8080"-style, matching this system's default port).
func New(log application.Logger, addr string) *Server {
	return &Server{
		log:      log,
		addr:     addr,
		registry: newSinkRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// OnSinkOpened implements application.SignalingTransport.
func (s *Server) OnSinkOpened(fn func()) { s.onOpened = fn }

// OnSignaling implements application.SignalingTransport.
func (s *Server) OnSignaling(fn func(domain.SignalingMessage)) { s.onSignaling = fn }

// SinkConnected implements application.SignalingTransport.
func (s *Server) SinkConnected() bool { return s.registry.sinkConnected() }

// Start implements application.SignalingTransport: binds the HTTP server.
// If the port is occupied by a stale server instance this embedder owns,
// it is stopped, and the bind is retried once after portBusyWait.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/stream-sse", s.handleStreamSSE)
	mux.HandleFunc("/webrtc-offer", s.handleWebRTCOffer)
	mux.HandleFunc("/webrtc-answer", s.handleWebRTCAnswer)
	mux.HandleFunc("/webrtc-ice", s.handleWebRTCIce)
	mux.HandleFunc("/api/status", s.handleStatus)

	httpServer := &http.Server{Handler: mux}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.log.Warn("signaling: port busy, cleaning up prior instance: %v", err)
		_ = s.Stop(ctx)
		time.Sleep(portBusyWait)
		ln, err = net.Listen("tcp", s.addr)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrPortBusy, err)
		}
	}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = httpServer
	s.mu.Unlock()

	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("signaling: serve error: %v", err)
		}
	}()

	s.log.Info("signaling: listening on %s", s.addr)
	return nil
}

// Stop implements application.SignalingTransport: closes the sink with
// the goodbye close frame, then shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if conn := s.registry.currentSink(); conn != nil {
		s.closeSink(conn, shutdownReason)
	}

	s.mu.Lock()
	httpServer := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write(placeholderSinkPage)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	mode := s.mode
	s.mu.Unlock()

	status := struct {
		State         string `json:"state"`
		SinkConnected bool   `json:"sinkConnected"`
		SseObservers  int    `json:"sseObservers"`
		Mode          string `json:"mode"`
	}{
		State:         "running",
		SinkConnected: s.registry.sinkConnected(),
		SseObservers:  s.registry.observerCount(),
		Mode:          mode.String(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// SetMode implements application.SignalingTransport: records which
// transport is currently live, for /api/status.
func (s *Server) SetMode(mode domain.StreamMode) {
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
}

// handleStream upgrades to WebSocket and runs the single-sink signaling +
// binary-JPEG state machine for one connection. A new successful
// handshake displaces any previous sink.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("signaling: websocket upgrade failed: %v", err)
		return
	}

	if previous := s.registry.displaceSink(conn); previous != nil {
		s.closeSink(previous, "New client connected")
	}

	s.log.Info("signaling: sink connected from %s", conn.RemoteAddr())
	if s.onOpened != nil {
		s.onOpened()
	}

	done := make(chan struct{})
	go s.pingLoop(conn, done)

	defer func() {
		close(done)
		s.registry.removeSink(conn)
		_ = conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Info("signaling: sink disconnected: %v", err)
			return
		}
		if msgType != websocket.TextMessage {
			continue // binary frames inbound from a sink are not part of this contract
		}

		msg, err := decodeWireMessage(data)
		if err != nil {
			s.log.Warn("signaling: malformed message ignored: %v", err)
			continue // a malformed message is logged and skipped, not fatal to the connection
		}
		if s.onSignaling != nil {
			s.onSignaling(msg)
		}
	}
}

func (s *Server) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) closeSink(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(closeGoingAway, reason),
		time.Now().Add(wsWriteTimeout),
	)
}

// handleStreamSSE streams base64-encoded JPEG frames as SSE "data:"
// records to a passive observer, independent of the WebSocket sink; many
// may be attached at once.
func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id, ch := s.registry.addObserver()
	defer s.registry.removeObserver(id)

	ticker := time.NewTicker(ssePingInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case record, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(record); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := w.Write([]byte("event: ping\ndata: \n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type sdpRequest struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	s.handleSDPPost(w, r, domain.SdpOffer)
}

func (s *Server) handleWebRTCAnswer(w http.ResponseWriter, r *http.Request) {
	s.handleSDPPost(w, r, domain.SdpAnswer)
}

func (s *Server) handleSDPPost(w http.ResponseWriter, r *http.Request, kind domain.SignalingKind) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req sdpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SDP == "" {
		http.Error(w, "malformed sdp payload", http.StatusBadRequest)
		return
	}
	if s.onSignaling != nil {
		s.onSignaling(domain.SignalingMessage{Kind: kind, SDP: req.SDP})
	}
	w.WriteHeader(http.StatusAccepted)
}

type iceRequest struct {
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
	Candidate     string `json:"candidate"`
}

func (s *Server) handleWebRTCIce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req iceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Candidate == "" {
		http.Error(w, "malformed ice payload", http.StatusBadRequest)
		return
	}
	if s.onSignaling != nil {
		s.onSignaling(domain.SignalingMessage{
			Kind:          domain.IceCandidate,
			SDPMid:        req.SDPMid,
			SDPMLineIndex: req.SDPMLineIndex,
			Candidate:     req.Candidate,
		})
	}
	w.WriteHeader(http.StatusAccepted)
}

// SendSignaling implements application.SignalingTransport: writes one
// text frame to the current sink, if any.
func (s *Server) SendSignaling(msg domain.SignalingMessage) error {
	conn := s.registry.currentSink()
	if conn == nil {
		return fmt.Errorf("%w: no sink connected", domain.ErrSinkTransportError)
	}
	data, err := encodeWireMessage(msg)
	if err != nil {
		return err
	}

	s.registry.wsMu.Lock()
	defer s.registry.wsMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.registry.removeSink(conn)
		return fmt.Errorf("%w: %v", domain.ErrSinkTransportError, err)
	}
	return nil
}

// BroadcastJpeg implements application.SignalingTransport: a base64 SSE
// record to every observer, then a TIMESTAMP text message followed by the
// JPEG binary frame to the WebSocket sink. The TIMESTAMP goes right before
// the binary frame so the sink can use it to compute one-way latency for
// the frame that follows it.
func (s *Server) BroadcastJpeg(jpg *domain.EncodedJpeg) error {
	s.registry.broadcastToObservers(sseDataRecord(jpg.Bytes))

	conn := s.registry.currentSink()
	if conn == nil {
		return nil // no WebSocket sink; SSE observers still got their frame
	}

	ts, err := encodeWireMessage(domain.SignalingMessage{Kind: domain.TimestampPing, TimestampMs: time.Now().UnixMilli()})
	if err != nil {
		return err
	}

	s.registry.wsMu.Lock()
	defer s.registry.wsMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, ts); err != nil {
		s.registry.removeSink(conn)
		return fmt.Errorf("%w: %v", domain.ErrSinkTransportError, err)
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, jpg.Bytes); err != nil {
		s.registry.removeSink(conn)
		return fmt.Errorf("%w: %v", domain.ErrSinkTransportError, err)
	}
	return nil
}
