package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/audiolibrelab/cyclerec/internal/audio"
	"github.com/audiolibrelab/cyclerec/internal/config"
	"github.com/audiolibrelab/cyclerec/internal/cycle"
	"github.com/audiolibrelab/cyclerec/internal/service"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	clientSendSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server hosts the single-button view over HTTP and WebSocket
type Server struct {
	service    service.Service
	cfg        *config.Config
	port       string
	mux        *http.ServeMux
	httpServer *http.Server

	clientsMu sync.Mutex
	clients   map[*wsClient]struct{}

	unsubscribe func()
}

// StatusResponse represents the JSON response for the control endpoints
type StatusResponse struct {
	Success   bool                `json:"success"`
	Message   string              `json:"message,omitempty"`
	Status    cycle.Snapshot      `json:"status"`
	Backend   audio.BackendType   `json:"backend,omitempty"`
	Target    *service.TargetInfo `json:"target,omitempty"`
	LastError string              `json:"last_error,omitempty"`
}

// SourcesResponse represents the JSON response for the sources endpoint
type SourcesResponse struct {
	Success bool              `json:"success"`
	Backend audio.BackendType `json:"backend"`
	Sources []string          `json:"sources"`
}

// wsMessage is pushed to every connected view
type wsMessage struct {
	Type     string          `json:"type"`
	Snapshot *cycle.Snapshot `json:"snapshot,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// wsRequest is what a view may send back
type wsRequest struct {
	Action string `json:"action"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a server around svc. port overrides server.port when non-empty.
func New(svc service.Service, port string) *Server {
	cfg := svc.GetConfig()
	if port == "" {
		port = cfg.Server.Port
	}

	s := &Server{
		service: svc,
		cfg:     cfg,
		port:    port,
		mux:     http.NewServeMux(),
		clients: make(map[*wsClient]struct{}),
	}

	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/activate", s.handleActivate)
	s.mux.HandleFunc("/suspend", s.handleSuspend)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/sources", s.handleSources)
	s.mux.HandleFunc("/recording", s.handleRecording)
	s.mux.HandleFunc("/ws", s.handleWebSocket)

	s.unsubscribe = svc.Subscribe(s.broadcast)
	return s
}

// Handler returns the HTTP handler serving every endpoint
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the web server and blocks until it is shut down
func (s *Server) Start() error {
	localIP := getLocalIP()

	s.httpServer = &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting cyclerec web server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, disconnects every view and releases
// any open device.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down web server")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.unsubscribe()

	s.clientsMu.Lock()
	for client := range s.clients {
		delete(s.clients, client)
		close(client.send)
		client.conn.Close()
	}
	s.clientsMu.Unlock()

	s.service.Suspend()
	return err
}

// handleIndex serves the single-button page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(indexHTML))
}

// handleActivate presses the control
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snap, err := s.service.Activate()
	if err != nil {
		statusCode := http.StatusInternalServerError
		if audio.IsPrepareError(err) {
			statusCode = http.StatusConflict
		}
		s.sendErrorResponse(w, statusCode, fmt.Sprintf("Failed to %v", err),
			"operation", "activate", "mode", snap.Mode)
		return
	}

	s.sendStatus(w, StatusResponse{
		Success:   true,
		Message:   "Mode changed",
		Status:    snap,
		LastError: snap.LastError,
	})
}

// handleSuspend releases devices without changing the mode
func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.service.Suspend()
	snap := s.service.Status()

	s.sendStatus(w, StatusResponse{
		Success:   true,
		Message:   "Devices released",
		Status:    snap,
		LastError: snap.LastError,
	})
}

// handleStatus returns the current snapshot and recording file info
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	target, err := s.service.GetTargetInfo()
	if err != nil {
		slog.Warn("Failed to read target info", "error", err)
	}

	s.sendStatus(w, StatusResponse{
		Success:   true,
		Status:    s.service.Status(),
		Backend:   s.service.GetBackendType(),
		Target:    target,
		LastError: s.service.GetLastError(),
	})
}

// handleSources lists the capture sources the backend can see
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sources, err := s.service.ListSources()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list sources: %v", err), "operation", "list_sources")
		return
	}
	if sources == nil {
		sources = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SourcesResponse{
		Success: true,
		Backend: s.service.GetBackendType(),
		Sources: sources,
	})
}

// handleRecording downloads the current recording
func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.service.Status().Recording {
		http.Error(w, "Recording in progress", http.StatusConflict)
		return
	}

	target, err := s.service.GetTargetInfo()
	if err != nil {
		http.Error(w, "Error accessing file", http.StatusInternalServerError)
		return
	}
	if !target.Exists {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	file, err := os.Open(target.Path)
	if err != nil {
		http.Error(w, "Error opening file", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "audio/3gpp")
	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, config.RecordingExtension, target.ModTime, file)
}

// handleWebSocket keeps a view in sync with the controller
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, clientSendSize)}
	go client.writePump()

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	count := len(s.clients)
	s.clientsMu.Unlock()

	slog.Info("View connected", "remote", r.RemoteAddr, "views", count)

	snap := s.service.Status()
	s.sendTo(client, wsMessage{Type: "snapshot", Snapshot: &snap})

	s.readPump(client)
}

func (s *Server) readPump(client *wsClient) {
	defer s.disconnect(client)

	for {
		var req wsRequest
		if err := client.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("WebSocket read failed", "error", err)
			}
			return
		}

		switch req.Action {
		case "activate":
			if _, err := s.service.Activate(); err != nil {
				s.sendTo(client, wsMessage{Type: "error", Error: fmt.Sprintf("Failed to %v", err)})
			}
		case "suspend":
			s.service.Suspend()
		default:
			s.sendTo(client, wsMessage{Type: "error", Error: fmt.Sprintf("unknown action %q", req.Action)})
		}
	}
}

// disconnect drops client and suspends once the last view is gone
func (s *Server) disconnect(client *wsClient) {
	s.clientsMu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, client)
	close(client.send)
	remaining := len(s.clients)
	s.clientsMu.Unlock()

	client.conn.Close()
	slog.Info("View disconnected", "views", remaining)

	if remaining == 0 && s.cfg.Server.SuspendOnDisconnect {
		slog.Info("Last view gone, suspending")
		s.service.Suspend()
	}
}

// broadcast pushes snap to every view. It runs inside the controller's
// notification path and must not block.
func (s *Server) broadcast(snap cycle.Snapshot) {
	data, err := json.Marshal(wsMessage{Type: "snapshot", Snapshot: &snap})
	if err != nil {
		slog.Error("Failed to encode snapshot", "error", err)
		return
	}

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			slog.Warn("View too slow, dropping snapshot", "version", snap.Version)
		}
	}
}

func (s *Server) sendTo(client *wsClient, msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to encode message", "error", err)
		return
	}

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if _, ok := s.clients[client]; !ok {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

func (c *wsClient) writePump() {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Debug("WebSocket write failed", "error", err)
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (s *Server) sendStatus(w http.ResponseWriter, response StatusResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
