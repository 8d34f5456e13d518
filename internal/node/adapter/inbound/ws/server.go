// Package ws exposes the client plane: one WebSocket connection is one
// session. A session authenticates once, then issues file operations
// scoped to the authenticated user until the connection closes.
package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/anthanhphan/gosdk/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/distorage-io/distorage/internal/node/domain"
	"github.com/distorage-io/distorage/internal/node/port"
)

// Message types on the session wire.
const (
	TypeAuth       = "auth"
	TypeAuthResult = "auth_result"
	TypeRequest    = "request"
	TypeResponse   = "response"
)

// Operations a session can request after authentication.
const (
	OpUpload   = "upload"
	OpDownload = "download"
	OpList     = "list"
	OpDelete   = "delete"
)

// ClientMessage is every frame a client sends.
type ClientMessage struct {
	Type     string `json:"type"`
	ID       uint64 `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Op       string `json:"op,omitempty"`
	Path     string `json:"path,omitempty"`
	Payload  []byte `json:"payload,omitempty"`
}

// ServerMessage is every frame the server sends.
type ServerMessage struct {
	Type    string            `json:"type"`
	ID      uint64            `json:"id,omitempty"`
	OK      bool              `json:"ok"`
	Error   string            `json:"error,omitempty"`
	Payload []byte            `json:"payload,omitempty"`
	Files   []domain.FileInfo `json:"files,omitempty"`
}

// Server serves client sessions over WebSocket.
type Server struct {
	addr      string
	directory port.Directory
	catalog   port.Catalog

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer wires the session endpoint over the directory and catalog.
func NewServer(addr string, directory port.Directory, catalog port.Catalog) *Server {
	s := &Server{
		addr:      addr,
		directory: directory,
		catalog:   catalog,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/session", s.handleSession)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the listener down, closing active sessions.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnw("Session upgrade failed", "remote", r.RemoteAddr, "error", err.Error())
		return
	}

	session := &session{
		id:        uuid.NewString(),
		conn:      conn,
		directory: s.directory,
		catalog:   s.catalog,
	}
	// The connection is hijacked; the request context is not usable past
	// this point.
	session.run(context.Background())
}

// session is the per-connection state machine: unauthenticated until the
// first successful auth frame, then bound to that username.
type session struct {
	id        string
	conn      *websocket.Conn
	directory port.Directory
	catalog   port.Catalog

	username string
}

func (s *session) run(ctx context.Context) {
	defer func() { _ = s.conn.Close() }()

	for {
		var msg ClientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debugw("Session closed unexpectedly",
					"session_id", s.id, "user", s.username, "error", err.Error())
			}
			return
		}

		var reply ServerMessage
		switch msg.Type {
		case TypeAuth:
			reply = s.handleAuth(ctx, msg)
		case TypeRequest:
			reply = s.handleRequest(ctx, msg)
		default:
			reply = ServerMessage{Type: TypeResponse, ID: msg.ID, Error: "unknown message type"}
		}

		if err := s.conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

func (s *session) handleAuth(ctx context.Context, msg ClientMessage) ServerMessage {
	if s.username != "" {
		return ServerMessage{Type: TypeAuthResult, Error: "session already authenticated"}
	}

	if err := s.directory.Authenticate(ctx, msg.Username, msg.Password); err != nil {
		if !errors.Is(err, port.ErrAuthFailed) {
			logger.Errorw("Authentication error", "username", msg.Username, "error", err.Error())
		}
		return ServerMessage{Type: TypeAuthResult, Error: "authentication failed"}
	}

	s.username = msg.Username
	logger.Infow("Session authenticated", "session_id", s.id, "username", msg.Username)
	return ServerMessage{Type: TypeAuthResult, OK: true}
}

func (s *session) handleRequest(ctx context.Context, msg ClientMessage) ServerMessage {
	if s.username == "" {
		return ServerMessage{Type: TypeResponse, ID: msg.ID, Error: publicError(port.ErrPermissionDenied)}
	}

	reply := ServerMessage{Type: TypeResponse, ID: msg.ID, OK: true}
	var err error

	switch msg.Op {
	case OpUpload:
		err = s.catalog.Upload(ctx, s.username, msg.Path, msg.Payload)
	case OpDownload:
		reply.Payload, err = s.catalog.Download(ctx, s.username, msg.Path)
	case OpList:
		reply.Files, err = s.catalog.List(ctx, s.username)
	case OpDelete:
		err = s.catalog.Delete(ctx, s.username, msg.Path)
	default:
		err = errors.New("unknown operation")
	}

	if err != nil {
		reply.OK = false
		reply.Error = publicError(err)
	}
	return reply
}

// publicError maps service errors to the strings clients see. Internal
// detail stays in the logs.
func publicError(err error) string {
	switch {
	case errors.Is(err, port.ErrNotFound):
		return "file not found"
	case errors.Is(err, port.ErrRecordUnavailable):
		return "file content currently unavailable"
	case errors.Is(err, port.ErrPermissionDenied):
		return "permission denied"
	default:
		return err.Error()
	}
}
