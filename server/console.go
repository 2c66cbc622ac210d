package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/room4-2/OpenOnboard/config"
	"github.com/room4-2/OpenOnboard/messages"
	"github.com/room4-2/OpenOnboard/session"
)

// Console is the developer websocket surface: it starts sessions on behalf
// of a user id, streams their update feed, and accepts a small set of
// control commands. It is not a production API.
type Console struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	config         *config.Config
}

// command is one inbound control frame from a console client.
type command struct {
	Type         string `json:"type"` // start | stop | mute | say
	UserID       string `json:"userId"`
	Muted        bool   `json:"muted,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

func NewConsole(cfg *config.Config, sessionManager *session.Manager) *Console {
	c := &Console{
		sessionManager: sessionManager,
		config:         cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.handleWebSocket)
	mux.HandleFunc("/health", c.handleHealth)

	c.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ConsolePort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return c
}

// Start begins listening for console connections
func (c *Console) Start() error {
	log.Printf("🚀 Dev console starting on port %d", c.config.ConsolePort)
	log.Printf("📡 Console endpoint: ws://localhost:%d/ws", c.config.ConsolePort)
	return c.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the console and all sessions
func (c *Console) Shutdown(ctx context.Context) error {
	log.Println("🛑 Shutting down console...")
	c.sessionManager.Shutdown()
	return c.httpServer.Shutdown(ctx)
}

func (c *Console) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Write side is serialized through one channel; gorilla connections do
	// not allow concurrent writers.
	writeCh := make(chan *messages.Update, 64)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case update := <-writeCh:
				if err := conn.WriteJSON(update); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			writeCh <- messages.NewErrorUpdate("", messages.ErrCodeInvalidMessage, "malformed command")
			continue
		}
		c.dispatch(&cmd, writeCh, done)
	}
}

func (c *Console) dispatch(cmd *command, writeCh chan *messages.Update, done chan struct{}) {
	switch cmd.Type {
	case "start":
		sess, err := c.sessionManager.StartSession(cmd.UserID)
		if err != nil {
			c.push(writeCh, messages.NewErrorUpdate(cmd.UserID, messages.ErrCodeSessionFailed, err.Error()))
			return
		}
		// Pump the session's update feed to this console client.
		go func() {
			for update := range sess.Updates() {
				select {
				case writeCh <- update:
				case <-done:
					return
				default:
					// Console client too slow; drop rather than stall
				}
			}
		}()

	case "stop":
		if !c.sessionManager.StopSession(cmd.UserID) {
			c.push(writeCh, messages.NewErrorUpdate(cmd.UserID, messages.ErrCodeInvalidMessage, "no active session"))
		}

	case "mute":
		if sess, ok := c.sessionManager.GetSession(cmd.UserID); ok {
			sess.SetMuted(cmd.Muted)
		} else {
			c.push(writeCh, messages.NewErrorUpdate(cmd.UserID, messages.ErrCodeInvalidMessage, "no active session"))
		}

	case "say":
		if sess, ok := c.sessionManager.GetSession(cmd.UserID); ok {
			sess.RequestTurn(cmd.Instructions)
		} else {
			c.push(writeCh, messages.NewErrorUpdate(cmd.UserID, messages.ErrCodeInvalidMessage, "no active session"))
		}

	default:
		c.push(writeCh, messages.NewErrorUpdate(cmd.UserID, messages.ErrCodeInvalidMessage,
			fmt.Sprintf("unknown command type %q", cmd.Type)))
	}
}

func (c *Console) push(writeCh chan *messages.Update, update *messages.Update) {
	select {
	case writeCh <- update:
	default:
	}
}

func (c *Console) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, c.sessionManager.Count())
}
