package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saveenergy/quicperf/internal/logging"
	"github.com/saveenergy/quicperf/pkg/types"
)

// Server fans samples out to every connected websocket client.
type Server struct {
	upgrader       websocket.Upgrader
	clients        map[*websocket.Conn]*clientConn
	allowedOrigins []string
	pingInterval   time.Duration
	stopCh         chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
	mu             sync.RWMutex
}

type clientConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// ConnectionFunc reports the active connection for sample messages.
type ConnectionFunc func() (types.ConnectionInfo, bool)

const defaultPingInterval = 30 * time.Second

func NewServer() *Server {
	server := &Server{
		clients:      make(map[*websocket.Conn]*clientConn),
		pingInterval: defaultPingInterval,
		stopCh:       make(chan struct{}),
	}
	server.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return server.isAllowedOrigin(r.Header.Get("Origin"), r.Host)
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	server.startPingLoop()
	return server
}

func (s *Server) SetAllowedOrigins(origins []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowedOrigins = append([]string(nil), origins...)
}

func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// HandleSamples upgrades the request and keeps the client registered until
// it disconnects.
func (s *Server) HandleSamples(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("WebSocket upgrade error",
			logging.Field{Key: "error", Value: err})
		return
	}
	defer conn.Close()

	// Server only reads for disconnect detection; limit frame size.
	conn.SetReadLimit(4096)

	client := &clientConn{conn: conn}
	s.mu.Lock()
	s.clients[conn] = client
	s.mu.Unlock()

	if err := client.writeJSON(wsMessage{Type: "connected", Time: time.Now().Unix()}); err != nil {
		s.removeClient(conn)
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.removeClient(conn)
}

// Broadcast sends one sample to every client. Clients that fail to take it
// are dropped.
func (s *Server) Broadcast(sample types.Sample, conn *types.ConnectionInfo) {
	s.mu.RLock()
	if len(s.clients) == 0 {
		s.mu.RUnlock()
		return
	}
	clientList := make([]*clientConn, 0, len(s.clients))
	for _, client := range s.clients {
		clientList = append(clientList, client)
	}
	s.mu.RUnlock()

	msg := wsMessage{
		Type:       "sample",
		Sample:     &sample,
		Connection: conn,
		Time:       sample.Timestamp.Unix(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Warn("WebSocket sample marshal failed",
			logging.Field{Key: "error", Value: err})
		return
	}

	for _, client := range clientList {
		if err := client.writeMessage(websocket.TextMessage, data); err != nil {
			s.removeClient(client.conn)
			client.conn.Close()
		}
	}
}

// Pump broadcasts every sample from samples until the channel closes or the
// server is closed.
func (s *Server) Pump(samples <-chan types.Sample, active ConnectionFunc) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.stopCh:
				return
			case sample, ok := <-samples:
				if !ok {
					return
				}
				var info *types.ConnectionInfo
				if active != nil {
					if ci, ok := active(); ok {
						info = &ci
					}
				}
				s.Broadcast(sample, info)
			}
		}
	}()
}

func (s *Server) startPingLoop() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.pingClients()
			}
		}
	}()
}

// Close stops the background loops and disconnects every client.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()

	s.mu.Lock()
	for conn := range s.clients {
		conn.Close()
		delete(s.clients, conn)
	}
	s.mu.Unlock()
}

func (s *Server) pingClients() {
	s.mu.RLock()
	clientList := make([]*clientConn, 0, len(s.clients))
	for _, client := range s.clients {
		clientList = append(clientList, client)
	}
	s.mu.RUnlock()

	for _, client := range clientList {
		if err := client.writeMessage(websocket.PingMessage, nil); err != nil {
			s.removeClient(client.conn)
			client.conn.Close()
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, conn)
}

func (s *Server) isAllowedOrigin(origin string, host string) bool {
	if origin == "" {
		return true
	}
	s.mu.RLock()
	allowed := s.allowedOrigins
	s.mu.RUnlock()
	if len(allowed) == 0 {
		return SameOrigin(origin, host)
	}
	return OriginAllowed(allowed, origin)
}

type wsMessage struct {
	Type       string                `json:"type"`
	Sample     *types.Sample         `json:"sample,omitempty"`
	Connection *types.ConnectionInfo `json:"connection,omitempty"`
	Time       int64                 `json:"time"`
}

func (c *clientConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *clientConn) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(messageType, data)
}
