// Package relay implements the fan-out server that carries room traffic
// between peers. The relay is intentionally dumb: it tracks which identities
// are present in each room, replays the current roster to newcomers, and
// routes opaque payloads between identities. All synchronization semantics
// live in the clients.
package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/atelierhq/livesync/pkg/room"
	"github.com/atelierhq/livesync/pkg/version"
)

// helloTimeout bounds how long a connection may sit idle before announcing
// its room and identity.
const helloTimeout = 10 * time.Second

// Server routes room traffic between connected peers.
type Server struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[room.Identity]*client
}

// New creates an empty relay.
func New() *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: map[string]map[room.Identity]*client{},
	}
}

// Router returns the HTTP routes served by the relay.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/rooms", s.serveWS)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)
	router.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(versionResponse{Version: version.Version})
	}).Methods(http.MethodGet)
	return router
}

// Run serves the relay on the given address until the listener fails.
func (s *Server) Run(address string) error {
	log.WithField("address", address).Info("Starting relay")
	return http.ListenAndServe(address, s.Router())
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("Failed to upgrade connection")
		return
	}

	ws.SetReadDeadline(time.Now().Add(helloTimeout))
	var hello room.Frame
	if err := ws.ReadJSON(&hello); err != nil {
		ws.Close()
		return
	}
	ws.SetReadDeadline(time.Time{})

	if hello.Type != room.FrameHello || hello.Room == "" || hello.ID == "" {
		ws.WriteJSON(room.Frame{Type: room.FrameRefused, Reason: "malformed hello"})
		ws.Close()
		return
	}

	c := &client{
		id:   hello.ID,
		room: hello.Room,
		ws:   ws,
		send: make(chan room.Frame, 64),
	}
	if !s.add(c) {
		ws.WriteJSON(room.Frame{
			Type:   room.FrameRefused,
			Reason: "identity already present in room",
		})
		ws.Close()
		return
	}

	fields := log.Fields{"room": c.room, "id": c.id}
	log.WithFields(fields).Info("Peer joined")

	go c.writePump()
	s.readLoop(c)
	s.remove(c)
	log.WithFields(fields).Info("Peer left")
}

// add registers the client in its room and enqueues the welcome sequence.
// It fails when the identity is already present.
func (s *Server) add(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	clients := s.rooms[c.room]
	if clients == nil {
		clients = map[room.Identity]*client{}
		s.rooms[c.room] = clients
	}
	if _, taken := clients[c.id]; taken {
		return false
	}
	clients[c.id] = c

	// Replay the roster to the newcomer, then announce it to everyone else.
	// All enqueues happen under the lock, so every client observes
	// membership changes in the same order.
	c.enqueue(room.Frame{Type: room.FrameWelcome})
	ids := make([]room.Identity, 0, len(clients)-1)
	for id := range clients {
		if id != c.id {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		c.enqueue(room.Frame{Type: room.FrameJoined, ID: id})
	}
	for id, other := range clients {
		if id != c.id {
			other.enqueue(room.Frame{Type: room.FrameJoined, ID: c.id})
		}
	}
	return true
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clients := s.rooms[c.room]
	if clients == nil || clients[c.id] != c {
		return
	}
	delete(clients, c.id)
	if len(clients) == 0 {
		delete(s.rooms, c.room)
	}

	for _, other := range clients {
		other.enqueue(room.Frame{Type: room.FrameLeft, ID: c.id})
	}

	// Nothing can enqueue to the client once it's out of the map.
	close(c.send)
}

func (s *Server) readLoop(c *client) {
	for {
		var frame room.Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return
		}

		if frame.Type != room.FrameData || frame.To == "" {
			log.WithFields(log.Fields{"id": c.id, "type": frame.Type}).
				Debug("Ignoring unroutable frame")
			continue
		}
		s.route(c, frame)
	}
}

func (s *Server) route(from *client, frame room.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.rooms[from.room][frame.To]
	if target == nil {
		log.WithFields(log.Fields{"from": from.id, "to": frame.To}).
			Debug("Dropping frame for absent peer")
		return
	}
	target.enqueue(room.Frame{Type: room.FrameData, From: from.id, Data: frame.Data})
}

type client struct {
	id   room.Identity
	room string
	ws   *websocket.Conn
	send chan room.Frame
}

func (c *client) enqueue(frame room.Frame) {
	select {
	case c.send <- frame:
	default:
		log.WithFields(log.Fields{"id": c.id, "type": frame.Type}).
			Warn("Dropping frame for slow peer")
	}
}

func (c *client) writePump() {
	defer c.ws.Close()
	for frame := range c.send {
		if err := c.ws.WriteJSON(frame); err != nil {
			return
		}
	}
}
