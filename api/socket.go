package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"lifeline/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the client.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the client.
	pongWait = 60 * time.Second

	// Send pings to client with this period. Must be less than pongWait.
	pingPeriod = 15 * time.Second

	// Maximum message size allowed from client.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// observerUpdate moves the observer of a nearby stream
type observerUpdate struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	RadiusKm  float64 `json:"radiusKm,omitempty"`
}

// handleNearbySocket streams the nearby view every PushInterval. The client
// may send observerUpdate messages to move the observer.
func (s *Server) handleNearbySocket(w http.ResponseWriter, r *http.Request) {
	observer, radius, err := s.parseObserver(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	st := &nearbyStream{
		server:   s,
		conn:     conn,
		observer: observer,
		radius:   radius,
		logger:   s.deps.Logger,
	}
	st.run(r.Context())
}

type nearbyStream struct {
	server *Server
	conn   *websocket.Conn
	logger *zap.Logger

	mu       sync.Mutex
	observer models.Position
	radius   float64
}

func (st *nearbyStream) run(ctx context.Context) {
	defer st.conn.Close()

	stopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go st.clientToServerLoop(stopCtx, cancel, &wg)
	go st.serverToClientLoop(stopCtx, cancel, &wg)
	wg.Wait()
}

func (st *nearbyStream) clientToServerLoop(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup) {
	defer func() {
		cancel()
		wg.Done()
	}()

	st.conn.SetReadLimit(maxMessageSize)
	st.conn.SetReadDeadline(time.Now().Add(pongWait))
	st.conn.SetPongHandler(func(string) error { st.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, msg, err := st.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				st.logger.Debug("Nearby stream closed", zap.Error(err))
			}
			return
		}

		var upd observerUpdate
		if err := json.Unmarshal(msg, &upd); err != nil {
			continue
		}
		pos := models.Position{Latitude: upd.Latitude, Longitude: upd.Longitude}
		if pos.Validate() != nil {
			continue
		}

		st.mu.Lock()
		st.observer = pos
		if validRadius(upd.RadiusKm) {
			st.radius = upd.RadiusKm
		}
		st.mu.Unlock()
	}
}

func (st *nearbyStream) serverToClientLoop(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup) {
	defer func() {
		st.conn.Close()
		cancel()
		wg.Done()
	}()

	pushTicker := time.NewTicker(st.server.deps.PushInterval)
	defer pushTicker.Stop()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	// First snapshot goes out immediately
	if !st.push(ctx) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			st.conn.SetWriteDeadline(time.Now().Add(writeWait))
			st.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-pingTicker.C:
			st.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := st.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-pushTicker.C:
			if !st.push(ctx) {
				return
			}
		}
	}
}

// push writes one snapshot; false means the connection is gone
func (st *nearbyStream) push(ctx context.Context) bool {
	st.mu.Lock()
	observer, radius := st.observer, st.radius
	st.mu.Unlock()

	resp, err := st.server.nearby(ctx, observer, radius)
	if err != nil {
		// Keep the stream open; the store may recover by the next tick
		st.logger.Warn("Nearby snapshot failed", zap.Error(err))
		return true
	}

	st.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return st.conn.WriteJSON(resp) == nil
}
