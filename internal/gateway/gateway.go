package gateway

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/remeh/sizedwaitgroup"

	"github.com/glmap/server/internal/protocol"
	"github.com/glmap/server/internal/registrar"
)

const (
	// Ping interval (30 seconds)
	pingInterval = 30 * time.Second

	// Pong wait timeout (60 seconds)
	pongWait = 60 * time.Second

	// Write timeout (10 seconds)
	writeTimeout = 10 * time.Second

	// Largest inbound message accepted (100 KiB)
	maxMessageSize = 100 * 1024

	sendBufferSize = 256

	defaultMaxWorkers = 64
	defaultBanTimeout = 2 * time.Second
)

var (
	// ErrSessionClosed is returned by Send once the session has been closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrSendBufferFull is returned by Send when the client is not reading.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Dispatcher receives decoded envelopes. *registrar.Registrar implements it.
type Dispatcher interface {
	HandleCommand(conn registrar.Connection, env protocol.Envelope)
	Forget(connID string)
}

// BanChecker reports whether an address or client id is banned.
type BanChecker interface {
	IsBanned(ctx context.Context, ipAddress, clientID string) (bool, error)
}

// Options configures a Gateway. Bans and Proxies may be nil.
type Options struct {
	Dispatcher     Dispatcher
	Bans           BanChecker
	Proxies        *ProxyTrust
	AllowedOrigins []string
	MaxWorkers     int
	BanTimeout     time.Duration
}

// Gateway upgrades HTTP requests to websocket sessions and forwards every
// decoded message to the dispatcher. Handler work is bounded by a worker
// pool shared by all sessions.
type Gateway struct {
	dispatcher Dispatcher
	bans       BanChecker
	proxies    *ProxyTrust
	banTimeout time.Duration
	upgrader   websocket.Upgrader

	workers     sizedwaitgroup.SizedWaitGroup
	connections atomic.Int64
	closing     atomic.Bool

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("gateway requires a dispatcher")
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = defaultMaxWorkers
	}
	if opts.BanTimeout <= 0 {
		opts.BanTimeout = defaultBanTimeout
	}

	origins := append([]string(nil), opts.AllowedOrigins...)
	return &Gateway{
		dispatcher: opts.Dispatcher,
		bans:       opts.Bans,
		proxies:    opts.Proxies,
		banTimeout: opts.BanTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(origins, r.Header.Get("Origin"))
			},
		},
		workers:  sizedwaitgroup.New(opts.MaxWorkers),
		sessions: make(map[string]*Session),
	}, nil
}

// Connections returns the number of open sessions.
func (g *Gateway) Connections() int {
	return int(g.connections.Load())
}

// ServeHTTP handles websocket upgrade requests.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.closing.Load() {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := g.proxies.ClientIP(r)
	clientID := r.URL.Query().Get("client_id")
	if g.banned(r.Context(), ip, clientID) {
		log.Printf("[Gateway] Refused banned client ip=%s client_id=%s", ip, clientID)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] WebSocket upgrade failed: %v", err)
		return
	}

	s := &Session{
		id:         uuid.NewString(),
		conn:       conn,
		remoteAddr: ip,
		clientID:   clientID,
		send:       make(chan []byte, sendBufferSize),
		closed:     make(chan struct{}),
	}
	g.open(s)

	go s.writePump()
	go g.readPump(s)
}

// Shutdown refuses new sessions, closes the open ones and waits for
// in-flight handler calls to finish or for ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.closing.Store(true)

	g.mu.Lock()
	open := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		open = append(open, s)
	}
	g.mu.Unlock()

	for _, s := range open {
		_ = s.Close()
	}

	done := make(chan struct{})
	go func() {
		g.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[Gateway] Drained, %d session(s) closed", len(open))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) banned(ctx context.Context, ip, clientID string) bool {
	if g.bans == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, g.banTimeout)
	defer cancel()

	banned, err := g.bans.IsBanned(ctx, ip, clientID)
	if err != nil {
		// Fail open, like the rate limiter.
		log.Printf("[Gateway] Ban check failed for ip=%s: %v", ip, err)
		return false
	}
	return banned
}

func (g *Gateway) open(s *Session) {
	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()

	n := g.connections.Add(1)
	log.Printf("[Gateway] Session opened: id=%s ip=%s (%d open)", s.id, s.remoteAddr, n)

	// Shutdown may have listed the sessions before this one was added.
	if g.closing.Load() {
		_ = s.Close()
	}
}

func (g *Gateway) release(s *Session) {
	g.mu.Lock()
	_, ok := g.sessions[s.id]
	delete(g.sessions, s.id)
	g.mu.Unlock()
	if !ok {
		return
	}

	g.dispatcher.Forget(s.id)
	n := g.connections.Add(-1)
	log.Printf("[Gateway] Session closed: id=%s (%d open)", s.id, n)
}

// readPump reads messages until the connection fails or is closed. Messages
// of one session are handled in arrival order; each holds a worker slot while
// its handler runs.
func (g *Gateway) readPump(s *Session) {
	defer func() {
		_ = s.Close()
		g.release(s)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("[Gateway] Failed to set read deadline: %v", err)
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Gateway] WebSocket error on %s: %v", s.id, err)
			}
			return
		}
		if s.isClosed() || g.closing.Load() {
			return
		}

		env, err := protocol.Decode(payload)
		if err != nil {
			if sendErr := s.Send(protocol.ErrorMessage(protocol.ErrInvalidDataFormat)); sendErr != nil {
				log.Printf("[Gateway] Failed to report bad payload to %s: %v", s.id, sendErr)
			}
			continue
		}

		g.workers.Add()
		g.dispatch(s, env)
	}
}

func (g *Gateway) dispatch(s *Session, env protocol.Envelope) {
	defer g.workers.Done()
	defer func() {
		if r := recover(); r != nil {
			name, _ := env.Command()
			log.Printf("[Gateway] Handler for %q panicked on %s: %v", name, s.id, r)
			_ = s.Send(protocol.ErrorMessage(protocol.ErrInternal))
		}
	}()
	g.dispatcher.HandleCommand(s, env)
}

// originAllowed accepts any origin when allowed is empty, and requests that
// carry no Origin header at all.
func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 || origin == "" {
		return true
	}
	for _, candidate := range allowed {
		if candidate == "*" || candidate == origin {
			return true
		}
	}
	return false
}
