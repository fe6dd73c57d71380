package registrar

import (
	"log"
	"sync"
	"time"

	"github.com/glmap/server/internal/performance"
	"github.com/glmap/server/internal/protocol"
)

// Connection is the part of a client session the registrar and handlers use.
type Connection interface {
	// ID is unique for the lifetime of the process.
	ID() string
	RemoteAddr() string
	ClientID() string
	Send(message []byte) error
	Close() error
}

// Command is a registered handler. Interval is the minimum time between two
// calls of the command by one connection; zero disables throttling.
type Command interface {
	Interval() time.Duration
	Handle(conn Connection, env protocol.Envelope)
}

// HandlerFunc adapts a function to a Command.
type HandlerFunc func(conn Connection, env protocol.Envelope)

type funcCommand struct {
	interval time.Duration
	fn       HandlerFunc
}

func (c funcCommand) Interval() time.Duration { return c.interval }

func (c funcCommand) Handle(conn Connection, env protocol.Envelope) { c.fn(conn, env) }

// Func builds a Command from a function and a minimum interval.
func Func(interval time.Duration, fn HandlerFunc) Command {
	return funcCommand{interval: interval, fn: fn}
}

// Registrar maps command names to handlers and throttles repeated calls of
// the same command by the same connection.
type Registrar struct {
	mu       sync.RWMutex
	commands map[string]Command

	callsMu sync.RWMutex
	calls   map[string]*callTable

	punisher Punisher
	now      func() time.Time
	profiler *performance.Profiler
}

// callTable holds the last call time of each command for one connection.
type callTable struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// Option configures a Registrar.
type Option func(*Registrar)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registrar) { r.now = now }
}

// WithProfiler times every dispatched command as "command.<name>".
func WithProfiler(p *performance.Profiler) Option {
	return func(r *Registrar) { r.profiler = p }
}

// New creates a registrar that calls punisher in place of throttled handlers.
// A nil punisher silently drops throttled calls.
func New(punisher Punisher, opts ...Option) *Registrar {
	if punisher == nil {
		punisher = DropPunisher{}
	}
	r := &Registrar{
		commands: make(map[string]Command),
		calls:    make(map[string]*callTable),
		punisher: punisher,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterCommand binds name to handler. It returns false, leaving the
// existing binding in place, if name is already registered.
func (r *Registrar) RegisterCommand(name string, handler Command) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.commands[name]; exists {
		return false
	}
	r.commands[name] = handler
	return true
}

// Lookup returns the handler bound to name.
func (r *Registrar) Lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Commands returns the number of registered commands.
func (r *Registrar) Commands() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// HandleCommand dispatches one envelope from conn. Missing and unknown command
// names are answered with a protocol error. A call arriving sooner than the
// command's interval after the previous call of the same command by the same
// connection goes to the punisher instead of the handler. Every call,
// punished or not, becomes the new previous call.
func (r *Registrar) HandleCommand(conn Connection, env protocol.Envelope) {
	name, ok := env.Command()
	if !ok {
		sendError(conn, protocol.ErrNoCommandNode)
		return
	}

	handler, ok := r.Lookup(name)
	if !ok {
		sendError(conn, protocol.ErrUnknownCommand)
		return
	}

	table := r.tableFor(conn.ID())
	throttled := table.touch(name, r.now(), handler.Interval())

	if throttled {
		r.punisher.Punish(conn, env)
		return
	}

	timer := r.profiler.Start("command." + name)
	defer timer.End()
	handler.Handle(conn, env)
}

// Forget drops the call table of a closed connection.
func (r *Registrar) Forget(connID string) {
	r.callsMu.Lock()
	defer r.callsMu.Unlock()
	delete(r.calls, connID)
}

// TrackedConnections returns how many connections have a call table.
func (r *Registrar) TrackedConnections() int {
	r.callsMu.RLock()
	defer r.callsMu.RUnlock()
	return len(r.calls)
}

func (r *Registrar) tableFor(connID string) *callTable {
	r.callsMu.RLock()
	table, ok := r.calls[connID]
	r.callsMu.RUnlock()
	if ok {
		return table
	}

	r.callsMu.Lock()
	defer r.callsMu.Unlock()
	if table, ok := r.calls[connID]; ok {
		return table
	}
	table = &callTable{last: make(map[string]time.Time)}
	r.calls[connID] = table
	return table
}

// touch records now as the last call of name and reports whether the call
// came within interval of the previous one. A first call is never throttled.
func (t *callTable) touch(name string, now time.Time, interval time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	previous, seen := t.last[name]
	t.last[name] = now

	if interval <= 0 || !seen {
		return false
	}
	return now.Sub(previous) < interval
}

func sendError(conn Connection, msg string) {
	if err := conn.Send(protocol.ErrorMessage(msg)); err != nil {
		log.Printf("[Registrar] Failed to send %q to %s: %v", msg, conn.ID(), err)
	}
}
