package registrar

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/glmap/server/internal/protocol"
)

// Punisher is the penalty applied when a connection calls a command faster
// than its interval allows. It runs synchronously in place of the handler.
type Punisher interface {
	Punish(conn Connection, env protocol.Envelope)
}

// PunisherFunc adapts a function to a Punisher.
type PunisherFunc func(conn Connection, env protocol.Envelope)

// Punish calls f.
func (f PunisherFunc) Punish(conn Connection, env protocol.Envelope) { f(conn, env) }

// Punishment policy names accepted by NewPunisher.
const (
	PolicyDrop       = "drop"
	PolicyWarn       = "warn"
	PolicyDisconnect = "disconnect"
	PolicyBan        = "ban"
)

// DropPunisher ignores the throttled call.
type DropPunisher struct{}

// Punish does nothing.
func (DropPunisher) Punish(Connection, protocol.Envelope) {}

// WarnPunisher answers the throttled call with a rate limit error.
type WarnPunisher struct{}

// Punish sends {"error":"Rate limit exceeded"}.
func (WarnPunisher) Punish(conn Connection, _ protocol.Envelope) {
	sendError(conn, protocol.ErrRateLimited)
}

// DisconnectPunisher closes the connection.
type DisconnectPunisher struct{}

// Punish closes conn.
func (DisconnectPunisher) Punish(conn Connection, env protocol.Envelope) {
	name, _ := env.Command()
	log.Printf("[Registrar] Disconnecting %s (%s): %q called too often", conn.ID(), conn.RemoteAddr(), name)
	if err := conn.Close(); err != nil {
		log.Printf("[Registrar] Failed to close %s: %v", conn.ID(), err)
	}
}

// BanStore is the ban list a BanPunisher writes to.
type BanStore interface {
	InsertBan(ctx context.Context, ipAddress, clientID string) error
}

// BanPunisher records a ban for the connection's address and client id, then
// disconnects it.
type BanPunisher struct {
	Store   BanStore
	Timeout time.Duration
}

// Punish bans and closes conn.
func (p BanPunisher) Punish(conn Connection, env protocol.Envelope) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := p.Store.InsertBan(ctx, conn.RemoteAddr(), conn.ClientID()); err != nil {
		log.Printf("[Registrar] Failed to ban %s (%s): %v", conn.ID(), conn.RemoteAddr(), err)
	} else {
		log.Printf("[Registrar] Banned ip=%s client_id=%s", conn.RemoteAddr(), conn.ClientID())
	}
	DisconnectPunisher{}.Punish(conn, env)
}

// NewPunisher builds the punisher for a configured policy. bans is only
// needed for PolicyBan.
func NewPunisher(policy string, bans BanStore) (Punisher, error) {
	switch policy {
	case PolicyDrop, "":
		return DropPunisher{}, nil
	case PolicyWarn:
		return WarnPunisher{}, nil
	case PolicyDisconnect:
		return DisconnectPunisher{}, nil
	case PolicyBan:
		if bans == nil {
			return nil, fmt.Errorf("punishment policy %q requires a ban store", policy)
		}
		return BanPunisher{Store: bans}, nil
	default:
		return nil, fmt.Errorf("unknown punishment policy %q", policy)
	}
}
