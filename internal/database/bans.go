package database

import (
	"context"
	"log"
)

// InsertBan records a ban for an ip address and client id. Either may be
// empty; an empty field never matches in IsBanned.
func (s *ChunkStorage) InsertBan(ctx context.Context, ipAddress, clientID string) error {
	if ipAddress == "" && clientID == "" {
		return ErrBanKeyRequired
	}
	q := s.current()
	timer := s.profiler.Start("store.insert_ban")
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, q.insertBan, ipAddress, clientID)
	if err != nil {
		err = storeError(ctx, "insert ban", err)
	}
	timer.EndWithError(err)
	return err
}

// RemoveBan deletes bans matching every supplied field and returns how many
// went. At least one field is required.
func (s *ChunkStorage) RemoveBan(ctx context.Context, ipAddress, clientID string) (int64, error) {
	if ipAddress == "" && clientID == "" {
		return 0, ErrBanKeyRequired
	}
	q := s.current()
	timer := s.profiler.Start("store.remove_ban")
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query, args := q.removeBan(ipAddress, clientID)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		err = storeError(ctx, "remove ban", err)
		timer.EndWithError(err)
		return 0, err
	}
	timer.End()

	n, _ := res.RowsAffected()
	if n > 0 {
		log.Printf("[Store] Removed %d ban(s) ip=%q client_id=%q", n, ipAddress, clientID)
	}
	return n, nil
}

// IsBanned reports whether the ip address or the client id is banned.
func (s *ChunkStorage) IsBanned(ctx context.Context, ipAddress, clientID string) (bool, error) {
	q := s.current()
	timer := s.profiler.Start("store.is_banned")
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var banned bool
	err := s.db.QueryRowContext(ctx, q.isBanned, ipAddress, clientID).Scan(&banned)
	if err != nil {
		err = storeError(ctx, "check ban", err)
	}
	timer.EndWithError(err)
	return banned, err
}
