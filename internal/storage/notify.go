package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shiori/internal/model"
)

// ChannelProgress carries a pointer to every appended progress entry so that
// other processes can replay it from run_progress.
const ChannelProgress = "shiori_progress"

// ErrNoNotifyConn is returned by the LISTEN side when the DB was opened without
// a notify DSN.
var ErrNoNotifyConn = errors.New("storage: notify connection not configured")

// progressNotice is the ChannelProgress payload. Entries themselves never go
// over NOTIFY; payloads are capped at 8000 bytes and details can be larger.
type progressNotice struct {
	RunID  uuid.UUID `json:"run_id"`
	Seq    int64     `json:"seq"`
	Origin string    `json:"origin"`
}

// NotifyProgress publishes entry's position on ChannelProgress. origin lets the
// publishing process skip its own notices.
func (db *DB) NotifyProgress(ctx context.Context, origin string, entry model.ProgressEntry) error {
	payload, err := json.Marshal(progressNotice{RunID: entry.RunID, Seq: entry.Seq, Origin: origin})
	if err != nil {
		return fmt.Errorf("storage: encode progress notice: %w", err)
	}
	// pg_notify goes through the pool; only LISTEN needs the dedicated conn.
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", ChannelProgress, string(payload)); err != nil {
		return fmt.Errorf("storage: notify progress for run %s: %w", entry.RunID, err)
	}
	return nil
}

// DecodeProgressNotice parses a ChannelProgress payload.
func DecodeProgressNotice(payload string) (runID uuid.UUID, seq int64, origin string, err error) {
	var n progressNotice
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return uuid.Nil, 0, "", fmt.Errorf("storage: decode progress notice: %w", err)
	}
	if n.RunID == uuid.Nil || n.Seq <= 0 {
		return uuid.Nil, 0, "", fmt.Errorf("storage: progress notice missing run_id or seq: %q", payload)
	}
	return n.RunID, n.Seq, n.Origin, nil
}

// Listen subscribes the notify connection to channel.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return ErrNoNotifyConn
	}
	if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen on %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on a channel passed
// to Listen, or ctx ends.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", ErrNoNotifyConn
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}
