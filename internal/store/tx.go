package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Tx is a caller-managed write transaction against a Store, handed to
// plugin Save implementations so their projection writes and the
// runtime's checkpoint advance commit or roll back together.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// SetKV writes a kv_int entry as part of this transaction.
func (t *Tx) SetKV(ctx context.Context, key string, value int64) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO kv_int(key, value, codec_tag) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, codec_tag = excluded.codec_tag`, key, value, codecTag)
	if err != nil {
		return fmt.Errorf("store: tx write kv_int[%s]: %w", key, err)
	}
	return nil
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}
