package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/hrygo/crmsync/store"
)

const upsertRowSQL = `
	INSERT INTO kv (collection, key, tenant_id, sync_pending, priority, ts, expires_at, value)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(collection, key) DO UPDATE SET
		tenant_id = excluded.tenant_id,
		sync_pending = excluded.sync_pending,
		priority = excluded.priority,
		ts = excluded.ts,
		expires_at = excluded.expires_at,
		value = excluded.value`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putRow(ctx context.Context, exec execer, row *store.Row) error {
	value := row.Value
	if value == nil {
		value = []byte{}
	}
	_, err := exec.ExecContext(ctx, upsertRowSQL,
		row.Collection, row.Key, row.TenantID, boolToInt(row.SyncPending),
		row.Priority, row.Timestamp, row.ExpiresAt, value,
	)
	if err != nil {
		return unavailable(err, "failed to put %s/%s", row.Collection, row.Key)
	}
	return nil
}

func (d *DB) Put(ctx context.Context, row *store.Row) error {
	return putRow(ctx, d.db, row)
}

func (d *DB) Get(ctx context.Context, collection, key string) (*store.Row, error) {
	row := &store.Row{}
	var syncPending int
	err := d.db.QueryRowContext(ctx,
		"SELECT collection, key, tenant_id, sync_pending, priority, ts, expires_at, value FROM kv WHERE collection = ? AND key = ?",
		collection, key,
	).Scan(&row.Collection, &row.Key, &row.TenantID, &syncPending, &row.Priority, &row.Timestamp, &row.ExpiresAt, &row.Value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err, "failed to get %s/%s", collection, key)
	}
	row.SyncPending = syncPending == 1
	return row, nil
}

func (d *DB) List(ctx context.Context, find *store.FindRow) ([]*store.Row, error) {
	where, args := []string{"collection = ?"}, []any{find.Collection}
	if v := find.TenantID; v != nil {
		where, args = append(where, "tenant_id = ?"), append(args, *v)
	}
	if v := find.SyncPending; v != nil {
		where, args = append(where, "sync_pending = ?"), append(args, boolToInt(*v))
	}
	if find.KeyPrefix != "" {
		where, args = append(where, "substr(key, 1, ?) = ?"), append(args, len(find.KeyPrefix), find.KeyPrefix)
	}

	query := "SELECT collection, key, tenant_id, sync_pending, priority, ts, expires_at, value FROM kv WHERE " +
		strings.Join(where, " AND ") + " ORDER BY priority ASC, ts ASC, key ASC"
	if find.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err, "failed to list %s", find.Collection)
	}
	defer rows.Close()

	list := make([]*store.Row, 0)
	for rows.Next() {
		row := &store.Row{}
		var syncPending int
		if err := rows.Scan(&row.Collection, &row.Key, &row.TenantID, &syncPending, &row.Priority, &row.Timestamp, &row.ExpiresAt, &row.Value); err != nil {
			return nil, unavailable(err, "failed to scan %s", find.Collection)
		}
		row.SyncPending = syncPending == 1
		list = append(list, row)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "failed to iterate %s", find.Collection)
	}
	return list, nil
}

func deleteRows(ctx context.Context, exec execer, collection string, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(keys)+1)
	args = append(args, collection)
	for _, key := range keys {
		args = append(args, key)
	}
	result, err := exec.ExecContext(ctx,
		"DELETE FROM kv WHERE collection = ? AND key IN ("+placeholders(len(keys))+")", args...)
	if err != nil {
		return 0, unavailable(err, "failed to delete from %s", collection)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable(err, "failed to count deleted rows in %s", collection)
	}
	return int(affected), nil
}

func (d *DB) Delete(ctx context.Context, collection string, keys []string) (int, error) {
	return deleteRows(ctx, d.db, collection, keys)
}

func (d *DB) DeleteExpired(ctx context.Context, collection string, now int64) (int64, error) {
	result, err := d.db.ExecContext(ctx,
		"DELETE FROM kv WHERE collection = ? AND expires_at > 0 AND expires_at <= ?", collection, now)
	if err != nil {
		return 0, unavailable(err, "failed to delete expired rows from %s", collection)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable(err, "failed to count expired rows in %s", collection)
	}
	return affected, nil
}

func (d *DB) Apply(ctx context.Context, batch *store.Batch) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err, "failed to begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, row := range batch.Puts {
		if err := putRow(ctx, tx, row); err != nil {
			return err
		}
	}
	for _, ref := range batch.Deletes {
		if _, err := deleteRows(ctx, tx, ref.Collection, []string{ref.Key}); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable(err, "failed to commit transaction")
	}
	return nil
}
