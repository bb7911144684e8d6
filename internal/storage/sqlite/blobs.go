package sqlite

import (
	"context"
	"database/sql"

	"github.com/tract-dev/trace/internal/blob"
)

type blobRepo struct{ q querier }

func (r blobRepo) Get(ctx context.Context, contentHash string) (*blob.Blob, error) {
	var b blob.Blob
	var createdAt string
	err := r.q.QueryRowContext(ctx, `
		SELECT content_hash, payload, byte_size, token_count, created_at
		FROM blobs WHERE content_hash = ?`, contentHash,
	).Scan(&b.ContentHash, &b.Payload, &b.ByteSize, &b.TokenCount, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("get blob", err)
	}
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

func (r blobRepo) SaveIfAbsent(ctx context.Context, b *blob.Blob) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO blobs (content_hash, payload, byte_size, token_count, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING`,
		b.ContentHash, b.Payload, b.ByteSize, b.TokenCount, formatTime(b.CreatedAt))
	return wrapDBError("save blob", err)
}
