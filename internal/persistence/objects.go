package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FolderObject is the metadata row for one stored object.
type FolderObject struct {
	FolderID     string          `json:"folderId"`
	ObjectKey    string          `json:"objectKey"`
	SizeBytes    int64           `json:"sizeBytes"`
	ContentType  string          `json:"contentType"`
	Hash         string          `json:"hash"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	LastModified time.Time       `json:"lastModified"`
}

func (s *Store) UpsertFolderObject(ctx context.Context, obj FolderObject) error {
	if obj.FolderID == "" || obj.ObjectKey == "" {
		return fmt.Errorf("upsert folder object: folder id and object key are required")
	}
	if obj.LastModified.IsZero() {
		obj.LastModified = s.timestamp()
	}
	meta := "{}"
	if len(obj.Metadata) > 0 {
		meta = string(obj.Metadata)
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO folder_objects (folder_id, object_key, size_bytes, content_type, hash, metadata_json, last_modified)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(folder_id, object_key) DO UPDATE SET
				size_bytes = excluded.size_bytes,
				content_type = excluded.content_type,
				hash = excluded.hash,
				metadata_json = excluded.metadata_json,
				last_modified = excluded.last_modified;
		`, obj.FolderID, obj.ObjectKey, obj.SizeBytes, obj.ContentType, obj.Hash, meta, obj.LastModified.UTC())
		if err != nil {
			return fmt.Errorf("upsert folder object: %w", err)
		}
		return nil
	})
}

func (s *Store) GetFolderObject(ctx context.Context, folderID, objectKey string) (*FolderObject, error) {
	var obj FolderObject
	var meta string
	err := s.db.QueryRowContext(ctx, `
		SELECT folder_id, object_key, size_bytes, content_type, hash, metadata_json, last_modified
		FROM folder_objects WHERE folder_id = ? AND object_key = ?;
	`, folderID, objectKey).Scan(&obj.FolderID, &obj.ObjectKey, &obj.SizeBytes, &obj.ContentType, &obj.Hash, &meta, &obj.LastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get folder object: %w", err)
	}
	obj.Metadata = json.RawMessage(meta)
	return &obj, nil
}

func (s *Store) DeleteFolderObject(ctx context.Context, folderID, objectKey string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM folder_objects WHERE folder_id = ? AND object_key = ?;`, folderID, objectKey)
	if err != nil {
		return fmt.Errorf("delete folder object: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
