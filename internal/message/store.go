package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/GezzyDax/Timelith/internal/storage"
)

type Store struct {
	db *storage.DB
}

func NewStore(db *storage.DB) *Store { return &Store{db: db} }

func (s *Store) Save(ctx context.Context, t Template, now time.Time) (Template, error) {
	if err := t.Validate(); err != nil {
		return Template{}, err
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	ms := now.UTC().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_templates(id, name, content, parse_mode, media_type, media_url, disable_preview, buttons, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, content=excluded.content, parse_mode=excluded.parse_mode,
		   media_type=excluded.media_type, media_url=excluded.media_url,
		   disable_preview=excluded.disable_preview, buttons=excluded.buttons, updated_at=excluded.updated_at`,
		t.ID, t.Name, t.Content, t.ParseMode, t.MediaType, t.MediaURL, t.DisablePreview, t.Buttons, ms, ms,
	)
	if err != nil {
		return Template{}, fmt.Errorf("save template: %w", err)
	}
	return s.Get(ctx, t.ID)
}

func (s *Store) Get(ctx context.Context, id string) (Template, error) {
	var (
		t                Template
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, content, parse_mode, media_type, media_url, disable_preview, buttons, created_at, updated_at
		 FROM message_templates WHERE id=?`, id,
	).Scan(&t.ID, &t.Name, &t.Content, &t.ParseMode, &t.MediaType, &t.MediaURL, &t.DisablePreview, &t.Buttons, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Template{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Template{}, err
	}
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return t, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := storage.Affected(s.db.ExecContext(ctx, `DELETE FROM message_templates WHERE id=?`, id))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
