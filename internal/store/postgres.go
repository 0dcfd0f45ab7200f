package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, strings.ToLower(strings.TrimSpace(user.Email)), user.DisplayName, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM users
		WHERE LOWER(email) = LOWER($1)
	`, strings.TrimSpace(email)).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user by email: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

const documentColumns = `id, owner_id, title, content, tags, version, last_edit_position,
	word_count, reading_time_minutes, is_deleted, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var (
		item    Document
		tagsRaw []byte
	)
	err := row.Scan(
		&item.ID,
		&item.OwnerID,
		&item.Title,
		&item.Content,
		&tagsRaw,
		&item.Version,
		&item.LastEditPosition,
		&item.WordCount,
		&item.ReadingTimeMinutes,
		&item.IsDeleted,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Document{}, err
	}
	_ = json.Unmarshal(tagsRaw, &item.Tags)
	if item.Tags == nil {
		item.Tags = []string{}
	}
	return item, nil
}

// ReadDocument returns ErrNotFound for missing and soft-deleted rows alike.
func (s *PostgresStore) ReadDocument(ctx context.Context, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE id = $1 AND NOT is_deleted
	`, documentID)
	item, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("read document: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	tags, err := encodeTags(item.Tags)
	if err != nil {
		return err
	}
	version := item.Version
	if version < 1 {
		version = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, owner_id, title, content, tags, version, last_edit_position, word_count, reading_time_minutes)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)
	`, item.ID, item.OwnerID, item.Title, item.Content, tags, version, item.LastEditPosition, item.WordCount, item.ReadingTimeMinutes)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// PatchDocument is the autosave write. It never reads or changes version.
func (s *PostgresStore) PatchDocument(ctx context.Context, documentID string, fields PatchFields) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE documents
		SET content = $2, last_edit_position = $3, word_count = $4, reading_time_minutes = $5, updated_at = NOW()
		WHERE id = $1 AND NOT is_deleted
		RETURNING `+documentColumns,
		documentID, fields.Content, fields.LastEditPosition, fields.WordCount, fields.ReadingTimeMinutes,
	)
	item, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("patch document: %w", err)
	}
	return item, nil
}

// ConditionalUpdateDocument writes fields and bumps version by one only while the
// stored version still equals expectedVersion. Zero rows affected means another
// writer got there first.
func (s *PostgresStore) ConditionalUpdateDocument(ctx context.Context, documentID string, expectedVersion int64, fields UpdateFields) (int64, error) {
	var tags any
	if fields.Tags != nil {
		encoded, err := encodeTags(fields.Tags)
		if err != nil {
			return 0, err
		}
		tags = encoded
	}
	var title any
	if fields.Title != nil {
		title = *fields.Title
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET title = COALESCE($3::text, title),
			content = $4,
			tags = COALESCE($5::jsonb, tags),
			last_edit_position = $6,
			word_count = $7,
			reading_time_minutes = $8,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $2 AND NOT is_deleted
	`, documentID, expectedVersion, title, fields.Content, tags, fields.LastEditPosition, fields.WordCount, fields.ReadingTimeMinutes)
	if err != nil {
		return 0, fmt.Errorf("conditional update document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("conditional update document rows: %w", err)
	}
	return affected, nil
}

func (s *PostgresStore) SoftDeleteDocument(ctx context.Context, documentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET is_deleted = TRUE, updated_at = NOW()
		WHERE id = $1 AND NOT is_deleted
	`, documentID)
	if err != nil {
		return false, fmt.Errorf("soft delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("soft delete document rows: %w", err)
	}
	return affected > 0, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(encoded), nil
}
