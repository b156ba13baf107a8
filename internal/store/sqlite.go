package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/avereyev/cardbridge/internal/domain"
	"github.com/avereyev/cardbridge/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversations (
		conversation_key TEXT PRIMARY KEY,
		chat_ref TEXT NOT NULL,
		session_ref TEXT,
		preferred_model TEXT,
		preferred_agent TEXT,
		delete_protect INTEGER DEFAULT 0,
		last_user_msg_id TEXT,
		last_bot_msg_id TEXT,
		records_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetConversation retrieves a conversation by key.
func (s *SQLiteStore) GetConversation(ctx context.Context, key string) (*domain.Conversation, error) {
	query := `
		SELECT conversation_key, chat_ref, session_ref, preferred_model,
		       preferred_agent, delete_protect, last_user_msg_id,
		       last_bot_msg_id, records_json, created_at, updated_at
		FROM conversations WHERE conversation_key = ?`

	row := s.db.QueryRowContext(ctx, query, key)

	var conv domain.Conversation
	var sessionRef, model, agent, lastUser, lastBot sql.NullString
	var deleteProtect int
	var recordsJSON string
	var createdAt, updatedAt int64

	err := row.Scan(
		&conv.Key, &conv.ChatRef, &sessionRef, &model,
		&agent, &deleteProtect, &lastUser,
		&lastBot, &recordsJSON, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}

	conv.SessionRef = sessionRef.String
	conv.PreferredModel = model.String
	conv.PreferredAgent = agent.String
	conv.DeleteProtect = deleteProtect != 0
	conv.LastUserMsgID = lastUser.String
	conv.LastBotMsgID = lastBot.String
	conv.CreatedAt = time.Unix(createdAt, 0)
	conv.UpdatedAt = time.Unix(updatedAt, 0)

	if recordsJSON != "" {
		if err := json.Unmarshal([]byte(recordsJSON), &conv.Records); err != nil {
			// Malformed persisted ledger state is treated as empty rather
			// than failing the lookup.
			slog.Warn("Malformed ledger records, starting empty",
				"conversation_key", key, "error", err)
			conv.Records = nil
			conv.RecomputePointers()
		}
	}

	return &conv, nil
}

// UpsertConversation creates or replaces a conversation record.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, conv *domain.Conversation) error {
	recordsJSON, err := json.Marshal(conv.Records)
	if err != nil {
		return fmt.Errorf("marshal ledger records: %w", err)
	}

	query := `
	INSERT INTO conversations (
		conversation_key, chat_ref, session_ref, preferred_model,
		preferred_agent, delete_protect, last_user_msg_id,
		last_bot_msg_id, records_json, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(conversation_key) DO UPDATE SET
		chat_ref = excluded.chat_ref,
		session_ref = excluded.session_ref,
		preferred_model = excluded.preferred_model,
		preferred_agent = excluded.preferred_agent,
		delete_protect = excluded.delete_protect,
		last_user_msg_id = excluded.last_user_msg_id,
		last_bot_msg_id = excluded.last_bot_msg_id,
		records_json = excluded.records_json,
		updated_at = excluded.updated_at`

	deleteProtect := 0
	if conv.DeleteProtect {
		deleteProtect = 1
	}

	_, err = s.db.ExecContext(ctx, query,
		conv.Key, conv.ChatRef, nullable(conv.SessionRef), nullable(conv.PreferredModel),
		nullable(conv.PreferredAgent), deleteProtect, nullable(conv.LastUserMsgID),
		nullable(conv.LastBotMsgID), string(recordsJSON),
		conv.CreatedAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// DeleteConversation removes a conversation record.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, key string) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.deleteConversationOnce(ctx, key)
		if err == nil {
			return nil
		}
		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("Conversation delete hit SQLITE_BUSY, retrying",
				"conversation_key", key, "attempt", i+1, "delay", delay)
			time.Sleep(delay)
			continue
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) deleteConversationOnce(ctx context.Context, key string) error {
	query := `DELETE FROM conversations WHERE conversation_key = ?`
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
