// Package store persists the conversation archive in SQLite: every
// inbound message, every delivered reply and the outcome of every
// dispatch. The archive doubles as the context source for reply
// generation, so history survives restarts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/samber/do"

	_ "modernc.org/sqlite"

	"github.com/pablioRichardy/agentle/app/config"
	"github.com/pablioRichardy/agentle/app/service/batch"
	"github.com/pablioRichardy/agentle/app/service/dispatch"
)

var _ do.Shutdownable = (*Service)(nil)

type Service struct {
	db           *sql.DB
	messageLimit int
}

func New(di *do.Injector) (*Service, error) {
	cfg := do.MustInvoke[*config.Config](di)

	return Open(cfg.Store.Path, cfg.Store.MessageLimit)
}

func Open(path string, messageLimit int) (*Service, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Service{db: db, messageLimit: messageLimit}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Service) Shutdown() error { return s.db.Close() }

func (s *Service) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender          TEXT NOT NULL,
		text            TEXT NOT NULL,
		media_url       TEXT NOT NULL DEFAULT '',
		seq             INTEGER NOT NULL,
		received_at     TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS dispatches (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		batch_id        TEXT NOT NULL,
		reply           TEXT NOT NULL,
		state           TEXT NOT NULL,
		fallback        INTEGER NOT NULL DEFAULT 0,
		total_delay_ms  INTEGER NOT NULL,
		created_at      TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dispatches_conversation ON dispatches(conversation_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveMessage archives an inbound message and prunes the conversation
// beyond the configured message limit, oldest first.
func (s *Service) SaveMessage(ctx context.Context, msg batch.Message) error {
	err := retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, sender, text, media_url, seq, received_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			msg.ID.String(), msg.ConversationID, msg.Sender, msg.Text, msg.MediaURL,
			msg.Seq, msg.ReceivedAt.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
	if err != nil {
		return err
	}

	return s.prune(ctx, msg.ConversationID)
}

// SaveReply archives a delivered reply as a message row so it shows up
// in the generation context alongside the inbound side.
func (s *Service) SaveReply(ctx context.Context, conversationID, sender, text string) error {
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, sender, text, seq, received_at)
			 VALUES (?, ?, ?, ?,
			         COALESCE((SELECT MAX(seq) FROM messages WHERE conversation_id = ?), 0) + 1,
			         ?)`,
			uuid.NewString(), conversationID, sender, text, conversationID,
			time.Now().UTC().Format(time.RFC3339Nano),
		)
		return err
	})
}

// SaveDispatch records the terminal outcome of a dispatch.
func (s *Service) SaveDispatch(ctx context.Context, p *dispatch.Pending) error {
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO dispatches (id, conversation_id, batch_id, reply, state, fallback, total_delay_ms, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			p.ID.String(), p.Batch.ConversationID, p.Batch.ID.String(), p.Reply,
			p.State().String(), boolInt(p.Fallback), p.Plan.Total.Milliseconds(),
			time.Now().UTC().Format(time.RFC3339Nano),
		)
		return err
	})
}

// RecentMessages returns up to limit archived messages of a
// conversation, oldest first. Inbound rows carry the global queue
// counter while reply rows get a per-conversation seq, so equal seqs
// are possible; insertion order (rowid) breaks the tie.
func (s *Service) RecentMessages(ctx context.Context, conversationID string, limit int) ([]batch.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender, text, media_url, seq, received_at FROM (
			SELECT rowid AS rid, id, sender, text, media_url, seq, received_at
			FROM messages WHERE conversation_id = ?
			ORDER BY seq DESC, rowid DESC LIMIT ?
		 ) ORDER BY seq ASC, rid ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []batch.Message
	for rows.Next() {
		var (
			id, sender, text, mediaURL, receivedAt string
			seq                                    uint64
		)
		if err := rows.Scan(&id, &sender, &text, &mediaURL, &seq, &receivedAt); err != nil {
			return nil, err
		}

		msg := batch.Message{
			ConversationID: conversationID,
			Sender:         sender,
			Text:           text,
			MediaURL:       mediaURL,
			Seq:            seq,
		}
		if parsed, err := uuid.Parse(id); err == nil {
			msg.ID = parsed
		}
		if ts, err := time.Parse(time.RFC3339Nano, receivedAt); err == nil {
			msg.ReceivedAt = ts
		}

		result = append(result, msg)
	}

	return result, rows.Err()
}

func (s *Service) prune(ctx context.Context, conversationID string) error {
	if s.messageLimit <= 0 {
		return nil
	}

	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM messages WHERE conversation_id = ? AND id NOT IN (
				SELECT id FROM messages WHERE conversation_id = ?
				ORDER BY seq DESC, rowid DESC LIMIT ?
			 )`,
			conversationID, conversationID, s.messageLimit,
		)
		return err
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
