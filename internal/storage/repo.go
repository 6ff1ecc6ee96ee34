package storage

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// keeps multi-row inserts under SQLite's bound-parameter limit
const messageBatchSize = 100

func (s *Store) Load(ctx context.Context) (Document, error) {
	tx, err := s.db.BeginTx(ctx, s.snapshotOpts())
	if err != nil {
		return Document{}, fmt.Errorf("begin load tx: %w", err)
	}
	defer tx.Rollback()

	chats, err := s.loadChats(ctx, tx)
	if err != nil {
		return Document{}, err
	}
	index := make(map[string]int, len(chats))
	for i := range chats {
		index[chats[i].ID] = i
	}

	q := s.sql.Select("chat_id", "id", "role", "text", "sent_at").
		From("messages").
		OrderBy("chat_id", "position ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Document{}, fmt.Errorf("build load messages query: %w", err)
	}
	rows, err := tx.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return Document{}, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var chatID string
		var m Message
		if err := rows.Scan(&chatID, &m.ID, &m.Role, &m.Text, &m.Time); err != nil {
			return Document{}, fmt.Errorf("scan message row: %w", err)
		}
		i, ok := index[chatID]
		if !ok {
			return Document{}, fmt.Errorf("%w: message %s references unknown chat %s", ErrCorrupt, m.ID, chatID)
		}
		m.Time = m.Time.UTC()
		chats[i].Messages = append(chats[i].Messages, m)
	}
	if err := rows.Err(); err != nil {
		return Document{}, fmt.Errorf("iterate message rows: %w", err)
	}

	return Document{Chats: chats}, nil
}

func (s *Store) loadChats(ctx context.Context, tx *sql.Tx) ([]Chat, error) {
	q := s.sql.Select("id", "title", "created_at", "updated_at").
		From("chats").
		OrderBy("position ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build load chats query: %w", err)
	}
	rows, err := tx.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("load chats: %w", err)
	}
	defer rows.Close()

	out := make([]Chat, 0)
	for rows.Next() {
		c := Chat{Messages: []Message{}}
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		c.CreatedAt = c.CreatedAt.UTC()
		c.UpdatedAt = c.UpdatedAt.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows: %w", err)
	}
	return out, nil
}

// Save replaces both tables inside one transaction.
func (s *Store) Save(ctx context.Context, doc Document) error {
	tx, err := s.db.BeginTx(ctx, s.snapshotOpts())
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"messages", "chats"} {
		sqlStr, args, err := s.sql.Delete(table).ToSql()
		if err != nil {
			return fmt.Errorf("build clear %s query: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for pos, c := range doc.Chats {
		q := s.sql.Insert("chats").
			Columns("id", "position", "title", "created_at", "updated_at").
			Values(c.ID, pos, c.Title, c.CreatedAt.UTC(), c.UpdatedAt.UTC())
		if err := execBuilt(ctx, tx, q, "insert chat"); err != nil {
			return err
		}
		if len(c.Messages) == 0 {
			continue
		}

		for start := 0; start < len(c.Messages); start += messageBatchSize {
			end := min(start+messageBatchSize, len(c.Messages))
			mq := s.sql.Insert("messages").Columns("chat_id", "id", "position", "role", "text", "sent_at")
			for mpos := start; mpos < end; mpos++ {
				m := c.Messages[mpos]
				mq = mq.Values(c.ID, m.ID, mpos, m.Role, m.Text, m.Time.UTC())
			}
			if err := execBuilt(ctx, tx, mq, "insert messages"); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save tx: %w", err)
	}
	return nil
}

func (s *Store) snapshotOpts() *sql.TxOptions {
	if s.driver == DriverPostgres {
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	}
	return nil
}

func execBuilt(ctx context.Context, tx *sql.Tx, q sq.InsertBuilder, what string) error {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build %s query: %w", what, err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}
