package chatcore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage is the durable Storage backend: two tables keyed by provider
// conversation id, each with a secondary index on workspace_id.
type SQLiteStorage struct {
	path string
	db   *sqlx.DB
}

type conversationRow struct {
	ID          int64  `db:"id"`
	WorkspaceID string `db:"workspace_id"`
	Data        string `db:"data"`
	Timestamp   int64  `db:"timestamp"`
}

type messageRow struct {
	ConversationID int64  `db:"conversation_id"`
	WorkspaceID    string `db:"workspace_id"`
	Messages       string `db:"messages"`
	Timestamp      int64  `db:"timestamp"`
}

// NewSQLiteStorage creates a storage backed by the database file at path.
// Call Init before use.
func NewSQLiteStorage(path string) *SQLiteStorage {
	return &SQLiteStorage{path: path}
}

// Init opens the database and creates the schema if needed.
func (s *SQLiteStorage) Init() error {
	db, err := sqlx.Connect("sqlite3", "file:"+s.path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	s.db = db
	if err := s.createTables(); err != nil {
		db.Close()
		return fmt.Errorf("creating tables: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStorage) createTables() error {
	stmts := []string{
		`create table if not exists conversations (
			id           integer not null primary key,
			workspace_id text    not null,
			data         text    not null,
			timestamp    integer not null
		)`,
		`create index if not exists idx_conversations_workspace on conversations(workspace_id)`,
		`create table if not exists messages (
			conversation_id integer not null primary key,
			workspace_id    text    not null,
			messages        text    not null,
			timestamp       integer not null
		)`,
		`create index if not exists idx_messages_workspace on messages(workspace_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ── Conversations ────────────────────────────────────────

func (s *SQLiteStorage) ConversationsByWorkspace(workspaceID string) ([]ConversationRecord, error) {
	var rows []conversationRow
	err := s.db.Select(&rows, `select id, workspace_id, data, timestamp from conversations where workspace_id = ?`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("selecting conversations: %w", err)
	}
	recs := make([]ConversationRecord, 0, len(rows))
	for _, r := range rows {
		var c Conversation
		if err := json.Unmarshal([]byte(r.Data), &c); err != nil {
			return nil, fmt.Errorf("decoding conversation %d: %w", r.ID, err)
		}
		recs = append(recs, ConversationRecord{
			ID:          r.ID,
			WorkspaceID: r.WorkspaceID,
			Data:        c,
			Timestamp:   time.UnixMilli(r.Timestamp),
		})
	}
	return recs, nil
}

func (s *SQLiteStorage) PutConversations(recs []ConversationRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamed(`insert into conversations (id, workspace_id, data, timestamp)
		values (:id, :workspace_id, :data, :timestamp)
		on conflict(id) do update set
			workspace_id = excluded.workspace_id,
			data = excluded.data,
			timestamp = excluded.timestamp`)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		data, err := json.Marshal(r.Data)
		if err != nil {
			return fmt.Errorf("encoding conversation %d: %w", r.ID, err)
		}
		if _, err := stmt.Exec(conversationRow{
			ID:          r.ID,
			WorkspaceID: r.WorkspaceID,
			Data:        string(data),
			Timestamp:   r.Timestamp.UnixMilli(),
		}); err != nil {
			return fmt.Errorf("upserting conversation %d: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) DeleteConversations(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`delete from conversations where id in (?)`, ids)
	if err != nil {
		return fmt.Errorf("building delete: %w", err)
	}
	if _, err := s.db.Exec(s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("deleting conversations: %w", err)
	}
	return nil
}

// ── Messages ─────────────────────────────────────────────

func (s *SQLiteStorage) GetMessageRecord(conversationID int64) (*MessageRecord, error) {
	var row messageRow
	err := s.db.Get(&row, `select conversation_id, workspace_id, messages, timestamp from messages where conversation_id = ?`, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("selecting messages: %w", err)
	}
	var wire []wireMessage
	if err := json.Unmarshal([]byte(row.Messages), &wire); err != nil {
		return nil, fmt.Errorf("decoding messages of %d: %w", conversationID, err)
	}
	msgs := make([]Message, 0, len(wire))
	for _, w := range wire {
		m, _ := w.toMessage()
		msgs = append(msgs, m)
	}
	return &MessageRecord{
		ConversationID: row.ConversationID,
		WorkspaceID:    row.WorkspaceID,
		Messages:       msgs,
		Timestamp:      time.UnixMilli(row.Timestamp),
	}, nil
}

func (s *SQLiteStorage) PutMessageRecord(rec MessageRecord) error {
	msgs := rec.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encoding messages of %d: %w", rec.ConversationID, err)
	}
	_, err = s.db.NamedExec(`insert into messages (conversation_id, workspace_id, messages, timestamp)
		values (:conversation_id, :workspace_id, :messages, :timestamp)
		on conflict(conversation_id) do update set
			workspace_id = excluded.workspace_id,
			messages = excluded.messages,
			timestamp = excluded.timestamp`, messageRow{
		ConversationID: rec.ConversationID,
		WorkspaceID:    rec.WorkspaceID,
		Messages:       string(data),
		Timestamp:      rec.Timestamp.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("upserting messages of %d: %w", rec.ConversationID, err)
	}
	return nil
}

// ── Eviction ─────────────────────────────────────────────

func (s *SQLiteStorage) DeleteWorkspace(workspaceID string) error {
	return s.deleteWhere(`workspace_id = ?`, workspaceID)
}

func (s *SQLiteStorage) DeleteAllExcept(workspaceID string) error {
	return s.deleteWhere(`workspace_id <> ?`, workspaceID)
}

func (s *SQLiteStorage) deleteWhere(cond string, args ...any) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`delete from conversations where `+cond, args...); err != nil {
		return fmt.Errorf("deleting conversations: %w", err)
	}
	if _, err := tx.Exec(`delete from messages where `+cond, args...); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStorage) DeleteOlderThan(cutoff time.Time) (int, error) {
	ms := cutoff.UnixMilli()
	res, err := s.db.Exec(`delete from conversations where timestamp < ?`, ms)
	if err != nil {
		return 0, fmt.Errorf("pruning conversations: %w", err)
	}
	n1, _ := res.RowsAffected()
	res, err = s.db.Exec(`delete from messages where timestamp < ?`, ms)
	if err != nil {
		return int(n1), fmt.Errorf("pruning messages: %w", err)
	}
	n2, _ := res.RowsAffected()
	return int(n1 + n2), nil
}

func (s *SQLiteStorage) Count() (int, int, error) {
	var convs, msgs int
	if err := s.db.Get(&convs, `select count(*) from conversations`); err != nil {
		return 0, 0, fmt.Errorf("counting conversations: %w", err)
	}
	if err := s.db.Get(&msgs, `select count(*) from messages`); err != nil {
		return 0, 0, fmt.Errorf("counting messages: %w", err)
	}
	return convs, msgs, nil
}
