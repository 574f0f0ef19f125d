package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sparkcoach/backend/internal/model/chat"
	"github.com/sparkcoach/backend/internal/model/economy"
	"github.com/sparkcoach/backend/internal/model/goal"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL keeps readers unblocked while a device-write commits. The pragmas
	// ride the DSN so every pooled connection gets them, and immediate
	// transactions take the write lock at BEGIN so a concurrent credit waits
	// on busy_timeout instead of failing mid-transaction.
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_account ON conversations(account_id);

	CREATE TABLE IF NOT EXISTS turns (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		speaker TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		voice_input INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS goals (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		conversation_id TEXT,
		description TEXT NOT NULL,
		difficulty TEXT NOT NULL,
		experience_xp INTEGER NOT NULL,
		motivation INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		completed_at INTEGER,
		justification TEXT NOT NULL DEFAULT '',
		deadline INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_goals_account ON goals(account_id, completed);

	CREATE TABLE IF NOT EXISTS economies (
		account_id TEXT PRIMARY KEY,
		total_xp INTEGER NOT NULL DEFAULT 0,
		daily_streak INTEGER NOT NULL DEFAULT 0,
		last_active_day TEXT NOT NULL DEFAULT ''
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Conversations() Conversations { return (*sqliteConversations)(s) }
func (s *SQLiteStore) Turns() Turns                 { return (*sqliteTurns)(s) }
func (s *SQLiteStore) Goals() Goals                 { return (*sqliteGoals)(s) }
func (s *SQLiteStore) Economies() Economies         { return (*sqliteEconomies)(s) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// CompleteGoalAndCredit runs the goal transition and the economy credit in
// one transaction.
func (s *SQLiteStore) CompleteGoalAndCredit(ctx context.Context, goalID, justification string, at time.Time) (economy.UserEconomy, goal.Goal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return economy.UserEconomy{}, goal.Goal{}, fmt.Errorf("begin completion tx: %w", err)
	}
	defer tx.Rollback()

	g, err := scanGoal(tx.QueryRowContext(ctx, goalSelect+` WHERE id = ?`, goalID))
	if err != nil {
		return economy.UserEconomy{}, goal.Goal{}, err
	}
	if g.Status != goal.StatusAccepted || g.Completed {
		return economy.UserEconomy{}, goal.Goal{}, ErrGoalNotOpen
	}

	completedAt := at.UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE goals SET status = ?, completed = 1, completed_at = ?, justification = ? WHERE id = ?`,
		goal.StatusCompleted, completedAt.Unix(), justification, goalID,
	); err != nil {
		return economy.UserEconomy{}, goal.Goal{}, fmt.Errorf("complete goal: %w", err)
	}
	g.Status = goal.StatusCompleted
	g.Completed = true
	g.CompletedAt = &completedAt
	g.Justification = justification

	e, err := creditTx(ctx, tx, g.AccountID, g.ExperienceXP, at)
	if err != nil {
		return economy.UserEconomy{}, goal.Goal{}, err
	}

	if err := tx.Commit(); err != nil {
		return economy.UserEconomy{}, goal.Goal{}, fmt.Errorf("commit completion tx: %w", err)
	}
	return e, g, nil
}

// creditTx performs the atomic read-modify-write on the economy row inside
// an open transaction.
func creditTx(ctx context.Context, tx *sql.Tx, accountID string, delta int, now time.Time) (economy.UserEconomy, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO economies (account_id) VALUES (?) ON CONFLICT(account_id) DO NOTHING`, accountID,
	); err != nil {
		return economy.UserEconomy{}, fmt.Errorf("ensure economy: %w", err)
	}

	var e economy.UserEconomy
	if err := tx.QueryRowContext(ctx,
		`SELECT account_id, total_xp, daily_streak, last_active_day FROM economies WHERE account_id = ?`, accountID,
	).Scan(&e.AccountID, &e.TotalXP, &e.DailyStreak, &e.LastActiveDay); err != nil {
		return economy.UserEconomy{}, fmt.Errorf("read economy: %w", err)
	}

	e.TotalXP += delta
	e.TouchActivity(now)

	if _, err := tx.ExecContext(ctx,
		`UPDATE economies SET total_xp = ?, daily_streak = ?, last_active_day = ? WHERE account_id = ?`,
		e.TotalXP, e.DailyStreak, e.LastActiveDay, accountID,
	); err != nil {
		return economy.UserEconomy{}, fmt.Errorf("write economy: %w", err)
	}
	return e, nil
}

type sqliteConversations SQLiteStore

func (s *sqliteConversations) Create(ctx context.Context, c chat.Conversation) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, account_id, completed, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		c.ID, c.AccountID, boolToInt(c.Completed), c.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *sqliteConversations) Get(ctx context.Context, id string) (chat.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, completed, created_at FROM conversations WHERE id = ?`, id)

	var c chat.Conversation
	var completed int
	var createdAt int64
	err := row.Scan(&c.ID, &c.AccountID, &completed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Conversation{}, ErrNotFound
	}
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	c.Completed = completed != 0
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	return c, nil
}

func (s *sqliteConversations) SetCompleted(ctx context.Context, id string, completed bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET completed = ? WHERE id = ?`, boolToInt(completed), id)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteConversations) List(ctx context.Context, accountID string) ([]chat.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, completed, created_at FROM conversations WHERE account_id = ? ORDER BY created_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Conversation, 0)
	for rows.Next() {
		var c chat.Conversation
		var completed int
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.AccountID, &completed, &createdAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.Completed = completed != 0
		c.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

type sqliteTurns SQLiteStore

func (s *sqliteTurns) Append(ctx context.Context, t chat.Turn) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, conversation_id, speaker, kind, content, voice_input, created_at)
		 SELECT ?, c.id, ?, ?, ?, ?, ? FROM conversations c WHERE c.id = ?`,
		t.ID, t.Speaker, string(t.Kind), t.Content, boolToInt(t.VoiceInput), t.CreatedAt.Unix(),
		t.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteTurns) List(ctx context.Context, conversationID string) ([]chat.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, speaker, kind, content, voice_input, created_at
		 FROM turns WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Turn, 0, 16)
	for rows.Next() {
		var t chat.Turn
		var kind string
		var voice int
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Speaker, &kind, &t.Content, &voice, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Kind = chat.Kind(kind)
		t.VoiceInput = voice != 0
		t.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

const goalSelect = `SELECT id, account_id, conversation_id, description, difficulty, experience_xp,
	motivation, status, completed, completed_at, justification, deadline, created_at FROM goals`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGoal(row rowScanner) (goal.Goal, error) {
	var g goal.Goal
	var conversationID sql.NullString
	var completed int
	var completedAt, deadline sql.NullInt64
	var createdAt int64

	err := row.Scan(&g.ID, &g.AccountID, &conversationID, &g.Description, &g.Difficulty,
		&g.ExperienceXP, &g.Motivation, &g.Status, &completed, &completedAt, &g.Justification,
		&deadline, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return goal.Goal{}, ErrNotFound
	}
	if err != nil {
		return goal.Goal{}, fmt.Errorf("scan goal: %w", err)
	}

	g.ConversationID = conversationID.String
	g.Completed = completed != 0
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0).UTC()
		g.CompletedAt = &ts
	}
	if deadline.Valid {
		ts := time.Unix(deadline.Int64, 0).UTC()
		g.Deadline = &ts
	}
	g.CreatedAt = time.Unix(createdAt, 0).UTC()
	return g, nil
}

type sqliteGoals SQLiteStore

func (s *sqliteGoals) Create(ctx context.Context, g goal.Goal) error {
	var completedAt, deadline any
	if g.CompletedAt != nil {
		completedAt = g.CompletedAt.Unix()
	}
	if g.Deadline != nil {
		deadline = g.Deadline.Unix()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO goals (id, account_id, conversation_id, description, difficulty, experience_xp,
		 motivation, status, completed, completed_at, justification, deadline, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		g.ID, g.AccountID, g.ConversationID, g.Description, g.Difficulty, g.ExperienceXP,
		g.Motivation, g.Status, boolToInt(g.Completed), completedAt, g.Justification, deadline,
		g.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert goal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *sqliteGoals) Get(ctx context.Context, id string) (goal.Goal, error) {
	return scanGoal(s.db.QueryRowContext(ctx, goalSelect+` WHERE id = ?`, id))
}

func (s *sqliteGoals) List(ctx context.Context, accountID string, includeCompleted bool) ([]goal.Goal, error) {
	query := goalSelect + ` WHERE account_id = ?`
	if !includeCompleted {
		query += ` AND completed = 0`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}
	defer rows.Close()

	out := make([]goal.Goal, 0)
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

type sqliteEconomies SQLiteStore

func (s *sqliteEconomies) Ensure(ctx context.Context, accountID string) (economy.UserEconomy, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO economies (account_id) VALUES (?) ON CONFLICT(account_id) DO NOTHING`, accountID,
	); err != nil {
		return economy.UserEconomy{}, fmt.Errorf("ensure economy: %w", err)
	}
	return s.Get(ctx, accountID)
}

func (s *sqliteEconomies) Get(ctx context.Context, accountID string) (economy.UserEconomy, error) {
	var e economy.UserEconomy
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, total_xp, daily_streak, last_active_day FROM economies WHERE account_id = ?`, accountID,
	).Scan(&e.AccountID, &e.TotalXP, &e.DailyStreak, &e.LastActiveDay)
	if errors.Is(err, sql.ErrNoRows) {
		return economy.UserEconomy{}, ErrNotFound
	}
	if err != nil {
		return economy.UserEconomy{}, fmt.Errorf("scan economy: %w", err)
	}
	return e, nil
}

func (s *sqliteEconomies) Put(ctx context.Context, e economy.UserEconomy) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO economies (account_id, total_xp, daily_streak, last_active_day)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET total_xp = excluded.total_xp,
			daily_streak = excluded.daily_streak, last_active_day = excluded.last_active_day`,
		e.AccountID, e.TotalXP, e.DailyStreak, e.LastActiveDay,
	)
	if err != nil {
		return fmt.Errorf("upsert economy: %w", err)
	}
	return nil
}

func (s *sqliteEconomies) Credit(ctx context.Context, accountID string, delta int, now time.Time) (economy.UserEconomy, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return economy.UserEconomy{}, fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback()

	e, err := creditTx(ctx, tx, accountID, delta, now)
	if err != nil {
		return economy.UserEconomy{}, err
	}
	if err := tx.Commit(); err != nil {
		return economy.UserEconomy{}, fmt.Errorf("commit credit tx: %w", err)
	}
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
