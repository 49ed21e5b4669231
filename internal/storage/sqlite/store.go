package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"worth/internal/models"
)

// Store wraps access to the SQLite database and exposes high level helpers.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open initializes a new SQLite store and runs the required migrations.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("empty database path")
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := ensureDir(dbPath); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=ON", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	s := &Store{db: conn, logger: logger}
	if err := s.migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	logger.Info("sqlite store ready", slog.String("path", dbPath))
	return s, nil
}

// Close releases the database resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
            username TEXT PRIMARY KEY,
            password_hash TEXT NOT NULL,
            salt TEXT NOT NULL,
            created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS projects (
            name TEXT PRIMARY KEY,
            chat_addr TEXT NOT NULL UNIQUE,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS project_members (
            project TEXT NOT NULL,
            username TEXT NOT NULL,
            position INTEGER NOT NULL,
            PRIMARY KEY(project, username),
            FOREIGN KEY(project) REFERENCES projects(name) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS cards (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            project TEXT NOT NULL,
            name TEXT NOT NULL,
            description TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'todo',
            updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
            UNIQUE(project, name),
            FOREIGN KEY(project) REFERENCES projects(name) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS card_events (
            card_id INTEGER NOT NULL,
            seq INTEGER NOT NULL,
            from_status TEXT NOT NULL,
            to_status TEXT NOT NULL,
            at INTEGER NOT NULL,
            PRIMARY KEY(card_id, seq),
            FOREIGN KEY(card_id) REFERENCES cards(id) ON DELETE CASCADE
        );`,
		`CREATE INDEX IF NOT EXISTS idx_cards_project ON cards(project);`,
		`CREATE INDEX IF NOT EXISTS idx_members_username ON project_members(username);`,
		`CREATE TRIGGER IF NOT EXISTS trg_cards_updated
            AFTER UPDATE ON cards
            FOR EACH ROW BEGIN
                UPDATE cards SET updated_at = CURRENT_TIMESTAMP WHERE id = OLD.id;
            END;`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// LoadUsers returns every account ordered by username.
func (s *Store) LoadUsers(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username, password_hash, salt FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []models.Account
	for rows.Next() {
		var u models.Account
		if err := rows.Scan(&u.Username, &u.PasswordHash, &u.Salt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SaveUser inserts or replaces an account's credentials.
func (s *Store) SaveUser(ctx context.Context, u models.Account) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users(username, password_hash, salt) VALUES(?, ?, ?)
        ON CONFLICT(username) DO UPDATE SET password_hash = excluded.password_hash, salt = excluded.salt`,
		u.Username, u.PasswordHash, u.Salt)
	if err != nil {
		return fmt.Errorf("save user %s: %w", u.Username, err)
	}
	return nil
}

// LoadProjects returns every project with its members and cards, ordered by
// name. Cards keep their insertion order and events their sequence order.
func (s *Store) LoadProjects(ctx context.Context) ([]models.Board, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, chat_addr, created_at FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}

	var boards []models.Board
	for rows.Next() {
		var b models.Board
		var created int64
		if err := rows.Scan(&b.Name, &b.ChatAddr, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan project: %w", err)
		}
		b.CreatedAt = time.UnixMilli(created).UTC()
		boards = append(boards, b)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range boards {
		if boards[i].Members, err = s.listMembers(ctx, boards[i].Name); err != nil {
			return nil, err
		}
		if boards[i].Cards, err = s.listCards(ctx, boards[i].Name); err != nil {
			return nil, err
		}
	}
	return boards, nil
}

func (s *Store) listMembers(ctx context.Context, project string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username FROM project_members WHERE project = ? ORDER BY position`, project)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Store) listCards(ctx context.Context, project string) ([]models.Card, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT c.id, c.name, c.description, c.status, e.from_status, e.to_status, e.at
        FROM cards c LEFT JOIN card_events e ON e.card_id = c.id
        WHERE c.project = ? ORDER BY c.id, e.seq`, project)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	var cards []models.Card
	lastID := int64(-1)
	for rows.Next() {
		var (
			id       int64
			c        models.Card
			from, to sql.NullString
			at       sql.NullInt64
		)
		if err := rows.Scan(&id, &c.Name, &c.Description, &c.Status, &from, &to, &at); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		if id != lastID {
			cards = append(cards, c)
			lastID = id
		}
		if at.Valid {
			cur := &cards[len(cards)-1]
			cur.History = append(cur.History, models.Transition{
				At:   time.UnixMilli(at.Int64).UTC(),
				From: models.Status(from.String),
				To:   models.Status(to.String),
			})
		}
	}
	return cards, rows.Err()
}

// SaveProject inserts or replaces the project row and its member list.
func (s *Store) SaveProject(ctx context.Context, b models.Board) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO projects(name, chat_addr, created_at) VALUES(?, ?, ?)
        ON CONFLICT(name) DO UPDATE SET chat_addr = excluded.chat_addr`,
		b.Name, b.ChatAddr, b.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save project %s: %w", b.Name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM project_members WHERE project = ?`, b.Name); err != nil {
		return fmt.Errorf("clear members: %w", err)
	}
	for i, m := range b.Members {
		if _, err := tx.ExecContext(ctx, `INSERT INTO project_members(project, username, position) VALUES(?, ?, ?)`, b.Name, m, i); err != nil {
			return fmt.Errorf("insert member %s: %w", m, err)
		}
	}
	return tx.Commit()
}

// SaveCard inserts or replaces one card and appends the history entries the
// database does not have yet. History is append-only, so only the tail past
// the stored length is written.
func (s *Store) SaveCard(ctx context.Context, project string, c models.Card) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects WHERE name = ?`, project).Scan(&exists); err != nil {
		return fmt.Errorf("lookup project: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("save card %s: project %s: %w", c.Name, project, models.ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO cards(project, name, description, status) VALUES(?, ?, ?, ?)
        ON CONFLICT(project, name) DO UPDATE SET status = excluded.status`,
		project, c.Name, c.Description, string(c.Status))
	if err != nil {
		return fmt.Errorf("save card %s: %w", c.Name, err)
	}

	var id, stored int64
	err = tx.QueryRowContext(ctx, `SELECT c.id, COUNT(e.seq) FROM cards c LEFT JOIN card_events e ON e.card_id = c.id
        WHERE c.project = ? AND c.name = ? GROUP BY c.id`, project, c.Name).Scan(&id, &stored)
	if err != nil {
		return fmt.Errorf("card id: %w", err)
	}
	for seq := stored; seq < int64(len(c.History)); seq++ {
		t := c.History[seq]
		_, err := tx.ExecContext(ctx, `INSERT INTO card_events(card_id, seq, from_status, to_status, at) VALUES(?, ?, ?, ?, ?)`,
			id, seq, string(t.From), string(t.To), t.At.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert card event: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteProject removes a project along with its members, cards and events.
func (s *Store) DeleteProject(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("delete project %s: %w", name, models.ErrNotFound)
	}
	return nil
}
