package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/chatdesk/internal/chat"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store wraps a SQLite database holding projects, chats, messages and the
// exchange log.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "chats.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: the API bridge and the dispatcher loops write concurrently.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migrations that are not yet recorded in
// schema_version, each in its own transaction.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}
		if err := s.applyMigration(version, entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(version int, name string) error {
	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
		return fmt.Errorf("checking migration %d: %w", version, err)
	}
	if exists > 0 {
		return nil
	}

	content, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", name, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("applying migration %d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("recording migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", version, err)
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *Store) stamp() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		// Rows written by hand or by older builds may use plain RFC3339.
		return time.Parse(time.RFC3339, v)
	}
	return t, nil
}

func checkAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Projects ---

// CreateProject inserts a new project with a generated id.
func (s *Store) CreateProject(name, context string) (Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Project{}, errors.New("project name is required")
	}
	now := s.now().UTC()
	p := Project{
		ID:        uuid.NewString(),
		Name:      name,
		Context:   context,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(`INSERT INTO projects (id, name, context, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Context, formatTime(now), formatTime(now))
	if err != nil {
		return Project{}, fmt.Errorf("inserting project: %w", err)
	}
	return p, nil
}

func scanProject(row interface{ Scan(...any) error }) (Project, error) {
	var p Project
	var createdAt, updatedAt string
	if err := row.Scan(&p.ID, &p.Name, &p.Context, &createdAt, &updatedAt); err != nil {
		return Project{}, err
	}
	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return Project{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Project{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}

// GetProject returns the project with id.
func (s *Store) GetProject(id string) (Project, error) {
	p, err := scanProject(s.db.QueryRow(
		`SELECT id, name, context, created_at, updated_at FROM projects WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Project{}, ErrNotFound
	}
	return p, err
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects() ([]Project, error) {
	rows, err := s.db.Query(`SELECT id, name, context, created_at, updated_at FROM projects ORDER BY name COLLATE NOCASE, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// RenameProject changes a project's name.
func (s *Store) RenameProject(id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("project name is required")
	}
	return checkAffected(s.db.Exec(`UPDATE projects SET name = ?, updated_at = ? WHERE id = ?`, name, s.stamp(), id))
}

// SetProjectContext replaces a project's context notes.
func (s *Store) SetProjectContext(id, context string) error {
	return checkAffected(s.db.Exec(`UPDATE projects SET context = ?, updated_at = ? WHERE id = ?`, context, s.stamp(), id))
}

// DeleteProject removes a project. Its chats are kept and become ungrouped.
func (s *Store) DeleteProject(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkAffected(tx.Exec(`DELETE FROM projects WHERE id = ?`, id)); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE chats SET project_id = NULL WHERE project_id = ?`, id); err != nil {
		return fmt.Errorf("detaching chats: %w", err)
	}
	return tx.Commit()
}

// --- Chats ---

const chatColumns = `c.id, COALESCE(c.project_id, ''), c.title, c.model, c.created_at, c.updated_at,
	(SELECT COUNT(*) FROM messages m WHERE m.chat_id = c.id)`

func scanChat(row interface{ Scan(...any) error }) (Chat, error) {
	var c Chat
	var createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.ProjectID, &c.Title, &c.Model, &createdAt, &updatedAt, &c.MessageCount); err != nil {
		return Chat{}, err
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Chat{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Chat{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

// CreateChat inserts a new chat. projectID may be empty.
func (s *Store) CreateChat(projectID, title, model string) (Chat, error) {
	if projectID != "" {
		if _, err := s.GetProject(projectID); err != nil {
			return Chat{}, fmt.Errorf("project %s: %w", projectID, err)
		}
	}
	if strings.TrimSpace(title) == "" {
		title = "New Chat"
	}
	now := s.now().UTC()
	c := Chat{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Title:     title,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(`INSERT INTO chats (id, project_id, title, model, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, nullable(projectID), c.Title, c.Model, formatTime(now), formatTime(now))
	if err != nil {
		return Chat{}, fmt.Errorf("inserting chat: %w", err)
	}
	return c, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// GetChat returns the chat with id.
func (s *Store) GetChat(id string) (Chat, error) {
	c, err := scanChat(s.db.QueryRow(`SELECT `+chatColumns+` FROM chats c WHERE c.id = ?`, id))
	if err == sql.ErrNoRows {
		return Chat{}, ErrNotFound
	}
	return c, err
}

// ChatFilter narrows ListChats. Zero values match everything.
type ChatFilter struct {
	// ProjectID limits results to one project. Ungrouped selects chats
	// without a project and takes precedence.
	ProjectID string
	Ungrouped bool
	// Query matches chat titles and message text, case-insensitively.
	Query string
	Limit int
}

// ListChats returns chats ordered by most recent activity.
func (s *Store) ListChats(f ChatFilter) ([]Chat, error) {
	var (
		where []string
		args  []any
	)
	switch {
	case f.Ungrouped:
		where = append(where, "c.project_id IS NULL")
	case f.ProjectID != "":
		where = append(where, "c.project_id = ?")
		args = append(args, f.ProjectID)
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		pattern := "%" + escapeLike(strings.ToLower(q)) + "%"
		where = append(where, `(LOWER(c.title) LIKE ? ESCAPE '\' OR EXISTS (
			SELECT 1 FROM messages m WHERE m.chat_id = c.id AND LOWER(m.message) LIKE ? ESCAPE '\'))`)
		args = append(args, pattern, pattern)
	}

	query := `SELECT ` + chatColumns + ` FROM chats c`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY c.updated_at DESC, c.rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func escapeLike(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(v)
}

// RenameChat changes a chat's title.
func (s *Store) RenameChat(id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("chat title is required")
	}
	return checkAffected(s.db.Exec(`UPDATE chats SET title = ?, updated_at = ? WHERE id = ?`, title, s.stamp(), id))
}

// SetChatModel records the model last used in a chat.
func (s *Store) SetChatModel(id, model string) error {
	return checkAffected(s.db.Exec(`UPDATE chats SET model = ? WHERE id = ?`, model, id))
}

// MoveChat assigns a chat to a project, or ungroups it when projectID is empty.
func (s *Store) MoveChat(id, projectID string) error {
	if projectID != "" {
		if _, err := s.GetProject(projectID); err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
	}
	return checkAffected(s.db.Exec(`UPDATE chats SET project_id = ?, updated_at = ? WHERE id = ?`,
		nullable(projectID), s.stamp(), id))
}

// DeleteChat removes a chat with its messages and exchange log.
func (s *Store) DeleteChat(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkAffected(tx.Exec(`DELETE FROM chats WHERE id = ?`, id)); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM exchanges WHERE chat_id = ?`, id); err != nil {
		return fmt.Errorf("deleting exchanges: %w", err)
	}
	return tx.Commit()
}

// --- Messages ---

// AppendMessage stores a message at the end of a chat and bumps the chat's
// activity time. A zero timestamp means now.
func (s *Store) AppendMessage(chatID string, role chat.Role, content string, ts time.Time) (Message, error) {
	if ts.IsZero() {
		ts = s.now()
	}
	ts = ts.UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return Message{}, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkAffected(tx.Exec(`UPDATE chats SET updated_at = ? WHERE id = ?`, formatTime(ts), chatID)); err != nil {
		return Message{}, err
	}
	res, err := tx.Exec(`INSERT INTO messages (chat_id, sender, message, timestamp) VALUES (?, ?, ?, ?)`,
		chatID, string(role), content, formatTime(ts))
	if err != nil {
		return Message{}, fmt.Errorf("inserting message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("committing message: %w", err)
	}
	return Message{ID: id, ChatID: chatID, Role: role, Content: content, Timestamp: ts}, nil
}

// ListMessages returns a chat's messages in insertion order.
func (s *Store) ListMessages(chatID string) ([]Message, error) {
	rows, err := s.db.Query(`SELECT id, chat_id, sender, message, timestamp FROM messages WHERE chat_id = ? ORDER BY id`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var role, ts string
		if err := rows.Scan(&m.ID, &m.ChatID, &role, &m.Content, &ts); err != nil {
			return nil, err
		}
		m.Role = chat.Role(role)
		if m.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// Transcript returns a chat with all of its messages.
func (s *Store) Transcript(chatID string) (Transcript, error) {
	c, err := s.GetChat(chatID)
	if err != nil {
		return Transcript{}, err
	}
	msgs, err := s.ListMessages(chatID)
	if err != nil {
		return Transcript{}, err
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return Transcript{Chat: c, Messages: msgs}, nil
}

// --- Exchanges ---

// SaveExchange records one request cycle. ID and CreatedAt are filled in
// when empty.
func (s *Store) SaveExchange(e Exchange) (Exchange, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	_, err := s.db.Exec(`
		INSERT INTO exchanges (id, chat_id, model, backend_id, endpoint, status, error_kind, error_message, elapsed_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ChatID, e.Model, e.BackendID, e.Endpoint, e.Status, e.ErrorKind, e.ErrorMessage, e.ElapsedMS,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return Exchange{}, fmt.Errorf("inserting exchange: %w", err)
	}
	return e, nil
}

// ListExchanges returns the most recent exchanges, newest first. An empty
// chatID lists across all chats.
func (s *Store) ListExchanges(chatID string, limit int) ([]Exchange, error) {
	query := `SELECT id, chat_id, model, backend_id, endpoint, status, error_kind, error_message, elapsed_ms, created_at FROM exchanges`
	var args []any
	if chatID != "" {
		query += " WHERE chat_id = ?"
		args = append(args, chatID)
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Exchange
	for rows.Next() {
		var e Exchange
		var createdAt string
		if err := rows.Scan(&e.ID, &e.ChatID, &e.Model, &e.BackendID, &e.Endpoint, &e.Status,
			&e.ErrorKind, &e.ErrorMessage, &e.ElapsedMS, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}
