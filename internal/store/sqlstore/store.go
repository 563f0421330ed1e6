package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pliu/chatsync/internal/errs"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
)

type SQLStore struct {
	db         *sql.DB
	driverName string
}

var _ store.Store = (*SQLStore)(nil)

// New opens the database and creates the schema. driverName is "sqlite3"
// or "postgres".
func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// Every pooled connection to ":memory:" would see its own database.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, errs.Unavailable("ping", err)
	}

	s := &SQLStore{db: db, driverName: driverName}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) createTables() error {
	// Simplified for brevity, ideally use migrations
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		email TEXT NOT NULL,
		display_name TEXT NOT NULL,
		password TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS users_username_key ON users (LOWER(username));
	CREATE UNIQUE INDEX IF NOT EXISTS users_email_key ON users (LOWER(email));

	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		last_message TEXT NOT NULL DEFAULT '',
		last_message_time DATETIME,
		created_at DATETIME NOT NULL,
		created_by TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS participants (
		chat_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (chat_id, user_id),
		FOREIGN KEY (chat_id) REFERENCES chats(id)
	);
	CREATE INDEX IF NOT EXISTS participants_user ON participants (user_id);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		chat_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		text TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		image_uri TEXT NOT NULL DEFAULT '',
		message_type TEXT NOT NULL DEFAULT 'text'
	);
	CREATE INDEX IF NOT EXISTS messages_chat ON messages (chat_id, timestamp);
	`

	if s.driverName == "postgres" {
		// Adjust for Postgres syntax
		query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY AUTOINCREMENT", "SERIAL PRIMARY KEY")
		query = strings.ReplaceAll(query, "DATETIME", "TIMESTAMPTZ")
	}

	if _, err := s.db.Exec(query); err != nil {
		return errs.Unavailable("create tables", err)
	}
	return nil
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

// classify maps driver errors onto the errs taxonomy.
func classify(op, kind, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errs.NotFound(kind, id)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return errs.Conflict(kind, id)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return errs.Conflict(kind, id)
	}
	return errs.Unavailable(op, err)
}

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	query := s.rebind("INSERT INTO users (id, username, email, display_name, password, created_at) VALUES (?, ?, ?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query, user.ID, user.Username, user.Email, user.DisplayName, user.Password, user.CreatedAt)
	return classify("create user", "user", user.Username, err)
}

const userColumns = "id, username, email, display_name, password, created_at"

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var user models.User
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.DisplayName, &user.Password, &user.CreatedAt); err != nil {
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE id = ?")
	user, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, classify("get user", "user", id, err)
	}
	return user, nil
}

func (s *SQLStore) GetUserByLogin(ctx context.Context, login string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE LOWER(username) = LOWER(?) OR LOWER(email) = LOWER(?)")
	user, err := scanUser(s.db.QueryRowContext(ctx, query, login, login))
	if err != nil {
		return nil, classify("get user by login", "user", login, err)
	}
	return user, nil
}

func (s *SQLStore) SearchUsers(ctx context.Context, filter store.UserFilter) ([]models.User, error) {
	pattern := "%" + strings.ToLower(strings.TrimSpace(filter.Term)) + "%"
	query := "SELECT " + userColumns + ` FROM users
		WHERE (LOWER(username) LIKE ? OR LOWER(display_name) LIKE ? OR LOWER(email) LIKE ?) AND id <> ?
		ORDER BY username`
	args := []any{pattern, pattern, pattern, filter.ExcludeID}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, classify("search users", "user", filter.Term, err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, classify("search users", "user", filter.Term, err)
		}
		users = append(users, *user)
	}
	return users, classify("search users", "user", filter.Term, rows.Err())
}

func (s *SQLStore) UpdateUser(ctx context.Context, id string, patch models.UserPatch) error {
	var sets []string
	var args []any
	if patch.DisplayName != nil {
		sets = append(sets, "display_name = ?")
		args = append(args, *patch.DisplayName)
	}
	if patch.Email != nil {
		sets = append(sets, "email = ?")
		args = append(args, *patch.Email)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	query := s.rebind("UPDATE users SET " + strings.Join(sets, ", ") + " WHERE id = ?")
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classify("update user", "user", id, err)
	}
	return expectRow(result, "update user", "user", id)
}

func expectRow(result sql.Result, op, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return errs.Unavailable(op, err)
	}
	if rows == 0 {
		return errs.NotFound(kind, id)
	}
	return nil
}

func (s *SQLStore) CreateChat(ctx context.Context, chat *models.Chat) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Unavailable("create chat", err)
	}
	defer tx.Rollback()

	query := s.rebind("INSERT INTO chats (id, name, last_message, last_message_time, created_at, created_by) VALUES (?, ?, ?, ?, ?, ?)")
	if _, err := tx.ExecContext(ctx, query, chat.ID, chat.Name, chat.LastMessage, nullTime(chat.LastMessageTime), chat.CreatedAt, chat.CreatedBy); err != nil {
		return classify("create chat", "chat", chat.ID, err)
	}
	query = s.rebind("INSERT INTO participants (chat_id, user_id, position) VALUES (?, ?, ?)")
	for i, userID := range chat.Participants {
		if _, err := tx.ExecContext(ctx, query, chat.ID, userID, i); err != nil {
			return classify("add participant", "participant", userID, err)
		}
	}
	return classify("create chat", "chat", chat.ID, tx.Commit())
}

const chatColumns = "c.id, c.name, c.last_message, c.last_message_time, c.created_at, c.created_by"

func scanChat(row interface{ Scan(...any) error }) (*models.Chat, error) {
	var chat models.Chat
	var lastMessageTime sql.NullTime
	if err := row.Scan(&chat.ID, &chat.Name, &chat.LastMessage, &lastMessageTime, &chat.CreatedAt, &chat.CreatedBy); err != nil {
		return nil, err
	}
	chat.LastMessageTime = fromNullTime(lastMessageTime)
	chat.CreatedAt = chat.CreatedAt.UTC()
	return &chat, nil
}

func (s *SQLStore) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	query := s.rebind("SELECT " + chatColumns + " FROM chats c WHERE c.id = ?")
	chat, err := scanChat(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, classify("get chat", "chat", id, err)
	}
	if chat.Participants, err = s.getParticipants(ctx, id); err != nil {
		return nil, err
	}
	return chat, nil
}

func (s *SQLStore) getParticipants(ctx context.Context, chatID string) ([]string, error) {
	query := s.rebind("SELECT user_id FROM participants WHERE chat_id = ? ORDER BY position")
	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, classify("get participants", "chat", chatID, err)
	}
	defer rows.Close()

	var participants []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, classify("get participants", "chat", chatID, err)
		}
		participants = append(participants, userID)
	}
	return participants, classify("get participants", "chat", chatID, rows.Err())
}

func (s *SQLStore) QueryChats(ctx context.Context, filter store.ChatFilter) ([]models.Chat, error) {
	query := `
		SELECT ` + chatColumns + `
		FROM chats c
		JOIN participants p ON c.id = p.chat_id
		WHERE p.user_id = ?
		ORDER BY c.last_message_time DESC`
	args := []any{filter.Participant}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, classify("query chats", "user", filter.Participant, err)
	}

	var chats []models.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			rows.Close()
			return nil, classify("query chats", "user", filter.Participant, err)
		}
		chats = append(chats, *chat)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, classify("query chats", "user", filter.Participant, err)
	}

	// Participants are loaded after the cursor is closed: the sqlite pool
	// holds a single connection.
	for i := range chats {
		if chats[i].Participants, err = s.getParticipants(ctx, chats[i].ID); err != nil {
			return nil, err
		}
	}
	return chats, nil
}

func (s *SQLStore) UpdateChat(ctx context.Context, id string, patch models.ChatPatch) error {
	query := s.rebind("UPDATE chats SET last_message = ?, last_message_time = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, query, patch.LastMessage, nullTime(patch.LastMessageTime), id)
	if err != nil {
		return classify("update chat", "chat", id, err)
	}
	return expectRow(result, "update chat", "chat", id)
}

// DeleteChat removes the chat, its participants and any message still
// attached to it in one transaction.
func (s *SQLStore) DeleteChat(ctx context.Context, chatID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Unavailable("delete chat", err)
	}
	defer tx.Rollback()

	// Delete messages first (foreign key constraint)
	if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM messages WHERE chat_id = ?"), chatID); err != nil {
		return classify("delete chat", "chat", chatID, err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM participants WHERE chat_id = ?"), chatID); err != nil {
		return classify("delete chat", "chat", chatID, err)
	}
	result, err := tx.ExecContext(ctx, s.rebind("DELETE FROM chats WHERE id = ?"), chatID)
	if err != nil {
		return classify("delete chat", "chat", chatID, err)
	}
	if err := expectRow(result, "delete chat", "chat", chatID); err != nil {
		return err
	}
	return classify("delete chat", "chat", chatID, tx.Commit())
}

func (s *SQLStore) CreateMessage(ctx context.Context, message *models.Message) error {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.Timestamp == nil {
		now := time.Now().UTC()
		message.Timestamp = &now
	}
	if message.MessageType == "" {
		message.MessageType = models.MessageTypeText
	}
	query := s.rebind("INSERT INTO messages (id, chat_id, sender, sender_id, text, timestamp, image_uri, message_type) VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query, message.ID, message.ChatID, message.Sender, message.SenderID,
		message.Text, *message.Timestamp, message.ImageURI, string(message.MessageType))
	return classify("create message", "message", message.ID, err)
}

// QueryMessages returns the newest filter.Limit messages of the chat in
// ascending timestamp order, ties in insertion order.
func (s *SQLStore) QueryMessages(ctx context.Context, filter store.MessageFilter) ([]models.Message, error) {
	query := `
		SELECT id, chat_id, sender, sender_id, text, timestamp, image_uri, message_type
		FROM messages
		WHERE chat_id = ?
		ORDER BY timestamp DESC, seq DESC`
	args := []any{filter.ChatID}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, classify("query messages", "chat", filter.ChatID, err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var timestamp time.Time
		var messageType string
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Sender, &m.SenderID, &m.Text, &timestamp, &m.ImageURI, &messageType); err != nil {
			return nil, classify("query messages", "chat", filter.ChatID, err)
		}
		timestamp = timestamp.UTC()
		m.Timestamp = &timestamp
		m.MessageType = models.MessageType(messageType)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query messages", "chat", filter.ChatID, err)
	}

	// Rows came newest first so the limit keeps the most recent ones.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *SQLStore) DeleteMessages(ctx context.Context, chatID string) (int, error) {
	result, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM messages WHERE chat_id = ?"), chatID)
	if err != nil {
		return 0, classify("delete messages", "chat", chatID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errs.Unavailable("delete messages", err)
	}
	return int(rows), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}
