package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/loom/pkg/models"
)

// SQLiteStore implements Store on an embedded SQLite database. It is
// the default backing for single-node deployments and needs no CGO.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path.
// Pass ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
		// URI pragmas improve concurrency and avoid SQLITE_BUSY
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	// SQLite allows one writer; a single pooled connection avoids
	// lock contention between the executor's goroutines.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying database connection for migrations.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateChat creates a new chat.
func (s *SQLiteStore) CreateChat(ctx context.Context, chat *models.Chat) error {
	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	if chat.UpdatedAt.IsZero() {
		chat.UpdatedAt = chat.CreatedAt
	}

	metadata, err := marshalMeta(chat.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chats (id, title, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, chat.ID, chat.Title, string(metadata), chat.CreatedAt, chat.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create chat: %w", err)
	}

	return nil
}

// GetChat retrieves a chat by ID.
func (s *SQLiteStore) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	chat := &models.Chat{}
	var metadataJSON []byte

	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, metadata, created_at, updated_at
		FROM chats WHERE id = ?
	`, id).Scan(&chat.ID, &chat.Title, &metadataJSON, &chat.CreatedAt, &chat.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("chat", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}

	if err := unmarshalMeta(metadataJSON, &chat.Metadata); err != nil {
		return nil, err
	}

	return chat, nil
}

// ListChats retrieves chats ordered by most recent activity.
func (s *SQLiteStore) ListChats(ctx context.Context, opts ListOptions) ([]*models.Chat, error) {
	query := `
		SELECT id, title, metadata, created_at, updated_at
		FROM chats
		ORDER BY updated_at DESC
	`
	args := []interface{}{}

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var chats []*models.Chat
	for rows.Next() {
		chat := &models.Chat{}
		var metadataJSON []byte

		if err := rows.Scan(&chat.ID, &chat.Title, &metadataJSON, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		if err := unmarshalMeta(metadataJSON, &chat.Metadata); err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chats: %w", err)
	}

	return chats, nil
}

// AppendMessage adds a message to a chat's history. Wraps the message
// insert and the chat timestamp update in a transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ChatID == "" {
		return fmt.Errorf("chat ID is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	metadata, err := marshalMeta(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // Rollback after commit returns ErrTxDone which is expected
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, role, content, ctx_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ChatID, msg.Role, msg.Content, nullString(msg.CtxID), string(metadata), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE chats SET updated_at = ? WHERE id = ?`, time.Now().UTC(), msg.ChatID)
	if err != nil {
		return fmt.Errorf("failed to update chat timestamp: %w", err)
	}

	return tx.Commit()
}

// GetHistory retrieves the most recent messages for a chat in
// chronological order.
func (s *SQLiteStore) GetHistory(ctx context.Context, chatID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, ctx_id, metadata, created_at
		FROM messages WHERE chat_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var ctxID sql.NullString
		var metadataJSON []byte

		err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Role, &msg.Content, &ctxID, &metadataJSON, &msg.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.CtxID = ctxID.String
		if err := unmarshalMeta(metadataJSON, &msg.Metadata); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// AddMessageVersion records a prior body of an edited message. When
// version.Version is zero the next version number is assigned and
// reflected back on the struct.
func (s *SQLiteStore) AddMessageVersion(ctx context.Context, version *models.MessageVersion) error {
	if version.MessageID == "" {
		return fmt.Errorf("message ID is required")
	}
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO message_versions (message_id, version, content, created_at)
		VALUES (?,
			COALESCE(NULLIF(?, 0), (SELECT COALESCE(MAX(version), 0) + 1 FROM message_versions WHERE message_id = ?)),
			?, ?)
		RETURNING version
	`, version.MessageID, version.Version, version.MessageID, version.Content, version.CreatedAt).Scan(&version.Version)
	if err != nil {
		return fmt.Errorf("failed to add message version: %w", err)
	}

	return nil
}

// ListMessageVersions retrieves all versions of a message, oldest first.
func (s *SQLiteStore) ListMessageVersions(ctx context.Context, messageID string) ([]*models.MessageVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, version, content, created_at
		FROM message_versions WHERE message_id = ?
		ORDER BY version
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list message versions: %w", err)
	}
	defer rows.Close()

	var versions []*models.MessageVersion
	for rows.Next() {
		v := &models.MessageVersion{}
		if err := rows.Scan(&v.MessageID, &v.Version, &v.Content, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message versions: %w", err)
	}

	return versions, nil
}

// AddFile records an uploaded file.
func (s *SQLiteStore) AddFile(ctx context.Context, file *models.File) error {
	if file.ID == "" {
		file.ID = uuid.NewString()
	}
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, name, mime_type, size, sha256, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, file.ID, file.Name, file.MimeType, file.Size, file.SHA256, file.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add file: %w", err)
	}

	return nil
}

// AttachFile links a file to a message. Attaching the same file twice
// is a no-op.
func (s *SQLiteStore) AttachFile(ctx context.Context, messageID, fileID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_files (message_id, file_id)
		VALUES (?, ?)
		ON CONFLICT (message_id, file_id) DO NOTHING
	`, messageID, fileID)
	if err != nil {
		return fmt.Errorf("failed to attach file: %w", err)
	}

	return nil
}

// ListMessageFiles retrieves the files attached to a message.
func (s *SQLiteStore) ListMessageFiles(ctx context.Context, messageID string) ([]*models.File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.name, f.mime_type, f.size, f.sha256, f.created_at
		FROM message_files mf
		JOIN files f ON f.id = mf.file_id
		WHERE mf.message_id = ?
		ORDER BY f.created_at, f.id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list message files: %w", err)
	}
	defer rows.Close()

	var files []*models.File
	for rows.Next() {
		f := &models.File{}
		if err := rows.Scan(&f.ID, &f.Name, &f.MimeType, &f.Size, &f.SHA256, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating files: %w", err)
	}

	return files, nil
}

// InsertPlan persists a compiled plan.
func (s *SQLiteStore) InsertPlan(ctx context.Context, rec *models.PlanRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("plan ID is required")
	}
	if len(rec.IR) == 0 {
		return fmt.Errorf("plan IR is required")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (id, chat_id, base_ctx_id, ir, fingerprint, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.ChatID, nullString(rec.BaseCtxID), string(rec.IR), rec.Fingerprint, rec.Status, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}

	return nil
}

// GetPlan retrieves a plan by ID.
func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*models.PlanRecord, error) {
	rec := &models.PlanRecord{}
	var baseCtxID sql.NullString
	var ir []byte

	err := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, base_ctx_id, ir, fingerprint, status, created_at, updated_at
		FROM plans WHERE id = ?
	`, id).Scan(&rec.ID, &rec.ChatID, &baseCtxID, &ir, &rec.Fingerprint, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("plan", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	rec.BaseCtxID = baseCtxID.String
	rec.IR = json.RawMessage(ir)

	return rec, nil
}

// UpdatePlanStatus transitions a plan's rollup status.
func (s *SQLiteStore) UpdatePlanStatus(ctx context.Context, id string, status models.PlanStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE plans SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update plan status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("plan", id)
	}

	return nil
}

// ListPlans retrieves a chat's plans, newest first.
func (s *SQLiteStore) ListPlans(ctx context.Context, chatID string, limit int) ([]*models.PlanRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, base_ctx_id, ir, fingerprint, status, created_at, updated_at
		FROM plans WHERE chat_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*models.PlanRecord
	for rows.Next() {
		rec := &models.PlanRecord{}
		var baseCtxID sql.NullString
		var ir []byte

		err := rows.Scan(&rec.ID, &rec.ChatID, &baseCtxID, &ir, &rec.Fingerprint, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		rec.BaseCtxID = baseCtxID.String
		rec.IR = json.RawMessage(ir)
		plans = append(plans, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}

	return plans, nil
}

// InsertTaskAttempt persists a task attempt. When att.Attempt is zero
// the next attempt number for (plan_id, task_id) is assigned atomically
// and reflected back on the struct.
func (s *SQLiteStore) InsertTaskAttempt(ctx context.Context, att *models.TaskAttempt) error {
	if att.PlanID == "" || att.TaskID == "" {
		return fmt.Errorf("plan ID and task ID are required")
	}
	now := time.Now().UTC()
	if att.StartedAt.IsZero() {
		att.StartedAt = now
	}
	if att.UpdatedAt.IsZero() {
		att.UpdatedAt = now
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (plan_id, task_id, attempt, definition, base_ctx_id, state, new_ctx_id,
			provider, model, tokens, cost, error, started_at, finished_at, updated_at)
		VALUES (?, ?,
			COALESCE(NULLIF(?, 0), (SELECT COALESCE(MAX(attempt), 0) + 1 FROM tasks WHERE plan_id = ? AND task_id = ?)),
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING attempt
	`,
		att.PlanID,
		att.TaskID,
		att.Attempt,
		att.PlanID,
		att.TaskID,
		nullJSONText(att.Definition),
		nullString(att.BaseCtxID),
		att.State,
		nullString(att.NewCtxID),
		nullString(att.Provider),
		nullString(att.Model),
		att.Tokens,
		att.Cost,
		nullString(att.Error),
		att.StartedAt,
		nullTime(att.FinishedAt),
		att.UpdatedAt,
	).Scan(&att.Attempt)
	if err != nil {
		return fmt.Errorf("failed to insert task attempt: %w", err)
	}

	return nil
}

// UpdateTaskAttempt updates the mutable columns of a task attempt.
func (s *SQLiteStore) UpdateTaskAttempt(ctx context.Context, att *models.TaskAttempt) error {
	att.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, new_ctx_id = ?, provider = ?, model = ?,
			tokens = ?, cost = ?, error = ?, finished_at = ?, updated_at = ?
		WHERE plan_id = ? AND task_id = ? AND attempt = ?
	`,
		att.State,
		nullString(att.NewCtxID),
		nullString(att.Provider),
		nullString(att.Model),
		att.Tokens,
		att.Cost,
		nullString(att.Error),
		nullTime(att.FinishedAt),
		att.UpdatedAt,
		att.PlanID,
		att.TaskID,
		att.Attempt,
	)
	if err != nil {
		return fmt.Errorf("failed to update task attempt: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("task attempt", fmt.Sprintf("%s/%s/%d", att.PlanID, att.TaskID, att.Attempt))
	}

	return nil
}

// GetTaskAttempt retrieves one attempt of a task.
func (s *SQLiteStore) GetTaskAttempt(ctx context.Context, planID, taskID string, attempt int) (*models.TaskAttempt, error) {
	att := &models.TaskAttempt{}
	var definition []byte
	var baseCtxID, newCtxID, provider, model, errText sql.NullString
	var finishedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT plan_id, task_id, attempt, definition, base_ctx_id, state, new_ctx_id,
			provider, model, tokens, cost, error, started_at, finished_at, updated_at
		FROM tasks WHERE plan_id = ? AND task_id = ? AND attempt = ?
	`, planID, taskID, attempt).Scan(
		&att.PlanID,
		&att.TaskID,
		&att.Attempt,
		&definition,
		&baseCtxID,
		&att.State,
		&newCtxID,
		&provider,
		&model,
		&att.Tokens,
		&att.Cost,
		&errText,
		&att.StartedAt,
		&finishedAt,
		&att.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, notFound("task attempt", fmt.Sprintf("%s/%s/%d", planID, taskID, attempt))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task attempt: %w", err)
	}

	att.Definition = json.RawMessage(definition)
	att.BaseCtxID = baseCtxID.String
	att.NewCtxID = newCtxID.String
	att.Provider = provider.String
	att.Model = model.String
	att.Error = errText.String
	att.FinishedAt = finishedAt.Time

	return att, nil
}

// ListTaskAttempts retrieves every attempt row of a plan ordered by
// task then attempt.
func (s *SQLiteStore) ListTaskAttempts(ctx context.Context, planID string) ([]*models.TaskAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plan_id, task_id, attempt, definition, base_ctx_id, state, new_ctx_id,
			provider, model, tokens, cost, error, started_at, finished_at, updated_at
		FROM tasks WHERE plan_id = ?
		ORDER BY task_id, attempt
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*models.TaskAttempt
	for rows.Next() {
		att := &models.TaskAttempt{}
		var definition []byte
		var baseCtxID, newCtxID, provider, model, errText sql.NullString
		var finishedAt sql.NullTime

		err := rows.Scan(
			&att.PlanID,
			&att.TaskID,
			&att.Attempt,
			&definition,
			&baseCtxID,
			&att.State,
			&newCtxID,
			&provider,
			&model,
			&att.Tokens,
			&att.Cost,
			&errText,
			&att.StartedAt,
			&finishedAt,
			&att.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task attempt: %w", err)
		}
		att.Definition = json.RawMessage(definition)
		att.BaseCtxID = baseCtxID.String
		att.NewCtxID = newCtxID.String
		att.Provider = provider.String
		att.Model = model.String
		att.Error = errText.String
		att.FinishedAt = finishedAt.Time
		attempts = append(attempts, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task attempts: %w", err)
	}

	return attempts, nil
}

// RecordToolCall appends a tool invocation to the audit log.
func (s *SQLiteStore) RecordToolCall(ctx context.Context, call *models.ToolCallRecord) error {
	if call.PlanID == "" || call.TaskID == "" || call.Tool == "" {
		return fmt.Errorf("plan ID, task ID, and tool are required")
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (plan_id, task_id, attempt, tool, provider, model,
			input_hash, output_hash, ops, latency_ms, tokens, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		call.PlanID,
		call.TaskID,
		call.Attempt,
		call.Tool,
		nullString(call.Provider),
		nullString(call.Model),
		call.InputHash,
		nullString(call.OutputHash),
		nullJSONText(call.Ops),
		call.LatencyMS,
		call.Tokens,
		call.Cost,
		call.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record tool call: %w", err)
	}

	return nil
}

// ListToolCalls retrieves a plan's tool calls in insertion order.
func (s *SQLiteStore) ListToolCalls(ctx context.Context, planID string) ([]*models.ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plan_id, task_id, attempt, tool, provider, model,
			input_hash, output_hash, ops, latency_ms, tokens, cost, created_at
		FROM tool_calls WHERE plan_id = ?
		ORDER BY id
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	defer rows.Close()

	var calls []*models.ToolCallRecord
	for rows.Next() {
		call := &models.ToolCallRecord{}
		var provider, model, outputHash sql.NullString
		var ops []byte

		err := rows.Scan(
			&call.PlanID,
			&call.TaskID,
			&call.Attempt,
			&call.Tool,
			&provider,
			&model,
			&call.InputHash,
			&outputHash,
			&ops,
			&call.LatencyMS,
			&call.Tokens,
			&call.Cost,
			&call.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		call.Provider = provider.String
		call.Model = model.String
		call.OutputHash = outputHash.String
		call.Ops = json.RawMessage(ops)
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tool calls: %w", err)
	}

	return calls, nil
}

// AppendOplog records a context commit. Re-committing an existing
// ctx_id is a no-op because commits are content addressed.
func (s *SQLiteStore) AppendOplog(ctx context.Context, entry *models.OplogEntry) error {
	if entry.CtxID == "" {
		return fmt.Errorf("ctx ID is required")
	}
	if entry.TS.IsZero() {
		entry.TS = time.Now().UTC()
	}

	ops, err := json.Marshal(entry.Ops)
	if err != nil {
		return fmt.Errorf("failed to marshal ops: %w", err)
	}
	var meta interface{}
	if entry.Meta != nil {
		metaJSON, err := json.Marshal(entry.Meta)
		if err != nil {
			return fmt.Errorf("failed to marshal meta: %w", err)
		}
		meta = string(metaJSON)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oplog (ctx_id, base_ctx_id, chat_id, ops, meta, ts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (ctx_id) DO NOTHING
	`, entry.CtxID, nullString(entry.BaseCtxID), entry.ChatID, string(ops), meta, entry.TS)
	if err != nil {
		return fmt.Errorf("failed to append oplog: %w", err)
	}

	return nil
}

// GetOplog retrieves the commit that produced ctx_id.
func (s *SQLiteStore) GetOplog(ctx context.Context, ctxID string) (*models.OplogEntry, error) {
	entry := &models.OplogEntry{}
	var baseCtxID sql.NullString
	var ops, meta []byte

	err := s.db.QueryRowContext(ctx, `
		SELECT ctx_id, base_ctx_id, chat_id, ops, meta, ts
		FROM oplog WHERE ctx_id = ?
	`, ctxID).Scan(&entry.CtxID, &baseCtxID, &entry.ChatID, &ops, &meta, &entry.TS)
	if err == sql.ErrNoRows {
		return nil, notFound("oplog entry", ctxID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get oplog entry: %w", err)
	}

	entry.BaseCtxID = baseCtxID.String
	if len(ops) > 0 && string(ops) != "null" {
		if err := json.Unmarshal(ops, &entry.Ops); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ops: %w", err)
		}
	}
	if err := unmarshalMeta(meta, &entry.Meta); err != nil {
		return nil, err
	}

	return entry, nil
}

// ListOplogByChat retrieves a chat's commits, newest first.
func (s *SQLiteStore) ListOplogByChat(ctx context.Context, chatID string, limit int) ([]*models.OplogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ctx_id, base_ctx_id, chat_id, ops, meta, ts
		FROM oplog WHERE chat_id = ?
		ORDER BY ts DESC
		LIMIT ?
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list oplog: %w", err)
	}
	defer rows.Close()

	var entries []*models.OplogEntry
	for rows.Next() {
		entry := &models.OplogEntry{}
		var baseCtxID sql.NullString
		var ops, meta []byte

		err := rows.Scan(&entry.CtxID, &baseCtxID, &entry.ChatID, &ops, &meta, &entry.TS)
		if err != nil {
			return nil, fmt.Errorf("failed to scan oplog entry: %w", err)
		}
		entry.BaseCtxID = baseCtxID.String
		if len(ops) > 0 && string(ops) != "null" {
			if err := json.Unmarshal(ops, &entry.Ops); err != nil {
				return nil, fmt.Errorf("failed to unmarshal ops: %w", err)
			}
		}
		if err := unmarshalMeta(meta, &entry.Meta); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating oplog: %w", err)
	}

	return entries, nil
}

// UpsertRateLimitUsage writes a sliding-window counter row.
func (s *SQLiteStore) UpsertRateLimitUsage(ctx context.Context, row *models.RateLimitUsage) error {
	if row.ScopeKey == "" || row.Window == "" {
		return fmt.Errorf("scope key and window are required")
	}
	row.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_usage (scope_key, "window", request_count, token_count,
			oldest_request_ts, oldest_token_ts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope_key, "window") DO UPDATE SET
			request_count = excluded.request_count,
			token_count = excluded.token_count,
			oldest_request_ts = excluded.oldest_request_ts,
			oldest_token_ts = excluded.oldest_token_ts,
			updated_at = excluded.updated_at
	`,
		row.ScopeKey,
		row.Window,
		row.RequestCount,
		row.TokenCount,
		nullTime(row.OldestRequestTS),
		nullTime(row.OldestTokenTS),
		row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert rate limit usage: %w", err)
	}

	return nil
}

// GetRateLimitUsage retrieves one scope/window counter row.
func (s *SQLiteStore) GetRateLimitUsage(ctx context.Context, scopeKey string, window models.UsageWindow) (*models.RateLimitUsage, error) {
	row := &models.RateLimitUsage{}
	var oldestRequest, oldestToken sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT scope_key, "window", request_count, token_count,
			oldest_request_ts, oldest_token_ts, updated_at
		FROM rate_limit_usage WHERE scope_key = ? AND "window" = ?
	`, scopeKey, window).Scan(
		&row.ScopeKey,
		&row.Window,
		&row.RequestCount,
		&row.TokenCount,
		&oldestRequest,
		&oldestToken,
		&row.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, notFound("rate limit usage", scopeKey+"/"+string(window))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate limit usage: %w", err)
	}

	row.OldestRequestTS = oldestRequest.Time
	row.OldestTokenTS = oldestToken.Time

	return row, nil
}

// FailStaleTaskAttempts marks RUNNING attempts with no progress since
// olderThan as FAILED. Recovers rows orphaned by a crash.
func (s *SQLiteStore) FailStaleTaskAttempts(ctx context.Context, olderThan time.Time) (int64, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, error = ?, finished_at = ?, updated_at = ?
		WHERE state = ? AND updated_at < ?
	`,
		models.TaskFailed,
		"attempt abandoned: no progress recorded",
		now,
		now,
		models.TaskRunning,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale task attempts: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// PruneRateLimitUsage deletes counter rows not touched since olderThan.
func (s *SQLiteStore) PruneRateLimitUsage(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_usage WHERE updated_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune rate limit usage: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// nullJSONText stores JSON as TEXT, mapping empty payloads to NULL.
func nullJSONText(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
