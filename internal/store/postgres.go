package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/haasonsaas/loom/pkg/models"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB

	// Prepared statements for the executor's hot paths
	stmtAppendMessage *sql.Stmt
	stmtGetHistory    *sql.Stmt
	stmtInsertAttempt *sql.Stmt
	stmtUpdateAttempt *sql.Stmt
	stmtGetAttempt    *sql.Stmt
	stmtRecordTool    *sql.Stmt
	stmtAppendOplog   *sql.Stmt
	stmtGetOplog      *sql.Stmt
	stmtUpsertUsage   *sql.Stmt
	stmtGetUsage      *sql.Stmt
}

// DB exposes the underlying database connection for migrations.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// PostgresConfig holds configuration for the PostgreSQL connection.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default configuration.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "loom",
		Password:        "",
		Database:        "loom",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		config.Host, config.Port, config.User, config.Password,
		config.Database, config.SSLMode, int(config.ConnectTimeout.Seconds()),
	)

	return newPostgresStoreWithDSN(dsn, config)
}

// NewPostgresStoreFromDSN creates a new PostgreSQL store using a raw DSN/URL.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	return newPostgresStoreWithDSN(dsn, config)
}

func newPostgresStoreWithDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return store, nil
}

// prepareStatements prepares the hot-path SQL statements for reuse.
func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtAppendMessage, err = s.db.Prepare(`
		INSERT INTO messages (id, chat_id, role, content, ctx_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare append message: %w", err)
	}

	s.stmtGetHistory, err = s.db.Prepare(`
		SELECT id, chat_id, role, content, ctx_id, metadata, created_at
		FROM messages WHERE chat_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get history: %w", err)
	}

	s.stmtInsertAttempt, err = s.db.Prepare(`
		INSERT INTO tasks (plan_id, task_id, attempt, definition, base_ctx_id, state, new_ctx_id,
			provider, model, tokens, cost, error, started_at, finished_at, updated_at)
		VALUES ($1, $2,
			COALESCE(NULLIF($3, 0), (SELECT COALESCE(MAX(attempt), 0) + 1 FROM tasks WHERE plan_id = $1 AND task_id = $2)),
			$4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING attempt
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert attempt: %w", err)
	}

	s.stmtUpdateAttempt, err = s.db.Prepare(`
		UPDATE tasks SET state = $4, new_ctx_id = $5, provider = $6, model = $7,
			tokens = $8, cost = $9, error = $10, finished_at = $11, updated_at = $12
		WHERE plan_id = $1 AND task_id = $2 AND attempt = $3
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare update attempt: %w", err)
	}

	s.stmtGetAttempt, err = s.db.Prepare(`
		SELECT plan_id, task_id, attempt, definition, base_ctx_id, state, new_ctx_id,
			provider, model, tokens, cost, error, started_at, finished_at, updated_at
		FROM tasks WHERE plan_id = $1 AND task_id = $2 AND attempt = $3
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get attempt: %w", err)
	}

	s.stmtRecordTool, err = s.db.Prepare(`
		INSERT INTO tool_calls (plan_id, task_id, attempt, tool, provider, model,
			input_hash, output_hash, ops, latency_ms, tokens, cost, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare record tool call: %w", err)
	}

	s.stmtAppendOplog, err = s.db.Prepare(`
		INSERT INTO oplog (ctx_id, base_ctx_id, chat_id, ops, meta, ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ctx_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare append oplog: %w", err)
	}

	s.stmtGetOplog, err = s.db.Prepare(`
		SELECT ctx_id, base_ctx_id, chat_id, ops, meta, ts
		FROM oplog WHERE ctx_id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get oplog: %w", err)
	}

	s.stmtUpsertUsage, err = s.db.Prepare(`
		INSERT INTO rate_limit_usage (scope_key, "window", request_count, token_count,
			oldest_request_ts, oldest_token_ts, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (scope_key, "window") DO UPDATE SET
			request_count = EXCLUDED.request_count,
			token_count = EXCLUDED.token_count,
			oldest_request_ts = EXCLUDED.oldest_request_ts,
			oldest_token_ts = EXCLUDED.oldest_token_ts,
			updated_at = EXCLUDED.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert usage: %w", err)
	}

	s.stmtGetUsage, err = s.db.Prepare(`
		SELECT scope_key, "window", request_count, token_count,
			oldest_request_ts, oldest_token_ts, updated_at
		FROM rate_limit_usage WHERE scope_key = $1 AND "window" = $2
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get usage: %w", err)
	}

	return nil
}

// Close closes the prepared statements and the database connection.
func (s *PostgresStore) Close() error {
	var errs []error

	stmts := []*sql.Stmt{
		s.stmtAppendMessage,
		s.stmtGetHistory,
		s.stmtInsertAttempt,
		s.stmtUpdateAttempt,
		s.stmtGetAttempt,
		s.stmtRecordTool,
		s.stmtAppendOplog,
		s.stmtGetOplog,
		s.stmtUpsertUsage,
		s.stmtGetUsage,
	}
	for _, stmt := range stmts {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}

	return nil
}

// CreateChat creates a new chat.
func (s *PostgresStore) CreateChat(ctx context.Context, chat *models.Chat) error {
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
		VALUES ($1, $2, $3, $4, $5)
	`, chat.ID, chat.Title, metadata, chat.CreatedAt, chat.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create chat: %w", err)
	}

	return nil
}

// GetChat retrieves a chat by ID.
func (s *PostgresStore) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	chat := &models.Chat{}
	var metadataJSON []byte

	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, metadata, created_at, updated_at
		FROM chats WHERE id = $1
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
func (s *PostgresStore) ListChats(ctx context.Context, opts ListOptions) ([]*models.Chat, error) {
	query := `
		SELECT id, title, metadata, created_at, updated_at
		FROM chats
		ORDER BY updated_at DESC
	`
	args := []interface{}{}
	argPos := 1

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, opts.Limit)
		argPos++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, opts.Offset)
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
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
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

	_, err = tx.StmtContext(ctx, s.stmtAppendMessage).ExecContext(ctx,
		msg.ID,
		msg.ChatID,
		msg.Role,
		msg.Content,
		nullString(msg.CtxID),
		metadata,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE chats SET updated_at = $1 WHERE id = $2`, time.Now().UTC(), msg.ChatID)
	if err != nil {
		return fmt.Errorf("failed to update chat timestamp: %w", err)
	}

	return tx.Commit()
}

// GetHistory retrieves the most recent messages for a chat in
// chronological order.
func (s *PostgresStore) GetHistory(ctx context.Context, chatID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.stmtGetHistory.QueryContext(ctx, chatID, limit)
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
func (s *PostgresStore) AddMessageVersion(ctx context.Context, version *models.MessageVersion) error {
	if version.MessageID == "" {
		return fmt.Errorf("message ID is required")
	}
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO message_versions (message_id, version, content, created_at)
		VALUES ($1,
			COALESCE(NULLIF($2, 0), (SELECT COALESCE(MAX(version), 0) + 1 FROM message_versions WHERE message_id = $1)),
			$3, $4)
		RETURNING version
	`, version.MessageID, version.Version, version.Content, version.CreatedAt).Scan(&version.Version)
	if err != nil {
		return fmt.Errorf("failed to add message version: %w", err)
	}

	return nil
}

// ListMessageVersions retrieves all versions of a message, oldest first.
func (s *PostgresStore) ListMessageVersions(ctx context.Context, messageID string) ([]*models.MessageVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, version, content, created_at
		FROM message_versions WHERE message_id = $1
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
func (s *PostgresStore) AddFile(ctx context.Context, file *models.File) error {
	if file.ID == "" {
		file.ID = uuid.NewString()
	}
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, name, mime_type, size, sha256, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, file.ID, file.Name, file.MimeType, file.Size, file.SHA256, file.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add file: %w", err)
	}

	return nil
}

// AttachFile links a file to a message. Attaching the same file twice
// is a no-op.
func (s *PostgresStore) AttachFile(ctx context.Context, messageID, fileID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_files (message_id, file_id)
		VALUES ($1, $2)
		ON CONFLICT (message_id, file_id) DO NOTHING
	`, messageID, fileID)
	if err != nil {
		return fmt.Errorf("failed to attach file: %w", err)
	}

	return nil
}

// ListMessageFiles retrieves the files attached to a message.
func (s *PostgresStore) ListMessageFiles(ctx context.Context, messageID string) ([]*models.File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.name, f.mime_type, f.size, f.sha256, f.created_at
		FROM message_files mf
		JOIN files f ON f.id = mf.file_id
		WHERE mf.message_id = $1
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
func (s *PostgresStore) InsertPlan(ctx context.Context, rec *models.PlanRecord) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.ChatID, nullString(rec.BaseCtxID), []byte(rec.IR), rec.Fingerprint, rec.Status, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}

	return nil
}

// GetPlan retrieves a plan by ID.
func (s *PostgresStore) GetPlan(ctx context.Context, id string) (*models.PlanRecord, error) {
	rec := &models.PlanRecord{}
	var baseCtxID sql.NullString
	var ir []byte

	err := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, base_ctx_id, ir, fingerprint, status, created_at, updated_at
		FROM plans WHERE id = $1
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
func (s *PostgresStore) UpdatePlanStatus(ctx context.Context, id string, status models.PlanStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE plans SET status = $1, updated_at = $2 WHERE id = $3
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
func (s *PostgresStore) ListPlans(ctx context.Context, chatID string, limit int) ([]*models.PlanRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, base_ctx_id, ir, fingerprint, status, created_at, updated_at
		FROM plans WHERE chat_id = $1
		ORDER BY created_at DESC
		LIMIT $2
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
func (s *PostgresStore) InsertTaskAttempt(ctx context.Context, att *models.TaskAttempt) error {
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

	err := s.stmtInsertAttempt.QueryRowContext(ctx,
		att.PlanID,
		att.TaskID,
		att.Attempt,
		nullBytes(att.Definition),
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
func (s *PostgresStore) UpdateTaskAttempt(ctx context.Context, att *models.TaskAttempt) error {
	att.UpdatedAt = time.Now().UTC()

	result, err := s.stmtUpdateAttempt.ExecContext(ctx,
		att.PlanID,
		att.TaskID,
		att.Attempt,
		att.State,
		nullString(att.NewCtxID),
		nullString(att.Provider),
		nullString(att.Model),
		att.Tokens,
		att.Cost,
		nullString(att.Error),
		nullTime(att.FinishedAt),
		att.UpdatedAt,
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
func (s *PostgresStore) GetTaskAttempt(ctx context.Context, planID, taskID string, attempt int) (*models.TaskAttempt, error) {
	att := &models.TaskAttempt{}
	var definition []byte
	var baseCtxID, newCtxID, provider, model, errText sql.NullString
	var finishedAt sql.NullTime

	err := s.stmtGetAttempt.QueryRowContext(ctx, planID, taskID, attempt).Scan(
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
func (s *PostgresStore) ListTaskAttempts(ctx context.Context, planID string) ([]*models.TaskAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plan_id, task_id, attempt, definition, base_ctx_id, state, new_ctx_id,
			provider, model, tokens, cost, error, started_at, finished_at, updated_at
		FROM tasks WHERE plan_id = $1
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
func (s *PostgresStore) RecordToolCall(ctx context.Context, call *models.ToolCallRecord) error {
	if call.PlanID == "" || call.TaskID == "" || call.Tool == "" {
		return fmt.Errorf("plan ID, task ID, and tool are required")
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}

	_, err := s.stmtRecordTool.ExecContext(ctx,
		call.PlanID,
		call.TaskID,
		call.Attempt,
		call.Tool,
		nullString(call.Provider),
		nullString(call.Model),
		call.InputHash,
		nullString(call.OutputHash),
		nullBytes(call.Ops),
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
func (s *PostgresStore) ListToolCalls(ctx context.Context, planID string) ([]*models.ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plan_id, task_id, attempt, tool, provider, model,
			input_hash, output_hash, ops, latency_ms, tokens, cost, created_at
		FROM tool_calls WHERE plan_id = $1
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
func (s *PostgresStore) AppendOplog(ctx context.Context, entry *models.OplogEntry) error {
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
	meta, err := marshalNullableMeta(entry.Meta)
	if err != nil {
		return fmt.Errorf("failed to marshal meta: %w", err)
	}

	_, err = s.stmtAppendOplog.ExecContext(ctx,
		entry.CtxID,
		nullString(entry.BaseCtxID),
		entry.ChatID,
		ops,
		meta,
		entry.TS,
	)
	if err != nil {
		return fmt.Errorf("failed to append oplog: %w", err)
	}

	return nil
}

// GetOplog retrieves the commit that produced ctx_id.
func (s *PostgresStore) GetOplog(ctx context.Context, ctxID string) (*models.OplogEntry, error) {
	entry := &models.OplogEntry{}
	var baseCtxID sql.NullString
	var ops, meta []byte

	err := s.stmtGetOplog.QueryRowContext(ctx, ctxID).Scan(
		&entry.CtxID,
		&baseCtxID,
		&entry.ChatID,
		&ops,
		&meta,
		&entry.TS,
	)
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
func (s *PostgresStore) ListOplogByChat(ctx context.Context, chatID string, limit int) ([]*models.OplogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ctx_id, base_ctx_id, chat_id, ops, meta, ts
		FROM oplog WHERE chat_id = $1
		ORDER BY ts DESC
		LIMIT $2
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
func (s *PostgresStore) UpsertRateLimitUsage(ctx context.Context, row *models.RateLimitUsage) error {
	if row.ScopeKey == "" || row.Window == "" {
		return fmt.Errorf("scope key and window are required")
	}
	row.UpdatedAt = time.Now().UTC()

	_, err := s.stmtUpsertUsage.ExecContext(ctx,
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
func (s *PostgresStore) GetRateLimitUsage(ctx context.Context, scopeKey string, window models.UsageWindow) (*models.RateLimitUsage, error) {
	row := &models.RateLimitUsage{}
	var oldestRequest, oldestToken sql.NullTime

	err := s.stmtGetUsage.QueryRowContext(ctx, scopeKey, window).Scan(
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
func (s *PostgresStore) FailStaleTaskAttempts(ctx context.Context, olderThan time.Time) (int64, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = $1, error = $2, finished_at = $3, updated_at = $3
		WHERE state = $4 AND updated_at < $5
	`,
		models.TaskFailed,
		"attempt abandoned: no progress recorded",
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
func (s *PostgresStore) PruneRateLimitUsage(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_usage WHERE updated_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune rate limit usage: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

func marshalMeta(meta map[string]any) ([]byte, error) {
	if meta == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(meta)
}

func marshalNullableMeta(meta map[string]any) (interface{}, error) {
	if meta == nil {
		return nil, nil
	}
	return json.Marshal(meta)
}

func unmarshalMeta(data []byte, dst *map[string]any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
