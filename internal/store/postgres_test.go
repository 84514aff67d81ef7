package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/loom/pkg/models"
)

// setupMockDB creates a new mock database for testing.
func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}

	store := &PostgresStore{db: db}
	return db, mock, store
}

func TestPostgresStore_CreateChat(t *testing.T) {
	tests := []struct {
		name        string
		chat        *models.Chat
		setupMock   func(sqlmock.Sqlmock)
		wantErr     bool
		errContains string
	}{
		{
			name: "successful create",
			chat: &models.Chat{
				ID:        "chat-1",
				Title:     "Test Chat",
				Metadata:  map[string]any{"source": "api"},
				CreatedAt: time.Now(),
				UpdatedAt: time.Now(),
			},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO chats").
					WithArgs(
						"chat-1",
						"Test Chat",
						sqlmock.AnyArg(), // metadata JSON
						sqlmock.AnyArg(), // created_at
						sqlmock.AnyArg(), // updated_at
					).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
			wantErr: false,
		},
		{
			name: "generates ID and timestamps when missing",
			chat: &models.Chat{Title: "Untitled"},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO chats").
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
			wantErr: false,
		},
		{
			name: "database error",
			chat: &models.Chat{ID: "chat-1", CreatedAt: time.Now(), UpdatedAt: time.Now()},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO chats").
					WillReturnError(errors.New("connection refused"))
			},
			wantErr:     true,
			errContains: "failed to create chat",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockDB(t)
			defer db.Close()

			tt.setupMock(mock)

			err := store.CreateChat(context.Background(), tt.chat)

			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				if tt.errContains != "" && err != nil && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("expected error containing %q, got %q", tt.errContains, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.chat.ID == "" {
				t.Error("expected generated chat ID")
			}
			if tt.chat.CreatedAt.IsZero() || tt.chat.UpdatedAt.IsZero() {
				t.Error("expected timestamps to be populated")
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestPostgresStore_GetChat(t *testing.T) {
	now := time.Now()
	metadataJSON, _ := json.Marshal(map[string]any{"source": "api"})

	tests := []struct {
		name        string
		id          string
		setupMock   func(sqlmock.Sqlmock)
		wantTitle   string
		wantErr     bool
		notFound    bool
		errContains string
	}{
		{
			name: "successful get",
			id:   "chat-1",
			setupMock: func(mock sqlmock.Sqlmock) {
				rows := sqlmock.NewRows([]string{"id", "title", "metadata", "created_at", "updated_at"}).
					AddRow("chat-1", "Test Chat", metadataJSON, now, now)
				mock.ExpectQuery("SELECT .* FROM chats WHERE id").
					WithArgs("chat-1").
					WillReturnRows(rows)
			},
			wantTitle: "Test Chat",
		},
		{
			name: "chat not found",
			id:   "missing",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT .* FROM chats WHERE id").
					WithArgs("missing").
					WillReturnError(sql.ErrNoRows)
			},
			wantErr:  true,
			notFound: true,
		},
		{
			name: "database error",
			id:   "chat-1",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT .* FROM chats WHERE id").
					WithArgs("chat-1").
					WillReturnError(errors.New("database error"))
			},
			wantErr:     true,
			errContains: "failed to get chat",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockDB(t)
			defer db.Close()

			tt.setupMock(mock)

			got, err := store.GetChat(context.Background(), tt.id)

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.notFound && !IsNotFound(err) {
					t.Errorf("expected not-found error, got %v", err)
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("expected error containing %q, got %q", tt.errContains, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Title != tt.wantTitle {
				t.Errorf("expected title %q, got %q", tt.wantTitle, got.Title)
			}
			if got.Metadata["source"] != "api" {
				t.Errorf("expected metadata to round-trip, got %v", got.Metadata)
			}
		})
	}
}

func TestPostgresStore_AppendMessage(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectPrepare("INSERT INTO messages")
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(
			"msg-1",
			"chat-1",
			models.RoleUser,
			"hello",
			sqlmock.AnyArg(), // ctx_id
			sqlmock.AnyArg(), // metadata
			sqlmock.AnyArg(), // created_at
		).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE chats SET updated_at").
		WithArgs(sqlmock.AnyArg(), "chat-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stmt, err := db.Prepare(`INSERT INTO messages (id, chat_id, role, content, ctx_id, metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		t.Fatalf("failed to prepare statement: %v", err)
	}
	store.stmtAppendMessage = stmt

	msg := &models.Message{
		ID:      "msg-1",
		ChatID:  "chat-1",
		Role:    models.RoleUser,
		Content: "hello",
	}
	if err := store.AppendMessage(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.CreatedAt.IsZero() {
		t.Error("expected created_at to be populated")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_AppendMessageRollsBackOnError(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectPrepare("INSERT INTO messages")
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	stmt, err := db.Prepare(`INSERT INTO messages (id, chat_id, role, content, ctx_id, metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		t.Fatalf("failed to prepare statement: %v", err)
	}
	store.stmtAppendMessage = stmt

	msg := &models.Message{ID: "msg-1", ChatID: "chat-1", Role: models.RoleUser, Content: "hello"}
	err = store.AppendMessage(context.Background(), msg)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "failed to append message") {
		t.Errorf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_GetHistoryChronological(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	now := time.Now()

	mock.ExpectPrepare("SELECT .* FROM messages WHERE chat_id")
	// Query returns newest first; the store reverses to chronological.
	rows := sqlmock.NewRows([]string{"id", "chat_id", "role", "content", "ctx_id", "metadata", "created_at"}).
		AddRow("msg-3", "chat-1", "assistant", "third", "ctx-3", nil, now).
		AddRow("msg-2", "chat-1", "user", "second", nil, nil, now.Add(-time.Minute)).
		AddRow("msg-1", "chat-1", "user", "first", nil, nil, now.Add(-2*time.Minute))
	mock.ExpectQuery("SELECT .* FROM messages WHERE chat_id").
		WithArgs("chat-1", 10).
		WillReturnRows(rows)

	stmt, err := db.Prepare(`SELECT id, chat_id, role, content, ctx_id, metadata, created_at FROM messages WHERE chat_id = $1 ORDER BY created_at DESC LIMIT $2`)
	if err != nil {
		t.Fatalf("failed to prepare statement: %v", err)
	}
	store.stmtGetHistory = stmt

	messages, err := store.GetHistory(context.Background(), "chat-1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	if messages[0].ID != "msg-1" || messages[2].ID != "msg-3" {
		t.Errorf("expected chronological order, got %s..%s", messages[0].ID, messages[2].ID)
	}
	if messages[2].CtxID != "ctx-3" {
		t.Errorf("expected ctx_id to round-trip, got %q", messages[2].CtxID)
	}
	if messages[0].CtxID != "" {
		t.Errorf("expected NULL ctx_id to scan empty, got %q", messages[0].CtxID)
	}
}

func TestPostgresStore_InsertTaskAttempt(t *testing.T) {
	prepare := func(t *testing.T, db *sql.DB, store *PostgresStore) {
		t.Helper()
		stmt, err := db.Prepare(`INSERT INTO tasks`)
		if err != nil {
			t.Fatalf("failed to prepare statement: %v", err)
		}
		store.stmtInsertAttempt = stmt
	}

	t.Run("assigns next attempt when zero", func(t *testing.T) {
		db, mock, store := setupMockDB(t)
		defer db.Close()

		mock.ExpectPrepare("INSERT INTO tasks")
		mock.ExpectQuery("INSERT INTO tasks").
			WillReturnRows(sqlmock.NewRows([]string{"attempt"}).AddRow(2))
		prepare(t, db, store)

		att := &models.TaskAttempt{
			PlanID: "plan-1",
			TaskID: "t1",
			State:  models.TaskPending,
		}
		if err := store.InsertTaskAttempt(context.Background(), att); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if att.Attempt != 2 {
			t.Errorf("expected assigned attempt 2, got %d", att.Attempt)
		}
		if att.StartedAt.IsZero() || att.UpdatedAt.IsZero() {
			t.Error("expected timestamps to be populated")
		}
	})

	t.Run("keeps explicit attempt", func(t *testing.T) {
		db, mock, store := setupMockDB(t)
		defer db.Close()

		mock.ExpectPrepare("INSERT INTO tasks")
		mock.ExpectQuery("INSERT INTO tasks").
			WillReturnRows(sqlmock.NewRows([]string{"attempt"}).AddRow(5))
		prepare(t, db, store)

		att := &models.TaskAttempt{
			PlanID:  "plan-1",
			TaskID:  "t1",
			Attempt: 5,
			State:   models.TaskRunning,
		}
		if err := store.InsertTaskAttempt(context.Background(), att); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if att.Attempt != 5 {
			t.Errorf("expected attempt 5, got %d", att.Attempt)
		}
	})

	t.Run("requires plan and task IDs", func(t *testing.T) {
		db, mock, store := setupMockDB(t)
		defer db.Close()

		mock.ExpectPrepare("INSERT INTO tasks")
		prepare(t, db, store)

		err := store.InsertTaskAttempt(context.Background(), &models.TaskAttempt{TaskID: "t1"})
		if err == nil || !strings.Contains(err.Error(), "required") {
			t.Errorf("expected validation error, got %v", err)
		}
	})
}

func TestPostgresStore_UpdateTaskAttempt(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		wantErr   bool
		notFound  bool
	}{
		{
			name: "successful update",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectPrepare("UPDATE tasks SET")
				mock.ExpectExec("UPDATE tasks SET").
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "missing row returns not found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectPrepare("UPDATE tasks SET")
				mock.ExpectExec("UPDATE tasks SET").
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantErr:  true,
			notFound: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockDB(t)
			defer db.Close()

			tt.setupMock(mock)

			stmt, err := db.Prepare(`UPDATE tasks SET state = $4 WHERE plan_id = $1`)
			if err != nil {
				t.Fatalf("failed to prepare statement: %v", err)
			}
			store.stmtUpdateAttempt = stmt

			att := &models.TaskAttempt{
				PlanID:     "plan-1",
				TaskID:     "t1",
				Attempt:    1,
				State:      models.TaskDone,
				NewCtxID:   "ctx-9",
				Tokens:     1200,
				Cost:       0.03,
				FinishedAt: time.Now(),
			}
			err = store.UpdateTaskAttempt(context.Background(), att)

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.notFound && !IsNotFound(err) {
					t.Errorf("expected not-found error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestPostgresStore_GetTaskAttempt(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	now := time.Now()
	definition, _ := json.Marshal(map[string]any{"id": "t1", "tool": "llm"})

	mock.ExpectPrepare("SELECT .* FROM tasks")
	rows := sqlmock.NewRows([]string{
		"plan_id", "task_id", "attempt", "definition", "base_ctx_id", "state", "new_ctx_id",
		"provider", "model", "tokens", "cost", "error", "started_at", "finished_at", "updated_at",
	}).AddRow(
		"plan-1", "t1", 1, definition, "ctx-base", "DONE", "ctx-new",
		"anthropic", "claude-sonnet-4-20250514", 900, 0.12, nil, now, now, now,
	)
	mock.ExpectQuery("SELECT .* FROM tasks").
		WithArgs("plan-1", "t1", 1).
		WillReturnRows(rows)

	stmt, err := db.Prepare(`SELECT plan_id FROM tasks WHERE plan_id = $1 AND task_id = $2 AND attempt = $3`)
	if err != nil {
		t.Fatalf("failed to prepare statement: %v", err)
	}
	store.stmtGetAttempt = stmt

	att, err := store.GetTaskAttempt(context.Background(), "plan-1", "t1", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if att.State != models.TaskDone {
		t.Errorf("expected state DONE, got %s", att.State)
	}
	if att.NewCtxID != "ctx-new" || att.BaseCtxID != "ctx-base" {
		t.Errorf("unexpected ctx ids: %q %q", att.BaseCtxID, att.NewCtxID)
	}
	if att.Provider != "anthropic" || att.Tokens != 900 {
		t.Errorf("unexpected provider/tokens: %s %d", att.Provider, att.Tokens)
	}
	if att.Error != "" {
		t.Errorf("expected NULL error to scan empty, got %q", att.Error)
	}
	if len(att.Definition) == 0 {
		t.Error("expected definition to round-trip")
	}
}

func TestPostgresStore_AppendOplog(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectPrepare("INSERT INTO oplog")
	mock.ExpectExec("INSERT INTO oplog").
		WithArgs(
			"ctx-2",
			sqlmock.AnyArg(), // base_ctx_id
			"chat-1",
			sqlmock.AnyArg(), // ops JSON
			sqlmock.AnyArg(), // meta
			sqlmock.AnyArg(), // ts
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	stmt, err := db.Prepare(`INSERT INTO oplog (ctx_id, base_ctx_id, chat_id, ops, meta, ts) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (ctx_id) DO NOTHING`)
	if err != nil {
		t.Fatalf("failed to prepare statement: %v", err)
	}
	store.stmtAppendOplog = stmt

	entry := &models.OplogEntry{
		CtxID:     "ctx-2",
		BaseCtxID: "ctx-1",
		ChatID:    "chat-1",
		Ops: []models.ContextOp{
			{Kind: models.ContextOpSet, Key: "task.t1.output", Content: "result"},
		},
	}
	if err := store.AppendOplog(context.Background(), entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.TS.IsZero() {
		t.Error("expected ts to be populated")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_GetOplog(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	now := time.Now()
	ops, _ := json.Marshal([]models.ContextOp{
		{Kind: models.ContextOpSet, Key: "task.t1.output", Content: "result"},
		{Kind: models.ContextOpDelete, Key: "scratch"},
	})

	mock.ExpectPrepare("SELECT .* FROM oplog")
	rows := sqlmock.NewRows([]string{"ctx_id", "base_ctx_id", "chat_id", "ops", "meta", "ts"}).
		AddRow("ctx-2", "ctx-1", "chat-1", ops, nil, now)
	mock.ExpectQuery("SELECT .* FROM oplog").
		WithArgs("ctx-2").
		WillReturnRows(rows)

	stmt, err := db.Prepare(`SELECT ctx_id FROM oplog WHERE ctx_id = $1`)
	if err != nil {
		t.Fatalf("failed to prepare statement: %v", err)
	}
	store.stmtGetOplog = stmt

	entry, err := store.GetOplog(context.Background(), "ctx-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.BaseCtxID != "ctx-1" {
		t.Errorf("expected base ctx-1, got %q", entry.BaseCtxID)
	}
	if len(entry.Ops) != 2 || entry.Ops[0].Key != "task.t1.output" {
		t.Errorf("expected ops to round-trip, got %+v", entry.Ops)
	}
}

func TestPostgresStore_UpsertRateLimitUsage(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectPrepare("INSERT INTO rate_limit_usage")
	mock.ExpectExec("INSERT INTO rate_limit_usage").
		WithArgs(
			"anthropic:claude-sonnet-4-20250514",
			models.WindowMinute,
			int64(12),
			int64(48000),
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	stmt, err := db.Prepare(`INSERT INTO rate_limit_usage`)
	if err != nil {
		t.Fatalf("failed to prepare statement: %v", err)
	}
	store.stmtUpsertUsage = stmt

	row := &models.RateLimitUsage{
		ScopeKey:        "anthropic:claude-sonnet-4-20250514",
		Window:          models.WindowMinute,
		RequestCount:    12,
		TokenCount:      48000,
		OldestRequestTS: time.Now().Add(-30 * time.Second),
		OldestTokenTS:   time.Now().Add(-30 * time.Second),
	}
	if err := store.UpsertRateLimitUsage(context.Background(), row); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_GetRateLimitUsageNotFound(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectPrepare("SELECT .* FROM rate_limit_usage")
	mock.ExpectQuery("SELECT .* FROM rate_limit_usage").
		WithArgs("openai", models.WindowDay).
		WillReturnError(sql.ErrNoRows)

	stmt, err := db.Prepare(`SELECT scope_key FROM rate_limit_usage WHERE scope_key = $1`)
	if err != nil {
		t.Fatalf("failed to prepare statement: %v", err)
	}
	store.stmtGetUsage = stmt

	_, err = store.GetRateLimitUsage(context.Background(), "openai", models.WindowDay)
	if !IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestPostgresStore_PruneRateLimitUsage(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec("DELETE FROM rate_limit_usage").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	pruned, err := store.PruneRateLimitUsage(context.Background(), time.Now().Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pruned != 3 {
		t.Errorf("expected 3 pruned rows, got %d", pruned)
	}
}

func TestPostgresStore_UpdatePlanStatus(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec("UPDATE plans SET status").
		WithArgs(models.PlanDone, sqlmock.AnyArg(), "plan-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.UpdatePlanStatus(context.Background(), "plan-1", models.PlanDone); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mock.ExpectExec("UPDATE plans SET status").
		WithArgs(models.PlanFailed, sqlmock.AnyArg(), "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdatePlanStatus(context.Background(), "missing", models.PlanFailed)
	if !IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestPostgresStore_RecordToolCall(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectPrepare("INSERT INTO tool_calls")
	mock.ExpectExec("INSERT INTO tool_calls").
		WithArgs(
			"plan-1", "t1", 1, "web_search",
			sqlmock.AnyArg(), sqlmock.AnyArg(), // provider, model
			"hash-in", sqlmock.AnyArg(), // input_hash, output_hash
			sqlmock.AnyArg(), // ops
			int64(420), int64(0), float64(0),
			sqlmock.AnyArg(), // created_at
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	stmt, err := db.Prepare(`INSERT INTO tool_calls`)
	if err != nil {
		t.Fatalf("failed to prepare statement: %v", err)
	}
	store.stmtRecordTool = stmt

	call := &models.ToolCallRecord{
		PlanID:    "plan-1",
		TaskID:    "t1",
		Attempt:   1,
		Tool:      "web_search",
		InputHash: "hash-in",
		LatencyMS: 420,
	}
	if err := store.RecordToolCall(context.Background(), call); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
