// Package store provides relational persistence for chats, plans, task
// attempts, tool calls, the context oplog, and rate-limit usage.
//
// Three backings implement the same Store interface: Postgres (lib/pq),
// SQLite (modernc.org/sqlite, CGO-free), and an in-memory store for
// tests and ephemeral runs. Writes the executor treats as commit points
// are durable before the caller's state machine advances.
package store

import (
	"context"
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

// Store is the persistence interface used by the execution core.
type Store interface {
	// Chats
	CreateChat(ctx context.Context, chat *models.Chat) error
	GetChat(ctx context.Context, id string) (*models.Chat, error)
	ListChats(ctx context.Context, opts ListOptions) ([]*models.Chat, error)

	// Messages
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetHistory(ctx context.Context, chatID string, limit int) ([]*models.Message, error)
	AddMessageVersion(ctx context.Context, version *models.MessageVersion) error
	ListMessageVersions(ctx context.Context, messageID string) ([]*models.MessageVersion, error)
	AddFile(ctx context.Context, file *models.File) error
	AttachFile(ctx context.Context, messageID, fileID string) error
	ListMessageFiles(ctx context.Context, messageID string) ([]*models.File, error)

	// Plans
	InsertPlan(ctx context.Context, rec *models.PlanRecord) error
	GetPlan(ctx context.Context, id string) (*models.PlanRecord, error)
	UpdatePlanStatus(ctx context.Context, id string, status models.PlanStatus) error
	ListPlans(ctx context.Context, chatID string, limit int) ([]*models.PlanRecord, error)

	// Task attempts. InsertTaskAttempt assigns the next attempt number
	// for (plan_id, task_id) when att.Attempt is zero and reflects it
	// back on the struct.
	InsertTaskAttempt(ctx context.Context, att *models.TaskAttempt) error
	UpdateTaskAttempt(ctx context.Context, att *models.TaskAttempt) error
	GetTaskAttempt(ctx context.Context, planID, taskID string, attempt int) (*models.TaskAttempt, error)
	ListTaskAttempts(ctx context.Context, planID string) ([]*models.TaskAttempt, error)
	// FailStaleTaskAttempts marks RUNNING attempts not touched since
	// olderThan as FAILED. Recovers rows orphaned by a crash.
	FailStaleTaskAttempts(ctx context.Context, olderThan time.Time) (int64, error)

	// Tool calls
	RecordToolCall(ctx context.Context, call *models.ToolCallRecord) error
	ListToolCalls(ctx context.Context, planID string) ([]*models.ToolCallRecord, error)

	// Context oplog
	AppendOplog(ctx context.Context, entry *models.OplogEntry) error
	GetOplog(ctx context.Context, ctxID string) (*models.OplogEntry, error)
	ListOplogByChat(ctx context.Context, chatID string, limit int) ([]*models.OplogEntry, error)

	// Rate-limit usage
	UpsertRateLimitUsage(ctx context.Context, row *models.RateLimitUsage) error
	GetRateLimitUsage(ctx context.Context, scopeKey string, window models.UsageWindow) (*models.RateLimitUsage, error)
	PruneRateLimitUsage(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// ListOptions configures chat listing.
type ListOptions struct {
	Limit  int
	Offset int
}
