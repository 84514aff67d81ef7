package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for tests and
// ephemeral runs. All reads and writes copy, so callers never share
// state with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	chats       map[string]*models.Chat
	messages    map[string][]*models.Message
	versions    map[string][]*models.MessageVersion
	files       map[string]*models.File
	msgFiles    map[string][]string
	plans       map[string]*models.PlanRecord
	plansByChat map[string][]string
	attempts    map[string][]*models.TaskAttempt
	toolCalls   map[string][]*models.ToolCallRecord
	oplog       map[string]*models.OplogEntry
	oplogByChat map[string][]string
	usage       map[string]*models.RateLimitUsage
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:       map[string]*models.Chat{},
		messages:    map[string][]*models.Message{},
		versions:    map[string][]*models.MessageVersion{},
		files:       map[string]*models.File{},
		msgFiles:    map[string][]string{},
		plans:       map[string]*models.PlanRecord{},
		plansByChat: map[string][]string{},
		attempts:    map[string][]*models.TaskAttempt{},
		toolCalls:   map[string][]*models.ToolCallRecord{},
		oplog:       map[string]*models.OplogEntry{},
		oplogByChat: map[string][]string{},
		usage:       map[string]*models.RateLimitUsage{},
	}
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) CreateChat(ctx context.Context, chat *models.Chat) error {
	if chat == nil {
		return fmt.Errorf("chat is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneChat(chat)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = clone.CreatedAt
	}
	if _, ok := m.chats[clone.ID]; ok {
		return fmt.Errorf("chat %s: %w", clone.ID, ErrAlreadyExists)
	}
	// Reflect generated fields back to caller.
	chat.ID = clone.ID
	chat.CreatedAt = clone.CreatedAt
	chat.UpdatedAt = clone.UpdatedAt
	m.chats[clone.ID] = clone
	return nil
}

func (m *MemoryStore) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chat, ok := m.chats[id]
	if !ok {
		return nil, notFound("chat", id)
	}
	return cloneChat(chat), nil
}

func (m *MemoryStore) ListChats(ctx context.Context, opts ListOptions) ([]*models.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Chat, 0, len(m.chats))
	for _, chat := range m.chats {
		out = append(out, cloneChat(chat))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start > len(out) {
		return []*models.Chat{}, nil
	}
	end := len(out)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return out[start:end], nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("chat ID is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	chat, ok := m.chats[msg.ChatID]
	if !ok {
		return notFound("chat", msg.ChatID)
	}
	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	msg.ID = clone.ID
	msg.CreatedAt = clone.CreatedAt
	m.messages[msg.ChatID] = append(m.messages[msg.ChatID], clone)
	chat.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, chatID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := m.messages[chatID]
	start := 0
	if len(messages) > limit {
		start = len(messages) - limit
	}
	out := make([]*models.Message, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func (m *MemoryStore) AddMessageVersion(ctx context.Context, version *models.MessageVersion) error {
	if version == nil {
		return fmt.Errorf("version is required")
	}
	if version.MessageID == "" {
		return fmt.Errorf("message ID is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *version
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	if clone.Version == 0 {
		next := 0
		for _, v := range m.versions[clone.MessageID] {
			if v.Version > next {
				next = v.Version
			}
		}
		clone.Version = next + 1
	}
	for _, v := range m.versions[clone.MessageID] {
		if v.Version == clone.Version {
			return fmt.Errorf("message version %s/%d: %w", clone.MessageID, clone.Version, ErrAlreadyExists)
		}
	}
	version.Version = clone.Version
	version.CreatedAt = clone.CreatedAt
	m.versions[clone.MessageID] = append(m.versions[clone.MessageID], &clone)
	return nil
}

func (m *MemoryStore) ListMessageVersions(ctx context.Context, messageID string) ([]*models.MessageVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.MessageVersion, 0, len(m.versions[messageID]))
	for _, v := range m.versions[messageID] {
		clone := *v
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *MemoryStore) AddFile(ctx context.Context, file *models.File) error {
	if file == nil {
		return fmt.Errorf("file is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *file
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	if _, ok := m.files[clone.ID]; ok {
		return fmt.Errorf("file %s: %w", clone.ID, ErrAlreadyExists)
	}
	file.ID = clone.ID
	file.CreatedAt = clone.CreatedAt
	m.files[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) AttachFile(ctx context.Context, messageID, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.files[fileID]; !ok {
		return notFound("file", fileID)
	}
	for _, existing := range m.msgFiles[messageID] {
		if existing == fileID {
			return nil
		}
	}
	m.msgFiles[messageID] = append(m.msgFiles[messageID], fileID)
	return nil
}

func (m *MemoryStore) ListMessageFiles(ctx context.Context, messageID string) ([]*models.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.File, 0, len(m.msgFiles[messageID]))
	for _, fileID := range m.msgFiles[messageID] {
		if file, ok := m.files[fileID]; ok {
			clone := *file
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertPlan(ctx context.Context, rec *models.PlanRecord) error {
	if rec == nil {
		return fmt.Errorf("plan is required")
	}
	if rec.ID == "" {
		return fmt.Errorf("plan ID is required")
	}
	if len(rec.IR) == 0 {
		return fmt.Errorf("plan IR is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.plans[rec.ID]; ok {
		return fmt.Errorf("plan %s: %w", rec.ID, ErrAlreadyExists)
	}
	clone := clonePlan(rec)
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = clone.CreatedAt
	}
	rec.CreatedAt = clone.CreatedAt
	rec.UpdatedAt = clone.UpdatedAt
	m.plans[clone.ID] = clone
	m.plansByChat[clone.ChatID] = append(m.plansByChat[clone.ChatID], clone.ID)
	return nil
}

func (m *MemoryStore) GetPlan(ctx context.Context, id string) (*models.PlanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.plans[id]
	if !ok {
		return nil, notFound("plan", id)
	}
	return clonePlan(rec), nil
}

func (m *MemoryStore) UpdatePlanStatus(ctx context.Context, id string, status models.PlanStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.plans[id]
	if !ok {
		return notFound("plan", id)
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListPlans(ctx context.Context, chatID string, limit int) ([]*models.PlanRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.plansByChat[chatID]
	out := make([]*models.PlanRecord, 0, len(ids))
	// Newest first
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		if rec, ok := m.plans[ids[i]]; ok {
			out = append(out, clonePlan(rec))
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertTaskAttempt(ctx context.Context, att *models.TaskAttempt) error {
	if att == nil {
		return fmt.Errorf("attempt is required")
	}
	if att.PlanID == "" || att.TaskID == "" {
		return fmt.Errorf("plan ID and task ID are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneAttempt(att)
	now := time.Now().UTC()
	if clone.StartedAt.IsZero() {
		clone.StartedAt = now
	}
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = now
	}
	if clone.Attempt == 0 {
		max := 0
		for _, existing := range m.attempts[clone.PlanID] {
			if existing.TaskID == clone.TaskID && existing.Attempt > max {
				max = existing.Attempt
			}
		}
		clone.Attempt = max + 1
	} else {
		for _, existing := range m.attempts[clone.PlanID] {
			if existing.TaskID == clone.TaskID && existing.Attempt == clone.Attempt {
				return fmt.Errorf("task attempt %s/%s/%d: %w", clone.PlanID, clone.TaskID, clone.Attempt, ErrAlreadyExists)
			}
		}
	}
	att.Attempt = clone.Attempt
	att.StartedAt = clone.StartedAt
	att.UpdatedAt = clone.UpdatedAt
	m.attempts[clone.PlanID] = append(m.attempts[clone.PlanID], clone)
	return nil
}

func (m *MemoryStore) UpdateTaskAttempt(ctx context.Context, att *models.TaskAttempt) error {
	if att == nil {
		return fmt.Errorf("attempt is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.attempts[att.PlanID] {
		if existing.TaskID != att.TaskID || existing.Attempt != att.Attempt {
			continue
		}
		att.UpdatedAt = time.Now().UTC()
		clone := cloneAttempt(att)
		clone.StartedAt = existing.StartedAt
		m.attempts[att.PlanID][i] = clone
		return nil
	}
	return notFound("task attempt", fmt.Sprintf("%s/%s/%d", att.PlanID, att.TaskID, att.Attempt))
}

func (m *MemoryStore) GetTaskAttempt(ctx context.Context, planID, taskID string, attempt int) (*models.TaskAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, existing := range m.attempts[planID] {
		if existing.TaskID == taskID && existing.Attempt == attempt {
			return cloneAttempt(existing), nil
		}
	}
	return nil, notFound("task attempt", fmt.Sprintf("%s/%s/%d", planID, taskID, attempt))
}

func (m *MemoryStore) ListTaskAttempts(ctx context.Context, planID string) ([]*models.TaskAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.TaskAttempt, 0, len(m.attempts[planID]))
	for _, att := range m.attempts[planID] {
		out = append(out, cloneAttempt(att))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}

func (m *MemoryStore) RecordToolCall(ctx context.Context, call *models.ToolCallRecord) error {
	if call == nil {
		return fmt.Errorf("tool call is required")
	}
	if call.PlanID == "" || call.TaskID == "" || call.Tool == "" {
		return fmt.Errorf("plan ID, task ID, and tool are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneToolCall(call)
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	call.CreatedAt = clone.CreatedAt
	m.toolCalls[clone.PlanID] = append(m.toolCalls[clone.PlanID], clone)
	return nil
}

func (m *MemoryStore) ListToolCalls(ctx context.Context, planID string) ([]*models.ToolCallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.ToolCallRecord, 0, len(m.toolCalls[planID]))
	for _, call := range m.toolCalls[planID] {
		out = append(out, cloneToolCall(call))
	}
	return out, nil
}

func (m *MemoryStore) AppendOplog(ctx context.Context, entry *models.OplogEntry) error {
	if entry == nil {
		return fmt.Errorf("oplog entry is required")
	}
	if entry.CtxID == "" {
		return fmt.Errorf("ctx ID is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Content-addressed commits make duplicate appends a no-op.
	if _, ok := m.oplog[entry.CtxID]; ok {
		return nil
	}
	clone := cloneOplog(entry)
	if clone.TS.IsZero() {
		clone.TS = time.Now().UTC()
	}
	entry.TS = clone.TS
	m.oplog[clone.CtxID] = clone
	m.oplogByChat[clone.ChatID] = append(m.oplogByChat[clone.ChatID], clone.CtxID)
	return nil
}

func (m *MemoryStore) GetOplog(ctx context.Context, ctxID string) (*models.OplogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.oplog[ctxID]
	if !ok {
		return nil, notFound("oplog entry", ctxID)
	}
	return cloneOplog(entry), nil
}

func (m *MemoryStore) ListOplogByChat(ctx context.Context, chatID string, limit int) ([]*models.OplogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.oplogByChat[chatID]
	out := make([]*models.OplogEntry, 0, len(ids))
	// Newest first
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		if entry, ok := m.oplog[ids[i]]; ok {
			out = append(out, cloneOplog(entry))
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertRateLimitUsage(ctx context.Context, row *models.RateLimitUsage) error {
	if row == nil {
		return fmt.Errorf("usage row is required")
	}
	if row.ScopeKey == "" || row.Window == "" {
		return fmt.Errorf("scope key and window are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *row
	clone.UpdatedAt = time.Now().UTC()
	row.UpdatedAt = clone.UpdatedAt
	m.usage[usageKey(clone.ScopeKey, clone.Window)] = &clone
	return nil
}

func (m *MemoryStore) GetRateLimitUsage(ctx context.Context, scopeKey string, window models.UsageWindow) (*models.RateLimitUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.usage[usageKey(scopeKey, window)]
	if !ok {
		return nil, notFound("rate limit usage", scopeKey+"/"+string(window))
	}
	clone := *row
	return &clone, nil
}

func (m *MemoryStore) FailStaleTaskAttempts(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var failed int64
	for planID, attempts := range m.attempts {
		for i, att := range attempts {
			if att.State != models.TaskRunning || !att.UpdatedAt.Before(olderThan) {
				continue
			}
			clone := cloneAttempt(att)
			clone.State = models.TaskFailed
			clone.Error = "attempt abandoned: no progress recorded"
			clone.FinishedAt = now
			clone.UpdatedAt = now
			m.attempts[planID][i] = clone
			failed++
		}
	}
	return failed, nil
}

func (m *MemoryStore) PruneRateLimitUsage(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pruned int64
	for key, row := range m.usage {
		if row.UpdatedAt.Before(olderThan) {
			delete(m.usage, key)
			pruned++
		}
	}
	return pruned, nil
}

func usageKey(scopeKey string, window models.UsageWindow) string {
	return scopeKey + "/" + string(window)
}

func cloneChat(chat *models.Chat) *models.Chat {
	clone := *chat
	clone.Metadata = deepCloneMap(chat.Metadata)
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	clone := *msg
	clone.Metadata = deepCloneMap(msg.Metadata)
	return &clone
}

func clonePlan(rec *models.PlanRecord) *models.PlanRecord {
	clone := *rec
	clone.IR = append([]byte(nil), rec.IR...)
	return &clone
}

func cloneAttempt(att *models.TaskAttempt) *models.TaskAttempt {
	clone := *att
	clone.Definition = append([]byte(nil), att.Definition...)
	return &clone
}

func cloneToolCall(call *models.ToolCallRecord) *models.ToolCallRecord {
	clone := *call
	clone.Ops = append([]byte(nil), call.Ops...)
	return &clone
}

func cloneOplog(entry *models.OplogEntry) *models.OplogEntry {
	clone := *entry
	clone.Ops = append([]models.ContextOp(nil), entry.Ops...)
	clone.Meta = deepCloneMap(entry.Meta)
	return &clone
}

// deepCloneMap creates a deep copy of a map[string]any to prevent shared references.
func deepCloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	clone := make(map[string]any, len(m))
	for k, v := range m {
		clone[k] = deepCloneValue(v)
	}
	return clone
}

func deepCloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCloneMap(val)
	case []any:
		cloned := make([]any, len(val))
		for i, item := range val {
			cloned[i] = deepCloneValue(item)
		}
		return cloned
	case []string:
		cloned := make([]string, len(val))
		copy(cloned, val)
		return cloned
	default:
		return v
	}
}
