package api

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/BaSui01/taskflow/interrupt"
	"github.com/BaSui01/taskflow/task"
	"github.com/BaSui01/taskflow/types"
)

// =============================================================================
// 📋 任务 API 类型
// =============================================================================

// CreateTaskRequest POST /v1/tasks 请求体
type CreateTaskRequest struct {
	Topic string `json:"topic"`
	// 认证开启时由 JWT sub 覆盖
	OwnerID      string          `json:"owner_id,omitempty"`
	Mode         task.Mode       `json:"mode,omitempty"`
	ReportConfig json.RawMessage `json:"report_config,omitempty"`
	ThreadID     string          `json:"thread_id,omitempty"`
}

// ToCreateRequest 转换为注册表请求，owner 为已认证调用方（可为空）
func (r CreateTaskRequest) ToCreateRequest(owner string) task.CreateRequest {
	ownerID := strings.TrimSpace(r.OwnerID)
	if owner != "" {
		ownerID = owner
	}
	return task.CreateRequest{
		Topic:        r.Topic,
		OwnerID:      ownerID,
		Mode:         r.Mode,
		ReportConfig: r.ReportConfig,
		ThreadID:     r.ThreadID,
	}
}

// CreateTaskResponse POST /v1/tasks 响应
type CreateTaskResponse struct {
	TaskID   string      `json:"task_id"`
	Status   task.Status `json:"status"`
	ThreadID string      `json:"thread_id"`
}

// TaskResponse 单个任务
type TaskResponse struct {
	ID           string          `json:"id"`
	Status       task.Status     `json:"status"`
	Topic        string          `json:"topic"`
	OwnerID      string          `json:"owner_id"`
	ThreadID     string          `json:"thread_id"`
	Mode         task.Mode       `json:"mode"`
	ReportConfig json.RawMessage `json:"report_config,omitempty"`
	// AwaitingInterrupt 为 true 时 GET /v1/tasks/{id}/interrupt 可取到待决中断
	AwaitingInterrupt bool       `json:"awaiting_interrupt"`
	ErrorType         string     `json:"error_type,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// NewTaskResponse 从任务记录构建响应；内部 phase 只暴露是否在等待中断
func NewTaskResponse(t *task.Task) TaskResponse {
	return TaskResponse{
		ID:                t.ID,
		Status:            t.Status,
		Topic:             t.Topic,
		OwnerID:           t.OwnerID,
		ThreadID:          t.ThreadID,
		Mode:              t.Mode,
		ReportConfig:      t.ReportConfig,
		AwaitingInterrupt: t.Status == task.StatusInProgress && t.Phase == task.PhaseAwaitingInterrupt,
		ErrorType:         t.ErrorType,
		ErrorMessage:      t.ErrorMessage,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
		StartedAt:         t.StartedAt,
		CompletedAt:       t.CompletedAt,
	}
}

// TaskListResponse GET /v1/tasks 响应
type TaskListResponse struct {
	Tasks  []TaskResponse `json:"tasks"`
	Count  int            `json:"count"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// =============================================================================
// ✋ 中断 API 类型
// =============================================================================

// ResolveRequest 中断决议请求体
type ResolveRequest struct {
	Kind    types.ResolutionKind `json:"kind"`
	Payload json.RawMessage      `json:"payload,omitempty"`
	Text    string               `json:"text,omitempty"`
}

// Resolution 转换为领域决议
func (r ResolveRequest) Resolution() types.Resolution {
	return types.Resolution{Kind: r.Kind, Payload: r.Payload, Text: r.Text}
}

// InterruptResponse 待决中断
type InterruptResponse struct {
	InterruptID string                 `json:"interrupt_id"`
	TaskID      string                 `json:"task_id"`
	Step        string                 `json:"step"`
	Config      types.ResolutionConfig `json:"config"`
	Proposal    json.RawMessage        `json:"proposal,omitempty"`
	Message     string                 `json:"message,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	Deadline    *time.Time             `json:"deadline,omitempty"`
}

// NewInterruptResponse 从待决中断构建响应
func NewInterruptResponse(p interrupt.PendingInterrupt) InterruptResponse {
	return InterruptResponse{
		InterruptID: p.ID,
		TaskID:      p.TaskID,
		Step:        p.Step,
		Config:      p.Config,
		Proposal:    p.Proposal,
		Message:     p.Message,
		CreatedAt:   p.CreatedAt,
		Deadline:    p.Deadline,
	}
}

// ResolveResponse 决议已受理
type ResolveResponse struct {
	TaskID      string `json:"task_id"`
	InterruptID string `json:"interrupt_id"`
	Accepted    bool   `json:"accepted"`
}
