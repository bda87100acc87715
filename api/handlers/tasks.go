package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/api"
	"github.com/BaSui01/taskflow/internal/ctxkeys"
	"github.com/BaSui01/taskflow/internal/pool"
	"github.com/BaSui01/taskflow/interrupt"
	"github.com/BaSui01/taskflow/stream"
	"github.com/BaSui01/taskflow/task"
	"github.com/BaSui01/taskflow/types"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// TaskService 是任务处理器依赖的引擎能力，*engine.Engine 实现该接口
type TaskService interface {
	CreateTask(ctx context.Context, req task.CreateRequest) (*task.Task, error)
	GetTask(ctx context.Context, owner, id string) (*task.Task, error)
	ListTasks(ctx context.Context, owner string, filter task.Filter) ([]*task.Task, error)
	CancelTask(ctx context.Context, owner, id string) (*task.Task, error)
	PendingInterrupt(ctx context.Context, owner, id string) (interrupt.PendingInterrupt, error)
	ResolveInterrupt(ctx context.Context, owner, id, interruptID string, res types.Resolution) error
	Subscribe(ctx context.Context, owner, id string, fromSeq int64) (*stream.Subscription, error)
}

// TaskHandlerConfig 流式传输参数
type TaskHandlerConfig struct {
	// WriteTimeout 限制单条 WebSocket 消息的写入时间
	WriteTimeout time.Duration
	// OriginPatterns 允许跨域的 WebSocket Origin，为空时只允许同源
	OriginPatterns []string
}

// =============================================================================
// 📋 任务 Handler
// =============================================================================

// TaskHandler 任务 API 处理器
type TaskHandler struct {
	service TaskService
	config  TaskHandlerConfig
	logger  *zap.Logger
}

// NewTaskHandler 创建任务处理器
func NewTaskHandler(service TaskService, config TaskHandlerConfig, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	return &TaskHandler{
		service: service,
		config:  config,
		logger:  logger.With(zap.String("handler", "tasks")),
	}
}

// Register 在 mux 上注册全部任务路由
func (h *TaskHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/tasks", h.HandleCreate)
	mux.HandleFunc("GET /v1/tasks", h.HandleList)
	mux.HandleFunc("GET /v1/tasks/{id}", h.HandleGet)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", h.HandleCancel)
	mux.HandleFunc("GET /v1/tasks/{id}/interrupt", h.HandleGetInterrupt)
	mux.HandleFunc("POST /v1/tasks/{id}/interrupts/{iid}/resolve", h.HandleResolve)
	mux.HandleFunc("GET /v1/tasks/{id}/events", h.HandleEvents)
	mux.HandleFunc("GET /v1/tasks/{id}/ws", h.HandleWebSocket)
}

// HandleCreate 创建任务
// @Summary 创建研究任务
// @Tags tasks
// @Accept json
// @Produce json
// @Param request body api.CreateTaskRequest true "任务参数"
// @Success 201 {object} Response{data=api.CreateTaskResponse}
// @Failure 400 {object} Response "无效请求"
// @Router /v1/tasks [post]
func (h *TaskHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.CreateTaskRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	t, err := h.service.CreateTask(r.Context(), req.ToCreateRequest(owner(r)))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	h.logger.Info("task created",
		zap.String("task_id", t.ID),
		zap.String("owner_id", t.OwnerID),
		zap.String("mode", string(t.Mode)),
	)
	WriteSuccessStatus(w, r, http.StatusCreated, api.CreateTaskResponse{
		TaskID:   t.ID,
		Status:   t.Status,
		ThreadID: t.ThreadID,
	})
}

// HandleList 列出任务
// @Summary 列出任务
// @Tags tasks
// @Produce json
// @Param status query string false "状态过滤，逗号分隔"
// @Param limit query int false "每页数量"
// @Param offset query int false "偏移"
// @Success 200 {object} Response{data=api.TaskListResponse}
// @Router /v1/tasks [get]
func (h *TaskHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	tasks, err := h.service.ListTasks(r.Context(), owner(r), filter)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	resp := api.TaskListResponse{
		Tasks:  make([]api.TaskResponse, 0, len(tasks)),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, api.NewTaskResponse(t))
	}
	resp.Count = len(resp.Tasks)
	WriteSuccess(w, r, resp)
}

// HandleGet 查询任务
// @Summary 查询任务
// @Tags tasks
// @Produce json
// @Param id path string true "任务 ID"
// @Success 200 {object} Response{data=api.TaskResponse}
// @Failure 404 {object} Response "任务不存在"
// @Router /v1/tasks/{id} [get]
func (h *TaskHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.GetTask(r.Context(), owner(r), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, api.NewTaskResponse(t))
}

// HandleCancel 取消任务
// @Summary 取消任务
// @Tags tasks
// @Produce json
// @Param id path string true "任务 ID"
// @Success 200 {object} Response{data=api.TaskResponse}
// @Failure 409 {object} Response "任务已结束"
// @Router /v1/tasks/{id}/cancel [post]
func (h *TaskHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.CancelTask(r.Context(), owner(r), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	h.logger.Info("task canceled", zap.String("task_id", t.ID))
	WriteSuccess(w, r, api.NewTaskResponse(t))
}

// HandleGetInterrupt 查询待决中断
// @Summary 查询待决中断
// @Tags interrupts
// @Produce json
// @Param id path string true "任务 ID"
// @Success 200 {object} Response{data=api.InterruptResponse}
// @Failure 404 {object} Response "没有待决中断"
// @Router /v1/tasks/{id}/interrupt [get]
func (h *TaskHandler) HandleGetInterrupt(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.PendingInterrupt(r.Context(), owner(r), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, api.NewInterruptResponse(p))
}

// HandleResolve 提交中断决议
// @Summary 提交中断决议
// @Tags interrupts
// @Accept json
// @Produce json
// @Param id path string true "任务 ID"
// @Param iid path string true "中断 ID"
// @Param request body api.ResolveRequest true "决议"
// @Success 202 {object} Response{data=api.ResolveResponse}
// @Failure 409 {object} Response "已决议"
// @Failure 422 {object} Response "决议类型不被允许"
// @Router /v1/tasks/{id}/interrupts/{iid}/resolve [post]
func (h *TaskHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.ResolveRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	id, iid := r.PathValue("id"), r.PathValue("iid")
	if err := h.service.ResolveInterrupt(r.Context(), owner(r), id, iid, req.Resolution()); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	h.logger.Info("interrupt resolved",
		zap.String("task_id", id),
		zap.String("interrupt_id", iid),
		zap.String("kind", string(req.Kind)),
	)
	WriteSuccessStatus(w, r, http.StatusAccepted, api.ResolveResponse{
		TaskID:      id,
		InterruptID: iid,
		Accepted:    true,
	})
}

// =============================================================================
// 📡 事件流
// =============================================================================

// HandleEvents 以 SSE 推送任务事件，支持 Last-Event-ID 断点续传
// @Summary 订阅任务事件 (SSE)
// @Tags streaming
// @Produce text/event-stream
// @Param id path string true "任务 ID"
// @Param from_seq query int false "起始序号"
// @Success 200 {string} string "SSE 流"
// @Router /v1/tasks/{id}/events [get]
func (h *TaskHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	from, err := parseFromSeq(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	id := r.PathValue("id")
	sub, err := h.service.Subscribe(r.Context(), owner(r), id, from)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		h.logger.Error("streaming not supported", zap.Error(err))
		return
	}

	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				h.endOfStream(id, sub.Err(), func(reason string) {
					fmt.Fprintf(w, ": %s\n\n", reason)
					_ = rc.Flush()
				})
				return
			}
			buf.Reset()
			if err := writeSSEFrame(buf, msg); err != nil {
				h.logger.Error("encode stream message failed", zap.String("task_id", id), zap.Error(err))
				return
			}
			if _, err := w.Write(buf.Bytes()); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// frameWriter 是 writeSSEFrame 需要的写入能力
type frameWriter interface {
	Write(p []byte) (int, error)
	WriteString(s string) (int, error)
}

// writeSSEFrame 编码一帧。心跳帧不带 id，客户端的 Last-Event-ID 保持为最后一个事件
func writeSSEFrame(w frameWriter, msg stream.Message) error {
	data, err := msg.MarshalJSON()
	if err != nil {
		return err
	}
	if msg.Heartbeat || msg.Event == nil {
		_, _ = w.WriteString("event: heartbeat\n")
	} else {
		_, _ = w.WriteString("id: " + strconv.FormatInt(msg.Event.Seq, 10) + "\n")
		_, _ = w.WriteString("event: " + string(msg.Event.Type) + "\n")
	}
	_, _ = w.WriteString("data: ")
	_, _ = w.Write(data)
	_, _ = w.WriteString("\n\n")
	return nil
}

// HandleWebSocket 以 WebSocket 推送任务事件，终止事件之后正常关闭
// @Summary 订阅任务事件 (WebSocket)
// @Tags streaming
// @Param id path string true "任务 ID"
// @Param from_seq query int false "起始序号"
// @Router /v1/tasks/{id}/ws [get]
func (h *TaskHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	from, err := parseFromSeq(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	// 先订阅，鉴权和不存在的任务仍以 HTTP 错误返回
	id := r.PathValue("id")
	sub, err := h.service.Subscribe(r.Context(), owner(r), id, from)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.config.OriginPatterns,
	})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.String("task_id", id), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 客户端只读；CloseRead 处理控制帧，对端关闭时取消 ctx
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				status, reason := websocket.StatusNormalClosure, "stream complete"
				h.endOfStream(id, sub.Err(), func(why string) {
					status, reason = websocket.StatusTryAgainLater, why
				})
				_ = conn.Close(status, reason)
				return
			}
			data, err := msg.MarshalJSON()
			if err != nil {
				h.logger.Error("encode stream message failed", zap.String("task_id", id), zap.Error(err))
				_ = conn.Close(websocket.StatusInternalError, "encode failed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, h.config.WriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.logger.Debug("websocket write failed", zap.String("task_id", id), zap.Error(err))
				return
			}
		}
	}
}

// endOfStream 区分正常结束与异常断开；异常时 abort 收到原因
func (h *TaskHandler) endOfStream(taskID string, err error, abort func(reason string)) {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return
	case errors.Is(err, stream.ErrSlowConsumer):
		h.logger.Warn("subscriber too slow, stream dropped", zap.String("task_id", taskID))
		abort("slow consumer, reconnect with Last-Event-ID")
	case errors.Is(err, stream.ErrGatewayClosed):
		abort("server shutting down")
	default:
		h.logger.Error("stream ended", zap.String("task_id", taskID), zap.Error(err))
		abort("stream error")
	}
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func owner(r *http.Request) string {
	id, _ := ctxkeys.OwnerID(r.Context())
	return id
}

// parseFromSeq 解析起始序号：?from_seq 为第一个要投递的序号，
// Last-Event-ID 为已收到的最后一个序号
func parseFromSeq(r *http.Request) (int64, error) {
	if v := r.URL.Query().Get("from_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, types.NewValidationError("from_seq must be a non-negative integer")
		}
		return n, nil
	}
	if v := strings.TrimSpace(r.Header.Get("Last-Event-ID")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, types.NewValidationError("Last-Event-ID must be a non-negative integer")
		}
		return n + 1, nil
	}
	return 0, nil
}

func parseFilter(r *http.Request) (task.Filter, error) {
	q := r.URL.Query()
	filter := task.Filter{Limit: defaultListLimit}

	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			s = strings.ToUpper(strings.TrimSpace(s))
			if s == "" {
				continue
			}
			status := task.Status(s)
			if !status.Valid() {
				return filter, types.NewValidationError(fmt.Sprintf("unknown status %q", s))
			}
			filter.Status = append(filter.Status, status)
		}
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, types.NewValidationError("limit must be a positive integer")
		}
		filter.Limit = min(n, maxListLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, types.NewValidationError("offset must be a non-negative integer")
		}
		filter.Offset = n
	}
	if v := q.Get("updated_since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, types.NewValidationError("updated_since must be an RFC 3339 timestamp")
		}
		filter.UpdatedSince = ts
	}
	return filter, nil
}
