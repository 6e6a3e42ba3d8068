package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mickamy/notifybox"
)

// Pinger reports database reachability.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Publisher commits a result together with its outbox entry.
type Publisher interface {
	Publish(ctx context.Context, r notifybox.Result) (notifybox.Publication, error)
}

type Handler struct {
	db        Pinger
	dialect   string
	publisher Publisher
	tasks     *notifybox.TaskQueue
	logger    *zap.Logger
	now       func() time.Time
}

// Healthz reports the dialect, database reachability and server time.
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	data := gin.H{
		"db_mode": strings.ToUpper(h.dialect),
		"time":    h.now().UTC().Format(time.RFC3339Nano),
	}
	if err := h.db.PingContext(ctx); err != nil {
		h.logger.Warn("health check ping failed", zap.Error(err))
		hint := "database unreachable"
		fail(c, http.StatusServiceUnavailable, errInternalError, err.Error(), &hint)
		return
	}
	data["db"] = "ok"
	ok(c, data)
}

// PublishResult stores a result and schedules its outbox notification.
func (h *Handler) PublishResult(c *gin.Context) {
	var r notifybox.Result
	if err := c.ShouldBindJSON(&r); err != nil {
		invalidParam(c, "malformed result: "+err.Error())
		return
	}
	pub, err := h.publisher.Publish(c.Request.Context(), r)
	if err != nil {
		h.writeError(c, err)
		return
	}
	ok(c, pub)
}

type registerRequest struct {
	PRInfoID       flexString `json:"pr_info_id"`
	Receiver       string     `json:"receiver"`
	TemplateID     string     `json:"template_id"`
	SendTime       string     `json:"send_time"`
	IdempotencyKey string     `json:"idempotency_key"`
}

func (h *Handler) RegisterTask(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidParam(c, "malformed body: "+err.Error())
		return
	}
	if req.PRInfoID == "" || strings.TrimSpace(req.Receiver) == "" {
		invalidParam(c, "pr_info_id and receiver are required")
		return
	}
	sendTime, err := parseSendTime(req.SendTime)
	if err != nil {
		invalidParam(c, err.Error())
		return
	}

	reg, err := h.tasks.Register(c.Request.Context(), notifybox.RegisterRequest{
		PRInfoID:       string(req.PRInfoID),
		Receiver:       req.Receiver,
		TemplateID:     req.TemplateID,
		SendTime:       sendTime,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	ok(c, reg)
}

type claimRequest struct {
	BotID string `json:"bot_id"`
	Limit int    `json:"limit"`
}

func (h *Handler) ClaimTasks(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidParam(c, "malformed body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.BotID) == "" {
		invalidParam(c, "bot_id required")
		return
	}
	tasks, err := h.tasks.Claim(c.Request.Context(), req.BotID, req.Limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if tasks == nil {
		tasks = []notifybox.Task{}
	}
	ok(c, gin.H{"tasks": tasks})
}

type completeRequest struct {
	ID       int64                `json:"id"`
	Status   notifybox.TaskStatus `json:"status"`
	ErrorMsg string               `json:"error_msg"`
}

func (h *Handler) CompleteTask(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidParam(c, "malformed body: "+err.Error())
		return
	}
	if req.ID <= 0 || (req.Status != notifybox.TaskSent && req.Status != notifybox.TaskFailed) {
		invalidParam(c, "id & status=sent|failed required")
		return
	}
	if err := h.tasks.Complete(c.Request.Context(), req.ID, req.Status, req.ErrorMsg); err != nil {
		h.writeError(c, err)
		return
	}
	ok(c, gin.H{"id": req.ID, "status": req.Status})
}

var sendTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseSendTime accepts ISO8601 with or without an offset. Timestamps without
// an offset are taken as UTC.
func parseSendTime(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range sendTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("send_time %q is not an ISO8601 timestamp", s)
}

// flexString accepts either a JSON string or a JSON number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("pr_info_id must be a string or a number")
	}
	*f = flexString(n.String())
	return nil
}
