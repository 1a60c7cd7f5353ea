package lpt

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/comptio/fabric/internal/common/logger"
	"github.com/comptio/fabric/internal/common/metrics"
	"github.com/comptio/fabric/internal/docdb"
)

// ackMessage is the executor-facing acknowledgement; the fleet contract
// predates this service, so the wording stays as-is.
const ackMessage = "Callback traité avec succès"

// resumeTimeout bounds the background workflow resume spawned per callback.
const resumeTimeout = 5 * time.Minute

// WorkflowResumer restarts a suspended workflow after an executor callback.
// Implemented by the agent runtime.
type WorkflowResumer interface {
	ResumeAfterLPT(ctx context.Context, cb *Callback, streaming bool) error
}

// ThreadPresence answers whether the user is watching the thread right now.
type ThreadPresence interface {
	IsUserOnThread(ctx context.Context, userID, companyID, threadKey string) bool
}

// CallbackHandler terminates POST /lpt/callback.
type CallbackHandler struct {
	doc      docdb.Store
	sessions ThreadPresence
	resumer  WorkflowResumer
	token    string
	logger   *logger.Logger
}

// NewCallbackHandler builds the handler. token empty disables auth (local
// runs only).
func NewCallbackHandler(doc docdb.Store, sessions ThreadPresence, resumer WorkflowResumer, token string, log *logger.Logger) *CallbackHandler {
	return &CallbackHandler{doc: doc, sessions: sessions, resumer: resumer, token: token, logger: log}
}

// Handle authenticates the callback, merges the outcome into the planned
// task document when one exists, then acknowledges immediately while the
// workflow resume runs in the background. A failed executor still resumes
// the workflow so the agent can surface the error in the chat thread.
func (h *CallbackHandler) Handle(c *gin.Context) {
	if h.token != "" {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != h.token {
			metrics.LPTCallbacksTotal.WithLabelValues("unauthorized").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}
	}

	var cb Callback
	if err := c.ShouldBindJSON(&cb); err != nil {
		metrics.LPTCallbacksTotal.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid callback payload"})
		return
	}
	if cb.UserID == "" || cb.Traceability.ThreadKey == "" {
		metrics.LPTCallbacksTotal.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "user_id and traceability.thread_key are required"})
		return
	}

	log := h.logger.WithUserID(cb.UserID).WithThread(cb.Traceability.ThreadKey)

	// Planned tasks carry a mandates path; merging the outcome there keeps
	// the task document authoritative for the scheduler and the dashboard.
	taskID := cb.BatchID
	if path, ok := h.plannedTaskPath(c.Request.Context(), &cb); ok {
		taskID = cb.Traceability.ThreadKey
		if err := h.mergeTaskOutcome(c.Request.Context(), path, &cb); err != nil {
			log.WithError(err).Error("merge planned task outcome failed")
		}
	}

	streaming := h.sessions.IsUserOnThread(c.Request.Context(), cb.UserID, cb.CollectionName, cb.Traceability.ThreadKey)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), resumeTimeout)
		defer cancel()
		if err := h.resumer.ResumeAfterLPT(ctx, &cb, streaming); err != nil {
			log.WithError(err).Error("workflow resume after callback failed",
				zap.String("batch_id", cb.BatchID),
				zap.String("status", cb.Response.Status))
		}
	}()

	metrics.LPTCallbacksTotal.WithLabelValues(cb.Response.Status).Inc()
	c.JSON(http.StatusOK, gin.H{"ok": true, "task_id": taskID, "message": ackMessage})
}

func (h *CallbackHandler) plannedTaskPath(ctx context.Context, cb *Callback) (string, bool) {
	if cb.MandatesPath == "" {
		return "", false
	}
	path := cb.MandatesPath + "/tasks/" + cb.Traceability.ThreadKey
	doc, err := h.doc.Get(ctx, path)
	if err != nil {
		h.logger.WithError(err).Warn("planned task lookup failed", zap.String("path", path))
		return "", false
	}
	return path, doc != nil
}

func (h *CallbackHandler) mergeTaskOutcome(ctx context.Context, path string, cb *Callback) error {
	update := map[string]any{
		"status":       cb.Response.Status,
		"completed_at": cb.CompletedAt,
		"callback_payload": map[string]any{
			"batch_id":        cb.BatchID,
			"collection_name": cb.CollectionName,
			"user_id":         cb.UserID,
			"client_uuid":     cb.ClientUUID,
			"jobs_data":       cb.JobsData,
			"settings":        cb.Settings,
			"pub_sub_id":      cb.PubSubID,
		},
	}
	if cb.Response.Result != nil {
		update["result"] = cb.Response.Result
	}
	if cb.Response.Error != "" {
		update["error"] = cb.Response.Error
	}
	if cb.ExecutionTime > 0 {
		update["execution_time"] = cb.ExecutionTime
	}
	if cb.LogsURL != "" {
		update["logs_url"] = cb.LogsURL
	}
	return h.doc.Set(ctx, path, update, true)
}
