package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaydist/relay/internal/service"
)

// projectID resolves the project scope of a request. Single-project
// deployments can omit the header.
func (s *Server) projectID(c *gin.Context) uint {
	raw := c.GetHeader("X-Project-ID")
	if raw == "" {
		return 1
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 1
	}
	return uint(id)
}

func (s *Server) actor(c *gin.Context) string {
	if v, ok := c.Get("actor"); ok {
		if actor, ok := v.(string); ok {
			return actor
		}
	}
	return "admin"
}

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

// respondErr translates the service error taxonomy to HTTP statuses.
func (s *Server) respondErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case service.IsKind(err, service.KindValidation):
		status = http.StatusBadRequest
	case service.IsKind(err, service.KindNotFound):
		status = http.StatusNotFound
	case service.IsKind(err, service.KindForbidden):
		status = http.StatusForbidden
	case service.IsKind(err, service.KindConflict):
		status = http.StatusConflict
	case service.IsKind(err, service.KindExhaustedRetries):
		status = http.StatusUnprocessableEntity
	case service.IsKind(err, service.KindPlatform):
		status = http.StatusBadGateway
	default:
		s.Logger.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Code  string `json:"code" binding:"required"`
		Actor string `json:"actor"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := s.AuthService.Login(req.Code, req.Actor)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

// Job handlers

func (s *Server) handleCreateJob(c *gin.Context) {
	var in service.JobInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.CronService.Create(c.Request.Context(), s.projectID(c), in)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"job": job})
}

func (s *Server) handleListJobs(c *gin.Context) {
	jobs, err := s.CronService.List(c.Request.Context(), s.projectID(c))
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) handleGetJob(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	job, err := s.CronService.Get(c.Request.Context(), s.projectID(c), id)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) handleUpdateJob(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	var patch service.JobPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.CronService.Update(c.Request.Context(), s.projectID(c), id, patch)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) handleDeleteJob(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	if err := s.CronService.Delete(c.Request.Context(), s.projectID(c), id); err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Job deleted"})
}

func (s *Server) handleToggleJob(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.CronService.Toggle(c.Request.Context(), s.projectID(c), id, *req.Enabled)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) handleTriggerJob(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	execution, err := s.CronService.TriggerManually(c.Request.Context(), s.projectID(c), id, s.actor(c))
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"execution": execution})
}

func (s *Server) handleJobExecutions(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	executions, err := s.CronService.ExecutionHistory(c.Request.Context(), s.projectID(c), id, limit)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"executions": executions})
}

func (s *Server) handleJobStats(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	stats, err := s.CronService.Statistics(c.Request.Context(), s.projectID(c), id)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// Rule handlers

func (s *Server) handleCreateRule(c *gin.Context) {
	var in service.RuleInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule, err := s.ApprovalService.CreateRule(c.Request.Context(), s.projectID(c), in)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"rule": rule})
}

func (s *Server) handleListRules(c *gin.Context) {
	rules, err := s.ApprovalService.ListRules(c.Request.Context(), s.projectID(c))
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (s *Server) handleUpdateRule(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	var patch service.RulePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule, err := s.ApprovalService.UpdateRule(c.Request.Context(), s.projectID(c), id, patch)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

func (s *Server) handleDeleteRule(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	if err := s.ApprovalService.DeleteRule(c.Request.Context(), s.projectID(c), id); err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Rule deleted"})
}

// handleTestRule evaluates candidate conditions against stored content
// without writing anything.
func (s *Server) handleTestRule(c *gin.Context) {
	var req struct {
		Conditions []service.Predicate `json:"conditions" binding:"required"`
		ContentID  uint                `json:"content_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	content, err := s.ContentService.Get(c.Request.Context(), s.projectID(c), req.ContentID)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	matched, err := s.ApprovalService.TestRule(req.Conditions, content)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"matched": matched})
}

// Content handlers

func (s *Server) handleCreateContent(c *gin.Context) {
	var in service.ContentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, approval, err := s.ContentService.Create(c.Request.Context(), s.projectID(c), s.actor(c), in)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"content": item, "approval": approval})
}

func (s *Server) handleListContent(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	items, err := s.ContentService.List(c.Request.Context(), s.projectID(c), limit)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"content": items})
}

func (s *Server) handleGetContent(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	item, err := s.ContentService.Get(c.Request.Context(), s.projectID(c), id)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"content": item})
}

func (s *Server) handleApproveContent(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	if _, err := s.ContentService.Get(c.Request.Context(), s.projectID(c), id); err != nil {
		s.respondErr(c, err)
		return
	}

	if err := s.ApprovalService.Approve(c.Request.Context(), id, s.actor(c)); err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Content approved"})
}

func (s *Server) handleRejectContent(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
		Notify bool   `json:"notify"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if _, err := s.ContentService.Get(c.Request.Context(), s.projectID(c), id); err != nil {
		s.respondErr(c, err)
		return
	}

	if err := s.ApprovalService.Reject(c.Request.Context(), id, req.Reason, s.actor(c), req.Notify); err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Content rejected"})
}

func (s *Server) handleApprovalHistory(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	if _, err := s.ContentService.Get(c.Request.Context(), s.projectID(c), id); err != nil {
		s.respondErr(c, err)
		return
	}

	events, err := s.ApprovalService.History(c.Request.Context(), id)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handlePublicationHistory(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	publications, err := s.ExecutorService.History(c.Request.Context(), s.projectID(c), id)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"publications": publications})
}

func (s *Server) handleApprovalQueue(c *gin.Context) {
	approvals, err := s.ApprovalService.ApprovalQueue(c.Request.Context(), s.projectID(c))
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"approvals": approvals})
}

// Queue handlers

func (s *Server) handleEnqueue(c *gin.Context) {
	var in service.EnqueueInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, err := s.QueueService.Enqueue(c.Request.Context(), s.projectID(c), in)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"item": item})
}

func (s *Server) handleCancelItem(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	if err := s.QueueService.Cancel(c.Request.Context(), s.projectID(c), id); err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Item cancelled"})
}

func (s *Server) handleRetryItem(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	item, err := s.QueueService.Retry(c.Request.Context(), s.projectID(c), id)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"item": item})
}

func (s *Server) handleDispatch(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err := s.QueueService.Dispatch(c.Request.Context(), limit); err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Dispatch completed"})
}

func (s *Server) handleQueueStats(c *gin.Context) {
	stats, err := s.QueueService.Stats(c.Request.Context(), s.projectID(c))
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// Publish handlers

func (s *Server) handlePublish(c *gin.Context) {
	var req struct {
		ContentID  uint              `json:"content_id" binding:"required"`
		Platform   string            `json:"platform" binding:"required"`
		MaxRetries int               `json:"max_retries"`
		Metadata   map[string]string `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	publication, err := s.ExecutorService.Publish(c.Request.Context(), s.projectID(c),
		req.ContentID, req.Platform, service.PublishOptions{
			Metadata:   req.Metadata,
			MaxRetries: req.MaxRetries,
		})
	if err != nil {
		// A platform failure still records an attempt worth returning.
		if publication != nil && service.IsKind(err, service.KindPlatform) {
			c.JSON(http.StatusBadGateway, gin.H{"publication": publication, "error": err.Error()})
			return
		}
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"publication": publication})
}

func (s *Server) handleDryRun(c *gin.Context) {
	var in service.DryRunInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	summary, err := s.ExecutorService.ExecuteDryRun(c.Request.Context(), s.projectID(c), in)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

func (s *Server) handleRetryPublication(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	var req struct {
		ResetRetryCount bool `json:"reset_retry_count"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	publication, err := s.ExecutorService.Retry(c.Request.Context(), s.projectID(c), id, req.ResetRetryCount)
	if err != nil {
		if publication != nil && service.IsKind(err, service.KindPlatform) {
			c.JSON(http.StatusBadGateway, gin.H{"publication": publication, "error": err.Error()})
			return
		}
		s.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"publication": publication})
}
