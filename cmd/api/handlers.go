package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/therealutkarshpriyadarshi/suberase/internal/credits"
	"github.com/therealutkarshpriyadarshi/suberase/internal/logging"
	"github.com/therealutkarshpriyadarshi/suberase/internal/mask"
	"github.com/therealutkarshpriyadarshi/suberase/internal/middleware"
	"github.com/therealutkarshpriyadarshi/suberase/internal/task"
	"github.com/therealutkarshpriyadarshi/suberase/internal/upload"
	"github.com/therealutkarshpriyadarshi/suberase/internal/webhook"
	"github.com/therealutkarshpriyadarshi/suberase/pkg/models"
)

// TaskService submits, follows and cancels subtitle removal tasks
type TaskService interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*models.Task, error)
	Poll(ctx context.Context, userID, taskID string) (*task.StatusReport, error)
	Cancel(ctx context.Context, userID, taskID string) (*models.Task, error)
	List(ctx context.Context, userID string, limit int) ([]*models.Task, error)
	HandleCallback(ctx context.Context, providerName, predictionID string) (*task.StatusReport, error)
}

// UploadService stores source videos
type UploadService interface {
	Store(ctx context.Context, v upload.Video) (*models.UploadSession, error)
	Session(ctx context.Context, userID, sessionID string) (*models.UploadSession, error)
	Latest(ctx context.Context, userID string) (*models.UploadSession, error)
}

// CreditService is the user-facing part of the ledger
type CreditService interface {
	EnsureAccount(ctx context.Context, userID, email string) (*models.User, error)
	CanClaimDaily(ctx context.Context, userID string) (bool, error)
	ClaimDaily(ctx context.Context, userID string) (int, error)
	History(ctx context.Context, userID string, limit int) ([]*models.CreditLogEntry, error)
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

type API struct {
	tasks    TaskService
	uploads  UploadService
	credits  CreditService
	webhooks *webhook.Verifier
	checks   map[string]HealthCheck
	logger   *logging.Logger

	// maxUpload caps the accepted video size; zero leaves the body unbounded
	maxUpload int64
}

// multipartOverhead allows for boundaries and part headers around the video
const multipartOverhead = 1 << 20

// Health check endpoint
func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	components := gin.H{}
	healthy := true
	for name, check := range api.checks {
		if err := check(ctx); err != nil {
			components[name] = err.Error()
			healthy = false
			continue
		}
		components[name] = "ok"
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":     "unhealthy",
			"components": components,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"components": components,
	})
}

// Upload video endpoint
func (api *API) uploadVideo(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	if api.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, api.maxUpload+multipartOverhead)
	}

	file, err := c.FormFile("video")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "File too large. Maximum size is 100MB"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No video file provided"})
		return
	}

	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read video file"})
		return
	}
	defer f.Close()

	session, err := api.uploads.Store(c.Request.Context(), upload.Video{
		UserID:      userID,
		Filename:    file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		Size:        file.Size,
		Body:        f,
	})
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrEmpty):
			c.JSON(http.StatusBadRequest, gin.H{"error": "No video file provided"})
		case errors.Is(err, upload.ErrTooLarge):
			c.JSON(http.StatusBadRequest, gin.H{"error": "File too large. Maximum size is 100MB"})
		case errors.Is(err, upload.ErrUnsupportedType):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid file type. Supported: MP4, MOV, AVI"})
		default:
			api.logger.WithUserID(userID).WithError(err).Error("Video upload failed")
			c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to upload video"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url":       session.URL,
		"filename":  session.Key,
		"size":      session.Size,
		"type":      session.ContentType,
		"sessionId": session.ID,
	})
}

// Get upload session endpoint
func (api *API) getUpload(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	session, err := api.uploads.Session(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, upload.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Upload not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load upload"})
		return
	}

	c.JSON(http.StatusOK, session)
}

// Latest upload endpoint lets the editor resume with the last uploaded video
func (api *API) getLatestUpload(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	session, err := api.uploads.Latest(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, upload.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No recent upload"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load upload"})
		return
	}

	c.JSON(http.StatusOK, session)
}

type processRequest struct {
	VideoURL    string          `json:"videoUrl"`
	SessionID   string          `json:"sessionId"`
	Regions     []models.Region `json:"regions"`
	VideoWidth  int             `json:"videoWidth"`
	VideoHeight int             `json:"videoHeight"`
}

// Process endpoint starts subtitle removal for an uploaded video
func (api *API) processVideo(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	videoURL := req.VideoURL
	if req.SessionID != "" {
		session, err := api.uploads.Session(c.Request.Context(), userID, req.SessionID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: unknown upload session"})
			return
		}
		videoURL = session.URL
	}

	if videoURL == "" || len(req.Regions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: missing video URL or regions"})
		return
	}
	if req.VideoWidth <= 0 || req.VideoHeight <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: missing video dimensions"})
		return
	}
	if mask.CheckFrame(req.VideoWidth, req.VideoHeight) != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: video dimensions exceed %dx%d", mask.MaxDimension, mask.MaxDimension),
		})
		return
	}

	t, err := api.tasks.Submit(c.Request.Context(), task.SubmitRequest{
		UserID:      userID,
		Email:       middleware.GetEmail(c),
		VideoURL:    videoURL,
		Regions:     req.Regions,
		VideoWidth:  req.VideoWidth,
		VideoHeight: req.VideoHeight,
	})
	if err != nil {
		api.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"taskId":       t.ID,
		"predictionId": t.PredictionID,
		"status":       t.Status,
		"message":      "Processing started",
	})
}

// Status endpoint reports progress and advances the task
func (api *API) getStatus(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	report, err := api.tasks.Poll(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		api.respondError(c, err)
		return
	}

	t := report.Task
	resp := gin.H{
		"id":     t.ID,
		"status": t.Status,
	}
	if t.ResultURL != "" {
		resp["resultUrl"] = t.ResultURL
	}
	if t.ErrorMessage != "" {
		resp["error"] = t.ErrorMessage
	}
	if report.Logs != "" {
		resp["logs"] = report.Logs
	}
	if report.Phase != "" {
		resp["phase"] = report.Phase
	}
	if report.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(report.RetryAfter.Seconds())))
	}

	c.JSON(http.StatusOK, resp)
}

// Cancel task endpoint
func (api *API) cancelTask(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	t, err := api.tasks.Cancel(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		api.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": t.ID, "status": t.Status})
}

// List tasks endpoint
func (api *API) listTasks(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	tasks, err := api.tasks.List(c.Request.Context(), userID, limit)
	if err != nil {
		api.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// Download endpoint redirects to the result of a completed task
func (api *API) download(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	report, err := api.tasks.Poll(c.Request.Context(), userID, c.Param("id"))
	if err != nil && !errors.Is(err, task.ErrNotFound) {
		api.respondError(c, err)
		return
	}
	if err != nil || report.Task.Status != models.TaskStatusCompleted || report.Task.ResultURL == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}

	c.Redirect(http.StatusFound, report.Task.ResultURL)
}

// Credits endpoint returns the balance, creating the account on first use
func (api *API) getCredits(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	user, err := api.credits.EnsureAccount(c.Request.Context(), userID, middleware.GetEmail(c))
	if err != nil {
		api.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"credits": user.Credits})
}

// Daily bonus availability endpoint
func (api *API) getDaily(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	canClaim, err := api.credits.CanClaimDaily(c.Request.Context(), userID)
	if err != nil {
		api.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"canClaim": canClaim})
}

// Daily bonus claim endpoint
func (api *API) claimDaily(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)
	ctx := c.Request.Context()

	if _, err := api.credits.EnsureAccount(ctx, userID, middleware.GetEmail(c)); err != nil {
		api.respondError(c, err)
		return
	}

	balance, err := api.credits.ClaimDaily(ctx, userID)
	if err != nil {
		if errors.Is(err, credits.ErrAlreadyClaimed) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Already claimed today"})
			return
		}
		api.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"credits": balance, "claimed": true})
}

// Credit history endpoint
func (api *API) creditHistory(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := api.credits.History(c.Request.Context(), userID, limit)
	if err != nil {
		api.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Credit packages endpoint
func (api *API) creditPackages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"packages": credits.Packages()})
}

// respondError maps service errors onto HTTP status codes
func (api *API) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, task.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
	case errors.Is(err, task.ErrInsufficientCredits):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "Insufficient credits"})
	case errors.Is(err, task.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, task.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
	case errors.Is(err, task.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "Another submission is in progress"})
	case errors.Is(err, task.ErrUpstream):
		api.logger.WithError(err).Warn("Upstream failure")
		c.JSON(http.StatusBadGateway, gin.H{"error": upstreamMessage(c.FullPath())})
	default:
		api.logger.WithError(err).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// upstreamMessage names the operation that failed for a 502 response
func upstreamMessage(route string) string {
	switch route {
	case "/api/process":
		return "Failed to start processing"
	case "/api/tasks/:id/cancel":
		return "Failed to cancel task"
	default:
		return "Upstream service unavailable"
	}
}
