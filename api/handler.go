package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"visionaid/config"
	"visionaid/pipeline"
	"visionaid/speech"
	"visionaid/storage"
	"visionaid/task"
)

type Handler struct {
	tasks     *task.Manager
	converter task.Converter
	dirs      *storage.Dirs
	cfg       *config.Config
	logger    *zap.Logger
}

func NewHandler(tm *task.Manager, conv task.Converter, dirs *storage.Dirs, cfg *config.Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		tasks:     tm,
		converter: conv,
		dirs:      dirs,
		cfg:       cfg,
		logger:    logger,
	}
}

// ConversionResponse is the body returned for a finished conversion.
type ConversionResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	TextResult    string `json:"text_result,omitempty"`
	AudioURL      string `json:"audio_url,omitempty"`
	AudioFilename string `json:"audio_filename,omitempty"`
	VoiceUsed     string `json:"voice_used,omitempty"`
	Error         string `json:"error,omitempty"`
	ErrorKind     string `json:"error_kind,omitempty"`
}

// ConversionStatus is the body returned when polling a task.
type ConversionStatus struct {
	TaskID   string              `json:"task_id"`
	Status   task.Status         `json:"status"`
	Progress int                 `json:"progress"`
	Result   *ConversionResponse `json:"result"`
}

type base64Request struct {
	Image    string      `json:"image" binding:"required"`
	Voice    string      `json:"voice"`
	WaitTime json.Number `json:"wait_time"`
}

// buildResponse turns a pipeline result into the public response shape.
func (h *Handler) buildResponse(c *gin.Context, r pipeline.Result) ConversionResponse {
	if r.OK() {
		return ConversionResponse{
			Success:       true,
			Message:       "Conversion completed successfully!",
			TextResult:    r.Success.Text,
			AudioURL:      h.audioURL(c, r.Success.AudioFilename),
			AudioFilename: r.Success.AudioFilename,
			VoiceUsed:     r.Success.VoiceUsed,
		}
	}
	resp := ConversionResponse{Success: false, Message: "Conversion failed"}
	if r.Failure != nil {
		resp.Error = r.Failure.Reason
		resp.ErrorKind = string(r.Failure.Kind)
		resp.TextResult = r.Failure.Text
	}
	return resp
}

// audioURL constructs the full URL of a produced audio file.
func (h *Handler) audioURL(c *gin.Context, filename string) string {
	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return fmt.Sprintf("%s/outputs/%s", baseURL, filename)
}

// options reads voice and wait_time, applying configured defaults.
func (h *Handler) options(voice, wait string) (pipeline.Options, error) {
	voice = strings.TrimSpace(voice)
	if voice == "" {
		voice = h.cfg.DefaultVoice
	}
	if !speech.KnownVoice(voice) {
		return pipeline.Options{}, fmt.Errorf("unknown voice %q", voice)
	}

	waitTime := h.cfg.DefaultWaitTime
	if strings.TrimSpace(wait) != "" {
		d, err := config.ParseSeconds(wait)
		if err != nil {
			return pipeline.Options{}, fmt.Errorf("wait_time: %w", err)
		}
		waitTime = d
	}
	if waitTime <= 0 {
		return pipeline.Options{}, fmt.Errorf("wait_time must be positive")
	}
	if h.cfg.MaxWaitTime > 0 && waitTime > h.cfg.MaxWaitTime {
		return pipeline.Options{}, fmt.Errorf("wait_time must not exceed %s", h.cfg.MaxWaitTime)
	}
	return pipeline.Options{Voice: voice, WaitTime: waitTime}, nil
}

// readUpload extracts the multipart image and conversion options.
func (h *Handler) readUpload(c *gin.Context) (pipeline.Upload, pipeline.Options, int, error) {
	if h.cfg.MaxInputSize > 0 {
		limit := h.cfg.MaxInputSize + (1 << 20)
		if c.Request.ContentLength > limit {
			return pipeline.Upload{}, pipeline.Options{}, http.StatusRequestEntityTooLarge, fmt.Errorf("file exceeds limit of %d bytes", h.cfg.MaxInputSize)
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return pipeline.Upload{}, pipeline.Options{}, http.StatusRequestEntityTooLarge, fmt.Errorf("file exceeds limit of %d bytes", h.cfg.MaxInputSize)
		}
		return pipeline.Upload{}, pipeline.Options{}, http.StatusBadRequest, fmt.Errorf("file is required")
	}
	if h.cfg.MaxInputSize > 0 && fh.Size > h.cfg.MaxInputSize {
		return pipeline.Upload{}, pipeline.Options{}, http.StatusRequestEntityTooLarge, fmt.Errorf("file exceeds limit of %d bytes", h.cfg.MaxInputSize)
	}
	if !pipeline.AllowedExt(fh.Filename) {
		return pipeline.Upload{}, pipeline.Options{}, http.StatusBadRequest, fmt.Errorf("unsupported image format")
	}

	f, err := fh.Open()
	if err != nil {
		return pipeline.Upload{}, pipeline.Options{}, http.StatusBadRequest, fmt.Errorf("could not read file: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return pipeline.Upload{}, pipeline.Options{}, http.StatusBadRequest, fmt.Errorf("could not read file: %w", err)
	}

	opts, err := h.options(c.PostForm("voice"), c.PostForm("wait_time"))
	if err != nil {
		return pipeline.Upload{}, pipeline.Options{}, http.StatusBadRequest, err
	}
	return pipeline.Upload{Filename: fh.Filename, Data: data}, opts, 0, nil
}

// convertSync runs the pipeline inline. Invalid input yields 400; any other
// failure is a structured body with 200, like a success.
func (h *Handler) convertSync(c *gin.Context, up pipeline.Upload, opts pipeline.Options) {
	if _, err := pipeline.ValidateImage(up.Data, up.Filename); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// The caller waits for the result; its disconnect must not abort a
	// half-finished run whose artifacts it owns.
	ctx := context.WithoutCancel(c.Request.Context())
	result := h.converter.ConvertUpload(ctx, up, opts, nil)
	c.JSON(http.StatusOK, h.buildResponse(c, result))
}

// handleUpload converts a multipart image synchronously.
func (h *Handler) handleUpload(c *gin.Context) {
	up, opts, status, err := h.readUpload(c)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	h.convertSync(c, up, opts)
}

// handleUploadBase64 converts a base64-encoded image synchronously.
func (h *Handler) handleUploadBase64(c *gin.Context) {
	var req base64Request
	if err := c.ShouldBindJSON(&req); err != nil {
		msg := "No image provided"
		if req.Image != "" {
			msg = err.Error()
		}
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": msg})
		return
	}
	raw := req.Image
	if i := strings.Index(raw, ";base64,"); strings.HasPrefix(raw, "data:") && i >= 0 {
		raw = raw[i+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "image is not valid base64"})
		return
	}
	if h.cfg.MaxInputSize > 0 && int64(len(data)) > h.cfg.MaxInputSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": fmt.Sprintf("image exceeds limit of %d bytes", h.cfg.MaxInputSize)})
		return
	}
	opts, err := h.options(req.Voice, req.WaitTime.String())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	ext := pipeline.SniffExt(data)
	if ext == "" {
		ext = ".jpg"
	}
	h.convertSync(c, pipeline.Upload{Filename: "upload" + ext, Data: data}, opts)
}

// handleUploadAsync queues a conversion and returns its task id.
func (h *Handler) handleUploadAsync(c *gin.Context) {
	up, opts, status, err := h.readUpload(c)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	id, err := h.tasks.Submit(c.Request.Context(), up, opts)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"task_id": id, "message": "Processing started"})
	case pipeline.IsInputError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, task.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, task.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"task_id": id, "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create task", "details": err.Error()})
	}
}

// handleGetStatus reports the state of one task.
func (h *Handler) handleGetStatus(c *gin.Context) {
	t, err := h.tasks.Get(c.Request.Context(), c.Param("taskId"))
	if errors.Is(err, task.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.buildStatus(c, t))
}

func (h *Handler) buildStatus(c *gin.Context, t task.Task) ConversionStatus {
	st := ConversionStatus{TaskID: t.ID, Status: t.Status, Progress: t.Progress}
	if t.Result != nil {
		resp := h.buildResponse(c, *t.Result)
		st.Result = &resp
	}
	return st
}

// handleListTasks lists all known tasks.
func (h *Handler) handleListTasks(c *gin.Context) {
	tasks, err := h.tasks.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]ConversionStatus, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, h.buildStatus(c, t))
	}
	c.JSON(http.StatusOK, out)
}

// handleGetFile serves a produced audio file.
func (h *Handler) handleGetFile(c *gin.Context) {
	path, err := h.dirs.ResolveOutput(c.Param("filename"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.File(path)
}

func (h *Handler) handleVoices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"voices": speech.Voices})
}

func (h *Handler) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":    "healthy",
		"message":   "VisionAid API is running",
		"voice":     h.cfg.DefaultVoice,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if u, err := h.dirs.Usage(); err == nil {
		body["diskFree"] = u.DiskFree
	} else {
		h.logger.Warn("could not get disk usage", zap.Error(err))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		body["memAvailable"] = vm.Available
	}
	if free, ok := body["diskFree"].(uint64); ok && h.cfg.MinFreeDisk > 0 && free < uint64(h.cfg.MinFreeDisk) {
		body["status"] = "degraded"
		body["message"] = "free disk space below " + strconv.FormatInt(h.cfg.MinFreeDisk, 10) + " bytes"
	}
	c.JSON(http.StatusOK, body)
}
