package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"streamperf/internal/core/domain"
	"streamperf/internal/infrastructure/monitoring"
	apperrors "streamperf/pkg/errors"
	"streamperf/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Controller is the slice of the orchestrator the daemon API drives
type Controller interface {
	RecordSegmentLoad(loadTime time.Duration, success bool)
	RecordQualitySwitch(from, to int, reason string)
	RecordBufferStall(duration time.Duration)
	RecordGapJump()
	UpdateBufferLevel(seconds float64)
	UpdateNetworkConditions(bandwidth, latency, loss float64)

	GetPerformanceSummary() domain.PerformanceSummary
	GetStreamingParameters() domain.StreamingRecommendations
	ComputeOverallScore() domain.OverallScore
	CheckOptimizationOpportunities() []domain.OptimizationAdvice

	Endpoints() []domain.EndpointMetrics
	ValidateEndpoint(ctx context.Context, endpoint string) (bool, error)
	OptimizeRequest(ctx context.Context, url string, opts domain.RequestOptions) (*domain.Response, error)

	RegisterBlobURL(entry domain.BlobURLEntry) error
	UnregisterBlobURL(url string) bool
	TouchBlobURL(url string) bool

	RegisterVideoElement(id string)
	UnregisterVideoElement(id string) bool
	RegisterHLSInstance(id string)
	UnregisterHLSInstance(id string) bool
	RegisterEventListeners(elementID string, listeners []domain.ListenerRecord)
	UnregisterEventListeners(elementID string) int
	SetSubtitleCache(lang string, data []byte)
	SubtitleCache(lang string) ([]byte, bool)
	ClearSubtitleCache(lang string) bool
}

type PerfHandler struct {
	controller Controller
	health     *monitoring.HealthChecker
	metrics    http.Handler
	logger     *zap.SugaredLogger
}

func NewPerfHandler(
	controller Controller,
	health *monitoring.HealthChecker,
	metrics http.Handler,
	logger *zap.SugaredLogger,
) *PerfHandler {
	return &PerfHandler{
		controller: controller,
		health:     health,
		metrics:    metrics,
		logger:     logger,
	}
}

// SetupRoutes registers the API. ingest middleware only wraps the write routes.
func (h *PerfHandler) SetupRoutes(router *gin.Engine, ingest ...gin.HandlerFunc) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}

	api := router.Group("/api/v1")
	{
		api.GET("/summary", h.GetSummary)
		api.GET("/parameters", h.GetParameters)
		api.GET("/score", h.GetScore)
		api.GET("/advice", h.GetAdvice)
		api.GET("/endpoints", h.GetEndpoints)
		api.POST("/endpoints/validate", h.ValidateEndpoint)

		write := api.Group("", ingest...)
		write.POST("/segments", h.RecordSegment)
		write.POST("/quality-switches", h.RecordQualitySwitch)
		write.POST("/stalls", h.RecordStall)
		write.POST("/gap-jumps", h.RecordGapJump)
		write.POST("/buffer-level", h.UpdateBufferLevel)
		write.POST("/network", h.UpdateNetwork)

		write.POST("/resources/blob-urls", h.RegisterBlobURL)
		write.POST("/resources/blob-urls/touch", h.TouchBlobURL)
		write.DELETE("/resources/blob-urls", h.UnregisterBlobURL)
		write.POST("/requests", h.OptimizeRequest)

		write.POST("/resources/video-elements", h.RegisterVideoElement)
		write.DELETE("/resources/video-elements/:id", h.UnregisterVideoElement)
		write.POST("/resources/hls-instances", h.RegisterHLSInstance)
		write.DELETE("/resources/hls-instances/:id", h.UnregisterHLSInstance)
		write.POST("/resources/listeners/:element", h.RegisterEventListeners)
		write.DELETE("/resources/listeners/:element", h.UnregisterEventListeners)
		write.PUT("/resources/subtitles/:lang", h.PutSubtitles)
		write.DELETE("/resources/subtitles/:lang", h.DeleteSubtitles)

		api.GET("/resources/subtitles/:lang", h.GetSubtitles)
	}
}

func (h *PerfHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *PerfHandler) Ready(c *gin.Context) {
	if !h.health.IsReady(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func invalid(c *gin.Context, err error) {
	_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest))
}

// fail maps domain sentinels onto AppErrors before the error middleware sees them
func fail(c *gin.Context, err error) {
	if errors.Is(err, domain.ErrOrchestratorGone) || errors.Is(err, domain.ErrOptimizerClosed) {
		err = apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "controller shut down", http.StatusServiceUnavailable)
	}
	_ = c.Error(err)
}

func (h *PerfHandler) RecordSegment(c *gin.Context) {
	var req struct {
		LoadTimeMs float64 `json:"load_time_ms"`
		Success    *bool   `json:"success" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		invalid(c, err)
		return
	}
	if err := validation.ValidateNonNegative(req.LoadTimeMs, "load_time_ms"); err != nil {
		invalid(c, err)
		return
	}

	h.controller.RecordSegmentLoad(time.Duration(req.LoadTimeMs*float64(time.Millisecond)), *req.Success)
	c.Status(http.StatusAccepted)
}

func (h *PerfHandler) RecordQualitySwitch(c *gin.Context) {
	var req struct {
		From   int    `json:"from"`
		To     int    `json:"to"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		invalid(c, err)
		return
	}
	if err := validation.ValidateQuality(req.To); err != nil {
		invalid(c, err)
		return
	}
	if req.From != 0 {
		if err := validation.ValidateQuality(req.From); err != nil {
			invalid(c, err)
			return
		}
	}

	h.controller.RecordQualitySwitch(req.From, req.To, req.Reason)
	c.Status(http.StatusAccepted)
}

func (h *PerfHandler) RecordStall(c *gin.Context) {
	var req struct {
		DurationMs float64 `json:"duration_ms"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		invalid(c, err)
		return
	}
	if err := validation.ValidateNonNegative(req.DurationMs, "duration_ms"); err != nil {
		invalid(c, err)
		return
	}

	h.controller.RecordBufferStall(time.Duration(req.DurationMs * float64(time.Millisecond)))
	c.Status(http.StatusAccepted)
}

func (h *PerfHandler) RecordGapJump(c *gin.Context) {
	h.controller.RecordGapJump()
	c.Status(http.StatusAccepted)
}

func (h *PerfHandler) UpdateBufferLevel(c *gin.Context) {
	var req struct {
		Seconds float64 `json:"seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		invalid(c, err)
		return
	}
	if err := validation.ValidateNonNegative(req.Seconds, "seconds"); err != nil {
		invalid(c, err)
		return
	}

	h.controller.UpdateBufferLevel(req.Seconds)
	c.Status(http.StatusAccepted)
}

func (h *PerfHandler) UpdateNetwork(c *gin.Context) {
	var req struct {
		Bandwidth  float64 `json:"bandwidth"` // bps
		Latency    float64 `json:"latency"`   // ms
		PacketLoss float64 `json:"packet_loss"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		invalid(c, err)
		return
	}
	for _, check := range []error{
		validation.ValidateNonNegative(req.Bandwidth, "bandwidth"),
		validation.ValidateNonNegative(req.Latency, "latency"),
		validation.ValidateRatio(req.PacketLoss, "packet_loss"),
	} {
		if check != nil {
			invalid(c, check)
			return
		}
	}

	h.controller.UpdateNetworkConditions(req.Bandwidth, req.Latency, req.PacketLoss)
	c.Status(http.StatusAccepted)
}

func (h *PerfHandler) GetSummary(c *gin.Context) {
	c.JSON(http.StatusOK, h.controller.GetPerformanceSummary())
}

func (h *PerfHandler) GetParameters(c *gin.Context) {
	c.JSON(http.StatusOK, h.controller.GetStreamingParameters())
}

func (h *PerfHandler) GetScore(c *gin.Context) {
	c.JSON(http.StatusOK, h.controller.ComputeOverallScore())
}

// GetAdvice evaluates the optimization rules; matching advice is also published on the bus
func (h *PerfHandler) GetAdvice(c *gin.Context) {
	advice := h.controller.CheckOptimizationOpportunities()
	if advice == nil {
		advice = []domain.OptimizationAdvice{}
	}
	c.JSON(http.StatusOK, gin.H{"advice": advice})
}

func (h *PerfHandler) GetEndpoints(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"endpoints": h.controller.Endpoints()})
}

func (h *PerfHandler) ValidateEndpoint(c *gin.Context) {
	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		invalid(c, err)
		return
	}

	valid, err := h.controller.ValidateEndpoint(c.Request.Context(), req.Endpoint)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoint": req.Endpoint, "valid": valid})
}

type blobURLRequest struct {
	URL    string `json:"url" binding:"required"`
	Size   int64  `json:"size"`
	Type   string `json:"type"`
	Source string `json:"source"`
}

func (h *PerfHandler) bindBlobURL(c *gin.Context) (blobURLRequest, bool) {
	var req blobURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalid(c, err)
		return req, false
	}
	req.URL = strings.TrimSpace(req.URL)
	if err := validation.ValidateBlobURL(req.URL); err != nil {
		invalid(c, err)
		return req, false
	}
	return req, true
}

func (h *PerfHandler) RegisterBlobURL(c *gin.Context) {
	req, ok := h.bindBlobURL(c)
	if !ok {
		return
	}

	err := h.controller.RegisterBlobURL(domain.BlobURLEntry{
		URL:    req.URL,
		Size:   req.Size,
		Type:   req.Type,
		Source: req.Source,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (h *PerfHandler) TouchBlobURL(c *gin.Context) {
	req, ok := h.bindBlobURL(c)
	if !ok {
		return
	}
	if !h.controller.TouchBlobURL(req.URL) {
		_ = c.Error(apperrors.NewNotFoundError("blob URL"))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *PerfHandler) UnregisterBlobURL(c *gin.Context) {
	req, ok := h.bindBlobURL(c)
	if !ok {
		return
	}
	if !h.controller.UnregisterBlobURL(req.URL) {
		_ = c.Error(apperrors.NewNotFoundError("blob URL"))
		return
	}
	h.logger.Debugw("blob URL released by player", "url", req.URL)
	c.Status(http.StatusNoContent)
}

func (h *PerfHandler) bindHandleID(c *gin.Context) (string, bool) {
	var req struct {
		ID string `json:"id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		invalid(c, err)
		return "", false
	}
	if err := validation.ValidateElementID(req.ID); err != nil {
		invalid(c, err)
		return "", false
	}
	return req.ID, true
}

func (h *PerfHandler) pathID(c *gin.Context, name string) (string, bool) {
	id := c.Param(name)
	if err := validation.ValidateElementID(id); err != nil {
		invalid(c, err)
		return "", false
	}
	return id, true
}

func (h *PerfHandler) RegisterVideoElement(c *gin.Context) {
	id, ok := h.bindHandleID(c)
	if !ok {
		return
	}
	h.controller.RegisterVideoElement(id)
	c.Status(http.StatusCreated)
}

func (h *PerfHandler) UnregisterVideoElement(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	if !h.controller.UnregisterVideoElement(id) {
		_ = c.Error(apperrors.NewNotFoundError("video element"))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *PerfHandler) RegisterHLSInstance(c *gin.Context) {
	id, ok := h.bindHandleID(c)
	if !ok {
		return
	}
	h.controller.RegisterHLSInstance(id)
	c.Status(http.StatusCreated)
}

func (h *PerfHandler) UnregisterHLSInstance(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	if !h.controller.UnregisterHLSInstance(id) {
		_ = c.Error(apperrors.NewNotFoundError("HLS instance"))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *PerfHandler) RegisterEventListeners(c *gin.Context) {
	element, ok := h.pathID(c, "element")
	if !ok {
		return
	}
	var req struct {
		Listeners []struct {
			Event   string                 `json:"event" binding:"required"`
			Handler string                 `json:"handler"`
			Options map[string]interface{} `json:"options"`
		} `json:"listeners" binding:"required,min=1,dive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		invalid(c, err)
		return
	}

	records := make([]domain.ListenerRecord, 0, len(req.Listeners))
	for _, l := range req.Listeners {
		records = append(records, domain.ListenerRecord{Event: l.Event, Handler: l.Handler, Options: l.Options})
	}
	h.controller.RegisterEventListeners(element, records)
	c.Status(http.StatusCreated)
}

func (h *PerfHandler) UnregisterEventListeners(c *gin.Context) {
	element, ok := h.pathID(c, "element")
	if !ok {
		return
	}
	removed := h.controller.UnregisterEventListeners(element)
	if removed == 0 {
		_ = c.Error(apperrors.NewNotFoundError("event listeners"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

type optimizeRequest struct {
	URL     string              `json:"url" binding:"required"`
	Method  string              `json:"method"`
	Header  map[string][]string `json:"header"`
	Body    []byte              `json:"body"` // base64 in JSON
	Kind    string              `json:"kind"`
	NoBatch bool                `json:"no_batch"`
}

type optimizeResponse struct {
	StatusCode int                 `json:"status_code"`
	Endpoint   string              `json:"endpoint"`
	URL        string              `json:"url"`
	Attempts   int                 `json:"attempts"`
	Batched    bool                `json:"batched"`
	LatencyMs  int64               `json:"latency_ms"`
	Header     map[string][]string `json:"header"`
	Body       []byte              `json:"body"`
}

// OptimizeRequest fetches a URL through the connection optimizer on behalf
// of the player. Aborting the HTTP call cancels the upstream fetch.
func (h *PerfHandler) OptimizeRequest(c *gin.Context) {
	var req optimizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalid(c, err)
		return
	}
	if err := validation.ValidateURL(req.URL); err != nil {
		invalid(c, err)
		return
	}
	kind := domain.RequestKind(req.Kind)
	switch kind {
	case "", domain.RequestSegment, domain.RequestManifest, domain.RequestGeneric:
	default:
		_ = c.Error(apperrors.NewInvalidInputError("kind must be segment, manifest or generic"))
		return
	}

	resp, err := h.controller.OptimizeRequest(c.Request.Context(), req.URL, domain.RequestOptions{
		Method:  req.Method,
		Header:  http.Header(req.Header),
		Body:    req.Body,
		Kind:    kind,
		NoBatch: req.NoBatch,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, optimizeResponse{
		StatusCode: resp.StatusCode,
		Endpoint:   resp.Endpoint,
		URL:        resp.URL,
		Attempts:   resp.Attempts,
		Batched:    resp.Batched,
		LatencyMs:  resp.Latency.Milliseconds(),
		Header:     resp.Header,
		Body:       resp.Body,
	})
}

// maxSubtitleBytes bounds one language's cached subtitle payload
const maxSubtitleBytes = 4 << 20

func (h *PerfHandler) PutSubtitles(c *gin.Context) {
	lang := c.Param("lang")
	if err := validation.ValidateLanguage(lang); err != nil {
		invalid(c, err)
		return
	}

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSubtitleBytes+1))
	if err != nil {
		invalid(c, err)
		return
	}
	if len(data) == 0 || len(data) > maxSubtitleBytes {
		_ = c.Error(apperrors.NewInvalidInputError("subtitle body must be between 1 byte and 4MiB"))
		return
	}

	h.controller.SetSubtitleCache(lang, data)
	c.Status(http.StatusNoContent)
}

func (h *PerfHandler) GetSubtitles(c *gin.Context) {
	lang := c.Param("lang")
	if err := validation.ValidateLanguage(lang); err != nil {
		invalid(c, err)
		return
	}
	data, ok := h.controller.SubtitleCache(lang)
	if !ok {
		_ = c.Error(apperrors.NewNotFoundError("subtitles"))
		return
	}
	c.Data(http.StatusOK, "text/vtt; charset=utf-8", data)
}

func (h *PerfHandler) DeleteSubtitles(c *gin.Context) {
	if !h.controller.ClearSubtitleCache(c.Param("lang")) {
		_ = c.Error(apperrors.NewNotFoundError("subtitles"))
		return
	}
	c.Status(http.StatusNoContent)
}
