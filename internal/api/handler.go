package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"groupbuy-service/internal/models"
	"groupbuy-service/internal/service"
	"groupbuy-service/internal/util"
)

// ReadinessCheck reports whether a dependency can serve requests.
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	commitments *service.CommitmentService
	cancel      *service.CancellationPolicy
	advance     *service.AdvancementPolicy
	selection   *service.SelectionEngine
	ready       map[string]ReadinessCheck
	logger      *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	commitments *service.CommitmentService,
	cancel *service.CancellationPolicy,
	advance *service.AdvancementPolicy,
	selection *service.SelectionEngine,
) *Handler {
	return &Handler{
		commitments: commitments,
		cancel:      cancel,
		advance:     advance,
		selection:   selection,
		ready:       make(map[string]ReadinessCheck),
		logger:      util.GetLogger(),
	}
}

// AddReadinessCheck registers a dependency probed by /ready.
func (h *Handler) AddReadinessCheck(name string, check ReadinessCheck) {
	h.ready[name] = check
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/commitments", h.createCommitment)
		v1.GET("/commitments/:id", h.getCommitment)
		v1.GET("/commitments/:id/cancellation", h.canCancel)
		v1.POST("/commitments/:id/cancel", h.cancelCommitment)
		v1.GET("/commitments/:id/advancement", h.canAdvance)
		v1.POST("/commitments/:id/advance", h.advanceCommitment)

		v1.GET("/actors/:id/cancellation-record", h.getCancellationRecord)

		v1.POST("/offers", h.submitOffer)
		v1.POST("/closures", h.processClosure)
		v1.POST("/offers/:id/failure", h.fulfillmentFailure)
		v1.POST("/offers/:id/fulfilled", h.fulfillmentConfirmed)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.ready {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type createCommitmentRequest struct {
	ActorID     int64           `json:"actor_id" binding:"required"`
	Kind        string          `json:"kind" binding:"required"`
	Category    string          `json:"category" binding:"required"`
	Name        string          `json:"name" binding:"required"`
	TargetPrice decimal.Decimal `json:"target_price"`
	Quantity    int             `json:"quantity" binding:"required"`
	Deadline    string          `json:"deadline" binding:"required"`
}

type cancelRequest struct {
	ActorID int64  `json:"actor_id" binding:"required"`
	Reason  string `json:"reason"`
}

type advanceRequest struct {
	ActorID int64  `json:"actor_id" binding:"required"`
	NewDate string `json:"new_date" binding:"required"`
}

type offerRequest struct {
	ID          int64           `json:"id" binding:"required"`
	SellerID    int64           `json:"seller_id" binding:"required"`
	Category    string          `json:"category"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	Reliability float64         `json:"reliability"`
	CreatedAt   *time.Time      `json:"created_at"`
}

func (r offerRequest) toOffer(key models.ProductKey) models.Offer {
	o := models.Offer{
		ID:          r.ID,
		SellerID:    r.SellerID,
		ProductKey:  key,
		Price:       r.Price,
		Reliability: r.Reliability,
	}
	if r.CreatedAt != nil {
		o.CreatedAt = r.CreatedAt.UTC()
	}
	return o
}

type closureRequest struct {
	Category string         `json:"category" binding:"required"`
	Name     string         `json:"name" binding:"required"`
	Deadline string         `json:"deadline"`
	Offers   []offerRequest `json:"offers"`
}

type failureRequest struct {
	Reason string `json:"reason"`
}

// createCommitment handles commitment creation
func (h *Handler) createCommitment(c *gin.Context) {
	var req createCommitmentRequest
	if !bindJSON(c, &req) {
		return
	}

	deadline, err := parseDate(req.Deadline)
	if err != nil {
		badRequest(c, "Invalid deadline", err)
		return
	}

	commitment, err := h.commitments.Create(c.Request.Context(), &service.CreateCommitmentRequest{
		ActorID:     req.ActorID,
		Kind:        models.CommitmentKind(req.Kind),
		Category:    req.Category,
		Name:        req.Name,
		TargetPrice: req.TargetPrice,
		Quantity:    req.Quantity,
		Deadline:    deadline,
	})
	if err != nil {
		h.writeError(c, "Failed to create commitment", err)
		return
	}

	c.JSON(http.StatusCreated, commitment)
}

// getCommitment handles get commitment by ID
func (h *Handler) getCommitment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	commitment, err := h.commitments.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "Commitment not found", err)
		return
	}

	c.JSON(http.StatusOK, commitment)
}

func (h *Handler) canCancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	check, err := h.cancel.CanCancel(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "Failed to check cancellation", err)
		return
	}

	c.JSON(http.StatusOK, check)
}

// cancelCommitment returns 200 for both accepted and declined requests; the body says which.
func (h *Handler) cancelCommitment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req cancelRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.cancel.Cancel(c.Request.Context(), req.ActorID, id, req.Reason)
	if err != nil {
		h.writeError(c, "Failed to cancel commitment", err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) canAdvance(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	newDate, err := parseDate(c.Query("new_date"))
	if err != nil {
		badRequest(c, "Invalid new_date", err)
		return
	}

	check, err := h.advance.CanAdvance(c.Request.Context(), id, newDate)
	if err != nil {
		h.writeError(c, "Failed to check advancement", err)
		return
	}

	c.JSON(http.StatusOK, check)
}

func (h *Handler) advanceCommitment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req advanceRequest
	if !bindJSON(c, &req) {
		return
	}
	newDate, err := parseDate(req.NewDate)
	if err != nil {
		badRequest(c, "Invalid new_date", err)
		return
	}

	res, err := h.advance.Advance(c.Request.Context(), req.ActorID, id, newDate)
	if err != nil {
		h.writeError(c, "Failed to advance commitment", err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) getCancellationRecord(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	rec, err := h.cancel.Record(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "Failed to load cancellation record", err)
		return
	}

	c.JSON(http.StatusOK, rec)
}

func (h *Handler) submitOffer(c *gin.Context) {
	var req offerRequest
	if !bindJSON(c, &req) {
		return
	}

	offer := req.toOffer(models.ProductKey{Category: req.Category, Name: req.Name})
	if err := h.selection.SubmitOffer(c.Request.Context(), &offer); err != nil {
		h.writeError(c, "Failed to submit offer", err)
		return
	}

	c.JSON(http.StatusCreated, offer)
}

func (h *Handler) processClosure(c *gin.Context) {
	var req closureRequest
	if !bindJSON(c, &req) {
		return
	}

	var deadline time.Time
	if req.Deadline != "" {
		d, err := parseDate(req.Deadline)
		if err != nil {
			badRequest(c, "Invalid deadline", err)
			return
		}
		deadline = d
	}

	key := models.ProductKey{Category: req.Category, Name: req.Name}
	pool := make([]models.Offer, 0, len(req.Offers))
	for _, o := range req.Offers {
		pool = append(pool, o.toOffer(key))
	}

	round, err := h.selection.ProcessClosureAt(c.Request.Context(), key, deadline, pool)
	if err != nil {
		h.writeError(c, "Failed to process closure", err)
		return
	}

	c.JSON(http.StatusOK, round)
}

func (h *Handler) fulfillmentFailure(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req failureRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	res, err := h.selection.HandleFulfillmentFailure(c.Request.Context(), id, req.Reason)
	if err != nil {
		h.writeError(c, "Failed to handle fulfillment failure", err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) fulfillmentConfirmed(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	round, err := h.selection.ConfirmFulfillment(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "Failed to confirm fulfillment", err)
		return
	}

	c.JSON(http.StatusOK, round)
}

// writeError maps the error taxonomy onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrPolicyViolation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrConcurrencyConflict), errors.Is(err, models.ErrInvariantViolation):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	}

	c.JSON(status, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}

func badRequest(c *gin.Context, msg string, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}

func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		badRequest(c, "Invalid request body", err)
		return false
	}
	return true
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid ID",
		})
		return 0, false
	}
	return id, true
}

// parseDate accepts RFC3339 timestamps or plain dates, which are read as midnight UTC.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("date is required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD or RFC3339, got %q", s)
	}
	return t, nil
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
