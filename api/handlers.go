package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gregtusar/kiteexec/pkg/cancel"
	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/gregtusar/kiteexec/pkg/triggers"
	"github.com/shopspring/decimal"
)

type orderView struct {
	OrderID           string             `json:"order_id"`
	Symbol            string             `json:"symbol"`
	Exchange          string             `json:"exchange"`
	Side              models.OrderSide   `json:"side"`
	Type              models.OrderType   `json:"type"`
	Quantity          int                `json:"quantity"`
	Price             decimal.Decimal    `json:"price"`
	TriggerPrice      decimal.Decimal    `json:"trigger_price"`
	Product           string             `json:"product"`
	Status            models.OrderStatus `json:"status"`
	Reason            string             `json:"reason,omitempty"`
	Role              models.OrderRole   `json:"role"`
	Group             string             `json:"group,omitempty"`
	StrategyID        string             `json:"strategy_id,omitempty"`
	Protected         bool               `json:"protected"`
	ModificationCount int                `json:"modification_count"`
	ParentJobID       string             `json:"parent_job_id,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

func viewOrder(o *models.Order) orderView {
	return orderView{
		OrderID:           o.OrderID,
		Symbol:            o.Symbol,
		Exchange:          o.Exchange,
		Side:              o.Side,
		Type:              o.Type,
		Quantity:          o.Quantity,
		Price:             o.Price,
		TriggerPrice:      o.TriggerPrice,
		Product:           o.Product,
		Status:            o.Status,
		Reason:            o.Reason,
		Role:              o.Role,
		Group:             o.Group,
		StrategyID:        o.StrategyID,
		Protected:         o.Protected,
		ModificationCount: o.ModificationCount,
		ParentJobID:       o.ParentJobID,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
}

type jobView struct {
	JobID         string           `json:"job_id"`
	Type          models.JobType   `json:"type"`
	State         models.JobState  `json:"state"`
	Params        models.JobParams `json:"params"`
	ChildOrderIDs []string         `json:"child_order_ids"`
	Error         string           `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	EndedAt       *time.Time       `json:"ended_at,omitempty"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func viewJob(j *models.AlgoJob) jobView {
	return jobView{
		JobID:         j.JobID,
		Type:          j.Type,
		State:         j.State,
		Params:        j.Params,
		ChildOrderIDs: j.ChildOrderIDs,
		Error:         j.Error,
		CreatedAt:     j.CreatedAt,
		StartedAt:     optionalTime(j.StartedAt),
		EndedAt:       optionalTime(j.EndedAt),
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"mode":      s.engine.Mode,
		"integrity": s.engine.Integrity,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleListOrders(c *gin.Context) {
	pred, err := cancel.Compile(c.Query("where"))
	if err != nil {
		s.fail(c, err)
		return
	}
	orders := s.engine.Cancels.Select(pred)
	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, viewOrder(o))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleGetOrder(c *gin.Context) {
	o, err := s.engine.Registry.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOrder(o))
}

type placeRequest struct {
	Symbol       string          `json:"symbol" binding:"required"`
	Exchange     string          `json:"exchange"`
	Side         string          `json:"side" binding:"required"`
	Type         string          `json:"type"`
	Quantity     int             `json:"quantity" binding:"required,gt=0"`
	Price        decimal.Decimal `json:"price"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Product      string          `json:"product"`
	Variety      string          `json:"variety"`
	Validity     string          `json:"validity"`
	Role         string          `json:"role"`
	Group        string          `json:"group"`
	StrategyID   string          `json:"strategy_id"`
	Protected    *bool           `json:"protected"`
}

func (r placeRequest) toOrderRequest(defaultExchange, defaultProduct string) models.OrderRequest {
	req := models.OrderRequest{
		Symbol:       strings.ToUpper(r.Symbol),
		Exchange:     strings.ToUpper(r.Exchange),
		Side:         models.OrderSide(strings.ToUpper(r.Side)),
		Type:         models.OrderType(strings.ToUpper(r.Type)),
		Quantity:     r.Quantity,
		Price:        r.Price,
		TriggerPrice: r.TriggerPrice,
		Product:      r.Product,
		Variety:      r.Variety,
		Validity:     r.Validity,
		Role:         models.ParseRole(r.Role),
		Group:        r.Group,
		StrategyID:   r.StrategyID,
		Protected:    r.Protected,
	}
	if req.Exchange == "" {
		req.Exchange = defaultExchange
	}
	if req.Product == "" {
		req.Product = defaultProduct
	}
	if req.Type == "" {
		req.Type = models.OrderTypeLimit
		if req.Price.IsZero() {
			req.Type = models.OrderTypeMarket
		}
	}
	return req
}

func (s *Server) handlePlaceOrder(c *gin.Context) {
	var body placeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	trading := s.engine.Config.Trading
	res, err := s.engine.Router.Place(c.Request.Context(), body.toOrderRequest(trading.DefaultExchange, trading.DefaultProduct))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

type modifyRequest struct {
	Quantity     *int             `json:"quantity"`
	Price        *decimal.Decimal `json:"price"`
	TriggerPrice *decimal.Decimal `json:"trigger_price"`
	Type         *string          `json:"type"`
}

func (s *Server) handleModifyOrder(c *gin.Context) {
	var body modifyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	update := models.OrderUpdate{Quantity: body.Quantity, Price: body.Price, TriggerPrice: body.TriggerPrice}
	if body.Type != nil {
		t := models.OrderType(strings.ToUpper(*body.Type))
		update.Type = &t
	}
	if update.Quantity == nil && update.Price == nil && update.TriggerPrice == nil && update.Type == nil {
		abort(c, http.StatusBadRequest, "nothing to modify")
		return
	}

	res, err := s.engine.Router.Modify(c.Request.Context(), c.Param("id"), update)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	res, err := s.engine.Router.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type bulkCancelRequest struct {
	Where            string `json:"where"`
	All              bool   `json:"all"`
	Ladder           string `json:"ladder"`
	Nonessential     bool   `json:"nonessential"`
	StrategyID       string `json:"strategy_id"`
	IncludeProtected bool   `json:"include_protected"`
	Confirm          bool   `json:"confirm"`
}

func (s *Server) handleBulkCancel(c *gin.Context) {
	var body bulkCancelRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}

	selectors := 0
	for _, set := range []bool{body.Where != "", body.All, body.Ladder != "", body.Nonessential} {
		if set {
			selectors++
		}
	}
	if selectors != 1 {
		abort(c, http.StatusBadRequest, "exactly one of where, all, ladder or nonessential is required")
		return
	}

	ctx := c.Request.Context()
	flags := cancel.Flags{IncludeProtected: body.IncludeProtected, Confirm: body.Confirm}
	var (
		report cancel.Report
		err    error
	)
	switch {
	case body.Where != "":
		report, err = s.engine.Cancels.CancelWhere(ctx, body.Where, flags)
	case body.All:
		report, err = s.engine.Cancels.CancelAll(ctx, flags)
	case body.Ladder != "":
		report, err = s.engine.Cancels.CancelLadder(ctx, strings.ToUpper(body.Ladder), flags)
	default:
		report, err = s.engine.Cancels.CancelNonessential(ctx, body.StrategyID)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type jobRequest struct {
	Type   models.JobType   `json:"type" binding:"required"`
	Params models.JobParams `json:"params"`
}

func (s *Server) handleStartJob(c *gin.Context) {
	var body jobRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	// jobs outlive the request that started them
	job, err := s.engine.Jobs.Start(c.Request.Context(), models.JobType(strings.ToLower(string(body.Type))), body.Params)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, viewJob(job))
}

func (s *Server) handleListJobs(c *gin.Context) {
	jobs := s.engine.Jobs.List()
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, viewJob(j))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.engine.Jobs.Status(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewJob(job))
}

func (s *Server) handleCancelJob(c *gin.Context) {
	job, err := s.engine.Jobs.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewJob(job))
}

type triggerLeg struct {
	Side     string          `json:"side"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

func (l triggerLeg) model() models.TriggerLeg {
	return models.TriggerLeg{
		Side:     models.OrderSide(strings.ToUpper(l.Side)),
		Type:     models.OrderTypeLimit,
		Quantity: l.Quantity,
		Price:    l.Price,
	}
}

type triggerRequest struct {
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol" binding:"required"`
	Product  string          `json:"product"`
	Value    decimal.Decimal `json:"trigger_value"`
	Leg      *triggerLeg     `json:"leg"`
	// Stop and Target make a two-leg trigger.
	Stop      decimal.Decimal `json:"stop_value"`
	StopLeg   *triggerLeg     `json:"stop_leg"`
	Target    decimal.Decimal `json:"target_value"`
	TargetLeg *triggerLeg     `json:"target_leg"`
	LastPrice decimal.Decimal `json:"last_price"`
}

func (r triggerRequest) build(defaultExchange, defaultProduct string) (*models.Trigger, error) {
	exchange, product := strings.ToUpper(r.Exchange), r.Product
	if exchange == "" {
		exchange = defaultExchange
	}
	if product == "" {
		product = defaultProduct
	}
	symbol := strings.ToUpper(r.Symbol)

	var t *models.Trigger
	switch {
	case r.StopLeg != nil && r.TargetLeg != nil:
		t = triggers.OCO(exchange, symbol, product, r.Stop, r.StopLeg.model(), r.Target, r.TargetLeg.model())
	case r.Leg != nil:
		t = triggers.Single(exchange, symbol, product, r.Value, r.Leg.model())
	default:
		return nil, errors.New("either leg or both stop_leg and target_leg are required")
	}
	t.LastPrice = r.LastPrice
	return t, nil
}

func (s *Server) handleCreateTrigger(c *gin.Context) {
	var body triggerRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	trading := s.engine.Config.Trading
	t, err := body.build(trading.DefaultExchange, trading.DefaultProduct)
	if err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.engine.Triggers.Create(c.Request.Context(), t)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"trigger_id": id, "mode": s.engine.Mode})
}

func (s *Server) handleListTriggers(c *gin.Context) {
	list, err := s.engine.Triggers.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleDeleteTrigger(c *gin.Context) {
	if err := s.engine.Triggers.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReconcile(c *gin.Context) {
	report, err := s.engine.Reconcile(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleLimits(c *gin.Context) {
	budgets := s.engine.Limiter.Budgets()
	out := make([]gin.H, 0, len(budgets))
	for _, b := range budgets {
		out = append(out, gin.H{
			"scope":    b.Name,
			"capacity": b.Capacity,
			"window":   b.Window.String(),
			"consumed": b.Consumed,
			"queued":   b.Queued,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleHistory(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abort(c, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, s.engine.Router.History(limit))
}
