package kite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const DefaultBaseURL = "https://api.kite.trade"

// Kite reports timestamps in exchange local time.
var exchangeTZ = time.FixedZone("IST", 5*3600+30*60)

type RESTClient struct {
	baseURL    string
	auth       Authenticator
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *logrus.Logger
}

type ClientOptions struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

func NewRESTClient(auth Authenticator, opts ClientOptions, logger *logrus.Logger) *RESTClient {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &RESTClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		auth:       auth,
		httpClient: httpClient,
		logger:     logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "kite-rest",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// business rejections mean the broker is healthy
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, models.ErrBrokerRejection) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})
	return c
}

type envelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
}

// classify maps an HTTP failure onto the transient/rejection split.
func classify(status int, message string) error {
	if message == "" {
		message = http.StatusText(status)
	}
	if status >= 500 || status == http.StatusTooManyRequests || status == 0 {
		return models.NewTransient(status, message)
	}
	return models.NewRejection(status, message)
}

func (c *RESTClient) do(ctx context.Context, method, path string, form url.Values, query url.Values, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, form, query, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return models.NewTransient(0, err.Error())
	}
	return err
}

func (c *RESTClient) roundTrip(ctx context.Context, method, path string, form url.Values, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if err := c.auth.AddAuthHeaders(req); err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return models.NewTransient(0, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.NewTransient(resp.StatusCode, err.Error())
	}

	c.logger.WithFields(logrus.Fields{
		"method":  method,
		"path":    path,
		"status":  resp.StatusCode,
		"elapsed": time.Since(start).String(),
	}).Debug("Kite request")

	var env envelope
	if jsonErr := json.Unmarshal(raw, &env); jsonErr != nil {
		if resp.StatusCode >= 300 {
			return classify(resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return fmt.Errorf("failed to decode response from %s: %w", path, jsonErr)
	}
	if resp.StatusCode >= 300 || env.Status == "error" {
		status := resp.StatusCode
		if status < 300 {
			status = http.StatusBadRequest
		}
		return classify(status, env.Message)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode data from %s: %w", path, err)
		}
	}
	return nil
}

func (c *RESTClient) PlaceOrder(ctx context.Context, req *models.OrderRequest) (string, error) {
	form := url.Values{
		"tradingsymbol":    {req.Symbol},
		"exchange":         {req.Exchange},
		"transaction_type": {string(req.Side)},
		"order_type":       {string(req.Type)},
		"quantity":         {strconv.Itoa(req.Quantity)},
		"product":          {req.Product},
	}
	if req.Validity != "" {
		form.Set("validity", req.Validity)
	}
	if !req.Price.IsZero() {
		form.Set("price", req.Price.String())
	}
	if !req.TriggerPrice.IsZero() {
		form.Set("trigger_price", req.TriggerPrice.String())
	}
	if req.Tag != "" {
		form.Set("tag", req.Tag)
	}
	if !req.MarketProtection.IsZero() {
		form.Set("market_protection", req.MarketProtection.String())
	}
	if req.Autoslice {
		form.Set("autoslice", "true")
	}

	var data struct {
		OrderID string `json:"order_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/orders/"+Variety(req.Variety), form, nil, &data); err != nil {
		return "", err
	}
	if data.OrderID == "" {
		return "", models.NewTransient(0, "broker acknowledged order without an id")
	}
	return data.OrderID, nil
}

func (c *RESTClient) ModifyOrder(ctx context.Context, variety, orderID string, update models.OrderUpdate) error {
	form := url.Values{}
	if update.Quantity != nil {
		form.Set("quantity", strconv.Itoa(*update.Quantity))
	}
	if update.Price != nil {
		form.Set("price", update.Price.String())
	}
	if update.TriggerPrice != nil {
		form.Set("trigger_price", update.TriggerPrice.String())
	}
	if update.Type != nil {
		form.Set("order_type", string(*update.Type))
	}
	return c.do(ctx, http.MethodPut, "/orders/"+Variety(variety)+"/"+url.PathEscape(orderID), form, nil, nil)
}

func (c *RESTClient) CancelOrder(ctx context.Context, variety, orderID string) error {
	return c.do(ctx, http.MethodDelete, "/orders/"+Variety(variety)+"/"+url.PathEscape(orderID), nil, nil, nil)
}

type wireOrder struct {
	OrderID         string          `json:"order_id"`
	Status          string          `json:"status"`
	StatusMessage   string          `json:"status_message"`
	TradingSymbol   string          `json:"tradingsymbol"`
	Exchange        string          `json:"exchange"`
	TransactionType string          `json:"transaction_type"`
	OrderType       string          `json:"order_type"`
	Quantity        int             `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	TriggerPrice    decimal.Decimal `json:"trigger_price"`
	Product         string          `json:"product"`
	Variety         string          `json:"variety"`
	Validity        string          `json:"validity"`
	Tag             string          `json:"tag"`
	OrderTimestamp  string          `json:"order_timestamp"`
}

func (w wireOrder) toModel() *models.Order {
	ts := parseTimestamp(w.OrderTimestamp)
	return &models.Order{
		OrderID:      w.OrderID,
		Symbol:       w.TradingSymbol,
		Exchange:     w.Exchange,
		Side:         models.OrderSide(strings.ToUpper(w.TransactionType)),
		Type:         models.OrderType(strings.ToUpper(w.OrderType)),
		Quantity:     w.Quantity,
		Price:        w.Price,
		TriggerPrice: w.TriggerPrice,
		Product:      w.Product,
		Variety:      Variety(w.Variety),
		Validity:     w.Validity,
		Status:       ParseStatus(w.Status),
		Reason:       w.StatusMessage,
		Tag:          w.Tag,
		Role:         models.RoleUnspecified,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04:05.000000"} {
		if t, err := time.ParseInLocation(layout, raw, exchangeTZ); err == nil {
			return t
		}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	return time.Time{}
}

func (c *RESTClient) ListOrders(ctx context.Context) ([]*models.Order, error) {
	var data []wireOrder
	if err := c.do(ctx, http.MethodGet, "/orders", nil, nil, &data); err != nil {
		return nil, err
	}
	orders := make([]*models.Order, 0, len(data))
	for _, w := range data {
		if w.OrderID == "" {
			continue
		}
		orders = append(orders, w.toModel())
	}
	return orders, nil
}

type wirePosition struct {
	TradingSymbol string          `json:"tradingsymbol"`
	Exchange      string          `json:"exchange"`
	Product       string          `json:"product"`
	Quantity      int             `json:"quantity"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	LastPrice     decimal.Decimal `json:"last_price"`
	PnL           decimal.Decimal `json:"pnl"`
}

func (c *RESTClient) ListPositions(ctx context.Context) ([]models.Position, error) {
	var data struct {
		Net []wirePosition `json:"net"`
		Day []wirePosition `json:"day"`
	}
	if err := c.do(ctx, http.MethodGet, "/portfolio/positions", nil, nil, &data); err != nil {
		return nil, err
	}

	now := time.Now()
	positions := make([]models.Position, 0, len(data.Net))
	seen := make(map[string]bool, len(data.Net))
	add := func(w wirePosition) {
		key := models.InstrumentKey(w.Exchange, w.TradingSymbol) + "/" + w.Product
		if seen[key] {
			return
		}
		seen[key] = true
		positions = append(positions, models.Position{
			Symbol:       w.TradingSymbol,
			Exchange:     w.Exchange,
			Product:      w.Product,
			Quantity:     w.Quantity,
			AveragePrice: w.AveragePrice,
			LastPrice:    w.LastPrice,
			PnL:          w.PnL,
			UpdatedAt:    now,
		})
	}
	// net wins; day-only entries fill the gaps
	for _, w := range data.Net {
		add(w)
	}
	for _, w := range data.Day {
		add(w)
	}
	return positions, nil
}

func (c *RESTClient) GetQuote(ctx context.Context, instruments ...string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(instruments))
	if len(instruments) == 0 {
		return out, nil
	}
	query := url.Values{}
	seen := make(map[string]bool, len(instruments))
	for _, key := range instruments {
		if !seen[key] {
			seen[key] = true
			query.Add("i", key)
		}
	}

	var data map[string]struct {
		LastPrice *decimal.Decimal `json:"last_price"`
	}
	if err := c.do(ctx, http.MethodGet, "/quote/ltp", nil, query, &data); err != nil {
		return nil, err
	}
	for key, item := range data {
		if item.LastPrice != nil {
			out[key] = *item.LastPrice
		}
	}
	return out, nil
}

type wireTriggerOrder struct {
	Exchange        string          `json:"exchange"`
	TradingSymbol   string          `json:"tradingsymbol"`
	TransactionType string          `json:"transaction_type"`
	Quantity        int             `json:"quantity"`
	OrderType       string          `json:"order_type"`
	Product         string          `json:"product,omitempty"`
	Price           decimal.Decimal `json:"price"`
}

type wireCondition struct {
	Exchange      string            `json:"exchange"`
	TradingSymbol string            `json:"tradingsymbol"`
	TriggerValues []decimal.Decimal `json:"trigger_values"`
	LastPrice     decimal.Decimal   `json:"last_price"`
}

type wireTrigger struct {
	ID        json.Number        `json:"id"`
	Type      string             `json:"type"`
	Status    string             `json:"status"`
	CreatedAt string             `json:"created_at"`
	Condition wireCondition      `json:"condition"`
	Orders    []wireTriggerOrder `json:"orders"`
}

// Outgoing trigger payloads carry plain JSON numbers.
type sendCondition struct {
	Exchange      string        `json:"exchange"`
	TradingSymbol string        `json:"tradingsymbol"`
	TriggerValues []json.Number `json:"trigger_values"`
	LastPrice     json.Number   `json:"last_price"`
}

type sendTriggerOrder struct {
	Exchange        string      `json:"exchange"`
	TradingSymbol   string      `json:"tradingsymbol"`
	TransactionType string      `json:"transaction_type"`
	Quantity        int         `json:"quantity"`
	OrderType       string      `json:"order_type"`
	Product         string      `json:"product,omitempty"`
	Price           json.Number `json:"price"`
}

func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

func (c *RESTClient) CreateTrigger(ctx context.Context, trigger *models.Trigger) (string, error) {
	values := make([]json.Number, len(trigger.TriggerValues))
	for i, v := range trigger.TriggerValues {
		values[i] = number(v)
	}
	cond, err := json.Marshal(sendCondition{
		Exchange:      trigger.Exchange,
		TradingSymbol: trigger.Symbol,
		TriggerValues: values,
		LastPrice:     number(trigger.LastPrice),
	})
	if err != nil {
		return "", err
	}
	legs := make([]sendTriggerOrder, len(trigger.Legs))
	for i, leg := range trigger.Legs {
		legs[i] = sendTriggerOrder{
			Exchange:        trigger.Exchange,
			TradingSymbol:   trigger.Symbol,
			TransactionType: string(leg.Side),
			Quantity:        leg.Quantity,
			OrderType:       string(leg.Type),
			Product:         trigger.Product,
			Price:           number(leg.Price),
		}
	}
	orders, err := json.Marshal(legs)
	if err != nil {
		return "", err
	}

	form := url.Values{
		"type":      {string(trigger.Type)},
		"condition": {string(cond)},
		"orders":    {string(orders)},
	}
	var data struct {
		TriggerID json.Number `json:"trigger_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/gtt/triggers", form, nil, &data); err != nil {
		return "", err
	}
	return data.TriggerID.String(), nil
}

func (c *RESTClient) DeleteTrigger(ctx context.Context, triggerID string) error {
	return c.do(ctx, http.MethodDelete, "/gtt/triggers/"+url.PathEscape(triggerID), nil, nil, nil)
}

func (c *RESTClient) ListTriggers(ctx context.Context) ([]models.Trigger, error) {
	var data []wireTrigger
	if err := c.do(ctx, http.MethodGet, "/gtt/triggers", nil, nil, &data); err != nil {
		return nil, err
	}
	triggers := make([]models.Trigger, 0, len(data))
	for _, w := range data {
		t := models.Trigger{
			ID:            w.ID.String(),
			Type:          models.TriggerType(w.Type),
			Symbol:        w.Condition.TradingSymbol,
			Exchange:      w.Condition.Exchange,
			TriggerValues: w.Condition.TriggerValues,
			LastPrice:     w.Condition.LastPrice,
			Status:        w.Status,
			CreatedAt:     parseTimestamp(w.CreatedAt),
		}
		for _, o := range w.Orders {
			if t.Product == "" {
				t.Product = o.Product
			}
			t.Legs = append(t.Legs, models.TriggerLeg{
				Side:     models.OrderSide(strings.ToUpper(o.TransactionType)),
				Type:     models.OrderType(strings.ToUpper(o.OrderType)),
				Quantity: o.Quantity,
				Price:    o.Price,
			})
		}
		triggers = append(triggers, t)
	}
	return triggers, nil
}
