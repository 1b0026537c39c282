package kite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// PaperBroker is an in-memory stand-in for the exchange used in dry-run mode.
// Market orders fill at the last known quote; limit orders rest until they
// become marketable or are filled explicitly. A broker opened on a book file
// writes the book back after every change, so separate processes see one
// simulated exchange.
type PaperBroker struct {
	logger *logrus.Logger
	now    func() time.Time
	path   string

	mu        sync.Mutex
	orders    map[string]*models.Order
	positions map[string]*models.Position
	quotes    map[string]decimal.Decimal
	triggers  map[string]models.Trigger
	triggerID int
}

func NewPaperBroker(logger *logrus.Logger) *PaperBroker {
	return &PaperBroker{
		logger:    logger,
		now:       time.Now,
		orders:    make(map[string]*models.Order),
		positions: make(map[string]*models.Position),
		quotes:    make(map[string]decimal.Decimal),
		triggers:  make(map[string]models.Trigger),
	}
}

// paperBook is the on-disk form of the simulated exchange.
type paperBook struct {
	Orders     []*models.Order            `json:"orders"`
	Positions  []*models.Position         `json:"positions"`
	Quotes     map[string]decimal.Decimal `json:"quotes"`
	Triggers   []models.Trigger           `json:"triggers"`
	TriggerSeq int                        `json:"trigger_seq"`
}

// OpenPaperBroker loads the book at path, starting empty when the file does
// not exist yet.
func OpenPaperBroker(path string, logger *logrus.Logger) (*PaperBroker, error) {
	p := NewPaperBroker(logger)
	p.path = path

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read paper book: %w", err)
	}
	var book paperBook
	if err := json.Unmarshal(raw, &book); err != nil {
		return nil, fmt.Errorf("failed to decode paper book %s: %w", path, err)
	}
	for _, o := range book.Orders {
		p.orders[o.OrderID] = o
	}
	for _, pos := range book.Positions {
		p.positions[models.InstrumentKey(pos.Exchange, pos.Symbol)+"/"+pos.Product] = pos
	}
	for key, price := range book.Quotes {
		p.quotes[key] = price
	}
	for _, t := range book.Triggers {
		p.triggers[t.ID] = t
	}
	p.triggerID = book.TriggerSeq
	logger.WithFields(logrus.Fields{
		"path":   path,
		"orders": len(book.Orders),
	}).Debug("Paper book loaded")
	return p, nil
}

// save writes the book to disk when the broker has a file. Must hold mu.
func (p *PaperBroker) save() {
	if p.path == "" {
		return
	}
	book := paperBook{Quotes: p.quotes, TriggerSeq: p.triggerID}
	for _, o := range p.orders {
		book.Orders = append(book.Orders, o)
	}
	sort.Slice(book.Orders, func(i, j int) bool { return book.Orders[i].CreatedAt.Before(book.Orders[j].CreatedAt) })
	for _, pos := range p.positions {
		book.Positions = append(book.Positions, pos)
	}
	for _, t := range p.triggers {
		book.Triggers = append(book.Triggers, t)
	}

	if err := writeFileAtomic(p.path, book); err != nil {
		p.logger.WithError(err).WithField("path", p.path).Warn("Failed to save paper book")
	}
}

func writeFileAtomic(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func newDryRunID() string {
	return "DRY-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// SetQuote records a last traded price and fills any resting orders it crosses.
func (p *PaperBroker) SetQuote(exchange, symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[models.InstrumentKey(exchange, symbol)] = price
	for _, o := range p.orders {
		if o.Exchange == exchange && o.Symbol == symbol && o.Status.IsActive() && p.marketable(o, price) {
			p.fill(o, o.Price)
		}
	}
	p.save()
}

func (p *PaperBroker) PlaceOrder(_ context.Context, req *models.OrderRequest) (string, error) {
	if req.Quantity <= 0 {
		return "", models.NewRejection(http.StatusBadRequest, "quantity must be positive")
	}
	if req.Type == models.OrderTypeLimit && !req.Price.IsPositive() {
		return "", models.NewRejection(http.StatusBadRequest, "limit orders need a positive price")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	o := &models.Order{
		OrderID:      newDryRunID(),
		Symbol:       req.Symbol,
		Exchange:     req.Exchange,
		Side:         req.Side,
		Type:         req.Type,
		Quantity:     req.Quantity,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Product:      req.Product,
		Variety:      Variety(req.Variety),
		Validity:     req.Validity,
		Tag:          req.Tag,
		Status:       models.OrderStatusOpen,
		Role:         models.RoleUnspecified,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	p.orders[o.OrderID] = o

	ltp, quoted := p.quotes[models.InstrumentKey(o.Exchange, o.Symbol)]
	switch {
	case o.Type == models.OrderTypeMarket:
		price := ltp
		if !quoted {
			price = o.Price
		}
		p.fill(o, price)
	case quoted && o.Type == models.OrderTypeLimit && p.marketable(o, ltp):
		p.fill(o, o.Price)
	}
	p.save()

	p.logger.WithFields(logrus.Fields{
		"order_id": o.OrderID,
		"symbol":   o.Symbol,
		"side":     o.Side,
		"quantity": o.Quantity,
		"price":    o.Price.String(),
		"status":   o.Status,
	}).Debug("Paper order placed")
	return o.OrderID, nil
}

func (p *PaperBroker) ModifyOrder(_ context.Context, _ string, orderID string, update models.OrderUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return models.NewRejection(http.StatusNotFound, "order not found: "+orderID)
	}
	if !o.Status.IsActive() {
		return models.NewRejection(http.StatusBadRequest, fmt.Sprintf("order %s is %s and cannot be modified", orderID, o.Status))
	}
	if update.Quantity != nil {
		o.Quantity = *update.Quantity
	}
	if update.Price != nil {
		o.Price = *update.Price
	}
	if update.TriggerPrice != nil {
		o.TriggerPrice = *update.TriggerPrice
	}
	if update.Type != nil {
		o.Type = *update.Type
	}
	o.UpdatedAt = p.now()

	if ltp, ok := p.quotes[models.InstrumentKey(o.Exchange, o.Symbol)]; ok && p.marketable(o, ltp) {
		p.fill(o, o.Price)
	}
	p.save()
	return nil
}

func (p *PaperBroker) CancelOrder(_ context.Context, _ string, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return models.NewRejection(http.StatusNotFound, "order not found: "+orderID)
	}
	if !o.Status.IsActive() {
		return models.NewRejection(http.StatusBadRequest, fmt.Sprintf("order %s is already %s", orderID, o.Status))
	}
	o.Status = models.OrderStatusCancelled
	o.UpdatedAt = p.now()
	p.save()
	return nil
}

// Fill completes a resting order at price, as if the exchange had matched it.
func (p *PaperBroker) Fill(orderID string, price decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrOrderNotFound, orderID)
	}
	if !o.Status.IsActive() {
		return fmt.Errorf("order %s is already %s", orderID, o.Status)
	}
	p.fill(o, price)
	p.save()
	return nil
}

func (p *PaperBroker) ListOrders(context.Context) ([]*models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*models.Order, 0, len(p.orders))
	for _, o := range p.orders {
		c := *o
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (p *PaperBroker) ListPositions(context.Context) ([]models.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		c := *pos
		if ltp, ok := p.quotes[models.InstrumentKey(pos.Exchange, pos.Symbol)]; ok {
			c.LastPrice = ltp
		}
		if !c.LastPrice.IsZero() {
			c.PnL = c.LastPrice.Sub(c.AveragePrice).Mul(decimal.NewFromInt(int64(c.Quantity)))
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (p *PaperBroker) GetQuote(_ context.Context, instruments ...string) (map[string]decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(instruments))
	for _, key := range instruments {
		if price, ok := p.quotes[key]; ok {
			out[key] = price
		}
	}
	return out, nil
}

func (p *PaperBroker) CreateTrigger(_ context.Context, trigger *models.Trigger) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.triggerID++
	t := *trigger
	t.ID = "DRY-GTT-" + strconv.Itoa(p.triggerID)
	t.Status = "active"
	t.CreatedAt = p.now()
	p.triggers[t.ID] = t
	p.save()
	return t.ID, nil
}

func (p *PaperBroker) DeleteTrigger(_ context.Context, triggerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.triggers[triggerID]; !ok {
		return models.NewRejection(http.StatusNotFound, "trigger not found: "+triggerID)
	}
	delete(p.triggers, triggerID)
	p.save()
	return nil
}

func (p *PaperBroker) ListTriggers(context.Context) ([]models.Trigger, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Trigger, 0, len(p.triggers))
	for _, t := range p.triggers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// marketable reports whether a resting limit order crosses ltp. Must hold mu.
func (p *PaperBroker) marketable(o *models.Order, ltp decimal.Decimal) bool {
	if o.Type != models.OrderTypeLimit || ltp.IsZero() {
		return false
	}
	if o.Side == models.OrderSideBuy {
		return o.Price.GreaterThanOrEqual(ltp)
	}
	return o.Price.LessThanOrEqual(ltp)
}

// fill marks o complete and folds it into the simulated position. Must hold mu.
func (p *PaperBroker) fill(o *models.Order, price decimal.Decimal) {
	o.Status = models.OrderStatusFilled
	o.UpdatedAt = p.now()

	key := models.InstrumentKey(o.Exchange, o.Symbol) + "/" + o.Product
	pos, ok := p.positions[key]
	if !ok {
		pos = &models.Position{Symbol: o.Symbol, Exchange: o.Exchange, Product: o.Product}
	}
	signed := o.Quantity
	if o.Side == models.OrderSideSell {
		signed = -signed
	}
	pos.Quantity, pos.AveragePrice = applyTrade(pos.Quantity, pos.AveragePrice, signed, price)
	if !price.IsZero() {
		pos.LastPrice = price
	}
	pos.UpdatedAt = o.UpdatedAt
	if pos.Quantity == 0 {
		delete(p.positions, key)
		return
	}
	p.positions[key] = pos
}

// applyTrade folds a signed fill into a running position and returns the new
// quantity and average price.
func applyTrade(qty int, avg decimal.Decimal, signed int, price decimal.Decimal) (int, decimal.Decimal) {
	if signed == 0 {
		return qty, avg
	}
	if price.IsZero() {
		price = avg
	}
	next := qty + signed
	switch {
	case qty == 0:
		return next, price
	case (qty > 0) == (signed > 0):
		// adding to the same side: weighted average
		total := avg.Mul(decimal.NewFromInt(int64(abs(qty)))).Add(price.Mul(decimal.NewFromInt(int64(abs(signed)))))
		return next, total.Div(decimal.NewFromInt(int64(abs(next))))
	case abs(signed) < abs(qty):
		return next, avg
	case next == 0:
		return 0, decimal.Zero
	default:
		// reversal: the remainder opens at the trade price
		return next, price
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
