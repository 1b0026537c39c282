package kite

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const DefaultTickerURL = "wss://ws.kite.trade"

type Tick struct {
	Token      uint32
	Instrument string
	LastPrice  decimal.Decimal
	At         time.Time
}

type TickHandler func(Tick)

// Ticker streams last traded prices over the Kite websocket.
type Ticker struct {
	url    string
	logger *logrus.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	tokens    map[uint32]string
	handlers  []TickHandler
}

func NewTicker(baseURL, apiKey, accessToken string, logger *logrus.Logger) *Ticker {
	if baseURL == "" {
		baseURL = DefaultTickerURL
	}
	q := url.Values{"api_key": {apiKey}, "access_token": {accessToken}}
	return &Ticker{
		url:    baseURL + "?" + q.Encode(),
		logger: logger,
		tokens: make(map[uint32]string),
	}
}

func (t *Ticker) OnTick(handler TickHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, handler)
}

func (t *Ticker) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to ticker: %w", err)
	}
	t.conn = conn
	t.connected = true

	if len(t.tokens) > 0 {
		if err := t.sendSubscribe(t.tokenList()); err != nil {
			t.logger.WithError(err).Warn("Failed to resubscribe ticker")
		}
	}

	go t.readLoop(ctx, conn)
	go t.keepAlive(ctx, conn)

	return nil
}

// Run keeps the ticker connected until ctx is done.
func (t *Ticker) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second

	for {
		if err := t.Connect(ctx); err != nil {
			wait := b.NextBackOff()
			t.logger.WithError(err).WithField("retry_in", wait.String()).Warn("Ticker connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		for t.Connected() {
			select {
			case <-ctx.Done():
				t.Close()
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// Subscribe adds instruments, keyed by instrument token, in LTP mode.
func (t *Ticker) Subscribe(instruments map[uint32]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := make([]uint32, 0, len(instruments))
	for token, key := range instruments {
		if _, ok := t.tokens[token]; !ok {
			added = append(added, token)
		}
		t.tokens[token] = key
	}
	if !t.connected || len(added) == 0 {
		return nil
	}
	return t.sendSubscribe(added)
}

type tickerCommand struct {
	Action string `json:"a"`
	Value  any    `json:"v"`
}

// sendSubscribe must hold mu.
func (t *Ticker) sendSubscribe(tokens []uint32) error {
	if err := t.conn.WriteJSON(tickerCommand{Action: "subscribe", Value: tokens}); err != nil {
		return err
	}
	return t.conn.WriteJSON(tickerCommand{Action: "mode", Value: []any{"ltp", tokens}})
}

// tokenList must hold mu.
func (t *Ticker) tokenList() []uint32 {
	out := make([]uint32, 0, len(t.tokens))
	for token := range t.tokens {
		out = append(out, token)
	}
	return out
}

func (t *Ticker) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Ticker) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		kind, payload, err := conn.ReadMessage()
		if err != nil {
			t.logger.WithError(err).Warn("Ticker read failed")
			t.handleDisconnect(conn)
			return
		}

		switch kind {
		case websocket.TextMessage:
			var msg struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(payload, &msg); err == nil && msg.Type == "error" {
				t.logger.WithField("data", string(msg.Data)).Warn("Ticker error message")
			}
		case websocket.BinaryMessage:
			ticks, err := ParseTicks(payload)
			if err != nil {
				t.logger.WithError(err).Debug("Dropping malformed tick frame")
				continue
			}
			t.dispatch(ticks)
		}
	}
}

func (t *Ticker) dispatch(ticks []Tick) {
	t.mu.Lock()
	handlers := append([]TickHandler(nil), t.handlers...)
	for i := range ticks {
		ticks[i].Instrument = t.tokens[ticks[i].Token]
	}
	t.mu.Unlock()

	for _, tick := range ticks {
		if tick.Instrument == "" {
			continue
		}
		for _, h := range handlers {
			h(tick)
		}
	}
}

func (t *Ticker) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			if t.conn != conn || !t.connected {
				t.mu.Unlock()
				return
			}
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.mu.Unlock()
			if err != nil {
				t.logger.WithError(err).Warn("Failed to send ticker ping")
				t.handleDisconnect(conn)
				return
			}
		}
	}
}

func (t *Ticker) handleDisconnect(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn.Close()
	if t.conn == conn {
		t.connected = false
		t.conn = nil
	}
}

func (t *Ticker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.connected = false
	return err
}

// ParseTicks decodes a binary ticker frame. Only the token and last price are
// read, so ltp, quote and full mode packets are all accepted. A one-byte frame
// is a heartbeat and yields no ticks.
func ParseTicks(frame []byte) ([]Tick, error) {
	if len(frame) < 2 {
		return nil, nil
	}
	count := int(binary.BigEndian.Uint16(frame[0:2]))
	offset := 2
	now := time.Now()
	ticks := make([]Tick, 0, count)

	for i := 0; i < count; i++ {
		if offset+2 > len(frame) {
			return ticks, fmt.Errorf("frame truncated at packet %d header", i)
		}
		size := int(binary.BigEndian.Uint16(frame[offset : offset+2]))
		offset += 2
		if offset+size > len(frame) {
			return ticks, fmt.Errorf("frame truncated in packet %d", i)
		}
		packet := frame[offset : offset+size]
		offset += size
		if size < 8 {
			continue
		}

		token := binary.BigEndian.Uint32(packet[0:4])
		raw := int32(binary.BigEndian.Uint32(packet[4:8]))
		ticks = append(ticks, Tick{
			Token:     token,
			LastPrice: decimal.New(int64(raw), 0).Div(priceDivisor(token)),
			At:        now,
		})
	}
	return ticks, nil
}

// Currency segments quote in finer units than paise.
func priceDivisor(token uint32) decimal.Decimal {
	switch token & 0xff {
	case 3: // cds
		return decimal.NewFromInt(10_000_000)
	case 6: // bcd
		return decimal.NewFromInt(10_000)
	}
	return decimal.NewFromInt(100)
}
