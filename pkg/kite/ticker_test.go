package kite

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ltpFrame(packets map[uint32]int32) []byte {
	frame := make([]byte, 2)
	binary.BigEndian.PutUint16(frame, uint16(len(packets)))
	for token, price := range packets {
		pkt := make([]byte, 2+8)
		binary.BigEndian.PutUint16(pkt[0:2], 8)
		binary.BigEndian.PutUint32(pkt[2:6], token)
		binary.BigEndian.PutUint32(pkt[6:10], uint32(price))
		frame = append(frame, pkt...)
	}
	return frame
}

func TestParseTicks(t *testing.T) {
	ticks, err := ParseTicks(ltpFrame(map[uint32]int32{408065: 100050}))
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, uint32(408065), ticks[0].Token)
	assert.True(t, ticks[0].LastPrice.Equal(d("1000.5")))
}

func TestParseTicks_HeartbeatAndTruncation(t *testing.T) {
	ticks, err := ParseTicks([]byte{0})
	assert.NoError(t, err)
	assert.Empty(t, ticks)

	frame := ltpFrame(map[uint32]int32{1: 100})
	_, err = ParseTicks(frame[:len(frame)-2])
	assert.Error(t, err)
}

func TestParseTicks_CurrencyDivisor(t *testing.T) {
	// low byte 3 marks the currency segment
	ticks, err := ParseTicks(ltpFrame(map[uint32]int32{0x0103: 835000000}))
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.True(t, ticks[0].LastPrice.Equal(d("83.5")))
}

func TestTicker_StreamsIntoQuoteCache(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan []byte, 2)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.URL.Query().Get("api_key"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for i := 0; i < 2; i++ {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			subscribed <- msg
		}
		conn.WriteMessage(websocket.BinaryMessage, ltpFrame(map[uint32]int32{408065: 100050}))
		// hold the connection until the client goes away
		conn.ReadMessage()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ticker := NewTicker(wsURL, "key", "tok", testLogger())
	cache := NewQuoteCache(nil, time.Minute)
	ticker.OnTick(cache.HandleTick)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ticker.Subscribe(map[uint32]string{408065: "NSE:INFY"}))
	require.NoError(t, ticker.Connect(ctx))
	defer ticker.Close()

	assert.JSONEq(t, `{"a":"subscribe","v":[408065]}`, string(<-subscribed))
	assert.JSONEq(t, `{"a":"mode","v":["ltp",[408065]]}`, string(<-subscribed))

	require.Eventually(t, func() bool {
		_, ok := cache.Peek("NSE:INFY")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	price, _ := cache.Peek("NSE:INFY")
	assert.True(t, price.Equal(d("1000.5")))
}
