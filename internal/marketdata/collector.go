package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"aster-trading-bot/internal/exchange"
	"aster-trading-bot/internal/logging"
)

// DefaultStreamURL is the production combined-stream websocket endpoint.
const DefaultStreamURL = "wss://fstream.asterdex.com"

const (
	pongWait         = 90 * time.Second
	pingPeriod       = 30 * time.Second
	reconnectBackoff = 2 * time.Second
	maxReconnectWait = 60 * time.Second
)

// Collector subscribes to the bookTicker, markPrice and 1m kline streams for
// a set of symbols and writes every update into the Store. It owns the
// websocket connection and reconnects with backoff until its context ends.
type Collector struct {
	store   *Store
	baseURL string
	symbols []string
	log     *logging.Logger
}

// NewCollector creates a collector for the given symbols. An empty baseURL
// selects the production endpoint.
func NewCollector(store *Store, symbols []string, baseURL string) *Collector {
	if baseURL == "" {
		baseURL = DefaultStreamURL
	}
	return &Collector{
		store:   store,
		baseURL: strings.TrimRight(baseURL, "/"),
		symbols: symbols,
		log:     logging.WithComponent("marketdata"),
	}
}

// Run connects and consumes stream events until ctx is canceled. It never
// returns a connection error; broken connections are re-dialed with backoff.
func (c *Collector) Run(ctx context.Context) {
	backoff := reconnectBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.consume(ctx)
		if ctx.Err() != nil {
			return
		}

		c.log.Warn("Stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff.String())

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// streamURL builds the combined stream URL for all symbols and channels.
func (c *Collector) streamURL() string {
	streams := make([]string, 0, len(c.symbols)*3)
	for _, sym := range c.symbols {
		lower := strings.ToLower(sym)
		streams = append(streams,
			lower+"@bookTicker",
			lower+"@markPrice@1s",
			lower+"@kline_1m",
		)
	}
	return fmt.Sprintf("%s/stream?streams=%s", c.baseURL, strings.Join(streams, "/"))
}

func (c *Collector) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c.log.Info("Stream connected", "symbols", len(c.symbols))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handleMessage(msg)
	}
}

type combinedEvent struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type bookTickerEvent struct {
	EventTime int64   `json:"E"`
	Symbol    string  `json:"s"`
	BidPrice  float64 `json:"b,string"`
	BidQty    float64 `json:"B,string"`
	AskPrice  float64 `json:"a,string"`
	AskQty    float64 `json:"A,string"`
}

type markPriceEvent struct {
	EventTime       int64   `json:"E"`
	Symbol          string  `json:"s"`
	MarkPrice       float64 `json:"p,string"`
	IndexPrice      float64 `json:"i,string"`
	FundingRate     float64 `json:"r,string"`
	NextFundingTime int64   `json:"T"`
}

type klineEvent struct {
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     klinePayload `json:"k"`
}

type klinePayload struct {
	OpenTime    int64   `json:"t"`
	CloseTime   int64   `json:"T"`
	Open        float64 `json:"o,string"`
	High        float64 `json:"h,string"`
	Low         float64 `json:"l,string"`
	Close       float64 `json:"c,string"`
	Volume      float64 `json:"v,string"`
	QuoteVolume float64 `json:"q,string"`
	Trades      int     `json:"n"`
	Closed      bool    `json:"x"`
}

func (c *Collector) handleMessage(msg []byte) {
	var env combinedEvent
	if err := json.Unmarshal(msg, &env); err != nil {
		c.log.Debug("Unparseable stream message", "error", err)
		return
	}

	switch {
	case strings.Contains(env.Stream, "@bookTicker"):
		var ev bookTickerEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		c.store.UpdateQuote(ev.Symbol, ev.BidPrice, ev.AskPrice, eventTime(ev.EventTime))

	case strings.Contains(env.Stream, "@markPrice"):
		var ev markPriceEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		c.store.UpdateMark(ev.Symbol, ev.MarkPrice, ev.FundingRate,
			time.UnixMilli(ev.NextFundingTime), eventTime(ev.EventTime))

	case strings.Contains(env.Stream, "@kline"):
		var ev klineEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		if !ev.Kline.Closed {
			return
		}
		c.store.UpdateClosedBar(ev.Symbol, exchange.Kline{
			OpenTime:    ev.Kline.OpenTime,
			Open:        ev.Kline.Open,
			High:        ev.Kline.High,
			Low:         ev.Kline.Low,
			Close:       ev.Kline.Close,
			Volume:      ev.Kline.Volume,
			CloseTime:   ev.Kline.CloseTime,
			QuoteVolume: ev.Kline.QuoteVolume,
			Trades:      ev.Kline.Trades,
		}, eventTime(ev.EventTime))
	}
}

func eventTime(ms int64) time.Time {
	if ms == 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
