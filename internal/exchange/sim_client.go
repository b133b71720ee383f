package exchange

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Quote is the live market view the simulator fills against.
type Quote struct {
	Bid  float64
	Ask  float64
	Mark float64
}

// QuoteFunc supplies the current quote for a symbol.
type QuoteFunc func(symbol string) (Quote, bool)

// SimulatedClient implements Client entirely in memory. Entries fill at the
// touch, trigger orders rest until the watched price crosses their level, and
// balances move by realized PnL minus taker fees. It lets the engine run the
// identical code path with trading disabled.
type SimulatedClient struct {
	mu sync.Mutex

	quotes      QuoteFunc
	balance     float64
	takerFeeBps float64

	positions  map[string]*simPosition
	orders     map[int64]*simOrder
	leverage   map[string]int
	marginType map[string]MarginType

	nextOrderID int64
}

type simPosition struct {
	amt        float64 // signed, positive long
	entryPrice float64
}

type simOrder struct {
	order        Order
	callbackRate float64 // percent, trailing stops only
	activated    bool
	waterMark    float64
}

// NewSimulatedClient creates a simulator with the given starting balance.
func NewSimulatedClient(initialBalance, takerFeeBps float64, quotes QuoteFunc) *SimulatedClient {
	return &SimulatedClient{
		quotes:      quotes,
		balance:     initialBalance,
		takerFeeBps: takerFeeBps,
		positions:   make(map[string]*simPosition),
		orders:      make(map[int64]*simOrder),
		leverage:    make(map[string]int),
		marginType:  make(map[string]MarginType),
		nextOrderID: 1000,
	}
}

func (c *SimulatedClient) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleAllLocked()

	unrealized := 0.0
	maintMargin := 0.0
	for sym, pos := range c.positions {
		q, ok := c.quotes(sym)
		if !ok || pos.amt == 0 {
			continue
		}
		unrealized += (q.Mark - pos.entryPrice) * pos.amt
		maintMargin += math.Abs(pos.amt) * q.Mark * 0.004
	}

	return &AccountInfo{
		CanTrade:           true,
		UpdateTime:         time.Now().UnixMilli(),
		TotalWalletBalance: c.balance,
		TotalMarginBalance: c.balance + unrealized,
		TotalMaintMargin:   maintMargin,
		TotalUnrealized:    unrealized,
		AvailableBalance:   c.balance,
	}, nil
}

func (c *SimulatedClient) Positions(ctx context.Context, symbol string) ([]Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleAllLocked()

	out := make([]Position, 0, len(c.positions))
	for sym, pos := range c.positions {
		if symbol != "" && sym != symbol {
			continue
		}
		q, _ := c.quotes(sym)
		out = append(out, Position{
			Symbol:      sym,
			PositionAmt: pos.amt,
			EntryPrice:  pos.entryPrice,
			MarkPrice:   q.Mark,
			UnrealizedProfit: (q.Mark - pos.entryPrice) * pos.amt,
			Leverage:    c.leverageLocked(sym),
			MarginType:  string(c.marginTypeLocked(sym)),
			UpdateTime:  time.Now().UnixMilli(),
		})
	}
	if symbol != "" && len(out) == 0 {
		q, _ := c.quotes(symbol)
		out = append(out, Position{
			Symbol:     symbol,
			MarkPrice:  q.Mark,
			Leverage:   c.leverageLocked(symbol),
			MarginType: string(c.marginTypeLocked(symbol)),
			UpdateTime: time.Now().UnixMilli(),
		})
	}
	return out, nil
}

func (c *SimulatedClient) SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error) {
	if leverage < 1 || leverage > 125 {
		return nil, fmt.Errorf("invalid leverage %d", leverage)
	}
	c.mu.Lock()
	c.leverage[symbol] = leverage
	c.mu.Unlock()
	return &LeverageResponse{Leverage: leverage, Symbol: symbol}, nil
}

func (c *SimulatedClient) SetMarginType(ctx context.Context, symbol string, marginType MarginType) error {
	c.mu.Lock()
	c.marginType[symbol] = marginType
	c.mu.Unlock()
	return nil
}

func (c *SimulatedClient) PlaceOrder(ctx context.Context, params OrderParams) (*OrderResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleLocked(params.Symbol)

	q, ok := c.quotes(params.Symbol)
	if !ok {
		return nil, &CallError{Endpoint: "/fapi/v1/order", StatusCode: 400, Msg: "no quote for " + params.Symbol}
	}

	id := c.nextOrderID
	c.nextOrderID++
	now := time.Now().UnixMilli()

	order := Order{
		OrderID:       id,
		Symbol:        params.Symbol,
		ClientOrderID: params.NewClientOrderID,
		Price:         params.Price,
		OrigQty:       params.Quantity,
		TimeInForce:   string(params.TimeInForce),
		Type:          string(params.Type),
		ReduceOnly:    params.ReduceOnly,
		ClosePosition: params.ClosePosition,
		Side:          string(params.Side),
		StopPrice:     params.StopPrice,
		WorkingType:   string(params.WorkingType),
		OrigType:      string(params.Type),
		Time:          now,
		UpdateTime:    now,
	}

	switch params.Type {
	case OrderTypeLimit:
		touch := q.Ask
		if params.Side == SideSell {
			touch = q.Bid
		}
		crosses := (params.Side == SideBuy && params.Price >= touch) ||
			(params.Side == SideSell && params.Price <= touch)
		if crosses {
			c.fillLocked(&order, params.Quantity, touch)
		} else if params.TimeInForce == TimeInForceIOC || params.TimeInForce == TimeInForceFOK {
			order.Status = string(OrderStatusExpired)
		} else {
			order.Status = string(OrderStatusNew)
		}
	case OrderTypeMarket:
		touch := q.Ask
		if params.Side == SideSell {
			touch = q.Bid
		}
		qty := params.Quantity
		if params.ClosePosition || params.ReduceOnly {
			if pos, exists := c.positions[params.Symbol]; exists {
				held := math.Abs(pos.amt)
				if params.ClosePosition || qty > held {
					qty = held
				}
			}
		}
		c.fillLocked(&order, qty, touch)
	case OrderTypeStopMarket, OrderTypeTakeProfitMarket, OrderTypeTrailingStopMarket:
		order.Status = string(OrderStatusNew)
		so := &simOrder{order: order}
		if params.Type == OrderTypeTrailingStopMarket {
			so.order.StopPrice = params.ActivationPrice
			so.callbackRate = params.CallbackRate
			so.waterMark = q.Mark
		}
		c.orders[id] = so
		return respFrom(&so.order), nil
	default:
		return nil, &CallError{Endpoint: "/fapi/v1/order", StatusCode: 400, Msg: "unsupported order type " + string(params.Type)}
	}

	c.orders[id] = &simOrder{order: order}
	return respFrom(&order), nil
}

func (c *SimulatedClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	so, exists := c.orders[orderID]
	if !exists || so.order.Symbol != symbol {
		return &CallError{Endpoint: "/fapi/v1/order", StatusCode: 400, Code: -2011, Msg: "Unknown order sent."}
	}
	if so.order.Status != string(OrderStatusNew) {
		return &CallError{Endpoint: "/fapi/v1/order", StatusCode: 400, Code: -2011, Msg: "Order not cancelable."}
	}
	so.order.Status = string(OrderStatusCanceled)
	so.order.UpdateTime = time.Now().UnixMilli()
	return nil
}

func (c *SimulatedClient) CancelAllOrders(ctx context.Context, symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, so := range c.orders {
		if so.order.Symbol == symbol && so.order.Status == string(OrderStatusNew) {
			so.order.Status = string(OrderStatusCanceled)
			so.order.UpdateTime = time.Now().UnixMilli()
		}
	}
	return nil
}

func (c *SimulatedClient) GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleLocked(symbol)

	so, exists := c.orders[orderID]
	if !exists || so.order.Symbol != symbol {
		return nil, &CallError{Endpoint: "/fapi/v1/order", StatusCode: 400, Code: -2013, Msg: "Order does not exist."}
	}
	order := so.order
	return &order, nil
}

func (c *SimulatedClient) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleLocked(symbol)

	out := make([]Order, 0)
	for _, so := range c.orders {
		if so.order.Status != string(OrderStatusNew) {
			continue
		}
		if symbol != "" && so.order.Symbol != symbol {
			continue
		}
		out = append(out, so.order)
	}
	return out, nil
}

func (c *SimulatedClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	return nil, fmt.Errorf("simulated client has no kline history, backfill from the live endpoint")
}

func (c *SimulatedClient) PremiumIndex(ctx context.Context, symbol string) (*PremiumIndex, error) {
	q, ok := c.quotes(symbol)
	if !ok {
		return nil, fmt.Errorf("no quote for %s", symbol)
	}
	return &PremiumIndex{
		Symbol:    symbol,
		MarkPrice: q.Mark,
		Time:      time.Now().UnixMilli(),
	}, nil
}

func (c *SimulatedClient) BookTicker(ctx context.Context, symbol string) (*BookTicker, error) {
	q, ok := c.quotes(symbol)
	if !ok {
		return nil, fmt.Errorf("no quote for %s", symbol)
	}
	return &BookTicker{
		Symbol:   symbol,
		BidPrice: q.Bid,
		AskPrice: q.Ask,
		Time:     time.Now().UnixMilli(),
	}, nil
}

func (c *SimulatedClient) ExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	return nil, fmt.Errorf("simulated client has no exchange info, fetch it from the live endpoint")
}

// settleAllLocked evaluates resting trigger orders for every symbol.
func (c *SimulatedClient) settleAllLocked() {
	seen := map[string]bool{}
	for _, so := range c.orders {
		if so.order.Status == string(OrderStatusNew) && !seen[so.order.Symbol] {
			seen[so.order.Symbol] = true
			c.settleLocked(so.order.Symbol)
		}
	}
}

// settleLocked fires trigger orders whose watched price has crossed their
// level. Fired orders close against the position reduce-only.
func (c *SimulatedClient) settleLocked(symbol string) {
	if symbol == "" {
		return
	}
	q, ok := c.quotes(symbol)
	if !ok {
		return
	}
	pos := c.positions[symbol]
	if pos == nil || pos.amt == 0 {
		return
	}

	for _, so := range c.orders {
		if so.order.Symbol != symbol || so.order.Status != string(OrderStatusNew) {
			continue
		}

		watched := q.Mark
		if so.order.WorkingType == string(WorkingTypeContractPrice) {
			watched = (q.Bid + q.Ask) / 2
		}

		long := pos.amt > 0
		fired := false
		fillPrice := watched

		switch so.order.Type {
		case string(OrderTypeTakeProfitMarket):
			fired = (long && watched >= so.order.StopPrice) || (!long && watched <= so.order.StopPrice)
		case string(OrderTypeStopMarket):
			fired = (long && watched <= so.order.StopPrice) || (!long && watched >= so.order.StopPrice)
		case string(OrderTypeTrailingStopMarket):
			if !so.activated {
				if (long && watched >= so.order.StopPrice) || (!long && watched <= so.order.StopPrice) {
					so.activated = true
					so.waterMark = watched
				}
			}
			if so.activated {
				rate := so.callbackRate
				if rate <= 0 {
					rate = 1
				}
				if long {
					if watched > so.waterMark {
						so.waterMark = watched
					}
					fired = watched <= so.waterMark*(1-rate/100)
				} else {
					if watched < so.waterMark {
						so.waterMark = watched
					}
					fired = watched >= so.waterMark*(1+rate/100)
				}
			}
		}

		if fired {
			qty := math.Abs(pos.amt)
			if !so.order.ClosePosition && so.order.OrigQty > 0 && so.order.OrigQty < qty {
				qty = so.order.OrigQty
			}
			c.fillLocked(&so.order, qty, fillPrice)
			pos = c.positions[symbol]
			if pos == nil || pos.amt == 0 {
				return
			}
		}
	}
}

// fillLocked applies a fill to the order and the position books.
func (c *SimulatedClient) fillLocked(order *Order, qty, price float64) {
	order.Status = string(OrderStatusFilled)
	order.AvgPrice = price
	order.ExecutedQty = qty
	order.CumQuote = qty * price
	order.UpdateTime = time.Now().UnixMilli()

	signed := qty
	if order.Side == string(SideSell) {
		signed = -qty
	}

	pos, exists := c.positions[order.Symbol]
	if !exists {
		pos = &simPosition{}
		c.positions[order.Symbol] = pos
	}

	oldAmt := pos.amt
	newAmt := oldAmt + signed

	if oldAmt != 0 && (oldAmt > 0) != (signed > 0) {
		closed := math.Min(math.Abs(signed), math.Abs(oldAmt))
		pnl := (price - pos.entryPrice) * closed
		if oldAmt < 0 {
			pnl = -pnl
		}
		c.balance += pnl
	}

	if newAmt == 0 {
		delete(c.positions, order.Symbol)
	} else if oldAmt == 0 || (oldAmt > 0) == (signed > 0) {
		total := pos.entryPrice*math.Abs(oldAmt) + price*math.Abs(signed)
		pos.entryPrice = total / math.Abs(newAmt)
		pos.amt = newAmt
	} else {
		pos.amt = newAmt
		if (oldAmt > 0) != (newAmt > 0) {
			pos.entryPrice = price
		}
	}

	c.balance -= qty * price * c.takerFeeBps / 1e4
}

func (c *SimulatedClient) leverageLocked(symbol string) int {
	if lev, exists := c.leverage[symbol]; exists {
		return lev
	}
	return 20
}

func (c *SimulatedClient) marginTypeLocked(symbol string) MarginType {
	if mt, exists := c.marginType[symbol]; exists {
		return mt
	}
	return MarginTypeCrossed
}

func respFrom(o *Order) *OrderResponse {
	return &OrderResponse{
		OrderID:       o.OrderID,
		Symbol:        o.Symbol,
		Status:        o.Status,
		ClientOrderID: o.ClientOrderID,
		Price:         o.Price,
		AvgPrice:      o.AvgPrice,
		OrigQty:       o.OrigQty,
		ExecutedQty:   o.ExecutedQty,
		CumQuote:      o.CumQuote,
		Type:          o.Type,
		Side:          o.Side,
		ReduceOnly:    o.ReduceOnly,
		StopPrice:     o.StopPrice,
		UpdateTime:    o.UpdateTime,
	}
}

var _ Client = (*SimulatedClient)(nil)
var _ Client = (*RestClient)(nil)
