package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/grid_trade_bot/internal/domain"
)

const (
	BybitBaseURL      = "https://api.bybit.com"
	BybitWSURL        = "wss://stream.bybit.com/v5/public/linear"
	BybitPrivateWSURL = "wss://stream.bybit.com/v5/private"

	bybitCategory   = "linear"
	bybitRecvWindow = 5000
	bybitPing       = 20 * time.Second

	// hedge mode position indexes
	positionIdxLong  = 1
	positionIdxShort = 2

	retCodeOrderNotExists = 110001
)

// BybitAdapter is the Bybit V5 linear-perpetual gateway. It expects the
// account to run in hedge mode so long and short positions are independent.
type BybitAdapter struct {
	apiKey       string
	apiSecret    string
	baseURL      string
	wsURL        string
	privateWSURL string
	client       *http.Client
	dialer       *websocket.Dialer
	reconnect    ReconnectPolicy
	logger       *zap.Logger
	now          func() time.Time
}

func NewBybitAdapter(apiKey, apiSecret, baseURL, wsURL, privateWSURL string, logger *zap.Logger) *BybitAdapter {
	return &BybitAdapter{
		apiKey:       apiKey,
		apiSecret:    apiSecret,
		baseURL:      baseURL,
		wsURL:        wsURL,
		privateWSURL: privateWSURL,
		client:       &http.Client{Timeout: 10 * time.Second},
		dialer:       websocket.DefaultDialer,
		reconnect:    DefaultReconnectPolicy(),
		logger:       logger,
		now:          time.Now,
	}
}

func (b *BybitAdapter) SetReconnectPolicy(p ReconnectPolicy) {
	b.reconnect = p
}

// --- REST API ---

type bybitResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type BybitAPIError struct {
	Path    string
	RetCode int
	RetMsg  string
}

func (e *BybitAPIError) Error() string {
	return fmt.Sprintf("bybit %s: retCode=%d %s", e.Path, e.RetCode, e.RetMsg)
}

func (b *BybitAdapter) sign(params string, timestamp int64, recvWindow int) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

// sendRequest performs a signed V5 call and returns the result object.
// GET parameters go into the query string, POST parameters into a JSON body.
func (b *BybitAdapter) sendRequest(ctx context.Context, method, path string, query url.Values, payload map[string]interface{}) (json.RawMessage, error) {
	timestamp := b.now().UnixMilli()

	var body []byte
	var paramsStr string
	target := b.baseURL + path

	if method == http.MethodGet {
		paramsStr = query.Encode()
		if paramsStr != "" {
			target += "?" + paramsStr
		}
	} else if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", path, err)
		}
		body = jsonBody
		paramsStr = string(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	// public market endpoints are called unsigned in dry-run mode
	if b.apiKey != "" {
		req.Header.Set("X-BAPI-API-KEY", b.apiKey)
		req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
		req.Header.Set("X-BAPI-SIGN", b.sign(paramsStr, timestamp, bybitRecvWindow))
		req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(bybitRecvWindow))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bybit %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("bybit %s: http %d: %s", path, resp.StatusCode, string(respBody))
	}

	var envelope bybitResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("bybit %s: failed to decode response: %w", path, err)
	}
	if envelope.RetCode != 0 {
		return nil, &BybitAPIError{Path: path, RetCode: envelope.RetCode, RetMsg: envelope.RetMsg}
	}
	return envelope.Result, nil
}

type bybitOrder struct {
	OrderID     string `json:"orderId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	LeavesQty   string `json:"leavesQty"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	OrderStatus string `json:"orderStatus"`
	PositionIdx int    `json:"positionIdx"`
}

func (b *BybitAdapter) FetchActiveOrders(ctx context.Context, symbol string) ([]domain.ExchangeOrder, error) {
	var orders []domain.ExchangeOrder
	cursor := ""
	for {
		q := url.Values{}
		q.Set("category", bybitCategory)
		q.Set("symbol", symbol)
		q.Set("limit", "50")
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		raw, err := b.sendRequest(ctx, http.MethodGet, "/v5/order/realtime", q, nil)
		if err != nil {
			return nil, err
		}
		var result struct {
			List           []bybitOrder `json:"list"`
			NextPageCursor string       `json:"nextPageCursor"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("failed to decode active orders: %w", err)
		}

		for _, o := range result.List {
			orders = append(orders, domain.ExchangeOrder{
				OrderID:         o.OrderID,
				Side:            parseSide(o.Side),
				Price:           parseDecimal(o.Price),
				RemainingAmount: parseDecimal(o.LeavesQty),
				Status:          normalizeStatus(o.OrderStatus),
			})
		}

		if result.NextPageCursor == "" || result.NextPageCursor == cursor || len(result.List) == 0 {
			break
		}
		cursor = result.NextPageCursor
	}
	return orders, nil
}

func (b *BybitAdapter) PlaceLimitOrder(ctx context.Context, req domain.LimitOrderRequest) (string, error) {
	payload := map[string]interface{}{
		"category":    bybitCategory,
		"symbol":      req.Symbol,
		"side":        bybitSide(req.Side),
		"orderType":   "Limit",
		"qty":         req.Quantity.String(),
		"price":       req.Price.String(),
		"timeInForce": bybitTimeInForce(req.TimeInForce),
		"positionIdx": positionIdx(req.PositionType),
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = true
	}
	return b.createOrder(ctx, payload)
}

func (b *BybitAdapter) PlaceMarketOrder(ctx context.Context, req domain.MarketOrderRequest) (string, error) {
	payload := map[string]interface{}{
		"category":    bybitCategory,
		"symbol":      req.Symbol,
		"side":        bybitSide(req.Side),
		"orderType":   "Market",
		"qty":         req.Quantity.String(),
		"positionIdx": positionIdx(req.PositionType),
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = true
	}
	return b.createOrder(ctx, payload)
}

func (b *BybitAdapter) createOrder(ctx context.Context, payload map[string]interface{}) (string, error) {
	raw, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/create", nil, payload)
	if err != nil {
		return "", err
	}
	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("failed to decode order response: %w", err)
	}
	if result.OrderID == "" {
		return "", errors.New("bybit order response without orderId")
	}
	return result.OrderID, nil
}

func (b *BybitAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	payload := map[string]interface{}{
		"category": bybitCategory,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	_, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/cancel", nil, payload)
	var apiErr *BybitAPIError
	if errors.As(err, &apiErr) && apiErr.RetCode == retCodeOrderNotExists {
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	return err
}

func (b *BybitAdapter) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	payload := map[string]interface{}{
		"category": bybitCategory,
		"symbol":   symbol,
	}
	raw, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/cancel-all", nil, payload)
	if err != nil {
		return 0, err
	}
	var result struct {
		List []struct {
			OrderID string `json:"orderId"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("failed to decode cancel-all response: %w", err)
	}
	return len(result.List), nil
}

func (b *BybitAdapter) GetInstrumentConstraints(ctx context.Context, symbol string) (*domain.InstrumentConstraints, error) {
	q := url.Values{}
	q.Set("category", bybitCategory)
	q.Set("symbol", symbol)
	raw, err := b.sendRequest(ctx, http.MethodGet, "/v5/market/instruments-info", q, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			Symbol      string `json:"symbol"`
			Status      string `json:"status"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep          string `json:"qtyStep"`
				MinOrderQty      string `json:"minOrderQty"`
				MinNotionalValue string `json:"minNotionalValue"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode instruments: %w", err)
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrSymbolNotFound, symbol)
	}

	inst := result.List[0]
	c := &domain.InstrumentConstraints{
		Symbol:         inst.Symbol,
		MinNotional:    parseDecimal(inst.LotSizeFilter.MinNotionalValue),
		MinBaseAmount:  parseDecimal(inst.LotSizeFilter.MinOrderQty),
		PricePrecision: decimalPlaces(inst.PriceFilter.TickSize),
		SizePrecision:  decimalPlaces(inst.LotSizeFilter.QtyStep),
		TickSize:       parseDecimal(inst.PriceFilter.TickSize),
		QtyStep:        parseDecimal(inst.LotSizeFilter.QtyStep),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (b *BybitAdapter) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	q := url.Values{}
	q.Set("category", bybitCategory)
	q.Set("symbol", symbol)
	raw, err := b.sendRequest(ctx, http.MethodGet, "/v5/position/list", q, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			Size        string `json:"size"`
			PositionIdx int    `json:"positionIdx"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode positions: %w", err)
	}

	pos := &domain.Position{Symbol: symbol}
	for _, p := range result.List {
		size := parseDecimal(p.Size)
		switch {
		case p.PositionIdx == positionIdxLong, p.PositionIdx == 0 && p.Side == "Buy":
			pos.LongSize = pos.LongSize.Add(size)
		case p.PositionIdx == positionIdxShort, p.PositionIdx == 0 && p.Side == "Sell":
			pos.ShortSize = pos.ShortSize.Add(size)
		}
	}
	return pos, nil
}

func (b *BybitAdapter) GetAccountEquity(ctx context.Context) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("accountType", "UNIFIED")
	raw, err := b.sendRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", q, nil)
	if err != nil {
		return decimal.Zero, err
	}
	var result struct {
		List []struct {
			TotalEquity string `json:"totalEquity"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode wallet balance: %w", err)
	}
	if len(result.List) == 0 {
		return decimal.Zero, errors.New("bybit wallet balance: empty account list")
	}
	return parseDecimal(result.List[0].TotalEquity), nil
}

// --- WebSocket ---

type wsMessage struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

func (b *BybitAdapter) SubscribePrice(ctx context.Context, symbol string, callback func(bid, ask decimal.Decimal)) error {
	topic := "orderbook.1." + symbol
	return b.reconnect.Run(ctx, "public:"+symbol, b.logger, func(ctx context.Context, connected func()) error {
		conn, err := b.dial(ctx, b.wsURL)
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := conn.WriteJSON(map[string]interface{}{"op": "subscribe", "args": []string{topic}}); err != nil {
			return err
		}
		connected()

		var book topOfBook
		return b.readLoop(ctx, conn, func(msg wsMessage) error {
			if msg.Topic != topic {
				return nil
			}
			if bid, ask, ok := book.apply(msg); ok {
				callback(bid, ask)
			}
			return nil
		})
	})
}

func (b *BybitAdapter) SubscribeAccountOrders(ctx context.Context, symbol string, callback func(domain.AccountOrdersUpdate)) error {
	if b.apiKey == "" || b.apiSecret == "" {
		return domain.ErrMissingCredentials
	}
	return b.reconnect.Run(ctx, "private:"+symbol, b.logger, func(ctx context.Context, connected func()) error {
		conn, err := b.dial(ctx, b.privateWSURL)
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := conn.WriteJSON(b.authMessage()); err != nil {
			return err
		}
		if err := conn.WriteJSON(map[string]interface{}{"op": "subscribe", "args": []string{"order"}}); err != nil {
			return err
		}

		return b.readLoop(ctx, conn, func(msg wsMessage) error {
			if msg.Op == "auth" {
				if msg.Success != nil && !*msg.Success {
					return fmt.Errorf("bybit private stream auth failed: %s", msg.RetMsg)
				}
				connected()
				return nil
			}
			if msg.Topic != "order" {
				return nil
			}
			events, err := parseOrderEvents(msg.Data, symbol)
			if err != nil {
				b.logger.Warn("Failed to decode order message", zap.Error(err))
				return nil
			}
			if len(events) > 0 {
				callback(domain.AccountOrdersUpdate{Events: events, At: b.now()})
			}
			return nil
		})
	})
}

func (b *BybitAdapter) authMessage() map[string]interface{} {
	expires := b.now().Add(10 * time.Second).UnixMilli()
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(fmt.Sprintf("GET/realtime%d", expires)))
	return map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{b.apiKey, expires, hex.EncodeToString(h.Sum(nil))},
	}
}

func (b *BybitAdapter) dial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	conn, _, err := b.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", wsURL, err)
	}
	return conn, nil
}

// readLoop dispatches messages until the connection fails or the handler
// returns an error. Pings run in the background; ctx cancellation closes conn.
func (b *BybitAdapter) readLoop(ctx context.Context, conn *websocket.Conn, handle func(wsMessage) error) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(bybitPing)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ws read: %w", err)
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			b.logger.Debug("WS unmarshal error", zap.Error(err))
			continue
		}
		if err := handle(msg); err != nil {
			return err
		}
	}
}

// topOfBook tracks best bid and ask from orderbook.1 snapshots and deltas.
type topOfBook struct {
	bid, ask decimal.Decimal
}

func (t *topOfBook) apply(msg wsMessage) (decimal.Decimal, decimal.Decimal, bool) {
	var data struct {
		Bids [][]string `json:"b"`
		Asks [][]string `json:"a"`
	}
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return decimal.Zero, decimal.Zero, false
	}
	if msg.Type == "snapshot" {
		t.bid, t.ask = decimal.Zero, decimal.Zero
	}
	if p, ok := bestLevel(data.Bids); ok {
		t.bid = p
	}
	if p, ok := bestLevel(data.Asks); ok {
		t.ask = p
	}
	if !t.bid.IsPositive() || !t.ask.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	return t.bid, t.ask, true
}

// bestLevel returns the first level with a non-zero size.
func bestLevel(levels [][]string) (decimal.Decimal, bool) {
	for _, lvl := range levels {
		if len(lvl) < 2 {
			continue
		}
		if size := parseDecimal(lvl[1]); size.IsPositive() {
			return parseDecimal(lvl[0]), true
		}
	}
	return decimal.Zero, false
}

func parseOrderEvents(data json.RawMessage, symbol string) ([]domain.OrderEvent, error) {
	var orders []bybitOrder
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, err
	}
	var events []domain.OrderEvent
	for _, o := range orders {
		if o.Symbol != symbol {
			continue
		}
		ev := domain.OrderEvent{
			OrderID:          o.OrderID,
			CumulativeFilled: parseDecimal(o.CumExecQty),
			Price:            parseDecimal(o.AvgPrice),
		}
		switch o.OrderStatus {
		case "Filled":
			ev.Type = domain.EventFill
		case "PartiallyFilled":
			ev.Type = domain.EventPartialFill
		case "Cancelled", "Rejected", "Deactivated", "PartiallyFilledCanceled":
			ev.Type = domain.EventCancel
		default:
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func normalizeStatus(status string) string {
	switch status {
	case "New", "PartiallyFilled", "Untriggered":
		return string(domain.OrderActive)
	default:
		return strings.ToLower(status)
	}
}

func parseSide(s string) domain.Side {
	if s == "Sell" {
		return domain.SideSell
	}
	return domain.SideBuy
}

func bybitSide(s domain.Side) string {
	if s == domain.SideSell {
		return "Sell"
	}
	return "Buy"
}

func bybitTimeInForce(tif domain.TimeInForce) string {
	switch tif {
	case domain.TimeInForceIOC:
		return "IOC"
	case domain.TimeInForcePostOnly:
		return "PostOnly"
	default:
		return "GTC"
	}
}

func positionIdx(pt domain.PositionType) int {
	if pt == domain.PositionShort {
		return positionIdxShort
	}
	return positionIdxLong
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// decimalPlaces turns a step such as "0.010" into its precision (2).
func decimalPlaces(step string) int32 {
	d := parseDecimal(step)
	if !d.IsPositive() {
		return 0
	}
	s := d.String()
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return 0
	}
	return int32(len(s) - idx - 1)
}
