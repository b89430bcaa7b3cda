package exchange

import (
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
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tchaikit/wave-trader/internal/candle"
	"github.com/tchaikit/wave-trader/internal/tfutils"
)

const (
	futuresBaseURL = "https://fapi.binance.com"

	exchangeInfoTTL = 60 * time.Second
	balanceTTL      = 300 * time.Second
)

type BinanceConfig struct {
	APIKey    string
	SecretKey string
	BaseURL   string
	HedgeMode bool
	Timeout   time.Duration
}

// BinanceClient is a USDT-margined futures client.
type BinanceClient struct {
	cfg        BinanceConfig
	httpClient *http.Client
	log        zerolog.Logger

	mu        sync.Mutex
	info      *exchangeInfo
	infoAt    time.Time
	balance   float64
	balanceAt time.Time
}

func NewBinanceClient(cfg BinanceConfig, log zerolog.Logger) *BinanceClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = futuresBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &BinanceClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.With().Str("component", "binance").Logger(),
	}
}

func (b *BinanceClient) Name() string { return "binance-futures" }

func (b *BinanceClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(b.cfg.SecretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// request performs one HTTP call. Signed requests get a timestamp and
// an HMAC signature over the exact query string sent.
func (b *BinanceClient) request(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}
	query := params.Encode()
	if signed {
		query += "&signature=" + b.sign(query)
	}

	reqURL := b.cfg.BaseURL + path
	if query != "" {
		reqURL += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request %s %s: %w", method, path, err)
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", b.cfg.APIKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response of %s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{HTTPStatus: resp.StatusCode, Message: string(body)}
		var payload struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Msg != "" {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Msg
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode response of %s %s: %w", method, path, err)
		}
	}
	return nil
}

// --- candles ---

var timeframeIntervals = map[string]string{
	"1m": "1m", "5m": "5m", "15m": "15m", "30m": "30m",
	"1h": "1h", "4h": "4h", "1d": "1d", "1w": "1w",
}

func (b *BinanceClient) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]candle.Candle, error) {
	if !tfutils.Valid(timeframe) {
		return nil, fmt.Errorf("unsupported timeframe: %s", timeframe)
	}
	interval := timeframeIntervals[timeframe]
	if interval == "" {
		interval = timeframe
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	var raw [][]any
	err := Retry(ctx, b.log, 3, 5*time.Second, func() error {
		return b.request(ctx, http.MethodGet, "/fapi/v1/klines", params, false, &raw)
	})
	if err != nil {
		return nil, fmt.Errorf("FetchCandles %s %s failed: %w", symbol, timeframe, err)
	}

	candles := make([]candle.Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		c := candle.Candle{
			Timestamp: time.UnixMilli(int64(asFloat(row[0]))).UTC(),
			Open:      asFloat(row[1]),
			High:      asFloat(row[2]),
			Low:       asFloat(row[3]),
			Close:     asFloat(row[4]),
			Volume:    asFloat(row[5]),
			Symbol:    symbol,
			Timeframe: timeframe,
		}
		if err := c.Validate(); err != nil {
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	case json.Number:
		f, _ := x.Float64()
		return f
	}
	return 0
}

// --- account ---

func (b *BinanceClient) Balance(ctx context.Context) (float64, error) {
	b.mu.Lock()
	if time.Since(b.balanceAt) < balanceTTL && b.balanceAt != (time.Time{}) {
		bal := b.balance
		b.mu.Unlock()
		return bal, nil
	}
	b.mu.Unlock()

	var assets []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	err := Retry(ctx, b.log, 3, 2*time.Second, func() error {
		return b.request(ctx, http.MethodGet, "/fapi/v2/balance", nil, true, &assets)
	})
	if err != nil {
		return 0, fmt.Errorf("Balance failed: %w", err)
	}

	for _, a := range assets {
		if a.Asset == "USDT" {
			bal, _ := strconv.ParseFloat(a.Balance, 64)
			b.mu.Lock()
			b.balance, b.balanceAt = bal, time.Now()
			b.mu.Unlock()
			return bal, nil
		}
	}
	return 0, nil
}

func (b *BinanceClient) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var out struct {
		MarkPrice string `json:"markPrice"`
	}
	err := Retry(ctx, b.log, 3, 2*time.Second, func() error {
		return b.request(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, false, &out)
	})
	if err != nil {
		return 0, fmt.Errorf("MarkPrice %s failed: %w", symbol, err)
	}
	price, _ := strconv.ParseFloat(out.MarkPrice, 64)
	return price, nil
}

func (b *BinanceClient) OpenPositions(ctx context.Context) ([]LivePosition, error) {
	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		PositionSide     string `json:"positionSide"`
		UnRealizedProfit string `json:"unRealizedProfit"`
	}
	err := Retry(ctx, b.log, 3, 2*time.Second, func() error {
		return b.request(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true, &raw)
	})
	if err != nil {
		return nil, fmt.Errorf("OpenPositions failed: %w", err)
	}

	var out []LivePosition
	for _, p := range raw {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		pnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
		out = append(out, LivePosition{
			Symbol:        p.Symbol,
			PositionAmt:   amt,
			EntryPrice:    entry,
			MarkPrice:     mark,
			PositionSide:  p.PositionSide,
			UnrealizedPnL: pnl,
		})
	}
	return out, nil
}

// --- orders ---

func (b *BinanceClient) MarketOrder(ctx context.Context, symbol string, side Side, quantity float64) (OrderResult, error) {
	adjusted, err := b.AdjustQuantity(ctx, symbol, quantity)
	if err != nil {
		return OrderResult{}, err
	}
	if adjusted <= 0 {
		return OrderResult{}, Permanent(fmt.Errorf("quantity too small after step adjust: %s", symbol))
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", formatFloat(adjusted))
	if b.cfg.HedgeMode {
		params.Set("positionSide", side.PositionSide())
	}

	var res binanceOrder
	if err := b.request(ctx, http.MethodPost, "/fapi/v1/order", params, true, &res); err != nil {
		return OrderResult{}, fmt.Errorf("MarketOrder %s %s failed: %w", symbol, side, err)
	}
	return res.toResult(), nil
}

func (b *BinanceClient) StopMarket(ctx context.Context, symbol string, openSide Side, triggerPrice float64) (OrderResult, error) {
	return b.conditionalOrder(ctx, symbol, openSide, "STOP_MARKET", triggerPrice)
}

func (b *BinanceClient) TakeProfitMarket(ctx context.Context, symbol string, openSide Side, triggerPrice float64) (OrderResult, error) {
	return b.conditionalOrder(ctx, symbol, openSide, "TAKE_PROFIT_MARKET", triggerPrice)
}

// conditionalOrder places a close-position trigger order on the side
// opposite the open.
func (b *BinanceClient) conditionalOrder(ctx context.Context, symbol string, openSide Side, orderType string, triggerPrice float64) (OrderResult, error) {
	adjusted, err := b.AdjustPrice(ctx, symbol, triggerPrice)
	if err != nil {
		return OrderResult{}, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(openSide.Opposite()))
	params.Set("type", orderType)
	params.Set("stopPrice", formatFloat(adjusted))
	params.Set("closePosition", "true")
	params.Set("workingType", "CONTRACT_PRICE")
	if b.cfg.HedgeMode {
		params.Set("positionSide", openSide.PositionSide())
	}

	var res binanceOrder
	if err := b.request(ctx, http.MethodPost, "/fapi/v1/order", params, true, &res); err != nil {
		return OrderResult{}, fmt.Errorf("%s %s failed: %w", orderType, symbol, err)
	}
	return res.toResult(), nil
}

func (b *BinanceClient) CloseReduceOnly(ctx context.Context, symbol string, closeSide Side, quantity float64) (OrderResult, error) {
	adjusted, err := b.AdjustQuantity(ctx, symbol, quantity)
	if err != nil {
		return OrderResult{}, err
	}
	if adjusted <= 0 {
		return OrderResult{}, Permanent(fmt.Errorf("quantity too small after step adjust: %s", symbol))
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(closeSide))
	params.Set("type", "MARKET")
	params.Set("quantity", formatFloat(adjusted))
	params.Set("reduceOnly", "true")
	if b.cfg.HedgeMode {
		// the closing side is opposite the held side
		params.Set("positionSide", closeSide.Opposite().PositionSide())
	}

	var res binanceOrder
	if err := b.request(ctx, http.MethodPost, "/fapi/v1/order", params, true, &res); err != nil {
		return OrderResult{}, fmt.Errorf("CloseReduceOnly %s %s failed: %w", symbol, closeSide, err)
	}
	return res.toResult(), nil
}

func (b *BinanceClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	if err := b.request(ctx, http.MethodDelete, "/fapi/v1/order", params, true, nil); err != nil {
		return fmt.Errorf("CancelOrder %s %d failed: %w", symbol, orderID, err)
	}
	return nil
}

func (b *BinanceClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	if err := b.request(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, nil); err != nil {
		return fmt.Errorf("SetLeverage %s failed: %w", symbol, err)
	}
	return nil
}

func (b *BinanceClient) SetMarginType(ctx context.Context, symbol string, marginType MarginType) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", string(marginType))
	err := b.request(ctx, http.MethodPost, "/fapi/v1/marginType", params, true, nil)
	if err != nil {
		var apiErr *APIError
		// already set: the venue answers 400 "No need to change"
		if errors.As(err, &apiErr) && apiErr.HTTPStatus == http.StatusBadRequest &&
			strings.Contains(apiErr.Message, "No need to change") {
			return nil
		}
		return fmt.Errorf("SetMarginType %s failed: %w", symbol, err)
	}
	return nil
}

// --- symbol filters ---

type exchangeInfo struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType string `json:"filterType"`
			StepSize   string `json:"stepSize"`
			MinQty     string `json:"minQty"`
			TickSize   string `json:"tickSize"`
		} `json:"filters"`
	} `json:"symbols"`
}

func (b *BinanceClient) getExchangeInfo(ctx context.Context) (*exchangeInfo, error) {
	b.mu.Lock()
	if b.info != nil && time.Since(b.infoAt) < exchangeInfoTTL {
		info := b.info
		b.mu.Unlock()
		return info, nil
	}
	b.mu.Unlock()

	var info exchangeInfo
	err := Retry(ctx, b.log, 3, 2*time.Second, func() error {
		return b.request(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false, &info)
	})
	if err != nil {
		return nil, fmt.Errorf("exchangeInfo failed: %w", err)
	}

	b.mu.Lock()
	b.info, b.infoAt = &info, time.Now()
	b.mu.Unlock()
	return &info, nil
}

func (b *BinanceClient) symbolFilter(ctx context.Context, symbol, filterType string) (map[string]string, error) {
	info, err := b.getExchangeInfo(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		for _, f := range s.Filters {
			if f.FilterType == filterType {
				return map[string]string{
					"stepSize": f.StepSize,
					"minQty":   f.MinQty,
					"tickSize": f.TickSize,
				}, nil
			}
		}
	}
	return nil, nil
}

func (b *BinanceClient) AdjustQuantity(ctx context.Context, symbol string, quantity float64) (float64, error) {
	f, err := b.symbolFilter(ctx, symbol, "LOT_SIZE")
	if err != nil {
		return 0, err
	}
	if f == nil {
		return quantity, nil
	}
	step, _ := decimal.NewFromString(f["stepSize"])
	minQty, _ := decimal.NewFromString(f["minQty"])
	return RoundDownToStep(quantity, step, minQty), nil
}

func (b *BinanceClient) AdjustPrice(ctx context.Context, symbol string, price float64) (float64, error) {
	f, err := b.symbolFilter(ctx, symbol, "PRICE_FILTER")
	if err != nil {
		return 0, err
	}
	if f == nil {
		return price, nil
	}
	tick, _ := decimal.NewFromString(f["tickSize"])
	return RoundDownToStep(price, tick, decimal.Zero), nil
}

// RoundDownToStep floors value to a multiple of step; below min the
// result is zero.
func RoundDownToStep(value float64, step, min decimal.Decimal) float64 {
	if step.IsZero() || step.IsNegative() {
		return value
	}
	v := decimal.NewFromFloat(value)
	steps := v.Div(step).Floor()
	adj := steps.Mul(step)
	if min.IsPositive() && adj.LessThan(min) {
		return 0
	}
	out, _ := adj.Float64()
	return out
}

type binanceOrder struct {
	OrderID     int64  `json:"orderId"`
	Status      string `json:"status"`
	AvgPrice    string `json:"avgPrice"`
	ExecutedQty string `json:"executedQty"`
	Fills       []struct {
		Price string `json:"price"`
		Qty   string `json:"qty"`
	} `json:"fills"`
}

func (o binanceOrder) toResult() OrderResult {
	avg, _ := strconv.ParseFloat(o.AvgPrice, 64)
	qty, _ := strconv.ParseFloat(o.ExecutedQty, 64)
	res := OrderResult{OrderID: o.OrderID, Status: o.Status, AvgPrice: avg, ExecutedQty: qty}
	for _, f := range o.Fills {
		price, _ := strconv.ParseFloat(f.Price, 64)
		q, _ := strconv.ParseFloat(f.Qty, 64)
		res.Fills = append(res.Fills, Fill{Price: price, Qty: q})
	}
	return res
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
