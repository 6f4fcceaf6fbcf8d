package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	binanceMainnetURL = "https://fapi.binance.com"
	binanceTestnetURL = "https://testnet.binancefuture.com"

	// Balance and position snapshots are served from cache for this long.
	snapshotCacheTTL = 15 * time.Second

	// Positions smaller than this are exchange dust, not real exposure.
	dustThreshold = 1e-5

	// Binance rejects orders sent immediately after a leverage change.
	leverageSettleDelay = 5 * time.Second
)

// Binance is the USDT-margined futures adapter.
type Binance struct {
	apiKey    string
	secretKey string
	baseURL   string

	httpClient *http.Client
	log        zerolog.Logger

	timeSyncOnce     sync.Once
	serverTimeOffset int64

	now         func() time.Time
	settleDelay time.Duration

	mu                sync.Mutex
	cachedBalance     *Balance
	balanceCachedAt   time.Time
	cachedPositions   []Position
	positionsCachedAt time.Time
	stepSizes         map[string]decimal.Decimal
}

// NewBinance builds the adapter. Server time is synced lazily on the first
// request so construction never blocks on the network.
func NewBinance(creds Credentials) *Binance {
	baseURL := binanceMainnetURL
	if creds.Testnet {
		baseURL = binanceTestnetURL
	}
	return &Binance{
		apiKey:      creds.APIKey,
		secretKey:   creds.SecretKey,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		log:         zlog.With().Str("component", "venue").Str("exchange", "binance").Logger(),
		now:         time.Now,
		settleDelay: leverageSettleDelay,
	}
}

// SetBaseURL points the adapter at a different endpoint.
func (b *Binance) SetBaseURL(u string) { b.baseURL = u }

// SetTimeout overrides the default 30s per-call timeout.
func (b *Binance) SetTimeout(d time.Duration) { b.httpClient.Timeout = d }

func (b *Binance) syncServerTime(ctx context.Context) {
	localTime := b.now().UnixMilli()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/fapi/v1/time", nil)
	if err != nil {
		return
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.log.Warn().Err(err).Msg("server time sync failed")
		return
	}
	defer resp.Body.Close()

	var result struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		b.log.Warn().Err(err).Msg("server time parse failed")
		return
	}
	if result.ServerTime == 0 {
		return
	}

	b.serverTimeOffset = result.ServerTime - localTime
	b.log.Debug().Int64("offset_ms", b.serverTimeOffset).Msg("server time synced")
}

func (b *Binance) sign(params url.Values) string {
	timestamp := b.now().UnixMilli() + b.serverTimeOffset
	params.Set("timestamp", strconv.FormatInt(timestamp, 10))
	params.Set("recvWindow", "10000")

	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(params.Encode()))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *Binance) doRequest(ctx context.Context, method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	b.timeSyncOnce.Do(func() { b.syncServerTime(ctx) })

	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("signature", b.sign(params))
	}

	var body io.Reader
	reqURL := b.baseURL + endpoint
	if method == http.MethodGet || method == http.MethodDelete {
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}
	} else {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

type binanceAccount struct {
	TotalWalletBalance    float64 `json:"totalWalletBalance,string"`
	AvailableBalance      float64 `json:"availableBalance,string"`
	TotalUnrealizedProfit float64 `json:"totalUnrealizedProfit,string"`
}

type binancePosition struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnrealizedProfit float64 `json:"unRealizedProfit,string"`
	Leverage         int     `json:"leverage,string"`
	LiquidationPrice float64 `json:"liquidationPrice,string"`
}

type binanceOrder struct {
	OrderID  int64   `json:"orderId"`
	Symbol   string  `json:"symbol"`
	Status   string  `json:"status"`
	AvgPrice float64 `json:"avgPrice,string"`
	OrigQty  float64 `json:"origQty,string"`
}

// GetBalance returns the account snapshot, served from a short-lived cache.
func (b *Binance) GetBalance(ctx context.Context) (*Balance, error) {
	b.mu.Lock()
	if b.cachedBalance != nil && b.now().Sub(b.balanceCachedAt) < snapshotCacheTTL {
		cached := *b.cachedBalance
		b.mu.Unlock()
		return &cached, nil
	}
	b.mu.Unlock()

	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v2/account", nil, true)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account: %w", err)
	}

	var account binanceAccount
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, fmt.Errorf("failed to parse account: %w", err)
	}

	balance := &Balance{
		WalletBalance:    account.TotalWalletBalance,
		AvailableBalance: account.AvailableBalance,
		UnrealizedProfit: account.TotalUnrealizedProfit,
	}

	b.mu.Lock()
	b.cachedBalance = balance
	b.balanceCachedAt = b.now()
	b.mu.Unlock()

	result := *balance
	return &result, nil
}

// GetPositions returns open non-dust positions, served from a short-lived
// cache.
func (b *Binance) GetPositions(ctx context.Context) ([]Position, error) {
	b.mu.Lock()
	if b.cachedPositions != nil && b.now().Sub(b.positionsCachedAt) < snapshotCacheTTL {
		cached := append([]Position(nil), b.cachedPositions...)
		b.mu.Unlock()
		return cached, nil
	}
	b.mu.Unlock()

	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}

	var raw []binancePosition
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse positions: %w", err)
	}

	positions := make([]Position, 0, len(raw))
	for _, p := range raw {
		if math.Abs(p.PositionAmt) < dustThreshold {
			continue
		}
		side := "long"
		if p.PositionAmt < 0 {
			side = "short"
		}
		positions = append(positions, Position{
			Symbol:           p.Symbol,
			Side:             side,
			Quantity:         math.Abs(p.PositionAmt),
			EntryPrice:       p.EntryPrice,
			MarkPrice:        p.MarkPrice,
			UnrealizedProfit: p.UnrealizedProfit,
			Leverage:         p.Leverage,
			LiquidationPrice: p.LiquidationPrice,
		})
	}

	b.mu.Lock()
	b.cachedPositions = positions
	b.positionsCachedAt = b.now()
	b.mu.Unlock()

	return append([]Position(nil), positions...), nil
}

func (b *Binance) invalidateSnapshots() {
	b.mu.Lock()
	b.cachedBalance = nil
	b.cachedPositions = nil
	b.mu.Unlock()
}

// SetLeverage changes the leverage for a symbol. A no-op when the position
// already carries the target leverage; after a real change it waits out the
// exchange settle period before returning.
func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	positions, err := b.GetPositions(ctx)
	if err == nil {
		for _, p := range positions {
			if p.Symbol == symbol && p.Leverage == leverage {
				b.log.Debug().Str("symbol", symbol).Int("leverage", leverage).Msg("leverage already set")
				return nil
			}
		}
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	if _, err := b.doRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params, true); err != nil {
		return fmt.Errorf("failed to set leverage: %w", err)
	}
	b.invalidateSnapshots()
	b.log.Info().Str("symbol", symbol).Int("leverage", leverage).Msg("leverage set")

	if b.settleDelay > 0 {
		select {
		case <-time.After(b.settleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SetMarginMode switches between cross and isolated margin. "No change
// needed" and "position exists" responses are non-fatal.
func (b *Binance) SetMarginMode(ctx context.Context, symbol string, crossMargin bool) error {
	marginType := "ISOLATED"
	if crossMargin {
		marginType = "CROSSED"
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", marginType)
	_, err := b.doRequest(ctx, http.MethodPost, "/fapi/v1/marginType", params, true)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "No need to change margin type") {
			return nil
		}
		if strings.Contains(msg, "Margin type cannot be changed if there exists position") {
			b.log.Warn().Str("symbol", symbol).Msg("margin mode unchanged, position exists")
			return nil
		}
		return fmt.Errorf("failed to set margin mode: %w", err)
	}
	b.log.Info().Str("symbol", symbol).Str("margin_type", marginType).Msg("margin mode set")
	return nil
}

// GetMarketPrice returns the latest ticker price.
func (b *Binance) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/ticker/price", params, false)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch ticker: %w", err)
	}

	var ticker struct {
		Price float64 `json:"price,string"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		return 0, fmt.Errorf("failed to parse ticker: %w", err)
	}
	if ticker.Price <= 0 {
		return 0, fmt.Errorf("invalid ticker price %v for %s", ticker.Price, symbol)
	}
	return ticker.Price, nil
}

// OpenLong opens a long with a market order. Stale working orders on the
// symbol are cancelled first and leverage is applied before the order.
func (b *Binance) OpenLong(ctx context.Context, symbol string, quantity float64, leverage int) (*OrderResult, error) {
	return b.open(ctx, symbol, "long", quantity, leverage)
}

// OpenShort opens a short with a market order.
func (b *Binance) OpenShort(ctx context.Context, symbol string, quantity float64, leverage int) (*OrderResult, error) {
	return b.open(ctx, symbol, "short", quantity, leverage)
}

func (b *Binance) open(ctx context.Context, symbol, side string, quantity float64, leverage int) (*OrderResult, error) {
	if err := b.CancelAllOrders(ctx, symbol); err != nil {
		b.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to cancel stale orders")
	}
	if err := b.SetLeverage(ctx, symbol, leverage); err != nil {
		return nil, err
	}

	qty, err := b.FormatQuantity(ctx, symbol, quantity)
	if err != nil {
		return nil, err
	}

	orderSide, positionSide := "BUY", "LONG"
	if side == "short" {
		orderSide, positionSide = "SELL", "SHORT"
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", orderSide)
	params.Set("positionSide", positionSide)
	params.Set("type", "MARKET")
	params.Set("quantity", qty)

	body, err := b.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s on %s: %w", side, symbol, err)
	}

	var order binanceOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("failed to parse order: %w", err)
	}
	b.invalidateSnapshots()
	b.log.Info().Str("symbol", symbol).Str("side", side).Str("qty", qty).
		Int64("order_id", order.OrderID).Float64("price", order.AvgPrice).Msg("position opened")

	return &OrderResult{
		OrderID:  order.OrderID,
		Symbol:   symbol,
		Side:     side,
		Quantity: order.OrigQty,
		Price:    order.AvgPrice,
	}, nil
}

// CloseLong closes a long; quantity 0 closes the full position.
func (b *Binance) CloseLong(ctx context.Context, symbol string, quantity float64) (*OrderResult, error) {
	return b.close(ctx, symbol, "long", quantity)
}

// CloseShort closes a short; quantity 0 closes the full position.
func (b *Binance) CloseShort(ctx context.Context, symbol string, quantity float64) (*OrderResult, error) {
	return b.close(ctx, symbol, "short", quantity)
}

func (b *Binance) close(ctx context.Context, symbol, side string, quantity float64) (*OrderResult, error) {
	if quantity == 0 {
		positions, err := b.GetPositions(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range positions {
			if p.Symbol == symbol && p.Side == side {
				quantity = p.Quantity
				break
			}
		}
		if quantity == 0 {
			return nil, fmt.Errorf("%s %s: %w", symbol, side, ErrNoPosition)
		}
	}

	qty, err := b.FormatQuantity(ctx, symbol, quantity)
	if err != nil {
		return nil, err
	}

	orderSide, positionSide := "SELL", "LONG"
	if side == "short" {
		orderSide, positionSide = "BUY", "SHORT"
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", orderSide)
	params.Set("positionSide", positionSide)
	params.Set("type", "MARKET")
	params.Set("quantity", qty)

	body, err := b.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, fmt.Errorf("failed to close %s on %s: %w", side, symbol, err)
	}

	var order binanceOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("failed to parse order: %w", err)
	}
	b.invalidateSnapshots()

	// Remaining SL/TP orders on the symbol are stale once the position is
	// gone.
	if err := b.CancelAllOrders(ctx, symbol); err != nil {
		b.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to cancel remaining orders")
	}
	b.log.Info().Str("symbol", symbol).Str("side", side).Str("qty", qty).
		Int64("order_id", order.OrderID).Float64("price", order.AvgPrice).Msg("position closed")

	return &OrderResult{
		OrderID:  order.OrderID,
		Symbol:   symbol,
		Side:     side,
		Quantity: order.OrigQty,
		Price:    order.AvgPrice,
	}, nil
}

// SetStopLoss places a close-position stop-market trigger.
func (b *Binance) SetStopLoss(ctx context.Context, symbol, positionSide string, quantity, triggerPrice float64) error {
	return b.placeTrigger(ctx, symbol, positionSide, "STOP_MARKET", triggerPrice)
}

// SetTakeProfit places a close-position take-profit trigger.
func (b *Binance) SetTakeProfit(ctx context.Context, symbol, positionSide string, quantity, triggerPrice float64) error {
	return b.placeTrigger(ctx, symbol, positionSide, "TAKE_PROFIT_MARKET", triggerPrice)
}

func (b *Binance) placeTrigger(ctx context.Context, symbol, positionSide, orderType string, triggerPrice float64) error {
	positionSide = strings.ToUpper(positionSide)
	side := "SELL"
	if positionSide == "SHORT" {
		side = "BUY"
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("positionSide", positionSide)
	params.Set("type", orderType)
	params.Set("stopPrice", strconv.FormatFloat(triggerPrice, 'f', -1, 64))
	params.Set("workingType", "CONTRACT_PRICE")
	// closePosition flattens the whole position on trigger; quantity must
	// not be sent alongside it.
	params.Set("closePosition", "true")

	if _, err := b.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true); err != nil {
		return fmt.Errorf("failed to place %s: %w", orderType, err)
	}
	b.log.Info().Str("symbol", symbol).Str("type", orderType).
		Float64("trigger", triggerPrice).Msg("trigger order placed")
	return nil
}

// CancelAllOrders cancels every working order on the symbol. Idempotent.
func (b *Binance) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	_, err := b.doRequest(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, true)
	if err != nil {
		return fmt.Errorf("failed to cancel orders: %w", err)
	}
	return nil
}

// FormatQuantity rounds the quantity down to the symbol's lot step size. The
// exchange-info filter table is fetched once and cached.
func (b *Binance) FormatQuantity(ctx context.Context, symbol string, quantity float64) (string, error) {
	step, err := b.stepSize(ctx, symbol)
	if err != nil {
		return "", err
	}
	if step.IsZero() {
		return strconv.FormatFloat(quantity, 'f', 3, 64), nil
	}

	qty := decimal.NewFromFloat(quantity)
	rounded := qty.Div(step).Floor().Mul(step)
	return rounded.String(), nil
}

func (b *Binance) stepSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	b.mu.Lock()
	if b.stepSizes != nil {
		step := b.stepSizes[symbol]
		b.mu.Unlock()
		return step, nil
	}
	b.mu.Unlock()

	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch exchange info: %w", err)
	}

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				StepSize   string `json:"stepSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse exchange info: %w", err)
	}

	steps := make(map[string]decimal.Decimal, len(info.Symbols))
	for _, s := range info.Symbols {
		for _, f := range s.Filters {
			if f.FilterType != "LOT_SIZE" {
				continue
			}
			if step, err := decimal.NewFromString(f.StepSize); err == nil {
				steps[s.Symbol] = step
			}
		}
	}

	b.mu.Lock()
	b.stepSizes = steps
	step := steps[symbol]
	b.mu.Unlock()
	return step, nil
}
