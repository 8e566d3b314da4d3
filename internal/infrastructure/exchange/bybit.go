// Package exchange holds the gateway adapters. The engine only ever
// sees domain.ExchangeGateway; everything exchange-specific (signing,
// endpoints, payload shapes, error codes) stays in here.
package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vortexlab/tradengine/internal/domain"
	"go.uber.org/zap"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/spot"

	marketCacheTTL = 5 * time.Minute
	priceCacheTTL  = 10 * time.Second
)

// Credentials are one user's API keys for one exchange.
type Credentials struct {
	APIKey    string
	APISecret string
}

// CredentialsProvider resolves per-user API keys. Returning an error
// surfaces as an AUTH gateway failure.
type CredentialsProvider interface {
	Credentials(ctx context.Context, userID, exchangeID string) (Credentials, error)
}

// CredentialsFunc adapts a plain function to CredentialsProvider.
type CredentialsFunc func(ctx context.Context, userID, exchangeID string) (Credentials, error)

func (f CredentialsFunc) Credentials(ctx context.Context, userID, exchangeID string) (Credentials, error) {
	return f(ctx, userID, exchangeID)
}

type cachedMarket struct {
	market    *domain.Market
	fetchedAt time.Time
}

type cachedPrice struct {
	price     domain.MarketPrice
	fetchedAt time.Time
}

// BybitAdapter implements domain.ExchangeGateway against the Bybit V5
// spot API. Prices come from the public ticker stream when connected,
// with a REST fallback; markets are cached briefly since instrument
// metadata barely changes.
type BybitAdapter struct {
	exchangeID string
	baseURL    string
	creds      CredentialsProvider
	client     *http.Client
	logger     *zap.Logger

	mu      sync.RWMutex
	markets map[string]cachedMarket
	prices  map[string]cachedPrice
}

func NewBybitAdapter(exchangeID, baseURL string, creds CredentialsProvider, logger *zap.Logger) *BybitAdapter {
	if baseURL == "" {
		baseURL = BybitBaseURL
	}
	return &BybitAdapter{
		exchangeID: exchangeID,
		baseURL:    baseURL,
		creds:      creds,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		markets:    make(map[string]cachedMarket),
		prices:     make(map[string]cachedPrice),
	}
}

// --- signing and transport ---

func sign(secret, apiKey, params string, timestamp int64, recvWindow int) string {
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BybitAdapter) sendSigned(ctx context.Context, creds Credentials, method, path string, payload map[string]any) ([]byte, error) {
	timestamp := time.Now().UnixMilli()
	recvWindow := 5000

	var body []byte
	var paramsStr string
	if payload != nil {
		body, _ = json.Marshal(payload)
		paramsStr = string(body)
	} else if method == http.MethodGet {
		if idx := strings.Index(path, "?"); idx != -1 {
			paramsStr = path[idx+1:]
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-BAPI-API-KEY", creds.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", sign(creds.APISecret, creds.APIKey, paramsStr, timestamp, recvWindow))
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &domain.GatewayError{Kind: domain.GatewayUnknown, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.GatewayError{Kind: domain.GatewayUnknown, Err: err}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &domain.GatewayError{Kind: domain.GatewayRateLimit, Err: fmt.Errorf("http 429")}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &domain.GatewayError{Kind: domain.GatewayAuth, Err: fmt.Errorf("http %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return nil, &domain.GatewayError{Kind: domain.GatewayUnknown, Err: fmt.Errorf("http %d: %s", resp.StatusCode, respBody)}
	}
	return respBody, nil
}

func (b *BybitAdapter) sendPublic(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &domain.GatewayError{Kind: domain.GatewayUnknown, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.GatewayError{Kind: domain.GatewayUnknown, Err: err}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &domain.GatewayError{Kind: domain.GatewayRateLimit, Err: fmt.Errorf("http 429")}
	}
	if resp.StatusCode >= 400 {
		return nil, &domain.GatewayError{Kind: domain.GatewayUnknown, Err: fmt.Errorf("http %d: %s", resp.StatusCode, respBody)}
	}
	return respBody, nil
}

// classifyRetCode maps Bybit V5 return codes onto gateway error kinds.
func classifyRetCode(retCode int, retMsg string) error {
	if retCode == 0 {
		return nil
	}
	err := fmt.Errorf("bybit retCode %d: %s", retCode, retMsg)
	switch retCode {
	case 10003, 10004, 10005, 33004:
		return &domain.GatewayError{Kind: domain.GatewayAuth, Err: err}
	case 10006, 10018:
		return &domain.GatewayError{Kind: domain.GatewayRateLimit, Err: err}
	}
	return &domain.GatewayError{Kind: domain.GatewayUnknown, Err: err}
}

func (b *BybitAdapter) credentials(ctx context.Context, userID string) (Credentials, error) {
	creds, err := b.creds.Credentials(ctx, userID, b.exchangeID)
	if err != nil {
		return Credentials{}, &domain.GatewayError{Kind: domain.GatewayAuth, Err: err}
	}
	return creds, nil
}

// --- market data ---

func (b *BybitAdapter) GetMarketPrice(ctx context.Context, exchangeID, symbol string) (*domain.MarketPrice, error) {
	b.mu.RLock()
	cached, ok := b.prices[symbol]
	b.mu.RUnlock()
	if ok && time.Since(cached.fetchedAt) < priceCacheTTL {
		price := cached.price
		return &price, nil
	}

	resp, err := b.sendPublic(ctx, "/v5/market/tickers?category=spot&symbol="+symbol)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Bid1Price string `json:"bid1Price"`
				Ask1Price string `json:"ask1Price"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if err := classifyRetCode(result.RetCode, result.RetMsg); err != nil {
		return nil, err
	}
	if len(result.Result.List) == 0 {
		return nil, domain.ErrDataNotReady
	}

	bid, _ := strconv.ParseFloat(result.Result.List[0].Bid1Price, 64)
	ask, _ := strconv.ParseFloat(result.Result.List[0].Ask1Price, 64)
	price := domain.MarketPrice{Bid: bid, Ask: ask, Timestamp: time.Now().UTC()}

	b.mu.Lock()
	b.prices[symbol] = cachedPrice{price: price, fetchedAt: time.Now()}
	b.mu.Unlock()
	return &price, nil
}

func (b *BybitAdapter) GetMarket(ctx context.Context, exchangeID, symbol string) (*domain.Market, error) {
	b.mu.RLock()
	cached, ok := b.markets[symbol]
	b.mu.RUnlock()
	if ok && time.Since(cached.fetchedAt) < marketCacheTTL {
		return cached.market, nil
	}

	resp, err := b.sendPublic(ctx, "/v5/market/instruments-info?category=spot&symbol="+symbol)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Symbol        string `json:"symbol"`
				BaseCoin      string `json:"baseCoin"`
				QuoteCoin     string `json:"quoteCoin"`
				Status        string `json:"status"`
				LotSizeFilter struct {
					BasePrecision  string `json:"basePrecision"`
					QuotePrecision string `json:"quotePrecision"`
					MinOrderQty    string `json:"minOrderQty"`
					MinOrderAmt    string `json:"minOrderAmt"`
				} `json:"lotSizeFilter"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if err := classifyRetCode(result.RetCode, result.RetMsg); err != nil {
		return nil, err
	}
	if len(result.Result.List) == 0 {
		return nil, domain.ErrDataNotReady
	}

	raw := result.Result.List[0]
	minLot, _ := strconv.ParseFloat(raw.LotSizeFilter.MinOrderQty, 64)
	minCost, _ := strconv.ParseFloat(raw.LotSizeFilter.MinOrderAmt, 64)
	market := &domain.Market{
		Symbol:          raw.Symbol,
		Base:            raw.BaseCoin,
		Quote:           raw.QuoteCoin,
		MinLot:          minLot,
		MinCost:         minCost,
		PricePrecision:  decimalPlaces(raw.PriceFilter.TickSize),
		VolumePrecision: decimalPlaces(raw.LotSizeFilter.BasePrecision),
		Active:          raw.Status == "Trading",
		Spot:            true,
	}

	b.mu.Lock()
	b.markets[symbol] = cachedMarket{market: market, fetchedAt: time.Now()}
	b.mu.Unlock()
	return market, nil
}

// decimalPlaces converts a step like "0.001" to its precision (3).
func decimalPlaces(step string) int32 {
	idx := strings.Index(step, ".")
	if idx < 0 {
		return 0
	}
	frac := strings.TrimRight(step[idx+1:], "0")
	return int32(len(frac))
}

// --- account ---

func (b *BybitAdapter) GetWalletBalances(ctx context.Context, userID, exchangeID string) (domain.WalletBalance, error) {
	creds, err := b.credentials(ctx, userID)
	if err != nil {
		return nil, err
	}

	resp, err := b.sendSigned(ctx, creds, http.MethodGet, "/v5/account/wallet-balance?accountType=UNIFIED", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Coin []struct {
					Coin            string `json:"coin"`
					AvailableToSell string `json:"availableToWithdraw"`
					WalletBalance   string `json:"walletBalance"`
				} `json:"coin"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if err := classifyRetCode(result.RetCode, result.RetMsg); err != nil {
		return nil, err
	}

	balance := domain.WalletBalance{}
	for _, account := range result.Result.List {
		for _, coin := range account.Coin {
			free, err := strconv.ParseFloat(coin.AvailableToSell, 64)
			if err != nil || free == 0 {
				free, _ = strconv.ParseFloat(coin.WalletBalance, 64)
			}
			balance[coin.Coin] = free
		}
	}
	return balance, nil
}

// --- orders ---

func (b *BybitAdapter) OpenBuy(ctx context.Context, order *domain.TradeOrder) (*domain.Fill, error) {
	return b.placeMarketOrder(ctx, order, "Buy")
}

func (b *BybitAdapter) OpenSell(ctx context.Context, order *domain.TradeOrder) (*domain.Fill, error) {
	return b.placeMarketOrder(ctx, order, "Sell")
}

// CloseOrder submits the opposite market order for the order's volume.
func (b *BybitAdapter) CloseOrder(ctx context.Context, order *domain.TradeOrder) (*domain.Fill, error) {
	side := "Sell"
	if order.Type == domain.OrderSell {
		side = "Buy"
	}
	return b.placeMarketOrder(ctx, order, side)
}

func (b *BybitAdapter) placeMarketOrder(ctx context.Context, order *domain.TradeOrder, side string) (*domain.Fill, error) {
	creds, err := b.credentials(ctx, order.UserID)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"category":    "spot",
		"symbol":      order.Symbol,
		"side":        side,
		"orderType":   "Market",
		"qty":         strconv.FormatFloat(order.OpenVolume, 'f', -1, 64),
		"marketUnit":  "baseCoin",
		"timeInForce": "IOC",
	}
	resp, err := b.sendSigned(ctx, creds, http.MethodPost, "/v5/order/create", payload)
	if err != nil {
		return nil, err
	}

	var created struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			OrderID string `json:"orderId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &created); err != nil {
		return nil, err
	}
	if err := classifyRetCode(created.RetCode, created.RetMsg); err != nil {
		return nil, err
	}

	fill, err := b.fetchFill(ctx, creds, order.Symbol, created.Result.OrderID)
	if err != nil {
		b.logger.Warn("fill lookup failed, falling back to requested volume",
			zap.String("symbol", order.Symbol), zap.Error(err))
		return &domain.Fill{Filled: order.OpenVolume, FeeKnown: false}, nil
	}
	return fill, nil
}

// fetchFill reads the executed order back so the caller gets the real
// average price and, when reported, the fee. IOC market orders settle
// fast; one short retry is enough in practice.
func (b *BybitAdapter) fetchFill(ctx context.Context, creds Credentials, symbol, orderID string) (*domain.Fill, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}

		path := fmt.Sprintf("/v5/order/history?category=spot&symbol=%s&orderId=%s", symbol, orderID)
		resp, err := b.sendSigned(ctx, creds, http.MethodGet, path, nil)
		if err != nil {
			lastErr = err
			continue
		}

		var result struct {
			RetCode int    `json:"retCode"`
			RetMsg  string `json:"retMsg"`
			Result  struct {
				List []struct {
					AvgPrice    string `json:"avgPrice"`
					CumExecQty  string `json:"cumExecQty"`
					CumExecFee  string `json:"cumExecFee"`
					OrderStatus string `json:"orderStatus"`
				} `json:"list"`
			} `json:"result"`
		}
		if err := json.Unmarshal(resp, &result); err != nil {
			lastErr = err
			continue
		}
		if err := classifyRetCode(result.RetCode, result.RetMsg); err != nil {
			lastErr = err
			continue
		}
		if len(result.Result.List) == 0 {
			lastErr = fmt.Errorf("order %s not in history yet", orderID)
			continue
		}

		raw := result.Result.List[0]
		price, _ := strconv.ParseFloat(raw.AvgPrice, 64)
		filled, _ := strconv.ParseFloat(raw.CumExecQty, 64)
		fee, feeErr := strconv.ParseFloat(raw.CumExecFee, 64)
		return &domain.Fill{
			Price:    price,
			Filled:   filled,
			Fee:      fee,
			FeeKnown: feeErr == nil && raw.CumExecFee != "",
		}, nil
	}
	return nil, lastErr
}

// CheckOrderParameters validates the order against current instrument
// limits without touching the account.
func (b *BybitAdapter) CheckOrderParameters(ctx context.Context, order *domain.TradeOrder) (bool, error) {
	market, err := b.GetMarket(ctx, order.ExchangeID, order.Symbol)
	if err != nil {
		return false, err
	}
	if !market.Active {
		return false, nil
	}
	if order.OpenVolume < market.MinLot {
		return false, nil
	}
	price, err := b.GetMarketPrice(ctx, order.ExchangeID, order.Symbol)
	if err != nil {
		return false, err
	}
	if market.MinCost > 0 && order.OpenVolume*price.Ask < market.MinCost {
		return false, nil
	}
	return true, nil
}

var _ domain.ExchangeGateway = (*BybitAdapter)(nil)
