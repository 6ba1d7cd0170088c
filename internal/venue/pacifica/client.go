package pacifica

import (
	"bytes"
	"context"
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

	"funding-hedge-bot/internal/config"
	"funding-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

const Name = "pacifica"

// apiFloat tolerates the API's habit of sending numbers as strings.
type apiFloat float64

func (f *apiFloat) UnmarshalJSON(data []byte) error {
	trimmed := strings.Trim(string(data), `"`)
	if trimmed == "" || trimmed == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return err
	}
	*f = apiFloat(v)
	return nil
}

type marketInfo struct {
	LotSize     float64
	MaxLeverage int
}

// Client implements venue.Venue against the Pacifica REST API. All signed
// operations are issued by the agent keypair on behalf of the main account.
type Client struct {
	baseURL  string
	http     *http.Client
	keypair  *Keypair
	account  string
	throttle *venue.Throttle
	retry    venue.RetryPolicy
	log      *zap.Logger

	mu           sync.RWMutex
	markets      map[string]marketInfo
	lastMarkets  time.Time
	marks        map[string]float64
	funding      map[string]float64
	lastPrices   time.Time
	priceMaxAge  time.Duration
	marketMaxAge time.Duration
}

func New(cfg config.PacificaConfig, keypair *Keypair, account string, log *zap.Logger) *Client {
	if account == "" && keypair != nil {
		account = keypair.PublicKey()
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		http:         &http.Client{Timeout: cfg.Timeout.Std()},
		keypair:      keypair,
		account:      account,
		throttle:     venue.NewThrottle(cfg.MinInterval.Std()),
		retry:        venue.DefaultRetryPolicy(),
		log:          log,
		markets:      make(map[string]marketInfo),
		marks:        make(map[string]float64),
		funding:      make(map[string]float64),
		priceMaxAge:  10 * time.Second,
		marketMaxAge: 10 * time.Minute,
	}
}

func (c *Client) Name() string { return Name }

func (c *Client) Position(ctx context.Context, symbol string) (venue.Position, bool, error) {
	var positions []struct {
		Symbol     string   `json:"symbol"`
		Side       string   `json:"side"`
		Amount     apiFloat `json:"amount"`
		EntryPrice apiFloat `json:"entry_price"`
		Leverage   apiFloat `json:"leverage"`
	}
	query := url.Values{"account": {c.account}}
	if err := c.get(ctx, "/positions", query, &positions); err != nil {
		return venue.Position{}, false, err
	}
	for _, pos := range positions {
		if pos.Symbol != symbol || pos.Amount == 0 {
			continue
		}
		qty := float64(pos.Amount)
		// Short positions report side "ask" with a positive amount.
		if pos.Side == "ask" {
			qty = -qty
		}
		mark, err := c.MarkPrice(ctx, symbol)
		if err != nil {
			return venue.Position{}, false, err
		}
		return venue.Position{
			Symbol:        symbol,
			Quantity:      qty,
			EntryPrice:    float64(pos.EntryPrice),
			UnrealizedPnL: (mark - float64(pos.EntryPrice)) * qty,
			Notional:      mark * float64(pos.Amount),
			Leverage:      int(pos.Leverage),
		}, true, nil
	}
	return venue.Position{}, false, nil
}

func (c *Client) Balance(ctx context.Context) (venue.Balance, error) {
	var account struct {
		Balance          apiFloat `json:"balance"`
		AccountEquity    apiFloat `json:"account_equity"`
		AvailableToSpend apiFloat `json:"available_to_spend"`
	}
	query := url.Values{"account": {c.account}}
	if err := c.get(ctx, "/account", query, &account); err != nil {
		return venue.Balance{}, err
	}
	total := float64(account.AccountEquity)
	if total == 0 {
		total = float64(account.Balance)
	}
	return venue.Balance{Total: total, Available: float64(account.AvailableToSpend)}, nil
}

func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	if err := c.refreshPrices(ctx); err != nil {
		return 0, err
	}
	c.mu.RLock()
	mark, ok := c.marks[symbol]
	c.mu.RUnlock()
	if !ok || mark <= 0 {
		return 0, fmt.Errorf("mark price not found for %s", symbol)
	}
	return mark, nil
}

func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side venue.Side, quantity float64, reduceOnly bool) (venue.Fill, error) {
	if quantity <= 0 {
		return venue.Fill{}, errors.New("quantity must be > 0")
	}
	apiSide := "bid"
	if side == venue.Sell {
		apiSide = "ask"
	}
	data := map[string]any{
		"symbol":           symbol,
		"amount":           strconv.FormatFloat(quantity, 'f', -1, 64),
		"side":             apiSide,
		"reduce_only":      reduceOnly,
		"slippage_percent": "5",
	}
	var result struct {
		OrderID json.Number `json:"order_id"`
	}
	if err := c.postSigned(ctx, "/orders/create_market", "create_market_order", data, &result); err != nil {
		return venue.Fill{}, err
	}
	// create_market only acknowledges with an order id; the executed price
	// is approximated by the current mark and the quantity by the request.
	mark, err := c.MarkPrice(ctx, symbol)
	if err != nil {
		mark = 0
	}
	fill := venue.Fill{
		OrderID:  result.OrderID.String(),
		Symbol:   symbol,
		Side:     side,
		Quantity: quantity,
		Price:    mark,
	}
	c.log.Info("order placed",
		zap.String("venue", Name),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("quantity", quantity),
		zap.Bool("reduce_only", reduceOnly),
		zap.String("order_id", fill.OrderID),
	)
	return fill, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	data := map[string]any{
		"symbol":   symbol,
		"leverage": leverage,
	}
	return c.postSigned(ctx, "/account/leverage", "update_leverage", data, nil)
}

func (c *Client) MaxLeverage(ctx context.Context, symbol string) (int, error) {
	market, err := c.market(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return market.MaxLeverage, nil
}

func (c *Client) StepSize(ctx context.Context, symbol string) (float64, error) {
	market, err := c.market(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return market.LotSize, nil
}

// FundingRate returns the next hourly funding rate from the prices feed.
func (c *Client) FundingRate(ctx context.Context, symbol string) (float64, error) {
	if err := c.refreshPrices(ctx); err != nil {
		return 0, err
	}
	c.mu.RLock()
	rate, ok := c.funding[symbol]
	c.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("no funding rate for %s", symbol)
	}
	return rate, nil
}

func (c *Client) Symbols(ctx context.Context) ([]string, error) {
	if err := c.refreshMarkets(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.markets))
	for symbol := range c.markets {
		out = append(out, symbol)
	}
	return out, nil
}

func (c *Client) market(ctx context.Context, symbol string) (marketInfo, error) {
	if err := c.refreshMarkets(ctx); err != nil {
		return marketInfo{}, err
	}
	c.mu.RLock()
	market, ok := c.markets[symbol]
	c.mu.RUnlock()
	if !ok {
		return marketInfo{}, fmt.Errorf("unknown market %s", symbol)
	}
	return market, nil
}

func (c *Client) refreshMarkets(ctx context.Context) error {
	c.mu.RLock()
	fresh := len(c.markets) > 0 && time.Since(c.lastMarkets) < c.marketMaxAge
	c.mu.RUnlock()
	if fresh {
		return nil
	}
	var markets []struct {
		Symbol      string   `json:"symbol"`
		LotSize     apiFloat `json:"lot_size"`
		MaxLeverage int      `json:"max_leverage"`
	}
	if err := c.get(ctx, "/info", nil, &markets); err != nil {
		return err
	}
	if len(markets) == 0 {
		return errors.New("market info response is empty")
	}
	parsed := make(map[string]marketInfo, len(markets))
	for _, m := range markets {
		if m.Symbol == "" {
			continue
		}
		parsed[m.Symbol] = marketInfo{LotSize: float64(m.LotSize), MaxLeverage: m.MaxLeverage}
	}
	c.mu.Lock()
	c.markets = parsed
	c.lastMarkets = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Client) refreshPrices(ctx context.Context) error {
	c.mu.RLock()
	fresh := len(c.marks) > 0 && time.Since(c.lastPrices) < c.priceMaxAge
	c.mu.RUnlock()
	if fresh {
		return nil
	}
	var prices []struct {
		Symbol  string   `json:"symbol"`
		Mark    apiFloat `json:"mark"`
		Funding apiFloat `json:"funding"`
	}
	if err := c.get(ctx, "/info/prices", nil, &prices); err != nil {
		return err
	}
	marks := make(map[string]float64, len(prices))
	funding := make(map[string]float64, len(prices))
	for _, p := range prices {
		if p.Symbol == "" {
			continue
		}
		marks[p.Symbol] = float64(p.Mark)
		funding[p.Symbol] = float64(p.Funding)
	}
	c.mu.Lock()
	c.marks = marks
	c.funding = funding
	c.lastPrices = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return venue.Retry(ctx, c.retry, func() error {
		target := c.baseURL + path
		if len(query) > 0 {
			target += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		return c.do(req, out)
	})
}

// postSigned signs the operation with the agent key and submits it. Signed
// requests are never retried: the signature carries a timestamp with a short
// expiry and a replayed order could double-fill.
func (c *Client) postSigned(ctx context.Context, path, opType string, data map[string]any, out any) error {
	signature, timestamp, err := c.keypair.SignOperation(opType, data)
	if err != nil {
		return err
	}
	body := map[string]any{
		"account":       c.account,
		"agent_wallet":  c.keypair.PublicKey(),
		"signature":     signature,
		"timestamp":     timestamp,
		"expiry_window": signatureExpiryMS,
	}
	for k, v := range data {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if err := c.throttle.Wait(req.Context()); err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%s http 429: %w", Name, venue.ErrRateLimited)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s http %d: %s", Name, resp.StatusCode, truncate(raw, 256))
	}
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%s decode response: %w", Name, err)
	}
	if !envelope.Success {
		return &venue.RejectionError{Venue: Name, Reason: envelope.Error}
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
