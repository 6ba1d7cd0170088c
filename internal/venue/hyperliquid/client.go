package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"funding-hedge-bot/internal/config"
	"funding-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

const Name = "hyperliquid"

type assetMeta struct {
	Index       int
	SzDecimals  int
	MaxLeverage int
}

// Client implements venue.Venue against the Hyperliquid REST and exchange
// APIs, with an optional websocket mids feed keeping the price cache warm.
type Client struct {
	baseURL  string
	http     *http.Client
	signer   *Signer
	user     string
	throttle *venue.Throttle
	retry    venue.RetryPolicy
	log      *zap.Logger

	lastNonce atomic.Uint64

	mu           sync.RWMutex
	meta         map[string]assetMeta
	mids         map[string]float64
	lastMetaLoad time.Time

	funding         map[string]float64
	lastFundingLoad time.Time
}

func New(cfg config.HyperliquidConfig, signer *Signer, user string, log *zap.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		http:     &http.Client{Timeout: cfg.Timeout.Std()},
		signer:   signer,
		user:     user,
		throttle: venue.NewThrottle(cfg.MinInterval.Std()),
		retry:    venue.DefaultRetryPolicy(),
		log:      log,
		meta:     make(map[string]assetMeta),
		mids:     make(map[string]float64),
		funding:  make(map[string]float64),
	}
}

func (c *Client) Name() string { return Name }

func (c *Client) Position(ctx context.Context, symbol string) (venue.Position, bool, error) {
	resp, err := c.info(ctx, map[string]any{"type": "clearinghouseState", "user": c.user})
	if err != nil {
		return venue.Position{}, false, err
	}
	positions, _ := toSlice(resp["assetPositions"])
	for _, entry := range positions {
		wrapper, ok := toMap(entry)
		if !ok {
			continue
		}
		pos, ok := toMap(wrapper["position"])
		if !ok {
			continue
		}
		if stringFromAny(pos["coin"]) != symbol {
			continue
		}
		qty := floatFromMap(pos, "szi", "sz")
		if qty == 0 {
			return venue.Position{}, false, nil
		}
		leverage := 0
		if lev, ok := toMap(pos["leverage"]); ok {
			leverage = intFromAny(lev["value"], 0)
		}
		return venue.Position{
			Symbol:        symbol,
			Quantity:      qty,
			EntryPrice:    floatFromMap(pos, "entryPx"),
			UnrealizedPnL: floatFromMap(pos, "unrealizedPnl"),
			Notional:      floatFromMap(pos, "positionValue"),
			Leverage:      leverage,
		}, true, nil
	}
	return venue.Position{}, false, nil
}

func (c *Client) Balance(ctx context.Context) (venue.Balance, error) {
	resp, err := c.info(ctx, map[string]any{"type": "clearinghouseState", "user": c.user})
	if err != nil {
		return venue.Balance{}, err
	}
	summary, ok := toMap(resp["marginSummary"])
	if !ok {
		return venue.Balance{}, errors.New("clearinghouse state missing margin summary")
	}
	return venue.Balance{
		Total:     floatFromMap(summary, "accountValue"),
		Available: floatFromMap(resp, "withdrawable"),
	}, nil
}

func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	c.mu.RLock()
	price, ok := c.mids[symbol]
	c.mu.RUnlock()
	if ok && price > 0 {
		return price, nil
	}
	resp, err := c.info(ctx, map[string]any{"type": "allMids"})
	if err != nil {
		return 0, err
	}
	c.updateMids(resp)
	c.mu.RLock()
	price, ok = c.mids[symbol]
	c.mu.RUnlock()
	if !ok || price <= 0 {
		return 0, fmt.Errorf("mid price not found for %s", symbol)
	}
	return price, nil
}

func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side venue.Side, quantity float64, reduceOnly bool) (venue.Fill, error) {
	if quantity <= 0 {
		return venue.Fill{}, errors.New("quantity must be > 0")
	}
	meta, err := c.assetMeta(ctx, symbol)
	if err != nil {
		return venue.Fill{}, err
	}
	mark, err := c.MarkPrice(ctx, symbol)
	if err != nil {
		return venue.Fill{}, err
	}
	isBuy := side == venue.Buy
	// A market order is an IOC limit priced through the book.
	limit := aggressivePrice(mark, isBuy, meta.SzDecimals)
	wire, err := limitOrderWire(meta.Index, isBuy, quantity, limit, reduceOnly, TifIoc)
	if err != nil {
		return venue.Fill{}, err
	}
	action := OrderAction{Type: "order", Orders: []OrderWire{wire}, Grouping: "na"}
	nonce := c.nextNonce()
	sig, err := c.signer.SignOrderAction(action, nonce)
	if err != nil {
		return venue.Fill{}, err
	}
	resp, err := c.postExchange(ctx, SignedAction{Action: action, Nonce: nonce, Signature: sig})
	if err != nil {
		return venue.Fill{}, err
	}
	fill, err := fillFromResponse(resp, symbol, side)
	if err != nil {
		return venue.Fill{}, err
	}
	c.log.Info("order filled",
		zap.String("venue", Name),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("quantity", fill.Quantity),
		zap.Float64("price", fill.Price),
		zap.Bool("reduce_only", reduceOnly),
	)
	return fill, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	meta, err := c.assetMeta(ctx, symbol)
	if err != nil {
		return err
	}
	// Isolated margin keeps one leg's loss from draining the whole account.
	action := UpdateLeverageAction{Type: "updateLeverage", Asset: meta.Index, IsCross: false, Leverage: leverage}
	nonce := c.nextNonce()
	sig, err := c.signer.SignUpdateLeverageAction(action, nonce)
	if err != nil {
		return err
	}
	_, err = c.postExchange(ctx, SignedAction{Action: action, Nonce: nonce, Signature: sig})
	return err
}

func (c *Client) MaxLeverage(ctx context.Context, symbol string) (int, error) {
	meta, err := c.assetMeta(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return meta.MaxLeverage, nil
}

func (c *Client) StepSize(ctx context.Context, symbol string) (float64, error) {
	meta, err := c.assetMeta(ctx, symbol)
	if err != nil {
		return 0, err
	}
	step := 1.0
	for i := 0; i < meta.SzDecimals; i++ {
		step /= 10
	}
	return step, nil
}

// FundingRate returns the predicted hourly rate for the next funding
// period, not the last applied one.
func (c *Client) FundingRate(ctx context.Context, symbol string) (float64, error) {
	if err := c.refreshFunding(ctx); err != nil {
		return 0, err
	}
	c.mu.RLock()
	rate, ok := c.funding[symbol]
	c.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("no predicted funding for %s", symbol)
	}
	return rate, nil
}

func (c *Client) Symbols(ctx context.Context) ([]string, error) {
	if err := c.refreshMeta(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.meta))
	for symbol := range c.meta {
		out = append(out, symbol)
	}
	return out, nil
}

func (c *Client) assetMeta(ctx context.Context, symbol string) (assetMeta, error) {
	if err := c.refreshMeta(ctx); err != nil {
		return assetMeta{}, err
	}
	c.mu.RLock()
	meta, ok := c.meta[symbol]
	c.mu.RUnlock()
	if !ok {
		return assetMeta{}, fmt.Errorf("unknown asset %s", symbol)
	}
	return meta, nil
}

func (c *Client) refreshMeta(ctx context.Context) error {
	c.mu.RLock()
	fresh := len(c.meta) > 0 && time.Since(c.lastMetaLoad) < 10*time.Minute
	c.mu.RUnlock()
	if fresh {
		return nil
	}
	resp, err := c.info(ctx, map[string]any{"type": "meta"})
	if err != nil {
		return err
	}
	universe, _ := toSlice(resp["universe"])
	if len(universe) == 0 {
		return errors.New("meta response missing universe")
	}
	parsed := make(map[string]assetMeta, len(universe))
	for i, entry := range universe {
		m, ok := toMap(entry)
		if !ok {
			continue
		}
		name := stringFromAny(m["name"])
		if name == "" {
			continue
		}
		parsed[name] = assetMeta{
			Index:       i,
			SzDecimals:  intFromAny(m["szDecimals"], 0),
			MaxLeverage: intFromAny(m["maxLeverage"], 0),
		}
	}
	c.mu.Lock()
	c.meta = parsed
	c.lastMetaLoad = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Client) refreshFunding(ctx context.Context) error {
	c.mu.RLock()
	fresh := len(c.funding) > 0 && time.Since(c.lastFundingLoad) < time.Minute
	c.mu.RUnlock()
	if fresh {
		return nil
	}
	raw, err := c.infoAny(ctx, map[string]any{"type": "predictedFundings"})
	if err != nil {
		return err
	}
	parsed := parsePredictedFundings(raw)
	if len(parsed) == 0 {
		return errors.New("predicted fundings missing")
	}
	c.mu.Lock()
	c.funding = parsed
	c.lastFundingLoad = time.Now()
	c.mu.Unlock()
	return nil
}

// predictedFundings is a list of [coin, [[venueName, {fundingRate, ...}], ...]]
// pairs; the HlPerp entry carries Hyperliquid's own next-period rate.
func parsePredictedFundings(payload any) map[string]float64 {
	entries, ok := toSlice(payload)
	if !ok {
		return nil
	}
	out := make(map[string]float64)
	for _, entry := range entries {
		pair, ok := toSlice(entry)
		if !ok || len(pair) < 2 {
			continue
		}
		coin := stringFromAny(pair[0])
		venues, ok := toSlice(pair[1])
		if coin == "" || !ok {
			continue
		}
		for _, venueEntry := range venues {
			vp, ok := toSlice(venueEntry)
			if !ok || len(vp) < 2 {
				continue
			}
			if stringFromAny(vp[0]) != "HlPerp" {
				continue
			}
			if data, ok := toMap(vp[1]); ok {
				out[coin] = floatFromMap(data, "fundingRate", "funding")
			}
		}
	}
	return out
}

func (c *Client) updateMids(payload map[string]any) {
	mids := payload
	if data, ok := toMap(payload["data"]); ok {
		if nested, ok := toMap(data["mids"]); ok {
			mids = nested
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for symbol, v := range mids {
		if f, ok := floatFromAny(v); ok && f > 0 {
			c.mids[symbol] = f
		}
	}
}

func (c *Client) nextNonce() uint64 {
	now := uint64(time.Now().UnixMilli())
	for {
		prev := c.lastNonce.Load()
		next := now
		if prev >= next {
			next = prev + 1
		}
		if c.lastNonce.CompareAndSwap(prev, next) {
			return next
		}
	}
}

func (c *Client) info(ctx context.Context, req map[string]any) (map[string]any, error) {
	raw, err := c.infoAny(ctx, req)
	if err != nil {
		return nil, err
	}
	data, ok := toMap(raw)
	if !ok {
		return nil, errors.New("unexpected info response shape")
	}
	return data, nil
}

func (c *Client) infoAny(ctx context.Context, req map[string]any) (any, error) {
	var out any
	err := venue.Retry(ctx, c.retry, func() error {
		var err error
		out, err = c.post(ctx, "/info", req)
		return err
	})
	return out, err
}

func (c *Client) postExchange(ctx context.Context, payload SignedAction) (map[string]any, error) {
	// Signed actions are never retried: a nonce is single-use and a
	// retried order could double-fill.
	raw, err := c.post(ctx, "/exchange", payload)
	if err != nil {
		return nil, err
	}
	resp, ok := toMap(raw)
	if !ok {
		return nil, errors.New("unexpected exchange response shape")
	}
	if status := stringFromAny(resp["status"]); status != "" && status != "ok" {
		return nil, &venue.RejectionError{Venue: Name, Reason: stringFromAny(resp["response"])}
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, path string, req any) (any, error) {
	if err := c.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%s http 429: %w", Name, venue.ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("%s http %d: %s", Name, resp.StatusCode, string(payload))
	}
	var data any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}

// fillFromResponse walks the order response statuses for a confirmed fill.
// A resting status cannot happen for IOC; anything other than "filled" is
// surfaced as a rejection.
func fillFromResponse(resp map[string]any, symbol string, side venue.Side) (venue.Fill, error) {
	inner, _ := toMap(resp["response"])
	data, _ := toMap(inner["data"])
	statuses, _ := toSlice(data["statuses"])
	for _, entry := range statuses {
		status, ok := toMap(entry)
		if !ok {
			continue
		}
		if errMsg := stringFromAny(status["error"]); errMsg != "" {
			return venue.Fill{}, &venue.RejectionError{Venue: Name, Reason: errMsg}
		}
		if filled, ok := toMap(status["filled"]); ok {
			return venue.Fill{
				OrderID:  stringFromAny(filled["oid"]),
				Symbol:   symbol,
				Side:     side,
				Quantity: floatFromMap(filled, "totalSz"),
				Price:    floatFromMap(filled, "avgPx"),
			}, nil
		}
	}
	return venue.Fill{}, &venue.RejectionError{Venue: Name, Reason: "order did not fill"}
}
