package hyperliquid

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var (
	allMidsSubscription = map[string]any{
		"method":       "subscribe",
		"subscription": map[string]any{"type": "allMids"},
	}
	pingMessage = map[string]any{"method": "ping"}
)

// MidsFeed streams allMids over the websocket API and keeps the owning
// Client's price cache warm, so MarkPrice rarely has to hit REST. The feed
// is best-effort: on any failure the cache just goes stale and MarkPrice
// falls back to the REST snapshot.
type MidsFeed struct {
	url            string
	client         *Client
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger
}

func NewMidsFeed(url string, client *Client, log *zap.Logger) *MidsFeed {
	return &MidsFeed{
		url:            url,
		client:         client,
		reconnectDelay: 5 * time.Second,
		pingInterval:   30 * time.Second,
		log:            log,
	}
}

// Run blocks until ctx is cancelled, reconnecting after any stream failure.
func (f *MidsFeed) Run(ctx context.Context) error {
	for {
		if err := f.stream(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("mids feed interrupted", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *MidsFeed) stream(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	if err := writeJSON(ctx, conn, allMidsSubscription); err != nil {
		return err
	}

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go f.pingLoop(pingCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		f.handle(data)
	}
}

func (f *MidsFeed) handle(data []byte) {
	var msg struct {
		Channel string `json:"channel"`
		Data    struct {
			Mids map[string]string `json:"mids"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Channel != "allMids" || len(msg.Data.Mids) == 0 {
		return
	}
	mids := make(map[string]any, len(msg.Data.Mids))
	for symbol, price := range msg.Data.Mids {
		mids[symbol] = price
	}
	f.client.updateMids(mids)
}

func (f *MidsFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
