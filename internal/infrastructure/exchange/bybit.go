package exchange

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vitos/crypto_paper_trader/internal/domain"
	"github.com/vitos/crypto_paper_trader/internal/metrics"
)

const (
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"
	ExchangeName = "bybit"

	quoteSuffix = "USDT"

	defaultInitialReconnect = 1 * time.Second
	defaultMaxReconnect     = 60 * time.Second
	defaultPingInterval     = 20 * time.Second
	defaultStaleAfter       = 30 * time.Second
	defaultBatchSize        = 10
	defaultBatchDelay       = 100 * time.Millisecond

	handshakeTimeout    = 15 * time.Second
	staleCheckInterval  = 5 * time.Second
	connectWaitPolls    = 20
	connectWaitInterval = 250 * time.Millisecond
)

// BybitFeed holds one streaming connection to the Bybit V5 public linear
// stream for a fixed coin set. It normalizes trade prints and ticker
// snapshots into domain events, caches the freshest price per coin, and
// reconnects with exponential backoff until Disconnect is called.
type BybitFeed struct {
	wsURL string
	coins []string
	set   map[string]bool // coin -> subscribed
	log   *zap.Logger

	pingInterval time.Duration
	staleAfter   time.Duration
	initialDelay time.Duration
	maxDelay     time.Duration
	batchSize    int
	batchDelay   time.Duration

	mu         sync.RWMutex
	running    bool
	cancel     context.CancelFunc
	conn       *websocket.Conn
	connected  bool
	prices     map[string]domain.PriceTick
	lastMsg    time.Time
	reconnects int64
	messages   int64
	errors     int64
	delay      time.Duration

	priceSubs  []func(domain.PriceTick)
	tradeSubs  []func(domain.TradeEvent)
	statusSubs []func(domain.FeedStatusEvent)
}

// Option tunes feed construction.
type Option func(*BybitFeed)

// WithReconnectDelays overrides the initial and ceiling reconnect delays.
func WithReconnectDelays(initial, max time.Duration) Option {
	return func(f *BybitFeed) {
		if initial > 0 {
			f.initialDelay = initial
		}
		if max > 0 {
			f.maxDelay = max
		}
	}
}

// WithStaleAfter overrides the staleness threshold for the monitor task.
func WithStaleAfter(d time.Duration) Option {
	return func(f *BybitFeed) {
		if d > 0 {
			f.staleAfter = d
		}
	}
}

// WithPingInterval overrides the keep-alive cadence.
func WithPingInterval(d time.Duration) Option {
	return func(f *BybitFeed) {
		if d > 0 {
			f.pingInterval = d
		}
	}
}

// WithSubscribeBatching overrides the per-request topic limit and inter-batch delay.
func WithSubscribeBatching(size int, delay time.Duration) Option {
	return func(f *BybitFeed) {
		if size > 0 {
			f.batchSize = size
		}
		if delay >= 0 {
			f.batchDelay = delay
		}
	}
}

// NewBybitFeed constructs a feed for the given coin set (e.g. "BTC", "ETH").
func NewBybitFeed(wsURL string, coins []string, log *zap.Logger, opts ...Option) *BybitFeed {
	if wsURL == "" {
		wsURL = BybitWSURL
	}
	set := make(map[string]bool, len(coins))
	kept := make([]string, 0, len(coins))
	for _, c := range coins {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" || set[c] {
			continue
		}
		set[c] = true
		kept = append(kept, c)
	}

	f := &BybitFeed{
		wsURL:        wsURL,
		coins:        kept,
		set:          set,
		log:          log,
		pingInterval: defaultPingInterval,
		staleAfter:   defaultStaleAfter,
		initialDelay: defaultInitialReconnect,
		maxDelay:     defaultMaxReconnect,
		batchSize:    defaultBatchSize,
		batchDelay:   defaultBatchDelay,
		prices:       make(map[string]domain.PriceTick),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.delay = f.initialDelay
	return f
}

// --- Subscriptions ---

// SubscribePrices registers a price-tick callback. Multiple callbacks are
// allowed; a panicking callback is caught and logged without affecting others.
func (f *BybitFeed) SubscribePrices(cb func(domain.PriceTick)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceSubs = append(f.priceSubs, cb)
}

// SubscribeTrades registers a raw trade-print callback.
func (f *BybitFeed) SubscribeTrades(cb func(domain.TradeEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tradeSubs = append(f.tradeSubs, cb)
}

// SubscribeStatus registers a connection-state callback.
func (f *BybitFeed) SubscribeStatus(cb func(domain.FeedStatusEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusSubs = append(f.statusSubs, cb)
}

// --- Lifecycle ---

// Connect starts the connect/listen/reconnect loop. Idempotent. It waits a
// bounded number of polls for the first connection and then returns while
// reconnection continues in the background.
func (f *BybitFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	runCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.mu.Unlock()

	go f.run(runCtx)

	for i := 0; i < connectWaitPolls; i++ {
		if f.IsConnected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectWaitInterval):
		}
	}
	// Not connected yet; the run loop keeps retrying unattended.
	return nil
}

// Disconnect cooperatively cancels background activity and closes the socket.
// Safe to call even if Connect never ran.
func (f *BybitFeed) Disconnect() {
	f.mu.Lock()
	cancel := f.cancel
	conn := f.conn
	f.running = false
	f.cancel = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

// IsConnected reports whether the socket is currently up.
func (f *BybitFeed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

func (f *BybitFeed) run(ctx context.Context) {
	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			f.mu.Lock()
			f.reconnects++
			f.mu.Unlock()
			metrics.FeedReconnects.Inc()
		}
		first = false

		if err := f.session(ctx); err != nil && ctx.Err() == nil {
			f.markError()
			f.emitStatus(domain.FeedError, err.Error())
			f.log.Warn("feed session ended", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}

		d := f.nextDelay()
		f.log.Info("feed reconnecting", zap.Duration("delay", d))
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
}

// session dials once, subscribes, and reads until the transport fails or the
// context is canceled. Keep-alive and staleness monitoring run as auxiliary
// tasks scoped to the session.
func (f *BybitFeed) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.lastMsg = time.Now()
	f.delay = f.initialDelay // success resets the backoff
	f.mu.Unlock()

	f.emitStatus(domain.FeedConnected, "")
	f.log.Info("feed connected", zap.String("exchange", ExchangeName), zap.Strings("coins", f.coins))

	if err := f.sendSubscriptions(ctx, conn); err != nil {
		f.teardown(conn)
		return err
	}

	sessCtx, sessCancel := context.WithCancel(ctx)
	var aux sync.WaitGroup
	aux.Add(2)
	go func() {
		defer aux.Done()
		f.pingLoop(sessCtx, conn)
	}()
	go func() {
		defer aux.Done()
		f.monitorLoop(sessCtx)
	}()

	readErr := f.readLoop(conn)

	sessCancel()
	f.teardown(conn)
	aux.Wait()
	f.emitStatus(domain.FeedDisconnected, "")
	return readErr
}

func (f *BybitFeed) teardown(conn *websocket.Conn) {
	conn.Close()
	f.mu.Lock()
	if f.conn == conn {
		f.conn = nil
	}
	f.connected = false
	f.mu.Unlock()
}

// sendSubscriptions batches subscribe requests to the per-request topic limit
// with a short delay between batches. A canceled context abandons the
// remaining batches.
func (f *BybitFeed) sendSubscriptions(ctx context.Context, conn *websocket.Conn) error {
	topics := make([]string, 0, 2*len(f.coins))
	for _, coin := range f.coins {
		sym := symbolFor(coin)
		topics = append(topics, "publicTrade."+sym, "tickers."+sym)
	}

	for start := 0; start < len(topics); start += f.batchSize {
		end := start + f.batchSize
		if end > len(topics) {
			end = len(topics)
		}
		msg := map[string]interface{}{
			"op":   "subscribe",
			"args": topics[start:end],
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		if end < len(topics) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.batchDelay):
			}
		}
	}
	return nil
}

func (f *BybitFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
				f.log.Warn("feed ping failed", zap.Error(err))
				return
			}
		}
	}
}

// monitorLoop emits a non-fatal stale status when no message has arrived
// within the staleness threshold. It never tears the connection down.
func (f *BybitFeed) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.checkStale()
		}
	}
}

func (f *BybitFeed) checkStale() {
	f.mu.RLock()
	age := time.Since(f.lastMsg)
	f.mu.RUnlock()
	if age > f.staleAfter {
		f.emitStatus(domain.FeedStale, "no messages for "+age.Truncate(time.Second).String())
	}
}

func (f *BybitFeed) readLoop(conn *websocket.Conn) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleMessage(message)
	}
}

// --- Message handling ---

type bybitEnvelope struct {
	Topic string          `json:"topic"`
	Op    string          `json:"op"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type bybitTrade struct {
	Time   int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Size   string `json:"v"`
	Price  string `json:"p"`
}

type bybitTicker struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	Price24hPcnt string `json:"price24hPcnt"`
	Volume24h    string `json:"volume24h"`
}

// handleMessage decodes one wire message. Malformed payloads are dropped and
// counted, never fatal; unknown symbols and topics are ignored.
func (f *BybitFeed) handleMessage(data []byte) {
	f.mu.Lock()
	f.messages++
	f.lastMsg = time.Now()
	f.mu.Unlock()

	var env bybitEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.markError()
		f.log.Warn("feed decode failed", zap.Error(err))
		return
	}

	switch {
	case env.Topic == "":
		// Control acks and pong responses carry no topic.
		return
	case strings.HasPrefix(env.Topic, "publicTrade."):
		f.handleTrades(env.Data)
	case strings.HasPrefix(env.Topic, "tickers."):
		f.handleTicker(env.Data)
	}
}

func (f *BybitFeed) handleTrades(data json.RawMessage) {
	var trades []bybitTrade
	if err := json.Unmarshal(data, &trades); err != nil {
		f.markError()
		f.log.Warn("feed trade payload malformed", zap.Error(err))
		return
	}

	for _, t := range trades {
		coin := coinFor(t.Symbol)
		if !f.set[coin] {
			continue
		}
		price, err := strconv.ParseFloat(t.Price, 64)
		if err != nil || price <= 0 {
			f.markError()
			continue
		}
		qty, _ := strconv.ParseFloat(t.Size, 64)

		f.mu.Lock()
		tick := f.prices[coin] // carry 24h fields from the last ticker snapshot
		tick.Coin = coin
		tick.Price = price
		tick.Timestamp = t.Time
		f.prices[coin] = tick
		f.mu.Unlock()

		metrics.TicksTotal.WithLabelValues(coin).Inc()
		f.emitTrade(domain.TradeEvent{
			Coin:       coin,
			Price:      price,
			Quantity:   qty,
			TakerIsBuy: t.Side == "Buy",
			Timestamp:  t.Time,
		})
		f.emitTick(tick)
	}
}

// handleTicker refreshes the cached 24h volume and change for a coin.
// No price tick is emitted here: ticker snapshots arrive even for quiet
// coins and must not re-trigger stop/target evaluation. The one deliberate
// widening: an empty cache entry is seeded from the ticker's lastPrice, so
// GetPrice can answer before the first trade print even though no tick with
// that price was ever delivered.
func (f *BybitFeed) handleTicker(data json.RawMessage) {
	var tk bybitTicker
	if err := json.Unmarshal(data, &tk); err != nil {
		f.markError()
		f.log.Warn("feed ticker payload malformed", zap.Error(err))
		return
	}

	coin := coinFor(tk.Symbol)
	if !f.set[coin] {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	tick := f.prices[coin]
	tick.Coin = coin
	if tick.Price == 0 {
		// Seed the cache so the price is queryable before the first trade print.
		if last, err := strconv.ParseFloat(tk.LastPrice, 64); err == nil {
			tick.Price = last
		}
	}
	if vol, err := strconv.ParseFloat(tk.Volume24h, 64); err == nil {
		tick.Volume24h = vol
	}
	if pcnt, err := strconv.ParseFloat(tk.Price24hPcnt, 64); err == nil {
		tick.Change24h = pcnt * 100 // wire format is a fraction
	}
	f.prices[coin] = tick
}

// --- Queries ---

// GetPrice returns the cached latest tick for coin without a network call.
func (f *BybitFeed) GetPrice(coin string) (domain.PriceTick, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	tick, ok := f.prices[strings.ToUpper(coin)]
	return tick, ok
}

// GetAllPrices returns a copy of the cached latest tick per coin.
func (f *BybitFeed) GetAllPrices() map[string]domain.PriceTick {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]domain.PriceTick, len(f.prices))
	for coin, tick := range f.prices {
		out[coin] = tick
	}
	return out
}

// Status returns the feed's diagnostic counters.
func (f *BybitFeed) Status() domain.FeedStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return domain.FeedStatus{
		Connected:     f.connected,
		Exchange:      ExchangeName,
		LastMessageAt: f.lastMsg,
		Reconnects:    f.reconnects,
		Messages:      f.messages,
		Errors:        f.errors,
	}
}

// Health derives a monitoring view including staleness age.
func (f *BybitFeed) Health() domain.FeedHealth {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var staleness float64
	if !f.lastMsg.IsZero() {
		staleness = time.Since(f.lastMsg).Seconds()
	}
	return domain.FeedHealth{
		OK:           f.connected && staleness < f.staleAfter.Seconds(),
		Connected:    f.connected,
		StalenessSec: staleness,
		Coins:        len(f.coins),
		Reconnects:   f.reconnects,
		Errors:       f.errors,
	}
}

// --- Internals ---

func (f *BybitFeed) markError() {
	f.mu.Lock()
	f.errors++
	f.mu.Unlock()
	metrics.FeedErrors.Inc()
}

// nextDelay returns the current reconnect delay and doubles it up to the
// ceiling. A successful dial resets it to the initial value.
func (f *BybitFeed) nextDelay() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.delay
	f.delay *= 2
	if f.delay > f.maxDelay {
		f.delay = f.maxDelay
	}
	return d
}

func (f *BybitFeed) emitTick(tick domain.PriceTick) {
	f.mu.RLock()
	subs := make([]func(domain.PriceTick), len(f.priceSubs))
	copy(subs, f.priceSubs)
	f.mu.RUnlock()
	for _, cb := range subs {
		f.safeCall("price", func() { cb(tick) })
	}
}

func (f *BybitFeed) emitTrade(trade domain.TradeEvent) {
	f.mu.RLock()
	subs := make([]func(domain.TradeEvent), len(f.tradeSubs))
	copy(subs, f.tradeSubs)
	f.mu.RUnlock()
	for _, cb := range subs {
		f.safeCall("trade", func() { cb(trade) })
	}
}

func (f *BybitFeed) emitStatus(state domain.FeedState, detail string) {
	event := domain.FeedStatusEvent{
		State:     state,
		Exchange:  ExchangeName,
		Timestamp: time.Now(),
		Detail:    detail,
	}
	f.mu.RLock()
	subs := make([]func(domain.FeedStatusEvent), len(f.statusSubs))
	copy(subs, f.statusSubs)
	f.mu.RUnlock()
	for _, cb := range subs {
		f.safeCall("status", func() { cb(event) })
	}
}

// safeCall isolates a failing subscriber so it cannot stall the feed or
// starve other callbacks.
func (f *BybitFeed) safeCall(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("feed subscriber panicked", zap.String("kind", kind), zap.Any("panic", r))
		}
	}()
	fn()
}

func symbolFor(coin string) string {
	return strings.ToUpper(coin) + quoteSuffix
}

func coinFor(symbol string) string {
	return strings.TrimSuffix(strings.ToUpper(symbol), quoteSuffix)
}
