package gateway

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"trade-fleet/internal/config"
	"trade-fleet/internal/model"
)

// PaperOptions configures a simulated terminal.
type PaperOptions struct {
	AccountID string
	Balance   float64
	Seed      int64
	// Walk advances a random-walk bar on every market data request.
	Walk bool
	// PipValue is the account-currency value of one pip per lot.
	PipValue float64
}

type paperPosition struct {
	model.TerminalPosition
}

// Paper is an in-process simulated terminal. Prices move only through
// SetPrice, SetBars or the random walk. Stop-loss and take-profit levels are
// honored whenever a price changes. Failure injection hooks make it usable as
// a test double.
type Paper struct {
	mu        sync.Mutex
	opts      PaperOptions
	rng       *rand.Rand
	balance   float64
	connected bool

	prices    map[string]float64
	bars      map[string][]model.Bar
	positions map[int64]*paperPosition
	next      int64

	offline     bool
	delay       time.Duration
	rejectOpens []*RejectedError
	failModify  int
	failClose   int
	calls       map[string]int
	now         func() time.Time
}

var _ Gateway = (*Paper)(nil)

var paperSeedPrices = map[string]float64{
	"EURUSD": 1.0850,
	"GBPUSD": 1.2700,
	"USDJPY": 151.20,
	"AUDUSD": 0.6550,
	"XAUUSD": 2350.0,
}

// NewPaper creates a simulated terminal.
func NewPaper(opts PaperOptions) *Paper {
	if opts.Balance == 0 {
		opts.Balance = 10000
	}
	if opts.PipValue == 0 {
		opts.PipValue = 10
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Paper{
		opts:      opts,
		rng:       rand.New(rand.NewSource(seed)),
		balance:   opts.Balance,
		prices:    make(map[string]float64),
		bars:      make(map[string][]model.Bar),
		positions: make(map[int64]*paperPosition),
		next:      1000,
		calls:     make(map[string]int),
		now:       time.Now,
	}
}

// SetOffline makes every call fail with ErrConnection while on.
func (p *Paper) SetOffline(offline bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline = offline
}

// SetDelay makes every call take d, bounded by the caller's context.
func (p *Paper) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// RejectNextOpen makes the next open request fail with a broker rejection.
func (p *Paper) RejectNextOpen(code int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectOpens = append(p.rejectOpens, &RejectedError{Code: code, Reason: reason})
}

// FailNextModify makes the next n modify requests fail with ErrConnection.
func (p *Paper) FailNextModify(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failModify = n
}

// FailNextClose makes the next n close requests fail with ErrConnection.
func (p *Paper) FailNextClose(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failClose = n
}

// Calls returns how many times op was called. Op names match the bridge
// wire operations, e.g. "modify_position".
func (p *Paper) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// Connected reports whether Connect succeeded and Close has not been called.
func (p *Paper) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Balance returns the simulated account balance.
func (p *Paper) Balance() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance
}

// SetPrice moves a symbol's mid price and triggers any stop or target hit.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setPriceLocked(symbol, price)
}

// SetBars replaces a symbol's bar history. The last close becomes the price.
func (p *Paper) SetBars(symbol string, bars []model.Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]model.Bar, len(bars))
	copy(cp, bars)
	p.bars[symbol] = cp
	if len(cp) > 0 {
		p.setPriceLocked(symbol, cp[len(cp)-1].Close)
	}
}

// InjectPosition places a position on the terminal without going through
// OpenPosition, as if it had been opened manually.
func (p *Paper) InjectPosition(pos model.TerminalPosition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos.Ticket == 0 {
		p.next++
		pos.Ticket = p.next
	}
	if pos.OpenTime.IsZero() {
		pos.OpenTime = p.now()
	}
	p.positions[pos.Ticket] = &paperPosition{TerminalPosition: pos}
}

// RemovePosition drops a position as if it was closed outside the system.
func (p *Paper) RemovePosition(ticket int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, ticket)
}

// Position returns a terminal position by ticket.
func (p *Paper) Position(ticket int64) (model.TerminalPosition, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[ticket]
	if !ok {
		return model.TerminalPosition{}, false
	}
	return p.snapshotLocked(pos), true
}

// Connect implements Gateway.
func (p *Paper) Connect(ctx context.Context) error {
	if err := p.enter(ctx, "connect"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

// Close implements Gateway.
func (p *Paper) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

// OpenPosition implements Gateway.
func (p *Paper) OpenPosition(ctx context.Context, req OpenRequest) (OpenResult, error) {
	if err := p.enter(ctx, opOpenPosition); err != nil {
		return OpenResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.rejectOpens) > 0 {
		rej := p.rejectOpens[0]
		p.rejectOpens = p.rejectOpens[1:]
		return OpenResult{}, rej
	}
	if req.Volume <= 0 {
		return OpenResult{}, &RejectedError{Code: 131, Reason: "invalid volume"}
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return OpenResult{}, &RejectedError{Code: 3, Reason: fmt.Sprintf("invalid side %q", req.Side)}
	}

	mid := p.priceLocked(req.Symbol)
	bid, ask := p.spreadLocked(req.Symbol, mid)
	fill := ask
	if req.Side == model.SideSell {
		fill = bid
	}

	pos := model.TerminalPosition{
		Symbol:       req.Symbol,
		Side:         req.Side,
		Volume:       req.Volume,
		EntryPrice:   fill,
		CurrentPrice: mid,
		OpenTime:     p.now(),
	}
	if req.StopLoss != nil {
		pos.StopLoss = *req.StopLoss
	}
	if req.TakeProfit != nil {
		pos.TakeProfit = *req.TakeProfit
	}
	if err := checkStops(pos.Side, mid, pos.StopLoss, pos.TakeProfit); err != nil {
		return OpenResult{}, err
	}

	p.next++
	pos.Ticket = p.next
	p.positions[pos.Ticket] = &paperPosition{TerminalPosition: pos}
	return OpenResult{Ticket: pos.Ticket, FilledPrice: fill}, nil
}

// ModifyPosition implements Gateway.
func (p *Paper) ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit *float64) error {
	if err := p.enter(ctx, opModifyPosition); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failModify > 0 {
		p.failModify--
		return fmt.Errorf("%w: modify dropped", ErrConnection)
	}
	pos, ok := p.positions[ticket]
	if !ok {
		return fmt.Errorf("%w: ticket %d", ErrPositionNotFound, ticket)
	}
	sl, tp := pos.StopLoss, pos.TakeProfit
	if stopLoss != nil {
		sl = *stopLoss
	}
	if takeProfit != nil {
		tp = *takeProfit
	}
	if err := checkStops(pos.Side, p.priceLocked(pos.Symbol), sl, tp); err != nil {
		return err
	}
	pos.StopLoss, pos.TakeProfit = sl, tp
	return nil
}

// ClosePosition implements Gateway.
func (p *Paper) ClosePosition(ctx context.Context, ticket int64, volume *float64) error {
	if err := p.enter(ctx, opClosePosition); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failClose > 0 {
		p.failClose--
		return fmt.Errorf("%w: close dropped", ErrConnection)
	}
	pos, ok := p.positions[ticket]
	if !ok {
		return fmt.Errorf("%w: ticket %d", ErrPositionNotFound, ticket)
	}
	price := p.priceLocked(pos.Symbol)
	if volume == nil || *volume >= pos.Volume-1e-9 {
		p.balance += p.profitLocked(pos, price, pos.Volume)
		delete(p.positions, ticket)
		return nil
	}
	if *volume <= 0 {
		return &RejectedError{Code: 131, Reason: "invalid volume"}
	}
	p.balance += p.profitLocked(pos, price, *volume)
	pos.Volume = math.Round((pos.Volume-*volume)*1e8) / 1e8
	return nil
}

// GetOpenPositions implements Gateway.
func (p *Paper) GetOpenPositions(ctx context.Context, accountID string) ([]model.TerminalPosition, error) {
	if err := p.enter(ctx, opOpenPositions); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if accountID != "" && p.opts.AccountID != "" && accountID != p.opts.AccountID {
		return nil, &RejectedError{Code: CodeUnauthorized, Reason: "account mismatch"}
	}
	out := make([]model.TerminalPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, p.snapshotLocked(pos))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

// GetMarketData implements Gateway.
func (p *Paper) GetMarketData(ctx context.Context, symbol, timeframe string, count int) ([]model.Bar, error) {
	if err := p.enter(ctx, opMarketData); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opts.Walk {
		p.walkLocked(symbol, timeframe, count)
	}
	bars := p.bars[symbol]
	if len(bars) == 0 {
		price := p.priceLocked(symbol)
		step := timeframeStep(timeframe)
		t0 := p.now().Add(-time.Duration(count) * step)
		bars = make([]model.Bar, count)
		for i := range bars {
			bars[i] = model.Bar{Time: t0.Add(time.Duration(i) * step), Open: price, High: price, Low: price, Close: price}
		}
		p.bars[symbol] = bars
	}
	if count > 0 && len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	out := make([]model.Bar, len(bars))
	copy(out, bars)
	return out, nil
}

// GetQuote implements Gateway.
func (p *Paper) GetQuote(ctx context.Context, symbol string) (model.Quote, error) {
	if err := p.enter(ctx, opQuote); err != nil {
		return model.Quote{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	bid, ask := p.spreadLocked(symbol, p.priceLocked(symbol))
	return model.Quote{Symbol: symbol, Bid: bid, Ask: ask, Time: p.now()}, nil
}

// GetAccount implements Gateway.
func (p *Paper) GetAccount(ctx context.Context) (model.AccountState, error) {
	if err := p.enter(ctx, opAccount); err != nil {
		return model.AccountState{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	equity := p.balance
	for _, pos := range p.positions {
		equity += p.profitLocked(pos, p.priceLocked(pos.Symbol), pos.Volume)
	}
	return model.AccountState{
		AccountID:  p.opts.AccountID,
		Balance:    p.balance,
		Equity:     equity,
		FreeMargin: equity,
		Currency:   "USD",
		Time:       p.now(),
	}, nil
}

// enter records the call, applies injected latency and connectivity state.
func (p *Paper) enter(ctx context.Context, op string) error {
	p.mu.Lock()
	p.calls[op]++
	delay, offline, connected := p.delay, p.offline, p.connected
	p.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrTimeout, op)
		case <-t.C:
		}
	} else if ctx.Err() != nil {
		return fmt.Errorf("%w: %s", ErrTimeout, op)
	}
	if offline {
		return fmt.Errorf("%w: terminal offline", ErrConnection)
	}
	if !connected && op != "connect" {
		return fmt.Errorf("%w: not connected", ErrConnection)
	}
	return nil
}

func (p *Paper) setPriceLocked(symbol string, price float64) {
	p.prices[symbol] = price
	for id, pos := range p.positions {
		if pos.Symbol != symbol {
			continue
		}
		if hit, at := stopHit(pos.TerminalPosition, price); hit {
			p.balance += p.profitLocked(pos, at, pos.Volume)
			delete(p.positions, id)
		}
	}
}

func (p *Paper) priceLocked(symbol string) float64 {
	if v, ok := p.prices[symbol]; ok {
		return v
	}
	v, ok := paperSeedPrices[symbol]
	if !ok {
		v = 100
	}
	p.prices[symbol] = v
	return v
}

func (p *Paper) spreadLocked(symbol string, mid float64) (bid, ask float64) {
	half := config.PipSizeFor(symbol) / 2
	return mid - half, mid + half
}

func (p *Paper) profitLocked(pos *paperPosition, price, volume float64) float64 {
	pips := (price - pos.EntryPrice) * pos.Side.Sign() / config.PipSizeFor(pos.Symbol)
	return pips * p.opts.PipValue * volume
}

func (p *Paper) snapshotLocked(pos *paperPosition) model.TerminalPosition {
	out := pos.TerminalPosition
	out.CurrentPrice = p.priceLocked(pos.Symbol)
	out.Profit = p.profitLocked(pos, out.CurrentPrice, pos.Volume)
	return out
}

// walkLocked appends one random-walk bar, seeding a history first if needed.
func (p *Paper) walkLocked(symbol, timeframe string, count int) {
	step := timeframeStep(timeframe)
	pip := config.PipSizeFor(symbol)
	bars := p.bars[symbol]
	if len(bars) == 0 {
		price := p.priceLocked(symbol)
		t0 := p.now().Add(-time.Duration(count) * step)
		for i := 0; i < count; i++ {
			bars = append(bars, p.nextBar(t0.Add(time.Duration(i)*step), price, pip))
			price = bars[len(bars)-1].Close
		}
	}
	last := bars[len(bars)-1]
	bars = append(bars, p.nextBar(last.Time.Add(step), last.Close, pip))
	if len(bars) > 2048 {
		bars = bars[len(bars)-2048:]
	}
	p.bars[symbol] = bars
	p.setPriceLocked(symbol, bars[len(bars)-1].Close)
}

func (p *Paper) nextBar(t time.Time, open, pip float64) model.Bar {
	c := open + p.rng.NormFloat64()*5*pip
	hi := math.Max(open, c) + p.rng.Float64()*3*pip
	lo := math.Min(open, c) - p.rng.Float64()*3*pip
	return model.Bar{Time: t, Open: open, High: hi, Low: lo, Close: c, Volume: float64(100 + p.rng.Intn(900))}
}

// checkStops rejects stops on the wrong side of the current price.
func checkStops(side model.Side, price, sl, tp float64) error {
	if side == model.SideBuy {
		if sl != 0 && sl >= price {
			return &RejectedError{Code: 130, Reason: "invalid stops"}
		}
		if tp != 0 && tp <= price {
			return &RejectedError{Code: 130, Reason: "invalid stops"}
		}
		return nil
	}
	if sl != 0 && sl <= price {
		return &RejectedError{Code: 130, Reason: "invalid stops"}
	}
	if tp != 0 && tp >= price {
		return &RejectedError{Code: 130, Reason: "invalid stops"}
	}
	return nil
}

// stopHit reports whether price crosses a position's stop or target and the
// level it closes at.
func stopHit(pos model.TerminalPosition, price float64) (bool, float64) {
	if pos.Side == model.SideBuy {
		if pos.StopLoss != 0 && price <= pos.StopLoss {
			return true, pos.StopLoss
		}
		if pos.TakeProfit != 0 && price >= pos.TakeProfit {
			return true, pos.TakeProfit
		}
		return false, 0
	}
	if pos.StopLoss != 0 && price >= pos.StopLoss {
		return true, pos.StopLoss
	}
	if pos.TakeProfit != 0 && price <= pos.TakeProfit {
		return true, pos.TakeProfit
	}
	return false, 0
}

func timeframeStep(tf string) time.Duration {
	switch tf {
	case "M1":
		return time.Minute
	case "M5":
		return 5 * time.Minute
	case "M15":
		return 15 * time.Minute
	case "M30":
		return 30 * time.Minute
	case "H4":
		return 4 * time.Hour
	case "D1":
		return 24 * time.Hour
	case "W1":
		return 7 * 24 * time.Hour
	default:
		return time.Hour
	}
}
