// Package credit meters speaking time against the candidate's balance.
//
// The balance lives in the store; a [Meter] caches it for the UI and, while
// a recording runs, charges one interval's worth of seconds every interval.
// Failed refreshes and charges leave the cached balance unchanged.
package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/observe"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/store"
)

// DefaultInterval is the polling and charging period.
const DefaultInterval = 10 * time.Second

// Ledger is the subset of [store.Store] the meter needs.
type Ledger interface {
	Balance(ctx context.Context, userID string) (int64, error)
	DecrementCredits(ctx context.Context, userID string, seconds int64) (int64, error)
}

// Option configures a [Meter].
type Option func(*Meter)

// WithInterval sets the charge period. The default charge amount follows it
// unless [WithCharge] is given.
func WithInterval(d time.Duration) Option {
	return func(m *Meter) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithCharge sets the seconds deducted per interval.
func WithCharge(seconds int64) Option {
	return func(m *Meter) {
		if seconds > 0 {
			m.charge = seconds
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Meter) { m.metrics = mt }
}

// WithOnChange is called with the new balance after every successful
// refresh or charge.
func WithOnChange(fn func(int64)) Option {
	return func(m *Meter) { m.onChange = fn }
}

// Meter is safe for concurrent use.
type Meter struct {
	ledger   Ledger
	user     func() string
	interval time.Duration
	charge   int64
	metrics  *observe.Metrics
	onChange func(int64)
	group    singleflight.Group

	mu      sync.Mutex
	balance int64
	known   bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns a Meter for whichever user the user func reports.
func New(ledger Ledger, user func() string, opts ...Option) *Meter {
	m := &Meter{
		ledger:   ledger,
		user:     user,
		interval: DefaultInterval,
	}
	for _, o := range opts {
		o(m)
	}
	if m.charge == 0 {
		m.charge = max(int64(m.interval/time.Second), 1)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Interval returns the charge period.
func (m *Meter) Interval() time.Duration { return m.interval }

// Balance returns the cached balance and whether it has been fetched.
func (m *Meter) Balance() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, m.known
}

// Refresh fetches the balance. Concurrent refreshes for the same user share
// one store call. A user without an account has a zero balance.
func (m *Meter) Refresh(ctx context.Context) (int64, error) {
	userID := m.user()
	if userID == "" {
		m.set(0)
		return 0, nil
	}
	v, err, _ := m.group.Do(userID, func() (any, error) {
		bal, err := m.ledger.Balance(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return int64(0), nil
		}
		return bal, err
	})
	if err != nil {
		m.metrics.RecordStoreError(ctx, "balance")
		cached, _ := m.Balance()
		return cached, fmt.Errorf("credit: refresh: %w", err)
	}
	bal := v.(int64)
	m.set(bal)
	return bal, nil
}

// Charge deducts one interval. On failure the cached balance is unchanged.
func (m *Meter) Charge(ctx context.Context) (int64, error) {
	userID := m.user()
	bal, err := m.ledger.DecrementCredits(ctx, userID, m.charge)
	if err != nil {
		m.metrics.RecordStoreError(ctx, "decrement_credits")
		cached, _ := m.Balance()
		return cached, fmt.Errorf("credit: charge: %w", err)
	}
	m.metrics.CreditsCharged.Add(ctx, m.charge)
	m.set(bal)
	return bal, nil
}

// Start begins charging every interval until Stop or until the balance
// reaches zero, in which case onExhausted runs once from the meter's
// goroutine. Start on a running meter is a no-op.
func (m *Meter) Start(ctx context.Context, onExhausted func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	go m.loop(ctx, done, onExhausted)
}

// Stop halts charging and waits for the loop to exit. It is idempotent.
func (m *Meter) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the charge loop is active.
func (m *Meter) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func (m *Meter) loop(ctx context.Context, done chan<- struct{}, onExhausted func()) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		bal, err := m.Charge(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("credit: charge failed, recording continues", "err", err)
			}
			continue
		}
		if bal <= 0 {
			slog.Info("credit: balance exhausted")
			if onExhausted != nil {
				onExhausted()
			}
			return
		}
	}
}

func (m *Meter) set(bal int64) {
	m.mu.Lock()
	m.balance = bal
	m.known = true
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(bal)
	}
}
