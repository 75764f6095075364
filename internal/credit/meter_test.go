package credit_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/credit"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/observe"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/store"
)

type fakeLedger struct {
	mu           sync.Mutex
	balance      int64
	balanceErr   error
	decrementErr error
	balanceCalls atomic.Int32
	decrements   []int64
	gate         chan struct{}
}

func (l *fakeLedger) Balance(ctx context.Context, _ string) (int64, error) {
	l.balanceCalls.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance, l.balanceErr
}

func (l *fakeLedger) DecrementCredits(_ context.Context, _ string, seconds int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.decrementErr != nil {
		return 0, l.decrementErr
	}
	l.decrements = append(l.decrements, seconds)
	l.balance = max(l.balance-seconds, 0)
	return l.balance, nil
}

func (l *fakeLedger) charged() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int64
	for _, d := range l.decrements {
		total += d
	}
	return total
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func user() string { return "u1" }

func TestRefresh(t *testing.T) {
	t.Parallel()
	ledger := &fakeLedger{balance: 300}
	var seen atomic.Int64
	m := credit.New(ledger, user, credit.WithMetrics(testMetrics(t)), credit.WithOnChange(func(b int64) { seen.Store(b) }))

	if _, known := m.Balance(); known {
		t.Error("balance known before refresh")
	}
	bal, err := m.Refresh(context.Background())
	if err != nil || bal != 300 {
		t.Fatalf("Refresh() = %d, %v", bal, err)
	}
	if got, known := m.Balance(); got != 300 || !known {
		t.Errorf("Balance() = %d, %v", got, known)
	}
	if seen.Load() != 300 {
		t.Errorf("onChange saw %d", seen.Load())
	}
}

func TestRefresh_FailureKeepsBalance(t *testing.T) {
	t.Parallel()
	ledger := &fakeLedger{balance: 120}
	m := credit.New(ledger, user, credit.WithMetrics(testMetrics(t)))
	_, _ = m.Refresh(context.Background())

	ledger.mu.Lock()
	ledger.balanceErr = errors.New("network down")
	ledger.mu.Unlock()

	bal, err := m.Refresh(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if bal != 120 {
		t.Errorf("Refresh() balance = %d, want cached 120", bal)
	}
}

func TestRefresh_UnknownUserIsZero(t *testing.T) {
	t.Parallel()
	ledger := &fakeLedger{balanceErr: store.ErrNotFound}
	m := credit.New(ledger, user, credit.WithMetrics(testMetrics(t)))
	bal, err := m.Refresh(context.Background())
	if err != nil || bal != 0 {
		t.Errorf("Refresh() = %d, %v", bal, err)
	}
}

func TestRefresh_SignedOutIsZero(t *testing.T) {
	t.Parallel()
	ledger := &fakeLedger{balance: 99}
	m := credit.New(ledger, func() string { return "" }, credit.WithMetrics(testMetrics(t)))
	if bal, err := m.Refresh(context.Background()); err != nil || bal != 0 {
		t.Errorf("Refresh() = %d, %v", bal, err)
	}
	if ledger.balanceCalls.Load() != 0 {
		t.Error("ledger queried without a user")
	}
}

func TestRefresh_Deduplicated(t *testing.T) {
	t.Parallel()
	ledger := &fakeLedger{balance: 50, gate: make(chan struct{})}
	m := credit.New(ledger, user, credit.WithMetrics(testMetrics(t)))

	var wg sync.WaitGroup
	for range 5 {
		wg.Go(func() { _, _ = m.Refresh(context.Background()) })
	}
	for ledger.balanceCalls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(ledger.gate)
	wg.Wait()

	if n := ledger.balanceCalls.Load(); n >= 5 {
		t.Errorf("balance calls = %d, want fewer than 5", n)
	}
}

func TestStart_ChargesEachInterval(t *testing.T) {
	t.Parallel()
	ledger := &fakeLedger{balance: 1000}
	m := credit.New(ledger, user,
		credit.WithMetrics(testMetrics(t)),
		credit.WithInterval(5*time.Millisecond),
		credit.WithCharge(10),
	)

	m.Start(context.Background(), nil)
	m.Start(context.Background(), nil)
	deadline := time.Now().Add(2 * time.Second)
	for ledger.charged() < 30 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	m.Stop()
	m.Stop()

	total := ledger.charged()
	if total < 30 || total%10 != 0 {
		t.Fatalf("charged %d, want a multiple of 10 and at least 30", total)
	}
	if bal, _ := m.Balance(); bal != 1000-total {
		t.Errorf("Balance() = %d, want %d", bal, 1000-total)
	}
	if m.Running() {
		t.Error("still running after Stop")
	}

	after := ledger.charged()
	time.Sleep(20 * time.Millisecond)
	if ledger.charged() != after {
		t.Error("charged after Stop")
	}
}

func TestStart_ExhaustionNotifiesOnce(t *testing.T) {
	t.Parallel()
	ledger := &fakeLedger{balance: 25}
	m := credit.New(ledger, user,
		credit.WithMetrics(testMetrics(t)),
		credit.WithInterval(2*time.Millisecond),
		credit.WithCharge(10),
	)

	exhausted := make(chan struct{}, 4)
	m.Start(context.Background(), func() { exhausted <- struct{}{} })
	select {
	case <-exhausted:
	case <-time.After(2 * time.Second):
		t.Fatal("onExhausted not called")
	}
	time.Sleep(20 * time.Millisecond)
	m.Stop()

	if len(exhausted) != 0 {
		t.Error("onExhausted called more than once")
	}
	if got := ledger.charged(); got != 30 {
		t.Errorf("charged %d, want 30", got)
	}
	if bal, _ := m.Balance(); bal != 0 {
		t.Errorf("Balance() = %d, want 0", bal)
	}
}

func TestStart_ChargeFailureContinues(t *testing.T) {
	t.Parallel()
	ledger := &fakeLedger{balance: 100, decrementErr: errors.New("rpc failed")}
	m := credit.New(ledger, user,
		credit.WithMetrics(testMetrics(t)),
		credit.WithInterval(2*time.Millisecond),
		credit.WithCharge(10),
	)
	_, _ = m.Refresh(context.Background())

	m.Start(context.Background(), func() { t.Error("exhausted on failure") })
	time.Sleep(20 * time.Millisecond)
	if !m.Running() {
		t.Fatal("loop stopped after a failed charge")
	}

	ledger.mu.Lock()
	ledger.decrementErr = nil
	ledger.mu.Unlock()
	deadline := time.Now().Add(2 * time.Second)
	for ledger.charged() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	m.Stop()
	if ledger.charged() == 0 {
		t.Error("no charge after recovery")
	}
}

func TestNew_DefaultChargeFollowsInterval(t *testing.T) {
	t.Parallel()
	ledger := &fakeLedger{balance: 100}
	m := credit.New(ledger, user, credit.WithMetrics(testMetrics(t)))
	if m.Interval() != credit.DefaultInterval {
		t.Errorf("Interval() = %v", m.Interval())
	}
	if bal, err := m.Charge(context.Background()); err != nil || bal != 90 {
		t.Errorf("Charge() = %d, %v; want 90", bal, err)
	}
}
