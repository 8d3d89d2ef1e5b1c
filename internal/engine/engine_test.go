package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"gridswap/internal/dex"
	"gridswap/internal/risk"
)

var (
	testTokenIn  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testTokenOut = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testWallet   = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type mockQuoter struct {
	mu    sync.Mutex
	calls int
	quote dex.Quote
	err   error
}

func (m *mockQuoter) Quote(_ context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (dex.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return dex.Quote{}, m.err
	}
	q := m.quote
	q.TokenIn = tokenIn
	q.TokenOut = tokenOut
	q.AmountIn = amountIn
	q.QuotedAt = time.Now().UTC()
	return q, nil
}

type mockSwapper struct {
	mu           sync.Mutex
	submitErrs   []error
	submitNonces []uint64
	submitHold   time.Duration
	fee          *big.Int
	feeErr       error
	awaitErrs    []error
	awaitCalls   int
}

func (m *mockSwapper) Submit(ctx context.Context, p dex.SubmitParams) (common.Hash, error) {
	if m.submitHold > 0 {
		select {
		case <-ctx.Done():
			return common.Hash{}, ctx.Err()
		case <-time.After(m.submitHold):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitNonces = append(m.submitNonces, p.Nonce)
	idx := len(m.submitNonces) - 1
	if idx < len(m.submitErrs) && m.submitErrs[idx] != nil {
		return common.Hash{}, m.submitErrs[idx]
	}
	return common.HexToHash(fmt.Sprintf("0x%064x", idx+1)), nil
}

func (m *mockSwapper) EstimateFee(context.Context, dex.SubmitParams) (*big.Int, error) {
	if m.feeErr != nil {
		return nil, m.feeErr
	}
	if m.fee != nil {
		return new(big.Int).Set(m.fee), nil
	}
	return big.NewInt(1), nil
}

func (m *mockSwapper) AwaitConfirmation(_ context.Context, txHash common.Hash, minConfirmations uint64) (dex.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.awaitCalls
	m.awaitCalls++
	if idx < len(m.awaitErrs) && m.awaitErrs[idx] != nil {
		return dex.Receipt{}, m.awaitErrs[idx]
	}
	return dex.Receipt{TxHash: txHash, BlockNumber: 10, Confirmations: minConfirmations}, nil
}

type mockChecker struct {
	result risk.CheckResult
	calls  int
}

func (m *mockChecker) Check(risk.Request, dex.Quote, risk.WalletState) risk.CheckResult {
	m.calls++
	return m.result
}

type mockWalletReader struct {
	mu         sync.Mutex
	nonce      uint64
	nonceCalls int
}

func (m *mockWalletReader) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonceCalls++
	n := m.nonce
	m.nonce++
	return n, nil
}

func (m *mockWalletReader) TokenBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (m *mockWalletReader) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

type mockAddressBook struct{}

func (mockAddressBook) Address(string) (common.Address, error) {
	return testWallet, nil
}

func approvedChecker() *mockChecker {
	return &mockChecker{result: risk.CheckResult{Approved: true}}
}

func testRequest() TradeRequest {
	return TradeRequest{
		Wallet:         "w1",
		TokenIn:        testTokenIn,
		TokenOut:       testTokenOut,
		AmountIn:       big.NewInt(1_000_000),
		MaxSlippageBps: 50,
		Deadline:       time.Now().UTC().Add(time.Minute),
	}
}

func newTestEngine(t *testing.T, quoter *mockQuoter, swapper *mockSwapper, checker *mockChecker, wallets *mockWalletReader, opts Options) *Engine {
	t.Helper()
	eng, err := New(quoter, swapper, checker, wallets, mockAddressBook{}, nil, opts, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return eng
}

func TestEvaluateHappyPath(t *testing.T) {
	quoter := &mockQuoter{quote: dex.Quote{ExpectedOut: big.NewInt(990_000), PriceImpactBps: 10}}
	swapper := &mockSwapper{}
	checker := approvedChecker()
	wallets := &mockWalletReader{}
	eng := newTestEngine(t, quoter, swapper, checker, wallets, Options{})

	order, err := eng.Evaluate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if order.State != StateConfirmed {
		t.Fatalf("expected state confirmed, got %s", order.State)
	}
	if order.Attempts != 1 {
		t.Errorf("expected 1 submit attempt, got %d", order.Attempts)
	}
	if order.Receipt == nil {
		t.Errorf("expected receipt on confirmed order")
	}
	if order.Quote == nil || order.RiskResult == nil || !order.RiskResult.Approved {
		t.Errorf("expected quote and approved risk result recorded on order")
	}
}

func TestEvaluateValidationErrors(t *testing.T) {
	eng := newTestEngine(t, &mockQuoter{}, &mockSwapper{}, approvedChecker(), &mockWalletReader{}, Options{})

	cases := []struct {
		name   string
		mutate func(*TradeRequest)
	}{
		{"missing wallet", func(r *TradeRequest) { r.Wallet = "" }},
		{"zero amount", func(r *TradeRequest) { r.AmountIn = big.NewInt(0) }},
		{"identical tokens", func(r *TradeRequest) { r.TokenOut = r.TokenIn }},
		{"slippage out of range", func(r *TradeRequest) { r.MaxSlippageBps = 10000 }},
		{"expired deadline", func(r *TradeRequest) { r.Deadline = time.Now().UTC().Add(-time.Second) }},
	}

	for _, tc := range cases {
		req := testRequest()
		tc.mutate(&req)
		order, err := eng.Evaluate(context.Background(), req)
		if !errors.Is(err, ErrValidation) {
			t.Errorf("%s: expected validation error, got %v", tc.name, err)
		}
		if order == nil || order.State != StateCreated {
			t.Errorf("%s: expected order left in created state", tc.name)
		}
	}
}

func TestEvaluateRiskRejectedSkipsSubmit(t *testing.T) {
	quoter := &mockQuoter{quote: dex.Quote{ExpectedOut: big.NewInt(990_000)}}
	swapper := &mockSwapper{}
	checker := &mockChecker{result: risk.CheckResult{
		Approved:     false,
		ViolatedRule: risk.RuleAmountBounds,
		Detail:       "下单量超出档位区间",
	}}
	eng := newTestEngine(t, quoter, swapper, checker, &mockWalletReader{}, Options{})

	order, err := eng.Evaluate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("expected nil error for business rejection, got %v", err)
	}
	if order.State != StateRiskRejected {
		t.Fatalf("expected state risk_rejected, got %s", order.State)
	}
	if order.RiskResult.ViolatedRule != risk.RuleAmountBounds {
		t.Errorf("expected violated rule recorded, got %s", order.RiskResult.ViolatedRule)
	}
	if len(swapper.submitNonces) != 0 {
		t.Errorf("expected no submission after risk rejection, got %d", len(swapper.submitNonces))
	}
}

func TestEvaluateFeeCeilingRejects(t *testing.T) {
	quoter := &mockQuoter{quote: dex.Quote{ExpectedOut: big.NewInt(990_000)}}
	// 手续费 20000 wei 对 1000000 wei 的下单量为 200bps，超出 100bps 上限。
	swapper := &mockSwapper{fee: big.NewInt(20_000)}
	eng := newTestEngine(t, quoter, swapper, approvedChecker(), &mockWalletReader{}, Options{MaxFeeBps: 100})

	order, err := eng.Evaluate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("expected nil error for fee rejection, got %v", err)
	}
	if order.State != StateRiskRejected {
		t.Fatalf("expected state risk_rejected, got %s", order.State)
	}
	if order.RiskResult.ViolatedRule != risk.RuleFeeValue {
		t.Errorf("expected fee-value rule, got %s", order.RiskResult.ViolatedRule)
	}
	if len(swapper.submitNonces) != 0 {
		t.Errorf("expected no submission after fee rejection")
	}
}

func TestEvaluateNonceConflictRetriesWithFreshNonce(t *testing.T) {
	quoter := &mockQuoter{quote: dex.Quote{ExpectedOut: big.NewInt(990_000)}}
	swapper := &mockSwapper{submitErrs: []error{errors.New("nonce too low"), nil}}
	wallets := &mockWalletReader{nonce: 7}
	eng := newTestEngine(t, quoter, swapper, approvedChecker(), wallets, Options{NonceRetry: 2})

	order, err := eng.Evaluate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if order.State != StateConfirmed {
		t.Fatalf("expected confirmation after nonce retry, got %s", order.State)
	}
	if order.Attempts != 2 {
		t.Errorf("expected 2 submit attempts, got %d", order.Attempts)
	}
	if len(swapper.submitNonces) != 2 || swapper.submitNonces[0] != 7 || swapper.submitNonces[1] != 8 {
		t.Errorf("expected fresh nonce per attempt, got %v", swapper.submitNonces)
	}
}

func TestEvaluateNonceRetryExhausted(t *testing.T) {
	conflict := errors.New("replacement transaction underpriced")
	quoter := &mockQuoter{quote: dex.Quote{ExpectedOut: big.NewInt(990_000)}}
	swapper := &mockSwapper{submitErrs: []error{conflict, conflict}}
	eng := newTestEngine(t, quoter, swapper, approvedChecker(), &mockWalletReader{}, Options{NonceRetry: 1})

	order, err := eng.Evaluate(context.Background(), testRequest())
	if err == nil {
		t.Fatalf("expected error after exhausting nonce retries")
	}
	if order.State == StateConfirmed {
		t.Fatalf("expected non-confirmed state, got %s", order.State)
	}
	if len(swapper.submitNonces) != 2 {
		t.Errorf("expected 2 attempts with NonceRetry=1, got %d", len(swapper.submitNonces))
	}
}

func TestEvaluateSubmitTimeoutCutsOffSlowSubmission(t *testing.T) {
	quoter := &mockQuoter{quote: dex.Quote{ExpectedOut: big.NewInt(990_000)}}
	swapper := &mockSwapper{submitHold: 500 * time.Millisecond}
	eng := newTestEngine(t, quoter, swapper, approvedChecker(), &mockWalletReader{},
		Options{SubmitTimeout: 20 * time.Millisecond})

	start := time.Now()
	order, err := eng.Evaluate(context.Background(), testRequest())
	elapsed := time.Since(start)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded from slow submission, got %v", err)
	}
	if order.State == StateConfirmed || order.State == StateSubmitted {
		t.Fatalf("expected order not submitted, got %s", order.State)
	}
	if elapsed >= swapper.submitHold {
		t.Errorf("expected submission cut off before the mock hold (%s), took %s", swapper.submitHold, elapsed)
	}
}

func TestEvaluateQuoteCaching(t *testing.T) {
	quoter := &mockQuoter{quote: dex.Quote{ExpectedOut: big.NewInt(990_000)}}
	eng := newTestEngine(t, quoter, &mockSwapper{}, approvedChecker(), &mockWalletReader{}, Options{QuoteMaxAge: time.Minute})

	if _, err := eng.Evaluate(context.Background(), testRequest()); err != nil {
		t.Fatalf("first Evaluate returned error: %v", err)
	}
	if _, err := eng.Evaluate(context.Background(), testRequest()); err != nil {
		t.Fatalf("second Evaluate returned error: %v", err)
	}
	if quoter.calls != 1 {
		t.Errorf("expected fresh quote reused within max age, got %d quoter calls", quoter.calls)
	}

	// 不同数量拥有独立的缓存键。
	req := testRequest()
	req.AmountIn = big.NewInt(2_000_000)
	if _, err := eng.Evaluate(context.Background(), req); err != nil {
		t.Fatalf("third Evaluate returned error: %v", err)
	}
	if quoter.calls != 2 {
		t.Errorf("expected new quote for different amount, got %d quoter calls", quoter.calls)
	}
}

func TestEvaluateStaleQuoteRefetched(t *testing.T) {
	quoter := &mockQuoter{quote: dex.Quote{ExpectedOut: big.NewInt(990_000)}}
	eng := newTestEngine(t, quoter, &mockSwapper{}, approvedChecker(), &mockWalletReader{}, Options{QuoteMaxAge: 10 * time.Millisecond})

	if _, err := eng.Evaluate(context.Background(), testRequest()); err != nil {
		t.Fatalf("first Evaluate returned error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := eng.Evaluate(context.Background(), testRequest()); err != nil {
		t.Fatalf("second Evaluate returned error: %v", err)
	}
	if quoter.calls != 2 {
		t.Errorf("expected stale quote refetched, got %d quoter calls", quoter.calls)
	}
}

func TestEvaluateTimeoutThenRepollConfirms(t *testing.T) {
	quoter := &mockQuoter{quote: dex.Quote{ExpectedOut: big.NewInt(990_000)}}
	swapper := &mockSwapper{awaitErrs: []error{dex.ErrConfirmTimeout, nil}}
	eng := newTestEngine(t, quoter, swapper, approvedChecker(), &mockWalletReader{}, Options{})

	order, err := eng.Evaluate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if order.State != StateTimedOut {
		t.Fatalf("expected state timed_out, got %s", order.State)
	}
	if !order.State.Terminal() {
		t.Errorf("expected timed_out to count as terminal for batch bookkeeping")
	}

	// 交易在超时后确认，Repoll 将订单回溯翻转到 Confirmed。
	if err := eng.Repoll(context.Background(), order); err != nil {
		t.Fatalf("Repoll returned error: %v", err)
	}
	if order.State != StateConfirmed {
		t.Fatalf("expected confirmed after repoll, got %s", order.State)
	}
	if order.LastError != "" {
		t.Errorf("expected last error cleared on confirmation, got %q", order.LastError)
	}
}

func TestRepollRejectsNonTimedOutOrders(t *testing.T) {
	eng := newTestEngine(t, &mockQuoter{}, &mockSwapper{}, approvedChecker(), &mockWalletReader{}, Options{})

	order := NewCancelled(testRequest())
	if err := eng.Repoll(context.Background(), order); err == nil {
		t.Fatalf("expected error repolling cancelled order")
	}
}

func TestEvaluateRevertedOrder(t *testing.T) {
	quoter := &mockQuoter{quote: dex.Quote{ExpectedOut: big.NewInt(990_000)}}
	swapper := &mockSwapper{awaitErrs: []error{fmt.Errorf("%w: status 0", dex.ErrReverted)}}
	eng := newTestEngine(t, quoter, swapper, approvedChecker(), &mockWalletReader{}, Options{})

	order, err := eng.Evaluate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("expected nil error for reverted business outcome, got %v", err)
	}
	if order.State != StateReverted {
		t.Fatalf("expected state reverted, got %s", order.State)
	}
}

func TestNewCancelled(t *testing.T) {
	order := NewCancelled(testRequest())
	if order.State != StateCancelled {
		t.Fatalf("expected cancelled state, got %s", order.State)
	}
	if !order.State.Terminal() {
		t.Errorf("expected cancelled to be terminal")
	}
}
