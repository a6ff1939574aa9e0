package taskpay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAuthority = "0x1111111111111111111111111111111111111111"
	testPayee     = "0x2222222222222222222222222222222222222222"
)

// mockLedger scripts ledger behavior per test. Function fields override
// the happy-path defaults; counters record call volume so guard-phase
// tests can assert zero mutating calls.
type mockLedger struct {
	mu sync.Mutex

	authority string
	used      bool

	// authorizedSeq is consumed one element per GetAuthorizedAmount call;
	// the last element repeats. Simulates read-path propagation lag.
	authorizedSeq []*big.Int
	authorizedIdx int

	// balanceSeq is consumed the same way by BalanceOf.
	balanceSeq []*big.Int
	balanceIdx int

	confirmStatus map[string]uint64 // txRef -> status, default success

	usedErr       error
	authorizeErr  error
	distributeErr error
	readErr       error

	usedCalls       int
	authorizeCalls  int
	readCalls       int
	distributeCalls int
	balanceCalls    int
	proofCalls      int
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		authority:     testAuthority,
		confirmStatus: map[string]uint64{},
	}
}

func (m *mockLedger) IsValueHashUsed(ctx context.Context, valueHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usedCalls++
	return m.used, m.usedErr
}

func (m *mockLedger) RewardAuthority(ctx context.Context) (string, error) {
	return m.authority, nil
}

func (m *mockLedger) AuthorizeAmount(ctx context.Context, valueHash string, amount *big.Int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authorizeCalls++
	if m.authorizeErr != nil {
		return "", m.authorizeErr
	}
	return fmt.Sprintf("0xauth%d", m.authorizeCalls), nil
}

func (m *mockLedger) GetAuthorizedAmount(ctx context.Context, valueHash string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls++
	if m.readErr != nil {
		return nil, m.readErr
	}
	if len(m.authorizedSeq) == 0 {
		return big.NewInt(0), nil
	}
	v := m.authorizedSeq[m.authorizedIdx]
	if m.authorizedIdx < len(m.authorizedSeq)-1 {
		m.authorizedIdx++
	}
	return new(big.Int).Set(v), nil
}

func (m *mockLedger) DistributeTokens(ctx context.Context, valueHash, recipient string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.distributeCalls++
	if m.distributeErr != nil {
		return "", m.distributeErr
	}
	return fmt.Sprintf("0xdist%d", m.distributeCalls), nil
}

func (m *mockLedger) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceCalls++
	if len(m.balanceSeq) == 0 {
		return big.NewInt(0), nil
	}
	v := m.balanceSeq[m.balanceIdx]
	if m.balanceIdx < len(m.balanceSeq)-1 {
		m.balanceIdx++
	}
	return new(big.Int).Set(v), nil
}

func (m *mockLedger) WaitForConfirmation(ctx context.Context, txRef string) (*TxConfirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := uint64(TxStatusSuccess)
	if s, ok := m.confirmStatus[txRef]; ok {
		status = s
	}
	return &TxConfirmation{TxRef: txRef, Status: status, BlockNumber: 100, GasUsed: 21000}, nil
}

func (m *mockLedger) SubmitWorkProof(ctx context.Context, proof WorkProof, proofHash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proofCalls++
	return "0xproof", nil
}

func (m *mockLedger) GetUserWorkload(ctx context.Context, address string) (*UserWorkload, error) {
	return &UserWorkload{TotalTasks: 3, TotalTokensEarned: "30", LastActivity: 1700000000}, nil
}

// fakeSleep records requested delays without waiting.
type fakeSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (f *fakeSleep) sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.delays = append(f.delays, d)
	f.mu.Unlock()
	return ctx.Err()
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestCoordinator(ledger *mockLedger, opts ...CoordinatorOption) (*Coordinator, *fakeSleep) {
	sleep := &fakeSleep{}
	base := []CoordinatorOption{
		WithSleep(sleep.sleep),
		WithLogger(quietLogger()),
		WithVerifyPolicy(RetryPolicy{MaxAttempts: 5, Interval: time.Second}),
	}
	return NewCoordinator(ledger, testAuthority, append(base, opts...)...), sleep
}

func mustCommitment(t *testing.T, amount string) ValueCommitment {
	t.Helper()
	commitment, err := NewValueCommitment(amount, testPayee, 1700000000)
	require.NoError(t, err)
	return commitment
}

func TestSettle_EndToEnd(t *testing.T) {
	base, _ := ToBaseUnits("10.00")
	ledger := newMockLedger()
	// Authorized amount lags one poll behind the confirmation.
	ledger.authorizedSeq = []*big.Int{big.NewInt(0), base}
	// Recipient balance before and after distribute.
	ledger.balanceSeq = []*big.Int{big.NewInt(0), base}

	c, sleep := newTestCoordinator(ledger)

	rec, err := c.Settle(context.Background(), mustCommitment(t, "10.00"))
	require.NoError(t, err)

	assert.Equal(t, RecordSettled, rec.Status)
	assert.Equal(t, PhaseVerified, rec.AuthorizePhase)
	assert.Equal(t, PhaseVerified, rec.DistributePhase)
	assert.Equal(t, "10", rec.AuthorizedAmount)
	assert.Equal(t, "0xauth1", rec.AuthorizeTx)
	assert.Equal(t, "0xdist1", rec.DistributeTx)
	assert.Equal(t, 1, ledger.authorizeCalls)
	assert.Equal(t, 1, ledger.distributeCalls)
	assert.Equal(t, 2, ledger.readCalls)
	// One inter-poll delay before the amount became visible.
	require.Len(t, sleep.delays, 1)
	assert.Equal(t, time.Second, sleep.delays[0])

	// A second settlement for the same hash is rejected without touching
	// the ledger again.
	rec2, err := c.Settle(context.Background(), mustCommitment(t, "10.00"))
	require.Error(t, err)
	assert.Equal(t, KindIdempotencyViolation, KindOf(err))
	assert.Equal(t, rec.Hash, rec2.Hash)
	assert.Equal(t, 1, ledger.authorizeCalls)
}

func TestSettle_HashAlreadyUsedOnLedger(t *testing.T) {
	ledger := newMockLedger()
	ledger.used = true
	c, _ := newTestCoordinator(ledger)

	rec, err := c.Settle(context.Background(), mustCommitment(t, "10.00"))
	require.Error(t, err)

	se, ok := AsSettlementError(err)
	require.True(t, ok)
	assert.Equal(t, KindIdempotencyViolation, se.Kind)
	assert.False(t, se.Resumable)
	assert.Equal(t, RecordFailed, rec.Status)
	assert.Equal(t, 0, ledger.authorizeCalls)
	assert.Equal(t, 0, ledger.distributeCalls)
}

func TestSettle_PermissionMismatch(t *testing.T) {
	ledger := newMockLedger()
	ledger.authority = "0x9999999999999999999999999999999999999999"
	c, _ := newTestCoordinator(ledger)

	_, err := c.Settle(context.Background(), mustCommitment(t, "10.00"))
	require.Error(t, err)

	se, ok := AsSettlementError(err)
	require.True(t, ok)
	assert.Equal(t, KindPermissionError, se.Kind)
	// The message names both parties so the failure is actionable.
	assert.Contains(t, se.Message, testAuthority)
	assert.Contains(t, se.Message, ledger.authority)
	assert.Equal(t, 0, ledger.authorizeCalls)
}

func TestSettle_RangeErrorBeforeAnyNetworkCall(t *testing.T) {
	ledger := newMockLedger()
	c, _ := newTestCoordinator(ledger)

	_, err := c.Settle(context.Background(), mustCommitment(t, "2000000.00"))
	require.Error(t, err)
	assert.Equal(t, KindRangeError, KindOf(err))
	assert.Equal(t, 0, ledger.usedCalls)
	assert.Equal(t, 0, ledger.authorizeCalls)
}

func TestSettle_VerificationTimeout_ZeroSuggestsPermission(t *testing.T) {
	ledger := newMockLedger()
	// Authorize confirms but the amount never appears.
	ledger.authorizedSeq = []*big.Int{big.NewInt(0)}
	c, sleep := newTestCoordinator(ledger)

	_, err := c.Settle(context.Background(), mustCommitment(t, "10.00"))
	require.Error(t, err)

	se, ok := AsSettlementError(err)
	require.True(t, ok)
	assert.Equal(t, KindVerificationTimeout, se.Kind)
	assert.True(t, se.Resumable)
	assert.Equal(t, KindPermissionError, se.Details["likelyCause"])
	// Never proceeds to distribute on an unverified authorization.
	assert.Equal(t, 0, ledger.distributeCalls)
	assert.Equal(t, 5, ledger.readCalls)
	assert.Len(t, sleep.delays, 4)
}

func TestSettle_VerificationTimeout_MismatchSuggestsRange(t *testing.T) {
	other, _ := ToBaseUnits("9.99")
	ledger := newMockLedger()
	ledger.authorizedSeq = []*big.Int{other}
	c, _ := newTestCoordinator(ledger)

	_, err := c.Settle(context.Background(), mustCommitment(t, "10.00"))
	require.Error(t, err)

	se, ok := AsSettlementError(err)
	require.True(t, ok)
	assert.Equal(t, KindVerificationTimeout, se.Kind)
	assert.Equal(t, KindRangeError, se.Details["likelyCause"])
	assert.Equal(t, other.String(), se.Details["observed"])
}

func TestSettle_AuthorizeReverted(t *testing.T) {
	ledger := newMockLedger()
	ledger.confirmStatus["0xauth1"] = TxStatusFailed
	c, _ := newTestCoordinator(ledger)

	rec, err := c.Settle(context.Background(), mustCommitment(t, "10.00"))
	require.Error(t, err)

	se, ok := AsSettlementError(err)
	require.True(t, ok)
	assert.Equal(t, KindTransactionFailure, se.Kind)
	assert.False(t, se.Resumable)
	assert.Equal(t, PhaseFailed, rec.AuthorizePhase)
	assert.Equal(t, PhaseSkipped, rec.DistributePhase)
}

func TestSettle_DistributeReverted(t *testing.T) {
	base, _ := ToBaseUnits("10.00")
	ledger := newMockLedger()
	ledger.authorizedSeq = []*big.Int{base}
	ledger.confirmStatus["0xdist1"] = TxStatusFailed
	c, _ := newTestCoordinator(ledger)

	rec, err := c.Settle(context.Background(), mustCommitment(t, "10.00"))
	require.Error(t, err)

	se, ok := AsSettlementError(err)
	require.True(t, ok)
	assert.Equal(t, KindTransactionFailure, se.Kind)
	// Authorized but not distributed: resumable with the same hash.
	assert.True(t, se.Resumable)
	assert.Equal(t, PhaseVerified, rec.AuthorizePhase)
	assert.Equal(t, PhaseFailed, rec.DistributePhase)
}

func TestSettle_NetworkErrorOnGuardIsRetryable(t *testing.T) {
	ledger := newMockLedger()
	ledger.usedErr = errors.New("connection refused")
	c, _ := newTestCoordinator(ledger)

	_, err := c.Settle(context.Background(), mustCommitment(t, "10.00"))
	require.Error(t, err)

	se, ok := AsSettlementError(err)
	require.True(t, ok)
	assert.Equal(t, KindNetworkError, se.Kind)
	assert.False(t, se.Resumable)
	assert.Equal(t, 0, ledger.authorizeCalls)

	// The same hash can be retried after the transport recovers.
	ledger.usedErr = nil
	base, _ := ToBaseUnits("10.00")
	ledger.authorizedSeq = []*big.Int{base}
	rec, err := c.Settle(context.Background(), mustCommitment(t, "10.00"))
	require.NoError(t, err)
	assert.Equal(t, RecordSettled, rec.Status)
}

func TestSettle_BalanceDeltaMismatchIsWarningOnly(t *testing.T) {
	base, _ := ToBaseUnits("10.00")
	ledger := newMockLedger()
	ledger.authorizedSeq = []*big.Int{base}
	// Balance read lags: delta appears as zero.
	ledger.balanceSeq = []*big.Int{big.NewInt(0), big.NewInt(0)}
	c, _ := newTestCoordinator(ledger)

	rec, err := c.Settle(context.Background(), mustCommitment(t, "10.00"))
	require.NoError(t, err)
	assert.Equal(t, RecordSettled, rec.Status)
	// Confirmed but not balance-verified.
	assert.Equal(t, PhaseConfirmed, rec.DistributePhase)
}

func TestSettle_ConcurrentSameHash(t *testing.T) {
	base, _ := ToBaseUnits("10.00")
	ledger := newMockLedger()
	ledger.authorizedSeq = []*big.Int{base}
	ledger.balanceSeq = []*big.Int{big.NewInt(0), base}
	c, _ := newTestCoordinator(ledger)

	commitment := mustCommitment(t, "10.00")

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = c.Settle(context.Background(), commitment)
		}(i)
	}
	wg.Wait()

	settled := 0
	rejected := 0
	for _, err := range errs {
		switch {
		case err == nil:
			settled++
		case KindOf(err) == KindIdempotencyViolation:
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, settled)
	assert.Equal(t, 3, rejected)
	assert.Equal(t, 1, ledger.authorizeCalls)
	assert.Equal(t, 1, ledger.distributeCalls)
}

func TestResume_EntersAtVerification(t *testing.T) {
	base, _ := ToBaseUnits("10.00")
	ledger := newMockLedger()
	ledger.used = true // already authorized on the ledger
	ledger.authorizedSeq = []*big.Int{base}
	ledger.balanceSeq = []*big.Int{big.NewInt(0), base}
	c, _ := newTestCoordinator(ledger)

	rec, err := c.Resume(context.Background(), mustCommitment(t, "10.00"))
	require.NoError(t, err)

	assert.Equal(t, RecordSettled, rec.Status)
	// Resume skips the guards and the authorize submission entirely.
	assert.Equal(t, 0, ledger.usedCalls)
	assert.Equal(t, 0, ledger.authorizeCalls)
	assert.Equal(t, 1, ledger.distributeCalls)
}

func TestSettleForProof(t *testing.T) {
	// 9900 output bytes earn exactly 10.00 tokens.
	proof := WorkProof{TaskID: "t-1", ToolName: "scrape", OutputSize: 9900, Timestamp: 1700000000}
	base, _ := ToBaseUnits("10.00")

	ledger := newMockLedger()
	ledger.authorizedSeq = []*big.Int{base}
	ledger.balanceSeq = []*big.Int{big.NewInt(0), base}
	c, _ := newTestCoordinator(ledger)

	rec, err := c.SettleForProof(context.Background(), proof, testPayee)
	require.NoError(t, err)
	assert.Equal(t, "10.00", rec.RequestedAmount)
	assert.Equal(t, RecordSettled, rec.Status)
}

func TestSettle_HooksObservePhases(t *testing.T) {
	base, _ := ToBaseUnits("10.00")
	ledger := newMockLedger()
	ledger.authorizedSeq = []*big.Int{base}
	ledger.balanceSeq = []*big.Int{big.NewInt(0), base}

	var order []string
	hooks := SettlementHooks{
		BeforeAuthorize: func(ctx context.Context, rec *SettlementRecord) {
			order = append(order, "before-authorize")
		},
		AfterAuthorize: func(ctx context.Context, rec *SettlementRecord, err error) {
			order = append(order, "after-authorize")
			assert.NoError(t, err)
		},
		BeforeDistribute: func(ctx context.Context, rec *SettlementRecord) {
			order = append(order, "before-distribute")
		},
		AfterDistribute: func(ctx context.Context, rec *SettlementRecord, err error) {
			order = append(order, "after-distribute")
			assert.NoError(t, err)
		},
	}
	c, _ := newTestCoordinator(ledger, WithHooks(hooks))

	_, err := c.Settle(context.Background(), mustCommitment(t, "10.00"))
	require.NoError(t, err)
	assert.Equal(t, []string{"before-authorize", "after-authorize", "before-distribute", "after-distribute"}, order)
}

func TestWorkload(t *testing.T) {
	c, _ := newTestCoordinator(newMockLedger())
	workload, err := c.Workload(context.Background(), testPayee)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), workload.TotalTasks)
}
