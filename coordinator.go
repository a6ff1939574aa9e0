package taskpay

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RetryPolicy bounds the verification poll that absorbs the ledger's
// propagation lag. The interval is constant: the loop exists to wait out
// eventual consistency, not to back off under load.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

// DefaultVerifyPolicy matches the ledger's typical propagation window.
var DefaultVerifyPolicy = RetryPolicy{MaxAttempts: 5, Interval: time.Second}

// SleepFunc waits for d or until ctx is cancelled. Injectable so the
// verification loop is testable with a fake clock.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SettlementHooks are optional callbacks around the mutating phases,
// for audit logging without coupling the coordinator to a sink.
type SettlementHooks struct {
	BeforeAuthorize  func(ctx context.Context, rec *SettlementRecord)
	AfterAuthorize   func(ctx context.Context, rec *SettlementRecord, err error)
	BeforeDistribute func(ctx context.Context, rec *SettlementRecord)
	AfterDistribute  func(ctx context.Context, rec *SettlementRecord, err error)
}

// Coordinator drives the two-phase authorize/distribute settlement flow
// against a Ledger. It holds only transient per-attempt state; the ledger
// owns all durable settlement state.
type Coordinator struct {
	ledger    Ledger
	authority string
	verify    RetryPolicy
	sleep     SleepFunc
	logger    *log.Logger
	records   *RecordCache
	hooks     SettlementHooks
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithVerifyPolicy overrides the bounded verification retry policy.
func WithVerifyPolicy(policy RetryPolicy) CoordinatorOption {
	return func(c *Coordinator) {
		c.verify = policy
	}
}

// WithSleep injects the wait function used between verification polls.
func WithSleep(sleep SleepFunc) CoordinatorOption {
	return func(c *Coordinator) {
		c.sleep = sleep
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *log.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithHooks installs settlement phase hooks.
func WithHooks(hooks SettlementHooks) CoordinatorOption {
	return func(c *Coordinator) {
		c.hooks = hooks
	}
}

// WithRecordTTL sets how long completed records are cached for per-hash
// idempotent rejection.
func WithRecordTTL(ttl time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.records = NewRecordCache(ttl)
	}
}

// NewCoordinator creates a settlement coordinator. authority is the
// address this process signs ledger transactions with; it must match the
// ledger's recorded reward authority or every flow aborts before spending
// a transaction.
func NewCoordinator(ledger Ledger, authority string, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		ledger:    ledger,
		authority: authority,
		verify:    DefaultVerifyPolicy,
		sleep:     sleepContext,
		logger:    log.Default(),
		records:   NewRecordCache(10 * time.Minute),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SettleForProof computes the reward for a completed task and settles it
// to recipient, keyed by the proof's timestamp.
func (c *Coordinator) SettleForProof(ctx context.Context, proof WorkProof, recipient string) (*SettlementRecord, error) {
	commitment, err := NewValueCommitment(RewardForProof(proof), recipient, proof.Timestamp)
	if err != nil {
		return nil, NewSettlementError(KindRangeError, err.Error(), nil)
	}
	return c.Settle(ctx, commitment)
}

// Settle runs the full settlement state machine for a commitment:
// CheckHashUsed -> CheckOwnership -> Authorize -> VerifyAuthorized ->
// Distribute -> VerifyDistributed. Guard failures carry no side effects
// and the whole call is safe to repeat; later failures are returned with
// Resumable set so the caller can re-enter via Resume with the same hash.
func (c *Coordinator) Settle(ctx context.Context, commitment ValueCommitment) (*SettlementRecord, error) {
	if commitment.Hash == "" {
		built, err := NewValueCommitment(commitment.Amount, commitment.Recipient, commitment.Timestamp)
		if err != nil {
			return nil, NewSettlementError(KindRangeError, err.Error(), nil)
		}
		commitment = built
	}

	status, cached, done := c.records.CheckAndMark(commitment.Hash)
	switch status {
	case RecordCached:
		return cached, NewSettlementError(KindIdempotencyViolation,
			fmt.Sprintf("commitment hash %s already settled", commitment.Hash),
			map[string]interface{}{"hash": commitment.Hash})
	case RecordInFlight:
		rec, err := c.records.WaitForRecord(ctx, commitment.Hash, done)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, NewSettlementError(KindIdempotencyViolation,
				fmt.Sprintf("commitment hash %s settled by a concurrent attempt", commitment.Hash),
				map[string]interface{}{"hash": commitment.Hash})
		}
		// The concurrent attempt failed without settling; take the slot.
		return c.Settle(ctx, commitment)
	}

	rec := &SettlementRecord{
		Hash:            commitment.Hash,
		RequestedAmount: commitment.Amount,
		Recipient:       commitment.Recipient,
		AuthorizePhase:  PhasePending,
		DistributePhase: PhasePending,
		Status:          RecordInProgress,
	}

	base, err := c.guard(ctx, commitment, rec)
	if err != nil {
		return c.fail(rec, done, err)
	}

	if err := c.authorize(ctx, rec, base); err != nil {
		return c.fail(rec, done, err)
	}
	if err := c.verifyAuthorized(ctx, rec, base); err != nil {
		return c.fail(rec, done, err)
	}
	if err := c.distribute(ctx, rec, base); err != nil {
		return c.fail(rec, done, err)
	}

	rec.Status = RecordSettled
	settlementAttempts.WithLabelValues("settled").Inc()
	c.records.Complete(commitment.Hash, rec, done)
	c.logger.Printf("[settlement] settled hash=%s amount=%s recipient=%s authorizeTx=%s distributeTx=%s",
		rec.Hash, rec.RequestedAmount, rec.Recipient, rec.AuthorizeTx, rec.DistributeTx)
	return rec, nil
}

// Resume re-enters a partially settled flow at the VerifyAuthorized step.
// Safe after a crash between Authorize and Distribute: authorize is a
// no-op once recorded for the hash, and reads have no side effects.
func (c *Coordinator) Resume(ctx context.Context, commitment ValueCommitment) (*SettlementRecord, error) {
	if commitment.Hash == "" {
		built, err := NewValueCommitment(commitment.Amount, commitment.Recipient, commitment.Timestamp)
		if err != nil {
			return nil, NewSettlementError(KindRangeError, err.Error(), nil)
		}
		commitment = built
	}

	status, cached, done := c.records.CheckAndMark(commitment.Hash)
	switch status {
	case RecordCached:
		return cached, nil
	case RecordInFlight:
		rec, err := c.records.WaitForRecord(ctx, commitment.Hash, done)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
		return c.Resume(ctx, commitment)
	}

	rec := &SettlementRecord{
		Hash:            commitment.Hash,
		RequestedAmount: commitment.Amount,
		Recipient:       commitment.Recipient,
		AuthorizePhase:  PhaseConfirmed,
		DistributePhase: PhasePending,
		Status:          RecordInProgress,
	}

	base, err := ToBaseUnits(commitment.Amount)
	if err != nil {
		return c.fail(rec, done, NewSettlementError(KindRangeError, err.Error(), nil))
	}

	if err := c.verifyAuthorized(ctx, rec, base); err != nil {
		return c.fail(rec, done, err)
	}
	if err := c.distribute(ctx, rec, base); err != nil {
		return c.fail(rec, done, err)
	}

	rec.Status = RecordSettled
	settlementAttempts.WithLabelValues("settled").Inc()
	c.records.Complete(commitment.Hash, rec, done)
	c.logger.Printf("[settlement] resumed and settled hash=%s amount=%s recipient=%s",
		rec.Hash, rec.RequestedAmount, rec.Recipient)
	return rec, nil
}

// Workload returns the ledger's aggregate view of recipient's recorded work.
func (c *Coordinator) Workload(ctx context.Context, address string) (*UserWorkload, error) {
	return c.ledger.GetUserWorkload(ctx, address)
}

// guard runs the side-effect-free steps: amount bounds, hash reuse and
// ownership. Any error here is returned before a single mutating call.
func (c *Coordinator) guard(ctx context.Context, commitment ValueCommitment, rec *SettlementRecord) (*big.Int, error) {
	base, err := ToBaseUnits(commitment.Amount)
	if err != nil {
		return nil, NewSettlementError(KindRangeError, err.Error(),
			map[string]interface{}{"amount": commitment.Amount})
	}
	if err := ValidateAmountBounds(base); err != nil {
		return nil, err
	}

	used, err := c.ledger.IsValueHashUsed(ctx, commitment.Hash)
	if err != nil {
		return nil, NewSettlementError(KindNetworkError,
			fmt.Sprintf("checking value hash: %v", err), nil)
	}
	if used {
		return nil, NewSettlementError(KindIdempotencyViolation,
			fmt.Sprintf("value hash %s already used on the ledger", commitment.Hash),
			map[string]interface{}{"hash": commitment.Hash})
	}

	authority, err := c.ledger.RewardAuthority(ctx)
	if err != nil {
		return nil, NewSettlementError(KindNetworkError,
			fmt.Sprintf("reading reward authority: %v", err), nil)
	}
	if !strings.EqualFold(authority, c.authority) {
		return nil, NewSettlementError(KindPermissionError,
			fmt.Sprintf("caller %s is not the reward authority %s", c.authority, authority),
			map[string]interface{}{"expected": authority, "actual": c.authority})
	}

	c.logger.Printf("[settlement] guards passed hash=%s amount=%s (%s base units)",
		commitment.Hash, commitment.Amount, base.String())
	return base, nil
}

// authorize submits the authorize transaction and waits for confirmation.
func (c *Coordinator) authorize(ctx context.Context, rec *SettlementRecord, base *big.Int) error {
	if c.hooks.BeforeAuthorize != nil {
		c.hooks.BeforeAuthorize(ctx, rec)
	}

	txRef, err := c.ledger.AuthorizeAmount(ctx, rec.Hash, base)
	if err != nil {
		err = NewSettlementError(KindNetworkError,
			fmt.Sprintf("submitting authorize: %v", err), nil)
		c.afterAuthorize(ctx, rec, err)
		return err
	}
	rec.AuthorizeTx = txRef
	rec.AuthorizePhase = PhaseSubmitted

	conf, err := c.ledger.WaitForConfirmation(ctx, txRef)
	if err != nil {
		// The transaction may still land; re-entry at verify is safe.
		err = NewResumableError(KindNetworkError,
			fmt.Sprintf("awaiting authorize confirmation: %v", err),
			map[string]interface{}{"txRef": txRef})
		c.afterAuthorize(ctx, rec, err)
		return err
	}
	if conf.Status != TxStatusSuccess {
		err = NewSettlementError(KindTransactionFailure,
			fmt.Sprintf("authorize transaction %s reverted", txRef),
			map[string]interface{}{"txRef": txRef, "block": conf.BlockNumber})
		c.afterAuthorize(ctx, rec, err)
		return err
	}
	rec.AuthorizePhase = PhaseConfirmed
	c.logger.Printf("[settlement] authorize confirmed hash=%s tx=%s block=%d gas=%d",
		rec.Hash, txRef, conf.BlockNumber, conf.GasUsed)
	c.afterAuthorize(ctx, rec, nil)
	return nil
}

func (c *Coordinator) afterAuthorize(ctx context.Context, rec *SettlementRecord, err error) {
	if c.hooks.AfterAuthorize != nil {
		c.hooks.AfterAuthorize(ctx, rec, err)
	}
}

// verifyAuthorized polls the authorized amount until it matches the
// request exactly. Confirmation alone is not proof of effect: the ledger's
// read path may lag, and a permission fault can confirm yet record nothing.
func (c *Coordinator) verifyAuthorized(ctx context.Context, rec *SettlementRecord, base *big.Int) error {
	var (
		observed *big.Int
		readErr  error
	)
	for attempt := 1; attempt <= c.verify.MaxAttempts; attempt++ {
		observed, readErr = c.ledger.GetAuthorizedAmount(ctx, rec.Hash)
		if readErr == nil {
			if observed.Cmp(base) == 0 {
				rec.AuthorizePhase = PhaseVerified
				rec.AuthorizedAmount = FromBaseUnits(observed)
				verifyPolls.Observe(float64(attempt))
				c.logger.Printf("[settlement] authorized amount verified hash=%s attempts=%d",
					rec.Hash, attempt)
				return nil
			}
			c.logger.Printf("[settlement] authorized amount not yet visible hash=%s attempt=%d/%d observed=%s want=%s",
				rec.Hash, attempt, c.verify.MaxAttempts, observed.String(), base.String())
		} else {
			c.logger.Printf("[settlement] authorized amount read failed hash=%s attempt=%d/%d: %v",
				rec.Hash, attempt, c.verify.MaxAttempts, readErr)
		}
		if attempt < c.verify.MaxAttempts {
			if err := c.sleep(ctx, c.verify.Interval); err != nil {
				return NewResumableError(KindNetworkError,
					fmt.Sprintf("verification cancelled: %v", err), nil)
			}
		}
	}
	verifyPolls.Observe(float64(c.verify.MaxAttempts))

	if readErr != nil {
		return NewResumableError(KindNetworkError,
			fmt.Sprintf("authorized amount unreadable after %d attempts: %v", c.verify.MaxAttempts, readErr),
			map[string]interface{}{"hash": rec.Hash})
	}
	if observed.Sign() == 0 {
		// Zero after a confirmed authorize: the transaction succeeded but
		// had no visible effect, which is how a permission fault presents.
		return NewResumableError(KindVerificationTimeout,
			fmt.Sprintf("authorized amount still zero after %d polls; authorize confirmed without effect", c.verify.MaxAttempts),
			map[string]interface{}{
				"hash":        rec.Hash,
				"likelyCause": KindPermissionError,
			})
	}
	return NewResumableError(KindVerificationTimeout,
		fmt.Sprintf("authorized amount %s does not match requested %s after %d polls",
			observed.String(), base.String(), c.verify.MaxAttempts),
		map[string]interface{}{
			"hash":        rec.Hash,
			"observed":    observed.String(),
			"requested":   base.String(),
			"likelyCause": KindRangeError,
		})
}

// distribute transfers the authorized amount and best-effort checks the
// recipient's balance delta afterwards.
func (c *Coordinator) distribute(ctx context.Context, rec *SettlementRecord, base *big.Int) error {
	balanceBefore, balErr := c.ledger.BalanceOf(ctx, rec.Recipient)
	if balErr != nil {
		c.logger.Printf("[settlement] balance read before distribute failed recipient=%s: %v",
			rec.Recipient, balErr)
	}

	if c.hooks.BeforeDistribute != nil {
		c.hooks.BeforeDistribute(ctx, rec)
	}

	txRef, err := c.ledger.DistributeTokens(ctx, rec.Hash, rec.Recipient)
	if err != nil {
		err = NewResumableError(KindNetworkError,
			fmt.Sprintf("submitting distribute: %v", err),
			map[string]interface{}{"hash": rec.Hash})
		c.afterDistribute(ctx, rec, err)
		return err
	}
	rec.DistributeTx = txRef
	rec.DistributePhase = PhaseSubmitted

	conf, err := c.ledger.WaitForConfirmation(ctx, txRef)
	if err != nil {
		err = NewResumableError(KindNetworkError,
			fmt.Sprintf("awaiting distribute confirmation: %v", err),
			map[string]interface{}{"txRef": txRef})
		c.afterDistribute(ctx, rec, err)
		return err
	}
	if conf.Status != TxStatusSuccess {
		// Authorized but not distributed; the same hash resumes here.
		err = NewResumableError(KindTransactionFailure,
			fmt.Sprintf("distribute transaction %s reverted", txRef),
			map[string]interface{}{"txRef": txRef, "block": conf.BlockNumber})
		c.afterDistribute(ctx, rec, err)
		return err
	}
	rec.DistributePhase = PhaseConfirmed
	c.logger.Printf("[settlement] distribute confirmed hash=%s tx=%s block=%d",
		rec.Hash, txRef, conf.BlockNumber)

	c.verifyDistributed(ctx, rec, base, balanceBefore, balErr == nil)

	if amount, err := decimal.NewFromString(rec.RequestedAmount); err == nil {
		f, _ := amount.Float64()
		tokensDistributed.Add(f)
	}
	c.afterDistribute(ctx, rec, nil)
	return nil
}

func (c *Coordinator) afterDistribute(ctx context.Context, rec *SettlementRecord, err error) {
	if c.hooks.AfterDistribute != nil {
		c.hooks.AfterDistribute(ctx, rec, err)
	}
}

// verifyDistributed compares the recipient balance before and after the
// transfer. Balance visibility may itself lag, so a mismatch is a warning,
// never a hard failure.
func (c *Coordinator) verifyDistributed(ctx context.Context, rec *SettlementRecord, base, before *big.Int, haveBefore bool) {
	if !haveBefore {
		rec.DistributePhase = PhaseConfirmed
		return
	}
	after, err := c.ledger.BalanceOf(ctx, rec.Recipient)
	if err != nil {
		c.logger.Printf("[settlement] balance read after distribute failed recipient=%s: %v",
			rec.Recipient, err)
		return
	}
	delta := new(big.Int).Sub(after, before)
	if delta.Cmp(base) != 0 {
		c.logger.Printf("[settlement] warning: balance delta %s does not match distributed amount %s (recipient=%s before=%s after=%s)",
			delta.String(), base.String(), rec.Recipient, before.String(), after.String())
		return
	}
	rec.DistributePhase = PhaseVerified
}

// fail finalizes a record for a failed attempt and releases the hash for
// retry.
func (c *Coordinator) fail(rec *SettlementRecord, done chan struct{}, err error) (*SettlementRecord, error) {
	rec.Status = RecordFailed
	if se, ok := AsSettlementError(err); ok {
		rec.FailureReason = se.Kind
		settlementAttempts.WithLabelValues(se.Kind).Inc()
	} else {
		rec.FailureReason = KindNetworkError
		settlementAttempts.WithLabelValues(KindNetworkError).Inc()
	}
	if rec.AuthorizePhase == PhasePending || rec.AuthorizePhase == PhaseSubmitted {
		rec.AuthorizePhase = PhaseFailed
	}
	if rec.DistributePhase == PhasePending || rec.DistributePhase == PhaseSubmitted {
		if rec.DistributeTx == "" {
			rec.DistributePhase = PhaseSkipped
		} else {
			rec.DistributePhase = PhaseFailed
		}
	}
	c.records.Fail(rec.Hash, done)
	c.logger.Printf("[settlement] failed hash=%s reason=%s: %v", rec.Hash, rec.FailureReason, err)
	return rec, err
}
