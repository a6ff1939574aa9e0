package taskpay

import "encoding/json"

// WorkProof is an auditable record of a completed task's metadata.
// It is produced by the task-execution boundary and recorded on the
// ledger independently of the token settlement flow.
type WorkProof struct {
	TaskID          string `json:"taskId"`
	ToolName        string `json:"toolName"`
	InputSize       int64  `json:"inputSize"`
	OutputSize      int64  `json:"outputSize"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
	Timestamp       int64  `json:"timestamp"`
}

// ValueCommitment binds an amount, recipient and timestamp into a single
// idempotency key. Hash is a pure function of the other three fields and
// must match the ledger's own canonical encoding exactly.
type ValueCommitment struct {
	Amount    string `json:"amount"`    // decimal token amount, e.g. "10.00"
	Recipient string `json:"recipient"` // hex address
	Timestamp int64  `json:"timestamp"` // unix seconds
	Hash      string `json:"hash"`      // 0x-prefixed 32-byte digest
}

// PhaseStatus tracks the progress of one settlement phase.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseSubmitted PhaseStatus = "submitted"
	PhaseConfirmed PhaseStatus = "confirmed"
	PhaseVerified  PhaseStatus = "verified"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
)

// RecordStatus is the terminal state of a settlement attempt.
type RecordStatus string

const (
	RecordInProgress RecordStatus = "in_progress"
	RecordSettled    RecordStatus = "settled"
	RecordFailed     RecordStatus = "failed"
)

// SettlementRecord describes one settlement attempt for a commitment hash.
// The hash is the natural partition key; a record is never mutated
// concurrently for the same hash.
type SettlementRecord struct {
	Hash             string       `json:"hash"`
	RequestedAmount  string       `json:"requestedAmount"`
	AuthorizedAmount string       `json:"authorizedAmount,omitempty"`
	Recipient        string       `json:"recipient"`
	AuthorizePhase   PhaseStatus  `json:"authorizePhase"`
	DistributePhase  PhaseStatus  `json:"distributePhase"`
	AuthorizeTx      string       `json:"authorizeTx,omitempty"`
	DistributeTx     string       `json:"distributeTx,omitempty"`
	Status           RecordStatus `json:"status"`
	FailureReason    string       `json:"failureReason,omitempty"`
}

// PaymentReceipt is produced by the payment step and attached to the task
// resubmission. It is not persisted beyond a single invocation flow.
type PaymentReceipt struct {
	TaskID    string `json:"taskId"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

// PaymentRequired is the envelope a task endpoint returns when payment is
// needed before the task will run.
type PaymentRequired struct {
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	TaskID         string `json:"taskId"`
	PaymentAddress string `json:"paymentAddress"`
}

// TaskResult is the success envelope returned by a task endpoint.
type TaskResult struct {
	Output    json.RawMessage `json:"output"`
	WorkProof *WorkProof      `json:"workProof,omitempty"`
}

// TxConfirmation is the typed result of waiting for a ledger transaction.
// The ledger adapter parses receipts behind this boundary; callers never
// inspect raw logs.
type TxConfirmation struct {
	TxRef       string `json:"txRef"`
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
}

// Transaction status values reported in TxConfirmation.
const (
	TxStatusSuccess = 1
	TxStatusFailed  = 0
)

// UserWorkload is the ledger's aggregate view of one address's recorded work.
type UserWorkload struct {
	TotalTasks        uint64 `json:"totalTasks"`
	TotalTokensEarned string `json:"totalTokensEarned"`
	LastActivity      int64  `json:"lastActivity"`
}
