package taskpay

import (
	"context"
	"math/big"
)

// Ledger is the only side-effecting boundary of the settlement flow. It is
// the sole owner of durable settlement state; after any failure the
// coordinator treats the ledger as the source of truth.
//
// Amounts cross this boundary in the ledger's base unit (fixed-point
// integer scaling of the decimal token amount, see TokenDecimals).
// Read operations are eventually consistent with the mutating ones.
type Ledger interface {
	// IsValueHashUsed reports whether a commitment hash has already been
	// authorized or settled.
	IsValueHashUsed(ctx context.Context, valueHash string) (bool, error)

	// RewardAuthority returns the address the ledger accepts authorize
	// calls from.
	RewardAuthority(ctx context.Context) (string, error)

	// AuthorizeAmount binds amount (base units) to valueHash and returns a
	// transaction reference. Idempotent no-op if already bound for the
	// exact amount; conflicts if bound to a different amount.
	AuthorizeAmount(ctx context.Context, valueHash string, amount *big.Int) (string, error)

	// GetAuthorizedAmount returns the amount currently bound to valueHash,
	// zero if none.
	GetAuthorizedAmount(ctx context.Context, valueHash string) (*big.Int, error)

	// DistributeTokens transfers the authorized amount for valueHash to
	// recipient. Fails if the hash is unauthorized or already distributed.
	DistributeTokens(ctx context.Context, valueHash, recipient string) (string, error)

	// BalanceOf returns the token balance of address in base units.
	BalanceOf(ctx context.Context, address string) (*big.Int, error)

	// WaitForConfirmation blocks until the referenced transaction is mined
	// and returns its typed confirmation.
	WaitForConfirmation(ctx context.Context, txRef string) (*TxConfirmation, error)

	// SubmitWorkProof records a work proof as an auditable ledger event,
	// independent of any settlement flow.
	SubmitWorkProof(ctx context.Context, proof WorkProof, proofHash string) (string, error)

	// GetUserWorkload returns the aggregate recorded work for an address.
	GetUserWorkload(ctx context.Context, address string) (*UserWorkload, error)
}
