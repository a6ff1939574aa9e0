package taskpay

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// TokenDecimals is the fixed-point scale of the ledger's base unit:
// 1 token = 10^TokenDecimals base units.
const TokenDecimals = 6

// Ledger-enforced amount bounds, mirrored client-side so out-of-range
// requests fail before any network call.
var (
	// MinAmountBaseUnits is the smallest amount the ledger accepts.
	MinAmountBaseUnits = big.NewInt(1)

	// MaxAmountBaseUnits is 1,000,000 tokens scaled to base units.
	MaxAmountBaseUnits = new(big.Int).Mul(
		big.NewInt(1_000_000),
		new(big.Int).Exp(big.NewInt(10), big.NewInt(TokenDecimals), nil),
	)
)

// ToBaseUnits converts a decimal token amount string to the ledger's base
// unit. The amount must not carry more than TokenDecimals fractional
// digits; a unit-scaling mismatch here would silently desynchronize the
// commitment hash from the ledger's own encoding.
func ToBaseUnits(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	scaled := d.Shift(TokenDecimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("amount %q exceeds %d decimal places", amount, TokenDecimals)
	}
	return scaled.BigInt(), nil
}

// FromBaseUnits converts a base-unit amount back to its decimal token form.
func FromBaseUnits(amount *big.Int) string {
	return decimal.NewFromBigInt(amount, -TokenDecimals).String()
}

// ValidateAmountBounds checks a base-unit amount against the ledger's
// enforced range and returns a range_error settlement error on violation.
func ValidateAmountBounds(amount *big.Int) error {
	if amount.Cmp(MinAmountBaseUnits) < 0 || amount.Cmp(MaxAmountBaseUnits) > 0 {
		return NewSettlementError(KindRangeError,
			fmt.Sprintf("amount %s base units outside ledger bounds [%s, %s]",
				amount.String(), MinAmountBaseUnits.String(), MaxAmountBaseUnits.String()),
			map[string]interface{}{
				"amount": amount.String(),
				"min":    MinAmountBaseUnits.String(),
				"max":    MaxAmountBaseUnits.String(),
			})
	}
	return nil
}

// ComputeValueHash derives the commitment hash for (amount, recipient,
// timestamp): keccak-256 over the packed encoding the ledger recomputes
// independently — uint256 base-unit amount, 20-byte address, uint256
// timestamp. This is the idempotency key for the whole settlement flow.
func ComputeValueHash(amount, recipient string, timestamp int64) (string, error) {
	base, err := ToBaseUnits(amount)
	if err != nil {
		return "", err
	}
	if !common.IsHexAddress(recipient) {
		return "", fmt.Errorf("invalid recipient address %q", recipient)
	}
	buf := make([]byte, 0, 84)
	buf = append(buf, common.LeftPadBytes(base.Bytes(), 32)...)
	buf = append(buf, common.HexToAddress(recipient).Bytes()...)
	buf = append(buf, common.LeftPadBytes(big.NewInt(timestamp).Bytes(), 32)...)
	return crypto.Keccak256Hash(buf).Hex(), nil
}

// NewValueCommitment builds a commitment with its hash populated.
func NewValueCommitment(amount, recipient string, timestamp int64) (ValueCommitment, error) {
	hash, err := ComputeValueHash(amount, recipient, timestamp)
	if err != nil {
		return ValueCommitment{}, err
	}
	return ValueCommitment{
		Amount:    amount,
		Recipient: recipient,
		Timestamp: timestamp,
		Hash:      hash,
	}, nil
}

// ComputeProofHash derives the deterministic digest recorded alongside a
// work proof on the ledger.
func ComputeProofHash(proof WorkProof) string {
	buf := make([]byte, 0, len(proof.TaskID)+len(proof.ToolName)+32)
	buf = append(buf, []byte(proof.TaskID)...)
	buf = append(buf, []byte(proof.ToolName)...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(proof.InputSize))
	buf = binary.BigEndian.AppendUint64(buf, uint64(proof.OutputSize))
	buf = binary.BigEndian.AppendUint64(buf, uint64(proof.ExecutionTimeMs))
	buf = binary.BigEndian.AppendUint64(buf, uint64(proof.Timestamp))
	return crypto.Keccak256Hash(buf).Hex()
}
