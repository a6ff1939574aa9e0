package taskpay

import "github.com/shopspring/decimal"

// Reward formula constants. The reward for a task is
// min(maxReward, baseReward + contentLength*perByteRate), rounded to
// RewardPrecision decimal places.
var (
	baseReward  = decimal.RequireFromString("0.10")
	perByteRate = decimal.RequireFromString("0.001")
	maxReward   = decimal.RequireFromString("100.00")
)

// RewardPrecision is the number of decimal places in a reward amount.
const RewardPrecision = 2

// RewardAmount computes the token reward for a task result payload of
// contentLength bytes. Pure, total, monotonic non-decreasing and clamped
// at the maximum reward. Negative lengths are treated as zero.
func RewardAmount(contentLength int64) string {
	if contentLength < 0 {
		contentLength = 0
	}
	amount := baseReward.Add(perByteRate.Mul(decimal.NewFromInt(contentLength)))
	if amount.GreaterThan(maxReward) {
		amount = maxReward
	}
	return amount.Round(RewardPrecision).StringFixed(RewardPrecision)
}

// RewardForProof computes the reward earned by the task a work proof
// describes, based on its output payload size.
func RewardForProof(proof WorkProof) string {
	return RewardAmount(proof.OutputSize)
}
