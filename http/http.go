// Package http drives the client side of the payment-gated task boundary:
// invoke a task, satisfy a payment-required response, resubmit with the
// receipt attached, and hand the resulting work proof to the ledger.
package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/taskpay-protocol/taskpay"
)

// HeaderPaymentReceipt carries the base64-encoded payment receipt on a
// task resubmission.
const HeaderPaymentReceipt = "X-Payment-Receipt"

// EncodeReceiptHeader encodes a payment receipt for the receipt header.
func EncodeReceiptHeader(receipt taskpay.PaymentReceipt) (string, error) {
	data, err := json.Marshal(receipt)
	if err != nil {
		return "", fmt.Errorf("marshaling payment receipt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeReceiptHeader decodes a receipt header produced by
// EncodeReceiptHeader.
func DecodeReceiptHeader(header string) (taskpay.PaymentReceipt, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return taskpay.PaymentReceipt{}, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	var receipt taskpay.PaymentReceipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return taskpay.PaymentReceipt{}, fmt.Errorf("invalid payment receipt JSON: %w", err)
	}
	return receipt, nil
}
