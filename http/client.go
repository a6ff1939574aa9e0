package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/taskpay-protocol/taskpay"
)

// Payer executes the payment a task endpoint demands and returns the
// receipt to attach on resubmission.
type Payer interface {
	Pay(ctx context.Context, required taskpay.PaymentRequired) (taskpay.PaymentReceipt, error)
}

// PayerFunc adapts a function to the Payer interface.
type PayerFunc func(ctx context.Context, required taskpay.PaymentRequired) (taskpay.PaymentReceipt, error)

// Pay implements Payer.
func (f PayerFunc) Pay(ctx context.Context, required taskpay.PaymentRequired) (taskpay.PaymentReceipt, error) {
	return f(ctx, required)
}

// TaskClient invokes payment-gated task endpoints. The negotiation is
// stateless and re-entrant: repeating a flow is safe because settlement
// stays keyed by the commitment hash, not by call count.
type TaskClient struct {
	httpClient *http.Client
	payer      Payer
	ledger     taskpay.Ledger
	logger     *log.Logger
}

// TaskClientOption configures a TaskClient.
type TaskClientOption func(*TaskClient)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(client *http.Client) TaskClientOption {
	return func(c *TaskClient) {
		c.httpClient = client
	}
}

// WithLedger enables work-proof submission after successful invocations.
// Without a ledger the proof is only returned to the caller.
func WithLedger(ledger taskpay.Ledger) TaskClientOption {
	return func(c *TaskClient) {
		c.ledger = ledger
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *log.Logger) TaskClientOption {
	return func(c *TaskClient) {
		c.logger = logger
	}
}

// NewTaskClient creates a task client that pays with payer when a task
// endpoint demands payment.
func NewTaskClient(payer Payer, opts ...TaskClientOption) *TaskClient {
	c := &TaskClient{
		httpClient: http.DefaultClient,
		payer:      payer,
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke runs a task with the given JSON input. If the endpoint responds
// with 402 the payment step runs and the task is resubmitted once with
// the receipt attached. On success the work proof is recorded on the
// ledger when one is configured.
//
// Task errors propagate as task failures; payment failures abort the flow
// without resubmission.
func (c *TaskClient) Invoke(ctx context.Context, url, toolName string, input []byte) (*taskpay.TaskResult, error) {
	started := time.Now()

	resp, body, err := c.post(ctx, url, input, "")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusPaymentRequired {
		required, err := decodePaymentRequired(body)
		if err != nil {
			return nil, err
		}
		c.logger.Printf("[task] payment required task=%s amount=%s %s payTo=%s",
			required.TaskID, required.Amount, required.Currency, required.PaymentAddress)

		receipt, err := c.payer.Pay(ctx, required)
		if err != nil {
			return nil, fmt.Errorf("payment step failed: %w", err)
		}
		header, err := EncodeReceiptHeader(receipt)
		if err != nil {
			return nil, err
		}

		resp, body, err = c.post(ctx, url, input, header)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("task invocation failed: status %d", resp.StatusCode)
	}

	if err := ValidateTaskResult(body); err != nil {
		return nil, err
	}
	var result taskpay.TaskResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decoding task result: %w", err)
	}

	proof := result.WorkProof
	if proof == nil {
		proof = &taskpay.WorkProof{
			ToolName:        toolName,
			InputSize:       int64(len(input)),
			OutputSize:      int64(len(result.Output)),
			ExecutionTimeMs: time.Since(started).Milliseconds(),
			Timestamp:       time.Now().Unix(),
		}
		result.WorkProof = proof
	}

	if c.ledger != nil {
		txRef, err := c.ledger.SubmitWorkProof(ctx, *proof, taskpay.ComputeProofHash(*proof))
		if err != nil {
			return nil, fmt.Errorf("submitting work proof: %w", err)
		}
		c.logger.Printf("[task] work proof recorded task=%s tool=%s tx=%s",
			proof.TaskID, proof.ToolName, txRef)
	}

	return &result, nil
}

// post sends the task input, optionally with a receipt header, and reads
// the full response body.
func (c *TaskClient) post(ctx context.Context, url string, input []byte, receiptHeader string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(input))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if receiptHeader != "" {
		req.Header.Set(HeaderPaymentReceipt, receiptHeader)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("task request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading task response: %w", err)
	}
	return resp, body, nil
}

func decodePaymentRequired(body []byte) (taskpay.PaymentRequired, error) {
	if err := ValidatePaymentRequired(body); err != nil {
		return taskpay.PaymentRequired{}, err
	}
	var required taskpay.PaymentRequired
	if err := json.Unmarshal(body, &required); err != nil {
		return taskpay.PaymentRequired{}, fmt.Errorf("decoding payment required envelope: %w", err)
	}
	return required, nil
}
