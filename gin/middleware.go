// Package gin provides payment gating for task endpoints served with
// gin. A request without a valid payment receipt receives a 402 with the
// payment-required envelope; a paid request runs the handler and the
// success envelope carries the measured work proof.
package gin

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/taskpay-protocol/taskpay"
	taskpayhttp "github.com/taskpay-protocol/taskpay/http"
)

// DefaultCurrency is the token symbol quoted in payment-required envelopes.
const DefaultCurrency = "TASK"

const (
	ctxKeyReceipt  = "taskpay.receipt"
	ctxKeyToolName = "taskpay.tool"
	ctxKeyStarted  = "taskpay.started"
)

// ReceiptVerifier decides whether a presented receipt satisfies the
// demanded payment. Returning an error rejects the request.
type ReceiptVerifier func(c *gin.Context, receipt taskpay.PaymentReceipt) error

// PaymentMiddlewareOptions configures PaymentMiddleware.
type PaymentMiddlewareOptions struct {
	Currency string
	ToolName string
	Verifier ReceiptVerifier
	Logger   *log.Logger
}

// Options mutates PaymentMiddlewareOptions.
type Options func(*PaymentMiddlewareOptions)

// WithCurrency sets the quoted currency.
func WithCurrency(currency string) Options {
	return func(o *PaymentMiddlewareOptions) {
		o.Currency = currency
	}
}

// WithToolName names the tool in emitted work proofs.
func WithToolName(name string) Options {
	return func(o *PaymentMiddlewareOptions) {
		o.ToolName = name
	}
}

// WithVerifier installs a receipt verifier. Without one, any
// well-formed receipt quoting at least the demanded amount is accepted.
func WithVerifier(verifier ReceiptVerifier) Options {
	return func(o *PaymentMiddlewareOptions) {
		o.Verifier = verifier
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *log.Logger) Options {
	return func(o *PaymentMiddlewareOptions) {
		o.Logger = logger
	}
}

// PaymentMiddleware gates a task route behind payment of amount tokens to
// payTo.
func PaymentMiddleware(amount, payTo string, opts ...Options) gin.HandlerFunc {
	options := PaymentMiddlewareOptions{
		Currency: DefaultCurrency,
		Logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return func(c *gin.Context) {
		header := c.GetHeader(taskpayhttp.HeaderPaymentReceipt)
		if header == "" {
			demandPayment(c, amount, payTo, options)
			return
		}

		receipt, err := taskpayhttp.DecodeReceiptHeader(header)
		if err != nil {
			options.Logger.Printf("[paywall] rejecting malformed receipt: %v", err)
			demandPayment(c, amount, payTo, options)
			return
		}

		if options.Verifier != nil {
			if err := options.Verifier(c, receipt); err != nil {
				options.Logger.Printf("[paywall] receipt rejected task=%s: %v", receipt.TaskID, err)
				demandPayment(c, amount, payTo, options)
				return
			}
		} else if receipt.Amount != amount {
			options.Logger.Printf("[paywall] receipt amount %s does not cover %s", receipt.Amount, amount)
			demandPayment(c, amount, payTo, options)
			return
		}

		c.Set(ctxKeyReceipt, receipt)
		c.Set(ctxKeyToolName, options.ToolName)
		c.Set(ctxKeyStarted, time.Now())
		c.Next()
	}
}

func demandPayment(c *gin.Context, amount, payTo string, options PaymentMiddlewareOptions) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, taskpay.PaymentRequired{
		Amount:         amount,
		Currency:       options.Currency,
		TaskID:         uuid.NewString(),
		PaymentAddress: payTo,
	})
}

// Receipt returns the verified payment receipt attached by the
// middleware, if any.
func Receipt(c *gin.Context) (taskpay.PaymentReceipt, bool) {
	v, ok := c.Get(ctxKeyReceipt)
	if !ok {
		return taskpay.PaymentReceipt{}, false
	}
	receipt, ok := v.(taskpay.PaymentReceipt)
	return receipt, ok
}

// WriteResult writes the success envelope for a completed task, with the
// work proof measured from the request. output must be valid JSON; it is
// embedded in the envelope verbatim.
func WriteResult(c *gin.Context, output []byte) {
	proof := taskpay.WorkProof{
		InputSize:  c.Request.ContentLength,
		OutputSize: int64(len(output)),
		Timestamp:  time.Now().Unix(),
	}
	if receipt, ok := Receipt(c); ok {
		proof.TaskID = receipt.TaskID
	}
	if v, ok := c.Get(ctxKeyToolName); ok {
		if name, ok := v.(string); ok {
			proof.ToolName = name
		}
	}
	if v, ok := c.Get(ctxKeyStarted); ok {
		if started, ok := v.(time.Time); ok {
			proof.ExecutionTimeMs = time.Since(started).Milliseconds()
		}
	}
	if proof.InputSize < 0 {
		proof.InputSize = 0
	}

	c.JSON(http.StatusOK, taskpay.TaskResult{
		Output:    output,
		WorkProof: &proof,
	})
}
