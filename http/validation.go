package http

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// paymentRequiredSchema is the wire contract for the payment-required
// envelope a task endpoint returns with status 402.
const paymentRequiredSchema = `{
  "type": "object",
  "required": ["amount", "currency", "taskId", "paymentAddress"],
  "properties": {
    "amount": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
    "currency": {"type": "string", "minLength": 1},
    "taskId": {"type": "string", "minLength": 1},
    "paymentAddress": {"type": "string", "minLength": 1}
  }
}`

// taskResultSchema is the wire contract for the success envelope.
const taskResultSchema = `{
  "type": "object",
  "required": ["output"],
  "properties": {
    "workProof": {
      "type": "object",
      "required": ["taskId", "toolName", "inputSize", "outputSize", "executionTimeMs", "timestamp"],
      "properties": {
        "taskId": {"type": "string"},
        "toolName": {"type": "string"},
        "inputSize": {"type": "integer", "minimum": 0},
        "outputSize": {"type": "integer", "minimum": 0},
        "executionTimeMs": {"type": "integer", "minimum": 0},
        "timestamp": {"type": "integer"}
      }
    }
  }
}`

// ValidatePaymentRequired checks a 402 response body against the
// payment-required envelope schema.
func ValidatePaymentRequired(body []byte) error {
	return validateAgainst(paymentRequiredSchema, body, "payment required envelope")
}

// ValidateTaskResult checks a success response body against the task
// result envelope schema.
func ValidateTaskResult(body []byte) error {
	return validateAgainst(taskResultSchema, body, "task result envelope")
}

func validateAgainst(schema string, body []byte, what string) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(body),
	)
	if err != nil {
		return fmt.Errorf("validating %s: %w", what, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid %s: %s", what, strings.Join(msgs, "; "))
}
