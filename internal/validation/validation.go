// Package validation provides field-level input checks and request guards
// shared by the ingestion API and the stream consumer.
package validation

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB). Transaction
// payloads are a handful of short fields.
const MaxRequestSize = 64 << 10

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// FieldError describes a single rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a collection of field errors. A nil or empty Errors means the
// input passed every check.
type Errors []FieldError

// Error implements the error interface
func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Check is a deferred validation rule.
type Check func() *FieldError

// Run evaluates every check and collects the failures.
func Run(checks ...Check) Errors {
	var errs Errors
	for _, check := range checks {
		if fe := check(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) Check {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length (in characters).
func MaxLength(field, value string, max int) Check {
	return func() *FieldError {
		if utf8.RuneCountInString(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// LengthBetween checks that a field has between min and max characters inclusive.
func LengthBetween(field, value string, min, max int) Check {
	return func() *FieldError {
		n := utf8.RuneCountInString(value)
		if n < min || n > max {
			return &FieldError{Field: field, Message: lengthMessage(min, max)}
		}
		return nil
	}
}

// Positive checks that a number is finite and strictly greater than zero.
func Positive(field string, value float64) Check {
	return func() *FieldError {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return &FieldError{Field: field, Message: "must be a finite number"}
		}
		if value <= 0 {
			return &FieldError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

func lengthMessage(min, max int) string {
	if min == max {
		return "must be exactly " + strconv.Itoa(min) + " characters"
	}
	return "must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max) + " characters"
}
