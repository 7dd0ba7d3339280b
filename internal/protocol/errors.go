package protocol

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error codes shared across the HTTP surface.
const (
	CodeInvalidNonce      = "INVALID_NONCE"
	CodeNonceAlreadyUsed  = "NONCE_ALREADY_USED"
	CodeNonceExpired      = "NONCE_EXPIRED"
	CodeNonceNotFound     = "NONCE_NOT_FOUND"
	CodeSignatureInvalid  = "SIGNATURE_INVALID"
	CodePaymentMismatch   = "PAYMENT_MISMATCH"
	CodeSubmitFailed      = "SUBMIT_FAILED"
	CodePaymentRequired   = "PAYMENT_REQUIRED"
	CodeMissingSplitID    = "MISSING_SPLIT_ID"
	CodeMissingRecipients = "MISSING_RECIPIENTS"
	CodeInvalidRecipient  = "INVALID_RECIPIENT"
	CodeInvalidPublicKey  = "INVALID_PUBLIC_KEY"
	CodeKeypairMismatch   = "KEYPAIR_MISMATCH"
	CodeMerchantNotFound  = "MERCHANT_NOT_FOUND"
	CodeMissingFields     = "MISSING_FIELDS"
	CodeInternal          = "INTERNAL"
)

// APIError is the error half of the response envelope.
type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Status  int    `json:"status"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// NewError builds an APIError for packages layered on the protocol surface.
func NewError(status int, code, message string) *APIError {
	return apiError(status, code, message)
}

func apiError(status int, code, message string) *APIError {
	return &APIError{Message: message, Code: code, Status: status}
}

// OK writes the success envelope.
func OK(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

// Fail writes the error envelope. Anything that is not an APIError is
// reported as an opaque internal error.
func Fail(c *gin.Context, err error) {
	var ae *APIError
	if !errors.As(err, &ae) {
		ae = apiError(http.StatusInternalServerError, CodeInternal, "internal error")
	}
	c.JSON(ae.Status, gin.H{"success": false, "error": ae})
}

// AbortWith writes the error envelope and stops the handler chain.
func AbortWith(c *gin.Context, err error) {
	Fail(c, err)
	c.Abort()
}
