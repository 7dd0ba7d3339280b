package protocol

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tributarylabs/split-settlement/internal/proof"
)

const proofContextKey = "payment_proof"

// PaymentRequired gates a route behind a verified payment proof. The proof is
// checked but its nonce is NOT consumed here; the handler consumes it right
// before doing the paid work, so a rejected request leaves no trace.
func PaymentRequired(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(proof.Header)
		if header == "" {
			AbortWith(c, apiError(http.StatusPaymentRequired, CodePaymentRequired,
				"missing "+proof.Header+" header"))
			return
		}

		p, err := proof.DecodeHeader(header)
		if err != nil {
			AbortWith(c, apiError(http.StatusPaymentRequired, CodePaymentRequired,
				"undecodable "+proof.Header+" header: "+err.Error()))
			return
		}

		if _, err := svc.Verify(c.Request.Context(), p); err != nil {
			var ae *APIError
			if errors.As(err, &ae) {
				// Keep the specific code, surface the payment-required status.
				AbortWith(c, apiError(http.StatusPaymentRequired, ae.Code, ae.Message))
				return
			}
			AbortWith(c, err)
			return
		}

		c.Set(proofContextKey, p)
		c.Next()
	}
}

// ProofFrom returns the verified proof stashed by PaymentRequired.
func ProofFrom(c *gin.Context) (*proof.Proof, bool) {
	v, ok := c.Get(proofContextKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*proof.Proof)
	return p, ok
}
