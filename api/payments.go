package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"commitflow/apperr"
	"commitflow/contract"
	"commitflow/logger"
	"commitflow/payment"
)

const headerStripeSignature = "Stripe-Signature"

func (s *Server) createPayment(c *gin.Context) {
	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.ContractID) == "" || req.Amount == nil {
		badRequest(c, "contractId and amount are required")
		return
	}
	res, err := s.deps.Payments.CreatePaymentIntent(c.Request.Context(), payment.IntentRequest{
		ContractID: req.ContractID,
		OwnerID:    userID(c),
		Amount:     *req.Amount,
		Metadata:   req.metadata(),
	})
	if errors.Is(err, contract.ErrNotFound) {
		// an unknown contract is a bad reference in the request body, not a missing resource
		abortWithError(c, err, http.StatusBadRequest, "contract_not_found")
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPaymentResponse(res))
}

func (s *Server) getPayment(c *gin.Context) {
	pi, err := s.deps.Payments.IntentForOwner(c.Request.Context(), c.Param("intentId"), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toIntentResponse(pi))
}

// webhook acknowledges a provider delivery. Signature and payload problems
// are the sender's fault and answer 400; every other failure answers 500 so
// the provider redelivers.
func (s *Server) webhook(c *gin.Context) {
	body := c.Request.Body
	if s.cfg.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(c.Writer, body, s.cfg.MaxBodyBytes)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		badRequest(c, "unreadable webhook body")
		return
	}

	res, err := s.deps.Webhooks.Ingest(c.Request.Context(), payload, c.GetHeader(headerStripeSignature))
	if err != nil {
		if apperr.HTTPStatus(err) == http.StatusBadRequest {
			writeError(c, err)
			return
		}
		logger.FromContext(c.Request.Context(), log).WithError(err).Error("Webhook processing failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{
			Error:     errorDetail{Code: "webhook_processing_failed", Message: "webhook processing failed"},
			RequestID: c.GetString(ctxRequestID),
		})
		return
	}

	resp := gin.H{"received": true}
	if res.Duplicate {
		resp["duplicate"] = true
	}
	if res.Unverified {
		resp["warning"] = "signature verification disabled, event not processed"
	}
	c.JSON(http.StatusOK, resp)
}
