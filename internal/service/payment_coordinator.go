package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Callback parameters sent by the payment gateway
const (
	ParamTxnRef         = "txn_ref"
	ParamResponseCode   = "response_code"
	ParamTransactionNo  = "transaction_no"
	ParamAmount         = "amount"
	ParamSecureHash     = "secure_hash"
	ParamSecureHashType = "secure_hash_type"
)

// Acknowledgement codes returned to the gateway. Anything but AckAccepted is retried.
const (
	AckAccepted         = "00"
	AckCheckoutNotFound = "01"
	AckInvalidSignature = "97"
	AckProcessingError  = "99"

	paymentSuccessCode = "00"
)

// CallbackOutcome is the acknowledgement body the gateway expects
type CallbackOutcome struct {
	Code    string `json:"RspCode"`
	Message string `json:"Message"`
}

// SignatureVerifier checks gateway callback signatures (HMAC-SHA512 over the sorted parameters)
type SignatureVerifier struct {
	secret []byte
}

func NewSignatureVerifier(secret string) *SignatureVerifier {
	return &SignatureVerifier{secret: []byte(secret)}
}

// Sign returns the hex signature of params, ignoring the signature fields themselves
func (v *SignatureVerifier) Sign(params map[string]string) string {
	mac := hmac.New(sha512.New, v.secret)
	mac.Write([]byte(canonicalQuery(params)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature on params. Every failure wraps ErrSignatureInvalid.
func (v *SignatureVerifier) Verify(params map[string]string) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: no hash secret configured", ErrSignatureInvalid)
	}

	raw := params[ParamSecureHash]
	if raw == "" {
		return fmt.Errorf("%w: missing %s", ErrSignatureInvalid, ParamSecureHash)
	}
	got, err := hex.DecodeString(strings.ToLower(raw))
	if err != nil {
		return fmt.Errorf("%w: malformed hash: %v", ErrSignatureInvalid, err)
	}

	want, _ := hex.DecodeString(v.Sign(params))
	if !hmac.Equal(got, want) {
		return fmt.Errorf("%w: hash mismatch", ErrSignatureInvalid)
	}
	return nil
}

func canonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, val := range params {
		if k == ParamSecureHash || k == ParamSecureHashType || val == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = url.QueryEscape(k) + "=" + url.QueryEscape(params[k])
	}
	return strings.Join(parts, "&")
}

// PaymentCoordinator turns gateway callbacks into checkout confirmations or cancellations
type PaymentCoordinator struct {
	checkouts CheckoutFinalizer
	payments  PaymentStore
	verifier  *SignatureVerifier
	logger    *zap.Logger
}

// NewPaymentCoordinator creates a new payment coordinator
func NewPaymentCoordinator(checkouts CheckoutFinalizer, payments PaymentStore, verifier *SignatureVerifier) *PaymentCoordinator {
	return &PaymentCoordinator{
		checkouts: checkouts,
		payments:  payments,
		verifier:  verifier,
		logger:    util.ComponentLogger("payment"),
	}
}

// HandleCallback verifies and applies one callback. Callbacks may arrive more
// than once; a checkout already terminal is acknowledged without side effects.
func (p *PaymentCoordinator) HandleCallback(ctx context.Context, params map[string]string) CallbackOutcome {
	ctx, span := util.StartSpan(ctx, "PaymentCoordinator.HandleCallback")
	defer span.End()

	outcome := p.handle(ctx, params)
	span.SetAttributes(attribute.String("ack_code", outcome.Code))
	util.PaymentCallbacksTotal.WithLabelValues(outcome.Code).Inc()
	return outcome
}

func (p *PaymentCoordinator) handle(ctx context.Context, params map[string]string) CallbackOutcome {
	if err := p.verifier.Verify(params); err != nil {
		p.logger.Warn("Rejected payment callback", zap.String("txn_ref", params[ParamTxnRef]), zap.Error(err))
		return CallbackOutcome{Code: AckInvalidSignature, Message: "Invalid signature"}
	}

	checkoutID := params[ParamTxnRef]
	if _, err := uuid.Parse(checkoutID); err != nil {
		return CallbackOutcome{Code: AckCheckoutNotFound, Message: "Order not found"}
	}

	c, err := p.payments.GetCheckoutByID(ctx, checkoutID)
	if err != nil {
		p.logger.Error("Failed to load checkout for callback", zap.String("checkout_id", checkoutID), zap.Error(err))
		return CallbackOutcome{Code: AckProcessingError, Message: "Unknown error"}
	}
	if c == nil {
		return CallbackOutcome{Code: AckCheckoutNotFound, Message: "Order not found"}
	}

	amount, _ := strconv.ParseInt(params[ParamAmount], 10, 64)
	responseCode := params[ParamResponseCode]
	if _, err := p.payments.RecordPayment(ctx, &models.Payment{
		CheckoutID:   c.ID,
		GatewayTxnID: params[ParamTransactionNo],
		ResponseCode: responseCode,
		SecureHash:   params[ParamSecureHash],
		Amount:       amount,
	}); err != nil {
		p.logger.Error("Failed to record payment", zap.String("checkout_id", c.ID), zap.Error(err))
		return CallbackOutcome{Code: AckProcessingError, Message: "Unknown error"}
	}

	if c.IsTerminal() {
		p.logger.Info("Callback for finished checkout",
			zap.String("checkout_id", c.ID),
			zap.String("status", c.Status))
		return CallbackOutcome{Code: AckAccepted, Message: "Confirm Success"}
	}

	if responseCode == paymentSuccessCode {
		_, err = p.checkouts.ConfirmCheckout(ctx, c.ID, c.UserID)
	} else {
		_, err = p.checkouts.CancelCheckout(ctx, c.ID, c.UserID)
	}

	switch {
	case err == nil:
		return CallbackOutcome{Code: AckAccepted, Message: "Confirm Success"}
	case errors.Is(err, ErrHoldExpired), errors.Is(err, ErrInvalidState):
		// retrying cannot change the outcome; the payment row is kept for reconciliation
		p.logger.Error("Payment for checkout that can no longer be confirmed",
			zap.String("checkout_id", c.ID),
			zap.String("response_code", responseCode),
			zap.Error(err))
		return CallbackOutcome{Code: AckAccepted, Message: "Confirm Success"}
	default:
		p.logger.Warn("Callback processing failed, gateway will retry",
			zap.String("checkout_id", c.ID),
			zap.Error(err))
		return CallbackOutcome{Code: AckProcessingError, Message: "Unknown error"}
	}
}
