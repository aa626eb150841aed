package billinghttp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

// MaxWebhookBodySize caps provider webhook bodies.
const MaxWebhookBodySize = 64 << 10

// WebhookProcessor verifies and applies one provider webhook.
// *subscription.Service implements it.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) (subscription.Result, error)
}

// WebhookHandler reads the raw body, passes it with the signature header to
// svc and answers with the status the provider expects: 2xx acknowledges,
// 4xx rejects permanently, 5xx asks for a retry.
func WebhookHandler(svc WebhookProcessor, signatureHeader string, log *slog.Logger) http.HandlerFunc {
	if svc == nil {
		panic("billinghttp: WebhookProcessor is required")
	}
	if log == nil {
		log = logger.Discard()
	}

	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBodySize))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, ErrRequestEntityTooLarge, nil)
				return
			}
			log.WarnContext(r.Context(), "Failed to read webhook body", logger.Error(err))
			writeError(w, ErrBadRequest, nil)
			return
		}

		res, err := svc.HandleWebhook(r.Context(), body, r.Header.Get(signatureHeader))
		if err != nil {
			writeError(w, WebhookError(err), nil)
			return
		}

		writeJSON(w, http.StatusOK, JSONResponse{
			Code: "received",
			Data: map[string]string{
				"event_id": res.EventID,
				"outcome":  string(res.Outcome),
			},
		})
	}
}

// WebhookError maps a processing error to the webhook response.
func WebhookError(err error) HTTPError {
	switch {
	case errors.Is(err, subscription.ErrSignatureInvalid),
		errors.Is(err, subscription.ErrInvalidPayload),
		errors.Is(err, subscription.ErrMissingReference):
		return HTTPError{Code: http.StatusBadRequest, Key: subscription.Reason(err)}
	case errors.Is(err, subscription.ErrUserNotFound):
		return HTTPError{Code: http.StatusNotFound, Key: subscription.Reason(err)}
	default:
		return HTTPError{Code: http.StatusInternalServerError, Key: subscription.Reason(err)}
	}
}
