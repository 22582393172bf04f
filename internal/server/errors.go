package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	attachdomain "github.com/smallbiznis/quotara/internal/attach/domain"
	balancedomain "github.com/smallbiznis/quotara/internal/balance/domain"
	custdomain "github.com/smallbiznis/quotara/internal/customer/domain"
	featuredomain "github.com/smallbiznis/quotara/internal/feature/domain"
	processordomain "github.com/smallbiznis/quotara/internal/processor/domain"
	productdomain "github.com/smallbiznis/quotara/internal/product/domain"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: "unauthorized"}

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, balancedomain.ErrInvalidValue):
		return http.StatusBadRequest, errorPayload{Type: "invalid_request", Message: errMessage(err, "invalid request")}

	case errors.Is(err, custdomain.ErrCustomerNotFound),
		errors.Is(err, featuredomain.ErrFeatureNotFound),
		errors.Is(err, productdomain.ErrProductNotFound),
		errors.Is(err, balancedomain.ErrEntityUnknown),
		errors.Is(err, processordomain.ErrProviderNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: err.Error()}

	case errors.Is(err, balancedomain.ErrNotEntitled):
		return http.StatusForbidden, errorPayload{Type: "not_entitled", Message: err.Error()}

	case errors.Is(err, attachdomain.ErrAttachInFlight):
		return http.StatusConflict, errorPayload{Type: "conflict", Message: err.Error()}

	case errors.Is(err, attachdomain.ErrNothingToAttach):
		return http.StatusBadRequest, errorPayload{Type: "invalid_request", Message: err.Error()}

	case errors.Is(err, processordomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{Type: "invalid_signature", Message: err.Error()}

	case errors.Is(err, processordomain.ErrInvalidPayload):
		return http.StatusBadRequest, errorPayload{Type: "invalid_payload", Message: err.Error()}

	case errors.Is(err, balancedomain.ErrCacheUnavailable):
		return http.StatusServiceUnavailable, errorPayload{Type: "service_unavailable", Message: "service unavailable"}

	default:
		// Includes ErrAmbiguousBranch and ErrCacheSeedFailed: operator
		// conditions, never surfaced with detail.
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}
}

func errMessage(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}
