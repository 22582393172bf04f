package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	processordomain "github.com/smallbiznis/quotara/internal/processor/domain"
)

const maxWebhookBody = 1 << 20

// HandleProcessorWebhook ingests one webhook delivery from the payment
// processor. The reconciler verifies the signature and deduplicates by event
// id, so a 200 here only means the delivery was accepted.
func (s *Server) HandleProcessorWebhook(c *gin.Context) {
	provider := c.Param("provider")
	if provider != s.reconcileProvider() {
		AbortWithError(c, processordomain.ErrProviderNotFound)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, processordomain.ErrInvalidPayload)
		return
	}

	if err := s.reconcileSvc.HandleEvent(c.Request.Context(), payload, c.Request.Header); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (s *Server) reconcileProvider() string {
	if s.cfg.ProcessorProvider != "" {
		return s.cfg.ProcessorProvider
	}
	return "fake"
}
