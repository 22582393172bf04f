package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/quotara/internal/attach/executor"
)

// Attach evaluates the plan change and executes it. When a processor action
// fails the response carries the required action instead of a committed plan.
func (s *Server) Attach(c *gin.Context) {
	var req executor.AttachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.attachSvc.Attach(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if result.RequiredAction != nil {
		c.JSON(http.StatusPaymentRequired, result)
		return
	}
	c.JSON(http.StatusOK, result)
}
