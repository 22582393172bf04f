package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	balancedomain "github.com/smallbiznis/quotara/internal/balance/domain"
)

// Track applies one usage event against the customer's balance and returns
// the allow/deny decision.
func (s *Server) Track(c *gin.Context) {
	var req balancedomain.DeductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.balanceSvc.Deduct(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Check previews whether a deduction would be allowed without mutating
// anything. Reads may be stale up to the cache TTL.
func (s *Server) Check(c *gin.Context) {
	var req balancedomain.CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.balanceSvc.Check(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// SetBalance pins a feature balance to an absolute value. This is the
// operator override surface: a value above the granted allowance stays
// spendable as a one-off credit until the next reset rebases the row.
func (s *Server) SetBalance(c *gin.Context) {
	var req balancedomain.SetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.balanceSvc.Set(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ListBalances returns the customer's current balances from the ledger.
func (s *Server) ListBalances(c *gin.Context) {
	customerID := strings.TrimSpace(c.Param("id"))
	if customerID == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	views, err := s.balanceSvc.ListBalances(c.Request.Context(), customerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"balances": views})
}

// RefreshBalances rebuilds the customer's cache entry from the ledger.
func (s *Server) RefreshBalances(c *gin.Context) {
	customerID := strings.TrimSpace(c.Param("id"))
	if customerID == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.balanceSvc.Refresh(c.Request.Context(), customerID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
