package server

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/quotara/internal/orgcontext"
	"go.uber.org/zap"
)

// OrgContext resolves the organization and environment of the request.
// Single-tenant deployments fall back to the configured default org.
func (s *Server) OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		orgHeader := strings.TrimSpace(c.GetHeader("X-Org-ID"))
		switch {
		case orgHeader != "":
			orgID, err := snowflake.ParseString(orgHeader)
			if err != nil {
				AbortWithError(c, ErrUnauthorized)
				return
			}
			ctx = orgcontext.WithOrgID(ctx, int64(orgID))
		case s.cfg.DefaultOrgID != 0:
			ctx = orgcontext.WithOrgID(ctx, s.cfg.DefaultOrgID)
		default:
			AbortWithError(c, ErrUnauthorized)
			return
		}

		env := orgcontext.EnvLive
		if strings.EqualFold(strings.TrimSpace(c.GetHeader("X-Env")), string(orgcontext.EnvSandbox)) {
			env = orgcontext.EnvSandbox
		}
		ctx = orgcontext.WithEnv(ctx, env)

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequestLogMiddleware emits one structured line per request.
func RequestLogMiddleware(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http.access")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.Last().Error()))
		}
		if c.Writer.Status() >= 500 {
			log.Error("request", fields...)
			return
		}
		log.Info("request", fields...)
	}
}
