package orgcontext

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// Environment separates live traffic from sandbox traffic. Balances and
// processor subscriptions never cross environments.
type Environment string

const (
	EnvLive    Environment = "live"
	EnvSandbox Environment = "sandbox"
)

// OrgContextKey is the request context key for the active organization ID.
type OrgContextKey struct{}

// EnvContextKey is the request context key for the active environment.
type EnvContextKey struct{}

// WithOrgID stores the org ID in the context.
func WithOrgID(ctx context.Context, orgID int64) context.Context {
	return context.WithValue(ctx, OrgContextKey{}, orgID)
}

// WithEnv stores the environment in the context.
func WithEnv(ctx context.Context, env Environment) context.Context {
	return context.WithValue(ctx, EnvContextKey{}, env)
}

// OrgIDFromContext returns the org ID from context, if set.
func OrgIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}
	value := ctx.Value(OrgContextKey{})
	if value == nil {
		return 0, false
	}
	switch typed := value.(type) {
	case int64:
		return snowflake.ID(typed), true
	case snowflake.ID:
		return typed, true
	case string:
		parsed, err := snowflake.ParseString(strings.TrimSpace(typed))
		if err == nil {
			return parsed, true
		}
	}
	return 0, false
}

// EnvFromContext returns the environment from context, defaulting to live.
func EnvFromContext(ctx context.Context) Environment {
	if ctx == nil {
		return EnvLive
	}
	if value, ok := ctx.Value(EnvContextKey{}).(Environment); ok {
		switch value {
		case EnvLive, EnvSandbox:
			return value
		}
	}
	return EnvLive
}
