package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	GetByCode(ctx context.Context, orgID snowflake.ID, code string) (*Feature, error)
	// CreditFeatureFor returns the credit_system feature whose schema covers
	// the given metered feature code, if one exists for the org.
	CreditFeatureFor(ctx context.Context, orgID snowflake.ID, code string) (*Feature, error)
}
