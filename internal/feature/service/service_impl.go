package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotara/internal/cache"
	"github.com/smallbiznis/quotara/internal/feature/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const resolverTTL = 10 * time.Minute

type ServiceParam struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository

	features       cache.Cache[string, *domain.Feature]
	creditFeatures cache.Cache[string, []domain.Feature]
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("feature.service"),
		repo: p.Repo,

		features:       cache.NewTTLCache[string, *domain.Feature](),
		creditFeatures: cache.NewTTLCache[string, []domain.Feature](),
	}
}

func (s *Service) GetByCode(ctx context.Context, orgID snowflake.ID, code string) (*domain.Feature, error) {
	key := orgID.String() + "|" + code
	if cached, ok := s.features.Get(key); ok {
		return cached, nil
	}

	feature, err := s.repo.FindByCode(ctx, s.db, orgID, code)
	if err != nil {
		return nil, err
	}
	if feature == nil {
		return nil, domain.ErrFeatureNotFound
	}

	s.features.Set(key, feature, resolverTTL)
	return feature, nil
}

func (s *Service) CreditFeatureFor(ctx context.Context, orgID snowflake.ID, code string) (*domain.Feature, error) {
	features, err := s.listCreditFeatures(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for i := range features {
		if _, ok := features[i].CreditCostFor(code); ok {
			return &features[i], nil
		}
	}
	return nil, nil
}

func (s *Service) listCreditFeatures(ctx context.Context, orgID snowflake.ID) ([]domain.Feature, error) {
	key := orgID.String()
	if cached, ok := s.creditFeatures.Get(key); ok {
		return cached, nil
	}
	features, err := s.repo.ListCreditFeatures(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	s.creditFeatures.Set(key, features, resolverTTL)
	return features, nil
}
