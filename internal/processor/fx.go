package processor

import (
	"github.com/smallbiznis/quotara/internal/config"
	"github.com/smallbiznis/quotara/internal/processor/adapters/fake"
	"github.com/smallbiznis/quotara/internal/processor/adapters/stripe"
	"github.com/smallbiznis/quotara/internal/processor/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("processor",
	fx.Provide(
		func() *Registry {
			return NewRegistry(
				fake.NewFactory(),
				stripe.NewFactory(),
			)
		},
		func(cfg config.Config, registry *Registry) (domain.Client, error) {
			return registry.NewClient(cfg.ProcessorProvider, domain.ClientConfig{
				APIKey:        cfg.ProcessorAPIKey,
				WebhookSecret: cfg.ProcessorWebhookSecret,
				Timeout:       cfg.ProcessorTimeout,
			})
		},
	),
)
