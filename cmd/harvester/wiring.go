package main

import (
	"context"
	"fmt"
	"log/slog"

	"list_harvester/internal/config"
	"list_harvester/internal/domain"
	"list_harvester/internal/identity"
	"list_harvester/internal/publisher"
	"list_harvester/internal/storage/database"
	"list_harvester/internal/transport"
)

func buildTransports(cfg *config.Config) (*transport.Pool, error) {
	endpoints := make([]*transport.Endpoint, 0, len(cfg.Transports))
	for _, t := range cfg.Transports {
		ep, err := transport.ParseEndpoint(t.Name, t.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrConfiguration, err)
		}
		endpoints = append(endpoints, ep)
	}
	return transport.NewPool(endpoints).WithRetryAfter(cfg.Health.RetryAfter), nil
}

func buildIdentities(cfg *config.Config) *identity.Pool {
	ids := make([]*identity.Identity, 0, len(cfg.Identities))
	for _, ic := range cfg.Identities {
		ids = append(ids, &identity.Identity{
			Name:        ic.Name,
			AuthToken:   ic.AuthToken,
			CSRFToken:   ic.CSRFToken,
			Transports:  ic.Transports,
			Fingerprint: ic.Fingerprint,
		})
	}
	return identity.NewPool(ids)
}

func openDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*database.Conn, error) {
	conn, err := database.Open(ctx, database.Config{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN(),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	logger.Info("connected to database", "driver", cfg.Database.Driver)
	return conn, nil
}

// buildNotifier returns nil when no notification hook is configured.
func buildNotifier(cfg *config.Config, logger *slog.Logger) (publisher.Notifier, error) {
	var hooks publisher.Multi

	if cfg.RabbitMQ.Enabled {
		rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			QueueName:  cfg.RabbitMQ.QueueName,
		}, logger)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, rabbitMQ)
	}
	if cfg.Webhook.URL != "" {
		hooks = append(hooks, publisher.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Timeout))
	}

	switch len(hooks) {
	case 0:
		return nil, nil
	case 1:
		return hooks[0], nil
	default:
		return hooks, nil
	}
}
