package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-listener/internal/app"
	"go-listener/internal/broker"
	"go-listener/internal/config"
	"go-listener/internal/inmemory"
	"go-listener/internal/observability"
	"go-listener/pkg/models"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	if err := newProducerCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, app.ErrInvalidConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func sampleOrder() map[string]interface{} {
	return map[string]interface{}{
		"event_type":  "order_created",
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
		"order_id":    "ORD-2025-001234",
		"customer_id": "CUST-567890",
		"items": []interface{}{
			map[string]interface{}{
				"product_id": "PROD-111",
				"name":       "iPhone 15 Pro",
				"quantity":   1,
				"price":      42900.00,
			},
			map[string]interface{}{
				"product_id": "PROD-222",
				"name":       "AirPods Pro",
				"quantity":   1,
				"price":      8990.00,
			},
		},
		"total_amount": "51890.00",
		"currency":     "THB",
		"status":       "pending",
	}
}

// buildPublishing uses body when given, the sample order otherwise.
func buildPublishing(exchange, routingKey, body string, retryCount int) (models.Publishing, error) {
	payload := []byte(body)
	if body == "" {
		var err error
		payload, err = json.Marshal(sampleOrder())
		if err != nil {
			return models.Publishing{}, err
		}
	} else if !json.Valid(payload) {
		return models.Publishing{}, fmt.Errorf("%w: body is not valid JSON", app.ErrInvalidConfig)
	}

	headers := map[string]string{models.HeaderMessageID: uuid.NewString()}
	if retryCount > 0 {
		headers[models.HeaderRetryCount] = fmt.Sprint(retryCount)
	}
	return models.Publishing{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Body:       payload,
		Headers:    headers,
	}, nil
}

func newProducerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "producer routing-key [connection]",
		Short:         "Publish a JSON message and wait for the broker confirm",
		Args:          cobra.RangeArgs(1, 2),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			exchange, _ := cmd.Flags().GetString("exchange")
			body, _ := cmd.Flags().GetString("body")
			retryCount, _ := cmd.Flags().GetInt("retry-count")

			connection := config.DefaultConnection
			if len(args) > 1 {
				connection = args[1]
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("%w: %w", app.ErrInvalidConfig, err)
			}
			observability.InitLogger(cfg.Logging.Level)
			logger := observability.GetLogger()

			zapLogger, err := observability.NewZapLogger(cfg.Logging.Level)
			if err != nil {
				return err
			}
			defer zapLogger.Sync()

			connector, err := broker.NewConnector(cfg.Connections, app.Dialers(observability.WithField("connection", connection), zapLogger, inmemory.NewBroker()))
			if err != nil {
				return fmt.Errorf("%w: %w", app.ErrInvalidConfig, err)
			}
			if _, err := connector.Lookup(connection); err != nil {
				return fmt.Errorf("%w: %w", app.ErrInvalidConfig, err)
			}

			pub, err := buildPublishing(exchange, args[0], body, retryCount)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			client, err := connector.Connect(ctx, connection)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Publish(ctx, pub); err != nil {
				return fmt.Errorf("publish to %s: %w", pub.RoutingKey, err)
			}

			logger.WithField("message_id", pub.Headers[models.HeaderMessageID]).
				WithField("routing_key", pub.RoutingKey).
				Info("Send message success.")
			return nil
		},
	}

	cmd.Flags().String("exchange", models.DirectExchange, "exchange to publish to")
	cmd.Flags().String("body", "", "JSON body (default: a sample order_created event)")
	cmd.Flags().Int("retry-count", 0, "retry-count header to set")
	cmd.Flags().String("config", "", "path to a YAML or JSON config file")
	return cmd
}
