package bootstrap

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/wolfman30/salon-subscriptions/internal/config"
	"github.com/wolfman30/salon-subscriptions/internal/events"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

// BuildOutboxHandler publishes to SQS when a queue is configured and falls
// back to logging each event otherwise.
func BuildOutboxHandler(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) events.DeliveryHandler {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg == nil || awsCfg == nil || strings.TrimSpace(cfg.EventsQueueURL) == "" {
		logger.Info("events queue not configured; outbox events will be logged")
		return events.NewLogHandler(logger)
	}
	return events.NewSQSPublisher(sqs.NewFromConfig(*awsCfg), cfg.EventsQueueURL)
}
