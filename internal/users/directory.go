package users

import (
	"context"

	"github.com/wolfman30/salon-subscriptions/internal/identity"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

// RoleDirectory mirrors roles into the identity provider's user metadata.
type RoleDirectory interface {
	PushRole(ctx context.Context, externalID string, role identity.Role) error
}

// LogDirectory records role pushes without calling the provider.
type LogDirectory struct {
	logger *logging.Logger
}

func NewLogDirectory(logger *logging.Logger) *LogDirectory {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogDirectory{logger: logger}
}

func (d *LogDirectory) PushRole(_ context.Context, externalID string, role identity.Role) error {
	d.logger.Info("identity directory role push skipped", "external_id", externalID, "role", role)
	return nil
}
