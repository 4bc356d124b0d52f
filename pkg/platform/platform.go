// Package platform executes session actions on the host.
package platform

import (
	"context"
	"fmt"

	"pointerguard/pkg/structlog"
)

// Action is a forced session action.
type Action string

const (
	ActionLock   Action = "lock"
	ActionLogout Action = "logout"
)

// Controller executes actions against the desktop session.
type Controller interface {
	Name() string
	Execute(ctx context.Context, action Action) error
}

// DryRunController only logs what it would have done.
type DryRunController struct {
	log *structlog.Logger
}

func NewDryRunController(log *structlog.Logger) *DryRunController {
	if log == nil {
		log = structlog.Nop()
	}
	return &DryRunController{log: log.Component("platform")}
}

func (d *DryRunController) Name() string { return "dry_run" }

func (d *DryRunController) Execute(_ context.Context, action Action) error {
	switch action {
	case ActionLock, ActionLogout:
	default:
		return fmt.Errorf("unknown platform action %q", action)
	}
	d.log.AuditLog("platform_action_dry_run", structlog.Fields{"action": string(action)})
	return nil
}
