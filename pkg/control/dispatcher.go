package control

import (
	"context"
	"fmt"
	"sync"

	"pointerguard/pkg/lifecycle"
	"pointerguard/pkg/notify"
	"pointerguard/pkg/structlog"
	"pointerguard/shared/types"
)

// Trainer fits and publishes a model. *lifecycle.Manager satisfies it.
type Trainer interface {
	Train(ctx context.Context, identity string) (*types.ModelArtifact, error)
}

// Alerter is the escalation surface commands act on.
// *escalation.Escalator satisfies it.
type Alerter interface {
	ManualAlert(ctx context.Context, identity string, sev notify.Severity, message string)
	CancelCountdown(ctx context.Context, identity string) error
	Reset(ctx context.Context, identity, reason string)
	Forget(identity string)
}

// Monitor starts and stops scoring loops. *scoring.Supervisor satisfies it.
type Monitor interface {
	Start(ctx context.Context, identity string) error
	Stop(identity string) error
	Monitored() []string
}

// RetrainSource publishes retrain events. *lifecycle.Manager satisfies it.
type RetrainSource interface {
	OnRetrain(h lifecycle.RetrainHook)
}

// ResetOnRetrain clears an identity's alert state whenever a new model for
// it is published.
func ResetOnRetrain(src RetrainSource, a Alerter) {
	src.OnRetrain(func(ctx context.Context, art *types.ModelArtifact) {
		a.Reset(ctx, art.IdentityID, "retrain")
	})
}

type reply struct {
	res Result
	err error
}

type envelope struct {
	ctx   context.Context
	cmd   Command
	reply chan reply
}

// Dispatcher applies commands one at a time on its own goroutine. Retrains
// run beside it so a long fit never delays another identity's commands.
type Dispatcher struct {
	trainer Trainer
	alerter Alerter
	monitor Monitor
	quit    func()
	log     *structlog.Logger

	cmds     chan envelope
	done     chan struct{}
	training sync.WaitGroup
}

// NewDispatcher creates a dispatcher. quit is called for CmdQuit and may be
// nil.
func NewDispatcher(t Trainer, a Alerter, m Monitor, quit func(), log *structlog.Logger) *Dispatcher {
	if log == nil {
		log = structlog.Nop()
	}
	return &Dispatcher{
		trainer: t,
		alerter: a,
		monitor: m,
		quit:    quit,
		log:     log.Component("control"),
		cmds:    make(chan envelope),
		done:    make(chan struct{}),
	}
}

// Run serves commands until ctx is done or a quit command is applied.
// Monitoring loops started by commands live as long as ctx. Run must be
// called once.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	defer d.training.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-d.cmds:
			if env.cmd.Kind == CmdRetrain {
				d.training.Add(1)
				go func() {
					defer d.training.Done()
					res, err := d.apply(ctx, env.ctx, env.cmd)
					env.reply <- reply{res: res, err: err}
				}()
				continue
			}
			res, err := d.apply(ctx, env.ctx, env.cmd)
			env.reply <- reply{res: res, err: err}
			if env.cmd.Kind == CmdQuit {
				return nil
			}
		}
	}
}

// Submit queues cmd and waits for its result.
func (d *Dispatcher) Submit(ctx context.Context, cmd Command) (Result, error) {
	if err := cmd.Validate(); err != nil {
		return Result{}, err
	}
	env := envelope{ctx: ctx, cmd: cmd, reply: make(chan reply, 1)}
	select {
	case d.cmds <- env:
	case <-d.done:
		return Result{}, ErrDispatcherStopped
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case r := <-env.reply:
		return r.res, r.err
	case <-d.done:
		// Run replies before it exits, so a quit still gets its result.
		select {
		case r := <-env.reply:
			return r.res, r.err
		default:
			return Result{}, ErrDispatcherStopped
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (d *Dispatcher) apply(runCtx, ctx context.Context, cmd Command) (Result, error) {
	res := Result{Command: cmd.Kind.String(), IdentityID: cmd.IdentityID}
	d.log.WithContext(ctx).AuditLog("control_command", structlog.Fields{
		"command":  cmd.Kind.String(),
		"identity": cmd.IdentityID,
		"operator": cmd.Operator,
	})

	var err error
	switch cmd.Kind {
	case CmdRetrain:
		var art *types.ModelArtifact
		if art, err = d.trainer.Train(ctx, cmd.IdentityID); err == nil {
			res.Model = modelInfo(art)
		}
	case CmdManualAlert:
		d.alerter.ManualAlert(ctx, cmd.IdentityID, cmd.Severity, cmd.Message)
	case CmdCancelCountdown:
		err = d.alerter.CancelCountdown(ctx, cmd.IdentityID)
	case CmdResetAlerts:
		d.alerter.Reset(ctx, cmd.IdentityID, "operator")
	case CmdStartMonitor:
		err = d.monitor.Start(runCtx, cmd.IdentityID)
	case CmdStopMonitor:
		if err = d.monitor.Stop(cmd.IdentityID); err == nil {
			d.alerter.Forget(cmd.IdentityID)
		}
	case CmdQuit:
		if d.quit != nil {
			d.quit()
		}
	}
	if err != nil {
		d.log.WithContext(ctx).ForIdentity(cmd.IdentityID).Warn().Err(err).Str("command", cmd.Kind.String()).Msg("command failed")
		return res, fmt.Errorf("%s %s: %w", cmd.Kind, cmd.IdentityID, err)
	}
	return res, nil
}
