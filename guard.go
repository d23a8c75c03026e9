package periodic

import (
	"context"
	"fmt"
	"maps"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TaskFunc is a task body.
type TaskFunc func(ctx context.Context, args []any, kwargs map[string]any) error

// Outcome tells whether a guarded body ran.
type Outcome int

const (
	Ran Outcome = iota
	// Skipped means the permit was unknown or no longer pending.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Ran:
		return "ran"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Guard wraps a task body so that each permit runs it at most once.
type Guard struct {
	config *Config
	fn     TaskFunc
	logger zerolog.Logger
}

func NewGuard(config *Config, fn TaskFunc) (*Guard, error) {
	if config.store == nil {
		return nil, ErrMissingStore
	}

	return &Guard{
		config: config,
		fn:     fn,
		logger: config.logger.With().Str("component", "guard").Logger(),
	}, nil
}

// Invoke runs the body. When kwargs carry a non-null PermitKwarg the key is
// removed and the call goes through InvokeWithPermit; otherwise the body runs
// unguarded.
func (g *Guard) Invoke(ctx context.Context, args []any, kwargs map[string]any) (Outcome, error) {
	raw, ok := kwargs[PermitKwarg]
	if !ok {
		return Ran, g.fn(ctx, args, kwargs)
	}

	rest := maps.Clone(kwargs)
	delete(rest, PermitKwarg)
	if raw == nil {
		return Ran, g.fn(ctx, args, rest)
	}

	return g.InvokeWithPermit(ctx, args, rest, fmt.Sprint(raw))
}

// InvokeWithPermit runs the body only if permitID names a pending permit,
// then completes the permit in the same transaction. Concurrent callers
// with one permit block on its row lock and all but one skip.
// A body error rolls the transaction back and leaves the permit pending.
func (g *Guard) InvokeWithPermit(ctx context.Context, args []any, kwargs map[string]any, permitID string) (Outcome, error) {
	id, err := uuid.Parse(permitID)
	if err != nil {
		g.skip(permitID, "malformed permit id")
		return Skipped, nil
	}

	outcome := Skipped
	err = g.config.store.InTx(ctx, func(tx Tx) error {
		exec, err := tx.LockPendingExecution(ctx, id.String())
		if err != nil {
			return err
		}
		if exec == nil {
			return nil
		}

		outcome = Ran
		if err := g.fn(ctx, args, kwargs); err != nil {
			return err
		}

		return tx.CompleteExecution(ctx, exec.ID, g.config.now())
	})
	if err != nil {
		return outcome, err
	}

	if outcome == Skipped {
		g.skip(permitID, "permit not found or not pending")
	}

	return outcome, nil
}

func (g *Guard) skip(permitID, reason string) {
	g.config.metrics.skipped.Inc()
	g.logger.Warn().Str("execution", permitID).Msg(reason + ", skipping")
}
