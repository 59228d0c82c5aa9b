package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hurttlocker/dornt/internal/events"
	"github.com/hurttlocker/dornt/internal/stage"
)

// Coordinator maps stage names to handlers and runs them under the stage
// lock. Stages without a registered handler fail with a clear message.
type Coordinator struct {
	runner    *stage.Runner
	handlers  map[stage.Name]stage.Handler
	publisher events.Publisher
	log       zerolog.Logger
}

// NewCoordinator returns a Coordinator. A nil publisher discards events.
func NewCoordinator(runner *stage.Runner, publisher events.Publisher, log zerolog.Logger) *Coordinator {
	if publisher == nil {
		publisher = events.Nop{}
	}
	c := &Coordinator{
		runner:    runner,
		handlers:  make(map[stage.Name]stage.Handler, len(stage.All)),
		publisher: publisher,
		log:       log.With().Str("component", "coordinator").Logger(),
	}
	for _, s := range stage.All {
		c.handlers[s] = unregistered(s)
	}
	return c
}

func unregistered(s stage.Name) stage.Handler {
	return func(context.Context) (any, error) {
		return nil, fmt.Errorf("no handler registered for stage %s", s)
	}
}

// Register installs h for name, replacing any previous handler.
func (c *Coordinator) Register(name stage.Name, h stage.Handler) error {
	if _, ok := c.handlers[name]; !ok {
		return fmt.Errorf("registering %q: %w", name, stage.ErrUnknownStage)
	}
	c.handlers[name] = h
	return nil
}

// Run executes one stage. The error is non-nil only for an unknown stage;
// every other outcome, including contention and handler failure, is in
// the Result.
func (c *Coordinator) Run(ctx context.Context, name stage.Name) (stage.Result, error) {
	h, ok := c.handlers[name]
	if !ok {
		return stage.Result{}, fmt.Errorf("running %q: %w", name, stage.ErrUnknownStage)
	}
	res := c.runner.Run(ctx, name, h)
	if err := c.publisher.Publish(context.WithoutCancel(ctx), res); err != nil {
		c.log.Warn().Err(err).Str("stage", string(name)).Msg("stage event not published")
	}
	return res, nil
}

// RunAll runs every stage in pipeline order and stops after the first
// stage that does not complete.
func (c *Coordinator) RunAll(ctx context.Context) []stage.Result {
	var out []stage.Result
	for _, s := range stage.All {
		res, _ := c.Run(ctx, s)
		out = append(out, res)
		if !res.OK() {
			break
		}
	}
	return out
}
