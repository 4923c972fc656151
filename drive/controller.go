package drive

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/betaBison/umnitsa/mecanum"
)

// ErrInvalidCommand is returned for commands that carry a NaN or infinite axis.
var ErrInvalidCommand = errors.New("velocity command must be finite")

// Controller routes velocity commands and operator events to the actuator.
type Controller struct {
	actuator Actuator
	settings Settings
	logger   golog.Logger
}

// NewController returns a controller driving actuator with boost mode off.
func NewController(actuator Actuator, logger golog.Logger) *Controller {
	return &Controller{actuator: actuator, logger: logger}
}

// UpdateOutput applies a velocity command. An all-zero command disables both driver boards
// instead of driving the wheels at neutral. Hardware errors are returned as is.
func (c *Controller) UpdateOutput(ctx context.Context, cmd mecanum.Command) error {
	if !cmd.IsFinite() {
		return errors.Wrapf(ErrInvalidCommand, "got %+v", cmd)
	}
	if cmd.IsZero() {
		c.logger.Debug("zero command, disabling drivers")
		return c.actuator.Disable(ctx)
	}
	throttles := mecanum.Mix(cmd, c.settings.Boost())
	c.logger.Debugw("motor outputs", "throttles", throttles, "boost", c.settings.Boost())
	return c.actuator.Apply(ctx, throttles)
}

// UpdateSettings applies an operator event.
func (c *Controller) UpdateSettings(e Event) {
	c.settings.Handle(e)
	if e.Type == ButtonEvent && e.Boost {
		c.logger.Infow("boost mode toggled", "boost", c.settings.Boost())
	}
}

// Boost reports whether boost mode is on.
func (c *Controller) Boost() bool {
	return c.settings.Boost()
}
