// Package drive turns velocity commands into motor driver outputs. Wheels M1 and M2 sit on
// driver board DB1 and wheels M3 and M4 on driver board DB2. Each wheel is driven by one PWM
// line whose duty cycle encodes a signed throttle around a 50% neutral point.
package drive

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/betaBison/umnitsa/board"
	"github.com/betaBison/umnitsa/clip"
	"github.com/betaBison/umnitsa/mecanum"
)

// DefaultPWMFreqHz is the wheel PWM frequency used when none is configured.
const DefaultPWMFreqHz = 500

// NeutralDutyCycle is the duty cycle of a zero throttle.
const NeutralDutyCycle = 0.5

// Pins names the board lines of both driver boards.
type Pins struct {
	DB1 string `mapstructure:"db1"`
	M1  string `mapstructure:"m1"`
	M2  string `mapstructure:"m2"`
	DB2 string `mapstructure:"db2"`
	M3  string `mapstructure:"m3"`
	M4  string `mapstructure:"m4"`
}

// Validate ensures all parts of the config are valid.
func (p *Pins) Validate(path string) error {
	for _, f := range []struct{ name, value string }{
		{"db1", p.DB1}, {"m1", p.M1}, {"m2", p.M2},
		{"db2", p.DB2}, {"m3", p.M3}, {"m4", p.M4},
	} {
		if f.value == "" {
			return goutils.NewConfigValidationFieldRequiredError(path, f.name)
		}
	}
	return nil
}

// An Actuator drives the wheels.
type Actuator interface {
	// Apply sets each wheel's throttle and enables both driver boards.
	Apply(ctx context.Context, throttles mecanum.Throttles) error
	// Disable de-energizes both driver boards. Wheel duty cycles are left untouched.
	Disable(ctx context.Context) error
}

var _ = Actuator(&Output{})

// Output is the actuator of the two driver boards.
type Output struct {
	mu       sync.Mutex
	wheels   [mecanum.NumWheels]board.GPIOPin
	enables  [2]board.GPIOPin
	isMoving atomic.Bool
	logger   golog.Logger
}

// DutyCycle maps a throttle in [-1, 1] onto a duty cycle in [0, 1].
func DutyCycle(throttle float64) float64 {
	return NeutralDutyCycle + throttle*NeutralDutyCycle
}

// NewOutput claims the six driver lines from b. Both boards start disabled with every wheel
// parked at the neutral duty cycle.
func NewOutput(ctx context.Context, b board.Board, pins Pins, pwmFreqHz uint, logger golog.Logger) (*Output, error) {
	if pwmFreqHz == 0 {
		pwmFreqHz = DefaultPWMFreqHz
	}
	o := &Output{logger: logger}

	for i, name := range []string{pins.DB1, pins.DB2} {
		p, err := b.GPIOPinByName(name)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot get enable line %q", name)
		}
		o.enables[i] = p
	}
	for i, name := range []string{pins.M1, pins.M2, pins.M3, pins.M4} {
		p, err := b.GPIOPinByName(name)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot get wheel line %q", name)
		}
		o.wheels[i] = p
	}

	if err := o.Disable(ctx); err != nil {
		return nil, err
	}
	for i, p := range o.wheels {
		if err := p.SetPWMFreq(ctx, pwmFreqHz); err != nil {
			return nil, errors.Wrapf(err, "cannot set pwm frequency of wheel %d", i+1)
		}
		if err := p.SetPWM(ctx, NeutralDutyCycle); err != nil {
			return nil, errors.Wrapf(err, "cannot park wheel %d", i+1)
		}
	}
	return o, nil
}

// Apply sets each wheel's duty cycle from its throttle, then enables both driver boards.
func (o *Output) Apply(ctx context.Context, throttles mecanum.Throttles) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, p := range o.wheels {
		if err := p.SetPWM(ctx, DutyCycle(throttles[i])); err != nil {
			return errors.Wrapf(err, "cannot set duty cycle of wheel %d", i+1)
		}
	}
	for i, p := range o.enables {
		if err := p.Set(ctx, true); err != nil {
			return errors.Wrapf(err, "cannot enable driver board %d", i+1)
		}
	}
	o.isMoving.Store(true)
	return nil
}

// Disable de-energizes both driver boards. Both enables are attempted even if one fails.
func (o *Output) Disable(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var err error
	for i, p := range o.enables {
		err = multierr.Append(err, errors.Wrapf(p.Set(ctx, false), "cannot disable driver board %d", i+1))
	}
	if err == nil {
		o.isMoving.Store(false)
	}
	return err
}

// IsMoving reports whether the driver boards are enabled.
func (o *Output) IsMoving() bool {
	return o.isMoving.Load()
}

// A Maneuver is a fixed motion used to check the wiring of a base.
type Maneuver string

// The canned maneuvers.
const (
	Clockwise        = Maneuver("cw")
	CounterClockwise = Maneuver("ccw")
	Forward          = Maneuver("forward")
	Backward         = Maneuver("backward")
	Right            = Maneuver("right")
	Left             = Maneuver("left")
)

// per-wheel throttle signs of each maneuver.
var maneuverSigns = map[Maneuver]mecanum.Throttles{
	Clockwise:        {1, 1, 1, 1},
	CounterClockwise: {-1, -1, -1, -1},
	Forward:          {-1, 1, 1, -1},
	Backward:         {1, -1, -1, 1},
	Right:            {1, -1, 1, -1},
	Left:             {-1, 1, -1, 1},
}

// Maneuvers lists every canned maneuver.
func Maneuvers() []Maneuver {
	return []Maneuver{Clockwise, CounterClockwise, Forward, Backward, Right, Left}
}

// Throttles returns the wheel throttles of m at the given throttle magnitude in [0, 1].
func (m Maneuver) Throttles(throttle float64) (mecanum.Throttles, error) {
	signs, ok := maneuverSigns[m]
	if !ok {
		return mecanum.Throttles{}, errors.Errorf("no such maneuver: %s", m)
	}
	throttle = clip.Clipper{Min: 0, Max: 1}.Clip(throttle)
	var out mecanum.Throttles
	for i, s := range signs {
		out[i] = s * throttle
	}
	return out, nil
}

// Maneuver drives m at the given throttle magnitude without going through the mixer.
func (o *Output) Maneuver(ctx context.Context, m Maneuver, throttle float64) error {
	throttles, err := m.Throttles(throttle)
	if err != nil {
		return err
	}
	o.logger.Debugw("maneuver", "maneuver", m, "throttles", throttles)
	return o.Apply(ctx, throttles)
}
