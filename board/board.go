// Package board defines the hardware output capability shared by the drive and ranging
// loops. Concrete backends live in the subpackages and are chosen once at startup.
package board

import (
	"context"

	"github.com/pkg/errors"
)

// A GPIOPin represents an individual line on a board.
type GPIOPin interface {
	// Set sets the pin to either low or high. Any PWM running on the pin stops.
	Set(ctx context.Context, high bool) error

	// Get gets the high/low state of the pin.
	Get(ctx context.Context) (bool, error)

	// SetPWM sets the pin to the given duty cycle, a fraction in [0, 1].
	SetPWM(ctx context.Context, dutyCycle float64) error

	// SetPWMFreq sets the PWM frequency of the pin. 0 keeps the backend default.
	SetPWMFreq(ctx context.Context, freqHz uint) error
}

// A Board hands out the lines it owns.
type Board interface {
	// GPIOPinByName returns the pin with the given name.
	GPIOPinByName(name string) (GPIOPin, error)

	// Close releases every line handed out by the board.
	Close(ctx context.Context) error
}

// Architecture selects which backend drives the motors.
type Architecture string

// The supported architectures.
const (
	// Raspi drives the motors straight from the host's PWM/GPIO lines.
	Raspi = Architecture("raspi")
	// Nano relays every motor line write through an external microcontroller.
	Nano = Architecture("nano")
)

// Validate ensures the architecture is one we have a backend for.
func (a Architecture) Validate() error {
	switch a {
	case Raspi, Nano:
		return nil
	default:
		return errors.Errorf("unknown architecture %q, expected %q or %q", a, Raspi, Nano)
	}
}
