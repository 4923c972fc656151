// Package fake implements an in-memory board for tests.
package fake

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/betaBison/umnitsa/board"
)

// Board is a fake board. Pins are created on first use unless preset in GPIOPins.
type Board struct {
	mu       sync.Mutex
	GPIOPins map[string]board.GPIOPin
	Closed   bool
	// FailNames lists pin names GPIOPinByName refuses to hand out.
	FailNames map[string]bool
}

// NewBoard returns a new fake board.
func NewBoard() *Board {
	return &Board{GPIOPins: map[string]board.GPIOPin{}}
}

// GPIOPinByName returns the GPIO pin by the given name, creating it if needed.
func (b *Board) GPIOPinByName(name string) (board.GPIOPin, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.FailNames[name] {
		return nil, errors.Errorf("no pin named %q", name)
	}
	p, ok := b.GPIOPins[name]
	if !ok {
		p = &GPIOPin{}
		b.GPIOPins[name] = p
	}
	return p, nil
}

// Pin returns the fake pin of the given name, creating it if needed.
func (b *Board) Pin(name string) *GPIOPin {
	p, err := b.GPIOPinByName(name)
	if err != nil {
		return nil
	}
	fp, _ := p.(*GPIOPin)
	return fp
}

// Close marks the board closed.
func (b *Board) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Closed = true
	return nil
}

// A GPIOPin reads back the same set values.
type GPIOPin struct {
	mu      sync.Mutex
	high    bool
	pwm     float64
	pwmFreq uint
	pwmSet  bool
	writes  int

	// SetErr, when non-nil, is returned by every write.
	SetErr error
}

// Set sets the pin to either low or high.
func (gp *GPIOPin) Set(ctx context.Context, high bool) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.SetErr != nil {
		return gp.SetErr
	}
	gp.high = high
	gp.pwm = 0
	gp.pwmSet = false
	gp.writes++
	return nil
}

// Get gets the high/low state of the pin.
func (gp *GPIOPin) Get(ctx context.Context) (bool, error) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	return gp.high, nil
}

// SetPWM sets the pin to the given duty cycle.
func (gp *GPIOPin) SetPWM(ctx context.Context, dutyCycle float64) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.SetErr != nil {
		return gp.SetErr
	}
	gp.pwm = dutyCycle
	gp.pwmSet = true
	gp.writes++
	return nil
}

// SetPWMFreq sets the given pin to the given PWM frequency.
func (gp *GPIOPin) SetPWMFreq(ctx context.Context, freqHz uint) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.SetErr != nil {
		return gp.SetErr
	}
	gp.pwmFreq = freqHz
	return nil
}

// High reports the last digital level written.
func (gp *GPIOPin) High() bool {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	return gp.high
}

// PWM returns the last duty cycle written and whether one is active.
func (gp *GPIOPin) PWM() (float64, bool) {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	return gp.pwm, gp.pwmSet
}

// PWMFreq returns the last PWM frequency written.
func (gp *GPIOPin) PWMFreq() uint {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	return gp.pwmFreq
}

// Writes returns how many level or duty writes the pin has seen.
func (gp *GPIOPin) Writes() int {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	return gp.writes
}
