// Package periph implements a board on the host's own GPIO and PWM lines using periph.io.
// Lines that cannot produce hardware PWM fall back to a software PWM loop.
package periph

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/betaBison/umnitsa/board"
)

var _ = board.Board(&Board{})

// DefaultPWMFreqHz is used until a pin is given its own frequency.
const DefaultPWMFreqHz = 500

// Config describes the native board.
type Config struct {
	// HardwarePWM tries the line's hardware PWM before falling back to software.
	HardwarePWM bool `mapstructure:"hardware_pwm"`
}

// hostInit loads the periph drivers. It's a variable so tests can run without hardware.
var hostInit = func() error {
	_, err := host.Init()
	return err
}

// lookupPin resolves a line name. It's a variable in case you need to override it during tests.
var lookupPin = gpioreg.ByName

// Board is a periph.io backed board.
type Board struct {
	mu          sync.RWMutex
	hardwarePWM bool
	pins        map[string]*gpioPin
	pwms        map[string]pwmSetting
	logger      golog.Logger

	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

type pwmSetting struct {
	dutyCycle gpio.Duty
	frequency physic.Frequency
	software  bool
}

// NewBoard initializes the host drivers and returns a board with no lines claimed.
func NewBoard(conf Config, logger golog.Logger) (*Board, error) {
	if err := hostInit(); err != nil {
		return nil, errors.Wrap(err, "cannot initialize gpio host drivers")
	}
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &Board{
		hardwarePWM: conf.HardwarePWM,
		pins:        map[string]*gpioPin{},
		pwms:        map[string]pwmSetting{},
		logger:      logger,
		cancelCtx:   cancelCtx,
		cancelFunc:  cancelFunc,
	}, nil
}

type gpioPin struct {
	b       *Board
	pin     gpio.PinIO
	pinName string
	input   bool
	output  bool
}

// GPIOPinByName returns the line registered under name.
func (b *Board) GPIOPinByName(name string) (board.GPIOPin, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gp, ok := b.pins[name]; ok {
		return gp, nil
	}
	pin := lookupPin(name)
	if pin == nil {
		return nil, errors.Errorf("no global pin found for %q", name)
	}
	gp := &gpioPin{b: b, pin: pin, pinName: name}
	b.pins[name] = gp
	return gp, nil
}

func (gp *gpioPin) Set(ctx context.Context, high bool) error {
	gp.b.mu.Lock()
	defer gp.b.mu.Unlock()

	delete(gp.b.pwms, gp.pinName)
	return gp.set(high)
}

// expects to already have lock acquired.
func (gp *gpioPin) set(high bool) error {
	l := gpio.Low
	if high {
		l = gpio.High
	}
	gp.input = false
	gp.output = true
	return gp.pin.Out(l)
}

func (gp *gpioPin) Get(ctx context.Context) (bool, error) {
	gp.b.mu.Lock()
	if !gp.input {
		if err := gp.pin.In(gpio.PullDown, gpio.NoEdge); err != nil {
			gp.b.mu.Unlock()
			return false, errors.Wrapf(err, "cannot set %q as input", gp.pinName)
		}
		gp.input = true
		gp.output = false
	}
	gp.b.mu.Unlock()
	return gp.pin.Read() == gpio.High, nil
}

// PWM gets the pin's given duty cycle.
func (gp *gpioPin) PWM() (float64, error) {
	gp.b.mu.RLock()
	defer gp.b.mu.RUnlock()

	pwm, ok := gp.b.pwms[gp.pinName]
	if !ok {
		return 0, errors.Errorf("missing pin %s", gp.pinName)
	}
	return float64(pwm.dutyCycle) / float64(gpio.DutyMax), nil
}

func (gp *gpioPin) SetPWM(ctx context.Context, dutyCycle float64) error {
	gp.b.mu.Lock()
	defer gp.b.mu.Unlock()

	last, alreadySet := gp.b.pwms[gp.pinName]
	if last.frequency == 0 {
		last.frequency = DefaultPWMFreqHz * physic.Hertz
	}
	last.dutyCycle = gpio.Duty(dutyCycle * float64(gpio.DutyMax))
	return gp.apply(last, alreadySet)
}

func (gp *gpioPin) SetPWMFreq(ctx context.Context, freqHz uint) error {
	gp.b.mu.Lock()
	defer gp.b.mu.Unlock()

	last, alreadySet := gp.b.pwms[gp.pinName]
	if freqHz == 0 {
		freqHz = DefaultPWMFreqHz
	}
	last.frequency = physic.Hertz * physic.Frequency(freqHz)
	return gp.apply(last, alreadySet)
}

// expects to already have lock acquired.
func (gp *gpioPin) apply(setting pwmSetting, alreadySet bool) error {
	gp.input = false
	gp.output = true
	loopRunning := alreadySet && setting.software
	if gp.b.hardwarePWM && !setting.software {
		err := gp.pin.PWM(setting.dutyCycle, setting.frequency)
		if err == nil {
			gp.b.pwms[gp.pinName] = setting
			return nil
		}
		gp.b.logger.Debugw("hardware pwm unavailable, using software pwm", "pin", gp.pinName, "error", err)
	}
	setting.software = true
	gp.b.pwms[gp.pinName] = setting
	if !loopRunning {
		gp.b.startSoftwarePWMLoop(gp)
	}
	return nil
}

// expects to already have lock acquired.
func (b *Board) startSoftwarePWMLoop(gp *gpioPin) {
	b.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		b.softwarePWMLoop(b.cancelCtx, gp)
	}, b.activeBackgroundWorkers.Done)
}

func (b *Board) softwarePWMLoop(ctx context.Context, gp *gpioPin) {
	for {
		cont := func() bool {
			b.mu.RLock()
			setting, ok := b.pwms[gp.pinName]
			if !ok || !setting.software {
				b.mu.RUnlock()
				b.logger.Debugw("pwm setting deleted; stopping", "pin", gp.pinName)
				return false
			}
			period := setting.frequency.Period()
			onPeriod := time.Duration(
				int64((float64(setting.dutyCycle) / float64(gpio.DutyMax)) * float64(period)),
			)
			level := gpio.Low
			if onPeriod > 0 {
				level = gpio.High
			}
			err := gp.pin.Out(level)
			b.mu.RUnlock()
			if err != nil {
				b.logger.Errorw("error setting pin", "pin", gp.pinName, "error", err)
				return true
			}
			if onPeriod <= 0 || onPeriod >= period {
				return goutils.SelectContextOrWait(ctx, period)
			}
			if !goutils.SelectContextOrWait(ctx, onPeriod) {
				return false
			}

			b.mu.RLock()
			if still, ok := b.pwms[gp.pinName]; ok && still.software {
				err = gp.pin.Out(gpio.Low)
			}
			b.mu.RUnlock()
			if err != nil {
				b.logger.Errorw("error setting pin", "pin", gp.pinName, "error", err)
				return true
			}
			return goutils.SelectContextOrWait(ctx, period-onPeriod)
		}()
		if !cont {
			return
		}
	}
}

// Close stops every software PWM loop, halts every claimed line and drives outputs low.
func (b *Board) Close(ctx context.Context) error {
	b.mu.Lock()
	b.cancelFunc()
	b.pwms = map[string]pwmSetting{}
	b.mu.Unlock()
	b.activeBackgroundWorkers.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	for name, gp := range b.pins {
		err = multierr.Append(err, errors.Wrapf(gp.pin.Halt(), "cannot halt %q", name))
		if gp.output {
			err = multierr.Append(err, errors.Wrapf(gp.pin.Out(gpio.Low), "cannot release %q", name))
		}
	}
	return err
}
