// Package ultrasonic implements a ranger over a set of trigger/echo ultrasonic sensors.
// Channels are measured one after another since simultaneous bursts interfere.
package ultrasonic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/betaBison/umnitsa/board"
	"github.com/betaBison/umnitsa/clip"
)

// NumChannels is the number of sensors on the base.
const NumChannels = 4

// Ranging defaults.
const (
	SpeedOfSound        = 343.0 // m/s
	MinDistance         = 0.0   // m
	MaxDistance         = 5.0   // m
	DefaultRateHz       = 5.0
	DefaultSettleTime   = 5 * time.Second
	DefaultTriggerPulse = 10 * time.Microsecond
)

// Reading holds one distance per channel in meters, in channel order.
type Reading [NumChannels]float64

// Channel names the trigger and echo lines of one sensor.
type Channel struct {
	Name    string `mapstructure:"name"`
	Trigger string `mapstructure:"trigger"`
	Echo    string `mapstructure:"echo"`
}

// Config describes the sensors and the ranging loop.
type Config struct {
	Channels     []Channel     `mapstructure:"channels"`
	RateHz       float64       `mapstructure:"rate_hz"`
	SettleTime   time.Duration `mapstructure:"settle_time"`
	TriggerPulse time.Duration `mapstructure:"trigger_pulse"`
	MinDistance  float64       `mapstructure:"min_distance"`
	MaxDistance  float64       `mapstructure:"max_distance"`
	SpeedOfSound float64       `mapstructure:"speed_of_sound"`
}

// DefaultConfig returns a config with the ranging defaults and no channels.
func DefaultConfig() Config {
	return Config{
		RateHz:       DefaultRateHz,
		SettleTime:   DefaultSettleTime,
		TriggerPulse: DefaultTriggerPulse,
		MinDistance:  MinDistance,
		MaxDistance:  MaxDistance,
		SpeedOfSound: SpeedOfSound,
	}
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	if len(conf.Channels) != NumChannels {
		return errors.Errorf("%s: expected %d channels, got %d", path, NumChannels, len(conf.Channels))
	}
	for i, ch := range conf.Channels {
		if ch.Trigger == "" {
			return goutils.NewConfigValidationFieldRequiredError(channelPath(path, i), "trigger")
		}
		if ch.Echo == "" {
			return goutils.NewConfigValidationFieldRequiredError(channelPath(path, i), "echo")
		}
	}
	if conf.RateHz <= 0 {
		return errors.Errorf("%s: rate_hz must be positive", path)
	}
	if conf.SpeedOfSound <= 0 {
		return errors.Errorf("%s: speed_of_sound must be positive", path)
	}
	if conf.MaxDistance <= conf.MinDistance {
		return errors.Errorf("%s: max_distance must exceed min_distance", path)
	}
	if conf.SettleTime < 0 || conf.TriggerPulse < 0 {
		return errors.Errorf("%s: durations cannot be negative", path)
	}
	return nil
}

func channelPath(path string, i int) string {
	return fmt.Sprintf("%s.channels.%d", path, i)
}

// MaxTime is the longest a single echo edge is waited for.
func (conf *Config) MaxTime() time.Duration {
	return time.Duration(2 * conf.MaxDistance / conf.SpeedOfSound * float64(time.Second))
}

// A Publisher receives every completed reading.
type Publisher interface {
	PublishRanges(ctx context.Context, reading Reading) error
}

// Ranger measures the distance seen by each channel.
type Ranger struct {
	mu       sync.Mutex
	conf     Config
	clk      clock.Clock
	triggers [NumChannels]board.GPIOPin
	echoes   [NumChannels]board.GPIOPin
	clipper  clip.Clipper
	maxTime  time.Duration
	logger   golog.Logger
}

// NewRanger claims each channel's lines from b and drives every trigger low.
func NewRanger(ctx context.Context, b board.Board, conf Config, clk clock.Clock, logger golog.Logger) (*Ranger, error) {
	if err := conf.Validate("ultrasonic"); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	conf.Channels = append([]Channel(nil), conf.Channels...)
	for i := range conf.Channels {
		if conf.Channels[i].Name == "" {
			conf.Channels[i].Name = fmt.Sprintf("ULTRA%d", i+1)
		}
	}
	r := &Ranger{
		conf:    conf,
		clk:     clk,
		clipper: clip.Clipper{Min: conf.MinDistance, Max: conf.MaxDistance},
		maxTime: conf.MaxTime(),
		logger:  logger,
	}
	for i, ch := range conf.Channels {
		trig, err := b.GPIOPinByName(ch.Trigger)
		if err != nil {
			return nil, errors.Wrapf(err, "ultrasonic: cannot grab trigger %q", ch.Trigger)
		}
		echo, err := b.GPIOPinByName(ch.Echo)
		if err != nil {
			return nil, errors.Wrapf(err, "ultrasonic: cannot grab echo %q", ch.Echo)
		}
		if err := trig.Set(ctx, false); err != nil {
			return nil, errors.Wrap(err, "ultrasonic: cannot set trigger pin to low")
		}
		r.triggers[i] = trig
		r.echoes[i] = echo
	}
	return r, nil
}

// Measure fires channel i and times its echo. An echo edge that does not show up within the
// maximum round trip ends the wait early; the distance is then computed from whatever edge
// times were seen last and timedOut is set.
func (r *Ranger) Measure(ctx context.Context, i int) (float64, bool, error) {
	if i < 0 || i >= NumChannels {
		return 0, false, errors.Errorf("no channel %d", i)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	trig, echo := r.triggers[i], r.echoes[i]

	// a pulse on the trigger starts a burst
	if err := trig.Set(ctx, true); err != nil {
		return 0, false, errors.Wrap(err, "ultrasonic cannot set trigger pin to high")
	}
	if r.conf.TriggerPulse > 0 {
		hold := r.clk.Timer(r.conf.TriggerPulse)
		select {
		case <-ctx.Done():
			hold.Stop()
			return 0, false, multierr.Combine(ctx.Err(), trig.Set(context.Background(), false))
		case <-hold.C:
		}
	}
	if err := trig.Set(ctx, false); err != nil {
		return 0, false, errors.Wrap(err, "ultrasonic cannot set trigger pin to low")
	}

	start := r.clk.Now()
	stop := start
	timedOut := false

	for {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		high, err := echo.Get(ctx)
		if err != nil {
			return 0, false, errors.Wrap(err, "ultrasonic cannot read echo pin")
		}
		if high {
			break
		}
		start = r.clk.Now()
		if start.Sub(stop) > r.maxTime {
			timedOut = true
			break
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		high, err := echo.Get(ctx)
		if err != nil {
			return 0, false, errors.Wrap(err, "ultrasonic cannot read echo pin")
		}
		if !high {
			break
		}
		stop = r.clk.Now()
		if stop.Sub(start) > r.maxTime {
			timedOut = true
			break
		}
	}

	elapsed := stop.Sub(start)
	distance := r.clipper.Clip(elapsed.Seconds() * r.conf.SpeedOfSound / 2)
	if timedOut {
		r.logger.Debugw("echo timed out", "channel", r.conf.Channels[i].Name, "elapsed", elapsed, "distance", distance)
	}
	return distance, timedOut, nil
}

// UpdateMeasurements measures every channel in order.
func (r *Ranger) UpdateMeasurements(ctx context.Context) (Reading, error) {
	var reading Reading
	for i := range reading {
		d, _, err := r.Measure(ctx, i)
		if err != nil {
			return Reading{}, errors.Wrapf(err, "channel %q", r.conf.Channels[i].Name)
		}
		reading[i] = d
	}
	return reading, nil
}

// Run waits for the sensors to settle, then measures and publishes a reading on every tick
// until ctx is done. A hardware or publication error ends the loop.
func (r *Ranger) Run(ctx context.Context, pub Publisher) error {
	r.logger.Debugw("waiting for sensors to settle", "settle_time", r.conf.SettleTime)
	select {
	case <-ctx.Done():
		return nil
	case <-r.clk.After(r.conf.SettleTime):
	}

	ticker := r.clk.Ticker(time.Duration(float64(time.Second) / r.conf.RateHz))
	defer ticker.Stop()
	for {
		reading, err := r.UpdateMeasurements(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		r.logger.Infow("ultrasonic", r.keysAndValues(reading)...)
		if err := pub.PublishRanges(ctx, reading); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "cannot publish ranges")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Ranger) keysAndValues(reading Reading) []interface{} {
	kv := make([]interface{}, 0, 2*NumChannels)
	for i, d := range reading {
		kv = append(kv, r.conf.Channels[i].Name, d)
	}
	return kv
}

// Close drives every trigger low.
func (r *Ranger) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	for i, trig := range r.triggers {
		err = multierr.Append(err, errors.Wrapf(trig.Set(ctx, false), "cannot release trigger %d", i+1))
	}
	return err
}
