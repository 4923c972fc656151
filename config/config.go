// Package config loads the parameter file shared by every node of the robot.
package config

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/betaBison/umnitsa/board"
	"github.com/betaBison/umnitsa/board/periph"
	"github.com/betaBison/umnitsa/board/relay"
	"github.com/betaBison/umnitsa/drive"
	"github.com/betaBison/umnitsa/transport"
	"github.com/betaBison/umnitsa/ultrasonic"
)

// ArchitectureEnv overrides the architecture in the parameter file.
const ArchitectureEnv = "ARCHITECTURE"

// Motors describes the motor driver boards.
type Motors struct {
	Pins      drive.Pins `mapstructure:",squash"`
	PWMFreqHz uint       `mapstructure:"pwm_frequency_hz"`
}

// Config is the whole parameter file.
type Config struct {
	Architecture board.Architecture `mapstructure:"architecture"`
	Native       periph.Config      `mapstructure:"native"`
	Relay        relay.Config       `mapstructure:"relay"`
	Motors       Motors             `mapstructure:"motors"`
	Ultrasonic   ultrasonic.Config  `mapstructure:"ultrasonic"`
	Transport    transport.Config   `mapstructure:"transport"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("architecture", string(board.Raspi))
	v.SetDefault("native.hardware_pwm", true)

	v.SetDefault("relay.transport", relay.TransportSerial)
	v.SetDefault("relay.baud_rate", relay.DefaultBaudRate)
	v.SetDefault("relay.can_interface", relay.DefaultCANInterface)
	v.SetDefault("relay.tx_id", relay.DefaultTxID)
	v.SetDefault("relay.rx_id", relay.DefaultRxID)
	v.SetDefault("relay.reply_timeout", relay.DefaultReplyTimeout)

	v.SetDefault("motors.pwm_frequency_hz", drive.DefaultPWMFreqHz)

	ranging := ultrasonic.DefaultConfig()
	v.SetDefault("ultrasonic.rate_hz", ranging.RateHz)
	v.SetDefault("ultrasonic.settle_time", ranging.SettleTime)
	v.SetDefault("ultrasonic.trigger_pulse", ranging.TriggerPulse)
	v.SetDefault("ultrasonic.min_distance", ranging.MinDistance)
	v.SetDefault("ultrasonic.max_distance", ranging.MaxDistance)
	v.SetDefault("ultrasonic.speed_of_sound", ranging.SpeedOfSound)

	tr := transport.DefaultConfig()
	v.SetDefault("transport.velocity_topic", tr.VelocityTopic)
	v.SetDefault("transport.command_topic", tr.CommandTopic)
	v.SetDefault("transport.range_topic", tr.RangeTopic)
	v.SetDefault("transport.poll_timeout", tr.PollTimeout)
}

// Load reads and validates the parameter file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "cannot read config file %q", path)
	}
	if err := v.BindEnv("architecture", ArchitectureEnv); err != nil {
		return nil, err
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, errors.Wrapf(err, "cannot decode config file %q", path)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate() error {
	if err := conf.Architecture.Validate(); err != nil {
		return err
	}
	if conf.Architecture == board.Nano {
		if err := conf.Relay.Validate("relay"); err != nil {
			return err
		}
	}
	if err := conf.Motors.Pins.Validate("motors"); err != nil {
		return err
	}
	if err := conf.Ultrasonic.Validate("ultrasonic"); err != nil {
		return err
	}
	return conf.Transport.Validate("transport")
}
