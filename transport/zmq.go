// Package transport carries velocity commands and operator events to the drive loop and
// range readings out of the ranging loop. Every message is a two part ZeroMQ message made of a
// topic and a JSON payload.
package transport

import (
	"context"
	"encoding/json"
	"syscall"
	"time"

	"github.com/edaniels/golog"
	"github.com/pebbe/zmq4"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/betaBison/umnitsa/drive"
	"github.com/betaBison/umnitsa/mecanum"
	"github.com/betaBison/umnitsa/ultrasonic"
)

// Default topics and timing.
const (
	DefaultVelocityTopic = "cmd_vel"
	DefaultCommandTopic  = "commands"
	DefaultRangeTopic    = "ultrasonic"
	DefaultPollTimeout   = 100 * time.Millisecond
)

// Config describes the sockets of a node.
type Config struct {
	// PublishAddress is bound by a PUB socket carrying range readings.
	PublishAddress string `mapstructure:"publish_address"`
	// SubscribeAddress is connected to by a SUB socket receiving commands.
	SubscribeAddress string        `mapstructure:"subscribe_address"`
	VelocityTopic    string        `mapstructure:"velocity_topic"`
	CommandTopic     string        `mapstructure:"command_topic"`
	RangeTopic       string        `mapstructure:"range_topic"`
	PollTimeout      time.Duration `mapstructure:"poll_timeout"`
}

// DefaultConfig returns a config with the default topics and no addresses.
func DefaultConfig() Config {
	return Config{
		VelocityTopic: DefaultVelocityTopic,
		CommandTopic:  DefaultCommandTopic,
		RangeTopic:    DefaultRangeTopic,
		PollTimeout:   DefaultPollTimeout,
	}
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	if conf.PublishAddress == "" && conf.SubscribeAddress == "" {
		return errors.Errorf("%s: at least one of publish_address or subscribe_address is required", path)
	}
	if conf.PollTimeout <= 0 {
		return errors.Errorf("%s: poll_timeout must be positive", path)
	}
	return nil
}

// A Handler consumes what the node receives.
type Handler interface {
	UpdateOutput(ctx context.Context, cmd mecanum.Command) error
	UpdateSettings(e drive.Event)
}

var _ = ultrasonic.Publisher(&Node{})

// Node owns the sockets of one process. Serve and PublishRanges may run concurrently since
// they use different sockets, but each must only be called from one goroutine at a time.
type Node struct {
	conf   Config
	pub    *zmq4.Socket
	sub    *zmq4.Socket
	poller *zmq4.Poller
	logger golog.Logger
}

// NewNode opens the sockets named in conf. An empty address leaves that socket closed.
func NewNode(conf Config, logger golog.Logger) (_ *Node, err error) {
	if err := conf.Validate("transport"); err != nil {
		return nil, err
	}
	n := &Node{conf: conf, logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, n.Close())
		}
	}()

	if conf.PublishAddress != "" {
		if n.pub, err = zmq4.NewSocket(zmq4.PUB); err != nil {
			return nil, errors.Wrap(err, "failed to create PUB socket")
		}
		if err := n.pub.SetLinger(0); err != nil {
			return nil, errors.Wrap(err, "failed to set linger option")
		}
		if err := n.pub.Bind(conf.PublishAddress); err != nil {
			return nil, errors.Wrapf(err, "failed to bind to %s", conf.PublishAddress)
		}
		logger.Debugw("publishing", "address", conf.PublishAddress, "topic", conf.RangeTopic)
	}

	if conf.SubscribeAddress != "" {
		if n.sub, err = zmq4.NewSocket(zmq4.SUB); err != nil {
			return nil, errors.Wrap(err, "failed to create SUB socket")
		}
		if err := n.sub.SetLinger(0); err != nil {
			return nil, errors.Wrap(err, "failed to set linger option")
		}
		for _, topic := range []string{conf.VelocityTopic, conf.CommandTopic} {
			if err := n.sub.SetSubscribe(topic); err != nil {
				return nil, errors.Wrapf(err, "failed to subscribe to %q", topic)
			}
		}
		if err := n.sub.Connect(conf.SubscribeAddress); err != nil {
			return nil, errors.Wrapf(err, "failed to connect to %s", conf.SubscribeAddress)
		}
		n.poller = zmq4.NewPoller()
		n.poller.Add(n.sub, zmq4.POLLIN)
		logger.Debugw("subscribed", "address", conf.SubscribeAddress,
			"topics", []string{conf.VelocityTopic, conf.CommandTopic})
	}
	return n, nil
}

// PublishRanges publishes a range reading on the range topic.
func (n *Node) PublishRanges(ctx context.Context, reading ultrasonic.Reading) error {
	if n.pub == nil {
		return errors.New("node has no publish address")
	}
	payload, err := json.Marshal(NewUltrasonic(reading))
	if err != nil {
		return err
	}
	_, err = n.pub.SendMessage(n.conf.RangeTopic, payload)
	return err
}

// Serve hands every received message to h until ctx is done. Malformed payloads and invalid
// commands are logged and dropped. Any other handler error ends Serve.
func (n *Node) Serve(ctx context.Context, h Handler) error {
	if n.sub == nil {
		return errors.New("node has no subscribe address")
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		polled, err := n.poller.Poll(n.conf.PollTimeout)
		if err != nil {
			if zmq4.AsErrno(err) == zmq4.Errno(syscall.EINTR) {
				continue
			}
			return errors.Wrap(err, "error polling socket")
		}
		if len(polled) == 0 {
			continue
		}

		parts, err := n.sub.RecvMessageBytes(0)
		if err != nil {
			return errors.Wrap(err, "error receiving message")
		}
		if err := n.dispatch(ctx, h, parts); err != nil {
			return err
		}
	}
}

func (n *Node) dispatch(ctx context.Context, h Handler, parts [][]byte) error {
	if len(parts) != 2 {
		n.logger.Warnw("dropping message with unexpected parts", "parts", len(parts))
		return nil
	}
	topic, payload := string(parts[0]), parts[1]

	switch topic {
	case n.conf.VelocityTopic:
		var twist Twist
		if err := json.Unmarshal(payload, &twist); err != nil {
			n.logger.Warnw("dropping malformed velocity command", "error", err)
			return nil
		}
		// Some vector components do not apply to a 2D base
		if twist.Linear.Z != 0 {
			n.logger.Debug("Linear Z command non-zero and has no effect")
		}
		if twist.Angular.X != 0 || twist.Angular.Y != 0 {
			n.logger.Debug("Angular X/Y command non-zero and has no effect")
		}
		err := h.UpdateOutput(ctx, twist.Command())
		if errors.Is(err, drive.ErrInvalidCommand) {
			n.logger.Warnw("dropping velocity command", "error", err)
			return nil
		}
		return err
	case n.conf.CommandTopic:
		var js Joystick
		if err := json.Unmarshal(payload, &js); err != nil {
			n.logger.Warnw("dropping malformed command", "error", err)
			return nil
		}
		h.UpdateSettings(js.Event())
		return nil
	default:
		n.logger.Debugw("ignoring message", "topic", topic)
		return nil
	}
}

// Close closes every open socket.
func (n *Node) Close() error {
	var err error
	if n.pub != nil {
		err = multierr.Append(err, n.pub.Close())
		n.pub = nil
	}
	if n.sub != nil {
		err = multierr.Append(err, n.sub.Close())
		n.sub = nil
	}
	return err
}
