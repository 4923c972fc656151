// Package relay implements a board whose lines live on an external microcontroller. Every
// line write is relayed as a short text command and acknowledged by the firmware.
//
// Commands are terminated by '\r'. The firmware answers each one with a line starting with
// '@' (ok, followed by a value), '#' (error, followed by a message) or '!' (the init banner).
// Any other line is firmware debug output.
package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/betaBison/umnitsa/board"
	"github.com/betaBison/umnitsa/clip"
)

var _ = board.Board(&Board{})

// The supported transports.
const (
	TransportSerial = "serial"
	TransportCAN    = "can"
)

// Defaults for fields left empty in Config.
const (
	DefaultBaudRate     = 115200
	DefaultCANInterface = "can0"
	DefaultTxID         = 0x300
	DefaultRxID         = 0x301
	DefaultReplyTimeout = time.Second
)

// ErrNoReply is returned when the firmware does not acknowledge a command in time.
var ErrNoReply = errors.New("no reply from microcontroller")

// idleReadBackoff paces reads on a port that reports end of file between replies.
const idleReadBackoff = 10 * time.Millisecond

// analogMax is the firmware's full scale for analog-write.
const analogMax = 255

// Config describes how to reach the microcontroller.
type Config struct {
	Transport    string `mapstructure:"transport"`
	Port         string `mapstructure:"port"`
	BaudRate     uint   `mapstructure:"baud_rate"`
	CANInterface string `mapstructure:"can_interface"`
	TxID         uint32 `mapstructure:"tx_id"`
	RxID         uint32 `mapstructure:"rx_id"`
	// ReplyTimeout bounds how long a command waits for its acknowledgement.
	ReplyTimeout time.Duration `mapstructure:"reply_timeout"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	switch conf.Transport {
	case "", TransportSerial:
		if conf.Port == "" {
			return goutils.NewConfigValidationFieldRequiredError(path, "port")
		}
	case TransportCAN:
		if conf.TxID == conf.RxID && conf.TxID != 0 {
			return errors.Errorf("%s: tx_id and rx_id must differ", path)
		}
		if conf.TxID > 0x7FF || conf.RxID > 0x7FF {
			return errors.Errorf("%s: can ids must fit in 11 bits", path)
		}
	default:
		return errors.Errorf("%s: unknown transport %q, expected %q or %q", path, conf.Transport, TransportSerial, TransportCAN)
	}
	if conf.ReplyTimeout < 0 {
		return errors.Errorf("%s: reply_timeout must not be negative", path)
	}
	return nil
}

type reply struct {
	value  string
	err    error
	banner bool
}

// Board relays line commands to the microcontroller.
type Board struct {
	port         io.ReadWriteCloser
	replyTimeout time.Duration
	logger       golog.Logger
	cmdLock      sync.Mutex

	// replies is closed once the port can no longer be read, after readErr is set.
	replies   chan reply
	readErr   error
	cancelCtx context.Context
	cancel    func()

	mu   sync.Mutex
	pins map[string]*gpioPin
}

// Connect opens the transport and performs the handshake, retrying until it succeeds or
// ctx is done. Every failed attempt is logged.
func Connect(ctx context.Context, conf Config, logger golog.Logger) (*Board, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := connect(ctx, conf, logger)
		if err == nil {
			return b, nil
		}
		logger.Warnw("failed to connect to microcontroller", "transport", conf.Transport, "error", err)
	}
}

func connect(ctx context.Context, conf Config, logger golog.Logger) (*Board, error) {
	var (
		port io.ReadWriteCloser
		err  error
	)
	switch conf.Transport {
	case "", TransportSerial:
		port, err = openSerial(conf)
	case TransportCAN:
		port, err = openCAN(conf)
	default:
		err = errors.Errorf("unknown transport %q", conf.Transport)
	}
	if err != nil {
		return nil, err
	}
	b, err := NewBoard(ctx, port, conf.ReplyTimeout, logger)
	if err != nil {
		return nil, errors.Wrap(err, "handshake failed")
	}
	return b, nil
}

// NewBoard wraps an already open connection to the firmware and checks that it answers
// the init handshake. A non-positive replyTimeout selects DefaultReplyTimeout. The connection
// is closed if the handshake fails.
func NewBoard(ctx context.Context, port io.ReadWriteCloser, replyTimeout time.Duration, logger golog.Logger) (*Board, error) {
	if replyTimeout <= 0 {
		replyTimeout = DefaultReplyTimeout
	}
	cancelCtx, cancel := context.WithCancel(context.Background())
	b := &Board{
		port:         port,
		replyTimeout: replyTimeout,
		logger:       logger,
		replies:      make(chan reply),
		cancelCtx:    cancelCtx,
		cancel:       cancel,
		pins:         map[string]*gpioPin{},
	}
	goutils.PanicCapturingGo(b.readReplies)

	check, err := b.runCommand(ctx, "!")
	if err == nil && check != "!" {
		err = errors.Errorf("! didn't get expected result, got [%s]", check)
	}
	if err != nil {
		return nil, multierr.Combine(err, b.Close(ctx))
	}
	return b, nil
}

// readReplies turns firmware lines into replies until the port fails or the board is closed.
func (b *Board) readReplies() {
	defer close(b.replies)
	r := bufio.NewReader(b.port)
	var partial string
	for {
		chunk, err := r.ReadString('\n')
		partial += chunk
		if err != nil {
			if b.cancelCtx.Err() != nil {
				b.readErr = errors.New("board closed")
				return
			}
			// a serial port with an inter-character timeout reports an idle line as EOF
			if errors.Is(err, io.EOF) {
				if !goutils.SelectContextOrWait(b.cancelCtx, idleReadBackoff) {
					b.readErr = errors.New("board closed")
					return
				}
				continue
			}
			b.readErr = err
			return
		}

		line := strings.TrimSpace(partial)
		partial = ""
		if len(line) == 0 {
			continue
		}
		var rep reply
		switch line[0] {
		case '@':
			rep = reply{value: line[1:]}
		case '#':
			rep = reply{err: errors.Errorf("error from microcontroller: %s", line[1:])}
		case '!':
			rep = reply{banner: true}
		default:
			b.logger.Debugw("got debug message from microcontroller", "line", line)
			continue
		}

		select {
		case b.replies <- rep:
		case <-b.cancelCtx.Done():
			b.readErr = errors.New("board closed")
			return
		}
	}
}

// discardLateReplies drops acknowledgements of commands that already gave up waiting.
// expects to already have cmdLock acquired.
func (b *Board) discardLateReplies() error {
	for {
		select {
		case rep, ok := <-b.replies:
			if !ok {
				return errors.Wrap(b.readErr, "error reading from microcontroller")
			}
			b.logger.Debugw("discarding late reply from microcontroller", "value", rep.value, "error", rep.err)
		default:
			return nil
		}
	}
}

// runCommand sends cmd and waits for its acknowledgement. Giving up on the reply, whether
// from ctx or the reply timeout, is an error.
func (b *Board) runCommand(ctx context.Context, cmd string) (string, error) {
	b.cmdLock.Lock()
	defer b.cmdLock.Unlock()

	cmd = strings.TrimSpace(cmd)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := b.discardLateReplies(); err != nil {
		return "", err
	}
	if _, err := b.port.Write([]byte(cmd + "\r")); err != nil {
		return "", errors.Wrap(err, "error sending command to microcontroller")
	}

	timer := time.NewTimer(b.replyTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", errors.Wrapf(ctx.Err(), "stopped waiting for reply to %q", cmd)
		case <-timer.C:
			return "", errors.Wrapf(ErrNoReply, "%q after %v", cmd, b.replyTimeout)
		case rep, ok := <-b.replies:
			if !ok {
				return "", errors.Wrap(b.readErr, "error reading from microcontroller")
			}
			if rep.banner {
				if cmd == "!" {
					return "!", nil
				}
				continue
			}
			return rep.value, rep.err
		}
	}
}

// GPIOPinByName returns the firmware line of the given name.
func (b *Board) GPIOPinByName(name string) (board.GPIOPin, error) {
	if name == "" || strings.ContainsAny(name, " \t\r\n") {
		return nil, errors.Errorf("invalid pin name %q", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if gp, ok := b.pins[name]; ok {
		return gp, nil
	}
	gp := &gpioPin{b: b, name: name}
	b.pins[name] = gp
	return gp, nil
}

// Close stops reading replies and closes the connection to the firmware.
func (b *Board) Close(ctx context.Context) error {
	b.cancel()
	return b.port.Close()
}

type pinMode string

const (
	modeOutput = pinMode("out")
	modeInput  = pinMode("in")
)

type gpioPin struct {
	b    *Board
	name string

	mu      sync.Mutex
	mode    pinMode
	pwmFreq uint
}

// expects to already have lock acquired.
func (gp *gpioPin) ensureMode(ctx context.Context, mode pinMode) error {
	if gp.mode == mode {
		return nil
	}
	if _, err := gp.b.runCommand(ctx, fmt.Sprintf("pin-mode %s %s", gp.name, mode)); err != nil {
		return errors.Wrapf(err, "cannot set %q to %s", gp.name, mode)
	}
	gp.mode = mode
	return nil
}

func (gp *gpioPin) Set(ctx context.Context, high bool) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if err := gp.ensureMode(ctx, modeOutput); err != nil {
		return err
	}
	v := 0
	if high {
		v = 1
	}
	_, err := gp.b.runCommand(ctx, fmt.Sprintf("digital-write %s %d", gp.name, v))
	return err
}

func (gp *gpioPin) Get(ctx context.Context) (bool, error) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if err := gp.ensureMode(ctx, modeInput); err != nil {
		return false, err
	}
	res, err := gp.b.runCommand(ctx, "digital-read "+gp.name)
	if err != nil {
		return false, err
	}
	switch res {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, errors.Errorf("unexpected digital-read result %q for %q", res, gp.name)
	}
}

// AnalogValue maps a duty cycle fraction onto the firmware's 0..255 analog-write scale.
func AnalogValue(dutyCycle float64) int {
	return int(math.Round(analogMax * clip.Clipper{Min: 0, Max: 1}.Clip(dutyCycle)))
}

func (gp *gpioPin) SetPWM(ctx context.Context, dutyCycle float64) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if err := gp.ensureMode(ctx, modeOutput); err != nil {
		return err
	}
	_, err := gp.b.runCommand(ctx, fmt.Sprintf("analog-write %s %d", gp.name, AnalogValue(dutyCycle)))
	return err
}

// SetPWMFreq records the requested frequency only. The firmware's PWM frequency is fixed.
func (gp *gpioPin) SetPWMFreq(ctx context.Context, freqHz uint) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	gp.pwmFreq = freqHz
	gp.b.logger.Debugw("pwm frequency is fixed by the firmware", "pin", gp.name, "requested_hz", freqHz)
	return nil
}
