// Package main runs the drive and ranging loops of the umnitsa base.
package main

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"github.com/betaBison/umnitsa/board"
	"github.com/betaBison/umnitsa/board/periph"
	"github.com/betaBison/umnitsa/board/relay"
	"github.com/betaBison/umnitsa/config"
	"github.com/betaBison/umnitsa/drive"
	"github.com/betaBison/umnitsa/transport"
	"github.com/betaBison/umnitsa/ultrasonic"
)

var logger = golog.NewDevelopmentLogger("umnitsa")

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

// The nodes a process can run.
const (
	nodeAll        = "all"
	nodeMotors     = "motors"
	nodeUltrasonic = "ultrasonic"
	nodeManeuver   = "maneuver"
)

// Arguments for the command.
type Arguments struct {
	ConfigFile  string `flag:"0,required,usage=parameter file"`
	Node        string `flag:"node,default=all,usage=loops to run: all, motors, ultrasonic or maneuver"`
	Maneuver    string `flag:"maneuver,default=cw,usage=maneuver run by the maneuver node"`
	ThrottlePct int    `flag:"throttle,default=30,usage=maneuver throttle in percent"`
	Duration    string `flag:"duration,default=1s,usage=how long the maneuver runs"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) (err error) {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	var runMotors, runRanging bool
	switch argsParsed.Node {
	case nodeAll:
		runMotors, runRanging = true, true
	case nodeMotors, nodeManeuver:
		runMotors = true
	case nodeUltrasonic:
		runRanging = true
	default:
		return errors.Errorf("unknown node %q", argsParsed.Node)
	}

	conf, err := config.Load(argsParsed.ConfigFile)
	if err != nil {
		return err
	}
	logger.Infow("starting", "node", argsParsed.Node, "architecture", conf.Architecture)

	r := &robot{conf: conf, logger: logger}
	defer func() {
		err = multierr.Combine(err, r.Close(context.Background()))
	}()

	if runMotors {
		if err := r.startMotors(ctx); err != nil {
			return err
		}
	}
	if argsParsed.Node == nodeManeuver {
		return r.maneuver(ctx, argsParsed)
	}
	if runRanging {
		if err := r.startRanging(ctx); err != nil {
			return err
		}
	}

	transportConf := conf.Transport
	if !runMotors {
		transportConf.SubscribeAddress = ""
	}
	if !runRanging {
		transportConf.PublishAddress = ""
	}
	if r.node, err = transport.NewNode(transportConf, logger); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if runMotors {
		controller := drive.NewController(r.output, logger)
		g.Go(func() error {
			return r.node.Serve(gctx, controller)
		})
	}
	if runRanging {
		g.Go(func() error {
			return r.ranger.Run(gctx, r.node)
		})
	}
	return g.Wait()
}

// Board constructors. They're variables in case you need to override them during tests.
var (
	newNativeBoard = func(conf periph.Config, logger golog.Logger) (board.Board, error) {
		b, err := periph.NewBoard(conf, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	connectRelay = func(ctx context.Context, conf relay.Config, logger golog.Logger) (board.Board, error) {
		b, err := relay.Connect(ctx, conf, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
)

// robot holds every resource the process opened so they can be released in order.
type robot struct {
	conf   *config.Config
	logger golog.Logger

	native board.Board
	relay  board.Board
	output *drive.Output
	ranger *ultrasonic.Ranger
	node   *transport.Node
}

func (r *robot) nativeBoard() (board.Board, error) {
	if r.native != nil {
		return r.native, nil
	}
	b, err := newNativeBoard(r.conf.Native, r.logger)
	if err != nil {
		return nil, err
	}
	r.native = b
	return b, nil
}

func (r *robot) startMotors(ctx context.Context) error {
	var b board.Board
	switch r.conf.Architecture {
	case board.Raspi:
		native, err := r.nativeBoard()
		if err != nil {
			return err
		}
		b = native
	case board.Nano:
		rb, err := connectRelay(ctx, r.conf.Relay, r.logger)
		if err != nil {
			return err
		}
		r.relay = rb
		b = rb
	default:
		return errors.Errorf("unknown architecture %q", r.conf.Architecture)
	}

	output, err := drive.NewOutput(ctx, b, r.conf.Motors.Pins, r.conf.Motors.PWMFreqHz, r.logger)
	if err != nil {
		return err
	}
	r.output = output
	return nil
}

func (r *robot) startRanging(ctx context.Context) error {
	// the sensors are wired to the host's own lines on every architecture
	native, err := r.nativeBoard()
	if err != nil {
		return err
	}
	ranger, err := ultrasonic.NewRanger(ctx, native, r.conf.Ultrasonic, clock.New(), r.logger)
	if err != nil {
		return err
	}
	r.ranger = ranger
	return nil
}

func (r *robot) maneuver(ctx context.Context, args Arguments) error {
	d, err := time.ParseDuration(args.Duration)
	if err != nil {
		return errors.Wrap(err, "bad duration")
	}
	m := drive.Maneuver(args.Maneuver)
	if err := r.output.Maneuver(ctx, m, float64(args.ThrottlePct)/100); err != nil {
		return err
	}
	r.logger.Infow("running maneuver", "maneuver", m, "throttle_pct", args.ThrottlePct, "duration", d)
	goutils.SelectContextOrWait(ctx, d)
	return nil
}

// Close disables the motors before releasing every line, board and socket.
func (r *robot) Close(ctx context.Context) error {
	var err error
	if r.output != nil {
		err = multierr.Append(err, r.output.Disable(ctx))
	}
	if r.ranger != nil {
		err = multierr.Append(err, r.ranger.Close(ctx))
	}
	if r.relay != nil {
		err = multierr.Append(err, r.relay.Close(ctx))
	}
	if r.native != nil {
		err = multierr.Append(err, r.native.Close(ctx))
	}
	if r.node != nil {
		err = multierr.Append(err, r.node.Close())
	}
	return err
}
