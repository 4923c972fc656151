package main

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/betaBison/umnitsa/board"
	"github.com/betaBison/umnitsa/board/fake"
	"github.com/betaBison/umnitsa/board/periph"
	"github.com/betaBison/umnitsa/board/relay"
	"github.com/betaBison/umnitsa/config"
	"github.com/betaBison/umnitsa/drive"
	"github.com/betaBison/umnitsa/mecanum"
	"github.com/betaBison/umnitsa/ultrasonic"
)

func TestMainWithArgsErrors(t *testing.T) {
	ctx := context.Background()
	logger := golog.NewTestLogger(t)
	missing := filepath.Join(t.TempDir(), "params.yaml")

	err := mainWithArgs(ctx, []string{"umnitsa"}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	err = mainWithArgs(ctx, []string{"umnitsa", "--node=lidar", missing}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "lidar")

	err = mainWithArgs(ctx, []string{"umnitsa", "--node=motors", missing}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "params.yaml")
}

var testPins = drive.Pins{DB1: "db1", M1: "m1", M2: "m2", DB2: "db2", M3: "m3", M4: "m4"}

func testConfig(arch board.Architecture) *config.Config {
	ranging := ultrasonic.DefaultConfig()
	for i := 0; i < ultrasonic.NumChannels; i++ {
		ranging.Channels = append(ranging.Channels, ultrasonic.Channel{
			Trigger: "trig" + string(rune('1'+i)),
			Echo:    "echo" + string(rune('1'+i)),
		})
	}
	return &config.Config{
		Architecture: arch,
		Relay:        relay.Config{Port: "/dev/ttyUSB0"},
		Motors:       config.Motors{Pins: testPins},
		Ultrasonic:   ranging,
	}
}

// closeRecorder remembers the enable levels seen when the board is closed.
type closeRecorder struct {
	*fake.Board
	enabledAtClose map[string]bool
}

func (b *closeRecorder) Close(ctx context.Context) error {
	b.enabledAtClose = map[string]bool{
		"db1": b.Pin("db1").High(),
		"db2": b.Pin("db2").High(),
	}
	return b.Board.Close(ctx)
}

// useBoards overrides the board constructors for the duration of the test.
func useBoards(t *testing.T, native, micro board.Board) (nativeOpens, relayOpens *int) {
	t.Helper()
	nativeOpens, relayOpens = new(int), new(int)
	origNative, origRelay := newNativeBoard, connectRelay
	newNativeBoard = func(conf periph.Config, logger golog.Logger) (board.Board, error) {
		*nativeOpens++
		if native == nil {
			return nil, errors.New("no native lines")
		}
		return native, nil
	}
	connectRelay = func(ctx context.Context, conf relay.Config, logger golog.Logger) (board.Board, error) {
		*relayOpens++
		if micro == nil {
			return nil, errors.New("no microcontroller")
		}
		return micro, nil
	}
	t.Cleanup(func() {
		newNativeBoard, connectRelay = origNative, origRelay
	})
	return nativeOpens, relayOpens
}

func TestStartMotorsSelectsBackend(t *testing.T) {
	ctx := context.Background()
	logger := golog.NewTestLogger(t)

	t.Run("raspi drives the native lines", func(t *testing.T) {
		native := &closeRecorder{Board: fake.NewBoard()}
		nativeOpens, relayOpens := useBoards(t, native, nil)

		r := &robot{conf: testConfig(board.Raspi), logger: logger}
		test.That(t, r.startMotors(ctx), test.ShouldBeNil)
		test.That(t, r.startRanging(ctx), test.ShouldBeNil)
		test.That(t, *nativeOpens, test.ShouldEqual, 1)
		test.That(t, *relayOpens, test.ShouldEqual, 0)

		test.That(t, r.output.Apply(ctx, mecanum.Throttles{1, 1, 1, 1}), test.ShouldBeNil)
		test.That(t, native.Pin("db1").High(), test.ShouldBeTrue)

		test.That(t, r.Close(ctx), test.ShouldBeNil)
		test.That(t, native.Closed, test.ShouldBeTrue)
		test.That(t, native.enabledAtClose, test.ShouldResemble, map[string]bool{"db1": false, "db2": false})
	})

	t.Run("nano drives the microcontroller and ranges natively", func(t *testing.T) {
		native := fake.NewBoard()
		micro := &closeRecorder{Board: fake.NewBoard()}
		nativeOpens, relayOpens := useBoards(t, native, micro)

		r := &robot{conf: testConfig(board.Nano), logger: logger}
		test.That(t, r.startMotors(ctx), test.ShouldBeNil)
		test.That(t, *relayOpens, test.ShouldEqual, 1)
		test.That(t, *nativeOpens, test.ShouldEqual, 0)
		test.That(t, r.startRanging(ctx), test.ShouldBeNil)
		test.That(t, *nativeOpens, test.ShouldEqual, 1)

		test.That(t, r.output.Apply(ctx, mecanum.Throttles{1, 1, 1, 1}), test.ShouldBeNil)
		test.That(t, micro.Pin("db2").High(), test.ShouldBeTrue)
		test.That(t, native.GPIOPins["db2"], test.ShouldBeNil)

		test.That(t, r.Close(ctx), test.ShouldBeNil)
		test.That(t, micro.Closed, test.ShouldBeTrue)
		test.That(t, native.Closed, test.ShouldBeTrue)
		test.That(t, micro.enabledAtClose, test.ShouldResemble, map[string]bool{"db1": false, "db2": false})
	})

	t.Run("backend failures are returned", func(t *testing.T) {
		useBoards(t, nil, nil)
		r := &robot{conf: testConfig(board.Raspi), logger: logger}
		test.That(t, r.startMotors(ctx), test.ShouldNotBeNil)
		r = &robot{conf: testConfig(board.Nano), logger: logger}
		test.That(t, r.startMotors(ctx), test.ShouldNotBeNil)
		test.That(t, r.Close(ctx), test.ShouldBeNil)
	})
}

// serveFirmware acknowledges every command on the device end of a pipe and records it,
// followed by "<closed>" once the host hangs up.
func serveFirmware(t *testing.T) (net.Conn, func() []string) {
	t.Helper()
	host, device := net.Pipe()
	var (
		mu       sync.Mutex
		commands []string
	)
	record := func(cmd string) {
		mu.Lock()
		defer mu.Unlock()
		commands = append(commands, cmd)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r := bufio.NewReader(device)
		for {
			cmd, err := r.ReadString('\r')
			if err != nil {
				record("<closed>")
				return
			}
			cmd = strings.TrimSpace(cmd)
			record(cmd)
			reply := "@ok\r\n"
			if cmd == "!" {
				reply = "!\r\n"
			}
			if _, err := device.Write([]byte(reply)); err != nil {
				record("<closed>")
				return
			}
		}
	}()
	t.Cleanup(func() {
		host.Close()
		device.Close()
	})
	return host, func() []string {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), commands...)
	}
}

func TestCloseDisablesBeforeRelayHangsUp(t *testing.T) {
	ctx := context.Background()
	logger := golog.NewTestLogger(t)

	port, commands := serveFirmware(t)
	micro, err := relay.NewBoard(ctx, port, time.Second, logger)
	test.That(t, err, test.ShouldBeNil)
	useBoards(t, fake.NewBoard(), micro)

	r := &robot{conf: testConfig(board.Nano), logger: logger}
	test.That(t, r.startMotors(ctx), test.ShouldBeNil)
	test.That(t, r.output.Apply(ctx, mecanum.Throttles{0.5, 0.5, 0.5, 0.5}), test.ShouldBeNil)
	test.That(t, r.Close(ctx), test.ShouldBeNil)

	got := commands()
	test.That(t, len(got), test.ShouldBeGreaterThan, 3)
	test.That(t, got[len(got)-3:], test.ShouldResemble, []string{
		"digital-write db1 0",
		"digital-write db2 0",
		"<closed>",
	})
}
