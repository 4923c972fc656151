package drive

import (
	"context"
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/betaBison/umnitsa/mecanum"
)

var errTest = errors.New("bus fault")

func TestUpdateOutput(t *testing.T) {
	ctx := context.Background()
	o, b := newTestOutput(t)
	c := NewController(o, golog.NewTestLogger(t))

	// straight ahead at half speed
	test.That(t, c.UpdateOutput(ctx, mecanum.Command{Y: 0.5}), test.ShouldBeNil)
	half := math.Sqrt2 / 4
	expected := []float64{0.5 - half/2, 0.5 + half/2, 0.5 - half/2, 0.5 + half/2}
	for i, duty := range dutyCycles(b) {
		test.That(t, duty, test.ShouldAlmostEqual, expected[i])
	}
	test.That(t, b.Pin("db1").High(), test.ShouldBeTrue)
	test.That(t, b.Pin("db2").High(), test.ShouldBeTrue)

	t.Run("zero command disables without touching duty cycles", func(t *testing.T) {
		writes := b.Pin("m1").Writes()
		test.That(t, c.UpdateOutput(ctx, mecanum.Command{}), test.ShouldBeNil)
		test.That(t, b.Pin("db1").High(), test.ShouldBeFalse)
		test.That(t, b.Pin("db2").High(), test.ShouldBeFalse)
		test.That(t, b.Pin("m1").Writes(), test.ShouldEqual, writes)
		for i, duty := range dutyCycles(b) {
			test.That(t, duty, test.ShouldAlmostEqual, expected[i])
		}
	})

	t.Run("boost drives the strongest wheel at full throttle", func(t *testing.T) {
		c.UpdateSettings(Event{Type: ButtonEvent, Boost: true})
		test.That(t, c.Boost(), test.ShouldBeTrue)
		test.That(t, c.UpdateOutput(ctx, mecanum.Command{Y: 0.5}), test.ShouldBeNil)
		for i, duty := range dutyCycles(b) {
			test.That(t, duty, test.ShouldAlmostEqual, []float64{0, 1, 0, 1}[i])
		}
		c.UpdateSettings(Event{Type: ButtonEvent, Boost: true})
		test.That(t, c.Boost(), test.ShouldBeFalse)
	})

	t.Run("non-finite commands never reach the hardware", func(t *testing.T) {
		writes := b.Pin("m2").Writes()
		for _, cmd := range []mecanum.Command{
			{X: math.NaN()},
			{Y: math.Inf(1)},
			{Omega: math.Inf(-1)},
		} {
			err := c.UpdateOutput(ctx, cmd)
			test.That(t, errors.Is(err, ErrInvalidCommand), test.ShouldBeTrue)
		}
		test.That(t, b.Pin("m2").Writes(), test.ShouldEqual, writes)
	})

	t.Run("hardware errors are returned", func(t *testing.T) {
		b.Pin("m3").SetErr = errTest
		err := c.UpdateOutput(ctx, mecanum.Command{X: 1})
		test.That(t, errors.Is(err, errTest), test.ShouldBeTrue)
	})
}

func TestSettings(t *testing.T) {
	var s Settings
	test.That(t, s.Boost(), test.ShouldBeFalse)

	s.Handle(Event{Type: "AXIS", Boost: true})
	test.That(t, s.Boost(), test.ShouldBeFalse)
	s.Handle(Event{Type: ButtonEvent})
	test.That(t, s.Boost(), test.ShouldBeFalse)

	s.Handle(Event{Type: ButtonEvent, Boost: true})
	test.That(t, s.Boost(), test.ShouldBeTrue)
	// every repeated press toggles again
	s.Handle(Event{Type: ButtonEvent, Boost: true})
	test.That(t, s.Boost(), test.ShouldBeFalse)
	s.Handle(Event{Type: ButtonEvent, Boost: true})
	s.Handle(Event{Type: ButtonEvent, Boost: true})
	s.Handle(Event{Type: ButtonEvent, Boost: true})
	test.That(t, s.Boost(), test.ShouldBeTrue)
}
