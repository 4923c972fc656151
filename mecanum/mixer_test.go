package mecanum

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

const epsilon = 1e-9

func rawSum(cmd Command) Throttles {
	lateral := Lateral(cmd.X, cmd.Y)
	rotation := Rotation(cmd.Omega)
	var out Throttles
	for i := range out {
		out[i] = lateral[i] + rotation[i]
	}
	return out
}

func randomCommand(r *rand.Rand) Command {
	return Command{
		X:     r.Float64()*4 - 2,
		Y:     r.Float64()*4 - 2,
		Omega: r.Float64()*4 - 2,
	}
}

func TestNewCommand(t *testing.T) {
	cmd := NewCommand(r3.Vector{X: 0.25, Y: -0.5, Z: 7}, r3.Vector{X: 3, Y: 4, Z: 0.75})
	test.That(t, cmd, test.ShouldResemble, Command{X: 0.25, Y: -0.5, Omega: 0.75})
	test.That(t, cmd.IsZero(), test.ShouldBeFalse)
	test.That(t, Command{}.IsZero(), test.ShouldBeTrue)
	test.That(t, Command{Omega: math.NaN()}.IsFinite(), test.ShouldBeFalse)
	test.That(t, Command{X: math.Inf(-1)}.IsFinite(), test.ShouldBeFalse)
	test.That(t, cmd.IsFinite(), test.ShouldBeTrue)
}

func TestLateral(t *testing.T) {
	t.Run("zero vector", func(t *testing.T) {
		test.That(t, Lateral(0, 0), test.ShouldResemble, Throttles{})
	})

	t.Run("pure strafe", func(t *testing.T) {
		direction := math.Atan2(1, 0)
		test.That(t, direction, test.ShouldAlmostEqual, math.Pi/2)

		got := Lateral(1, 0)
		a := math.Cos(direction + math.Pi/4)
		b := math.Cos(direction - math.Pi/4)
		test.That(t, got[FrontLeft], test.ShouldAlmostEqual, a, epsilon)
		test.That(t, got[FrontRight], test.ShouldAlmostEqual, -a, epsilon)
		test.That(t, got[RearLeft], test.ShouldAlmostEqual, b, epsilon)
		test.That(t, got[RearRight], test.ShouldAlmostEqual, -b, epsilon)
		test.That(t, got[FrontLeft], test.ShouldAlmostEqual, -math.Sqrt2/2, epsilon)
		test.That(t, got[RearLeft], test.ShouldAlmostEqual, math.Sqrt2/2, epsilon)
	})

	t.Run("magnitude scales", func(t *testing.T) {
		half := Lateral(0, 0.5)
		full := Lateral(0, 1)
		for i := range half {
			test.That(t, half[i]*2, test.ShouldAlmostEqual, full[i], epsilon)
		}
	})
}

func TestRotation(t *testing.T) {
	test.That(t, Rotation(0.4), test.ShouldResemble, Throttles{-0.4, -0.4, -0.4, -0.4})
}

func TestMixStrafeWithoutBoost(t *testing.T) {
	got := Mix(Command{X: 1}, false)
	expected := Lateral(1, 0)
	for i := range got {
		test.That(t, got[i], test.ShouldAlmostEqual, expected[i], epsilon)
	}
	test.That(t, got.Peak(), test.ShouldBeLessThan, 1.0)
}

func TestMixRescalesWhenSaturated(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	for i := 0; i < 2000; i++ {
		cmd := randomCommand(r)
		raw := rawSum(cmd)
		got := Mix(cmd, false)

		if raw.Peak() > 1 {
			test.That(t, got.Peak(), test.ShouldAlmostEqual, 1.0, epsilon)
			for j := range got {
				test.That(t, got[j], test.ShouldAlmostEqual, raw[j]/raw.Peak(), epsilon)
			}
			continue
		}
		for j := range got {
			test.That(t, got[j], test.ShouldAlmostEqual, raw[j], epsilon)
		}
	}
}

func TestMixLargeCommands(t *testing.T) {
	for _, boost := range []bool{false, true} {
		got := Mix(Command{X: 1e308, Y: 1e308, Omega: 1e308}, boost)
		expected := Mix(Command{X: 1, Y: 1, Omega: 1}, boost)
		for i, v := range got {
			test.That(t, math.IsNaN(v) || math.IsInf(v, 0), test.ShouldBeFalse)
			test.That(t, math.Abs(v), test.ShouldBeLessThanOrEqualTo, 1.0)
			test.That(t, v, test.ShouldAlmostEqual, expected[i], epsilon)
		}
		test.That(t, got.Peak(), test.ShouldAlmostEqual, 1.0, epsilon)

		got = Mix(Command{X: -math.MaxFloat64, Omega: math.MaxFloat64}, boost)
		for _, v := range got {
			test.That(t, math.IsNaN(v) || math.IsInf(v, 0), test.ShouldBeFalse)
			test.That(t, math.Abs(v), test.ShouldBeLessThanOrEqualTo, 1.0)
		}
	}

	t.Run("unsaturated commands above one keep the raw sum", func(t *testing.T) {
		cmd := Command{X: 1.2}
		raw := rawSum(cmd)
		test.That(t, raw.Peak(), test.ShouldBeLessThan, 1.0)
		got := Mix(cmd, false)
		for i := range got {
			test.That(t, got[i], test.ShouldAlmostEqual, raw[i], epsilon)
		}
	})
}

func TestMixBoost(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for i := 0; i < 2000; i++ {
		cmd := randomCommand(r)
		cmd.X /= 4
		cmd.Y /= 4
		cmd.Omega /= 4
		raw := rawSum(cmd)
		got := Mix(cmd, true)

		test.That(t, got.Peak(), test.ShouldAlmostEqual, 1.0, epsilon)
		for j := range got {
			test.That(t, math.Abs(got[j]), test.ShouldAlmostEqual, math.Abs(raw[j])/raw.Peak(), epsilon)
		}
	}
}

func TestMixZeroWithBoost(t *testing.T) {
	got := Mix(Command{}, true)
	test.That(t, got, test.ShouldResemble, Throttles{})
	for _, v := range got {
		test.That(t, math.IsNaN(v), test.ShouldBeFalse)
	}
}

func TestMixRotationOnly(t *testing.T) {
	got := Mix(Command{Omega: 0.5}, false)
	test.That(t, got, test.ShouldResemble, Throttles{-0.5, -0.5, -0.5, -0.5})

	got = Mix(Command{Omega: 0.5}, true)
	test.That(t, got, test.ShouldResemble, Throttles{-1, -1, -1, -1})
}
