// Package mecanum turns a planar velocity command into the four wheel throttles of a
// mecanum base.
package mecanum

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/floats"
)

// Wheel positions within Throttles. The order matches the motor numbering M1..M4.
const (
	FrontLeft = iota
	FrontRight
	RearLeft
	RearRight

	NumWheels
)

// Throttles holds one signed throttle per wheel.
type Throttles [NumWheels]float64

// Command is a single velocity command. X strafes, Y drives forward/back and Omega rotates.
type Command struct {
	X     float64
	Y     float64
	Omega float64
}

// NewCommand builds a command from a twist. Only the planar linear components and the
// rotation about z apply to a ground base.
func NewCommand(linear, angular r3.Vector) Command {
	return Command{X: linear.X, Y: linear.Y, Omega: angular.Z}
}

// IsZero reports whether every axis of the command is exactly zero.
func (c Command) IsZero() bool {
	return c.X == 0 && c.Y == 0 && c.Omega == 0
}

// IsFinite reports whether every axis of the command is a finite number.
func (c Command) IsFinite() bool {
	for _, v := range []float64{c.X, c.Y, c.Omega} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Lateral returns the wheel throttles that move the base along (x, y) without rotating.
func Lateral(x, y float64) Throttles {
	if x == 0 && y == 0 {
		// atan2 is undefined for the zero vector
		return Throttles{}
	}
	direction := math.Atan2(x, -y)
	mag := math.Hypot(x, y)

	a := mag * math.Cos(direction+math.Pi/4)
	b := mag * math.Cos(direction-math.Pi/4)
	return Throttles{a, -a, b, -b}
}

// Rotation returns the wheel throttles that yaw the base in place.
func Rotation(omega float64) Throttles {
	w := -omega
	return Throttles{w, w, w, w}
}

// Mix sums the lateral and rotational contributions of cmd. The result is rescaled by its
// largest magnitude whenever that magnitude exceeds one, and always when boost is set so the
// strongest wheel runs at full throttle. An all-zero result is returned unchanged. The axes of
// cmd must be finite but may be arbitrarily large.
func Mix(cmd Command, boost bool) Throttles {
	// both contributions are linear in the command, so mix a normalized copy and scale back
	scale := math.Max(math.Abs(cmd.X), math.Max(math.Abs(cmd.Y), math.Abs(cmd.Omega)))
	if scale > 1 {
		cmd = Command{X: cmd.X / scale, Y: cmd.Y / scale, Omega: cmd.Omega / scale}
	} else {
		scale = 1
	}

	out := Lateral(cmd.X, cmd.Y)
	rotation := Rotation(cmd.Omega)
	floats.Add(out[:], rotation[:])

	peak := out.Peak()
	switch {
	case peak == 0:
	case boost || peak > 1/scale:
		floats.Scale(1/peak, out[:])
	case scale != 1:
		floats.Scale(scale, out[:])
	}
	return out
}

// Peak returns the largest throttle magnitude.
func (t Throttles) Peak() float64 {
	return floats.Norm(t[:], math.Inf(1))
}
