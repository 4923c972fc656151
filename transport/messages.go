package transport

import (
	"github.com/golang/geo/r3"

	"github.com/betaBison/umnitsa/drive"
	"github.com/betaBison/umnitsa/mecanum"
	"github.com/betaBison/umnitsa/ultrasonic"
)

// Vector3 is a three axis vector.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Vector returns v as an r3 vector.
func (v Vector3) Vector() r3.Vector {
	return r3.Vector{X: v.X, Y: v.Y, Z: v.Z}
}

// Twist is a velocity command.
type Twist struct {
	Linear  Vector3 `json:"linear"`
	Angular Vector3 `json:"angular"`
}

// Command returns the planar part of the twist.
func (t Twist) Command() mecanum.Command {
	return mecanum.NewCommand(t.Linear.Vector(), t.Angular.Vector())
}

// Joystick is a discrete controller event. X is the boost button.
type Joystick struct {
	Type string `json:"TYPE"`
	X    bool   `json:"X"`
	A    bool   `json:"A"`
	B    bool   `json:"B"`
	Y    bool   `json:"Y"`
}

// Event returns the drive event carried by j.
func (j Joystick) Event() drive.Event {
	return drive.Event{Type: j.Type, Boost: j.X}
}

// Ultrasonic is a published range reading in meters.
type Ultrasonic struct {
	ULTRA1 float64 `json:"ULTRA1"`
	ULTRA2 float64 `json:"ULTRA2"`
	ULTRA3 float64 `json:"ULTRA3"`
	ULTRA4 float64 `json:"ULTRA4"`
}

// NewUltrasonic packs a reading in channel order.
func NewUltrasonic(r ultrasonic.Reading) Ultrasonic {
	return Ultrasonic{ULTRA1: r[0], ULTRA2: r[1], ULTRA3: r[2], ULTRA4: r[3]}
}

// Reading unpacks u in channel order.
func (u Ultrasonic) Reading() ultrasonic.Reading {
	return ultrasonic.Reading{u.ULTRA1, u.ULTRA2, u.ULTRA3, u.ULTRA4}
}
