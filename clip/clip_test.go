package clip

import (
	"testing"

	"go.viam.com/test"
)

func TestClip(t *testing.T) {
	c := Clipper{Min: 0, Max: 5}

	for _, tc := range []struct {
		in       float64
		expected float64
	}{
		{-3.2, 0},
		{0, 0},
		{1.715, 1.715},
		{5, 5},
		{10, 5},
	} {
		test.That(t, c.Clip(tc.in), test.ShouldEqual, tc.expected)
	}
}

func TestClipNegativeRange(t *testing.T) {
	c := Clipper{Min: -1, Max: 1}
	test.That(t, c.Clip(-1.5), test.ShouldEqual, -1.0)
	test.That(t, c.Clip(0.25), test.ShouldEqual, 0.25)
	test.That(t, c.Clip(1.0000001), test.ShouldEqual, 1.0)
}
