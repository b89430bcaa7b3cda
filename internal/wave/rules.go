package wave

import (
	"fmt"
	"math"

	"github.com/tchaikit/wave-trader/internal/pivot"
)

type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the other trade direction.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

func alternating(points []pivot.Pivot) bool {
	if len(points) < 2 {
		return false
	}
	return pivot.Alternating(points)
}

func typeSequence(points []pivot.Pivot) string {
	s := make([]byte, len(points))
	for i, p := range points {
		s[i] = p.Type[0]
	}
	return string(s)
}

func expectedImpulse(dir Direction) string {
	if dir == Long {
		return "LHLHLH"
	}
	return "HLHLHL"
}

// wave2RetraceBand is the accepted retrace band for impulse wave 2,
// the 0.382-0.786 zone widened by the matching tolerance. Shallow
// 0.236 retraces fall outside it on purpose; they only count toward
// the scoring precision bonus, not validity.
var wave2RetraceLo = 0.382 - FibZoneTolerance
var wave2RetraceHi = 0.786 + FibZoneTolerance

// ValidateImpulse checks a 6-pivot window against the classic impulse
// rules for the requested direction. All failures are collected as
// reasons; the window passes only when none fire.
func ValidateImpulse(points []pivot.Pivot, dir Direction) (bool, []string) {
	if len(points) != 6 {
		return false, []string{"impulse requires exactly 6 pivots"}
	}
	if !alternating(points) {
		return false, []string{"pivot types do not alternate"}
	}
	if dir != Long && dir != Short {
		return false, []string{"direction must be LONG or SHORT"}
	}
	if seq := typeSequence(points); seq != expectedImpulse(dir) {
		return false, []string{fmt.Sprintf("impulse %s expects pattern %s, got %s", dir, expectedImpulse(dir), seq)}
	}

	var reasons []string
	p := func(i int) float64 { return points[i].Price }

	// wave 2 must not retrace past the start of wave 1
	if dir == Long {
		if p(2) <= p(0) {
			reasons = append(reasons, "wave 2 retraced past wave 1 start")
		}
	} else {
		if p(2) >= p(0) {
			reasons = append(reasons, "wave 2 retraced past wave 1 start")
		}
	}

	// wave 3 must not be the shortest of 1/3/5 by absolute move
	w1 := math.Abs(p(1) - p(0))
	w3 := math.Abs(p(3) - p(2))
	w5 := math.Abs(p(5) - p(4))
	if w3 <= math.Min(w1, w5) {
		reasons = append(reasons, "wave 3 is the shortest of waves 1/3/5")
	}

	// wave 4 must not overlap wave 1 territory
	if dir == Long {
		if p(4) <= p(1) {
			reasons = append(reasons, "wave 4 overlaps wave 1")
		}
	} else {
		if p(4) >= p(1) {
			reasons = append(reasons, "wave 4 overlaps wave 1")
		}
	}

	if w1 == 0 {
		reasons = append(reasons, "wave 1 has zero length")
	} else {
		// wave 2 retrace must sit in the recognized 0.382-0.786 band
		r, ok := RetraceRatio(p(0), p(1), p(2))
		if !ok || r < wave2RetraceLo || r > wave2RetraceHi {
			reasons = append(reasons, "wave 2 retrace outside 0.382-0.786 zone")
		}
		if w3/w1 < 1.0 {
			reasons = append(reasons, "wave 3 extension below 1.0")
		}
	}

	return len(reasons) == 0, reasons
}

func expectedABC(dir Direction) string {
	if dir == Long {
		return "LHLH"
	}
	return "HLHL"
}

// ValidateABC checks a 4-pivot correction window. An upward ABC
// (dir=Long) is a bullish correction L-H-L-H; downward is the mirror.
// Structural failures and an unrecognized B retrace reject hard; the
// zigzag/flat classification and C-wave strength notes come back as
// soft reasons on a passing window.
func ValidateABC(points []pivot.Pivot, dir Direction) (bool, []string) {
	if len(points) != 4 {
		return false, []string{"abc requires exactly 4 pivots"}
	}
	if !alternating(points) {
		return false, []string{"pivot types do not alternate"}
	}
	if dir != Long && dir != Short {
		return false, []string{"direction must be LONG or SHORT"}
	}
	if seq := typeSequence(points); seq != expectedABC(dir) {
		return false, []string{fmt.Sprintf("abc %s expects pattern %s, got %s", dir, expectedABC(dir), seq)}
	}

	p := func(i int) float64 { return points[i].Price }

	// wave C must push beyond wave A's terminal extreme
	if dir == Long {
		if p(3) <= p(1) {
			return false, []string{"wave C fails to make a high above wave A"}
		}
	} else {
		if p(3) >= p(1) {
			return false, []string{"wave C fails to make a low below wave A"}
		}
	}

	var reasons []string
	aLen := math.Abs(p(1) - p(0))
	if aLen == 0 {
		reasons = append(reasons, "wave A has zero length")
		return true, reasons
	}

	bRetrace := math.Abs((p(2) - p(1)) / aLen)
	switch {
	case bRetrace >= 0.382 && bRetrace <= 0.618:
		reasons = append(reasons, "abc resembles zigzag (B retrace 0.382-0.618)")
	case bRetrace >= 0.8:
		reasons = append(reasons, "abc resembles flat (B retrace >= 0.8)")
	default:
		return false, []string{"B retrace fits neither zigzag nor flat zone"}
	}

	cExt := math.Abs(p(3)-p(2)) / aLen
	if cExt < 1.0 {
		reasons = append(reasons, "wave C shorter than wave A")
	} else if cExt >= 1.618 {
		reasons = append(reasons, "wave C strongly extended (>=1.618)")
	}

	return true, reasons
}
