package wave

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/tchaikit/wave-trader/internal/pivot"
	"github.com/tchaikit/wave-trader/internal/regime"
)

type PatternType string

const (
	ImpulseLong  PatternType = "IMPULSE_LONG"
	ImpulseShort PatternType = "IMPULSE_SHORT"
	ABCUp        PatternType = "ABC_UP"
	ABCDown      PatternType = "ABC_DOWN"
	SidewayRange PatternType = "SIDEWAY_RANGE"
	Fallback     PatternType = "FALLBACK"
)

// Family buckets a pattern for risk planning.
type Family string

const (
	FamilyImpulse Family = "IMPULSE"
	FamilyABC     Family = "ABC"
	FamilyRange   Family = "RANGE"
)

func (t PatternType) Family() Family {
	switch t {
	case ABCUp, ABCDown:
		return FamilyABC
	case SidewayRange:
		return FamilyRange
	default:
		return FamilyImpulse
	}
}

type StructureTrend string

const (
	Uptrend   StructureTrend = "UPTREND"
	Downtrend StructureTrend = "DOWNTREND"
	Ranging   StructureTrend = "RANGING"
	Unclear   StructureTrend = "UNKNOWN"
)

// Scenario is one scored trade candidate.
type Scenario struct {
	Type          PatternType    `json:"type"`
	Phase         string         `json:"phase"`
	Direction     Direction      `json:"direction"`
	Score         float64        `json:"score"`
	Probability   float64        `json:"probability"`
	Confidence    float64        `json:"confidence"`
	Reasons       []string       `json:"reasons"`
	Pivots        []pivot.Pivot  `json:"pivots,omitempty"`
	Window        []pivot.Pivot  `json:"window,omitempty"`
	MajorTrend    StructureTrend `json:"major_trend"`
	WavePosition  string         `json:"wave_position"`
	FibRatio      float64        `json:"fib_ratio"`
	HasFibRatio   bool           `json:"has_fib_ratio"`
	Wave1Start    float64        `json:"wave_1_start,omitempty"`
	Wave1End      float64        `json:"wave_1_end,omitempty"`
	RangeLow      float64        `json:"range_low,omitempty"`
	RangeHigh     float64        `json:"range_high,omitempty"`
	ATR           float64        `json:"atr,omitempty"`
	PrimaryWave   string         `json:"primary_wave,omitempty"`
	PrimaryBias   BiasTone       `json:"primary_bias,omitempty"`
	IsFallback    bool           `json:"is_fallback"`

	// attached by the context gate
	Allowed      bool    `json:"allowed"`
	GateReason   string  `json:"gate_reason,omitempty"`
	ContextScore float64 `json:"context_score,omitempty"`
}

// Wave position labels.
const (
	PosInWave2     = "IN_WAVE_2"
	PosInWave4     = "IN_WAVE_4"
	PosWaveCEnd    = "WAVE_C_END"
	PosRangeTop    = "RANGE_TOP"
	PosRangeBottom = "RANGE_BOTTOM"
	PosUnknown     = "UNKNOWN"
)

const (
	baseScoreImpulse = 82
	baseScoreABC     = 68
	scoreFloor       = 50
	maxScenarios     = 3
)

// pivotIndexTolerance is how far (in pivot index terms) the latest pivot
// may sit from the wave-2/wave-4 pivot and still count as "in" it.
const pivotIndexTolerance = 3

type Builder struct {
	primary PrimaryBiasProvider
	log     zerolog.Logger
}

func NewBuilder(primary PrimaryBiasProvider, log zerolog.Logger) *Builder {
	if primary == nil {
		primary = NeutralPrimaryBias{}
	}
	return &Builder{primary: primary, log: log.With().Str("component", "scenario").Logger()}
}

type majorStructure struct {
	majorHigh    pivot.Pivot
	majorLow     pivot.Pivot
	recentHigh   pivot.Pivot
	recentLow    pivot.Pivot
	trend        StructureTrend
	intermediate []pivot.Pivot
	ok           bool
}

// findMajorStructure derives the dominant trend from the intermediate
// pivots: how far the latest pivot sits from the major swing extreme.
func findMajorStructure(pivots []pivot.Pivot) majorStructure {
	if len(pivots) == 0 {
		return majorStructure{}
	}

	intermediate := make([]pivot.Pivot, 0, len(pivots))
	for _, p := range pivots {
		if p.Degree == pivot.Intermediate {
			intermediate = append(intermediate, p)
		}
	}
	if len(intermediate) < 4 {
		intermediate = pivots
	}

	var highs, lows []pivot.Pivot
	for _, p := range intermediate {
		if p.Type == pivot.High {
			highs = append(highs, p)
		} else {
			lows = append(lows, p)
		}
	}
	if len(highs) == 0 || len(lows) == 0 {
		return majorStructure{}
	}

	majorHigh := highs[0]
	for _, p := range highs {
		if p.Price > majorHigh.Price {
			majorHigh = p
		}
	}
	majorLow := lows[0]
	for _, p := range lows {
		if p.Price < majorLow.Price {
			majorLow = p
		}
	}

	majorHighIdx, majorLowIdx := -1, -1
	for i, p := range intermediate {
		if majorHighIdx < 0 && p.Price == majorHigh.Price {
			majorHighIdx = i
		}
		if majorLowIdx < 0 && p.Price == majorLow.Price {
			majorLowIdx = i
		}
	}
	last := intermediate[len(intermediate)-1]

	var trend StructureTrend
	if majorHighIdx > majorLowIdx {
		fromHigh := (majorHigh.Price - last.Price) / majorHigh.Price
		switch {
		case fromHigh > 0.15:
			trend = Downtrend
		case fromHigh > 0.05:
			trend = Ranging
		default:
			trend = Uptrend
		}
	} else {
		fromLow := (last.Price - majorLow.Price) / majorLow.Price
		switch {
		case fromLow > 0.15:
			trend = Uptrend
		case fromLow > 0.05:
			trend = Ranging
		default:
			trend = Downtrend
		}
	}

	recent := intermediate
	if len(intermediate) > 20 {
		recent = intermediate[len(intermediate)-20:]
	}
	recentHigh, recentLow := highs[len(highs)-1], lows[len(lows)-1]
	for _, p := range recent {
		if p.Type == pivot.High {
			recentHigh = p
		} else {
			recentLow = p
		}
	}

	return majorStructure{
		majorHigh:    majorHigh,
		majorLow:     majorLow,
		recentHigh:   recentHigh,
		recentLow:    recentLow,
		trend:        trend,
		intermediate: intermediate,
		ok:           true,
	}
}

type impulseMatch struct {
	window   []pivot.Pivot
	startIdx int
	warnings []string
}

// findImpulse scans backward from the freshest pivots for the closest
// 6-pivot window passing the impulse rules.
func findImpulse(pivots []pivot.Pivot, dir Direction, maxBack int) *impulseMatch {
	lo := len(pivots) - maxBack
	if lo < 0 {
		lo = 0
	}
	for i := len(pivots) - 6; i >= lo; i-- {
		window := pivots[i : i+6]
		if ok, warnings := ValidateImpulse(window, dir); ok {
			return &impulseMatch{window: window, startIdx: i, warnings: warnings}
		}
	}
	return nil
}

// findABC scans backward for the closest 4-pivot window passing the ABC
// rules for the given correction direction.
func findABC(pivots []pivot.Pivot, dir Direction, maxBack int) *impulseMatch {
	lo := len(pivots) - maxBack
	if lo < 0 {
		lo = 0
	}
	for i := len(pivots) - 4; i >= lo; i-- {
		window := pivots[i : i+4]
		if ok, warnings := ValidateABC(window, dir); ok {
			return &impulseMatch{window: window, startIdx: i, warnings: warnings}
		}
	}
	return nil
}

type wavePosition struct {
	position   string
	entryType  Family
	direction  Direction
	fibRatio   float64
	hasFib     bool
	wave1Start float64
	wave1End   float64
	window     []pivot.Pivot
	note       string
	rangeLow   float64
	rangeHigh  float64
}

func ratioOf(a, b, c float64) (float64, bool) {
	move := math.Abs(b - a)
	if move == 0 {
		return 0, false
	}
	return math.Abs(c-b) / move, true
}

// determineWavePosition locates the freshest rule-satisfying structure
// and decides where in the wave count the market currently sits.
func determineWavePosition(pivots []pivot.Pivot, structure majorStructure) wavePosition {
	unknown := wavePosition{position: PosUnknown}
	if len(pivots) < 6 || !structure.ok || structure.trend == Unclear {
		return unknown
	}

	lastPivot := pivots[len(pivots)-1]

	scanDir := Long
	if structure.trend != Uptrend {
		scanDir = Short
	}

	found := findImpulse(pivots, scanDir, 40)
	if found != nil {
		w := found.window
		lastImpIdx := w[len(w)-1].Index

		// latest pivot beyond the impulse end: expect an ABC correction
		if lastPivot.Index > lastImpIdx {
			abc := findABC(pivots, scanDir.Opposite(), 20)
			if abc != nil {
				aLen := math.Abs(abc.window[1].Price - abc.window[0].Price)
				cLen := math.Abs(abc.window[3].Price - abc.window[2].Price)
				cExt := 0.0
				if aLen > 0 {
					cExt = cLen / aLen
				}
				return wavePosition{
					position:   PosWaveCEnd,
					entryType:  FamilyABC,
					direction:  scanDir,
					fibRatio:   cExt,
					hasFib:     cExt > 0,
					wave1Start: w[0].Price,
					wave1End:   w[1].Price,
					window:     abc.window,
					note:       fmt.Sprintf("impulse complete, ABC correction C=%.2fx A", cExt),
				}
			}
		}

		// latest pivot near the wave-2 or wave-4 pivot index
		if abs(lastPivot.Index-w[2].Index) <= pivotIndexTolerance {
			fib, has := ratioOf(w[0].Price, w[1].Price, w[2].Price)
			return wavePosition{
				position:   PosInWave2,
				entryType:  FamilyImpulse,
				direction:  scanDir,
				fibRatio:   fib,
				hasFib:     has,
				wave1Start: w[0].Price,
				wave1End:   w[1].Price,
				window:     w,
				note:       fmt.Sprintf("in wave 2 retrace %.1f%%, staging %s wave 3", fib*100, scanDir),
			}
		}
		if abs(lastPivot.Index-w[4].Index) <= pivotIndexTolerance {
			fib, has := ratioOf(w[2].Price, w[3].Price, w[4].Price)
			return wavePosition{
				position:   PosInWave4,
				entryType:  FamilyImpulse,
				direction:  scanDir,
				fibRatio:   fib,
				hasFib:     has,
				wave1Start: w[2].Price,
				wave1End:   w[3].Price,
				window:     w,
				note:       fmt.Sprintf("in wave 4 retrace, staging %s wave 5", scanDir),
			}
		}
	}

	return fallbackWavePosition(pivots, structure)
}

// fallbackWavePosition applies the Fibonacci-zone heuristics against the
// major swing when no clean impulse window exists.
func fallbackWavePosition(pivots []pivot.Pivot, structure majorStructure) wavePosition {
	unknown := wavePosition{position: PosUnknown}
	lastPivot := pivots[len(pivots)-1]

	var highs, lows []pivot.Pivot
	for _, p := range pivots {
		if p.Type == pivot.High {
			highs = append(highs, p)
		} else {
			lows = append(lows, p)
		}
	}

	switch structure.trend {
	case Uptrend:
		if lastPivot.Type == pivot.Low && len(lows) >= 2 && len(highs) >= 1 &&
			lows[len(lows)-1].Price > lows[len(lows)-2].Price {
			swingLow := lows[len(lows)-2].Price
			swingHigh := highs[len(highs)-1].Price
			if swingHigh > swingLow {
				if ratio, ok := ratioOf(swingLow, swingHigh, lastPivot.Price); ok {
					if InZone(ratio, []float64{0.5, 0.618, 0.786}, 0.06) {
						return wavePosition{
							position: PosInWave2, entryType: FamilyImpulse, direction: Long,
							fibRatio: ratio, hasFib: true,
							wave1Start: swingLow, wave1End: swingHigh, window: pivots,
							note: fmt.Sprintf("wave 2 pullback %.1f%%, staging LONG wave 3", ratio*100),
						}
					}
					if InZone(ratio, []float64{0.236, 0.382}, 0.06) {
						return wavePosition{
							position: PosInWave4, entryType: FamilyImpulse, direction: Long,
							fibRatio: ratio, hasFib: true,
							wave1Start: swingLow, wave1End: swingHigh, window: pivots,
							note: fmt.Sprintf("wave 4 pullback %.1f%%, staging LONG wave 5", ratio*100),
						}
					}
				}
			}
		}

	case Downtrend:
		majorHigh := structure.majorHigh.Price
		majorLow := structure.majorLow.Price
		if lastPivot.Type == pivot.High && majorHigh > 0 && majorLow > 0 {
			swing := majorHigh - majorLow
			if swing > 0 && lastPivot.Price < majorHigh {
				ratio := (lastPivot.Price - majorLow) / swing
				if InZone(ratio, []float64{0.5, 0.618, 0.786}, 0.08) {
					return wavePosition{
						position: PosInWave2, entryType: FamilyImpulse, direction: Short,
						fibRatio: ratio, hasFib: true,
						wave1Start: majorHigh, wave1End: majorLow, window: pivots,
						note: fmt.Sprintf("wave 2 bounce %.1f%%, staging SHORT wave 3", ratio*100),
					}
				}
				if InZone(ratio, []float64{0.236, 0.382}, 0.08) {
					return wavePosition{
						position: PosInWave4, entryType: FamilyImpulse, direction: Short,
						fibRatio: ratio, hasFib: true,
						wave1Start: majorHigh, wave1End: majorLow, window: pivots,
						note: fmt.Sprintf("wave 4 bounce %.1f%%, staging SHORT wave 5", ratio*100),
					}
				}
			}
		}
		if lastPivot.Type == pivot.Low && len(lows) >= 2 && len(highs) >= 1 {
			if lows[len(lows)-1].Price < lows[len(lows)-2].Price {
				prevHigh := highs[len(highs)-1].Price
				if prevHigh-lastPivot.Price > 0 {
					return wavePosition{
						position: PosInWave2, entryType: FamilyImpulse, direction: Short,
						wave1Start: prevHigh, wave1End: lastPivot.Price, window: pivots,
						note: "lower low confirmed, waiting for 50-61.8% bounce to SHORT",
					}
				}
			} else {
				ratio, has := ratioOf(lows[len(lows)-2].Price, highs[len(highs)-1].Price, lastPivot.Price)
				return wavePosition{
					position: PosInWave4, entryType: FamilyImpulse, direction: Short,
					fibRatio: ratio, hasFib: has,
					wave1Start: highs[len(highs)-1].Price, wave1End: lows[len(lows)-2].Price, window: pivots,
					note: "wave 4 bounce in downtrend, staging SHORT wave 5",
				}
			}
		}

	case Ranging:
		rangeHigh := structure.recentHigh.Price
		rangeLow := structure.recentLow.Price
		rangeSize := rangeHigh - rangeLow
		if rangeSize > 0 {
			if lastPivot.Type == pivot.Low {
				pos := (lastPivot.Price - rangeLow) / rangeSize
				if pos <= 0.25 {
					return wavePosition{
						position: PosRangeBottom, entryType: FamilyRange, direction: Long,
						fibRatio: pos, hasFib: true,
						rangeLow: rangeLow, rangeHigh: rangeHigh,
						note: "price near range bottom, LONG",
					}
				}
			}
			if lastPivot.Type == pivot.High {
				pos := (rangeHigh - lastPivot.Price) / rangeSize
				if pos <= 0.25 {
					return wavePosition{
						position: PosRangeTop, entryType: FamilyRange, direction: Short,
						fibRatio: pos, hasFib: true,
						rangeLow: rangeLow, rangeHigh: rangeHigh,
						note: "price near range top, SHORT",
					}
				}
			}
		}
	}

	return unknown
}

// ScoreInputs carries the context signals feeding scenario scoring.
type ScoreInputs struct {
	MacroTrend  regime.Trend
	RSI14       float64
	VolumeSpike bool
}

func scoreScenario(baseScore float64, warnings []string, in ScoreInputs, dir Direction, fibRatio float64, hasFib bool, position string) float64 {
	score := baseScore
	score -= float64(len(warnings)) * 4

	switch {
	case in.MacroTrend == regime.Bull && dir == Long:
		score += 6
	case in.MacroTrend == regime.Bear && dir == Short:
		score += 6
	case in.MacroTrend == regime.Neutral:
		score -= 2
	}

	rsi := in.RSI14
	if dir == Long {
		switch {
		case rsi >= 40 && rsi <= 60:
			score += 4
		case rsi < 35:
			score += 3
		case rsi > 70:
			score -= 4
		}
	} else {
		switch {
		case rsi >= 40 && rsi <= 60:
			score += 4
		case rsi > 65:
			score += 3
		case rsi < 30:
			score -= 4
		}
	}

	if in.VolumeSpike {
		score += 5
	}

	if hasFib {
		if InZone(fibRatio, []float64{0.618}, 0.02) {
			score += 6
		} else if InZone(fibRatio, []float64{0.5, 0.786}, 0.02) {
			score += 3
		}
	}

	switch {
	case position == PosInWave2:
		score += 6
	case position == PosInWave4:
		score += 3
	case position == PosWaveCEnd:
		score += 4
	}

	return math.Max(math.Min(score, 100), 1)
}

// normalizeScores assigns a relative probability summing to 100 across
// the kept set; confidence stays the raw score.
func normalizeScores(scenarios []Scenario) []Scenario {
	total := 0.0
	for _, s := range scenarios {
		total += s.Score
	}
	if total == 0 {
		total = 1
	}
	for i := range scenarios {
		rel := math.Round(scenarios[i].Score/total*1000) / 10
		scenarios[i].Probability = rel
		scenarios[i].Confidence = math.Round(scenarios[i].Score*10) / 10
	}
	return scenarios
}

// Build produces the ranked scenario set for a pivot chain. At most
// three scenarios survive; scores below the floor are dropped. When no
// rule-satisfying structure exists a single watch-only fallback scenario
// may be emitted, which downstream gates must never execute.
func (b *Builder) Build(pivots []pivot.Pivot, in ScoreInputs) []Scenario {
	if len(pivots) < 4 {
		return nil
	}

	primary := b.primary.PrimaryBias()

	structure := findMajorStructure(pivots)
	if !structure.ok {
		return nil
	}

	wavePos := determineWavePosition(pivots, structure)
	if wavePos.position == PosUnknown || wavePos.entryType == "" || wavePos.direction == "" {
		return b.fallbackScenario(pivots, structure, primary)
	}

	var warnings []string
	if primary.Bias == ToneBearish && wavePos.direction == Long {
		warnings = append(warnings, fmt.Sprintf("against primary wave %s (%s) BEARISH", primary.Wave, primary.Degree))
	} else if primary.Bias == ToneBullish && wavePos.direction == Short {
		warnings = append(warnings, fmt.Sprintf("against primary wave %s (%s) BULLISH", primary.Wave, primary.Degree))
	}
	if in.MacroTrend == regime.Bull && wavePos.direction == Short {
		warnings = append(warnings, "against macro trend (BULL)")
	} else if in.MacroTrend == regime.Bear && wavePos.direction == Long {
		warnings = append(warnings, "against macro trend (BEAR)")
	}

	var baseScore float64
	var scType PatternType
	switch wavePos.entryType {
	case FamilyImpulse:
		baseScore = baseScoreImpulse
		scType = ImpulseLong
		if wavePos.direction == Short {
			scType = ImpulseShort
		}
	case FamilyRange:
		baseScore = baseScoreABC
		scType = SidewayRange
	default:
		baseScore = baseScoreABC
		scType = ABCUp
		if wavePos.direction == Short {
			scType = ABCDown
		}
	}

	score := scoreScenario(baseScore, warnings, in, wavePos.direction, wavePos.fibRatio, wavePos.hasFib, wavePos.position)

	// primary wave alignment
	switch {
	case primary.Bias == ToneBearish && wavePos.direction == Short,
		primary.Bias == ToneBullish && wavePos.direction == Long:
		score = math.Min(score+8, 100)
	case primary.Bias != ToneNeutral:
		score = math.Max(score-10, 1)
	}

	reasons := []string{
		fmt.Sprintf("primary wave: %s (%s) %s", primary.Wave, primary.Degree, primary.Bias),
		fmt.Sprintf("wave position: %s", wavePos.position),
	}
	if wavePos.note != "" {
		reasons = append(reasons, wavePos.note)
	}
	if wavePos.hasFib && wavePos.fibRatio > 0 {
		reasons = append(reasons, fmt.Sprintf("fib: %.3f", wavePos.fibRatio))
	}
	reasons = append(reasons, fmt.Sprintf("major trend: %s", structure.trend))
	reasons = append(reasons, warnings...)

	sc := Scenario{
		Type:         scType,
		Phase:        wavePos.note,
		Direction:    wavePos.direction,
		Score:        score,
		Reasons:      reasons,
		Pivots:       pivots,
		Window:       wavePos.window,
		MajorTrend:   structure.trend,
		WavePosition: wavePos.position,
		FibRatio:     wavePos.fibRatio,
		HasFibRatio:  wavePos.hasFib,
		Wave1Start:   wavePos.wave1Start,
		Wave1End:     wavePos.wave1End,
		RangeLow:     wavePos.rangeLow,
		RangeHigh:    wavePos.rangeHigh,
		PrimaryWave:  primary.Wave,
		PrimaryBias:  primary.Bias,
	}
	if sc.Phase == "" {
		sc.Phase = fmt.Sprintf("%s - %s", wavePos.position, wavePos.entryType)
	}

	var scenarios []Scenario
	if score >= scoreFloor {
		scenarios = append(scenarios, sc)
	}
	if len(scenarios) == 0 {
		b.log.Debug().Str("position", wavePos.position).Float64("score", score).Msg("scenario below floor")
		return nil
	}

	sort.Slice(scenarios, func(i, j int) bool { return scenarios[i].Score > scenarios[j].Score })
	if len(scenarios) > maxScenarios {
		scenarios = scenarios[:maxScenarios]
	}
	return normalizeScores(scenarios)
}

// fallbackScenario keeps a symbol on watch when no structure validates.
// It is never executable: the gate rejects it unconditionally.
func (b *Builder) fallbackScenario(pivots []pivot.Pivot, structure majorStructure, primary PrimaryBias) []Scenario {
	var dir Direction
	switch structure.trend {
	case Uptrend:
		dir = Long
	case Downtrend:
		dir = Short
	default:
		return nil
	}

	last := pivots[len(pivots)-1]
	sc := Scenario{
		Type:         Fallback,
		Phase:        "watch only, no rule-satisfying structure",
		Direction:    dir,
		Score:        40,
		Confidence:   40,
		Probability:  100,
		Reasons:      []string{"no validated impulse or ABC window", fmt.Sprintf("major trend: %s", structure.trend)},
		Pivots:       pivots,
		MajorTrend:   structure.trend,
		WavePosition: PosUnknown,
		Wave1Start:   last.Price,
		PrimaryWave:  primary.Wave,
		PrimaryBias:  primary.Bias,
		IsFallback:   true,
	}
	return []Scenario{sc}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
