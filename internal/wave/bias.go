package wave

// BiasTone is the higher-degree ("primary wave") directional read used
// to tilt scenario scores.
type BiasTone string

const (
	ToneBullish BiasTone = "BULLISH"
	ToneBearish BiasTone = "BEARISH"
	ToneNeutral BiasTone = "NEUTRAL"
)

// PrimaryBias describes the higher-degree wave count context.
type PrimaryBias struct {
	Bias       BiasTone
	Wave       string
	Degree     string
	Note       string
	FibTargets map[string]float64
}

// PrimaryBiasProvider supplies the primary wave bias. Wire a real
// implementation (e.g. a weekly cycle model) or the neutral default.
type PrimaryBiasProvider interface {
	PrimaryBias() PrimaryBias
}

// NeutralPrimaryBias is the default provider: no higher-degree opinion.
type NeutralPrimaryBias struct{}

func (NeutralPrimaryBias) PrimaryBias() PrimaryBias {
	return PrimaryBias{Bias: ToneNeutral, Wave: "?", Degree: "?"}
}
