package mobility

import (
	"fmt"
	"math/rand"

	"apwifi/internal/topo"
)

const (
	ModelRandomWaypoint  = "randomWaypoint"
	ModelRandomDirection = "randomDirection"
	ModelGaussMarkov     = "gaussMarkov"
	ModelReferencePoint  = "referencePoint"
	ModelCoherence       = "coherence"
	ModelTracked         = "tracked"
	ModelReplaying       = "replaying"
)

// NewModel constructs the Model named by pos.ModelName, decoding
// pos.ModelParams for the models that take extra parameters (spec.md §3
// "Model-specific parameters"). registry supplies the shared anchor for
// group models; trackSource/trackSeries are only consulted for the
// tracked/replaying models respectively.
func NewModel(pos topo.Position, registry *GroupRegistry, trackSource func() (topo.Position, bool), trackSeries []topo.Position) (Model, *rand.Rand, error) {
	seed := pos.ModelSeed
	if seed == 0 {
		seed = 1
	}
	rng := rand.New(rand.NewSource(seed))

	vMin, vMax := pos.VMin, pos.VMax
	if vMax <= 0 {
		vMax = 1.4 // brisk walking pace, m/s
	}

	switch pos.ModelName {
	case "", ModelRandomWaypoint:
		return newRandomWaypoint(vMin, vMax), rng, nil

	case ModelRandomDirection:
		return newRandomDirection(vMin, vMax), rng, nil

	case ModelGaussMarkov:
		var p gaussMarkovParams
		if err := decodeParams(pos.ModelParams, &p); err != nil {
			return nil, nil, err
		}
		return newGaussMarkov(vMin, vMax, p), rng, nil

	case ModelReferencePoint:
		var p referencePointParams
		if err := decodeParams(pos.ModelParams, &p); err != nil {
			return nil, nil, err
		}
		if p.Group == "" {
			return nil, nil, fmt.Errorf("mobility model %q requires a group name", ModelReferencePoint)
		}
		return newReferencePoint(registry, p), rng, nil

	case ModelCoherence:
		var p coherenceParams
		if err := decodeParams(pos.ModelParams, &p); err != nil {
			return nil, nil, err
		}
		if p.Group == "" {
			return nil, nil, fmt.Errorf("mobility model %q requires a group name", ModelCoherence)
		}
		return newCoherence(registry, p), rng, nil

	case ModelTracked:
		return &Tracked{Source: trackSource}, rng, nil

	case ModelReplaying:
		var p replayingParams
		if err := decodeParams(pos.ModelParams, &p); err != nil {
			return nil, nil, err
		}
		return newReplaying(trackSeries, p), rng, nil

	default:
		return nil, nil, fmt.Errorf("unknown mobility model %q", pos.ModelName)
	}
}
