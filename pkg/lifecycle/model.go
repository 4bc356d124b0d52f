package lifecycle

import (
	"fmt"

	"pointerguard/pkg/ml"
	"pointerguard/shared/types"
)

// Model is a decoded artifact ready for prediction. It is immutable and may
// be shared between goroutines.
type Model struct {
	Artifact *types.ModelArtifact
	forest   *ml.RandomForest
}

// NewModel decodes the classifier state carried by art.
func NewModel(art *types.ModelArtifact) (*Model, error) {
	if art.Algorithm != ml.AlgorithmRandomForest {
		return nil, fmt.Errorf("artifact %s for %s: unsupported algorithm %q", art.Version, art.IdentityID, art.Algorithm)
	}
	forest, err := ml.LoadRandomForest(art.ClassifierState)
	if err != nil {
		return nil, fmt.Errorf("artifact %s for %s: %w", art.Version, art.IdentityID, err)
	}
	return &Model{Artifact: art, forest: forest}, nil
}

// PositiveProba reindexes features onto the artifact's column order and
// returns the probability that they come from the modelled identity.
func (m *Model) PositiveProba(features map[string]float64) (float64, ml.FeatureAlignmentWarning) {
	row, warn := ml.Align(features, m.Artifact.FeatureNameOrder)
	return m.forest.PredictProba(row), warn
}
