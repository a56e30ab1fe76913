package training

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strings"

	"botguard/internal/features"
	"botguard/internal/ml"
)

// FeatureStats describes one feature column of a dataset and how much a
// scorer depends on it.
type FeatureStats struct {
	Name              string  `json:"name"`
	ImportanceScore   float64 `json:"importance_score"` // max(0, PermutationScore)
	PermutationScore  float64 `json:"permutation_score"`
	AverageValue      float64 `json:"average_value"`
	StandardDeviation float64 `json:"standard_deviation"`
	MinValue          float64 `json:"min_value"`
	MaxValue          float64 `json:"max_value"`
	// Pearson correlation with is_bot; 0 when either side is constant.
	CorrelationWithTarget float64 `json:"correlation_with_target"`
}

// Importance is the result of a permutation importance run, most important
// feature first.
type Importance struct {
	BaselineAccuracy float64        `json:"baseline_accuracy"`
	Features         []FeatureStats `json:"features"`
}

// PermutationImportance measures the accuracy drop when one feature column
// is shuffled across rows while the others stay in place. The shuffle is
// seeded so runs are repeatable.
func PermutationImportance(ctx context.Context, scorer ml.Scorer, ds Dataset, threshold float64, seed uint64) (Importance, error) {
	if scorer == nil {
		return Importance{}, ml.ErrModelUnavailable
	}
	if ds.Len() == 0 {
		return Importance{}, fmt.Errorf("permutation importance needs at least one row")
	}

	baseline, err := accuracy(ctx, scorer, ds.X, ds.Y, threshold)
	if err != nil {
		return Importance{}, err
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := Importance{BaselineAccuracy: baseline}

	for col, name := range features.Names {
		permuted := make([][]float64, len(ds.X))
		for i, row := range ds.X {
			permuted[i] = slices.Clone(row)
		}
		order := rng.Perm(len(ds.X))
		for i, j := range order {
			permuted[i][col] = ds.X[j][col]
		}

		score, err := accuracy(ctx, scorer, permuted, ds.Y, threshold)
		if err != nil {
			return Importance{}, err
		}

		stats := columnStats(ds, col)
		stats.Name = name
		stats.PermutationScore = baseline - score
		stats.ImportanceScore = math.Max(0, stats.PermutationScore)
		out.Features = append(out.Features, stats)
	}

	slices.SortStableFunc(out.Features, func(a, b FeatureStats) int {
		switch {
		case a.ImportanceScore > b.ImportanceScore:
			return -1
		case a.ImportanceScore < b.ImportanceScore:
			return 1
		}
		return 0
	})
	return out, nil
}

// TopFeatures returns the names of the n most important features.
func (imp Importance) TopFeatures(n int) []string {
	n = min(n, len(imp.Features))
	names := make([]string, n)
	for i := range names {
		names[i] = imp.Features[i].Name
	}
	return names
}

func (imp Importance) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Baseline accuracy: %.4f\n\n", imp.BaselineAccuracy)
	fmt.Fprintf(&b, "%-20s %11s %11s %11s\n", "feature", "importance", "mean", "corr(bot)")
	for _, f := range imp.Features {
		fmt.Fprintf(&b, "%-20s %11.4f %11.2f %11.3f\n", f.Name, f.PermutationScore, f.AverageValue, f.CorrelationWithTarget)
	}
	return b.String()
}

func accuracy(ctx context.Context, scorer ml.Scorer, rows [][]float64, y []float64, threshold float64) (float64, error) {
	correct := 0
	for i, row := range rows {
		v, err := features.FromValues(row)
		if err != nil {
			return 0, err
		}
		p, err := scorer.HumanProbability(ctx, v)
		if err != nil {
			return 0, fmt.Errorf("score row %d: %w", i, err)
		}
		predictedBot := !ml.DecideWithThreshold(p, threshold).Allowed()
		if predictedBot == (y[i] == 1) {
			correct++
		}
	}
	return float64(correct) / float64(len(rows)), nil
}

func columnStats(ds Dataset, col int) FeatureStats {
	n := float64(ds.Len())
	stats := FeatureStats{MinValue: math.Inf(1), MaxValue: math.Inf(-1)}

	var sum, sumY float64
	for i, row := range ds.X {
		v := row[col]
		sum += v
		sumY += ds.Y[i]
		stats.MinValue = math.Min(stats.MinValue, v)
		stats.MaxValue = math.Max(stats.MaxValue, v)
	}
	mean, meanY := sum/n, sumY/n

	var varX, varY, cov float64
	for i, row := range ds.X {
		dx, dy := row[col]-mean, ds.Y[i]-meanY
		varX += dx * dx
		varY += dy * dy
		cov += dx * dy
	}

	stats.AverageValue = mean
	stats.StandardDeviation = math.Sqrt(varX / n)
	if varX > 0 && varY > 0 {
		stats.CorrelationWithTarget = cov / math.Sqrt(varX*varY)
	}
	return stats
}
