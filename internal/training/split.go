package training

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"botguard/internal/session"
)

const (
	DefaultTestFraction = 0.2
	DefaultSeed         = 42
)

// Split partitions ds into train and test sets. Each class is shuffled with
// a PRNG seeded from seed and split on its own, so both halves keep the
// class proportions of ds. The same seed always yields the same split.
func Split(ds Dataset, testFraction float64, seed uint64) (train, test Dataset, err error) {
	if testFraction <= 0 || testFraction >= 1 || math.IsNaN(testFraction) {
		return Dataset{}, Dataset{}, fmt.Errorf("test fraction must be in (0,1), got %v", testFraction)
	}

	var humans, bots []int
	for i, y := range ds.Y {
		if session.Label(y).IsBot() {
			bots = append(bots, i)
		} else {
			humans = append(humans, i)
		}
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	var trainIdx, testIdx []int
	for _, class := range [][]int{humans, bots} {
		rng.Shuffle(len(class), func(i, j int) { class[i], class[j] = class[j], class[i] })
		nTest := int(math.Round(float64(len(class)) * testFraction))
		testIdx = append(testIdx, class[:nTest]...)
		trainIdx = append(trainIdx, class[nTest:]...)
	}

	// keep arrival order inside each half
	slices.Sort(trainIdx)
	slices.Sort(testIdx)

	return ds.subset(trainIdx), ds.subset(testIdx), nil
}

func (ds Dataset) subset(idx []int) Dataset {
	out := Dataset{
		X:          make([][]float64, 0, len(idx)),
		Y:          make([]float64, 0, len(idx)),
		SessionIDs: make([]string, 0, len(idx)),
	}
	for _, i := range idx {
		out.X = append(out.X, ds.X[i])
		out.Y = append(out.Y, ds.Y[i])
		if i < len(ds.SessionIDs) {
			out.SessionIDs = append(out.SessionIDs, ds.SessionIDs[i])
		}
	}
	return out
}
