package strategies

import "math/rand/v2"

// splitRandom divides total into n random parts that sum to total. Weights are
// drawn from a flat Dirichlet distribution and every part receives at least
// floor. When total cannot cover n floors, every part is floor.
func splitRandom(rng *rand.Rand, total uint64, n int, floor uint64) []uint64 {
	if n <= 0 {
		return nil
	}
	parts := make([]uint64, n)
	if n == 1 {
		parts[0] = max(total, floor)
		return parts
	}
	if total < floor*uint64(n) {
		for i := range parts {
			parts[i] = floor
		}
		return parts
	}

	weights := make([]float64, n)
	var sum float64
	for i := range weights {
		weights[i] = rng.ExpFloat64()
		sum += weights[i]
	}

	spread := total - floor*uint64(n)
	var assigned uint64
	for i, w := range weights {
		share := uint64(float64(spread) * (w / sum))
		if assigned+share > spread {
			share = spread - assigned
		}
		parts[i] = floor + share
		assigned += share
	}
	parts[0] += spread - assigned
	return parts
}
