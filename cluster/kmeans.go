package cluster

import (
	"math"
	"math/rand"
	"sort"
)

type result struct {
	centers    []Vector
	labels     []int
	distortion float64
	iterations int
}

// kmeans runs opts.Attempts seeded Lloyd runs over points and keeps the one with
// the lowest distortion (sum of squared distances to the assigned center).
// len(points) >= opts.K.
func kmeans(points []Vector, opts Options) result {
	rng := rand.New(rand.NewSource(opts.Seed))
	var best result
	for a := 0; a < opts.Attempts; a++ {
		r := lloyd(points, seedPlusPlus(points, opts.K, rng), opts)
		if a == 0 || r.distortion < best.distortion {
			best = r
		}
	}
	return best
}

// seedPlusPlus picks k initial centers using k-means++: the first uniformly,
// every next one with probability proportional to its squared distance from
// the nearest center chosen so far.
func seedPlusPlus(points []Vector, k int, rng *rand.Rand) []Vector {
	centers := make([]Vector, 0, k)
	centers = append(centers, append(Vector(nil), points[rng.Intn(len(points))]...))

	dist := make([]float64, len(points))
	for i, p := range points {
		dist[i] = sqDist(p, centers[0])
	}

	for len(centers) < k {
		var sum float64
		for _, d := range dist {
			sum += d
		}

		next := 0
		if sum == 0 {
			// Every point coincides with a center; any choice is as good.
			next = rng.Intn(len(points))
		} else {
			target := rng.Float64() * sum
			for i, d := range dist {
				target -= d
				if target <= 0 {
					next = i
					break
				}
				next = i
			}
		}

		c := append(Vector(nil), points[next]...)
		centers = append(centers, c)
		for i, p := range points {
			if d := sqDist(p, c); d < dist[i] {
				dist[i] = d
			}
		}
	}
	return centers
}

func lloyd(points []Vector, centers []Vector, opts Options) result {
	k, dims := len(centers), len(centers[0])
	labels := make([]int, len(points))
	counts := make([]int, k)

	iter := 0
	for {
		iter++
		for i, p := range points {
			labels[i] = nearest(centers, p)
		}

		next := make([]Vector, k)
		for j := range next {
			next[j] = make(Vector, dims)
			counts[j] = 0
		}
		for i, p := range points {
			l := labels[i]
			counts[l]++
			for d, x := range p {
				next[l][d] += x
			}
		}
		for j := range next {
			if counts[j] == 0 {
				// Empty cluster: restart it on the point farthest from its center.
				far := farthest(points, labels, centers)
				copy(next[j], points[far])
				labels[far] = j
				continue
			}
			for d := range next[j] {
				next[j][d] /= float64(counts[j])
			}
		}

		var shift float64
		for j := range centers {
			if s := math.Sqrt(sqDist(centers[j], next[j])); s > shift {
				shift = s
			}
		}
		centers = next

		if (opts.MaxIter > 0 && iter >= opts.MaxIter) || (opts.Epsilon > 0 && shift <= opts.Epsilon) {
			break
		}
	}

	// Final assignment against the final centers.
	var distortion float64
	for i, p := range points {
		labels[i] = nearest(centers, p)
		distortion += sqDist(p, centers[labels[i]])
	}
	return result{centers: centers, labels: labels, distortion: distortion, iterations: iter}
}

func farthest(points []Vector, labels []int, centers []Vector) int {
	idx, max := 0, -1.0
	for i, p := range points {
		if d := sqDist(p, centers[labels[i]]); d > max {
			idx, max = i, d
		}
	}
	return idx
}

// sortCenters orders centers lexicographically so that labels do not depend on
// which random seeding won.
func sortCenters(centers []Vector) {
	sort.SliceStable(centers, func(i, j int) bool {
		a, b := centers[i], centers[j]
		for d := range a {
			if a[d] != b[d] {
				return a[d] < b[d]
			}
		}
		return false
	})
}
