package analytics

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

const (
	DefaultK       = 4
	DefaultNInit   = 10
	DefaultMaxIter = 300
)

type ClusterOptions struct {
	K       int
	Seed    uint64
	NInit   int // seeded restarts; the lowest inertia wins
	MaxIter int
}

func DefaultClusterOptions() ClusterOptions {
	return ClusterOptions{K: DefaultK, NInit: DefaultNInit, MaxIter: DefaultMaxIter}
}

// Clustering is the result of one KMeans call. Labels are compact: they are
// numbered in order of first appearance, so they always fall in [0, K).
type Clustering struct {
	Labels     []int
	Centroids  [][]float64
	Inertia    float64
	Iterations int
	K          int // effective cluster count, at most the requested K
}

// KMeans partitions points with Lloyd's algorithm seeded by k-means++. The
// same points and options always give the same labels. When there are fewer
// distinct points than K, fewer clusters are produced.
func KMeans(points [][]float64, opts ClusterOptions) (*Clustering, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("kmeans: no points: %w", ErrUnavailable)
	}
	if opts.K <= 0 {
		return nil, fmt.Errorf("kmeans: k must be positive, got %d", opts.K)
	}
	if opts.NInit <= 0 {
		opts.NInit = 1
	}
	if opts.MaxIter <= 0 {
		opts.MaxIter = DefaultMaxIter
	}
	width := len(points[0])
	for i, p := range points {
		if len(p) != width {
			return nil, fmt.Errorf("kmeans: point %d has %d dims, want %d", i, len(p), width)
		}
	}

	k := min(opts.K, countDistinct(points))

	var best *Clustering
	for run := 0; run < opts.NInit; run++ {
		rng := rand.New(rand.NewPCG(opts.Seed, uint64(run)))
		c := lloyd(points, seedCentroids(points, k, rng), opts.MaxIter)
		if best == nil || c.Inertia < best.Inertia {
			best = c
		}
	}
	best.compact()
	return best, nil
}

// seedCentroids picks k starting centroids with k-means++ sampling.
func seedCentroids(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, clone(points[rng.IntN(len(points))]))

	d2 := make([]float64, len(points))
	for len(centroids) < k {
		var total float64
		for i, p := range points {
			_, d2[i] = nearest(p, centroids)
			total += d2[i]
		}
		if total == 0 {
			break
		}
		target := rng.Float64() * total
		pick := len(points) - 1
		for i, d := range d2 {
			target -= d
			if target < 0 {
				pick = i
				break
			}
		}
		centroids = append(centroids, clone(points[pick]))
	}
	return centroids
}

func lloyd(points [][]float64, centroids [][]float64, maxIter int) *Clustering {
	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = -1
	}

	iter := 0
	for iter < maxIter {
		iter++
		changed := false
		for i, p := range points {
			c, _ := nearest(p, centroids)
			if c != labels[i] {
				labels[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}
		centroids = relocate(points, labels, centroids)
	}

	var inertia float64
	for i, p := range points {
		inertia += sqDist(p, centroids[labels[i]])
	}
	return &Clustering{
		Labels:     labels,
		Centroids:  centroids,
		Inertia:    inertia,
		Iterations: iter,
	}
}

// relocate moves each centroid to the mean of its points. A centroid that
// lost all its points stays where it was.
func relocate(points [][]float64, labels []int, prev [][]float64) [][]float64 {
	width := len(points[0])
	sums := make([][]float64, len(prev))
	counts := make([]int, len(prev))
	for c := range sums {
		sums[c] = make([]float64, width)
	}
	for i, p := range points {
		floats.Add(sums[labels[i]], p)
		counts[labels[i]]++
	}
	next := make([][]float64, len(prev))
	for c := range next {
		if counts[c] == 0 {
			next[c] = prev[c]
			continue
		}
		floats.Scale(1/float64(counts[c]), sums[c])
		next[c] = sums[c]
	}
	return next
}

// compact renumbers labels by first appearance and drops unused centroids.
func (c *Clustering) compact() {
	remap := make(map[int]int)
	var centroids [][]float64
	for i, l := range c.Labels {
		n, ok := remap[l]
		if !ok {
			n = len(remap)
			remap[l] = n
			centroids = append(centroids, c.Centroids[l])
		}
		c.Labels[i] = n
	}
	c.Centroids = centroids
	c.K = len(centroids)
}

// nearest returns the index of the closest centroid and the squared distance
// to it. Ties go to the lower index.
func nearest(p []float64, centroids [][]float64) (int, float64) {
	best, bestD := 0, math.Inf(1)
	for c, centroid := range centroids {
		if d := sqDist(p, centroid); d < bestD {
			best, bestD = c, d
		}
	}
	return best, bestD
}

func sqDist(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}

func countDistinct(points [][]float64) int {
	seen := make(map[string]struct{}, len(points))
	for _, p := range points {
		seen[fmt.Sprint(p)] = struct{}{}
	}
	return len(seen)
}

func clone(p []float64) []float64 {
	return append([]float64(nil), p...)
}
