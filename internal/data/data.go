// Package data provides the labelled dataset trained on by workers and the
// batch samplers used for normal and biased (poisoning) updates. The dataset is
// derived from a seed so that every worker process rebuilds identical samples
// without any data being passed between processes.
package data

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

const (
	centerScale = 2.0
	noiseScale  = 1.0
)

// Train and test sets are drawn from separate streams of the same clusters.
const (
	StreamTrain uint64 = 1
	StreamTest  uint64 = 2
)

// Dataset is an in-memory labelled sample set stored row-major.
type Dataset struct {
	X        *mat.Dense
	Y        []int
	Labels   int
	byLabel  [][]int
	features int
}

// Batch is a set of rows and their labels.
type Batch struct {
	X *mat.Dense
	Y []int
}

// Size returns the number of rows in the batch.
func (b Batch) Size() int {
	return len(b.Y)
}

// Synthetic generates Gaussian clusters, one per label.
type Synthetic struct {
	seed     uint64
	features int
	labels   int
	centers  *mat.Dense
}

// NewSynthetic fixes the cluster centers for the given seed.
func NewSynthetic(seed uint64, features, labels int) *Synthetic {
	rng := rand.New(rand.NewPCG(seed, 0))
	centers := mat.NewDense(labels, features, nil)
	for l := range labels {
		for f := range features {
			centers.Set(l, f, rng.NormFloat64()*centerScale)
		}
	}
	return &Synthetic{seed: seed, features: features, labels: labels, centers: centers}
}

// Sample draws n labelled rows from the given stream. Labels are assigned
// round-robin so every label is equally represented.
func (s *Synthetic) Sample(n int, stream uint64) *Dataset {
	rng := rand.New(rand.NewPCG(s.seed, stream))
	x := mat.NewDense(n, s.features, nil)
	y := make([]int, n)
	for i := range n {
		label := i % s.labels
		y[i] = label
		for f := range s.features {
			x.Set(i, f, s.centers.At(label, f)+rng.NormFloat64()*noiseScale)
		}
	}
	return newDataset(x, y, s.labels)
}

func newDataset(x *mat.Dense, y []int, labels int) *Dataset {
	_, features := x.Dims()
	byLabel := make([][]int, labels)
	for i, l := range y {
		byLabel[l] = append(byLabel[l], i)
	}
	return &Dataset{X: x, Y: y, Labels: labels, byLabel: byLabel, features: features}
}

// Len returns the number of rows.
func (d *Dataset) Len() int {
	return len(d.Y)
}

// Features returns the row width.
func (d *Dataset) Features() int {
	return d.features
}

// Gather copies the given rows into a new batch.
func (d *Dataset) Gather(idx []int) Batch {
	x := mat.NewDense(len(idx), d.features, nil)
	y := make([]int, len(idx))
	for i, j := range idx {
		x.SetRow(i, d.X.RawRowView(j))
		y[i] = d.Y[j]
	}
	return Batch{X: x, Y: y}
}

// Chunks splits the dataset into consecutive index ranges of at most size rows.
func (d *Dataset) Chunks(size int) [][]int {
	var out [][]int
	for start := 0; start < d.Len(); start += size {
		end := min(start+size, d.Len())
		idx := make([]int, end-start)
		for i := range idx {
			idx[i] = start + i
		}
		out = append(out, idx)
	}
	return out
}

// Sampler draws batches for one worker. Each worker seeds its own stream
// so ranks see different batch orders.
type Sampler struct {
	ds    *Dataset
	batch int
	rng   *rand.Rand
}

// NewSampler creates a sampler for the given rank.
func NewSampler(ds *Dataset, batchSize int, seed uint64, rank int) *Sampler {
	return &Sampler{
		ds:    ds,
		batch: batchSize,
		rng:   rand.New(rand.NewPCG(seed, uint64(rank)+1<<32)),
	}
}

// Epoch returns a shuffled pass over the dataset split into batches. The
// final batch may be short.
func (s *Sampler) Epoch() [][]int {
	perm := s.rng.Perm(s.ds.Len())
	var out [][]int
	for start := 0; start < len(perm); start += s.batch {
		end := min(start+s.batch, len(perm))
		out = append(out, perm[start:end])
	}
	return out
}

// Biased draws a batch skewed toward one label. When target is negative a
// label is drawn for this batch. A bias in [0, 1] is the fraction of rows
// taken from the chosen label, the rest drawn uniformly. A bias above 1
// produces a stratified batch with every label equally represented. The
// returned label is the one the batch was skewed toward, or -1 for
// stratified batches.
func (s *Sampler) Biased(target int, bias float64) (Batch, int) {
	idx := make([]int, s.batch)
	if bias > 1 {
		for i := range idx {
			idx[i] = s.rowOf(i % s.ds.Labels)
		}
		return s.ds.Gather(idx), -1
	}

	label := target
	if label < 0 {
		label = s.rng.IntN(s.ds.Labels)
	}
	biased := min(int(math.Ceil(bias*float64(s.batch))), s.batch)
	for i := range idx {
		if i < biased {
			idx[i] = s.rowOf(label)
			continue
		}
		idx[i] = s.rng.IntN(s.ds.Len())
	}
	return s.ds.Gather(idx), label
}

// rowOf draws a row carrying label, or any row when the dataset has none.
func (s *Sampler) rowOf(label int) int {
	if label >= 0 && label < len(s.ds.byLabel) {
		if pool := s.ds.byLabel[label]; len(pool) > 0 {
			return pool[s.rng.IntN(len(pool))]
		}
	}
	return s.rng.IntN(s.ds.Len())
}

// Skew returns the label a batch leans toward and the fraction of rows
// carrying it. When target is negative the most frequent label is used.
func Skew(labels []int, target, numLabels int) (int, float64) {
	if len(labels) == 0 {
		return target, 0
	}
	counts := make([]int, numLabels)
	for _, l := range labels {
		counts[l]++
	}
	label := target
	if label < 0 {
		label = 0
		for l, c := range counts {
			if c > counts[label] {
				label = l
			}
		}
	}
	return label, float64(counts[label]) / float64(len(labels))
}
