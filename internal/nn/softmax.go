// Package nn implements the trained model: multinomial logistic regression
// whose parameters live in a flat float64 slice. The slice is typically the
// shared parameter region, wrapped by gonum matrix views without copying, so
// reads may observe concurrent writes from other workers.
package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/seantiz/hogwild/internal/data"
)

// Softmax is a linear classifier with Labels x Features weights followed by
// Labels biases.
type Softmax struct {
	Features int
	Labels   int
}

// NumParams returns the length of the flat parameter slice.
func (m Softmax) NumParams() int {
	return m.Labels * (m.Features + 1)
}

// Init fills params with small random weights and zero biases.
func (m Softmax) Init(params []float64, seed uint64) {
	rng := rand.New(rand.NewPCG(seed, 0x5eed))
	scale := 1 / math.Sqrt(float64(m.Features))
	nw := m.Labels * m.Features
	for i := range params {
		if i < nw {
			params[i] = rng.NormFloat64() * scale * 0.01
			continue
		}
		params[i] = 0
	}
}

func (m Softmax) split(params []float64) (*mat.Dense, []float64) {
	if len(params) != m.NumParams() {
		panic(fmt.Sprintf("nn: have %d parameters, want %d", len(params), m.NumParams()))
	}
	nw := m.Labels * m.Features
	return mat.NewDense(m.Labels, m.Features, params[:nw]), params[nw:]
}

// probabilities computes softmax(XW^T + b) row by row.
func (m Softmax) probabilities(params []float64, x *mat.Dense) *mat.Dense {
	w, b := m.split(params)
	rows, _ := x.Dims()
	var p mat.Dense
	p.Mul(x, w.T())
	for i := range rows {
		row := p.RawRowView(i)
		floats.Add(row, b)
		softmaxInPlace(row)
	}
	return &p
}

func softmaxInPlace(row []float64) {
	maxv := floats.Max(row)
	var sum float64
	for j, v := range row {
		e := math.Exp(v - maxv)
		row[j] = e
		sum += e
	}
	floats.Scale(1/sum, row)
}

// Gradient computes the mean cross-entropy loss of the batch and writes its
// gradient with respect to params into grad.
func (m Softmax) Gradient(params []float64, batch data.Batch, grad []float64) float64 {
	n := batch.Size()
	if n == 0 {
		clear(grad)
		return 0
	}
	p := m.probabilities(params, batch.X)

	var loss float64
	for i, y := range batch.Y {
		loss -= math.Log(math.Max(p.At(i, y), 1e-12))
		p.Set(i, y, p.At(i, y)-1)
	}
	p.Scale(1/float64(n), p)

	gw, gb := m.split(grad)
	gw.Mul(p.T(), batch.X)
	clear(gb)
	for i := range n {
		floats.Add(gb, p.RawRowView(i))
	}
	return loss / float64(n)
}

// Evaluation is the result of a read-only pass over a dataset.
type Evaluation struct {
	Loss     float64
	Accuracy float64
	PerLabel []float64
}

// Evaluate computes mean loss, accuracy and per-label accuracy over ds in
// chunks of batchSize rows. It never writes to params.
func (m Softmax) Evaluate(params []float64, ds *data.Dataset, batchSize int) Evaluation {
	correct := make([]float64, m.Labels)
	total := make([]float64, m.Labels)
	var loss float64

	for _, idx := range ds.Chunks(batchSize) {
		batch := ds.Gather(idx)
		p := m.probabilities(params, batch.X)
		for i, y := range batch.Y {
			row := p.RawRowView(i)
			loss -= math.Log(math.Max(row[y], 1e-12))
			total[y]++
			if floats.MaxIdx(row) == y {
				correct[y]++
			}
		}
	}

	ev := Evaluation{PerLabel: make([]float64, m.Labels)}
	n := floats.Sum(total)
	if n == 0 {
		return ev
	}
	ev.Loss = loss / n
	ev.Accuracy = floats.Sum(correct) / n
	for l := range m.Labels {
		if total[l] > 0 {
			ev.PerLabel[l] = correct[l] / total[l]
		}
	}
	return ev
}
