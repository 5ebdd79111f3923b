package nn

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ErrUnknownOptimizer is returned by NewOptimizer for unsupported kinds.
var ErrUnknownOptimizer = errors.New("unknown optimizer")

// Optimizer applies a gradient to parameters in place. Optimizer state is
// private to one worker; the parameters it writes are not.
type Optimizer interface {
	Step(params, grad []float64)
	SetLR(lr float64)
}

// NewOptimizer builds an optimizer of the given kind ("sgd", "adam" or "rms")
// for n parameters.
func NewOptimizer(kind string, lr, momentum float64, n int) (Optimizer, error) {
	switch kind {
	case "sgd":
		return &SGD{lr: lr, momentum: momentum, velocity: make([]float64, n)}, nil
	case "adam":
		return &Adam{lr: lr, beta1: 0.9, beta2: 0.999, epsilon: 1e-8, m: make([]float64, n), v: make([]float64, n)}, nil
	case "rms":
		return &RMSProp{lr: lr, alpha: 0.99, epsilon: 1e-8, sq: make([]float64, n)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOptimizer, kind)
	}
}

// SGD is stochastic gradient descent with heavy-ball momentum:
// v = momentum*v + grad; param -= lr*v.
type SGD struct {
	lr       float64
	momentum float64
	velocity []float64
}

func (o *SGD) Step(params, grad []float64) {
	floats.Scale(o.momentum, o.velocity)
	floats.Add(o.velocity, grad)
	floats.AddScaled(params, -o.lr, o.velocity)
}

func (o *SGD) SetLR(lr float64) { o.lr = lr }

// Adam keeps bias-corrected first and second moment estimates.
type Adam struct {
	lr      float64
	beta1   float64
	beta2   float64
	epsilon float64
	m       []float64
	v       []float64
	t       int
}

func (o *Adam) Step(params, grad []float64) {
	o.t++
	bias1 := 1 - math.Pow(o.beta1, float64(o.t))
	bias2 := 1 - math.Pow(o.beta2, float64(o.t))
	for i, g := range grad {
		o.m[i] = o.beta1*o.m[i] + (1-o.beta1)*g
		o.v[i] = o.beta2*o.v[i] + (1-o.beta2)*g*g
		params[i] -= o.lr * (o.m[i] / bias1) / (math.Sqrt(o.v[i]/bias2) + o.epsilon)
	}
}

func (o *Adam) SetLR(lr float64) { o.lr = lr }

// RMSProp scales each step by a running average of squared gradients.
type RMSProp struct {
	lr      float64
	alpha   float64
	epsilon float64
	sq      []float64
}

func (o *RMSProp) Step(params, grad []float64) {
	for i, g := range grad {
		o.sq[i] = o.alpha*o.sq[i] + (1-o.alpha)*g*g
		params[i] -= o.lr * g / (math.Sqrt(o.sq[i]) + o.epsilon)
	}
}

func (o *RMSProp) SetLR(lr float64) { o.lr = lr }

// StepLR returns the learning rate for an epoch when decaying by 10x every
// step epochs. A non-positive step keeps the base rate.
func StepLR(base float64, step, epoch int) float64 {
	if step <= 0 {
		return base
	}
	return base * math.Pow(0.1, float64(epoch/step))
}
