// Package orchestrator drives a training run through its lifecycle. It
// resolves the starting parameters, prepares the output directory, spawns
// workers through a backend, and polls them without ever joining: each poll
// evaluates the shared parameters, appends an eval record and checkpoints on
// improvement. Simulation modes hand the first phase to the attack
// coordinator and then start recovery workers.
package orchestrator
