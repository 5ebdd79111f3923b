// Package backend defines the interface used by the orchestrator to launch
// training workers and query their liveness, along with the registry that
// maps backend names (process, inproc) to implementations.
package backend
