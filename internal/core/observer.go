package core

import "time"

// Observer receives operational signals from the engine. The metrics package
// provides a Prometheus implementation; the zero configuration uses a no-op.
type Observer interface {
	ObserveResolve(entityType string, provenance Provenance)
	ObserveLoad(entityType string, rows int, duration time.Duration, err error)
	ObserveOverrideMutation(entityType string, action AuditAction, err error)
}

type noopObserver struct{}

func (noopObserver) ObserveResolve(string, Provenance)                  {}
func (noopObserver) ObserveLoad(string, int, time.Duration, error)      {}
func (noopObserver) ObserveOverrideMutation(string, AuditAction, error) {}
