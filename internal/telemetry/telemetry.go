package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "chemeleon"

// CounterVec creates a counter vector and registers it on reg. A nil reg
// leaves the collector unregistered. When an identical collector is already
// registered the existing one is returned, so several components may share a
// registry.
func CounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	if opts.Namespace == "" {
		opts.Namespace = Namespace
	}
	vec := prometheus.NewCounterVec(opts, labels)
	if reg == nil {
		return vec
	}
	if err := reg.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		// A conflicting descriptor is a programming error in the caller.
		panic(err)
	}
	return vec
}
