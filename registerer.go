package exchange

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// reusableRegistry lets the metrics of a service be registered again after
// the service that registered them went away, which happens when a node
// restarts its exchange service on the same registry. A collector that
// collides with an already registered one replaces it, resetting its values.
type reusableRegistry struct {
	internalReg prometheus.Registerer
}

var _ prometheus.Registerer = (*reusableRegistry)(nil)

func newReusableRegistry(reg prometheus.Registerer) *reusableRegistry {
	if r, ok := reg.(*reusableRegistry); ok {
		return r
	}
	return &reusableRegistry{internalReg: reg}
}

func (r *reusableRegistry) Register(c prometheus.Collector) error {
	err := r.internalReg.Register(c)
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return err
	}
	r.internalReg.Unregister(already.ExistingCollector)
	return r.internalReg.Register(c)
}

func (r *reusableRegistry) MustRegister(collectors ...prometheus.Collector) {
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

func (r *reusableRegistry) Unregister(c prometheus.Collector) bool {
	return r.internalReg.Unregister(c)
}
