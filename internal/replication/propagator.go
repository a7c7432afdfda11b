package replication

import (
	"github.com/sirupsen/logrus"

	"respkv/internal/node"
)

// Propagator forwards mutating requests to every fully-handshaken replica.
// It forwards the client's original bytes untouched, never a
// re-serialization.
type Propagator struct {
	state *node.State
	log   *logrus.Logger
}

func NewPropagator(state *node.State, log *logrus.Logger) *Propagator {
	return &Propagator{state: state, log: log}
}

// Propagate writes raw to each online replica. The replica list is
// snapshotted under the registry lock; the writes happen outside it. A
// failed write is logged and skipped, it neither aborts the fan-out nor
// fails the originating request.
func (p *Propagator) Propagate(raw []byte) {
	for _, entry := range p.state.SnapshotOnlineSlaves() {
		if err := entry.Write(raw); err != nil {
			p.log.Infof("propagation to replica on port %d failed: %v", entry.Port, err)
		}
	}
}
