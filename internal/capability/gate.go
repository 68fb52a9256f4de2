package capability

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Grant is anything that carries an instance's resolved capability set.
type Grant interface {
	GrantedInstance() int64
	GrantedCapabilities() Set
}

// Gate authorizes gated actions. It holds no per-request state; denial
// counters are atomic.
type Gate struct {
	logger  *slog.Logger
	denials sync.Map // Capability -> *atomic.Int64
}

func NewGate(log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{logger: log.With(slog.String("service", "capability_gate"))}
}

// Authorize reports whether grant may perform name. It never fails: unknown
// names and missing grants are denials.
func (g *Gate) Authorize(grant Grant, name string) bool {
	c, ok := Parse(name)
	if ok && IsBuiltin(c) {
		return true
	}
	if ok && grant != nil && grant.GrantedCapabilities().Has(c) {
		return true
	}
	var instanceID int64
	if grant != nil {
		instanceID = grant.GrantedInstance()
	}
	g.recordDenial(c)
	g.logger.Info("capability denied",
		slog.Int64("instance_id", instanceID),
		slog.String("capability", name),
		slog.Bool("known", ok),
	)
	return false
}

// Denials returns a snapshot of denial counts per capability name.
func (g *Gate) Denials() map[string]int64 {
	out := map[string]int64{}
	g.denials.Range(func(key, value any) bool {
		out[string(key.(Capability))] = value.(*atomic.Int64).Load()
		return true
	})
	return out
}

func (g *Gate) recordDenial(c Capability) {
	counter, _ := g.denials.LoadOrStore(c, new(atomic.Int64))
	counter.(*atomic.Int64).Add(1)
}
