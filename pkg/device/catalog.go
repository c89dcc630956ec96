package device

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
)

var (
	registryMu sync.Mutex
	registry   []Driver
)

// RegisterBackend adds a backend driver to the process-wide registry.
// Backend packages (internal/backend/cuda, .../opencl, .../simd) call this
// from an init() func, giving Catalog an explicit registry instead of
// reflection-driven discovery.
func RegisterBackend(d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, d)
}

// Filter narrows Discover to a subset of backends and/or devices.
type Filter struct {
	Backends  []Kind
	Predicate func(Capabilities) bool
}

func (f Filter) allowsBackend(k Kind) bool {
	if len(f.Backends) == 0 {
		return true
	}
	for _, want := range f.Backends {
		if want == k {
			return true
		}
	}
	return false
}

func (f Filter) allowsCapabilities(c Capabilities) bool {
	if f.Predicate == nil {
		return true
	}
	return f.Predicate(c)
}

// Catalog is an immutable, idempotent snapshot of discovered devices.
type Catalog struct {
	devices []Descriptor
}

// Discover enumerates all registered backends matching filter. It never
// panics: a backend whose Probe panics is recovered and recorded as a
// single device with StatusError carrying the panic as its status reason,
// logged through log.Error. A backend with no driver registered (missing library) is
// silently omitted, logged at Info.
func Discover(log logr.Logger, filter Filter) *Catalog {
	registryMu.Lock()
	drivers := append([]Driver(nil), registry...)
	registryMu.Unlock()

	var all []Descriptor
	for _, drv := range drivers {
		if !filter.allowsBackend(drv.Kind()) {
			continue
		}
		descs := probeRecovered(log, drv)
		for _, d := range descs {
			if d.status == StatusAvailable && !filter.allowsCapabilities(d.Capabilities) {
				continue
			}
			all = append(all, d)
		}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].ID.Less(all[j].ID) })
	return &Catalog{devices: all}
}

func probeRecovered(log logr.Logger, drv Driver) (result []Descriptor) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(fmt.Errorf("panic: %v", r), "backend probe panicked, marking unavailable",
				"backend", drv.Kind().String())
			result = []Descriptor{{
				ID:           ID{Kind: drv.Kind()},
				Name:         drv.Kind().String(),
				status:       StatusError,
				statusReason: fmt.Errorf("device: backend %s panicked during probe: %v", drv.Kind(), r),
				driver:       drv,
			}}
		}
	}()

	descs, err := drv.Probe()
	if err != nil {
		log.Info("backend unavailable", "backend", drv.Kind().String(), "reason", err.Error())
		return nil
	}
	for i := range descs {
		descs[i].driver = drv
		if descs[i].status == 0 && descs[i].statusReason == nil {
			descs[i].status = StatusAvailable
		}
	}
	return descs
}

// Devices returns the catalog's devices in stable (Kind, native index)
// order. Repeated calls return the identical slice contents.
func (c *Catalog) Devices() []Descriptor {
	out := make([]Descriptor, len(c.devices))
	copy(out, c.devices)
	return out
}

// Get returns the descriptor for id, or false if id is not in the catalog.
func (c *Catalog) Get(id ID) (Descriptor, bool) {
	for _, d := range c.devices {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}
