package modules

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrModuleConflict is returned when a module event collides with
// stored module information and the registry is configured to fail on
// conflicts.
var ErrModuleConflict = errors.New("conflicting module information")

// ErrUnknownProcess is returned when a process-end event references a
// process id the registry has never seen.
var ErrUnknownProcess = errors.New("unknown process id")

// Registry maps process ids to their module address spaces and applies
// module load/unload events with conflict reconciliation.
type Registry struct {
	log            logrus.FieldLogger
	failOnConflict bool
	processes      map[uint32]*Space
}

// NewRegistry creates an empty Registry. When failOnConflict is false
// (the robust default for noisy sources), unreconciled conflicts are
// logged and absorbed instead of returned as errors.
func NewRegistry(log logrus.FieldLogger, failOnConflict bool) *Registry {
	return &Registry{
		log:            log.WithField("component", "modules"),
		failOnConflict: failOnConflict,
		processes:      make(map[uint32]*Space),
	}
}

// space returns the module space for pid, creating it on first use.
func (g *Registry) space(pid uint32) *Space {
	s, ok := g.processes[pid]
	if !ok {
		s = &Space{}
		g.processes[pid] = s
	}

	return s
}

// Add records a loaded module for pid.
//
// Zero-size and empty-path records occur in legacy traces and are
// accepted as no-ops. A colliding entry that matches on base, size,
// checksum and timestamp with an equal path basename is the same
// module reported under an aliased path (device namespace vs drive
// letter) and is also a no-op. Colliding dirty entries are evicted
// and the insert retried; anything else is a genuine conflict.
func (g *Registry) Add(pid uint32, info Info) error {
	if info.ModuleSize == 0 || info.Path == "" {
		return nil
	}

	s := g.space(pid)
	rng := NewRange(info.BaseAddress, info.ModuleSize)

	e, inserted := s.findOrInsert(rng, info)
	if inserted {
		return nil
	}

	if info.BaseAddress == e.info.BaseAddress &&
		info.ModuleSize == e.info.ModuleSize &&
		info.Checksum == e.info.Checksum &&
		info.TimeDateStamp == e.info.TimeDateStamp &&
		basename(info.Path) == basename(e.info.Path) {
		return nil
	}

	// Process id reuse: a prior unload or process end marked the
	// stale entry dirty, so a conflicting insert may evict it.
	for e.dirty {
		s.remove(e.rng)

		e, inserted = s.findOrInsert(rng, info)
		if inserted {
			return nil
		}
	}

	g.log.WithFields(logrus.Fields{
		"pid":           pid,
		"path":          info.Path,
		"base":          info.BaseAddress,
		"size":          info.ModuleSize,
		"existing_path": e.info.Path,
		"existing_base": e.info.BaseAddress,
		"existing_size": e.info.ModuleSize,
	}).Error("Conflicting module information")

	if g.failOnConflict {
		return ErrModuleConflict
	}

	return nil
}

// Remove records a module unload for pid. The entry is marked dirty
// rather than removed: events within a process are not strictly
// ordered across buffer flushes, so a later function event may still
// reference the module. An unload with no matching entry is a no-op
// (some modules emit duplicate unload events).
func (g *Registry) Remove(pid uint32, info Info) error {
	if info.ModuleSize == 0 || info.Path == "" {
		return nil
	}

	s := g.space(pid)
	rng := NewRange(info.BaseAddress, info.ModuleSize)

	e := s.findFirstIntersection(rng)
	if e == nil {
		return nil
	}

	if e.rng != rng {
		g.log.WithFields(logrus.Fields{
			"pid":  pid,
			"path": info.Path,
			"base": info.BaseAddress,
			"size": info.ModuleSize,
		}).Error("Removing module with mismatched range")

		if g.failOnConflict {
			return ErrModuleConflict
		}
	}

	e.dirty = true

	return nil
}

// MarkProcessEnded marks every module of pid dirty. The space itself
// is retained so that in-flight events for the dead process still
// resolve; entries are evicted lazily when the pid is reused.
func (g *Registry) MarkProcessEnded(pid uint32) error {
	s, ok := g.processes[pid]
	if !ok {
		g.log.WithField("pid", pid).Error("Unknown process id")

		return ErrUnknownProcess
	}

	s.each(func(e *entry) {
		e.dirty = true
	})

	return nil
}

// Lookup returns the module containing addr in pid's address space.
// Dirty entries are still returned: they remain authoritative for
// late events until a conflicting insert replaces them.
func (g *Registry) Lookup(pid uint32, addr uint64) (Info, bool) {
	s, ok := g.processes[pid]
	if !ok {
		return Info{}, false
	}

	e := s.findFirstIntersection(Range{Base: addr, End: addr + 1})
	if e == nil {
		return Info{}, false
	}

	return e.info, true
}

// ProcessCount returns the number of tracked processes.
func (g *Registry) ProcessCount() int {
	return len(g.processes)
}

// ModuleCount returns the total number of tracked module entries
// across all processes, dirty entries included.
func (g *Registry) ModuleCount() int {
	n := 0
	for _, s := range g.processes {
		n += s.Len()
	}

	return n
}

// basename returns the final path component, splitting on both
// separator styles since traces mix device-namespace and drive-letter
// paths.
func basename(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}

	return p
}
