package pool

import (
	"log"
	"sort"
)

// Reconcile keys active pool workers by local miner name. Inactive and
// unknown-status workers are ignored; workers with no mapping are logged
// and returned in dropped. If two workers land on the same local name the
// one with the higher hashrate wins, then the later update, then the
// smaller worker name, so the result does not depend on input order.
func Reconcile(workers []WorkerRecord, mapping *IdentityMapping) (map[string]WorkerRecord, []string) {
	out := make(map[string]WorkerRecord)
	var dropped []string

	for _, w := range workers {
		if w.Status != WorkerActive {
			continue
		}
		local, ok := "", false
		if mapping != nil {
			local, ok = mapping.LocalName(w.WorkerName)
		}
		if !ok {
			dropped = append(dropped, w.WorkerName)
			continue
		}
		if cur, exists := out[local]; exists && !preferred(w, cur) {
			continue
		}
		out[local] = w
	}

	if len(dropped) > 0 {
		sort.Strings(dropped)
		log.Printf("Pool workers without a local mapping: %v", dropped)
	}
	return out, dropped
}

// preferred reports whether a should replace b.
func preferred(a, b WorkerRecord) bool {
	if a.HashrateHs != b.HashrateHs {
		return a.HashrateHs > b.HashrateHs
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.WorkerName < b.WorkerName
}
