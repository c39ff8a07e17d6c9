// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package livesync

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/zeebo/xxh3"
)

// fingerprintEntry is the stable serialization unit: partitions are visited
// in key order and encoding/json writes Row keys sorted. Fetch timestamps are
// excluded so an unchanged upstream yields an unchanged fingerprint.
type fingerprintEntry struct {
	Key  string `json:"k"`
	Rows []Row  `json:"r"`
}

// fingerprint hashes the content of partitions. Collisions only cost a
// missed change notification; the next differing wave corrects it.
func fingerprint(partitions map[string]PartitionData) uint64 {
	h := xxh3.New()
	enc := json.NewEncoder(h)
	for _, key := range slices.Sorted(maps.Keys(partitions)) {
		rows := partitions[key].Rows
		if rows == nil {
			rows = []Row{}
		}
		// Encoding a []Row of string maps cannot fail.
		_ = enc.Encode(fingerprintEntry{Key: key, Rows: rows})
	}
	return h.Sum64()
}

// changeDetector remembers the last fingerprint of one session.
type changeDetector struct {
	last uint64
	seen bool
}

// observe records fp and reports whether it differs from the previous value.
// The first observation always counts as a change.
func (d *changeDetector) observe(fp uint64) bool {
	if d.seen && d.last == fp {
		return false
	}
	d.last = fp
	d.seen = true
	return true
}

func (d *changeDetector) reset() {
	*d = changeDetector{}
}
