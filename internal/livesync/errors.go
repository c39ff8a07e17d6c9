// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package livesync

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned for operations on an unknown or stopped session.
	ErrSessionNotFound = errors.New("sync session not found")

	// ErrSessionSetup classifies every failure that prevents a session from starting.
	ErrSessionSetup = errors.New("sync session setup failed")

	// ErrNoPartitions is returned when a session resolves to an empty partition list.
	ErrNoPartitions = errors.New("no partitions to sync")

	// ErrUnknownPartition is returned by RefreshOne for a key outside the session's partitions.
	ErrUnknownPartition = errors.New("partition is not part of the session")

	// ErrAllPartitionsFailed marks a wave in which no partition could be fetched.
	ErrAllPartitionsFailed = errors.New("all partitions failed")

	// ErrRegistryClosed is returned by Start after StopAll has shut the registry down.
	ErrRegistryClosed = errors.New("sync registry is closed")
)

// PartitionError is a fetch failure isolated to one partition.
type PartitionError struct {
	Partition string
	Err       error
}

func (e *PartitionError) Error() string {
	return fmt.Sprintf("partition %q: %v", e.Partition, e.Err)
}

func (e *PartitionError) Unwrap() error {
	return e.Err
}

func setupError(err error) error {
	return fmt.Errorf("%w: %w", ErrSessionSetup, err)
}
