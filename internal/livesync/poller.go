// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package livesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	xglog "github.com/ManuGH/sheetsync/internal/log"
	"github.com/ManuGH/sheetsync/internal/telemetry"
)

// PollResult is the aggregated outcome of one wave.
type PollResult struct {
	Partitions    map[string]PartitionData
	RowsProcessed int
	Errors        []*PartitionError
	Duration      time.Duration
}

// Failed reports whether the wave produced no partition at all.
func (r PollResult) Failed() bool {
	return len(r.Partitions) == 0 && len(r.Errors) > 0
}

// Err joins the partition errors of the wave, or returns nil.
func (r PollResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Poller pulls a session's partitions from a DataSource in bounded batches.
// It only reads session configuration; outcomes are returned to the caller.
type Poller struct {
	source   DataSource
	timeout  time.Duration
	classify Classifier
	clock    func() time.Time
	logger   zerolog.Logger
}

// NewPoller creates a poller. A non-positive timeout disables the per-fetch
// deadline and leaves bounding to the DataSource.
func NewPoller(source DataSource, timeout time.Duration, classify Classifier) *Poller {
	return &Poller{
		source:   source,
		timeout:  timeout,
		classify: classify,
		clock:    time.Now,
		logger:   xglog.WithComponent("livesync.poller"),
	}
}

type fetchOutcome struct {
	data PartitionData
	err  *PartitionError
}

// Poll fetches keys in consecutive chunks of batchSize. Within a chunk at most
// maxConcurrent fetches are in flight; the next chunk starts once the current
// one has drained. A failing partition never aborts its chunk or the wave.
func (p *Poller) Poll(ctx context.Context, tenant Tenant, keys []string, batchSize, maxConcurrent int) PollResult {
	if batchSize <= 0 {
		batchSize = len(keys)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	start := p.clock()
	ctx, span := telemetry.Tracer("livesync").Start(ctx, "livesync.poll")
	defer span.End()
	span.SetAttributes(
		attribute.String(telemetry.SyncTenantKey, tenant.ID),
		attribute.Int(telemetry.SyncPartitionsKey, len(keys)),
		attribute.Int(telemetry.SyncBatchSizeKey, batchSize),
		attribute.Int(telemetry.SyncConcurrencyKey, maxConcurrent),
	)

	outcomes := make([]fetchOutcome, len(keys))
	for lo := 0; lo < len(keys); lo += batchSize {
		hi := min(lo+batchSize, len(keys))
		if err := ctx.Err(); err != nil {
			for i := lo; i < len(keys); i++ {
				outcomes[i] = fetchOutcome{err: &PartitionError{Partition: keys[i], Err: err}}
			}
			break
		}

		var g errgroup.Group
		g.SetLimit(maxConcurrent)
		for i := lo; i < hi; i++ {
			g.Go(func() error {
				data, err := p.FetchOne(ctx, tenant, keys[i])
				if err != nil {
					var perr *PartitionError
					if !errors.As(err, &perr) {
						perr = &PartitionError{Partition: keys[i], Err: err}
					}
					outcomes[i] = fetchOutcome{err: perr}
					return nil
				}
				outcomes[i] = fetchOutcome{data: data}
				return nil
			})
		}
		_ = g.Wait()
	}

	res := PollResult{Partitions: make(map[string]PartitionData, len(keys))}
	for _, o := range outcomes {
		if o.err != nil {
			p.logger.Warn().
				Err(o.err.Err).
				Str(xglog.FieldTenantID, tenant.ID).
				Str(xglog.FieldPartition, o.err.Partition).
				Msg("partition fetch failed")
			res.Errors = append(res.Errors, o.err)
			continue
		}
		res.Partitions[o.data.Key] = o.data
		res.RowsProcessed += o.data.Total
	}
	res.Duration = p.clock().Sub(start)

	span.SetAttributes(
		attribute.Int(telemetry.SyncRowsKey, res.RowsProcessed),
		attribute.Int(telemetry.SyncPartitionErrorsKey, len(res.Errors)),
	)
	if res.Failed() {
		span.SetStatus(codes.Error, ErrAllPartitionsFailed.Error())
	}
	return res
}

// FetchOne fetches a single partition under the per-fetch timeout. A panic in
// the DataSource is converted into a PartitionError.
func (p *Poller) FetchOne(ctx context.Context, tenant Tenant, key string) (data PartitionData, err error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = &PartitionError{Partition: key, Err: fmt.Errorf("data source panic: %v", rec)}
		}
	}()

	rows, ferr := p.source.FetchRows(ctx, tenant, key)
	if ferr != nil {
		return PartitionData{}, &PartitionError{Partition: key, Err: ferr}
	}
	return newPartitionData(key, rows, p.classify, p.clock()), nil
}
