// Package ingest routes raw device descriptors into the upsert engine.
// Every source (push API, FTP drop, Kafka topic) converges here.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/fiscalops/fleetwatch/internal/repositories/device"
	"github.com/fiscalops/fleetwatch/pkg/tracing"
)

const serialKey = "serialNumber"

type Pipeline struct {
	devices     *device.Repository
	logger      ectologger.Logger
	recordDelay time.Duration
}

func NewPipeline(devices *device.Repository, recordDelay time.Duration, logger ectologger.Logger) *Pipeline {
	return &Pipeline{devices: devices, logger: logger, recordDelay: recordDelay}
}

// Ingest stores one raw descriptor. name identifies the source (filename or
// endpoint) and keys descriptors that carry no serial number.
func (p *Pipeline) Ingest(ctx context.Context, name string, raw []byte) error {
	ctx, span := tracing.StartSpan(ctx, "Pipeline.Ingest")
	defer span.End()

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("descriptor %s is not a JSON object: %w", name, err)
	}

	return p.ingestFields(ctx, name, fields)
}

// IngestBatch stores a JSON array of descriptors sequentially, pausing the
// configured delay between records. Malformed elements are logged and
// skipped; the batch continues. Returns the number of stored descriptors.
func (p *Pipeline) IngestBatch(ctx context.Context, name string, raw []byte) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "Pipeline.IngestBatch")
	defer span.End()

	var batch []json.RawMessage
	if err := json.Unmarshal(raw, &batch); err != nil {
		return 0, fmt.Errorf("batch %s is not a JSON array: %w", name, err)
	}

	stored := 0
	for i, element := range batch {
		elementName := fmt.Sprintf("%s[%d]", name, i)

		var fields map[string]any
		if err := json.Unmarshal(element, &fields); err != nil {
			p.logger.WithContext(ctx).WithError(err).Warnf("skipping malformed descriptor %s", elementName)
			continue
		}

		if err := p.ingestFields(ctx, elementName, fields); err != nil {
			p.logger.WithContext(ctx).WithError(err).Warnf("failed to store descriptor %s", elementName)
			continue
		}
		stored++

		if p.recordDelay > 0 && i < len(batch)-1 {
			select {
			case <-ctx.Done():
				return stored, ctx.Err()
			case <-time.After(p.recordDelay):
			}
		}
	}

	return stored, nil
}

func (p *Pipeline) ingestFields(ctx context.Context, name string, fields map[string]any) error {
	if serial, ok := fields[serialKey].(string); ok && serial != "" {
		return p.devices.UpsertFiscal(ctx, serial, fields)
	}
	return p.devices.UpsertNotFiscal(ctx, name, fields)
}
