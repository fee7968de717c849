package audit

import (
	"context"
	"fmt"

	"github.com/muaviaUsmani/bananas/internal/logger"
)

// Processor routes audit records to the primary sink and falls back to the
// secondary on any primary failure. A record that fails both sinks is
// reported to the caller and never silently reattempted.
type Processor struct {
	primary   Sink
	secondary Sink
	log       logger.Logger
}

// NewProcessor wires the two sinks together. secondary may be nil, in
// which case primary failures propagate directly.
func NewProcessor(primary, secondary Sink) *Processor {
	return &Processor{
		primary:   primary,
		secondary: secondary,
		log:       logger.Default().WithComponent(logger.ComponentAudit),
	}
}

// Process writes one record: primary first, secondary on primary failure.
func (p *Processor) Process(ctx context.Context, record *Record) error {
	primaryErr := p.primary.Write(ctx, record)
	if primaryErr == nil {
		return nil
	}

	if p.secondary == nil {
		return primaryErr
	}

	p.log.Warn("audit primary sink failed, using fallback",
		"record_id", record.ID, "error", primaryErr)

	if err := p.secondary.Write(ctx, record); err != nil {
		return fmt.Errorf("audit: primary failed (%v); fallback failed: %w", primaryErr, err)
	}
	return nil
}

// Health reports primary health, falling back to the secondary's when the
// primary is down.
func (p *Processor) Health(ctx context.Context) error {
	primaryErr := p.primary.Health(ctx)
	if primaryErr == nil {
		return nil
	}
	if p.secondary == nil {
		return primaryErr
	}
	if err := p.secondary.Health(ctx); err != nil {
		return fmt.Errorf("audit: primary unhealthy (%v); fallback unhealthy: %w", primaryErr, err)
	}
	return nil
}

// Stats returns per-sink counters keyed by role.
func (p *Processor) Stats() map[string]Stats {
	stats := map[string]Stats{"primary": p.primary.Stats()}
	if p.secondary != nil {
		stats["secondary"] = p.secondary.Stats()
	}
	return stats
}

// Close releases both sinks.
func (p *Processor) Close() error {
	err := p.primary.Close()
	if p.secondary != nil {
		if serr := p.secondary.Close(); err == nil {
			err = serr
		}
	}
	return err
}
