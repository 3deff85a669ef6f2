package consolidate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"feescan/internal/model"
	"feescan/internal/storage"
)

// Consolidator merges every protocol match table into the combined,
// normalized table. Always a full rebuild: rebuilding from scratch cannot
// drift the way partial merges do, and the source tables stay authoritative.
type Consolidator struct {
	reader storage.MatchReader
	writer storage.ConsolidatedWriter
	logger *zap.Logger
}

func NewConsolidator(reader storage.MatchReader, writer storage.ConsolidatedWriter, logger *zap.Logger) *Consolidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consolidator{reader: reader, writer: writer, logger: logger}
}

// Run reads every listener table, maps rows through the per-protocol field
// mappings, and replaces the consolidated table.
func (c *Consolidator) Run(ctx context.Context) error {
	listeners, err := c.reader.Listeners(ctx)
	if err != nil {
		return fmt.Errorf("list protocol tables: %w", err)
	}

	var records []model.ConsolidatedRecord
	for _, listener := range listeners {
		if err := ctx.Err(); err != nil {
			return err
		}

		matches, err := c.reader.ReadMatches(ctx, listener)
		if err != nil {
			return fmt.Errorf("read matches for %s: %w", listener, err)
		}

		mapping := MappingFor(listener)
		for _, m := range matches {
			records = append(records, mapping.Apply(m))
		}
		c.logger.Info("consolidated listener",
			zap.String("listener", listener),
			zap.Int("rows", len(matches)),
		)
	}

	if err := c.writer.ReplaceConsolidated(ctx, records); err != nil {
		return fmt.Errorf("rewrite consolidated table: %w", err)
	}

	c.logger.Info("consolidation complete",
		zap.Int("listeners", len(listeners)),
		zap.Int("rows", len(records)),
	)
	return nil
}
