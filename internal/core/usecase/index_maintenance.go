package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
	"github.com/kirillkom/kedb-retrieval/internal/core/ports"
)

// NamedAdmin pairs an index backend with the name used in logs and errors.
type NamedAdmin struct {
	Name  string
	Admin ports.IndexAdmin
}

type IndexMaintenanceUseCase struct {
	admins []NamedAdmin
	sync   *Synchronizer
	source ports.SourceReader
	logger *slog.Logger
}

func NewIndexMaintenanceUseCase(admins []NamedAdmin, sync *Synchronizer, source ports.SourceReader, logger *slog.Logger) *IndexMaintenanceUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexMaintenanceUseCase{admins: admins, sync: sync, source: source, logger: logger}
}

// InitIndexes declares index settings on every backend. Backends treat an
// existing index as success, so repeated calls are safe.
func (uc *IndexMaintenanceUseCase) InitIndexes(ctx context.Context) error {
	for _, backend := range uc.admins {
		if err := backend.Admin.EnsureIndexes(ctx); err != nil {
			return domain.WrapError(domain.ErrTemporary, "init "+backend.Name+" indexes", err)
		}
		uc.logger.Info("indexes_initialized", "backend", backend.Name)
	}
	return nil
}

// Health fails with ErrTemporary naming the first unreachable backend.
func (uc *IndexMaintenanceUseCase) Health(ctx context.Context) error {
	for _, backend := range uc.admins {
		if err := backend.Admin.Health(ctx); err != nil {
			return domain.WrapError(domain.ErrTemporary, backend.Name+" health", err)
		}
	}
	return nil
}

// RebuildAll fails with ErrTemporary when no source reader is configured,
// like every other unwired dependency.
func (uc *IndexMaintenanceUseCase) RebuildAll(ctx context.Context) (domain.RebuildReport, error) {
	if uc.source == nil || uc.sync == nil {
		return domain.RebuildReport{}, domain.WrapError(domain.ErrTemporary, "rebuild", fmt.Errorf("no source reader configured"))
	}
	return uc.sync.RebuildAll(ctx, uc.source)
}
