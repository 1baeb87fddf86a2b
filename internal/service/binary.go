package service

import (
	"context"

	"github.com/Guizzs26/erp-table-sync/internal/models"
)

type BlobSource interface {
	FetchBlob(ctx context.Context, table *models.TargetTable, businessKey, field string) ([]byte, error)
}

type BlobStore interface {
	StoreBinary(ctx context.Context, localTable, businessKey, field string, data []byte) error
}

// BlobCopier is the BinaryFetcher that copies blob columns from the ERP into the local table
type BlobCopier struct {
	src BlobSource
	dst BlobStore
}

func NewBlobCopier(src BlobSource, dst BlobStore) *BlobCopier {
	return &BlobCopier{src: src, dst: dst}
}

func (c *BlobCopier) Fetch(ctx context.Context, table *models.TargetTable, businessKey, field string) error {
	data, err := c.src.FetchBlob(ctx, table, businessKey, field)
	if err != nil {
		return err
	}
	return c.dst.StoreBinary(ctx, table.LocalTableName, businessKey, field, data)
}
