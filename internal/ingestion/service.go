package ingestion

import (
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/verity-health/verity/internal/normalize"
)

type Service struct {
	normalizer       *normalize.Normalizer
	maxBodySizeBytes int

	// seq is the process-wide ingestion sequence counter. It orders rows
	// across batches for last-write-wins tie breaking.
	seq atomic.Int64
}

func NewService(n *normalize.Normalizer, maxBodySizeMB int) *Service {
	if n == nil {
		panic("ingestion: normalizer must not be nil")
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 8 // default to 8MB, batches are large
	}
	return &Service{
		normalizer:       n,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
	}
}

// RegisterRoutes registers the ingestion service routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/records", s.IngestHandler)
}
