package ingestion

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	httperr "github.com/verity-health/verity/internal/core/errors"
	"github.com/verity-health/verity/internal/core/model"
)

const (
	msgReadBodyFailed = "Failed to read request body"
	msgInvalidJSON    = "Invalid JSON body"
	msgEmptyBatch     = "Batch must contain at least one record"
	msgIngestFailed   = "Failed to ingest batch"
)

// ingestionError carries the structured HTTP error shape from a helper back to the orchestrator.
// Helpers return this instead of writing to gin.Context directly, keeping them decoupled from HTTP.
type ingestionError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *ingestionError) Error() string {
	return e.message
}

// IngestHandler handles HTTP POST requests for batch record ingestion.
// Row-level failures never fail the request; they show up in the report.
func (s *Service) IngestHandler(c *gin.Context) {
	batch, payloadSize, err := s.parseBatch(c)
	if err != nil {
		writeError(c, err)
		return
	}

	// Stamp every row with a process-wide sequence number before any
	// validation, so rejected rows are reportable by position too.
	for i := range batch {
		batch[i].Seq = s.seq.Add(1)
	}

	slog.Info("Received Batch",
		"records", len(batch),
		"payload_size", payloadSize)

	report, ingErr := s.normalizer.Ingest(c.Request.Context(), batch)
	if ingErr != nil {
		slog.Error("Batch ingestion failed", "error", ingErr)
		writeError(c, &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgIngestFailed,
		})
		return
	}

	slog.Info("Batch ingested",
		"batch_id", report.BatchID,
		"accepted", report.Accepted,
		"rejected", report.Rejected,
		"deduplicated", report.Deduplicated)

	c.JSON(http.StatusOK, report)
}

// parseBatch reads the raw request body and binds it into a record slice.
// Returns the batch and the raw payload size (used for structured logging upstream).
func (s *Service) parseBatch(c *gin.Context) ([]model.RawRecord, int, *ingestionError) {
	// Enforce maximum body size to prevent OOM attacks
	maxBytes := int64(s.maxBodySizeBytes)
	limitedBody := io.LimitReader(c.Request.Body, maxBytes+1) // +1 to detect oversized requests

	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		slog.Error("Failed to read request body", "error", err)
		return nil, 0, &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
		}
	}

	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return nil, len(bodyBytes), &ingestionError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpInvalidJsonError,
			message:    "Request body exceeds maximum allowed size",
			details: map[string]interface{}{
				"max_size_mb": maxBytes / (1024 * 1024),
			},
		}
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	var batch []model.RawRecord
	if err := c.ShouldBindJSON(&batch); err != nil {
		slog.Warn("Invalid JSON body received", "error", err, "payload_size", len(bodyBytes))
		return nil, len(bodyBytes), &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
		}
	}

	if len(batch) == 0 {
		return nil, len(bodyBytes), &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgEmptyBatch,
		}
	}

	return batch, len(bodyBytes), nil
}

// writeError serializes an ingestionError as the JSON HTTP response.
func writeError(c *gin.Context, err *ingestionError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}
