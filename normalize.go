package chloris

import (
	"context"
	"fmt"
	"time"
)

// Normalization job states as reported by the API. succeeded and failed are
// terminal.
const (
	jobStatePending    = "pending"
	jobStateProcessing = "processing"
	jobStateSucceeded  = "succeeded"
	jobStateFailed     = "failed"
)

type normalizationJob struct {
	JobID      string `json:"jobId"`
	State      string `json:"state"`
	ResultPath string `json:"resultPath,omitempty"`
	Error      string `json:"error,omitempty"`
}

type normalizationRequest struct {
	OrganizationID      string `json:"organizationId"`
	UploadID            string `json:"uploadId"`
	UploadPath          string `json:"uploadPath"`
	ExcludeGeometryPath string `json:"excludeGeometryPath,omitempty"`
}

// submitNormalization asks the server to normalize an uploaded boundary and
// returns the job id to poll. excludeGeometryPath, when set, makes the
// server subtract that previously normalized geometry's footprint before
// applying its sparseness and complexity checks.
func (c *Client) submitNormalization(ctx context.Context, uploadID, uploadPath string, exclude StorageRef) (string, error) {
	var job normalizationJob
	err := c.transport.doJSON(ctx, "POST", "boundary", normalizationRequest{
		OrganizationID:      c.organizationID,
		UploadID:            uploadID,
		UploadPath:          uploadPath,
		ExcludeGeometryPath: string(exclude),
	}, &job)
	if err != nil {
		return "", fmt.Errorf("submit boundary for normalization: %w", err)
	}
	if job.JobID == "" {
		return "", fmt.Errorf("normalization submission returned no job id")
	}
	return job.JobID, nil
}

// waitForNormalization polls the job at a fixed interval until it reaches a
// terminal state or the overall timeout elapses. Each poll is a single
// idempotent read. A timeout is not a failure: the job may still complete
// server-side after the client gives up, and the returned error says so.
func (c *Client) waitForNormalization(ctx context.Context, jobID string) (StorageRef, error) {
	started := time.Now()
	deadline := started.Add(c.pollTimeout)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var job normalizationJob
		if err := c.transport.doJSON(ctx, "GET", "boundary/"+jobID, nil, &job); err != nil {
			return "", fmt.Errorf("poll normalization job %s: %w", jobID, err)
		}
		switch job.State {
		case jobStateSucceeded:
			if job.ResultPath == "" {
				return "", fmt.Errorf("normalization job %s succeeded without a result path", jobID)
			}
			c.logger.Debug("boundary normalized", "jobId", jobID, "resultPath", job.ResultPath)
			return StorageRef(job.ResultPath), nil
		case jobStateFailed:
			return "", &BoundaryNormalizationError{JobID: jobID, Detail: job.Error}
		case jobStatePending, jobStateProcessing:
			// keep waiting
		default:
			return "", fmt.Errorf("normalization job %s reported unknown state %q", jobID, job.State)
		}

		if time.Now().After(deadline) {
			return "", &NormalizationTimeoutError{JobID: jobID, Elapsed: time.Since(started).Round(time.Second)}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
