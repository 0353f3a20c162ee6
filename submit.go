package chloris

import (
	"context"
	"fmt"
	"strings"
)

// SubmitSiteParams describes a new site. BoundaryPath and
// ControlBoundaryPath each accept a local file path or an https URL to a
// GeoJSON file on a remote server.
type SubmitSiteParams struct {
	Label        string
	BoundaryPath string
	Description string
	Tags        []string
	// ControlBoundaryPath, when set, submits a control (counterfactual)
	// area alongside the site. A locally uploaded control boundary has the
	// primary boundary's footprint excluded server-side so the two cannot
	// overlap.
	ControlBoundaryPath string
	// Notify controls email notifications when the site is ready;
	// defaults to true when nil.
	Notify *bool
	// Period of interest (end year inclusive).
	PeriodChangeStartYear *int
	PeriodChangeEndYear   *int
	// Resolution of the outputs in meters (30 or 10); server defaults
	// to 30.
	Resolution         *int
	ForestBaselineYear *int
	// Extra fields are merged into the submitted entry verbatim.
	Extra map[string]any
}

// SubmitSite uploads the boundary (and control boundary, when given),
// waits for normalization, and creates the reporting unit. The upload
// strategy is chosen automatically: https URLs are normalized server-side,
// local paths are transferred through the object store.
func (c *Client) SubmitSite(ctx context.Context, p SubmitSiteParams) (ReportingUnitEntry, error) {
	if p.Label == "" {
		return nil, &ValidationError{Reason: "label is required"}
	}
	if p.BoundaryPath == "" {
		return nil, &ValidationError{Reason: "boundary path is required"}
	}
	if isInsecureURL(p.BoundaryPath) || isInsecureURL(p.ControlBoundaryPath) {
		return nil, &ValidationError{Reason: "http urls are not allowed for boundaries, please use https"}
	}

	boundaryRef, err := c.uploadSiteBoundary(ctx, p.BoundaryPath, "")
	if err != nil {
		return nil, fmt.Errorf("upload boundary: %w", err)
	}

	var controlPath string
	if p.ControlBoundaryPath != "" {
		if isRemoteURL(p.ControlBoundaryPath) {
			// Remote control boundaries pass through untouched; only
			// GeoJSON is accepted because the server cannot exclude the
			// primary footprint from a format it has to convert first.
			lower := strings.ToLower(p.ControlBoundaryPath)
			if !strings.HasSuffix(lower, ".geojson") && !strings.HasSuffix(lower, ".json") {
				return nil, &ValidationError{Reason: "only geojson files are supported for remote control boundaries"}
			}
			controlPath = p.ControlBoundaryPath
		} else {
			ref, err := c.uploadSiteBoundary(ctx, p.ControlBoundaryPath, boundaryRef)
			if err != nil {
				return nil, fmt.Errorf("upload control boundary: %w", err)
			}
			controlPath = string(ref)
		}
	}

	notify := true
	if p.Notify != nil {
		notify = *p.Notify
	}
	entry := ReportingUnitEntry{
		"organizationId": c.organizationID,
		"label":          p.Label,
		"boundaryPath":   string(boundaryRef),
		"notify":         notify,
	}
	if p.Description != "" {
		entry["description"] = p.Description
	}
	if len(p.Tags) > 0 {
		entry["tags"] = p.Tags
	}
	if controlPath != "" {
		entry["controlBoundaryPath"] = controlPath
	}
	if p.PeriodChangeStartYear != nil {
		entry["periodChangeStartYear"] = *p.PeriodChangeStartYear
	}
	if p.PeriodChangeEndYear != nil {
		entry["periodChangeEndYear"] = *p.PeriodChangeEndYear
	}
	if p.Resolution != nil {
		entry["resolution"] = *p.Resolution
	}
	if p.ForestBaselineYear != nil {
		entry["forestBaselineYear"] = *p.ForestBaselineYear
	}
	for k, v := range p.Extra {
		entry[k] = v
	}
	return c.PutReportingUnit(ctx, entry)
}

func (c *Client) uploadSiteBoundary(ctx context.Context, path string, exclude StorageRef) (StorageRef, error) {
	if isRemoteURL(path) {
		return c.UploadRemoteGeoJSON(ctx, path, exclude)
	}
	return c.UploadBoundaryFiles(ctx, []string{path}, exclude)
}

func isRemoteURL(path string) bool {
	return strings.HasPrefix(strings.ToLower(path), "https://")
}

func isInsecureURL(path string) bool {
	return strings.HasPrefix(strings.ToLower(path), "http://")
}
