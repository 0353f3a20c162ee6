package chloris

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ReportingUnitEntry is a reporting unit (site) record as exchanged with
// the API. The platform treats entries as open-ended JSON objects, so the
// SDK does too; well-known fields are accessed by name.
type ReportingUnitEntry map[string]any

// ID returns the entry's reportingUnitId, if present.
func (e ReportingUnitEntry) ID() string {
	id, _ := e["reportingUnitId"].(string)
	return id
}

// clone returns a shallow copy so mutation before submission never touches
// the caller's map.
func (e ReportingUnitEntry) clone() ReportingUnitEntry {
	out := make(ReportingUnitEntry, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// coerceYearFields normalizes the period-change years, which some API
// responses return as strings.
func coerceYearFields(e ReportingUnitEntry) {
	for _, field := range []string{"periodChangeStartYear", "periodChangeEndYear"} {
		if s, ok := e[field].(string); ok {
			if n, err := strconv.Atoi(s); err == nil {
				e[field] = n
			}
		}
	}
}

// PutReportingUnit creates or updates a reporting unit. The read-only
// sub-objects (stats, layersConfig, downloads) are stripped before
// submission because the API does not accept them.
func (c *Client) PutReportingUnit(ctx context.Context, entry ReportingUnitEntry) (ReportingUnitEntry, error) {
	entry = entry.clone()
	delete(entry, "downloads")
	delete(entry, "stats")
	delete(entry, "layersConfig")

	var out ReportingUnitEntry
	if err := c.transport.doJSON(ctx, "PUT", "reportingUnit", entry, &out); err != nil {
		return nil, fmt.Errorf("create or update reporting unit: %w", err)
	}
	return out, nil
}

type listReportingUnitsResponse struct {
	ReportingUnits []ReportingUnitEntry `json:"reportingUnits"`
	NextToken      *string              `json:"nextToken"`
}

// ListActiveSites lists the organization's reporting units, following
// pagination and filtering out deleted entries and branch drafts.
func (c *Client) ListActiveSites(ctx context.Context) ([]ReportingUnitEntry, error) {
	var sites []ReportingUnitEntry
	var nextToken *string
	for {
		var page listReportingUnitsResponse
		err := c.transport.doJSON(ctx, "POST", "reportingUnit", map[string]any{
			"organizationId": c.organizationID,
			"nextToken":      nextToken,
		}, &page)
		if err != nil {
			return nil, fmt.Errorf("list reporting units: %w", err)
		}
		for _, unit := range page.ReportingUnits {
			if unit["deletedAt"] != nil || unit["branchId"] != nil {
				continue
			}
			coerceYearFields(unit)
			sites = append(sites, unit)
		}
		if page.NextToken == nil {
			return sites, nil
		}
		nextToken = page.NextToken
	}
}

// GetReportingUnitOptions selects which lazily loaded sub-objects
// GetReportingUnit also fetches.
type GetReportingUnitOptions struct {
	IncludeStats        bool
	IncludeLayersConfig bool
	IncludeDownloads    bool
}

// GetReportingUnit fetches a reporting unit and, when the unit has one, its
// control unit (linked under "controlReportingUnit"). Failures fetching the
// optional sub-objects are logged and skipped, matching the platform UI's
// tolerance for partially processed sites.
func (c *Client) GetReportingUnit(ctx context.Context, reportingUnitID string, opts GetReportingUnitOptions) (ReportingUnitEntry, error) {
	var entries []ReportingUnitEntry
	err := c.transport.doJSON(ctx, "POST", "reportingUnit", map[string]any{
		"organizationId":  c.organizationID,
		"reportingUnitId": reportingUnitID,
	}, &entries)
	if err != nil {
		return nil, fmt.Errorf("get reporting unit: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("reporting unit %s not found", reportingUnitID)
	}

	for _, entry := range entries {
		coerceYearFields(entry)
		if opts.IncludeStats {
			stats, err := c.GetReportingUnitStats(ctx, entry)
			if err != nil {
				c.logger.Debug("stats unavailable", "reportingUnitId", entry.ID(), "error", err)
			} else {
				// Merge stats into the entry; areaKm2 was already dropped
				// by GetReportingUnitStats to avoid clobbering the vector
				// area.
				for k, v := range stats {
					entry[k] = v
				}
			}
		}
		if opts.IncludeLayersConfig {
			layers, err := c.GetReportingUnitLayersConfig(ctx, entry)
			if err != nil {
				c.logger.Debug("layers config unavailable", "reportingUnitId", entry.ID(), "error", err)
			} else {
				entry["layersConfig"] = layers
			}
		}
		if opts.IncludeDownloads {
			downloads, err := c.GetReportingUnitDownloads(ctx, entry)
			if err != nil {
				c.logger.Debug("downloads unavailable", "reportingUnitId", entry.ID(), "error", err)
			} else if downloads != nil {
				entry["downloads"] = downloads
			}
		}
	}

	unit := entries[0]
	if len(entries) > 1 {
		unit["controlReportingUnit"] = entries[1]
	}
	return unit, nil
}

// GetReportingUnitStats fetches the computed statistics for a unit whose
// analysis has completed quality control. The stats' own areaKm2 is dropped
// because it conflicts with the entry's vector area field.
func (c *Client) GetReportingUnitStats(ctx context.Context, entry ReportingUnitEntry) (map[string]any, error) {
	if err := requireAnalysisComplete(entry); err != nil {
		return nil, err
	}
	var stats map[string]any
	if err := c.transport.getJSON(ctx, c.dataPathFor(entry)+"stats.json", &stats); err != nil {
		return nil, fmt.Errorf("get reporting unit stats: %w", err)
	}
	coerceYearFields(stats)
	delete(stats, "areaKm2")
	return stats, nil
}

// GetReportingUnitLayersConfig fetches the map-layer configuration for a
// quality-controlled unit.
func (c *Client) GetReportingUnitLayersConfig(ctx context.Context, entry ReportingUnitEntry) (map[string]any, error) {
	if err := requireAnalysisComplete(entry); err != nil {
		return nil, err
	}
	var layers map[string]any
	if err := c.transport.getJSON(ctx, c.dataPathFor(entry)+"layers.json", &layers); err != nil {
		return nil, fmt.Errorf("get reporting unit layers config: %w", err)
	}
	return layers, nil
}

// GetReportingUnitDownloads fetches the downloads index for a unit, or
// returns nil when no index is available yet.
func (c *Client) GetReportingUnitDownloads(ctx context.Context, entry ReportingUnitEntry) (map[string]any, error) {
	if !analysisComplete(entry) {
		return nil, nil
	}
	var downloads map[string]any
	if err := c.transport.getJSON(ctx, c.dataPathFor(entry)+"downloads.json", &downloads); err != nil {
		var te *TransportError
		if errors.As(err, &te) && te.StatusCode != 0 {
			// Index not published yet.
			return nil, nil
		}
		return nil, fmt.Errorf("get reporting unit downloads: %w", err)
	}
	return downloads, nil
}

// DownloadBoundary fetches a normalized boundary back from the platform so
// callers can confirm the normalizer's output matches their expectation
// (format conversion can move vertices in surprising ways).
func (c *Client) DownloadBoundary(ctx context.Context, ref StorageRef) ([]byte, error) {
	var raw json.RawMessage
	endpoint := c.apiEndpoint + "boundary/content?path=" + url.QueryEscape(string(ref))
	if err := c.transport.getJSON(ctx, endpoint, &raw); err != nil {
		return nil, fmt.Errorf("download boundary: %w", err)
	}
	return raw, nil
}

func analysisComplete(entry ReportingUnitEntry) bool {
	return entry["analysisCompletedAt"] != nil && entry["qualityControlledAt"] != nil
}

func requireAnalysisComplete(entry ReportingUnitEntry) error {
	if !analysisComplete(entry) {
		return &ValidationError{Reason: "analysis not completed for reporting unit " + entry.ID()}
	}
	return nil
}

// dataPathFor resolves the base URL of a unit's computed data files. The
// entry's own dataPath wins when present; store-internal paths are
// translated to the public data endpoint.
func (c *Client) dataPathFor(entry ReportingUnitEntry) string {
	if dp, ok := entry["dataPath"].(string); ok && dp != "" {
		dp = strings.TrimSuffix(dp, "/") + "/"
		return strings.Replace(dp, "s3://chloris-app-data/data/", c.dataPath, 1)
	}
	unitID := entry.ID()
	if version, ok := entry["versionId"].(string); ok && version != "" {
		unitID += "_" + version
	}
	org, _ := entry["organizationId"].(string)
	if org == "" {
		org = c.organizationID
	}
	return c.dataPath + org + "/" + unitID + "/"
}
