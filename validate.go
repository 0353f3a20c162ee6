package chloris

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// geoJSONTypes are the values of the top-level "type" member accepted as an
// inline boundary: a FeatureCollection, a single Feature, or a bare
// geometry object.
var geoJSONTypes = map[string]bool{
	"FeatureCollection":  true,
	"Feature":            true,
	"Polygon":            true,
	"MultiPolygon":       true,
	"GeometryCollection": true,
	"Point":              true,
	"MultiPoint":         true,
	"LineString":         true,
	"MultiLineString":    true,
}

// shapefileSidecars lists the companion extensions of a .shp primary file.
// The attribute table and the shape index are required; a projection file
// is uploaded when present but its absence is tolerated (the normalizer
// assumes WGS84 when projection metadata is missing).
var (
	shapefileRequiredSidecars = []string{".dbf", ".shx"}
	shapefileOptionalSidecars = []string{".prj"}
)

// validateGeoJSON checks that raw parses as a GeoJSON object of an accepted
// type. This is a shape check only; geometry validity is the server's job.
func validateGeoJSON(raw []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return &ValidationError{Reason: "boundary is not valid JSON: " + err.Error()}
	}
	if !geoJSONTypes[probe.Type] {
		if probe.Type == "" {
			return &ValidationError{Reason: `boundary JSON has no "type" member`}
		}
		return &ValidationError{Reason: "unsupported GeoJSON type " + probe.Type}
	}
	return nil
}

// resolveBoundaryFiles expands and verifies the file set for a file-based
// boundary upload. For a shapefile primary, the required sidecars must sit
// next to it; optional sidecars are included when present. Every returned
// path is confirmed to exist before any network call is made.
func resolveBoundaryFiles(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, &ValidationError{Reason: "no boundary files given"}
	}
	files := make([]string, 0, len(paths)+3)
	seen := make(map[string]bool, len(paths)+3)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	for _, p := range paths {
		if strings.EqualFold(filepath.Ext(p), ".shp") {
			base := strings.TrimSuffix(p, filepath.Ext(p))
			for _, ext := range shapefileRequiredSidecars {
				sidecar, ok := findSidecar(base, ext, paths)
				if !ok {
					return nil, &ValidationError{Reason: "shapefile sidecar missing: " + base + ext}
				}
				add(sidecar)
			}
			for _, ext := range shapefileOptionalSidecars {
				if sidecar, ok := findSidecar(base, ext, paths); ok {
					add(sidecar)
				}
			}
		}
		add(p)
	}

	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return nil, &ValidationError{Reason: "file does not exist: " + f}
		}
	}
	return files, nil
}

// findSidecar looks for base+ext among the explicitly provided paths first,
// then on disk next to the primary file.
func findSidecar(base, ext string, provided []string) (string, bool) {
	want := base + ext
	for _, p := range provided {
		if strings.EqualFold(p, want) {
			return p, true
		}
	}
	if _, err := os.Stat(want); err == nil {
		return want, true
	}
	return "", false
}

// fileExtension returns everything after the first dot of the base name, so
// compound extensions like "aux.xml" survive the upload key.
func fileExtension(path string) string {
	name := filepath.Base(path)
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return ""
}
