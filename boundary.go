package chloris

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/chloris-earth/chloris-sdk-go/internal/s3io"
)

// StorageRef is an opaque path identifying a normalized boundary in the
// remote object store. It is produced only by a successful upload and
// normalization cycle, and is the handle used to link a boundary into a
// reporting-unit submission.
type StorageRef string

// uploadSession is the destination the API issues for one upload request.
type uploadSession = s3io.Session

// objectStore is the transfer engine for one upload session.
type objectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) error
	PutMultipart(ctx context.Context, key string, r io.ReaderAt, size int64, metadata map[string]string) error
	ObjectURL(key string) string
}

func (c *Client) newObjectStore(_ context.Context, sess uploadSession) (objectStore, error) {
	return s3io.New(sess, c.partSize, c.partConcurrency, c.logger), nil
}

// Upload strategy, resolved once at the start of the upload call. All
// variants share one linear state machine, so the normalization flow is
// written exactly once.
type boundarySourceKind int

const (
	sourceInlineGeoJSON boundarySourceKind = iota
	sourceLocalFiles
	sourceRemoteGeoJSON
)

type boundarySource struct {
	kind      boundarySourceKind
	inline    []byte
	files     []string
	remoteURL string
}

// UploadInlineGeoJSON uploads a GeoJSON boundary held in memory and waits
// for server-side normalization. Compared to UploadBoundaryFiles the
// server applies relaxed size and complexity limits, but only GeoJSON is
// accepted. excludeGeometryPath, when non-empty, names a previously
// normalized boundary whose footprint the server subtracts before
// validating this one (used for control-site boundaries).
func (c *Client) UploadInlineGeoJSON(ctx context.Context, geojson []byte, excludeGeometryPath StorageRef) (StorageRef, error) {
	return c.runBoundaryUpload(ctx, boundarySource{kind: sourceInlineGeoJSON, inline: geojson}, excludeGeometryPath)
}

// UploadBoundaryFiles uploads a file-based boundary (for shapefiles, pass
// the .shp path; required sidecars are picked up from the same directory)
// and waits for normalization. A wider range of vector formats is accepted
// than UploadInlineGeoJSON, but the server enforces stricter sparseness and
// complexity limits because it must convert the format first.
func (c *Client) UploadBoundaryFiles(ctx context.Context, paths []string, excludeGeometryPath StorageRef) (StorageRef, error) {
	return c.runBoundaryUpload(ctx, boundarySource{kind: sourceLocalFiles, files: paths}, excludeGeometryPath)
}

// UploadRemoteGeoJSON submits a boundary already hosted at an https URL for
// normalization; nothing is transferred through this client.
func (c *Client) UploadRemoteGeoJSON(ctx context.Context, url string, excludeGeometryPath StorageRef) (StorageRef, error) {
	return c.runBoundaryUpload(ctx, boundarySource{kind: sourceRemoteGeoJSON, remoteURL: url}, excludeGeometryPath)
}

// runBoundaryUpload drives one upload through
// Staging -> Uploaded -> Normalizing -> {Normalized | Failed}.
func (c *Client) runBoundaryUpload(ctx context.Context, src boundarySource, exclude StorageRef) (StorageRef, error) {
	// Staging: cheap local shape checks, before any network call.
	if err := c.stageBoundary(src, exclude); err != nil {
		return "", err
	}

	uploadID := ulid.Make().String()
	c.logger.Debug("boundary upload staged", "uploadId", uploadID)

	var uploadPath string
	switch src.kind {
	case sourceRemoteGeoJSON:
		// The server fetches the remote object itself.
		uploadPath = src.remoteURL
	default:
		path, err := c.transferBoundary(ctx, uploadID, src)
		if err != nil {
			return "", err
		}
		uploadPath = path
	}
	c.logger.Debug("boundary uploaded", "uploadId", uploadID, "uploadPath", uploadPath)

	jobID, err := c.submitNormalization(ctx, uploadID, uploadPath, exclude)
	if err != nil {
		return "", err
	}
	return c.waitForNormalization(ctx, jobID)
}

func (c *Client) stageBoundary(src boundarySource, exclude StorageRef) error {
	if exclude != "" && !strings.HasPrefix(string(exclude), "s3://") {
		return &ValidationError{Reason: "excludeGeometryPath must be a previously normalized storage path"}
	}
	switch src.kind {
	case sourceInlineGeoJSON:
		return validateGeoJSON(src.inline)
	case sourceLocalFiles:
		files, err := resolveBoundaryFiles(src.files)
		if err != nil {
			return err
		}
		src.files = files
		return nil
	case sourceRemoteGeoJSON:
		if strings.HasPrefix(strings.ToLower(src.remoteURL), "http://") {
			return &ValidationError{Reason: "http urls are not allowed for remote boundaries, please use https"}
		}
		if !strings.HasPrefix(strings.ToLower(src.remoteURL), "https://") {
			return &ValidationError{Reason: "remote boundary must be an https url"}
		}
		return nil
	}
	return &ValidationError{Reason: "unknown boundary source"}
}

// transferBoundary moves the payload into the object store using the
// destination issued by the API, and returns the store path of the primary
// object. The transfer mechanism is chosen per object by payload size.
func (c *Client) transferBoundary(ctx context.Context, uploadID string, src boundarySource) (string, error) {
	var sess uploadSession
	err := c.transport.doJSON(ctx, "POST", "uploadSession", map[string]string{
		"organizationId": c.organizationID,
		"uploadId":       uploadID,
	}, &sess)
	if err != nil {
		return "", fmt.Errorf("request upload session: %w", err)
	}
	store, err := c.openStore(ctx, sess)
	if err != nil {
		return "", err
	}

	// Metadata travels with the stored objects for traceability.
	metadata := map[string]string{
		"upload-id":       uploadID,
		"organization-id": c.organizationID,
	}

	if src.kind == sourceInlineGeoJSON {
		key := objectKey(sess.KeyPrefix, uploadID, "geojson")
		if err := c.putBySize(ctx, store, key, bytes.NewReader(src.inline), int64(len(src.inline)), metadata); err != nil {
			return "", err
		}
		return store.ObjectURL(key), nil
	}

	files, err := resolveBoundaryFiles(src.files)
	if err != nil {
		return "", err
	}
	// The primary object is the last file in the resolved set: sidecars
	// are transferred first so the server never sees a primary without
	// its companions.
	var primaryKey string
	for _, file := range files {
		key := objectKey(sess.KeyPrefix, uploadID, fileExtension(file))
		if err := c.putFile(ctx, store, key, file, metadata); err != nil {
			return "", err
		}
		primaryKey = key
	}
	return store.ObjectURL(primaryKey), nil
}

func (c *Client) putFile(ctx context.Context, store objectStore, key, path string, metadata map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return &ValidationError{Reason: "cannot open file: " + path}
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	return c.putBySize(ctx, store, key, f, info.Size(), metadata)
}

// putBySize picks the transfer mechanism: a single PUT below the multipart
// threshold, a multipart transfer at or above it.
func (c *Client) putBySize(ctx context.Context, store objectStore, key string, body io.Reader, size int64, metadata map[string]string) error {
	if size < c.multipartThreshold {
		if err := store.Put(ctx, key, body, size, metadata); err != nil {
			return &TransportError{Op: "upload boundary object", Err: err}
		}
		return nil
	}
	r, ok := body.(io.ReaderAt)
	if !ok {
		return fmt.Errorf("multipart upload requires a random-access payload")
	}
	if err := store.PutMultipart(ctx, key, r, size, metadata); err != nil {
		return &TransportError{Op: "multipart upload of boundary object", Err: err}
	}
	return nil
}

func objectKey(prefix, uploadID, ext string) string {
	name := uploadID
	if ext != "" {
		name += "." + ext
	}
	if prefix == "" {
		return name
	}
	return strings.TrimSuffix(prefix, "/") + "/" + name
}
