// Package metadata resolves library metadata from the metadata manager.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/umccr/wfmanager/pkg/models"
)

// ErrLibraryNotFound is returned when the metadata manager has no record for
// a library id.
var ErrLibraryNotFound = errors.New("library not found")

const libraryPath = "/api/v1/library/"

type subject struct {
	OrcabusID string `json:"orcabusId"`
	SubjectID string `json:"subjectId"`
}

type libraryRecord struct {
	OrcabusID string   `json:"orcabusId"`
	LibraryID string   `json:"libraryId"`
	Phenotype string   `json:"phenotype"`
	Workflow  string   `json:"workflow"`
	Quality   string   `json:"quality"`
	Type      string   `json:"type"`
	Assay     string   `json:"assay"`
	Coverage  *float64 `json:"coverage"`
	Subject   *subject `json:"subject"`
}

type libraryPage struct {
	Results []libraryRecord `json:"results"`
}

// HTTPResolver implements service.MetadataResolver against the metadata
// manager REST API.
type HTTPResolver struct {
	baseURL string
	token   string
	client  *http.Client
}

type Option func(*HTTPResolver)

// WithToken sends token as a bearer Authorization header.
func WithToken(token string) Option {
	return func(r *HTTPResolver) { r.token = token }
}

func WithHTTPClient(c *http.Client) Option {
	return func(r *HTTPResolver) { r.client = c }
}

func NewHTTPResolver(baseURL string, timeout time.Duration, opts ...Option) *HTTPResolver {
	r := &HTTPResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *HTTPResolver) ResolveLibrary(ctx context.Context, libraryID string) (models.LibraryMetadata, error) {
	u := r.baseURL + libraryPath + "?" + url.Values{"library_id": {libraryID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.LibraryMetadata{}, errors.Wrapf(err, "library %s", libraryID)
	}
	req.Header.Set("Accept", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return models.LibraryMetadata{}, errors.Wrapf(err, "query metadata for library %s", libraryID)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.LibraryMetadata{}, errors.Wrap(ErrLibraryNotFound, libraryID)
	case resp.StatusCode != http.StatusOK:
		return models.LibraryMetadata{}, fmt.Errorf("query metadata for library %s: unexpected status %s", libraryID, resp.Status)
	}

	var page libraryPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return models.LibraryMetadata{}, errors.Wrapf(err, "decode metadata for library %s", libraryID)
	}
	for _, rec := range page.Results {
		// The list endpoint filters loosely, so match the id exactly.
		if rec.LibraryID == libraryID {
			return rec.metadata(), nil
		}
	}
	return models.LibraryMetadata{}, errors.Wrap(ErrLibraryNotFound, libraryID)
}

func (rec libraryRecord) metadata() models.LibraryMetadata {
	md := models.LibraryMetadata{
		LibraryID:       rec.LibraryID,
		OrcabusID:       rec.OrcabusID,
		Phenotype:       rec.Phenotype,
		WorkflowContext: rec.Workflow,
		Quality:         rec.Quality,
		Type:            rec.Type,
		Assay:           rec.Assay,
		Coverage:        rec.Coverage,
	}
	if rec.Subject != nil {
		md.SubjectID = rec.Subject.SubjectID
	}
	return md
}
