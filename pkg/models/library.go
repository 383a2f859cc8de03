package models

import (
	"strings"

	"github.com/pkg/errors"
)

// orcabusIDLength is the length of a bare orcabus identifier (a ULID).
const orcabusIDLength = 26

// Library phenotypes, types, assays and workflow contexts used by the
// assignment rules.
const (
	TumorPhenotype  = "tumor"
	NormalPhenotype = "normal"

	WGSLibraryType   = "WGS"
	WTSLibraryType   = "WTS"
	CtDNALibraryType = "ctDNA"

	CtTSOAssay   = "ctTSO"
	CtTSOv2Assay = "ctTSOv2"

	ClinicalWorkflow = "clinical"
	ResearchWorkflow = "research"
)

// Library is the local copy of a sequenced library. Authoritative metadata
// lives in the metadata manager; the copy is only used for pairing.
type Library struct {
	ID              int64    `json:"id" db:"id"`
	OrcabusID       *string  `json:"orcabusId,omitempty" db:"orcabus_id"`
	LibraryID       string   `json:"libraryId" db:"library_id"`
	Phenotype       string   `json:"phenotype,omitempty" db:"phenotype"`
	WorkflowContext string   `json:"workflow,omitempty" db:"workflow"`
	Quality         string   `json:"quality,omitempty" db:"quality"`
	Type            string   `json:"type,omitempty" db:"type"`
	Assay           string   `json:"assay,omitempty" db:"assay"`
	Coverage        *float64 `json:"coverage,omitempty" db:"coverage"`
}

// LibraryRecord is a library reference carried on a state change event.
type LibraryRecord struct {
	LibraryID string `json:"libraryId"`
	OrcabusID string `json:"orcabusId"`
}

// LibraryMetadata is one library as resolved from the metadata manager.
// LibraryID and Type are required, everything else is optional.
type LibraryMetadata struct {
	LibraryID       string   `json:"libraryId"`
	OrcabusID       string   `json:"orcabusId,omitempty"`
	SubjectID       string   `json:"subjectId,omitempty"`
	Phenotype       string   `json:"phenotype,omitempty"`
	WorkflowContext string   `json:"workflow,omitempty"`
	Quality         string   `json:"quality,omitempty"`
	Type            string   `json:"type"`
	Assay           string   `json:"assay,omitempty"`
	Coverage        *float64 `json:"coverage,omitempty"`
}

// Validate checks the required fields of a metadata record.
func (m LibraryMetadata) Validate() error {
	if strings.TrimSpace(m.LibraryID) == "" {
		return errors.New("library metadata: missing libraryId")
	}
	if strings.TrimSpace(m.Type) == "" {
		return errors.Errorf("library metadata %s: missing type", m.LibraryID)
	}
	return nil
}

// Library converts the metadata record into its persisted form.
func (m LibraryMetadata) Library() Library {
	lib := Library{
		LibraryID:       m.LibraryID,
		Phenotype:       m.Phenotype,
		WorkflowContext: m.WorkflowContext,
		Quality:         m.Quality,
		Type:            m.Type,
		Assay:           m.Assay,
		Coverage:        m.Coverage,
	}
	if m.OrcabusID != "" {
		id := SanitizeOrcabusID(m.OrcabusID)
		lib.OrcabusID = &id
	}
	return lib
}

// SanitizeOrcabusID strips any namespace prefix (e.g. "lib.") and keeps the
// trailing 26 characters.
func SanitizeOrcabusID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) <= orcabusIDLength {
		return id
	}
	return id[len(id)-orcabusIDLength:]
}
