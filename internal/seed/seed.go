// Package seed loads the analysis catalog (contexts, workflows and analyses)
// from a YAML file into the store.
package seed

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/umccr/wfmanager/pkg/models"
	"github.com/umccr/wfmanager/pkg/storage"
	"gopkg.in/yaml.v3"
)

type workflowRef struct {
	Name                      string `yaml:"name"`
	Version                   string `yaml:"version"`
	ExecutionEngine           string `yaml:"executionEngine"`
	ExecutionEnginePipelineID string `yaml:"executionEnginePipelineId"`
}

type contextRef struct {
	Usecase models.ContextUsecase `yaml:"usecase"`
	Name    string                `yaml:"name"`
}

type analysisDef struct {
	Name        string        `yaml:"name"`
	Version     string        `yaml:"version"`
	Description string        `yaml:"description"`
	Status      string        `yaml:"status"`
	Contexts    []contextRef  `yaml:"contexts"`
	Workflows   []workflowRef `yaml:"workflows"`
}

// Catalog is the on-disk shape of the analysis catalog.
type Catalog struct {
	Contexts  []models.AnalysisContext `yaml:"contexts"`
	Workflows []workflowRef            `yaml:"workflows"`
	Analyses  []analysisDef            `yaml:"analyses"`
}

// Summary counts what a Load touched. Existing rows are counted too since
// every write is an upsert.
type Summary struct {
	Contexts  int
	Workflows int
	Analyses  int
}

func Parse(r io.Reader) (Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Catalog{}, errors.Wrap(err, "parse catalog")
	}
	return c, nil
}

func ParseFile(path string) (Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return Catalog{}, errors.Wrap(err, "open catalog")
	}
	defer f.Close()
	return Parse(f)
}

// Load writes the catalog in one transaction. Analyses may only reference
// contexts that are declared in the same file or already stored.
func Load(store storage.Store, c Catalog) (summary Summary, err error) {
	tx, err := store.Begin()
	if err != nil {
		return Summary{}, err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	for _, ctx := range c.Contexts {
		if ctx.Usecase == "" || ctx.Name == "" {
			return Summary{}, errors.Errorf("context %q: usecase and name are required", ctx.Name)
		}
		if _, err := tx.SaveAnalysisContext(ctx); err != nil {
			return Summary{}, err
		}
		summary.Contexts++
	}

	saveWorkflow := func(w workflowRef) (int64, error) {
		if w.Name == "" || w.Version == "" {
			return 0, errors.Errorf("workflow %q: name and version are required", w.Name)
		}
		return tx.SaveWorkflow(models.Workflow{
			Name:                      w.Name,
			Version:                   w.Version,
			ExecutionEngine:           w.ExecutionEngine,
			ExecutionEnginePipelineID: w.ExecutionEnginePipelineID,
		})
	}
	for _, w := range c.Workflows {
		if _, err := saveWorkflow(w); err != nil {
			return Summary{}, err
		}
		summary.Workflows++
	}

	for _, a := range c.Analyses {
		if a.Name == "" || a.Version == "" {
			return Summary{}, errors.Errorf("analysis %q: name and version are required", a.Name)
		}
		analysisID, err := tx.SaveAnalysis(models.Analysis{
			Name:        a.Name,
			Version:     a.Version,
			Description: a.Description,
			Status:      a.Status,
		})
		if err != nil {
			return Summary{}, err
		}
		for _, ref := range a.Contexts {
			ctx, err := tx.GetAnalysisContext(ref.Usecase, ref.Name)
			if err != nil {
				return Summary{}, errors.Wrapf(err, "analysis %s/%s: context %s/%s", a.Name, a.Version, ref.Usecase, ref.Name)
			}
			if err := tx.LinkAnalysisContext(analysisID, ctx.ID); err != nil {
				return Summary{}, err
			}
		}
		for _, w := range a.Workflows {
			workflowID, err := saveWorkflow(w)
			if err != nil {
				return Summary{}, errors.Wrapf(err, "analysis %s/%s", a.Name, a.Version)
			}
			if err := tx.LinkAnalysisWorkflow(analysisID, workflowID); err != nil {
				return Summary{}, err
			}
		}
		summary.Analyses++
	}
	return summary, nil
}
