// Package library loads cohort definitions from YAML files.
//
// A library file lists cohorts under a top-level "cohorts" key:
//
//	cohorts:
//	  - id: STARTED_ART
//	    parameters:
//	      - {name: startDate, type: date, required: true}
//	      - {name: endDate, type: date, required: true}
//	    sql: |
//	      SELECT patient_id FROM art_start
//	       WHERE started_on BETWEEN :startDate AND :endDate
//	  - id: NEW_ON_ART
//	    parameters:
//	      - {name: endDate, type: date, required: true}
//	    children:
//	      - alias: STARTED
//	        cohort: STARTED_ART
//	        bind: {startDate: "${endDate-3m+1d}"}
//	    expression: STARTED
//
// kind may be omitted; it is inferred from which of sql, calculation,
// children or target is present.
package library

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ehr/cohort/internal/cohort"
)

type file struct {
	Cohorts []cohortDoc `yaml:"cohorts"`
}

type cohortDoc struct {
	ID          string         `yaml:"id"`
	Description string         `yaml:"description"`
	Kind        string         `yaml:"kind"`
	Parameters  []parameterDoc `yaml:"parameters"`

	SQL         string     `yaml:"sql"`
	Calculation string     `yaml:"calculation"`
	Children    []childDoc `yaml:"children"`
	Expression  string     `yaml:"expression"`
	Target      string     `yaml:"target"`
	Granularity string     `yaml:"granularity"`
	StartParam  string     `yaml:"start_param"`
	EndParam    string     `yaml:"end_param"`
}

type parameterDoc struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

type childDoc struct {
	Alias  string            `yaml:"alias"`
	Cohort string            `yaml:"cohort"`
	Bind   map[string]string `yaml:"bind"`
}

// Load reads path, which is either one YAML file or a directory whose .yaml
// and .yml files are read in name order.
func Load(path string) ([]cohort.Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("load cohort library: %w", err)
	}
	if !info.IsDir() {
		return loadFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read cohort library %s: %w", path, err)
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("cohort library %s has no .yaml files", path)
	}

	var defs []cohort.Definition
	for _, name := range names {
		d, err := loadFile(filepath.Join(path, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, d...)
	}
	return defs, nil
}

func loadFile(path string) ([]cohort.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cohort library %s: %w", path, err)
	}
	defs, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// Parse decodes one library document. Unknown keys are rejected.
func Parse(r io.Reader) ([]cohort.Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode cohort library: %w", err)
	}

	defs := make([]cohort.Definition, 0, len(f.Cohorts))
	for i, doc := range f.Cohorts {
		d, err := doc.definition()
		if err != nil {
			id := doc.ID
			if id == "" {
				id = fmt.Sprintf("#%d", i+1)
			}
			return nil, fmt.Errorf("cohort %s: %w", id, err)
		}
		defs = append(defs, d)
	}
	return defs, nil
}

func (doc cohortDoc) definition() (cohort.Definition, error) {
	d := cohort.Definition{
		ID:          strings.TrimSpace(doc.ID),
		Description: doc.Description,
		SQL:         doc.SQL,
		Calculation: doc.Calculation,
		Expression:  doc.Expression,
		Target:      doc.Target,
		StartParam:  doc.StartParam,
		EndParam:    doc.EndParam,
	}

	kind, err := doc.kind()
	if err != nil {
		return d, err
	}
	d.Kind = kind

	for _, p := range doc.Parameters {
		typ, err := cohort.ParseParamType(p.Type)
		if err != nil {
			return d, fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		d.Parameters = append(d.Parameters, cohort.Parameter{Name: p.Name, Type: typ, Required: p.Required})
	}

	for _, ch := range doc.Children {
		cohortID := ch.Cohort
		if cohortID == "" {
			cohortID = ch.Alias
		}
		d.Children = append(d.Children, cohort.ChildDefinition{Alias: ch.Alias, Cohort: cohortID, Bindings: ch.Bind})
	}

	if doc.Granularity != "" {
		g, err := cohort.ParseGranularity(doc.Granularity)
		if err != nil {
			return d, err
		}
		d.Granularity = g
	}
	return d, nil
}

func (doc cohortDoc) kind() (cohort.Kind, error) {
	if doc.Kind != "" {
		k, err := cohort.ParseKind(doc.Kind)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", cohort.ErrInvalidDefinition, err)
		}
		return k, nil
	}
	var found []cohort.Kind
	if doc.SQL != "" {
		found = append(found, cohort.KindSQL)
	}
	if doc.Calculation != "" {
		found = append(found, cohort.KindCalculation)
	}
	if len(doc.Children) > 0 || doc.Expression != "" {
		found = append(found, cohort.KindComposite)
	}
	if doc.Target != "" {
		found = append(found, cohort.KindDecomposed)
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return 0, fmt.Errorf("%w: kind missing and none of sql, calculation, children or target given", cohort.ErrInvalidDefinition)
	}
	return 0, fmt.Errorf("%w: ambiguous kind %v, set kind explicitly", cohort.ErrInvalidDefinition, found)
}
