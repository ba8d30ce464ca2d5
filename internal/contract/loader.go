package contract

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ivm/internal/ivmerr"
)

// ruleSetsField is the top-level CUE struct holding rule sets by label:
//
//	rule_sets: product_v1: {id: "product", version: "1.0.0", ...}
const ruleSetsField = "rule_sets"

// LoadDir reads every contract file in dir into a new Registry.
//
// *.cue files are loaded together as one CUE package and every field of
// rule_sets is decoded as a Document. Each *.yaml / *.yml file holds exactly
// one Document. Rule sets of every status are registered; LoadRuleSet still
// rejects anything that is not ACTIVE.
func LoadDir(dir string) (*Registry, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, ivmerr.Validation("contract dir %s: %v", dir, err)
	}
	if !info.IsDir() {
		return nil, ivmerr.Validation("contract dir %s: not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, ivmerr.Validation("contract dir %s: %v", dir, err)
	}

	var hasCUE bool
	var yamlFiles []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".cue":
			hasCUE = true
		case ".yaml", ".yml":
			yamlFiles = append(yamlFiles, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(yamlFiles)

	var docs []Document
	if hasCUE {
		cueDocs, err := loadCUE(dir)
		if err != nil {
			return nil, err
		}
		docs = append(docs, cueDocs...)
	}
	for _, path := range yamlFiles {
		doc, err := loadYAML(path)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	reg := &Registry{ruleSets: make(map[Ref]*RuleSet)}
	for _, doc := range docs {
		rs, err := Compile(doc)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(rs); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func loadCUE(dir string) ([]Document, error) {
	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, ivmerr.Validation("contract dir %s: no CUE instances loaded", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, ivmerr.Validation("loading CUE files in %s: %v", dir, inst.Err)
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, ivmerr.Validation("building CUE value in %s: %v", dir, err)
	}

	ruleSets := value.LookupPath(cue.ParsePath(ruleSetsField))
	if !ruleSets.Exists() {
		return nil, nil
	}
	iter, err := ruleSets.Fields()
	if err != nil {
		return nil, ivmerr.Validation("iterating %s: %v", ruleSetsField, err)
	}

	var docs []Document
	for iter.Next() {
		var doc Document
		if err := iter.Value().Decode(&doc); err != nil {
			return nil, ivmerr.Validation("%s.%s: %v", ruleSetsField, iter.Selector(), err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func loadYAML(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, ivmerr.Validation("reading %s: %v", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, ivmerr.Validation("parsing %s: %v", path, err)
	}
	return doc, nil
}

// ParseYAML decodes and compiles one YAML rule set document.
func ParseYAML(data []byte) (*RuleSet, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, ivmerr.Validation("parsing rule set: %v", err)
	}
	return Compile(doc)
}
