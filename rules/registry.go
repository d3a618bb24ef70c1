package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"phimask.evalgo.org/common"
)

// Registry resolves collection names to validated rule sets through a
// mapping file. The registry is read-only after construction.
type Registry struct {
	mappingFile string
	mapping     map[string]string
}

// NewRegistry reads the mapping file (collection name to rule file) and
// returns a registry. Rule file paths in the mapping are resolved relative
// to the mapping file's directory.
func NewRegistry(mappingFile string) (*Registry, error) {
	data, err := os.ReadFile(mappingFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: mapping file %s", ErrConfigNotFound, mappingFile)
		}
		return nil, fmt.Errorf("reading mapping file %s: %w", mappingFile, err)
	}

	mapping := make(map[string]string)
	if err := json.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("%w: mapping file %s: %v", ErrInvalidRule, mappingFile, err)
	}

	return &Registry{mappingFile: mappingFile, mapping: mapping}, nil
}

// Load resolves the collection to its rule file and returns the validated
// rule set.
func (reg *Registry) Load(collection string) (*RuleSet, error) {
	ruleFile, ok := reg.mapping[collection]
	if !ok {
		return nil, fmt.Errorf("%w: collection %q not present in %s", ErrConfigNotFound, collection, reg.mappingFile)
	}
	if !filepath.IsAbs(ruleFile) {
		ruleFile = filepath.Join(filepath.Dir(reg.mappingFile), ruleFile)
	}
	return LoadRuleFile(ruleFile, collection)
}

// LoadRuleFile parses and validates a single rule file for the given
// collection, bypassing the mapping lookup. This backs the --rules flag.
func LoadRuleFile(path, collection string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: rule file %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("reading rule file %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var loaded []*Rule
	if err := dec.Decode(&loaded); err != nil {
		return nil, fmt.Errorf("%w: rule file %s: %v", ErrInvalidRule, path, err)
	}

	rs := &RuleSet{Collection: collection, Rules: loaded}
	if err := rs.validate(); err != nil {
		return nil, fmt.Errorf("rule file %s: %w", path, err)
	}

	common.Logger.WithFields(logrus.Fields{
		"collection": collection,
		"rule_file":  path,
		"rules":      len(rs.Rules),
	}).Debug("loaded rule set")

	return rs, nil
}
