package detection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/anstrom/camwatch/internal/errors"
)

// Format is the encoding of a rule source.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks a format from a file extension, defaulting to JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Parse decodes a rule source: a list of objects mapping filter kinds to
// pattern lists. Each object becomes one rule. Unknown keys are ignored.
func Parse(data []byte, format Format) ([]Rule, error) {
	var raw []map[string]interface{}

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errors.Wrap(errors.CodeValidation, "failed to parse YAML rules", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&raw); err != nil {
			return nil, errors.Wrap(errors.CodeValidation, "failed to parse JSON rules", err)
		}
	}

	rules := make([]Rule, 0, len(raw))
	for i, obj := range raw {
		rule, err := ruleFromObject(obj)
		if err != nil {
			return nil, errors.Wrap(errors.CodeValidation, fmt.Sprintf("rule %d", i), err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func ruleFromObject(obj map[string]interface{}) (Rule, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	// map order is random; keep filter order stable
	sort.Strings(keys)

	var rule Rule
	for _, key := range keys {
		kind := FilterKind(strings.ToLower(key))
		if !knownKinds[kind] {
			continue
		}
		list, ok := obj[key].([]interface{})
		if !ok {
			return Rule{}, fmt.Errorf("%q must be an array of strings", key)
		}
		for _, item := range list {
			pattern, ok := item.(string)
			if !ok {
				return Rule{}, fmt.Errorf("%q must be an array of strings", key)
			}
			rule.Filters = append(rule.Filters, Filter{Kind: kind, Pattern: pattern})
		}
	}
	return rule, nil
}

// Load reads and parses a rule source from r.
func Load(r io.Reader, format Format) ([]Rule, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "failed to read rules", err)
	}
	return Parse(data, format)
}

// LoadFile reads rules from path, choosing the format by extension.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapWithTarget(errors.CodeFileNotFound, "rules file not found", path, err)
		}
		return nil, errors.WrapWithTarget(errors.CodeValidation, "failed to read rules file", path, err)
	}
	return Parse(data, FormatFromPath(path))
}

// Document converts rules back into the source representation.
func Document(rules []Rule) []map[string][]string {
	doc := make([]map[string][]string, 0, len(rules))
	for _, r := range rules {
		obj := make(map[string][]string)
		for _, f := range r.Filters {
			obj[string(f.Kind)] = append(obj[string(f.Kind)], f.Pattern)
		}
		doc = append(doc, obj)
	}
	return doc
}
