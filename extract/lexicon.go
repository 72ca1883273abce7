package extract

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed lexicon.yaml
var defaultLexiconYAML []byte

// lexiconFile is the on-disk/embedded shape of the Pass A regex priority
// table and category lexicon, matching the YAML config pattern used
// elsewhere in the pack.
type lexiconFile struct {
	PriorityTable []struct {
		Field   string `yaml:"field"`
		Weight  int    `yaml:"weight"`
		Pattern string `yaml:"pattern"`
	} `yaml:"priority_table"`
	Categories map[string]string `yaml:"categories"`
}

func compileLexicon(raw []byte) ([]fieldRule, map[string]string, error) {
	var f lexiconFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, nil, fmt.Errorf("unmarshal lexicon: %w", err)
	}
	rules := make([]fieldRule, 0, len(f.PriorityTable))
	for _, r := range f.PriorityTable {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("compile pattern for field %s: %w", r.Field, err)
		}
		rules = append(rules, fieldRule{field: r.Field, weight: r.Weight, re: re})
	}
	return rules, f.Categories, nil
}

// LoadLexiconFile reads an operator-supplied lexicon YAML file and returns
// its priority table and category map, in the same shape as the embedded
// default. Set LEXICON_PATH to override the built-in table without a
// rebuild.
func LoadLexiconFile(path string) ([]fieldRule, map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read lexicon file: %w", err)
	}
	return compileLexicon(raw)
}

func mustCompileDefaultLexicon() ([]fieldRule, map[string]string) {
	rules, categories, err := compileLexicon(defaultLexiconYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded lexicon.yaml is invalid: %v", err))
	}
	return rules, categories
}
