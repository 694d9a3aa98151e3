package moderation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// KeywordFile is the on-disk form of a custom keyword list:
//
//	replace: false        # true drops the built-in lists
//	categories:
//	  crisis: ["no point anymore"]
//	  distress: ["so alone"]
type KeywordFile struct {
	Replace    bool                  `yaml:"replace"`
	Categories map[Category][]string `yaml:"categories"`
}

// LoadKeywords reads a keyword file and merges it with DefaultKeywords,
// unless the file sets replace. Unknown categories are rejected so a typo
// cannot silently disable a list.
func LoadKeywords(path string) (map[Category][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("moderation: read keywords: %w", err)
	}
	return ParseKeywords(data)
}

// ParseKeywords is LoadKeywords for an in-memory document.
func ParseKeywords(data []byte) (map[Category][]string, error) {
	var kf KeywordFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("moderation: parse keywords: %w", err)
	}

	known := make(map[Category]bool, len(Categories))
	for _, c := range Categories {
		known[c] = true
	}
	for c := range kf.Categories {
		if !known[c] {
			return nil, fmt.Errorf("moderation: unknown category %q", c)
		}
	}

	out := make(map[Category][]string, len(Categories))
	if !kf.Replace {
		for c, kws := range DefaultKeywords {
			out[c] = append([]string(nil), kws...)
		}
	}
	for c, kws := range kf.Categories {
		out[c] = append(out[c], kws...)
	}
	return out, nil
}
