package moderation

import (
	"sort"
	"strings"
)

// Category is a class of safety signal.
type Category string

const (
	CategoryCrisis    Category = "crisis"
	CategoryAbuse     Category = "abuse"
	CategoryAddiction Category = "addiction"
	CategoryDistress  Category = "distress"
)

// Categories lists every category in canonical order. Results and alert
// payloads are always ordered this way.
var Categories = []Category{CategoryCrisis, CategoryAbuse, CategoryAddiction, CategoryDistress}

// DefaultKeywords is the built-in keyword list per category. Entries are
// matched as lower-case substrings.
var DefaultKeywords = map[Category][]string{
	CategoryCrisis: {
		"suicide",
		"suicidal",
		"kill myself",
		"end my life",
		"end it all",
		"take my own life",
		"want to die",
		"better off dead",
		"no reason to live",
		"hurt myself",
		"self-harm",
		"self harm",
		"cutting myself",
	},
	CategoryAbuse: {
		"abused",
		"abusing me",
		"hitting me",
		"hits me",
		"beats me",
		"beating me",
		"hurting me",
		"threatened",
		"threatens me",
		"molested",
		"touched me",
		"raped",
		"afraid to go home",
		"not safe at home",
	},
	CategoryAddiction: {
		"overdose",
		"overdosed",
		"relapsed",
		"relapsing",
		"using again",
		"drinking again",
		"can't stop drinking",
		"can't stop using",
	},
	CategoryDistress: {
		"hopeless",
		"can't go on",
		"cannot go on",
		"go on anymore",
		"can't take it anymore",
		"no way out",
		"worthless",
		"giving up on life",
		"nobody cares",
	},
}

// CategorySet maps each matched category to the literal keywords that
// triggered it. An empty set means no signal was found.
type CategorySet map[Category][]string

// Has reports whether c was matched.
func (s CategorySet) Has(c Category) bool {
	return len(s[c]) > 0
}

// Empty reports whether nothing matched.
func (s CategorySet) Empty() bool {
	return len(s) == 0
}

// Categories returns the matched categories in canonical order.
func (s CategorySet) Categories() []Category {
	out := make([]Category, 0, len(s))
	for _, c := range Categories {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Keywords returns every matched keyword across all categories, sorted.
func (s CategorySet) Keywords() []string {
	var out []string
	for _, kws := range s {
		out = append(out, kws...)
	}
	sort.Strings(out)
	return out
}

// Classifier matches text against a fixed keyword list per category.
type Classifier struct {
	keywords map[Category][]string
}

// NewClassifier builds a classifier from per-category keyword lists.
// Keywords are lower-cased, trimmed and de-duplicated; blanks are dropped.
func NewClassifier(lists map[Category][]string) *Classifier {
	c := &Classifier{keywords: make(map[Category][]string, len(lists))}
	for cat, kws := range lists {
		seen := make(map[string]bool, len(kws))
		for _, kw := range kws {
			kw = normalize(strings.TrimSpace(kw))
			if kw == "" || seen[kw] {
				continue
			}
			seen[kw] = true
			c.keywords[cat] = append(c.keywords[cat], kw)
		}
	}
	return c
}

var defaultClassifier = NewClassifier(DefaultKeywords)

// Classify runs the default classifier over text.
func Classify(text string) CategorySet {
	return defaultClassifier.Classify(text)
}

// Classify returns every category with at least one keyword contained in
// text, case-insensitively. All matching keywords are collected.
func (c *Classifier) Classify(text string) CategorySet {
	if text == "" {
		return CategorySet{}
	}
	lower := normalize(text)

	set := CategorySet{}
	for cat, kws := range c.keywords {
		for _, kw := range kws {
			if strings.Contains(lower, kw) {
				set[cat] = append(set[cat], kw)
			}
		}
	}
	return set
}

// apostrophes folds typographic apostrophes produced by mobile keyboards.
var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'")

func normalize(s string) string {
	return apostrophes.Replace(strings.ToLower(s))
}
