// Package classify assigns incoming requests to routing categories. Ordered
// configuration rules run first, then model-name glob patterns, then
// contextual inference over request features. The default category is the
// final fallback.
package classify

import (
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Jasonzhangf/routecodex/internal/config"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// Features are the request properties classification rules match against.
type Features struct {
	Model       string
	TokenCount  int
	HasTools    bool
	HasThinking bool
	HasVision   bool
	ToolTypes   []string
}

// Classifier evaluates classification rules for one configuration
// generation. Rebuild it on config reload.
type Classifier struct {
	rules             []config.ClassifierRule
	modelPatterns     map[string]string
	longContextTokens int

	regexCache sync.Map // pattern string -> *regexp.Regexp
}

// New builds a classifier from configuration. Rules are sorted by descending
// priority; ties keep declaration order.
func New(cfg config.ClassifierConfig) *Classifier {
	rules := make([]config.ClassifierRule, len(cfg.Rules))
	copy(rules, cfg.Rules)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	longContext := cfg.LongContextTokens
	if longContext <= 0 {
		longContext = 50_000
	}

	return &Classifier{
		rules:             rules,
		modelPatterns:     cfg.ModelPatterns,
		longContextTokens: longContext,
	}
}

// Classify returns the routing category for a request.
func (c *Classifier) Classify(req *types.ChatRequest, tokenCount int) string {
	return c.ClassifyFeatures(ExtractFeatures(req, tokenCount))
}

// ClassifyFeatures runs the decision ladder over precomputed features.
func (c *Classifier) ClassifyFeatures(f Features) string {
	for _, rule := range c.rules {
		if c.ruleMatches(rule, f) {
			return rule.Category
		}
	}

	if category, ok := c.matchModelPattern(f.Model); ok {
		return category
	}

	return c.infer(f)
}

// ExtractFeatures derives classification features from a chat request.
func ExtractFeatures(req *types.ChatRequest, tokenCount int) Features {
	f := Features{
		Model:      req.Model,
		TokenCount: tokenCount,
		HasTools:   len(req.Tools) > 0,
	}

	for _, tool := range req.Tools {
		// Some clients declare web search as a function tool by name.
		if strings.Contains(tool.Function.Name, "web_search") {
			f.ToolTypes = append(f.ToolTypes, "web_search")
			continue
		}
		f.ToolTypes = append(f.ToolTypes, tool.Type)
	}

	if _, ok := req.Extra["thinking"]; ok {
		f.HasThinking = true
	}
	if _, ok := req.Extra["reasoning"]; ok {
		f.HasThinking = true
	}
	if _, ok := req.Extra["reasoning_effort"]; ok {
		f.HasThinking = true
	}

	for _, msg := range req.Messages {
		if types.ContentHasImage(msg.Content) {
			f.HasVision = true
			break
		}
	}

	return f
}

// ruleMatches reports whether every condition of the rule holds.
func (c *Classifier) ruleMatches(rule config.ClassifierRule, f Features) bool {
	if len(rule.Conditions) == 0 {
		return false
	}
	for _, cond := range rule.Conditions {
		if !c.conditionMatches(cond, f) {
			return false
		}
	}
	return true
}

func (c *Classifier) conditionMatches(cond config.ClassifierCondition, f Features) bool {
	var field string
	switch cond.Field {
	case "model":
		field = f.Model
	case "model_lower":
		field = strings.ToLower(f.Model)
	case "token_count":
		field = strconv.Itoa(f.TokenCount)
	case "has_tools":
		field = strconv.FormatBool(f.HasTools)
	case "has_thinking":
		field = strconv.FormatBool(f.HasThinking)
	case "tool_types":
		field = strings.Join(f.ToolTypes, ",")
	default:
		return false
	}

	switch cond.Operator {
	case "equals":
		return field == cond.Value
	case "contains":
		return strings.Contains(field, cond.Value)
	case "starts_with":
		return strings.HasPrefix(field, cond.Value)
	case "ends_with":
		return strings.HasSuffix(field, cond.Value)
	case "regex":
		re := c.compile(cond.Value)
		return re != nil && re.MatchString(field)
	case "greater_than":
		return numericCompare(field, cond.Value) > 0
	case "less_than":
		return numericCompare(field, cond.Value) < 0
	}
	return false
}

func (c *Classifier) compile(pattern string) *regexp.Regexp {
	if cached, ok := c.regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		// Invalid patterns never match. Config validation warns about them.
		c.regexCache.Store(pattern, (*regexp.Regexp)(nil))
		return nil
	}
	c.regexCache.Store(pattern, re)
	return re
}

func numericCompare(a, b string) int {
	av, errA := strconv.Atoi(a)
	bv, errB := strconv.Atoi(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	}
	return 0
}

// matchModelPattern checks configured glob patterns against the model name.
func (c *Classifier) matchModelPattern(model string) (string, bool) {
	lower := strings.ToLower(model)
	for pattern, category := range c.modelPatterns {
		if ok, err := path.Match(strings.ToLower(pattern), lower); err == nil && ok {
			return category, true
		}
	}
	return "", false
}

// infer applies the built-in contextual ladder. Order matters: long context
// beats thinking beats vision beats websearch beats tools.
func (c *Classifier) infer(f Features) string {
	switch {
	case f.TokenCount > c.longContextTokens:
		return config.CategoryLongContext
	case f.HasThinking:
		return config.CategoryThinking
	case f.HasVision:
		return config.CategoryVision
	case hasToolType(f.ToolTypes, "web_search"):
		return config.CategoryWebSearch
	case f.HasTools:
		return config.CategoryTools
	}

	lower := strings.ToLower(f.Model)
	if strings.Contains(lower, "coder") || strings.Contains(lower, "code") {
		return config.CategoryCoding
	}

	return config.CategoryDefault
}

func hasToolType(toolTypes []string, want string) bool {
	for _, t := range toolTypes {
		if t == want {
			return true
		}
	}
	return false
}
