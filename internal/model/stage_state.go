package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StageState is the serializable snapshot of the progress UI, persisted as a
// JSON blob on the first message of a retrieval exchange.
type StageState struct {
	OriginalInput          string         `json:"originalInput,omitempty"`
	AugmentedKeywords      KeywordTags    `json:"augmentedKeywords,omitempty"`
	SearchResults          []SearchResult `json:"searchResults,omitempty"`
	FinalAnswer            string         `json:"finalAnswer,omitempty"`
	AnalysisImageURL       string         `json:"analysisImageUrl,omitempty"`
	ExtractedKeywords      []string       `json:"extractedKeywords,omitempty"`
	ExtractedDBSearchTitle []string       `json:"extractedDbSearchTitle,omitempty"`
	CurrentStep            int            `json:"currentStep,omitempty"`
}

// Complete reports whether the exchange produced a final answer. A complete
// snapshot is immutable.
func (s *StageState) Complete() bool {
	return s.FinalAnswer != ""
}

// KeywordTag is one augmented keyword shown in the progress UI.
type KeywordTag struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Category string `json:"category"`
}

// NewKeywordTag tags a keyword by its position in the augmented list.
func NewKeywordTag(text string, index int) KeywordTag {
	return KeywordTag{
		ID:       fmt.Sprintf("keyword-%d", index),
		Text:     text,
		Category: Categorize(text, index),
	}
}

// TagKeywords tags every keyword of an augmented list.
func TagKeywords(keywords []string) KeywordTags {
	tags := make(KeywordTags, len(keywords))
	for i, k := range keywords {
		tags[i] = NewKeywordTag(k, i)
	}
	return tags
}

// KeywordTags decodes either tag objects or bare keyword strings; bare
// strings are tagged with Categorize.
type KeywordTags []KeywordTag

// UnmarshalJSON implements json.Unmarshaler.
func (k *KeywordTags) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	tags := make(KeywordTags, 0, len(items))
	for i, item := range items {
		var text string
		if err := json.Unmarshal(item, &text); err == nil {
			tags = append(tags, NewKeywordTag(text, i))
			continue
		}
		var tag KeywordTag
		if err := json.Unmarshal(item, &tag); err != nil {
			return fmt.Errorf("keyword %d: %w", i, err)
		}
		tags = append(tags, tag)
	}
	*k = tags
	return nil
}

// Category labels.
const (
	CategoryOriginal      = "original"
	CategoryAnalysis      = "analysis"
	CategoryImprovement   = "improvement"
	CategoryStrategy      = "strategy"
	CategoryPerformance   = "performance"
	CategoryManagement    = "management"
	CategoryTechnology    = "technology"
	CategoryBusiness      = "business"
	CategoryProcess       = "process"
	CategoryCore          = "core"
	CategoryRelated       = "related"
	CategoryExtended      = "extended"
	CategorySupplementary = "supplementary"
)

// categoryRules are evaluated in order; the first rule with a matching term wins.
var categoryRules = []struct {
	category string
	terms    []string
}{
	{CategoryAnalysis, []string{"analysis", "analytics", "data", "분석", "데이터"}},
	{CategoryImprovement, []string{"improve", "optimization", "optimisation", "enhance", "개선", "향상", "최적화"}},
	{CategoryStrategy, []string{"strategy", "plan", "approach", "전략", "계획", "방안"}},
	{CategoryPerformance, []string{"performance", "result", "effect", "성과", "결과", "효과"}},
	{CategoryManagement, []string{"management", "operation", "system", "관리", "운영", "시스템"}},
	{CategoryTechnology, []string{"technology", "development", "solution", "기술", "개발", "솔루션"}},
	{CategoryBusiness, []string{"business", "enterprise", "비즈니스", "사업", "경영"}},
	{CategoryProcess, []string{"process", "procedure", "workflow", "프로세스", "절차", "워크플로우"}},
}

var fallbackCategories = []string{CategoryCore, CategoryRelated, CategoryExtended, CategorySupplementary}

// Categorize returns the category label of the keyword at index.
func Categorize(keyword string, index int) string {
	if index == 0 {
		return CategoryOriginal
	}
	lower := strings.ToLower(keyword)
	for _, rule := range categoryRules {
		for _, term := range rule.terms {
			if strings.Contains(lower, term) {
				return rule.category
			}
		}
	}
	return fallbackCategories[(index-1)%len(fallbackCategories)]
}

// SearchResult is one retrieved document. The backend shape varies between
// pipeline versions, so all fields are preserved verbatim.
type SearchResult map[string]any

// UntitledDocument is the title used when a result carries no name.
const UntitledDocument = "untitled"

// Title returns the document title of the result.
func (r SearchResult) Title() string {
	if s, ok := r["document_name"].(string); ok && s != "" {
		return s
	}
	if payload, ok := r["res_payload"].(map[string]any); ok {
		if s, ok := payload["document_name"].(string); ok && s != "" {
			return s
		}
	}
	if s, ok := r["title"].(string); ok && s != "" {
		return s
	}
	return UntitledDocument
}

// DocumentTitles derives the document title list from results.
func DocumentTitles(results []SearchResult) []string {
	titles := make([]string, len(results))
	for i, r := range results {
		titles[i] = r.Title()
	}
	return titles
}
