package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cast"
	"github.com/tidwall/gjson"
)

// maxParseDepth bounds how far nested error bodies are followed.
const maxParseDepth = 8

// overflowPattern extracts current and maximum token counts from one provider's phrasing.
type overflowPattern struct {
	re      *regexp.Regexp
	extract func(nums []int) (current, limit int)
}

func currentThenLimit(nums []int) (int, int) { return nums[0], nums[1] }
func limitThenCurrent(nums []int) (int, int) { return nums[1], nums[0] }

const num = `(\d[\d,_]*)`

var overflowPatterns = []overflowPattern{
	// Anthropic: "prompt is too long: 213021 tokens > 200000 maximum"
	{regexp.MustCompile(`(?i)prompt is too long:?\s*` + num + `\s*tokens?\s*>\s*` + num), currentThenLimit},
	// Anthropic: "input length and `max_tokens` exceed context limit: 197202 + 21333 > 200000"
	{regexp.MustCompile(`(?i)exceed context limit:?\s*` + num + `\s*\+\s*` + num + `\s*>\s*` + num), func(nums []int) (int, int) {
		return nums[0] + nums[1], nums[2]
	}},
	// OpenAI compatible: "maximum context length is 128000 tokens. However, your messages resulted in 130412 tokens"
	{regexp.MustCompile(`(?is)maximum context length is\s*` + num + `\s*tokens?.*?(?:resulted in|requested|you requested)\s*` + num + `\s*tokens?`), limitThenCurrent},
	// Gemini: "The input token count (1200000) exceeds the maximum number of tokens allowed (1048576)"
	{regexp.MustCompile(`(?i)input token count\s*\(?` + num + `\)?\s*exceeds the maximum number of tokens allowed\s*\(?` + num), currentThenLimit},
	// Copilot: "prompt token count of 135000 exceeds the limit of 128000"
	{regexp.MustCompile(`(?i)token count of\s*` + num + `\s*exceeds the limit of\s*` + num), currentThenLimit},
	// Generic: "130000 tokens exceeds the context window of 128000"
	{regexp.MustCompile(`(?i)` + num + `\s*tokens?\s*exceeds?\s*(?:the\s*)?(?:maximum\s*)?(?:context window|context length|limit|maximum)\s*(?:of|is)?\s*` + num), currentThenLimit},
	// Generic: "... 130000 tokens > 128000 ..."
	{regexp.MustCompile(`(?i)` + num + `\s*tokens?\s*>\s*` + num), currentThenLimit},
}

// overflowHints mark text that talks about a context overflow even when the
// counts are carried in structured fields.
var overflowHints = []*regexp.Regexp{
	regexp.MustCompile(`(?i)prompt is too long`),
	regexp.MustCompile(`(?i)exceed.*context (window|limit|length)`),
	regexp.MustCompile(`(?i)maximum context length`),
	regexp.MustCompile(`(?i)input token count.*exceeds`),
	regexp.MustCompile(`(?i)context[_ ]length[_ ]exceeded`),
	regexp.MustCompile(`(?i)too many tokens`),
	regexp.MustCompile(`(?i)token limit exceeded`),
	regexp.MustCompile(`(?i)exceeds the limit of \d+`),
}

var (
	textKeys      = []string{"message", "error", "data", "responseBody", "response_body", "body", "cause", "detail", "details", "errors"}
	requestIDKeys = []string{"request_id", "requestID", "requestId"}
	typeKeys      = []string{"type", "code"}
	providerKeys  = []string{"providerID", "provider_id"}
	modelKeys     = []string{"modelID", "model_id"}
	currentKeys   = []string{"currentTokens", "current_tokens", "inputTokens", "input_tokens", "promptTokens", "prompt_tokens"}
	limitKeys     = []string{"maxTokens", "max_tokens", "contextWindow", "context_window", "maxContextTokens", "max_context_tokens", "limit"}
)

// Parse normalizes a provider rejection of any shape into a TokenLimitError.
// It returns nil when raw does not describe a token limit overflow.
func Parse(raw any) (result *TokenLimitError) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
		}
	}()

	p := &errorScan{}
	p.visit(raw, 0)
	return p.build()
}

// IsTokenLimit reports whether raw is a token limit rejection.
func IsTokenLimit(raw any) bool {
	return Parse(raw) != nil
}

// errorScan accumulates everything found while walking an error value.
type errorScan struct {
	texts      []string
	requestID  string
	errorType  string
	providerID string
	modelID    string
	current    int
	limit      int
}

func (p *errorScan) visit(v any, depth int) {
	if v == nil || depth > maxParseDepth {
		return
	}

	switch x := v.(type) {
	case string:
		p.visitString(x, depth)
	case []byte:
		p.visitString(string(x), depth)
	case json.RawMessage:
		p.visitString(string(x), depth)
	case map[string]any:
		p.visitMap(x, depth)
	case []any:
		for _, item := range x {
			p.visit(item, depth+1)
		}
	case *TokenLimitError:
		if x != nil {
			p.current, p.limit = x.CurrentTokens, x.MaxTokens
			p.requestID, p.providerID, p.modelID = x.RequestID, x.ProviderID, x.ModelID
			p.errorType = x.ErrorType
			if p.errorType == "" {
				p.errorType = ErrorTypeTokenLimit
			}
		}
	case error:
		p.texts = append(p.texts, x.Error())
		if inner := errors.Unwrap(x); inner != nil {
			p.visit(inner, depth+1)
		}
	case fmt.Stringer:
		p.visitString(x.String(), depth)
	}
}

func (p *errorScan) visitString(s string, depth int) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}

	if (s[0] == '{' || s[0] == '[') && gjson.Valid(s) {
		p.visit(gjson.Parse(s).Value(), depth+1)
		return
	}

	p.texts = append(p.texts, s)

	// Host errors often prefix the provider body, e.g. "400 {"type":"error",...}".
	if i := strings.IndexByte(s, '{'); i > 0 {
		if body := s[i:]; gjson.Valid(body) {
			p.visit(gjson.Parse(body).Value(), depth+1)
		}
	}
}

func (p *errorScan) visitMap(m map[string]any, depth int) {
	takeString(&p.requestID, m, requestIDKeys)
	takeString(&p.providerID, m, providerKeys)
	takeString(&p.modelID, m, modelKeys)
	if p.errorType == "" {
		for _, key := range typeKeys {
			if s, ok := m[key].(string); ok && s != "" && s != "error" {
				p.errorType = s
				break
			}
		}
	}
	takeInt(&p.current, m, currentKeys)
	takeInt(&p.limit, m, limitKeys)

	for _, key := range textKeys {
		if v, ok := m[key]; ok {
			p.visit(v, depth+1)
		}
	}
}

func (p *errorScan) build() *TokenLimitError {
	for _, text := range p.texts {
		if current, limit, ok := matchOverflow(text); ok {
			if res := p.result(current, limit); res != nil {
				return res
			}
		}
	}
	if p.current > 0 && p.limit > 0 && p.hinted() {
		return p.result(p.current, p.limit)
	}
	return nil
}

func (p *errorScan) result(current, limit int) *TokenLimitError {
	if current <= limit || limit < 0 {
		return nil
	}
	errorType := strings.ToLower(p.errorType)
	if errorType == "" {
		errorType = ErrorTypeTokenLimit
	}
	return &TokenLimitError{
		CurrentTokens: current,
		MaxTokens:     limit,
		RequestID:     p.requestID,
		ErrorType:     errorType,
		ProviderID:    p.providerID,
		ModelID:       p.modelID,
	}
}

func (p *errorScan) hinted() bool {
	lowerType := strings.ToLower(p.errorType)
	if strings.Contains(lowerType, "context_length") || strings.Contains(lowerType, "token") {
		return true
	}
	for _, text := range p.texts {
		for _, re := range overflowHints {
			if re.MatchString(text) {
				return true
			}
		}
	}
	return false
}

func matchOverflow(text string) (current, limit int, ok bool) {
	for _, pattern := range overflowPatterns {
		groups := pattern.re.FindStringSubmatch(text)
		if groups == nil {
			continue
		}
		nums := make([]int, 0, len(groups)-1)
		for _, g := range groups[1:] {
			n, err := parseCount(g)
			if err != nil {
				nums = nil
				break
			}
			nums = append(nums, n)
		}
		if nums == nil {
			continue
		}
		current, limit = pattern.extract(nums)
		return current, limit, true
	}
	return 0, 0, false
}

func parseCount(s string) (int, error) {
	s = strings.NewReplacer(",", "", "_", "").Replace(s)
	if s = strings.TrimLeft(s, "0"); s == "" {
		return 0, nil
	}
	return cast.ToIntE(s)
}

func takeString(dst *string, m map[string]any, keys []string) {
	if *dst != "" {
		return
	}
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			*dst = s
			return
		}
	}
}

func takeInt(dst *int, m map[string]any, keys []string) {
	if *dst != 0 {
		return
	}
	for _, key := range keys {
		v, ok := m[key]
		if !ok {
			continue
		}
		n, err := cast.ToIntE(v)
		if err == nil && n > 0 {
			*dst = n
			return
		}
	}
}
