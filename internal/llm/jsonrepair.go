// internal/llm/jsonrepair.go
package llm

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
)

// RepairStrategy 一个 JSON 修复步骤，作用于上一步的输出
type RepairStrategy struct {
	Name  string
	Apply func(string) string
}

// RepairStrategies 按顺序累积应用的修复步骤
var RepairStrategies = []RepairStrategy{
	{Name: "identity", Apply: func(s string) string { return s }},
	{Name: "strip_fences", Apply: stripFences},
	{Name: "slice_outer", Apply: sliceOuter},
	{Name: "single_quotes", Apply: convertSingleQuotes},
	{Name: "trailing_commas", Apply: removeTrailingCommas},
	{Name: "python_literals", Apply: convertPythonLiterals},
}

// RepairJSON 依次尝试修复步骤，返回第一个合法 JSON 及使用的步骤名
func RepairJSON(raw string) (string, string, error) {
	current := raw
	for _, strategy := range RepairStrategies {
		current = strategy.Apply(current)
		if json.Valid([]byte(current)) {
			return current, strategy.Name, nil
		}
	}
	return "", "", apperrors.NewUnparseableError("模型输出无法解析为JSON", nil)
}

// UnmarshalRepaired 修复后解码到 v，结构不匹配同样视为无法解析
func UnmarshalRepaired(raw string, v interface{}) (string, error) {
	text, strategy, err := RepairJSON(raw)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return strategy, apperrors.NewUnparseableError("模型输出结构不符合预期", err)
	}
	return strategy, nil
}

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*[ \t]*\r?\n?(.*?)```")

// stripFences 去除 Markdown 代码块和零宽字符
func stripFences(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	// 只有开头的围栏，没有结尾
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "```") {
		if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
			return strings.TrimSpace(trimmed[nl+1:])
		}
	}
	return trimmed
}

// sliceOuter 截取第一个 { 或 [ 到与之匹配的结束括号，前一种不是合法 JSON 时换另一种
func sliceOuter(s string) string {
	var candidates []string
	for _, start := range []int{strings.IndexAny(s, "[{"), strings.IndexAny(s, firstOther(s))} {
		if start == -1 {
			continue
		}
		slice := sliceFrom(s[start:])
		if json.Valid([]byte(slice)) {
			return slice
		}
		candidates = append(candidates, slice)
	}
	if len(candidates) == 0 {
		return s
	}
	// 都不合法时交给后续步骤处理较长的片段
	best := candidates[0]
	for _, c := range candidates[1:] {
		if len(c) > len(best) {
			best = c
		}
	}
	return best
}

// firstOther 返回与第一个括号种类相反的开括号
func firstOther(s string) string {
	start := strings.IndexAny(s, "[{")
	if start == -1 {
		return ""
	}
	if s[start] == '[' {
		return "{"
	}
	return "["
}

// sliceFrom 从开头的括号截取到匹配的结束括号
func sliceFrom(s string) string {
	open, close := byte('{'), byte('}')
	if s[0] == '[' {
		open, close = '[', ']'
	}

	balance := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case open:
			balance++
		case close:
			balance--
			if balance == 0 {
				return s[:i+1]
			}
		}
	}

	// 括号不平衡时退回到最后一个结束符
	if end := strings.LastIndexByte(s, close); end > 0 {
		return s[:end+1]
	}
	return s
}

// convertSingleQuotes 把字符串外的单引号字符串改写为双引号字符串
func convertSingleQuotes(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	var quote rune
	escaped := false
	for _, r := range s {
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
				if r == '\'' {
					// \' 在 JSON 中不合法
					b.WriteRune(r)
					continue
				}
				b.WriteRune('\\')
				b.WriteRune(r)
			case r == '\\':
				escaped = true
			case r == quote:
				quote = 0
				b.WriteRune('"')
			case quote == '\'' && r == '"':
				b.WriteString(`\"`)
			default:
				b.WriteRune(r)
			}
			continue
		}

		switch r {
		case '"', '\'':
			quote = r
			b.WriteRune('"')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

var trailingCommaPattern = regexp.MustCompile(`,(\s*[}\]])`)

// removeTrailingCommas 去除 } 或 ] 之前多余的逗号
func removeTrailingCommas(s string) string {
	return mapOutsideStrings(s, func(seg string) string {
		return trailingCommaPattern.ReplaceAllString(seg, "$1")
	})
}

var pythonLiteralReplacer = strings.NewReplacer("(", "[", ")", "]")

var pythonWordPattern = regexp.MustCompile(`\b(True|False|None)\b`)

// convertPythonLiterals 把 True/False/None 与元组转换为 JSON 形式
func convertPythonLiterals(s string) string {
	return mapOutsideStrings(s, func(seg string) string {
		seg = pythonWordPattern.ReplaceAllStringFunc(seg, func(w string) string {
			switch w {
			case "True":
				return "true"
			case "False":
				return "false"
			default:
				return "null"
			}
		})
		return pythonLiteralReplacer.Replace(seg)
	})
}

// mapOutsideStrings 只对双引号字符串之外的片段应用 fn
func mapOutsideStrings(s string, fn func(string) string) string {
	var b strings.Builder
	b.Grow(len(s))

	segStart := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
				b.WriteString(s[segStart : i+1])
				segStart = i + 1
			}
			continue
		}
		if c == '"' {
			b.WriteString(fn(s[segStart:i]))
			segStart = i
			inString = true
		}
	}
	if inString {
		b.WriteString(s[segStart:])
	} else {
		b.WriteString(fn(s[segStart:]))
	}
	return b.String()
}
