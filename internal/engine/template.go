package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"text/template/parse"
)

// Format — синтаксис шаблона.
type Format string

const (
	// FormatFString — слоты вида {name}, "{{" и "}}" дают литеральные скобки.
	FormatFString Format = "fstring"

	// FormatGo — Go text/template: {{ .name }}, функции из templateFuncs.
	FormatGo Format = "go"
)

// Template — именованный шаблон prompt с объявленными переменными.
//
// Создаётся один раз при сборке pipeline и дальше не меняется:
// Partial возвращает новый Template, а не модифицирует текущий.
type Template struct {
	name      string
	pattern   string
	format    Format
	variables []string
	partials  map[string]any

	segments []segment          // для FormatFString
	tmpl     *template.Template // для FormatGo
}

// segment — кусок fstring-шаблона: литерал или слот.
type segment struct {
	literal  string
	variable string
}

// NewTemplate создаёт fstring-шаблон.
func NewTemplate(name, pattern string, variables ...string) (*Template, error) {
	return ParseTemplate(name, pattern, FormatFString, variables)
}

// MustTemplate — как NewTemplate, но паникует при ошибке.
// Удобно для статических определений и тестов.
func MustTemplate(name, pattern string, variables ...string) *Template {
	t, err := NewTemplate(name, pattern, variables...)
	if err != nil {
		panic(err)
	}
	return t
}

// ParseTemplate создаёт шаблон в заданном формате.
//
// Каждая переменная, на которую ссылается pattern, должна быть объявлена
// в variables, иначе возвращается ошибка с ErrUndeclaredVariable.
func ParseTemplate(name, pattern string, format Format, variables []string) (*Template, error) {
	if format == "" {
		format = FormatFString
	}

	t := &Template{
		name:      name,
		pattern:   pattern,
		format:    format,
		variables: dedupe(variables),
		partials:  make(map[string]any),
	}

	var referenced []string
	switch format {
	case FormatFString:
		segs, err := parseFString(pattern)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w: %v", name, ErrTemplateParse, err)
		}
		t.segments = segs
		for _, s := range segs {
			if s.variable != "" {
				referenced = append(referenced, s.variable)
			}
		}

	case FormatGo:
		tmpl, err := template.New(name).
			Funcs(templateFuncs).
			Option("missingkey=error").
			Parse(pattern)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w: %v", name, ErrTemplateParse, err)
		}
		t.tmpl = tmpl
		if tmpl.Tree != nil {
			referenced = collectFields(tmpl.Tree.Root)
		}

	default:
		return nil, fmt.Errorf("template %q: %w: unknown format %q", name, ErrTemplateParse, format)
	}

	declared := make(map[string]bool, len(t.variables))
	for _, v := range t.variables {
		declared[v] = true
	}
	for _, ref := range referenced {
		if !declared[ref] {
			return nil, fmt.Errorf("template %q: %w: %q", name, ErrUndeclaredVariable, ref)
		}
	}

	return t, nil
}

// Name возвращает имя шаблона.
func (t *Template) Name() string { return t.name }

// Pattern возвращает исходный текст шаблона.
func (t *Template) Pattern() string { return t.pattern }

// Format возвращает синтаксис шаблона.
func (t *Template) Format() Format { return t.format }

// Variables возвращает объявленные переменные в порядке объявления.
func (t *Template) Variables() []string {
	out := make([]string, len(t.variables))
	copy(out, t.variables)
	return out
}

// RequiredVariables возвращает переменные, которые не связаны через Partial.
func (t *Template) RequiredVariables() []string {
	out := make([]string, 0, len(t.variables))
	for _, v := range t.variables {
		if _, ok := t.partials[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}

// Partial возвращает копию шаблона с заранее связанными переменными.
func (t *Template) Partial(values map[string]any) (*Template, error) {
	declared := make(map[string]bool, len(t.variables))
	for _, v := range t.variables {
		declared[v] = true
	}

	cp := *t
	cp.partials = make(map[string]any, len(t.partials)+len(values))
	for k, v := range t.partials {
		cp.partials[k] = v
	}
	for k, v := range values {
		if !declared[k] {
			return nil, fmt.Errorf("template %q: %w: partial %q", t.name, ErrUndeclaredVariable, k)
		}
		cp.partials[k] = v
	}
	return &cp, nil
}

// Render подставляет bindings в шаблон.
//
// Если объявленная переменная отсутствует и в bindings, и в partials,
// возвращается *MissingVariableError. Лишние bindings игнорируются.
func (t *Template) Render(bindings map[string]any) (string, error) {
	values := make(map[string]any, len(t.variables))
	for _, v := range t.variables {
		if val, ok := bindings[v]; ok {
			values[v] = val
			continue
		}
		if val, ok := t.partials[v]; ok {
			values[v] = val
			continue
		}
		return "", &MissingVariableError{Template: t.name, Variable: v}
	}

	if t.format == FormatGo {
		var buf bytes.Buffer
		if err := t.tmpl.Execute(&buf, values); err != nil {
			return "", fmt.Errorf("template %q: %w: %v", t.name, ErrTemplateRender, err)
		}
		return buf.String(), nil
	}

	var sb strings.Builder
	sb.Grow(len(t.pattern))
	for _, s := range t.segments {
		if s.variable == "" {
			sb.WriteString(s.literal)
			continue
		}
		sb.WriteString(FormatValue(values[s.variable]))
	}
	return sb.String(), nil
}

// FormatValue превращает значение binding в текст для prompt.
// Строки подставляются как есть, map и slice — как JSON.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	case error:
		return val.Error()
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// parseFString разбирает pattern на литералы и слоты.
func parseFString(pattern string) ([]segment, error) {
	var (
		segs []segment
		lit  strings.Builder
	)

	flush := func() {
		if lit.Len() > 0 {
			segs = append(segs, segment{literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '{':
			if i+1 < len(pattern) && pattern[i+1] == '{' {
				lit.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(pattern[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unclosed '{' at offset %d", i)
			}
			name := strings.TrimSpace(pattern[i+1 : i+1+end])
			if name == "" || strings.ContainsAny(name, "{ \t\n") {
				return nil, fmt.Errorf("invalid variable name %q at offset %d", name, i)
			}
			flush()
			segs = append(segs, segment{variable: name})
			i += end + 1

		case '}':
			if i+1 < len(pattern) && pattern[i+1] == '}' {
				lit.WriteByte('}')
				i++
				continue
			}
			return nil, fmt.Errorf("single '}' at offset %d", i)

		default:
			lit.WriteByte(c)
		}
	}
	flush()

	return segs, nil
}

// collectFields собирает имена полей верхнего уровня ({{ .name }}).
// Тела range/with пропускаются: там точка указывает на другой объект.
func collectFields(node parse.Node) []string {
	seen := make(map[string]bool)
	var walk func(n parse.Node)
	walk = func(n parse.Node) {
		switch x := n.(type) {
		case nil:
		case *parse.ListNode:
			if x == nil {
				return
			}
			for _, c := range x.Nodes {
				walk(c)
			}
		case *parse.ActionNode:
			walk(x.Pipe)
		case *parse.PipeNode:
			if x == nil {
				return
			}
			for _, c := range x.Cmds {
				walk(c)
			}
		case *parse.CommandNode:
			for _, a := range x.Args {
				walk(a)
			}
		case *parse.FieldNode:
			if len(x.Ident) > 0 {
				seen[x.Ident[0]] = true
			}
		case *parse.IfNode:
			walk(x.Pipe)
			walk(x.List)
			walk(x.ElseList)
		case *parse.RangeNode:
			walk(x.Pipe)
			walk(x.ElseList)
		case *parse.WithNode:
			walk(x.Pipe)
			walk(x.ElseList)
		}
	}
	walk(node)

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

// templateFuncs — дополнительные функции для шаблонов формата go.
var templateFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — возвращает значение по умолчанию, если первый аргумент пустой
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	// coalesce — возвращает первое непустое значение
	"coalesce": func(values ...any) any {
		for _, v := range values {
			if v != nil {
				if s, ok := v.(string); ok && s == "" {
					continue
				}
				return v
			}
		}
		return nil
	},

	// text — то же преобразование, что и в fstring-слотах
	"text": FormatValue,

	"join": func(sep string, items []string) string {
		return strings.Join(items, sep)
	},
	"split": func(sep, s string) []string {
		return strings.Split(s, sep)
	},
	"contains":  strings.Contains,
	"hasPrefix": strings.HasPrefix,
	"hasSuffix": strings.HasSuffix,
	"lower":     strings.ToLower,
	"upper":     strings.ToUpper,
	"trim":      strings.TrimSpace,
	"replace":   strings.ReplaceAll,
}
