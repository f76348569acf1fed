package capability

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// SchemaValidator приводит сырой текст ответа к схеме.
type SchemaValidator interface {
	Validate(raw string, schema *Schema) (any, error)
}

// JSONValidator — валидатор по умолчанию.
//
// Порядок обработки:
//  1. ExtractText: убрать блоки <think>...</think>
//  2. убрать markdown-ограждение ```json ... ```
//  3. найти JSON-объект (или массив) в тексте
//  4. проверить обязательные поля и типы, привести целые числа
type JSONValidator struct{}

var (
	thinkBlock = regexp.MustCompile(`(?is)<think>.*?</think>`)
	codeFence  = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\\s*\\n?(.*?)```")
)

// errNoJSON — в тексте не найдено JSON значение.
var errNoJSON = errors.New("no JSON value found in output")

// ExtractText нормализует сырой ответ модели: удаляет блоки рассуждений
// (<think>...</think>, включая незакрытый хвостовой блок) и пробелы по краям.
func ExtractText(raw string) string {
	text := thinkBlock.ReplaceAllString(raw, "")
	// Незакрытый <think> — модель оборвала рассуждение, ответа после него нет
	if i := strings.Index(strings.ToLower(text), "<think>"); i >= 0 {
		text = text[:i]
	}
	// Закрывающий тег без открывающего: всё до него — рассуждение
	if i := strings.LastIndex(strings.ToLower(text), "</think>"); i >= 0 {
		text = text[i+len("</think>"):]
	}
	return strings.TrimSpace(text)
}

// ExtractJSON возвращает первый JSON объект или массив из текста.
func ExtractJSON(text string) (string, error) {
	if m := codeFence.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	text = strings.TrimSpace(text)

	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var v json.RawMessage
		if err := dec.Decode(&v); err == nil {
			return string(v), nil
		}
	}
	return "", errNoJSON
}

// Validate реализует SchemaValidator.
func (JSONValidator) Validate(raw string, schema *Schema) (any, error) {
	name := ""
	if schema != nil {
		name = schema.Name
	}
	fail := func(err error) (any, error) {
		return nil, &SchemaValidationError{Schema: name, Raw: raw, Err: err}
	}

	payload, err := ExtractJSON(ExtractText(raw))
	if err != nil {
		return fail(err)
	}

	var decoded any
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return fail(fmt.Errorf("decode JSON: %w", err))
	}

	if schema == nil {
		return decoded, nil
	}

	value, err := CheckValue(decoded, schema)
	if err != nil {
		return fail(err)
	}
	return value, nil
}

// CheckValue проверяет уже декодированное значение по схеме.
// Используется и для ответов StructuredCapability.
func CheckValue(v any, schema *Schema) (map[string]any, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected JSON object, got %s", jsonType(v))
	}
	return checkObject("", obj, schema.Fields)
}

func checkObject(path string, obj map[string]any, fields []Field) (map[string]any, error) {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}

	for _, f := range fields {
		fieldPath := joinPath(path, f.Name)
		v, present := obj[f.Name]
		if !present || v == nil {
			if f.Required {
				return nil, fmt.Errorf("field %s: required", fieldPath)
			}
			continue
		}
		coerced, err := checkField(fieldPath, v, f)
		if err != nil {
			return nil, err
		}
		out[f.Name] = coerced
	}
	return out, nil
}

func checkField(path string, v any, f Field) (any, error) {
	switch f.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			break
		}
		if len(f.Enum) > 0 && !slices.Contains(f.Enum, s) {
			return nil, fmt.Errorf("field %s: %q is not one of %v", path, s, f.Enum)
		}
		return s, nil

	case TypeNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case string:
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return parsed, nil
			}
		}

	case TypeInteger:
		switch n := v.(type) {
		case float64:
			if n != math.Trunc(n) {
				break
			}
			// float64(math.MaxInt64) == 2^63, само значение уже вне диапазона
			if n < math.MinInt64 || n >= math.MaxInt64 {
				return nil, fmt.Errorf("field %s: %g out of integer range", path, n)
			}
			return int64(n), nil
		case string:
			if parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
				return parsed, nil
			}
		}

	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
				return parsed, nil
			}
		}

	case TypeObject:
		if obj, ok := v.(map[string]any); ok {
			return checkObject(path, obj, f.Fields)
		}

	case TypeArray:
		list, ok := v.([]any)
		if !ok {
			break
		}
		if f.Items == nil {
			return list, nil
		}
		out := make([]any, len(list))
		for i, item := range list {
			coerced, err := checkField(fmt.Sprintf("%s[%d]", path, i), item, *f.Items)
			if err != nil {
				return nil, err
			}
			out[i] = coerced
		}
		return out, nil
	}

	return nil, fmt.Errorf("field %s: expected %s, got %s", path, f.Type, jsonType(v))
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return TypeString
	case float64:
		return TypeNumber
	case bool:
		return TypeBoolean
	case map[string]any:
		return TypeObject
	case []any:
		return TypeArray
	default:
		return fmt.Sprintf("%T", v)
	}
}
