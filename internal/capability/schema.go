package capability

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/shaiso/Promptflow/internal/domain"
)

// Типы полей схемы.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

var validTypes = map[string]bool{
	TypeString: true, TypeNumber: true, TypeInteger: true,
	TypeBoolean: true, TypeObject: true, TypeArray: true,
}

// Schema — описание структурированного вывода, независимое от backend.
type Schema struct {
	Name        string
	Description string
	Fields      []Field
}

// Field — поле объекта.
type Field struct {
	Name        string
	Type        string
	Required    bool
	Description string
	Enum        []string // для string
	Items       *Field   // для array
	Fields      []Field // для object
}

// NewSchema собирает схему из определения и проверяет типы полей.
func NewSchema(def domain.SchemaDef) (*Schema, error) {
	fields, err := convertFields(def.Name, def.Fields)
	if err != nil {
		return nil, err
	}
	return &Schema{Name: def.Name, Description: def.Description, Fields: fields}, nil
}

func convertFields(path string, defs []domain.FieldDef) ([]Field, error) {
	fields := make([]Field, 0, len(defs))
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("schema %s: field with empty name", path)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("schema %s: duplicate field %q", path, d.Name)
		}
		seen[d.Name] = true

		f, err := convertField(path+"."+d.Name, d)
		if err != nil {
			return nil, err
		}
		f.Required = !d.Optional
		fields = append(fields, f)
	}
	return fields, nil
}

func convertField(path string, d domain.FieldDef) (Field, error) {
	if !validTypes[d.Type] {
		return Field{}, fmt.Errorf("schema %s: unknown type %q", path, d.Type)
	}

	f := Field{Name: d.Name, Type: d.Type, Description: d.Description}

	if len(d.Enum) > 0 {
		if d.Type != TypeString {
			return Field{}, fmt.Errorf("schema %s: enum requires type string, got %q", path, d.Type)
		}
		f.Enum = slices.Clone(d.Enum)
	}

	switch d.Type {
	case TypeArray:
		if d.Items != nil {
			item, err := convertField(path+"[]", *d.Items)
			if err != nil {
				return Field{}, err
			}
			item.Required = true
			f.Items = &item
		}
	case TypeObject:
		nested, err := convertFields(path, d.Fields)
		if err != nil {
			return Field{}, err
		}
		f.Fields = nested
	}
	return f, nil
}

// JSONSchema возвращает схему в виде JSON Schema (map для сериализации).
func (s *Schema) JSONSchema() map[string]any {
	out := objectSchema(s.Fields)
	out["title"] = s.Name
	if s.Description != "" {
		out["description"] = s.Description
	}
	return out
}

func objectSchema(fields []Field) map[string]any {
	props := make(map[string]any, len(fields))
	required := make([]string, 0, len(fields))
	for _, f := range fields {
		props[f.Name] = fieldSchema(f)
		if f.Required {
			required = append(required, f.Name)
		}
	}
	out := map[string]any{
		"type":       TypeObject,
		"properties": props,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func fieldSchema(f Field) map[string]any {
	var out map[string]any
	switch f.Type {
	case TypeObject:
		out = objectSchema(f.Fields)
	case TypeArray:
		out = map[string]any{"type": TypeArray}
		if f.Items != nil {
			out["items"] = fieldSchema(*f.Items)
		}
	default:
		out = map[string]any{"type": f.Type}
		if len(f.Enum) > 0 {
			out["enum"] = f.Enum
		}
	}
	if f.Description != "" {
		out["description"] = f.Description
	}
	return out
}

// FormatInstructions возвращает текст для prompt: как модель должна
// оформить ответ, чтобы он прошёл валидацию.
func (s *Schema) FormatInstructions() string {
	raw, err := json.MarshalIndent(s.JSONSchema(), "", "  ")
	if err != nil {
		raw = []byte("{}")
	}

	var sb strings.Builder
	sb.WriteString("Respond only with a JSON object that conforms to the JSON schema below. ")
	sb.WriteString("Do not add explanations or markdown outside the JSON.\n\n")
	sb.WriteString("```json\n")
	sb.Write(raw)
	sb.WriteString("\n```")
	return sb.String()
}

// AppendInstructions добавляет инструкции схемы к prompt, если шаблон
// ещё не подставил их через partial format_instructions.
func (s *Schema) AppendInstructions(prompt string) string {
	instructions := s.FormatInstructions()
	if strings.Contains(prompt, instructions) {
		return prompt
	}
	return prompt + "\n\n" + instructions
}
