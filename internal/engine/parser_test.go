package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shaiso/Promptflow/internal/domain"
)

const studySpecYAML = `
version: "1"
name: study-material
inputs:
  topic: {type: string}
templates:
  - id: explain
    pattern: "Explain {topic} in simple language."
    variables: [topic]
  - id: notes
    pattern: "Notes on {content}"
    variables: [content]
  - id: quiz
    pattern: "Quiz on {content}"
    variables: [content]
  - id: takeaway
    pattern: "Takeaway from {quiz} and {notes}"
    variables: [quiz, notes]
steps:
  - id: explain
    template: explain
    inputs: {topic: topic}
    output: explanation
  - id: notes
    template: notes
    inputs: {content: explanation}
  - id: quiz
    template: quiz
    inputs: {content: explanation}
  - id: takeaway
    template: takeaway
    inputs: {quiz: quiz, notes: notes}
`

func TestParseSpec_YAML(t *testing.T) {
	spec, err := ParseSpec([]byte(studySpecYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if spec.Name != "study-material" {
		t.Errorf("expected name study-material, got %q", spec.Name)
	}
	if len(spec.Steps) != 4 || len(spec.Templates) != 4 {
		t.Fatalf("expected 4 steps and templates, got %d/%d", len(spec.Steps), len(spec.Templates))
	}
	if spec.Steps[0].OutputKey() != "explanation" {
		t.Errorf("expected output explanation, got %q", spec.Steps[0].OutputKey())
	}
	if spec.Steps[1].OutputKey() != "notes" {
		t.Errorf("output should default to step ID, got %q", spec.Steps[1].OutputKey())
	}

	dag, err := Validate(spec)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if dag.GetNode("takeaway").InDegree != 2 {
		t.Errorf("takeaway should depend on notes and quiz")
	}
}

func TestParseSpec_JSON(t *testing.T) {
	data := `{"name": "summary",
	  "templates": [{"id": "s", "pattern": "Summarize {text}", "variables": ["text"]}],
	  "steps": [{"id": "summary", "template": "s", "inputs": {"text": "text"}}]}`

	spec, err := ParseSpec([]byte(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dag, err := Validate(spec)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if len(dag.Inputs) != 1 || dag.Inputs[0] != "text" {
		t.Errorf("expected external input text, got %v", dag.Inputs)
	}
}

func TestParseSpec_Invalid(t *testing.T) {
	if _, err := ParseSpec([]byte("")); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("expected ErrInvalidSpec for empty doc, got %v", err)
	}
	if _, err := ParseSpec([]byte("name: x\nstepz: []\n")); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("expected ErrInvalidSpec for unknown field, got %v", err)
	}
}

func TestParseSpecFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "study.yaml")
	if err := os.WriteFile(path, []byte(studySpecYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	spec, err := ParseSpecFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spec.Name != "study-material" {
		t.Errorf("unexpected name %q", spec.Name)
	}

	if _, err := ParseSpecFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate_Errors(t *testing.T) {
	tmpl := domain.TemplateDef{ID: "t", Pattern: "{x}", Variables: []string{"x"}}

	tests := []struct {
		name string
		spec *domain.PipelineSpec
		want error
	}{
		{
			name: "nil spec",
			spec: nil,
			want: ErrEmptySteps,
		},
		{
			name: "unknown template",
			spec: &domain.PipelineSpec{Steps: []domain.StepDef{{ID: "a", Template: "nope"}}},
			want: ErrUnknownTemplate,
		},
		{
			name: "unbound variable",
			spec: &domain.PipelineSpec{
				Templates: []domain.TemplateDef{tmpl},
				Steps:     []domain.StepDef{{ID: "a", Template: "t"}},
			},
			want: ErrMissingVariable,
		},
		{
			name: "unknown schema",
			spec: &domain.PipelineSpec{
				Templates: []domain.TemplateDef{tmpl},
				Steps:     []domain.StepDef{{ID: "a", Template: "t", Inputs: map[string]string{"x": "x"}, Schema: "Quiz"}},
			},
			want: ErrUnknownSchema,
		},
		{
			name: "duplicate step",
			spec: &domain.PipelineSpec{Steps: []domain.StepDef{
				{ID: "a", Passthrough: "x"},
				{ID: "a", Passthrough: "y"},
			}},
			want: ErrDuplicateStepID,
		},
		{
			name: "duplicate output",
			spec: &domain.PipelineSpec{Steps: []domain.StepDef{
				{ID: "a", Passthrough: "x", Output: "out"},
				{ID: "b", Passthrough: "y", Output: "out"},
			}},
			want: ErrDuplicateOutputKey,
		},
		{
			name: "cycle",
			spec: &domain.PipelineSpec{Steps: []domain.StepDef{
				{ID: "a", Passthrough: "b"},
				{ID: "b", Passthrough: "a"},
			}},
			want: ErrCyclicPipeline,
		},
		{
			name: "bad backoff",
			spec: &domain.PipelineSpec{Steps: []domain.StepDef{
				{ID: "a", Passthrough: "x", Retry: &domain.RetryPolicy{Backoff: "linear"}},
			}},
			want: ErrInvalidSpec,
		},
		{
			name: "passthrough with template",
			spec: &domain.PipelineSpec{
				Templates: []domain.TemplateDef{tmpl},
				Steps:     []domain.StepDef{{ID: "a", Passthrough: "x", Template: "t"}},
			},
			want: ErrInvalidSpec,
		},
		{
			name: "undeclared input",
			spec: &domain.PipelineSpec{
				Inputs: map[string]domain.InputDef{"topic": {}},
				Steps:  []domain.StepDef{{ID: "a", Passthrough: "subject"}},
			},
			want: ErrUnknownSource,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.spec)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
