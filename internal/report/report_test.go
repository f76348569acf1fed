package report

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestWritePDF(t *testing.T) {
	var buf bytes.Buffer
	outputs := map[string]any{
		"content": "Photosynthesis turns light into chemical energy.\nIt happens in chloroplasts.",
		"quiz": map[string]any{
			"questions": []any{"What is ATP?", "Where does it happen?"},
			"answers":   []any{"b", "a"},
		},
		"extra": 42,
	}

	if err := WritePDF(&buf, "study-material", outputs, []string{"content", "quiz"}); err != nil {
		t.Fatalf("WritePDF: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")) {
		t.Fatalf("output is not a PDF: %q", buf.Bytes()[:min(16, buf.Len())])
	}
}

func TestWriter_NonLatinText(t *testing.T) {
	var buf bytes.Buffer
	// символы вне cp1252 не должны ломать рендер
	err := NewWriter(Config{}).Write(&buf, &Document{
		Title:   "summary",
		Outputs: map[string]any{"summary": "Фотосинтез — это процесс"},
		Created: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buf.Len() == 0 {
		t.Error("empty output")
	}
}

func TestWriter_Label(t *testing.T) {
	wr := NewWriter(DefaultConfig())

	tests := map[string]string{
		"key_findings":      "Key Findings",
		"device-name":       "Device Name",
		"summary":           "Summary",
		"regulatory_status": "Regulatory Status",
	}
	for in, want := range tests {
		if got := wr.Label(in); got != want {
			t.Errorf("Label(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWriter_Lines(t *testing.T) {
	wr := NewWriter(DefaultConfig())

	lines := wr.Lines(map[string]any{
		"name":  "Pacemaker X",
		"risks": []any{"infection", "lead failure"},
		"specs": map[string]any{"battery_years": float64(10)},
	}, 0)

	var got []string
	for _, l := range lines {
		got = append(got, strings.Repeat(">", l.Depth)+l.Label+"|"+l.Text)
	}
	want := []string{
		"Name|Pacemaker X",
		"Risks|",
		">|infection",
		">|lead failure",
		"Specs|",
		">Battery Years|10",
	}
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("unexpected lines:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
	if !lines[2].Bullet {
		t.Error("list items should be bullets")
	}
}

func TestWriter_LinesText(t *testing.T) {
	wr := NewWriter(DefaultConfig())

	if lines := wr.Lines("a\nb  \n", 0); len(lines) != 2 || lines[1].Text != "b" {
		t.Errorf("unexpected lines %+v", lines)
	}
	if lines := wr.Lines("", 0); len(lines) != 1 || lines[0].Text != "-" {
		t.Errorf("empty text should render a dash, got %+v", lines)
	}
	if lines := wr.Lines(nil, 1); lines[0].Depth != 1 {
		t.Errorf("depth not kept: %+v", lines)
	}
}

func TestSectionOrder(t *testing.T) {
	doc := &Document{
		Outputs: map[string]any{"b": 1, "a": 2, "c": 3},
		Order:   []string{"c", "missing", "c"},
	}
	if got := strings.Join(sectionOrder(doc), ","); got != "c,a,b" {
		t.Errorf("sectionOrder = %s, want c,a,b", got)
	}
}
