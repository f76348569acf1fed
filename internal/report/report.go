package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"codeberg.org/go-pdf/fpdf"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Config — оформление отчёта.
type Config struct {
	PageSize     string
	MarginsMM    float64
	FontFamily   string
	PrimaryColor [3]int
}

// DefaultConfig — A4, Helvetica, поля 15 мм.
func DefaultConfig() Config {
	return Config{
		PageSize:     "A4",
		MarginsMM:    15,
		FontFamily:   "Helvetica",
		PrimaryColor: [3]int{31, 78, 121},
	}
}

// Document — содержимое отчёта: outputs run в порядке order.
type Document struct {
	Title    string
	Subtitle string // например "run 4f1c… · SUCCEEDED"
	Outputs  map[string]any
	Order    []string
	Created  time.Time
}

// Writer рендерит Document в PDF.
type Writer struct {
	cfg   Config
	title cases.Caser
}

// NewWriter создаёт Writer. Пустые поля cfg заполняются из DefaultConfig.
func NewWriter(cfg Config) *Writer {
	def := DefaultConfig()
	if cfg.PageSize == "" {
		cfg.PageSize = def.PageSize
	}
	if cfg.MarginsMM <= 0 {
		cfg.MarginsMM = def.MarginsMM
	}
	if cfg.FontFamily == "" {
		cfg.FontFamily = def.FontFamily
	}
	if cfg.PrimaryColor == [3]int{} {
		cfg.PrimaryColor = def.PrimaryColor
	}
	return &Writer{cfg: cfg, title: cases.Title(language.English)}
}

// WritePDF — отчёт с настройками по умолчанию.
func WritePDF(w io.Writer, title string, outputs map[string]any, order []string) error {
	return NewWriter(DefaultConfig()).Write(w, &Document{
		Title:   title,
		Outputs: outputs,
		Order:   order,
		Created: time.Now(),
	})
}

// Write рендерит doc в w.
//
// Каждый output — отдельная секция. Строки печатаются как есть,
// структурированные значения (map, slice) — строками "Label: value"
// и маркированными списками.
func (wr *Writer) Write(w io.Writer, doc *Document) error {
	pdf := fpdf.New("P", "mm", wr.cfg.PageSize, "")
	pdf.SetMargins(wr.cfg.MarginsMM, wr.cfg.MarginsMM, wr.cfg.MarginsMM)
	pdf.SetAutoPageBreak(true, wr.cfg.MarginsMM+5)
	pdf.SetTitle(doc.Title, true)
	pdf.SetCreator("promptflow", true)

	// cp1252 для встроенных шрифтов; символы вне таблицы заменяются
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont(wr.cfg.FontFamily, "I", 8)
		pdf.SetTextColor(128, 128, 128)
		pdf.CellFormat(0, 8, fmt.Sprintf("Page %d", pdf.PageNo()), "", 0, "C", false, 0, "")
	})

	pdf.AddPage()

	// ---------- header ----------
	r, g, b := wr.cfg.PrimaryColor[0], wr.cfg.PrimaryColor[1], wr.cfg.PrimaryColor[2]
	pdf.SetTextColor(r, g, b)
	pdf.SetFont(wr.cfg.FontFamily, "B", 20)
	pdf.MultiCell(0, 10, tr(wr.title.String(doc.Title)), "", "C", false)

	pdf.SetTextColor(100, 100, 100)
	pdf.SetFont(wr.cfg.FontFamily, "", 10)
	meta := doc.Subtitle
	if !doc.Created.IsZero() {
		if meta != "" {
			meta += " | "
		}
		meta += doc.Created.UTC().Format(time.RFC1123)
	}
	if meta != "" {
		pdf.CellFormat(0, 6, tr(meta), "", 1, "C", false, 0, "")
	}
	pdf.Ln(6)

	// ---------- sections ----------
	for _, key := range sectionOrder(doc) {
		pdf.SetTextColor(r, g, b)
		pdf.SetFont(wr.cfg.FontFamily, "B", 14)
		pdf.CellFormat(0, 9, tr(wr.Label(key)), "B", 1, "L", false, 0, "")
		pdf.Ln(2)

		pdf.SetTextColor(0, 0, 0)
		pdf.SetFont(wr.cfg.FontFamily, "", 11)
		for _, line := range wr.Lines(doc.Outputs[key], 0) {
			wr.writeLine(pdf, tr, line)
		}
		pdf.Ln(4)
	}

	if err := pdf.Error(); err != nil {
		return fmt.Errorf("render pdf: %w", err)
	}
	return pdf.Output(w)
}

func (wr *Writer) writeLine(pdf *fpdf.Fpdf, tr func(string) string, l Line) {
	indent := float64(l.Depth) * 5
	left, _, _, _ := pdf.GetMargins()
	pdf.SetX(left + indent)

	switch {
	case l.Label != "" && l.Text == "":
		pdf.SetFont(wr.cfg.FontFamily, "B", 11)
		pdf.MultiCell(0, 6, tr(l.Label+":"), "", "L", false)
		pdf.SetFont(wr.cfg.FontFamily, "", 11)
	case l.Label != "":
		pdf.SetFont(wr.cfg.FontFamily, "B", 11)
		pdf.Write(6, tr(l.Label+": "))
		pdf.SetFont(wr.cfg.FontFamily, "", 11)
		pdf.Write(6, tr(l.Text))
		pdf.Ln(6)
	case l.Bullet:
		pdf.MultiCell(0, 6, tr("- "+l.Text), "", "L", false)
	default:
		pdf.MultiCell(0, 6, tr(l.Text), "", "L", false)
	}
}

// sectionOrder — сначала order, затем остальные outputs по алфавиту.
func sectionOrder(doc *Document) []string {
	seen := make(map[string]bool, len(doc.Order))
	keys := make([]string, 0, len(doc.Outputs))
	for _, k := range doc.Order {
		if _, ok := doc.Outputs[k]; ok && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	rest := slices.Sorted(maps.Keys(doc.Outputs))
	for _, k := range rest {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	return keys
}

// Line — строка секции отчёта.
type Line struct {
	Depth  int
	Label  string
	Text   string
	Bullet bool
}

// Label превращает ключ ("key_findings", "device-name") в заголовок.
func (wr *Writer) Label(key string) string {
	key = strings.NewReplacer("_", " ", "-", " ").Replace(key)
	return wr.title.String(strings.TrimSpace(key))
}

// Lines раскладывает значение output в строки отчёта.
func (wr *Writer) Lines(v any, depth int) []Line {
	switch val := v.(type) {
	case nil:
		return []Line{{Depth: depth, Text: "-"}}
	case string:
		return textLines(val, depth)
	case map[string]any:
		var out []Line
		for _, k := range slices.Sorted(maps.Keys(val)) {
			label := wr.Label(k)
			if scalar, ok := scalarText(val[k]); ok {
				out = append(out, Line{Depth: depth, Label: label, Text: scalar})
				continue
			}
			out = append(out, Line{Depth: depth, Label: label})
			out = append(out, wr.Lines(val[k], depth+1)...)
		}
		return out
	case []any:
		var out []Line
		for _, item := range val {
			if scalar, ok := scalarText(item); ok {
				out = append(out, Line{Depth: depth, Text: scalar, Bullet: true})
				continue
			}
			out = append(out, wr.Lines(item, depth+1)...)
		}
		return out
	default:
		if s, ok := scalarText(val); ok {
			return []Line{{Depth: depth, Text: s}}
		}
		return textLines(compactJSON(val), depth)
	}
}

func textLines(s string, depth int) []Line {
	s = strings.TrimSpace(s)
	if s == "" {
		return []Line{{Depth: depth, Text: "-"}}
	}
	var out []Line
	for _, p := range strings.Split(s, "\n") {
		out = append(out, Line{Depth: depth, Text: strings.TrimRight(p, " \t")})
	}
	return out
}

func scalarText(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		if strings.Contains(val, "\n") {
			return "", false
		}
		return val, true
	case bool, int, int64, float64, json.Number:
		return fmt.Sprint(val), true
	case nil:
		return "-", true
	}
	return "", false
}

func compactJSON(v any) string {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSpace(buf.String())
}
