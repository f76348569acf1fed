package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shaiso/Promptflow/internal/capability"
	"github.com/shaiso/Promptflow/internal/catalog"
	"github.com/shaiso/Promptflow/internal/domain"
	"github.com/shaiso/Promptflow/internal/pipeline"
	"github.com/shaiso/Promptflow/internal/steps"
)

// newTestEnv — Env без файла конфигурации, с выводом в буферы.
func newTestEnv(t *testing.T) (*Env, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	t.Chdir(t.TempDir())
	var stdout, stderr bytes.Buffer
	return &Env{Stdout: &stdout, Stderr: &stderr}, &stdout, &stderr
}

func execute(t *testing.T, env *Env, args ...string) error {
	t.Helper()
	root := NewRootCmd("test", env)
	root.SetArgs(args)
	return root.Execute()
}

func TestParseInputs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "article.txt")
	if err := os.WriteFile(path, []byte("long text"), 0o644); err != nil {
		t.Fatal(err)
	}

	inputs, err := ParseInputs(context.Background(), []string{"topic=go", "expr=a=b", "text=@" + path, "empty="})
	if err != nil {
		t.Fatalf("ParseInputs: %v", err)
	}
	if inputs["topic"] != "go" || inputs["expr"] != "a=b" || inputs["text"] != "long text" || inputs["empty"] != "" {
		t.Errorf("unexpected inputs %v", inputs)
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := ParseInputs(context.Background(), []string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
	if _, err := ParseInputs(context.Background(), []string{"text=@" + filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseInputs_URL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(`<html><head><title>T</title><style>p{}</style></head>
<body><h1>Local search</h1><script>var x = 1;</script>
<p>Local   search is a heuristic
method.</p></body></html>`))
		case "/plain":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("<raw> text"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	inputs, err := ParseInputs(context.Background(), []string{
		"text=@" + srv.URL + "/page",
		"plain=@" + srv.URL + "/plain",
	})
	if err != nil {
		t.Fatalf("ParseInputs: %v", err)
	}
	if inputs["text"] != "Local search\nLocal search is a heuristic method." {
		t.Errorf("unexpected page text %q", inputs["text"])
	}
	if inputs["plain"] != "<raw> text" {
		t.Errorf("non-HTML content should be kept as is, got %q", inputs["plain"])
	}

	_, err = ParseInputs(context.Background(), []string{"text=@" + srv.URL + "/missing"})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("expected 404 error, got %v", err)
	}
}

func TestRunCmd_DryRun(t *testing.T) {
	env, stdout, stderr := newTestEnv(t)

	if err := execute(t, env, "run", "study-material", "--dry-run", "--input", "topic=photosynthesis"); err != nil {
		t.Fatalf("run: %v (stderr: %s)", err, stderr)
	}

	out := stdout.String()
	for _, section := range []string{"== content ==", "== notes ==", "== quiz ==", "== takeaway =="} {
		if !strings.Contains(out, section) {
			t.Errorf("missing section %q in output:\n%s", section, out)
		}
	}
	if !strings.Contains(out, "photosynthesis") {
		t.Error("echo output should contain the topic")
	}
	if !strings.Contains(stderr.String(), "SUCCEEDED") {
		t.Errorf("expected summary in stderr, got %q", stderr)
	}
}

func TestRunCmd_JSONAndPDF(t *testing.T) {
	env, stdout, stderr := newTestEnv(t)
	pdf := filepath.Join(t.TempDir(), "out.pdf")

	err := execute(t, env, "--json", "run", "joke-explainer", "--dry-run", "-i", "topic=cats", "--pdf", pdf)
	if err != nil {
		t.Fatalf("run: %v (stderr: %s)", err, stderr)
	}

	var view struct {
		Run     domain.Run     `json:"run"`
		Outputs map[string]any `json:"outputs"`
		Calls   []domain.Call  `json:"calls"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &view); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, stdout)
	}
	if view.Run.Status != domain.RunStatusSucceeded {
		t.Errorf("expected SUCCEEDED, got %s", view.Run.Status)
	}
	if _, ok := view.Outputs["joke"]; !ok {
		t.Errorf("missing passthrough output: %v", view.Outputs)
	}
	// passthrough не вызывает capability
	if len(view.Calls) != 2 {
		t.Errorf("expected 2 calls, got %d", len(view.Calls))
	}

	data, err := os.ReadFile(pdf)
	if err != nil {
		t.Fatalf("pdf not written: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		t.Error("output file is not a PDF")
	}
}

func TestRunCmd_MissingInput(t *testing.T) {
	env, _, _ := newTestEnv(t)

	err := execute(t, env, "run", "math-problem", "--dry-run")
	if err == nil {
		t.Fatal("expected error for missing input")
	}
	if !strings.Contains(err.Error(), "topic") {
		t.Errorf("error should name the missing input, got %v", err)
	}
}

func TestRunCmd_Args(t *testing.T) {
	env, _, _ := newTestEnv(t)

	if err := execute(t, env, "run", "--dry-run"); err == nil {
		t.Error("expected error without pipeline")
	}
	if err := execute(t, env, "run", "summary", "--file", "x.yaml", "--dry-run"); err == nil {
		t.Error("expected error for name and --file together")
	}
	if err := execute(t, env, "run", "no-such-pipeline", "--dry-run"); err == nil {
		t.Error("expected error for unknown pipeline")
	}
}

func TestRunCmd_File(t *testing.T) {
	env, stdout, _ := newTestEnv(t)

	spec := `name: shout
templates:
  - id: t
    pattern: "{word}!"
    variables: [word]
steps:
  - id: shout
    template: t
    inputs: {word: word}
`
	path := filepath.Join(t.TempDir(), "shout.yaml")
	if err := os.WriteFile(path, []byte(spec), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := execute(t, env, "run", "--file", path, "--dry-run", "-i", "word=hey"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(stdout.String(), "== shout ==\nhey!") {
		t.Errorf("unexpected output:\n%s", stdout)
	}
}

func TestValidateCmd(t *testing.T) {
	env, _, stderr := newTestEnv(t)
	dir := t.TempDir()

	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(good, []byte("name: g\ntemplates: [{id: t, pattern: '{a}', variables: [a]}]\nsteps: [{id: s, template: t, inputs: {a: a}, capability: echo}]\n"), 0o644)
	os.WriteFile(bad, []byte("name: b\nstpes: []\n"), 0o644)

	if err := execute(t, env, "validate", good); err != nil {
		t.Fatalf("validate good: %v (%s)", err, stderr)
	}
	if !strings.Contains(stderr.String(), "good.yaml: ok") {
		t.Errorf("unexpected stderr %q", stderr)
	}

	if err := execute(t, env, "validate", good, bad); err == nil {
		t.Error("expected error for invalid spec")
	}
}

func TestListCmd(t *testing.T) {
	env, stdout, _ := newTestEnv(t)

	if err := execute(t, env, "list"); err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, name := range []string{"study-material", "quiz", "device-report"} {
		if !strings.Contains(stdout.String(), name) {
			t.Errorf("list should contain %s", name)
		}
	}
}

func TestRenderGraph(t *testing.T) {
	cat, err := catalog.New(steps.SingleRegistry(capability.Echo{}), pipeline.LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	p, err := cat.Pipeline("study-material")
	if err != nil {
		t.Fatal(err)
	}

	var sb strings.Builder
	RenderGraph(&sb, p)
	out := sb.String()

	for _, want := range []string{"study-material (4 steps)", "inputs: topic", "level 0", "level 2", "-> content", "result: takeaway"} {
		if !strings.Contains(out, want) {
			t.Errorf("graph missing %q:\n%s", want, out)
		}
	}
	// notes и quiz на одном уровне
	lvl1 := out[strings.Index(out, "level 1"):strings.Index(out, "level 2")]
	if !strings.Contains(lvl1, "notes") || !strings.Contains(lvl1, "quiz") {
		t.Errorf("notes and quiz should share level 1:\n%s", out)
	}
}

func TestGraphCmd_JSON(t *testing.T) {
	env, stdout, _ := newTestEnv(t)

	if err := execute(t, env, "--json", "graph", "blog-post"); err != nil {
		t.Fatalf("graph: %v", err)
	}
	var g graphJSON
	if err := json.Unmarshal(stdout.Bytes(), &g); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if g.Name != "blog-post" || len(g.Steps) == 0 {
		t.Errorf("unexpected graph %+v", g)
	}
	for _, s := range g.Steps {
		if s.Level != 0 {
			t.Errorf("blog-post steps are independent, %s has level %d", s.ID, s.Level)
		}
	}
}

func TestUpcomingDue(t *testing.T) {
	from := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)

	times, err := UpcomingDue(&domain.Schedule{Name: "s", CronExpr: "0 9 * * *"}, from, 3)
	if err != nil {
		t.Fatalf("UpcomingDue: %v", err)
	}
	if len(times) != 3 {
		t.Fatalf("expected 3 times, got %d", len(times))
	}
	if !times[0].Equal(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)) || !times[2].Equal(time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected times %v", times)
	}

	if _, err := UpcomingDue(&domain.Schedule{Name: "s"}, from, 1); err == nil {
		t.Error("expected error without trigger")
	}
}

func TestOutput_Table(t *testing.T) {
	var buf bytes.Buffer
	NewOutputTo(false, &buf, &buf).Table([]string{"ID", "STATUS"}, [][]string{{"1", "SUCCEEDED"}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[1], "--") {
		t.Errorf("unexpected table:\n%s", buf.String())
	}
}
