package engine

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
)

func TestRunContext_LookupAndRecord(t *testing.T) {
	inputs := map[string]any{"topic": "python"}
	rc := NewRunContext(inputs)

	// Копия: изменения исходной map не влияют на контекст
	inputs["topic"] = "go"
	if v, ok := rc.Lookup("topic"); !ok || v != "python" {
		t.Fatalf("expected topic=python, got %v (%v)", v, ok)
	}

	if rc.Has("notes") {
		t.Error("notes should not be present yet")
	}
	if err := rc.Record("notes", "some notes"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rc.Recorded("notes") {
		t.Error("notes should be recorded")
	}

	if err := rc.Record("notes", "again"); !errors.Is(err, ErrOutputAlreadyRecorded) {
		t.Errorf("expected ErrOutputAlreadyRecorded, got %v", err)
	}
	if v, _ := rc.Lookup("notes"); v != "some notes" {
		t.Errorf("second write must not overwrite, got %v", v)
	}
}

func TestRunContext_Resolve(t *testing.T) {
	rc := NewRunContext(map[string]any{"topic": "python"})
	_ = rc.Record("explanation", "text")

	values, missing := rc.Resolve(map[string]string{
		"content": "explanation",
		"subject": "topic",
		"quiz":    "quiz",
		"notes":   "notes",
	})

	if values["content"] != "text" || values["subject"] != "python" {
		t.Errorf("unexpected values: %v", values)
	}
	if !reflect.DeepEqual(missing, []string{"notes", "quiz"}) {
		t.Errorf("expected missing [notes quiz], got %v", missing)
	}
}

func TestRunContext_ConcurrentRecord(t *testing.T) {
	rc := NewRunContext(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = rc.Record(fmt.Sprintf("k%d", i), i)
		}(i)
	}
	wg.Wait()

	if got := len(rc.Outputs()); got != 50 {
		t.Errorf("expected 50 outputs, got %d", got)
	}
	if got := len(rc.RecordOrder()); got != 50 {
		t.Errorf("expected 50 keys in order, got %d", got)
	}
}
