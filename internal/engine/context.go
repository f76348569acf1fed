package engine

import (
	"fmt"
	"sort"
	"sync"
)

// RunContext — единственное изменяемое состояние одного run.
//
// Содержит начальные входы и outputs завершённых шагов.
// Каждый output key записывается ровно один раз.
type RunContext struct {
	mu      sync.RWMutex
	inputs  map[string]any
	outputs map[string]any
	order   []string
}

// NewRunContext создаёт контекст с копией начальных входов.
func NewRunContext(inputs map[string]any) *RunContext {
	in := make(map[string]any, len(inputs))
	for k, v := range inputs {
		in[k] = v
	}
	return &RunContext{
		inputs:  in,
		outputs: make(map[string]any),
	}
}

// Lookup ищет значение по ключу: сначала outputs, затем начальные входы.
func (c *RunContext) Lookup(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if v, ok := c.outputs[key]; ok {
		return v, true
	}
	v, ok := c.inputs[key]
	return v, ok
}

// Has проверяет наличие ключа.
func (c *RunContext) Has(key string) bool {
	_, ok := c.Lookup(key)
	return ok
}

// Recorded проверяет, записан ли output key.
func (c *RunContext) Recorded(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.outputs[key]
	return ok
}

// Record записывает output шага. Повторная запись — ErrOutputAlreadyRecorded.
func (c *RunContext) Record(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.outputs[key]; exists {
		return fmt.Errorf("%w: %s", ErrOutputAlreadyRecorded, key)
	}
	c.outputs[key] = value
	c.order = append(c.order, key)
	return nil
}

// Resolve разрешает привязки (параметр → ключ источника).
// Возвращает найденные значения и отсортированный список отсутствующих ключей.
func (c *RunContext) Resolve(bindings map[string]string) (map[string]any, []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	values := make(map[string]any, len(bindings))
	var missing []string
	for param, source := range bindings {
		if v, ok := c.outputs[source]; ok {
			values[param] = v
			continue
		}
		if v, ok := c.inputs[source]; ok {
			values[param] = v
			continue
		}
		missing = append(missing, source)
	}
	sort.Strings(missing)
	return values, missing
}

// Inputs возвращает копию начальных входов.
func (c *RunContext) Inputs() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyMap(c.inputs)
}

// Outputs возвращает копию записанных outputs.
func (c *RunContext) Outputs() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyMap(c.outputs)
}

// RecordOrder возвращает ключи outputs в порядке записи.
func (c *RunContext) RecordOrder() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
