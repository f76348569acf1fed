package steps

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shaiso/Promptflow/internal/capability"
)

// Registry — реестр capability.
//
// Шаги pipeline ссылаются на capability по имени ("openai", "groq", "ollama", "echo"),
// реестр разрешает имя в реализацию. Потокобезопасен.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]capability.Capability
	defaultName  string
	fallback     capability.Capability
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		capabilities: make(map[string]capability.Capability),
	}
}

// Register регистрирует capability в реестре.
// Если capability с таким именем уже существует, она будет перезаписана.
func (r *Registry) Register(c capability.Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[c.Name()] = c
}

// SetDefault задаёт capability для шагов, где имя не указано.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultName = name
}

// Default возвращает имя capability по умолчанию.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// Get возвращает capability по имени. Пустое имя — capability по умолчанию.
// Возвращает ErrCapabilityNotFound, если capability не найдена.
func (r *Registry) Get(name string) (capability.Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.defaultName
	}
	c, exists := r.capabilities[name]
	if !exists {
		if r.fallback != nil {
			return r.fallback, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrCapabilityNotFound, name)
	}

	return c, nil
}

// Has проверяет, зарегистрирована ли capability.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.capabilities[name]
	return exists
}

// Names возвращает список всех зарегистрированных capability.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.capabilities))
	for n := range r.capabilities {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Count возвращает количество зарегистрированных capability.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.capabilities)
}

// Unregister удаляет capability из реестра.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.capabilities, name)
}

// SingleRegistry возвращает реестр, в котором любое имя разрешается в c.
// Используется для --capability и dry-run.
func SingleRegistry(c capability.Capability) *Registry {
	cp := NewRegistry()
	cp.Register(c)
	cp.defaultName = c.Name()
	cp.fallback = c
	return cp
}
