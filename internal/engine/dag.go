package engine

import (
	"fmt"
	"sort"
)

// NodeDef — описание шага для построения графа.
type NodeDef struct {
	// ID — идентификатор шага.
	ID string

	// Output — ключ, под которым шаг записывает результат.
	Output string

	// Sources — ключи, которые шаг читает (начальные входы или outputs других шагов).
	Sources []string
}

// Node — узел в DAG.
type Node struct {
	// ID — идентификатор шага.
	ID string

	// Output — output key шага.
	Output string

	// Sources — все ключи, которые читает шаг.
	Sources []string

	// External — ключи из Sources, которые не производит ни один шаг
	// (должны прийти из начальных входов).
	External []string

	// InDegree — количество входящих рёбер (зависимостей).
	InDegree int

	// DependsOn — узлы, от которых зависит этот узел.
	DependsOn []*Node

	// Dependents — узлы, которые зависят от этого узла.
	Dependents []*Node

	// index — позиция в определении pipeline, для детерминированного порядка.
	index int
}

// DAG — направленный ациклический граф шагов pipeline.
//
// Ребро B → A существует, если A читает output шага B.
type DAG struct {
	// Nodes — все узлы графа (stepID → Node).
	Nodes map[string]*Node

	// RootNodes — узлы без зависимостей (точки входа).
	RootNodes []*Node

	// Order — топологически отсортированный список узлов.
	Order []*Node

	// Inputs — внешние ключи, которые нужны графу от вызывающего.
	Inputs []string

	byOutput map[string]*Node
}

// BuildDAG строит DAG и проверяет его.
//
// declaredInputs — объявленные начальные входы pipeline. Если nil,
// любой ключ, не являющийся output шага, считается начальным входом.
//
// Ошибки: пустой pipeline, пустые или повторяющиеся ID,
// *DuplicateOutputKeyError, неизвестный источник, *CyclicPipelineError.
func BuildDAG(defs []NodeDef, declaredInputs []string) (*DAG, error) {
	if len(defs) == 0 {
		return nil, ErrEmptySteps
	}

	dag := &DAG{
		Nodes:    make(map[string]*Node, len(defs)),
		byOutput: make(map[string]*Node, len(defs)),
	}

	// Первый проход: создаём узлы
	for i, def := range defs {
		if err := dag.addNode(i, def); err != nil {
			return nil, err
		}
	}

	if err := dag.checkOutputs(defs, declaredInputs); err != nil {
		return nil, err
	}

	// Второй проход: связываем узлы по источникам
	var declared map[string]bool
	if declaredInputs != nil {
		declared = make(map[string]bool, len(declaredInputs))
		for _, k := range declaredInputs {
			declared[k] = true
		}
	}
	external := make(map[string]bool)
	for _, node := range dag.sortedNodes() {
		for _, src := range node.Sources {
			if producer, ok := dag.byOutput[src]; ok {
				dag.addEdge(producer, node)
				continue
			}
			if declared != nil && !declared[src] {
				return nil, NewValidationError(node.ID, "inputs",
					fmt.Sprintf("binds unknown source: %s", src), ErrUnknownSource)
			}
			node.External = append(node.External, src)
			external[src] = true
		}
	}
	for k := range external {
		dag.Inputs = append(dag.Inputs, k)
	}
	sort.Strings(dag.Inputs)

	dag.findRootNodes()

	order, err := dag.topologicalSort()
	if err != nil {
		return nil, err
	}
	dag.Order = order

	return dag, nil
}

// addNode добавляет узел в DAG.
func (d *DAG) addNode(index int, def NodeDef) error {
	if def.ID == "" {
		return NewValidationError("", "id", fmt.Sprintf("step %d has empty ID", index), ErrEmptyStepID)
	}
	if _, exists := d.Nodes[def.ID]; exists {
		return NewValidationError(def.ID, "id",
			fmt.Sprintf("duplicate step ID: %s", def.ID), ErrDuplicateStepID)
	}

	output := def.Output
	if output == "" {
		output = def.ID
	}

	d.Nodes[def.ID] = &Node{
		ID:         def.ID,
		Output:     output,
		Sources:    dedupe(def.Sources),
		DependsOn:  make([]*Node, 0),
		Dependents: make([]*Node, 0),
		index:      index,
	}
	return nil
}

// checkOutputs проверяет уникальность output keys и заполняет byOutput.
func (d *DAG) checkOutputs(defs []NodeDef, declaredInputs []string) error {
	for _, def := range defs {
		node := d.Nodes[def.ID]
		if _, exists := d.byOutput[node.Output]; exists {
			// Собираем все шаги с этим ключом для сообщения
			var ids []string
			for _, other := range defs {
				if d.Nodes[other.ID].Output == node.Output {
					ids = append(ids, other.ID)
				}
			}
			return &DuplicateOutputKeyError{Key: node.Output, StepIDs: ids}
		}
		d.byOutput[node.Output] = node
	}

	for _, in := range declaredInputs {
		if node, ok := d.byOutput[in]; ok {
			return NewValidationError(node.ID, "output",
				fmt.Sprintf("output key %q shadows pipeline input", in), ErrDuplicateOutputKey)
		}
	}
	return nil
}

// addEdge добавляет ребро между узлами.
// Дополнительно проверяет на дубликаты, чтобы избежать двойного учета InDegree.
func (d *DAG) addEdge(from, to *Node) {
	for _, dep := range to.DependsOn {
		if dep.ID == from.ID {
			return // уже связаны
		}
	}
	from.Dependents = append(from.Dependents, to)
	to.DependsOn = append(to.DependsOn, from)
	to.InDegree++
}

// findRootNodes находит узлы без входящих рёбер.
func (d *DAG) findRootNodes() {
	d.RootNodes = make([]*Node, 0)
	for _, node := range d.sortedNodes() {
		if node.InDegree == 0 {
			d.RootNodes = append(d.RootNodes, node)
		}
	}
}

// topologicalSort выполняет топологическую сортировку (алгоритм Кана).
// Если обнаружен цикл, возвращает *CyclicPipelineError.
func (d *DAG) topologicalSort() ([]*Node, error) {
	// Копируем inDegree, чтобы не модифицировать оригинал
	inDegree := make(map[string]int, len(d.Nodes))
	for id, node := range d.Nodes {
		inDegree[id] = node.InDegree
	}

	queue := make([]*Node, len(d.RootNodes))
	copy(queue, d.RootNodes)

	order := make([]*Node, 0, len(d.Nodes))

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		for _, dependent := range node.Dependents {
			inDegree[dependent.ID]--
			if inDegree[dependent.ID] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(d.Nodes) {
		remaining := make(map[string]bool)
		for id, deg := range inDegree {
			if deg > 0 {
				remaining[id] = true
			}
		}
		return nil, &CyclicPipelineError{StepIDs: d.cycleMembers(remaining)}
	}

	return order, nil
}

// cycleMembers возвращает ID шагов, лежащих на циклах.
//
// Узлы, оставшиеся после Кана, включают и шаги "ниже" цикла,
// поэтому ищем сильно связные компоненты (Тарьян) среди оставшихся.
func (d *DAG) cycleMembers(remaining map[string]bool) []string {
	var (
		index   = 0
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		stack   []*Node
		members []string
	)

	var strongConnect func(n *Node)
	strongConnect = func(n *Node) {
		indices[n.ID] = index
		lowlink[n.ID] = index
		index++
		stack = append(stack, n)
		onStack[n.ID] = true

		for _, next := range n.Dependents {
			if !remaining[next.ID] {
				continue
			}
			if _, visited := indices[next.ID]; !visited {
				strongConnect(next)
				lowlink[n.ID] = min(lowlink[n.ID], lowlink[next.ID])
			} else if onStack[next.ID] {
				lowlink[n.ID] = min(lowlink[n.ID], indices[next.ID])
			}
		}

		if lowlink[n.ID] != indices[n.ID] {
			return
		}

		var component []*Node
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top.ID] = false
			component = append(component, top)
			if top.ID == n.ID {
				break
			}
		}
		if len(component) > 1 || hasSelfLoop(n) {
			for _, c := range component {
				members = append(members, c.ID)
			}
		}
	}

	for _, node := range d.sortedNodes() {
		if !remaining[node.ID] {
			continue
		}
		if _, visited := indices[node.ID]; !visited {
			strongConnect(node)
		}
	}

	sort.Strings(members)
	return members
}

func hasSelfLoop(n *Node) bool {
	for _, dep := range n.Dependents {
		if dep.ID == n.ID {
			return true
		}
	}
	return false
}

// GetReadyNodes возвращает узлы, готовые к выполнению.
//
// Узел готов, если:
// - Все его зависимости завершены (в completed)
// - Сам узел ещё не завершён и не в процессе (не в completed и не в running)
//
// Результат отсортирован в порядке определения шагов.
func (d *DAG) GetReadyNodes(completed, running map[string]bool) []*Node {
	ready := make([]*Node, 0)

	for _, node := range d.sortedNodes() {
		if completed[node.ID] || running[node.ID] {
			continue
		}

		allDepsCompleted := true
		for _, dep := range node.DependsOn {
			if !completed[dep.ID] {
				allDepsCompleted = false
				break
			}
		}

		if allDepsCompleted {
			ready = append(ready, node)
		}
	}

	return ready
}

// Descendants возвращает все узлы, транзитивно зависящие от id.
func (d *DAG) Descendants(id string) []*Node {
	start, ok := d.Nodes[id]
	if !ok {
		return nil
	}

	seen := map[string]bool{id: true}
	var out []*Node
	queue := []*Node{start}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, dep := range n.Dependents {
			if seen[dep.ID] {
				continue
			}
			seen[dep.ID] = true
			out = append(out, dep)
			queue = append(queue, dep)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

// Levels группирует узлы по глубине: уровень 0 — корни,
// уровень N — узлы, самая длинная цепочка зависимостей которых равна N.
// Шаги одного уровня независимы и могут выполняться параллельно.
func (d *DAG) Levels() [][]*Node {
	depth := make(map[string]int, len(d.Nodes))
	maxDepth := 0
	for _, node := range d.Order {
		lvl := 0
		for _, dep := range node.DependsOn {
			if depth[dep.ID]+1 > lvl {
				lvl = depth[dep.ID] + 1
			}
		}
		depth[node.ID] = lvl
		if lvl > maxDepth {
			maxDepth = lvl
		}
	}

	levels := make([][]*Node, maxDepth+1)
	for _, node := range d.sortedNodes() {
		lvl := depth[node.ID]
		levels[lvl] = append(levels[lvl], node)
	}
	return levels
}

// Producer возвращает шаг, записывающий output key.
func (d *DAG) Producer(outputKey string) *Node {
	return d.byOutput[outputKey]
}

// GetNode возвращает узел по ID.
func (d *DAG) GetNode(id string) *Node {
	return d.Nodes[id]
}

// Size возвращает количество узлов в DAG.
func (d *DAG) Size() int {
	return len(d.Nodes)
}

// IsComplete проверяет, все ли узлы завершены.
func (d *DAG) IsComplete(completed map[string]bool) bool {
	for _, node := range d.Nodes {
		if !completed[node.ID] {
			return false
		}
	}
	return true
}

// sortedNodes возвращает узлы в порядке определения.
func (d *DAG) sortedNodes() []*Node {
	nodes := make([]*Node, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].index < nodes[j].index })
	return nodes
}
