// Package resolver decides which features are eligible to run and in what
// order. It is purely functional: no I/O, deterministic for identical input.
package resolver

import (
	"container/heap"
	"sort"

	"github.com/shwaaa21/automaker-sub000/internal/feature/models"
)

// Result holds the outcome of a ResolveOrder call.
type Result struct {
	// Ordered lists schedulable features in execution order: every feature
	// appears after all of its dependencies that are present in the input.
	// Features caught in (or downstream of) a cycle are excluded.
	Ordered []*models.Feature

	// HasCycle is true when the dependency graph contains at least one cycle.
	HasCycle bool

	// CyclicFeatureIDs contains exactly the ids of features on some cycle.
	// Features merely depending on a cyclic feature are not included.
	CyclicFeatureIDs []string
}

// candidate is a zero-in-degree node awaiting selection.
type candidate struct {
	feature  *models.Feature
	position int // original slice position, used as deterministic tie-break
}

// candidateHeap orders candidates by lowest priority value, then original
// position.
type candidateHeap []candidate

func (h candidateHeap) Len() int { return len(h) }

func (h candidateHeap) Less(i, j int) bool {
	if h[i].feature.Priority != h[j].feature.Priority {
		return h[i].feature.Priority < h[j].feature.Priority
	}
	return h[i].position < h[j].position
}

func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x interface{}) {
	*h = append(*h, x.(candidate))
}

func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// ResolveOrder computes a dependency-respecting execution order over the
// given features using in-degree counting (Kahn's algorithm). At each step
// the zero-in-degree feature with the lowest Priority value is selected,
// ties broken by original slice position. Cycles are reported as data and
// never raised as an error; no feature is silently dropped from the report.
func ResolveOrder(features []*models.Feature) Result {
	byID := make(map[string]*models.Feature, len(features))
	position := make(map[string]int, len(features))
	for i, f := range features {
		byID[f.ID] = f
		position[f.ID] = i
	}

	// Edges run dependency -> dependent. Dependency ids absent from the
	// input contribute no edge; duplicates count once.
	inDegree := make(map[string]int, len(features))
	dependents := make(map[string][]string, len(features))
	for _, f := range features {
		inDegree[f.ID] += 0
		seen := make(map[string]bool, len(f.Dependencies))
		for _, depID := range f.Dependencies {
			if _, present := byID[depID]; !present || seen[depID] {
				continue
			}
			seen[depID] = true
			dependents[depID] = append(dependents[depID], f.ID)
			inDegree[f.ID]++
		}
	}

	h := &candidateHeap{}
	heap.Init(h)
	for _, f := range features {
		if inDegree[f.ID] == 0 {
			heap.Push(h, candidate{feature: f, position: position[f.ID]})
		}
	}

	ordered := make([]*models.Feature, 0, len(features))
	for h.Len() > 0 {
		next := heap.Pop(h).(candidate).feature
		ordered = append(ordered, next)
		for _, depID := range dependents[next.ID] {
			inDegree[depID]--
			if inDegree[depID] == 0 {
				heap.Push(h, candidate{feature: byID[depID], position: position[depID]})
			}
		}
	}

	result := Result{Ordered: ordered}
	if len(ordered) < len(features) {
		result.HasCycle = true
		result.CyclicFeatureIDs = cyclicIDs(features, byID)
	}
	return result
}

// IsSatisfied reports whether every dependency of f is satisfied. A
// dependency id absent from all is treated as already satisfied; this
// tolerates stale references to deleted features rather than blocking the
// dependent forever.
func IsSatisfied(f *models.Feature, all []*models.Feature) bool {
	return len(BlockingDependencies(f, all)) == 0
}

// BlockingDependencies returns the dependency ids of f that are present in
// all and not in a satisfied status, in the order f declares them.
func BlockingDependencies(f *models.Feature, all []*models.Feature) []string {
	byID := make(map[string]*models.Feature, len(all))
	for _, other := range all {
		byID[other.ID] = other
	}

	var blocking []string
	for _, depID := range f.Dependencies {
		dep, present := byID[depID]
		if !present {
			continue
		}
		if !dep.Status.Satisfied() {
			blocking = append(blocking, depID)
		}
	}
	return blocking
}

// cyclicIDs returns the ids of features that sit on a dependency cycle,
// computed via Tarjan strongly connected components. Only members of a
// component of size > 1, or self-dependent features, qualify; features that
// merely depend on a cyclic feature do not.
func cyclicIDs(features []*models.Feature, byID map[string]*models.Feature) []string {
	index := 0
	indices := make(map[string]int, len(features))
	lowlinks := make(map[string]int, len(features))
	onStack := make(map[string]bool, len(features))
	var stack []string
	var cyclic []string

	var strongconnect func(id string)
	strongconnect = func(id string) {
		indices[id] = index
		lowlinks[id] = index
		index++
		stack = append(stack, id)
		onStack[id] = true

		for _, depID := range byID[id].Dependencies {
			if _, present := byID[depID]; !present {
				continue
			}
			if _, visited := indices[depID]; !visited {
				strongconnect(depID)
				if lowlinks[depID] < lowlinks[id] {
					lowlinks[id] = lowlinks[depID]
				}
			} else if onStack[depID] {
				if indices[depID] < lowlinks[id] {
					lowlinks[id] = indices[depID]
				}
			}
		}

		if lowlinks[id] == indices[id] {
			var component []string
			for {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[top] = false
				component = append(component, top)
				if top == id {
					break
				}
			}
			if len(component) > 1 || selfDependent(byID[id]) {
				cyclic = append(cyclic, component...)
			}
		}
	}

	for _, f := range features {
		if _, visited := indices[f.ID]; !visited {
			strongconnect(f.ID)
		}
	}

	sort.Strings(cyclic)
	return cyclic
}

func selfDependent(f *models.Feature) bool {
	for _, depID := range f.Dependencies {
		if depID == f.ID {
			return true
		}
	}
	return false
}
