package engine

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"ibot_go/internal/domain"
)

// ClientIDRule maps task names containing any of Keywords onto the
// half-open id range [Lo, Hi). A rule without keywords matches everything
// and should come last.
type ClientIDRule struct {
	Category string
	Keywords []string
	Lo, Hi   int
}

// DefaultClientIDRules is the standard category layout.
var DefaultClientIDRules = []ClientIDRule{
	{Category: "account", Keywords: []string{"account"}, Lo: 1000, Hi: 1999},
	{Category: "order", Keywords: []string{"order"}, Lo: 2000, Hi: 2999},
	{Category: "data", Keywords: []string{"data"}, Lo: 3000, Hi: 3999},
	{Category: "indicator", Keywords: []string{"indicator"}, Lo: 5000, Hi: 5999},
	{Category: "strategy", Keywords: []string{"strategy"}, Lo: 6000, Hi: 6999},
	{Category: "default", Lo: 9000, Hi: 9999},
}

// ClientIDAllocator hands out broker session ids that are unique within
// the process. The task <-> id mapping is bidirectional.
type ClientIDAllocator struct {
	mu      sync.Mutex
	rules   []ClientIDRule
	byTask  map[string]int
	byID    map[int]string
	retired map[int]struct{}
	rng     *rand.Rand
	logger  *slog.Logger
}

// NewClientIDAllocator validates rules and builds an allocator. rng may be
// nil, in which case a randomly seeded source is used.
func NewClientIDAllocator(rules []ClientIDRule, rng *rand.Rand, logger *slog.Logger) (*ClientIDAllocator, error) {
	if len(rules) == 0 {
		rules = DefaultClientIDRules
	}
	if err := validateClientIDRules(rules); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientIDAllocator{
		rules:   append([]ClientIDRule(nil), rules...),
		byTask:  make(map[string]int),
		byID:    make(map[int]string),
		retired: make(map[int]struct{}),
		rng:     rng,
		logger:  logger.With(slog.String("module", "clientid")),
	}, nil
}

func validateClientIDRules(rules []ClientIDRule) error {
	sorted := append([]ClientIDRule(nil), rules...)
	for _, r := range sorted {
		if r.Category == "" {
			return &domain.ConfigError{Field: "client_ids.category", Err: fmt.Errorf("empty category")}
		}
		if r.Lo < 0 || r.Hi <= r.Lo {
			return &domain.ConfigError{Field: "client_ids." + r.Category, Err: fmt.Errorf("invalid range [%d,%d)", r.Lo, r.Hi)}
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lo < sorted[j].Lo })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Lo < sorted[i-1].Hi {
			return &domain.ConfigError{
				Field: "client_ids." + sorted[i].Category,
				Err:   fmt.Errorf("range [%d,%d) overlaps %s [%d,%d)", sorted[i].Lo, sorted[i].Hi, sorted[i-1].Category, sorted[i-1].Lo, sorted[i-1].Hi),
			}
		}
	}
	return nil
}

// classify returns the first rule whose keyword is a case-insensitive
// substring of task. ok is false when no rule matches and no catch-all
// rule is configured.
func (a *ClientIDAllocator) classify(task string) (ClientIDRule, bool) {
	lower := strings.ToLower(task)
	for _, r := range a.rules {
		if len(r.Keywords) == 0 {
			return r, true
		}
		for _, kw := range r.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return r, true
			}
		}
	}
	return ClientIDRule{}, false
}

// Assign returns the id for task, drawing a fresh one from the task's
// category range if it has none yet.
func (a *ClientIDAllocator) Assign(task string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id, ok := a.byTask[task]; ok {
		return id, nil
	}
	return a.drawLocked(task)
}

// Reassign retires the task's current id and draws a new one. Retired ids
// are never handed out again by this allocator.
func (a *ClientIDAllocator) Reassign(task string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if old, ok := a.byTask[task]; ok {
		delete(a.byTask, task)
		delete(a.byID, old)
		a.retired[old] = struct{}{}
	}
	return a.drawLocked(task)
}

// Release frees the task's id so that it may be drawn again.
func (a *ClientIDAllocator) Release(task string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, ok := a.byTask[task]
	if !ok {
		return false
	}
	delete(a.byTask, task)
	delete(a.byID, id)
	return true
}

func (a *ClientIDAllocator) drawLocked(task string) (int, error) {
	rule, ok := a.classify(task)
	if !ok {
		return 0, &domain.ValidationError{Field: "task", Value: task, Err: fmt.Errorf("no client id rule matches")}
	}

	free := make([]int, 0, rule.Hi-rule.Lo)
	for id := rule.Lo; id < rule.Hi; id++ {
		if _, used := a.byID[id]; used {
			continue
		}
		if _, gone := a.retired[id]; gone {
			continue
		}
		free = append(free, id)
	}
	if len(free) == 0 {
		return 0, &domain.ExhaustedRangeError{Category: rule.Category, Lo: rule.Lo, Hi: rule.Hi}
	}

	id := free[a.rng.IntN(len(free))]
	a.byTask[task] = id
	a.byID[id] = task
	a.logger.Info("Client id assigned",
		slog.String("task", task),
		slog.String("category", rule.Category),
		slog.Int("client_id", id))
	return id, nil
}

// Lookup returns the id currently assigned to task.
func (a *ClientIDAllocator) Lookup(task string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.byTask[task]
	return id, ok
}

// TaskName is the reverse lookup.
func (a *ClientIDAllocator) TaskName(id int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	task, ok := a.byID[id]
	return task, ok
}

// Assignments returns a copy of the task -> id map.
func (a *ClientIDAllocator) Assignments() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.byTask))
	for k, v := range a.byTask {
		out[k] = v
	}
	return out
}
