package shutdown

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Hooks runs phase-ordered cleanup handlers exactly once.
type Hooks struct {
	config Config

	mu       sync.Mutex
	handlers []registration
	ran      bool
	report   *Report
}

// NewHooks creates an empty hook set.
func NewHooks(config Config) *Hooks {
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = DefaultConfig().DefaultPhase
	}
	return &Hooks{config: config}
}

// Register adds a hook at the default phase.
func (h *Hooks) Register(name string, handler Handler) {
	h.RegisterWithPhase(name, handler, h.config.DefaultPhase)
}

// RegisterWithPhase adds a hook with a specific phase.
func (h *Hooks) RegisterWithPhase(name string, handler Handler, phase int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.handlers = append(h.handlers, registration{
		name:    name,
		handler: handler,
		phase:   phase,
	})
}

// RegisterFunc registers fn at the default phase.
func (h *Hooks) RegisterFunc(name string, fn func(ctx context.Context) error) {
	h.Register(name, HandlerFunc(fn))
}

// RegisterFuncWithPhase registers fn at phase.
func (h *Hooks) RegisterFuncWithPhase(name string, fn func(ctx context.Context) error, phase int) {
	h.RegisterWithPhase(name, HandlerFunc(fn), phase)
}

// Len returns the number of registered hooks.
func (h *Hooks) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handlers)
}

// Run executes every hook, lowest phase first. Hooks sharing a phase run
// concurrently. Only the first call runs anything; later calls return the
// first report with ErrAlreadyRun.
func (h *Hooks) Run(ctx context.Context) (*Report, error) {
	h.mu.Lock()
	if h.ran {
		report := h.report
		h.mu.Unlock()
		return report, ErrAlreadyRun
	}
	h.ran = true
	handlers := make([]registration, len(h.handlers))
	copy(handlers, h.handlers)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	report := h.run(ctx, handlers)

	h.mu.Lock()
	h.report = report
	h.mu.Unlock()
	return report, report.Err
}

func (h *Hooks) run(ctx context.Context, handlers []registration) *Report {
	start := time.Now()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	report := &Report{
		Results: make([]HookResult, 0, len(handlers)),
	}

	var overallErr error
	for _, group := range groupByPhase(handlers) {
		select {
		case <-ctx.Done():
			report.Err = ErrTimeout
			report.TotalDuration = time.Since(start)
			return report
		default:
		}

		phaseResults := h.executePhase(ctx, group)
		report.Results = append(report.Results, phaseResults...)

		for _, hr := range phaseResults {
			if hr.Err != nil && overallErr == nil {
				overallErr = ErrHookFailed
			}
			if !h.config.ContinueOnError && hr.Err != nil {
				report.Err = overallErr
				report.TotalDuration = time.Since(start)
				return report
			}
		}
	}

	report.Err = overallErr
	report.TotalDuration = time.Since(start)
	return report
}

// executePhase runs all hooks in a phase concurrently.
func (h *Hooks) executePhase(ctx context.Context, handlers []registration) []HookResult {
	results := make([]HookResult, len(handlers))
	var wg sync.WaitGroup

	for i, reg := range handlers {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()

			start := time.Now()
			err := r.handler.OnShutdown(ctx)

			hr := HookResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: time.Since(start),
				Err:      err,
			}
			results[idx] = hr

			if h.config.OnProgress != nil {
				h.config.OnProgress(hr)
			}
		}(i, reg)
	}

	wg.Wait()
	return results
}

// groupByPhase groups sorted hooks by their phase number.
func groupByPhase(handlers []registration) [][]registration {
	if len(handlers) == 0 {
		return nil
	}

	var groups [][]registration
	var current []registration
	phase := handlers[0].phase

	for _, r := range handlers {
		if r.phase != phase {
			groups = append(groups, current)
			current = nil
			phase = r.phase
		}
		current = append(current, r)
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}
