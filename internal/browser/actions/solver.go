// File: internal/browser/actions/solver.go
package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xkilldash9x/phantomfetch/api/schemas"
)

// DefaultCaptchaProvider is used when a solve_captcha action names none.
const DefaultCaptchaProvider = "2captcha"

// ErrUnknownProvider is returned when no solver is registered for a provider.
var ErrUnknownProvider = errors.New("unknown captcha provider")

// Solver solves a CAPTCHA on page and returns the token, or "" when it could
// not. Provider clients live outside this module and plug in here.
type Solver interface {
	Solve(ctx context.Context, page Page, action schemas.Action) (string, error)
}

// SolverFunc adapts a function to the Solver interface.
type SolverFunc func(ctx context.Context, page Page, action schemas.Action) (string, error)

// Solve implements Solver.
func (f SolverFunc) Solve(ctx context.Context, page Page, action schemas.Action) (string, error) {
	return f(ctx, page, action)
}

// SolverFactory builds a solver for an API key.
type SolverFactory func(apiKey string) (Solver, error)

var (
	solversMu sync.RWMutex
	solvers   = make(map[string]SolverFactory)
)

// RegisterSolver makes a provider available to solve_captcha actions. A
// later registration under the same name replaces the earlier one.
func RegisterSolver(provider string, factory SolverFactory) {
	solversMu.Lock()
	defer solversMu.Unlock()
	solvers[normalizeProvider(provider)] = factory
}

// UnregisterSolver removes a provider.
func UnregisterSolver(provider string) {
	solversMu.Lock()
	defer solversMu.Unlock()
	delete(solvers, normalizeProvider(provider))
}

// Providers lists the registered provider names in sorted order.
func Providers() []string {
	solversMu.RLock()
	defer solversMu.RUnlock()
	names := make([]string, 0, len(solvers))
	for name := range solvers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupSolver builds the solver registered under provider.
func LookupSolver(provider, apiKey string) (Solver, error) {
	solversMu.RLock()
	factory, ok := solvers[normalizeProvider(provider)]
	solversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return factory(apiKey)
}

func normalizeProvider(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return DefaultCaptchaProvider
	}
	return p
}
