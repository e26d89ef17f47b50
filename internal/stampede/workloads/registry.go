// Package workloads is the library of built-in FSM workload programs. Each
// program registers a factory; a run gets a fresh config from the factory so
// derived concurrency parameters never leak between runs.
package workloads

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/stampedeproject/stampede/internal/common/stampedeerrors"
	"github.com/stampedeproject/stampede/internal/stampede/workload"
)

var registry = map[string]func() *workload.Config{}

func register(name string, factory func() *workload.Config) {
	registry[name] = factory
}

// Get returns a fresh config for the named workload program.
func Get(name string) (*workload.Config, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, errors.WithStack(&stampedeerrors.ErrInvalidArgument{
			Name:    "workload",
			Value:   name,
			Message: "no such workload program is registered",
		})
	}
	return factory(), nil
}

// Names lists all registered workload programs in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
