package stampede

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/stampedeproject/stampede/internal/common/stampedeerrors"
	"github.com/stampedeproject/stampede/internal/stampede/build"
	"github.com/stampedeproject/stampede/internal/stampede/cluster"
	"github.com/stampedeproject/stampede/internal/stampede/workload"
	"github.com/stampedeproject/stampede/internal/stampede/workloads"
)

// App is the CLI-facing surface of the orchestrator.
type App struct {
	// Parameters passed to the CLI by the user.
	Params *Params
	// Out is used to write the output. Defaults to standard out, but can be
	// overridden in tests to make assertions on the application's output.
	Out io.Writer
}

// Params struct holds all user-customizable parameters. They are applied as
// overrides on top of every suite file, so one flag set can drive a whole
// directory of suites against the same target.
type Params struct {
	// Target node addresses, primary first. Overrides the suite file.
	Addrs []string
	// Seed override; 0 keeps the suite file's seed.
	Seed int64
}

// New instantiates an App with default parameters and standard output.
func New() *App {
	return &App{
		Params: &Params{},
		Out:    os.Stdout,
	}
}

// Suite is the on-disk description of one workload run.
type Suite struct {
	Name      string                    `yaml:"name"`
	Workloads []string                  `yaml:"workloads"`
	Cluster   cluster.Options           `yaml:"cluster"`
	Execution workload.ExecutionOptions `yaml:"execution"`
}

// Version prints build information to the app output.
func (a *App) Version() error {
	w := tabwriter.NewWriter(a.Out, 1, 1, 1, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "Version:\t%s\n", build.ReleaseVersion)
	fmt.Fprintf(w, "Commit:\t%s\n", build.GitCommit)
	fmt.Fprintf(w, "Go version:\t%s\n", build.GoVersion)
	fmt.Fprintf(w, "Built:\t%s\n", build.BuildTime)
	return nil
}

// ListWorkloads prints the names of all registered workload programs.
func (a *App) ListWorkloads() error {
	for _, name := range workloads.Names() {
		fmt.Fprintln(a.Out, name)
	}
	return nil
}

// RunSuiteFile loads a suite file, resolves its workloads against the
// registry, and runs them. Any recorded failure is returned as a single
// aggregate error so the invoking harness can abort the broader suite run.
func (a *App) RunSuiteFile(ctx context.Context, path string) error {
	suite, err := LoadSuite(path)
	if err != nil {
		return err
	}

	configs := make([]*workload.Config, 0, len(suite.Workloads))
	for _, name := range suite.Workloads {
		cfg, err := workloads.Get(name)
		if err != nil {
			return err
		}
		configs = append(configs, cfg)
	}

	if len(a.Params.Addrs) > 0 {
		suite.Cluster.Addrs = a.Params.Addrs
	}
	if a.Params.Seed != 0 {
		suite.Cluster.Seed = a.Params.Seed
	}

	runner := NewRunner()
	runner.Out = a.Out

	start := time.Now()
	err = runner.Run(ctx, configs, RunOptions{
		Cluster:   suite.Cluster,
		Execution: suite.Execution,
	})
	fmt.Fprintf(a.Out, "suite %s finished in %s\n", suite.Name, time.Since(start))
	return err
}

// LoadSuite parses a suite file, rejecting unrecognized keys so that typos
// in option names fail fast instead of silently running with defaults.
func LoadSuite(path string) (*Suite, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(errors.WithStack(err), "opening suite file %s", path)
	}
	suite := &Suite{}
	if err := yaml.UnmarshalStrict(content, suite); err != nil {
		return nil, errors.WithStack(&stampedeerrors.ErrInvalidArgument{
			Name:    "suite",
			Value:   path,
			Message: err.Error(),
		})
	}
	if suite.Name == "" {
		suite.Name = path
	}
	if len(suite.Workloads) == 0 {
		return nil, errors.WithStack(&stampedeerrors.ErrInvalidArgument{
			Name:    "workloads",
			Value:   path,
			Message: "suite names no workloads",
		})
	}
	return suite, nil
}
