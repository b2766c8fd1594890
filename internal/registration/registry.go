package registration

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"tilemontage/internal/montage"
)

// Options configure engines built by New.
type Options struct {
	Workers int
	Logger  *slog.Logger
}

// Engine names accepted by New.
const (
	EnginePhase = "phase"
	EngineStage = "stage"
)

var engines = map[string]func(Options) montage.Engine{
	EnginePhase: func(o Options) montage.Engine { return NewPhaseCorrelation(o.Workers, o.Logger) },
	EngineStage: func(Options) montage.Engine { return Stage{} },
}

// Names lists the registered engine names.
func Names() []string {
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New returns the engine registered under name.
func New(name string, opts Options) (montage.Engine, error) {
	mk, ok := engines[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown registration engine %q (have %s)", name, strings.Join(Names(), ", "))
	}
	return mk(opts), nil
}
