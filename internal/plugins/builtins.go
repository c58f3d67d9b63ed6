package plugins

import (
	"github.com/parlancehq/parlance/internal/agent"
	"github.com/parlancehq/parlance/internal/tools/calculator"
	"github.com/parlancehq/parlance/internal/tools/uuidgen"
	"github.com/parlancehq/parlance/internal/tools/websearch"
)

// RegisterBuiltinFactories wires the built-in tool constructors into the
// loader so manifests can reference them by factory name.
func RegisterBuiltinFactories(l *Loader, searchConfig websearch.Config) {
	l.RegisterFactory("calculator", func() (agent.Tool, error) {
		return calculator.New(), nil
	})
	l.RegisterFactory("websearch", func() (agent.Tool, error) {
		return websearch.New(searchConfig), nil
	})
	l.RegisterFactory("uuidgen", func() (agent.Tool, error) {
		return uuidgen.New(), nil
	})
}

// LoadBuiltins registers the built-in tools directly, without manifests.
// Deployments that want to rename or restrict a builtin use a manifest with
// a builtin handler instead.
func LoadBuiltins(registry *agent.ToolRegistry, searchConfig websearch.Config) error {
	tools := []agent.Tool{
		calculator.New(),
		websearch.New(searchConfig),
		uuidgen.New(),
	}
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
