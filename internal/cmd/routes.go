package cmd

import "github.com/stagerun-org/stagerun/internal/workflow"

// stageRoutes holds the handlers a worker binary embeds. Applications
// register theirs from an init function before Execute runs.
var stageRoutes = workflow.NewRouteTable()

// RegisterHandler binds a stage name to its handler for the worker command.
func RegisterHandler(stage string, h workflow.Handler) error {
	return stageRoutes.Register(stage, h)
}
