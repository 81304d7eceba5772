package bridge

import "github.com/mnegacz/querybus/query"

// TargetContextResolver picks the routing context an outbound query is sent
// to.
type TargetContextResolver func(msg *query.Message) string

// FixedContext resolves every query to the same routing context.
func FixedContext(contextKey string) TargetContextResolver {
	return func(*query.Message) string { return contextKey }
}

// PriorityCalculator assigns an execution priority to a query. Higher
// values are served first by the task queue.
type PriorityCalculator func(msg *query.Message) int

// DefaultPriority assigns priority zero to every query.
func DefaultPriority(*query.Message) int { return 0 }
