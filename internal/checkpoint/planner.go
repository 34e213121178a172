package checkpoint

// SavePlanner decomposes the logical state into write plans and merges them.
// For one checkpoint its operations run in a fixed order: SetUpPlanner,
// CreateLocalPlan, CreateGlobalPlan (coordinator only), FinishPlan. The
// storage writer calls ResolveData while executing the finished plan; item
// serialization stays a planner concern.
type SavePlanner interface {
	SetUpPlanner(state State, isCoordinator bool) error
	CreateLocalPlan() (LocalPlan, error)
	CreateGlobalPlan(plans []LocalPlan) (GlobalPlan, *Metadata, error)
	FinishPlan(plan LocalPlan) (LocalPlan, error)
	ResolveData(item WriteItem) ([]byte, error)
}
