package protocol

// Message types.
const (
	// Planning -> matflow (plan topic)
	TypeRunSchedule   = "run.schedule"
	TypeStockSnapshot = "stock.snapshot"
	TypeItemsSync     = "items.sync"

	// matflow -> downstream (events and labels topics)
	TypeMovementCommitted = "movement.committed"
	TypeLabelRequest      = "label.request"
	TypeRunStatus         = "run.status"
	TypeLineClosed        = "line.closed"
)

// Roles for Address.Role.
const (
	RolePlanner = "planner"
	RoleMatflow = "matflow"
	RoleStock   = "stock"
	RolePrinter = "printer"
)

// Protocol version.
const Version = 1
