package protocol

// NoOpHandler implements MessageHandler with no-op methods.
// Embed this and override only the methods you need.
type NoOpHandler struct{}

func (NoOpHandler) HandleRunSchedule(*Envelope, *RunSchedule)             {}
func (NoOpHandler) HandleStockSnapshot(*Envelope, *StockSnapshot)         {}
func (NoOpHandler) HandleItemsSync(*Envelope, *ItemsSync)                 {}
func (NoOpHandler) HandleMovementCommitted(*Envelope, *MovementCommitted) {}
func (NoOpHandler) HandleLabelRequest(*Envelope, *LabelRequest)           {}
func (NoOpHandler) HandleRunStatus(*Envelope, *RunStatus)                 {}
func (NoOpHandler) HandleLineClosed(*Envelope, *LineClosed)               {}

// Compile-time check that NoOpHandler implements MessageHandler.
var _ MessageHandler = NoOpHandler{}
