package termstream

// Sink is the observability collaborator the broker reports structured
// performance events to (spec §6.4). internal/obs implements this over
// zap + Prometheus; pkg/termstream itself never imports either.
type Sink interface {
	ReplayHit(terminalID, connID string)
	ReplayMiss(terminalID, connID string)
	Gap(terminalID, connID string, reason GapReason)
	QueuePressure(terminalID, connID string, pendingBytes int)
	CatastrophicClose(terminalID, connID string)
	OutputIngested(terminalID string, bytes int)
	OutputFrameSent(terminalID, connID string)
	AttachmentOpened(terminalID, connID string)
	AttachmentClosed(terminalID, connID string)
}

// NoopSink discards every event. Used by tests and as the broker's default
// when no sink is supplied.
type NoopSink struct{}

func (NoopSink) ReplayHit(string, string)          {}
func (NoopSink) ReplayMiss(string, string)         {}
func (NoopSink) Gap(string, string, GapReason)     {}
func (NoopSink) QueuePressure(string, string, int) {}
func (NoopSink) CatastrophicClose(string, string)  {}
func (NoopSink) OutputIngested(string, int)        {}
func (NoopSink) OutputFrameSent(string, string)    {}
func (NoopSink) AttachmentOpened(string, string)   {}
func (NoopSink) AttachmentClosed(string, string)   {}
