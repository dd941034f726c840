// Package obs implements pkg/termstream.Sink over zap structured logging
// and the Prometheus counters in internal/metrics, so the broker core stays
// free of both dependencies.
package obs

import (
	"go.uber.org/zap"

	"termbroker/internal/metrics"
	"termbroker/pkg/termstream"
)

// Sink fuses structured logging and metrics recording for every
// observability event the broker raises (spec §6.4).
type Sink struct {
	log *zap.Logger
	m   *metrics.Metrics
}

// New builds a Sink. log should already be scoped (e.g. log.Named("broker")).
func New(log *zap.Logger, m *metrics.Metrics) *Sink {
	return &Sink{log: log, m: m}
}

var _ termstream.Sink = (*Sink)(nil)

func (s *Sink) ReplayHit(terminalID, connID string) {
	s.m.ReplayHits.Inc()
	s.log.Info("replay hit", zap.String("terminalId", terminalID), zap.String("connId", connID))
}

func (s *Sink) ReplayMiss(terminalID, connID string) {
	s.m.ReplayMisses.Inc()
	s.log.Warn("replay miss", zap.String("terminalId", terminalID), zap.String("connId", connID))
}

func (s *Sink) Gap(terminalID, connID string, reason termstream.GapReason) {
	s.m.GapsByReason.WithLabelValues(string(reason)).Inc()
	fields := []zap.Field{
		zap.String("terminalId", terminalID),
		zap.String("connId", connID),
		zap.String("reason", string(reason)),
	}
	if reason == termstream.GapReplayWindowExceeded {
		s.log.Info("output gap", fields...)
		return
	}
	s.log.Warn("output gap", fields...)
}

func (s *Sink) QueuePressure(terminalID, connID string, pendingBytes int) {
	s.m.QueuePressureEvents.Inc()
	s.log.Warn("queue pressure",
		zap.String("terminalId", terminalID),
		zap.String("connId", connID),
		zap.Int("pendingBytes", pendingBytes),
	)
}

func (s *Sink) CatastrophicClose(terminalID, connID string) {
	s.m.CatastrophicCloses.Inc()
	s.log.Warn("catastrophic backpressure close",
		zap.String("terminalId", terminalID),
		zap.String("connId", connID),
	)
}

// OutputIngested records raw terminal output bytes appended to a replay
// ring, before any per-attachment fan-out.
func (s *Sink) OutputIngested(terminalID string, bytes int) {
	s.m.OutputBytesIngested.Add(float64(bytes))
}

// OutputFrameSent records one output frame actually written to a client
// connection, whether during attach replay or a later flush tick.
func (s *Sink) OutputFrameSent(terminalID, connID string) {
	s.m.OutputFramesSent.Inc()
}

func (s *Sink) AttachmentOpened(terminalID, connID string) {
	s.m.AttachmentsActive.Inc()
}

func (s *Sink) AttachmentClosed(terminalID, connID string) {
	s.m.AttachmentsActive.Dec()
}
