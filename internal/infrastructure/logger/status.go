package logger

import (
	"github.com/vitos/crypto_dealer/internal/domain"
	"go.uber.org/zap"
)

// CycleReporter forwards cycle phase transitions to zap. It satisfies
// domain.StatusReporter and carries no state of its own, so a single
// instance can serve every cycle.
type CycleReporter struct {
	log *zap.Logger
}

func NewCycleReporter(log *zap.Logger) *CycleReporter {
	return &CycleReporter{log: log}
}

func (r *CycleReporter) UpdateStatus(phase domain.CyclePhase, message, detail string) {
	fields := []zap.Field{zap.String("phase", string(phase))}
	if detail != "" {
		fields = append(fields, zap.String("detail", detail))
	}
	r.log.Info(message, fields...)
}
