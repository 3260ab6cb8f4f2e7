package directory

import (
	"sync/atomic"
	"time"
)

// Metrics tracks operational statistics for the directory service. All
// counters use atomic operations so the hot path never takes a lock.
type Metrics struct {
	startTime time.Time

	operations     atomic.Int64
	writes         atomic.Int64
	searches       atomic.Int64
	binds          atomic.Int64
	failedBinds    atomic.Int64
	conflicts      atomic.Int64
	referralsSent  atomic.Int64
	errorsReturned atomic.Int64
}

// NewMetrics creates a metrics instance anchored at the current time.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) RecordOperation() { m.operations.Add(1) }
func (m *Metrics) RecordWrite()     { m.writes.Add(1) }
func (m *Metrics) RecordSearch()    { m.searches.Add(1) }
func (m *Metrics) RecordBind()      { m.binds.Add(1) }
func (m *Metrics) RecordBindError() { m.failedBinds.Add(1) }
func (m *Metrics) RecordConflict()  { m.conflicts.Add(1) }
func (m *Metrics) RecordReferral()  { m.referralsSent.Add(1) }
func (m *Metrics) RecordError()     { m.errorsReturned.Add(1) }

// Summary is a point-in-time snapshot for the health endpoint.
type Summary struct {
	UptimeSeconds  int64 `json:"uptime_seconds"`
	Operations     int64 `json:"operations"`
	Writes         int64 `json:"writes"`
	Searches       int64 `json:"searches"`
	Binds          int64 `json:"binds"`
	FailedBinds    int64 `json:"failed_binds"`
	Conflicts      int64 `json:"conflicts"`
	ReferralsSent  int64 `json:"referrals_sent"`
	ErrorsReturned int64 `json:"errors_returned"`
}

// GetSummary returns the current counter values.
func (m *Metrics) GetSummary() Summary {
	return Summary{
		UptimeSeconds:  int64(time.Since(m.startTime).Seconds()),
		Operations:     m.operations.Load(),
		Writes:         m.writes.Load(),
		Searches:       m.searches.Load(),
		Binds:          m.binds.Load(),
		FailedBinds:    m.failedBinds.Load(),
		Conflicts:      m.conflicts.Load(),
		ReferralsSent:  m.referralsSent.Load(),
		ErrorsReturned: m.errorsReturned.Load(),
	}
}
