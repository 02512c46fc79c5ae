package rtp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// maxReportHistory bounds the reports kept per session address.
const maxReportHistory = 60

// Quality grades a stream by the share of media lost after FEC recovery.
type Quality int

const (
	// QualityExcellent means under 0.1% residual loss.
	QualityExcellent Quality = iota
	// QualityGood means under 1% residual loss.
	QualityGood
	// QualityFair means under 5% residual loss.
	QualityFair
	// QualityPoor means 5% residual loss or more.
	QualityPoor
)

// String returns a human readable quality level.
func (q Quality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	case QualityPoor:
		return "poor"
	default:
		return "unknown"
	}
}

func qualityFor(residualLoss float64) Quality {
	switch {
	case residualLoss < 0.001:
		return QualityExcellent
	case residualLoss < 0.01:
		return QualityGood
	case residualLoss < 0.05:
		return QualityFair
	default:
		return QualityPoor
	}
}

// SessionReport is one session's statistics with derived rates.
type SessionReport struct {
	Address    string
	SessionID  uuid.UUID
	Statistics Statistics
	// ResidualLoss is the share of sequence numbers skipped at playout.
	ResidualLoss float64
	// RecoveryRate is the share of damaged FEC groups that were repaired,
	// zero when none were damaged.
	RecoveryRate float64
	Quality      Quality
}

// MonitorReport aggregates every session of a TransportIntegration.
type MonitorReport struct {
	Sessions       map[string]SessionReport
	Played         uint64
	Lost           uint64
	Recovered      uint64
	Uncorrectable  uint64
	OverallQuality Quality
	Timestamp      time.Time
	Interval       time.Duration
}

// StatsMonitor periodically collects session statistics from a
// TransportIntegration and hands the aggregate to a callback.
//
//	monitor, err := NewStatsMonitor(integration, 5*time.Second)
//	monitor.OnReport(func(report MonitorReport) {
//	    fmt.Printf("%d recovered, quality %s\n", report.Recovered, report.OverallQuality)
//	})
//	monitor.Start()
//	defer monitor.Stop()
type StatsMonitor struct {
	interval time.Duration
	source   *TransportIntegration

	mu       sync.RWMutex
	running  bool
	callback func(report MonitorReport)
	history  map[string][]SessionReport
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewStatsMonitor creates a monitor reporting on source every interval.
func NewStatsMonitor(source *TransportIntegration, interval time.Duration) (*StatsMonitor, error) {
	if source == nil {
		return nil, fmt.Errorf("transport integration cannot be nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("%w: report interval must be positive", ErrInvalidConfig)
	}

	logrus.WithFields(logrus.Fields{
		"function":        "NewStatsMonitor",
		"report_interval": interval.String(),
	}).Info("Creating session statistics monitor")

	return &StatsMonitor{
		interval: interval,
		source:   source,
		history:  make(map[string][]SessionReport),
	}, nil
}

// Start begins periodic reporting.
func (m *StatsMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.reportLoop(ctx, m.done)

	logrus.WithFields(logrus.Fields{
		"function": "StatsMonitor.Start",
	}).Info("Statistics monitor started")

	return nil
}

// Stop halts periodic reporting and waits for the report loop to exit.
func (m *StatsMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	done := m.done
	m.mu.Unlock()

	<-done

	logrus.WithFields(logrus.Fields{
		"function": "StatsMonitor.Stop",
	}).Info("Statistics monitor stopped")
}

// IsRunning returns whether periodic reporting is active.
func (m *StatsMonitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// OnReport registers the callback for periodic reports. It runs on the
// report loop goroutine.
func (m *StatsMonitor) OnReport(callback func(report MonitorReport)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callback = callback
}

// Collect snapshots every session now and records the result in each
// session's history.
func (m *StatsMonitor) Collect() MonitorReport {
	sessions := m.source.Sessions()

	report := MonitorReport{
		Sessions:  make(map[string]SessionReport, len(sessions)),
		Timestamp: time.Now(),
		Interval:  m.interval,
	}

	for addr, session := range sessions {
		sr := newSessionReport(addr, session)
		report.Sessions[addr] = sr

		report.Played += sr.Statistics.Jitter.Played
		report.Lost += sr.Statistics.Jitter.Lost
		report.Recovered += sr.Statistics.Recovered
		report.Uncorrectable += sr.Statistics.Uncorrectable
	}
	report.OverallQuality = qualityFor(ratio(report.Lost, report.Played+report.Lost))

	m.mu.Lock()
	for addr, sr := range report.Sessions {
		history := append(m.history[addr], sr)
		if len(history) > maxReportHistory {
			history = history[1:]
		}
		m.history[addr] = history
	}
	for addr := range m.history {
		if _, live := report.Sessions[addr]; !live {
			delete(m.history, addr)
		}
	}
	m.mu.Unlock()

	return report
}

// History returns the recorded reports for the session at addr, oldest
// first.
func (m *StatsMonitor) History(addr string) []SessionReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.history[addr]
	if history == nil {
		return nil
	}
	out := make([]SessionReport, len(history))
	copy(out, history)
	return out
}

func (m *StatsMonitor) reportLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.generateReport()
		}
	}
}

func (m *StatsMonitor) generateReport() {
	report := m.Collect()

	m.mu.RLock()
	callback := m.callback
	m.mu.RUnlock()

	logrus.WithFields(logrus.Fields{
		"function":        "StatsMonitor.generateReport",
		"sessions":        len(report.Sessions),
		"recovered":       report.Recovered,
		"lost":            report.Lost,
		"overall_quality": report.OverallQuality.String(),
	}).Debug("Generated statistics report")

	if callback != nil {
		callback(report)
	}
}

func newSessionReport(addr string, session *Session) SessionReport {
	stats := session.Statistics()
	residual := ratio(stats.Jitter.Lost, stats.Jitter.Played+stats.Jitter.Lost)

	return SessionReport{
		Address:      addr,
		SessionID:    session.ID(),
		Statistics:   stats,
		ResidualLoss: residual,
		RecoveryRate: ratio(stats.Recovered, stats.Recovered+stats.Uncorrectable),
		Quality:      qualityFor(residual),
	}
}

func ratio(n, d uint64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
