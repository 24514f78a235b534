// Package procmon tracks worker OS processes in a durable registry and
// periodically sweeps for orphans: processes whose heartbeat went stale
// while their project has no active phase.
package procmon

import (
	"context"
	"fmt"
	"time"

	"conductor/pkg/breaker"
	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
)

// Monitor owns the process registry and the orphan sweep loop.
type Monitor struct {
	cfg     *config.Config
	db      *persistence.Store
	breaker *breaker.Breaker
	logger  *logx.Logger

	// activePhase reports whether the project currently has a live phase. A
	// stale process is spared while its project is still active; a paused or
	// finished project's processes get the full grace period before they are
	// reaped.
	activePhase func(projectID string) bool

	// OS hooks, injected for tests.
	kill  func(pid int) error
	alive func(pid int) bool
	now   func() time.Time
}

// New creates a monitor. activePhase may be nil, in which case heartbeat
// staleness alone marks orphans.
func New(cfg *config.Config, db *persistence.Store, brk *breaker.Breaker, activePhase func(string) bool) *Monitor {
	return &Monitor{
		cfg:         cfg,
		db:          db,
		breaker:     brk,
		logger:      logx.NewLogger("procmon"),
		activePhase: activePhase,
		kill:        killProcess,
		alive:       processAlive,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Register records a freshly spawned process. The kind selects its grace
// period before a stale heartbeat makes it an orphan.
func (m *Monitor) Register(pid int, kind, projectID string) error {
	now := m.now()
	rec := &proto.ProcessRecord{
		PID:           pid,
		Kind:          kind,
		ProjectID:     projectID,
		SpawnedAt:     now,
		LastHeartbeat: now,
	}
	if err := m.db.UpsertProcess(rec); err != nil {
		return fmt.Errorf("failed to register process %d: %w", pid, err)
	}
	metrics.LiveProcesses.Inc()
	m.logger.Debug("Registered %s process %d for project %s", kind, pid, projectID)
	return nil
}

// Heartbeat refreshes a process's last-seen-alive timestamp.
func (m *Monitor) Heartbeat(pid int) error {
	return m.db.TouchHeartbeat(pid, m.now())
}

// Deregister removes a process after a confirmed clean exit.
func (m *Monitor) Deregister(pid int) error {
	if err := m.db.DeleteProcess(pid); err != nil {
		return err
	}
	metrics.LiveProcesses.Dec()
	return nil
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Scanned  int
	Exited   int // rows removed because the process already exited
	Killed   int // orphans terminated
	Unkilled int // orphans that survived the kill attempt
}

// Sweep scans the registry once. An orphan is a live process whose heartbeat
// exceeded its kind's grace period and whose project has no active phase;
// either condition alone is benign. Orphans are killed and removed; kills
// that fail leave the row in place and raise the breaker's live-orphan count.
func (m *Monitor) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	records, err := m.db.ListProcesses()
	if err != nil {
		return res, fmt.Errorf("sweep failed to list processes: %w", err)
	}
	res.Scanned = len(records)
	now := m.now()

	for i := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rec := &records[i]

		if !m.alive(rec.PID) {
			// Already gone; just drop the row.
			if err := m.db.DeleteProcess(rec.PID); err != nil {
				m.logger.Warn("Failed to drop exited process %d: %v", rec.PID, err)
				continue
			}
			metrics.LiveProcesses.Dec()
			res.Exited++
			continue
		}

		stale := now.Sub(rec.LastHeartbeat) > m.cfg.Grace(rec.Kind)
		if !stale {
			continue
		}
		if m.activePhase != nil && m.activePhase(rec.ProjectID) {
			// The project is still working; a slow heartbeat is not enough.
			continue
		}

		m.logger.Warn("Orphan detected: pid %d kind %s project %s (no heartbeat, no active phase)",
			rec.PID, rec.Kind, rec.ProjectID)
		if m.breaker != nil {
			m.breaker.AddOrphans(rec.ProjectID, 1)
		}

		if err := m.kill(rec.PID); err != nil {
			m.logger.Error("Failed to kill orphan %d: %v", rec.PID, err)
			res.Unkilled++
			continue
		}
		if err := m.db.DeleteProcess(rec.PID); err != nil {
			m.logger.Warn("Killed orphan %d but failed to drop its row: %v", rec.PID, err)
		}
		metrics.LiveProcesses.Dec()
		metrics.OrphansKilled.WithLabelValues(rec.Kind).Inc()
		if m.breaker != nil {
			m.breaker.AddOrphans(rec.ProjectID, -1)
		}
		res.Killed++
	}

	if res.Killed > 0 || res.Unkilled > 0 {
		m.logger.Info("Sweep complete: scanned=%d exited=%d killed=%d unkilled=%d",
			res.Scanned, res.Exited, res.Killed, res.Unkilled)
	}
	return res, nil
}

// Run sweeps on the configured interval until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.SweepInterval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("Process monitor running, sweep interval %s", interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Process monitor stopping")
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("Sweep error: %v", err)
			}
		}
	}
}
