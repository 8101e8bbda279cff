package server

import (
	"fmt"
	"log/slog"

	cronlib "github.com/robfig/cron/v3"
)

// StatsReporter logs hub counts on a cron schedule.
type StatsReporter struct {
	hub    *Hub
	logger *slog.Logger
	cron   *cronlib.Cron
}

// NewStatsReporter parses schedule (standard five-field cron or a descriptor
// such as "@every 5m"). An empty schedule returns a nil reporter, whose Start
// and Stop are no-ops.
func NewStatsReporter(hub *Hub, schedule string, logger *slog.Logger) (*StatsReporter, error) {
	if schedule == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &StatsReporter{
		hub:    hub,
		logger: logger,
		cron:   cronlib.New(),
	}
	if _, err := r.cron.AddFunc(schedule, r.report); err != nil {
		return nil, &ConfigError{Field: "stats_schedule", Reason: fmt.Sprintf("%q: %v", schedule, err)}
	}
	return r, nil
}

// Start runs the schedule in the background.
func (r *StatsReporter) Start() {
	if r == nil {
		return
	}
	r.cron.Start()
	r.logger.Info("stats reporter started", "jobs", len(r.cron.Entries()))
}

// Stop halts the schedule and waits for a running report to finish.
func (r *StatsReporter) Stop() {
	if r == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.logger.Info("stats reporter stopped")
}

func (r *StatsReporter) report() {
	stats := r.hub.Stats()
	r.logger.Info("hub stats",
		"clients", stats.Clients,
		"users", stats.Users,
		"apps", stats.Apps,
		"history", stats.History)
}
