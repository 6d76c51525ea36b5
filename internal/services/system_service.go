package services

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "github.com/grocery-backoffice/api/internal/domain"
	"github.com/grocery-backoffice/api/internal/repositories"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	Health repositories.HealthRepository
	Build  BuildInfo
	// ReportTTL reuses the last probe result for this long. Zero probes on every call.
	ReportTTL time.Duration
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type systemService struct {
	health repositories.HealthRepository
	build  BuildInfo
	ttl    time.Duration
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)

	mu         sync.Mutex
	last       SystemHealthReport
	lastStatus string
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the service behind the readiness endpoint.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.Health == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}
	return &systemService{
		health: deps.Health,
		build:  build,
		ttl:    deps.ReportTTL,
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	now := s.clock()

	s.mu.Lock()
	if s.ttl > 0 && !s.last.GeneratedAt.IsZero() && now.Sub(s.last.GeneratedAt) < s.ttl {
		report := s.last
		s.mu.Unlock()
		report.Uptime = now.Sub(s.build.StartedAt)
		return report, nil
	}
	s.mu.Unlock()

	report, err := s.health.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.GeneratedAt = report.GeneratedAt.UTC()
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if report.Status == "" {
		report.Status = deriveStatus(report.Checks)
	}
	report.Version = s.build.Version
	report.CommitSHA = s.build.CommitSHA
	report.Environment = s.build.Environment
	report.Uptime = now.Sub(s.build.StartedAt)

	s.mu.Lock()
	previous := s.lastStatus
	s.last = report
	s.lastStatus = report.Status
	s.mu.Unlock()

	if previous != report.Status && (previous != "" || report.Status != domain.HealthStatusOK) {
		fields := map[string]any{"previous": previous, "status": report.Status}
		for name, check := range report.Checks {
			if check.Status != domain.HealthStatusOK {
				fields[name] = check.Detail
			}
		}
		s.logger(ctx, "system.health.changed", fields)
	}
	return report, nil
}

func deriveStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
