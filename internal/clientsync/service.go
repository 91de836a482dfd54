// Package clientsync keeps the client installation directory in step with
// the device fleet: new endpoints register as their first descriptor lands,
// a daily sweep refreshes every known endpoint, and orphans are collected.
package clientsync

import (
	"context"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/fiscalops/fleetwatch/internal/repositories/client"
	"github.com/fiscalops/fleetwatch/internal/repositories/device"
	"github.com/fiscalops/fleetwatch/pkg/metrics"
	"github.com/fiscalops/fleetwatch/pkg/tracing"
)

// registration is a queued endpoint waiting for its directory entry.
type registration struct {
	URLRMS           string
	INN              string
	OrganizationName string
}

type Service struct {
	devices *device.Repository
	clients *client.Repository
	monitor *Monitor
	logger  ectologger.Logger

	queue chan registration
	delay time.Duration // pause between remote calls during sweeps

	stopCh   chan struct{}
	stoppedC chan struct{}
	once     sync.Once
}

type Config struct {
	// QueueSize bounds the registration backlog
	QueueSize int
	// SweepDelay is the pause between endpoint refreshes in the daily sweep
	SweepDelay time.Duration
}

func NewService(devices *device.Repository, clients *client.Repository, monitor *Monitor, cfg Config, logger ectologger.Logger) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	return &Service{
		devices:  devices,
		clients:  clients,
		monitor:  monitor,
		logger:   logger,
		queue:    make(chan registration, cfg.QueueSize),
		delay:    cfg.SweepDelay,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
	}
}

// Enqueue requests registration of a newly seen endpoint. Never blocks; a
// full queue drops the request, the daily sweep will pick the endpoint up.
func (s *Service) Enqueue(urlRMS, inn, orgName string) {
	select {
	case s.queue <- registration{URLRMS: urlRMS, INN: inn, OrganizationName: orgName}:
		metrics.ClientSyncQueueDepth.Set(float64(len(s.queue)))
	default:
		s.logger.Warnf("registration queue full, dropping endpoint %s", urlRMS)
	}
}

// Start launches the registration worker.
func (s *Service) Start(ctx context.Context) error {
	go s.worker(ctx)
	return nil
}

// Stop shuts the worker down and waits for it.
func (s *Service) Stop(ctx context.Context) error {
	s.once.Do(func() { close(s.stopCh) })
	select {
	case <-s.stoppedC:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) worker(ctx context.Context) {
	defer close(s.stoppedC)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case reg := <-s.queue:
			metrics.ClientSyncQueueDepth.Set(float64(len(s.queue)))
			s.syncOne(ctx, reg)
		}
	}
}

// syncOne refreshes a single endpoint's directory entry. Unreachable
// endpoints still get an entry, with NULL monitoring fields.
func (s *Service) syncOne(ctx context.Context, reg registration) {
	ctx, span := tracing.StartSpan(ctx, "ClientSync.syncOne")
	defer span.End()

	fields := client.SyncFields{
		INN:              reg.INN,
		OrganizationName: reg.OrganizationName,
	}

	info, err := s.monitor.Fetch(ctx, reg.URLRMS)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Warnf("endpoint %s unreachable, registering without monitoring info", reg.URLRMS)
		metrics.ClientSyncTotal.WithLabelValues("unreachable").Inc()
	} else {
		fields.ServerName = &info.ServerName
		fields.Version = &info.Version
	}

	if err := s.clients.Sync(ctx, reg.URLRMS, fields); err != nil {
		s.logger.WithContext(ctx).WithError(err).Errorf("failed to sync client %s", reg.URLRMS)
		metrics.ClientSyncTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.ClientSyncTotal.WithLabelValues("ok").Inc()
}

// RefreshAll re-syncs every endpoint the fleet references. Used by the daily
// sweep; paced so a large fleet does not hammer its RMS servers.
func (s *Service) RefreshAll(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "ClientSync.RefreshAll")
	defer span.End()

	endpoints, err := s.devices.Endpoints(ctx)
	if err != nil {
		return err
	}

	s.logger.WithContext(ctx).Infof("refreshing %d client endpoints", len(endpoints))

	for _, endpoint := range endpoints {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.syncOne(ctx, registration{
			URLRMS:           endpoint.URLRMS,
			INN:              endpoint.INN,
			OrganizationName: endpoint.OrganizationName,
		})

		if s.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.delay):
			}
		}
	}

	return nil
}

// CollectOrphans removes directory entries for endpoints no device uses.
func (s *Service) CollectOrphans(ctx context.Context) error {
	purged, err := s.clients.PurgeOrphans(ctx)
	if err != nil {
		return err
	}
	if purged > 0 {
		s.logger.WithContext(ctx).Infof("removed %d orphaned clients", purged)
	}
	return nil
}
