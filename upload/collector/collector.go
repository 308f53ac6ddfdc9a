// Package collector implements the expired-session janitor: a periodic sweep
// that reclaims chunk storage and tracker state of uploads that were
// abandoned before finalize. This is the only reclaim path for abandoned
// multi-part uploads.
package collector

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/icefunicu/cloudpan/blobstore"
	"github.com/icefunicu/cloudpan/upload/sessions"
)

var mon = monkit.Package()

// Config defines parameters for the expired-session janitor.
type Config struct {
	Interval   time.Duration `help:"how frequently expired upload sessions are collected" default:"1h0m0s"`
	Expiration time.Duration `help:"how long a session may stay inactive before it is reclaimed" default:"24h0m0s"`
}

// Service collects expired upload sessions.
//
// architecture: Chore
type Service struct {
	log     *zap.Logger
	tracker *sessions.Tracker
	gateway blobstore.Gateway
	config  Config

	Loop *sync2.Cycle
}

// NewService creates a new collector service.
func NewService(log *zap.Logger, tracker *sessions.Tracker, gateway blobstore.Gateway, config Config) *Service {
	return &Service{
		log:     log,
		tracker: tracker,
		gateway: gateway,
		config:  config,
		Loop:    sync2.NewCycle(config.Interval),
	}
}

// Run runs the collector service.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return service.Loop.Run(ctx, func(ctx context.Context) error {
		err := service.Collect(ctx, time.Now().Add(-service.config.Expiration))
		if err != nil {
			service.log.Error("error during collecting expired sessions", zap.Error(err))
		}
		return nil
	})
}

// Close stops the collector service.
func (service *Service) Close() error {
	service.Loop.Close()
	return nil
}

// Collect reclaims sessions that expired before the given time. Failures for
// one session are logged and skipped so a stuck session cannot stall the
// sweep; its storage is retried on the next cycle.
func (service *Service) Collect(ctx context.Context, before time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	expired, err := service.tracker.Expired(ctx, before)
	if err != nil {
		return err
	}

	var count int64
	defer func() {
		if count > 0 {
			service.log.Info("collect", zap.Int64("count", count))
		}
	}()

	for _, session := range expired {
		prefix := sessions.ChunkPrefix(session.UserID, session.ContentHash)
		if err := service.gateway.DeletePrefix(ctx, prefix); err != nil {
			service.log.Warn("unable to delete chunk prefix",
				zap.String("user", session.UserID),
				zap.String("hash", session.ContentHash),
				zap.Error(err))
			continue
		}
		if err := service.tracker.Clear(ctx, session.UserID, session.ContentHash); err != nil {
			service.log.Warn("unable to clear session state",
				zap.String("user", session.UserID),
				zap.String("hash", session.ContentHash),
				zap.Error(err))
			continue
		}
		service.log.Debug("reclaimed expired session",
			zap.String("user", session.UserID),
			zap.String("hash", session.ContentHash))
		count++
	}
	return nil
}
