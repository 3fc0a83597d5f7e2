package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Service drives the Ticker from a cron entry, for hosts with no request
// traffic of their own to tick on.
type Service struct {
	ticker   *Ticker
	cron     *cron.Cron
	interval time.Duration
}

func NewService(ticker *Ticker, interval time.Duration) *Service {
	return &Service{
		ticker:   ticker,
		cron:     cron.New(),
		interval: interval,
	}
}

// Start runs until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() { s.ticker.Handle(ctx) }); err != nil {
		return fmt.Errorf("tick schedule %q: %w", spec, err)
	}
	s.cron.Start()
	log.Info().Dur("interval", s.interval).Msg("schedule tick service started")

	<-ctx.Done()
	<-s.cron.Stop().Done()
	log.Info().Msg("schedule tick service stopped")
	return nil
}
