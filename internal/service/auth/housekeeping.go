package auth

import (
	"context"
	"time"
)

// RunHousekeeping purges stale device codes every interval until ctx is done.
func (s Service) RunHousekeeping(ctx context.Context, every time.Duration) {
	if s.deviceCodes == nil {
		return
	}
	if every <= 0 {
		every = 10 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PurgeDeviceCodes(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("device code purge failed", "error", err)
			}
		}
	}
}
