package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a cron expression and its IANA timezone.
// An empty timezone resolves to UTC.
func ParseSchedule(cfg ScheduleConfig) (cron.Schedule, *time.Location, error) {
	expr := strings.TrimSpace(cfg.Cron)
	if expr == "" {
		return nil, nil, fmt.Errorf("cron expression is required")
	}
	if strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=") {
		return nil, nil, fmt.Errorf("cron expression %q must not embed a timezone", expr)
	}
	zone := strings.TrimSpace(cfg.Timezone)
	if zone == "" {
		zone = "UTC"
	}
	location, err := time.LoadLocation(zone)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid timezone %q: %w", zone, err)
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule, location, nil
}

// Ticker is the minimal timer surface the polling loops depend on.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type TickerFactory func(interval time.Duration) Ticker

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

func NewTimeTicker(interval time.Duration) Ticker {
	return timeTicker{ticker: time.NewTicker(interval)}
}

func SystemNow() time.Time {
	return time.Now().UTC()
}
