package session

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Janitor periodically evicts ended meetings from the store.
type Janitor struct {
	cron *cron.Cron
}

func NewJanitor(store *Store, schedule string) (*Janitor, error) {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(&log.Logger)))
	_, err := c.AddFunc(schedule, func() {
		if n := store.Sweep(context.Background()); n > 0 {
			log.Info().Str("module", "app.session").Int("evicted", n).Msg("janitor sweep")
		}
	})
	if err != nil {
		return nil, err
	}
	return &Janitor{cron: c}, nil
}

func (j *Janitor) Start() { j.cron.Start() }

// Stop waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}
