package scheduler

import (
	"time"

	"channel_relay/internal/model"
)

// TierStatus describes the latest run of one channel type.
type TierStatus struct {
	Type     model.ChannelType
	Channels int
	LastRun  time.Time
	Last     model.Counters
	Total    model.Counters
}

// Status is a read-only snapshot of the control loop.
type Status struct {
	LastCycle time.Time
	Connected bool
	Pending   int
	Tiers     []TierStatus
}

// Status returns the latest published snapshot. Safe for concurrent use.
func (s *Scheduler) Status() Status {
	return *s.status.Load()
}

func (s *Scheduler) record(t model.ChannelType, channels int, c model.Counters, took time.Duration) {
	ts := s.tiers[t]
	ts.Type = t
	ts.Channels = channels
	ts.LastRun = s.now()
	ts.Last = c
	ts.Total.Add(c)
	s.tiers[t] = ts

	name := t.String()
	messages.WithLabelValues(name, "fetched").Add(float64(c.Fetched))
	messages.WithLabelValues(name, "forwarded").Add(float64(c.Forwarded))
	messages.WithLabelValues(name, "skipped").Add(float64(c.Skipped))
	messages.WithLabelValues(name, "ads").Add(float64(c.Ads))
	tierDuration.WithLabelValues(name).Observe(took.Seconds())
	trackedChannels.WithLabelValues(name).Set(float64(channels))
}

func (s *Scheduler) publish(at time.Time) {
	st := &Status{
		LastCycle: at,
		Connected: s.guard.Transport().IsConnected(),
	}
	for _, t := range model.ChannelTypes {
		st.Pending += len(s.pending[t])
		if ts, ok := s.tiers[t]; ok {
			st.Tiers = append(st.Tiers, ts)
		}
	}
	s.status.Store(st)
}
