// Package broadcast fans chunks out to every subscriber of a channel
package broadcast

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/talosh/websocket-relay/internal/chanstats"
	"github.com/talosh/websocket-relay/internal/metrics"
	"github.com/talosh/websocket-relay/internal/registry"
)

// Snapshotter supplies a point-in-time copy of a channel's subscribers
type Snapshotter interface {
	Snapshot(channel string) []registry.Subscriber
}

// Result is the outcome of sending one chunk to one subscriber
type Result struct {
	SubscriberID string
	Err          error
}

// Report collects the results of one Broadcast
type Report struct {
	Channel string
	Results []Result
}

// Delivered returns the number of successful sends
func (r Report) Delivered() int {
	n := 0
	for _, res := range r.Results {
		if res.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the results of sends that failed
func (r Report) Failed() []Result {
	f := []Result{}
	for _, res := range r.Results {
		if res.Err != nil {
			f = append(f, res)
		}
	}
	return f
}

// Engine delivers chunks to the subscribers held in a registry.
// It never removes subscribers; that is left to the connection's close path.
type Engine struct {
	subscribers Snapshotter
	stats       *chanstats.Store
	now         func() time.Time
}

// New returns an Engine that reads subscribers from s
func New(s Snapshotter) *Engine {
	return &Engine{
		subscribers: s,
		now:         time.Now,
	}
}

// WithStats records per-channel statistics in store
func (e *Engine) WithStats(store *chanstats.Store) *Engine {
	e.stats = store
	return e
}

// Broadcast sends payload as one message to every subscriber on channel at
// the time of the call. Failures are logged and reported, never returned.
func (e *Engine) Broadcast(channel string, payload []byte) Report {

	start := e.now()

	subs := e.subscribers.Snapshot(channel)

	// nobody watching leaves no trace
	if len(subs) == 0 {
		return Report{Channel: channel}
	}

	report := Report{
		Channel: channel,
		Results: make([]Result, 0, len(subs)),
	}

	for _, sub := range subs {

		err := send(sub, payload)

		report.Results = append(report.Results, Result{SubscriberID: sub.ID(), Err: err})

		if err != nil {
			metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
			log.WithFields(log.Fields{"channel": channel, "subscriber": sub.ID(), "error": err.Error()}).Warn("Failed sending chunk to subscriber")
			continue
		}

		metrics.DeliveriesTotal.WithLabelValues("ok").Inc()
	}

	if e.stats != nil {
		e.stats.Get(channel).Add(len(payload), len(subs), start)
	}

	metrics.BroadcastDuration.Observe(e.now().Sub(start).Seconds())

	log.WithFields(log.Fields{"channel": channel, "size": len(payload), "audience": len(subs)}).Trace("Broadcast chunk")

	return report
}

// send isolates a panicking subscriber from the rest of the fan-out
func send(sub registry.Subscriber, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in send: %v", r)
		}
	}()
	return sub.Send(payload)
}
