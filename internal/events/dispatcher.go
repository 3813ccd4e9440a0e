package events

import (
	"sync"

	"github.com/tridz-dev/lightning-import/internal/api"
	"github.com/tridz-dev/lightning-import/internal/config"
)

// subscriberBuffer is the per-subscriber channel capacity. Pushed updates
// beyond this are dropped; the poll channel re-delivers current state anyway.
const subscriberBuffer = 16

type subscriber struct {
	jobID string
	ch    chan api.ProgressUpdate
}

// Dispatcher fans pushed progress updates out to per-job subscribers.
// Publish routes on the update's job ID; updates for jobs nobody watches
// are discarded.
type Dispatcher struct {
	mu   sync.RWMutex
	subs map[string][]*subscriber
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subs: make(map[string][]*subscriber),
	}
}

// Subscribe registers interest in updates for a job. The returned cancel
// function removes the subscription and closes the channel; it is safe to
// call more than once.
func (d *Dispatcher) Subscribe(jobID string) (<-chan api.ProgressUpdate, func()) {
	sub := &subscriber{
		jobID: jobID,
		ch:    make(chan api.ProgressUpdate, subscriberBuffer),
	}

	d.mu.Lock()
	d.subs[jobID] = append(d.subs[jobID], sub)
	d.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.remove(sub)
		})
	}

	return sub.ch, cancel
}

// Publish delivers an update to every subscriber of its job. Sends never
// block: a subscriber with a full buffer misses the update.
func (d *Dispatcher) Publish(update api.ProgressUpdate) {
	if update.JobID == "" {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, sub := range d.subs[update.JobID] {
		select {
		case sub.ch <- update:
		default:
			config.Log.WithField("job_id", update.JobID).Debug("Subscriber buffer full, dropping pushed update")
		}
	}
}

// SubscriberCount reports how many subscriptions exist for a job.
func (d *Dispatcher) SubscriberCount(jobID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[jobID])
}

// remove deletes the subscription and closes its channel. Closing happens
// under the write lock so Publish, which sends under the read lock, can
// never race a send against the close.
func (d *Dispatcher) remove(sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.subs[sub.jobID]
	for i, candidate := range subs {
		if candidate == sub {
			d.subs[sub.jobID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(d.subs[sub.jobID]) == 0 {
		delete(d.subs, sub.jobID)
	}
	close(sub.ch)
}
