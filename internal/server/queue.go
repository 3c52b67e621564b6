// Package server maintains the ordered pool of connections waiting to be
// paired and performs the random match selection.
package server

import (
	"fmt"
	"math/rand"
	"time"
)

// randSource abstracts the matcher's randomness so tests can supply a
// deterministic sequence and assert exact pairing outcomes.
type randSource interface {
	Intn(n int) int
}

func defaultRandSource() randSource {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// matchQueue is an ordered sequence of connection ids with no duplicates.
// All access happens on the hub goroutine.
type matchQueue struct {
	ids  []string
	rand randSource
}

func newMatchQueue(r randSource) *matchQueue {
	if r == nil {
		r = defaultRandSource()
	}
	return &matchQueue{rand: r}
}

// enqueue appends id to the tail. A duplicate is an error condition the
// caller logs; the queue is left unchanged.
func (q *matchQueue) enqueue(id string) error {
	if q.contains(id) {
		return fmt.Errorf("connection %s already queued", id)
	}
	q.ids = append(q.ids, id)
	return nil
}

// remove deletes id wherever it occurs; absent ids are a no-op.
func (q *matchQueue) remove(id string) {
	for i, queued := range q.ids {
		if queued == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			return
		}
	}
}

func (q *matchQueue) contains(id string) bool {
	for _, queued := range q.ids {
		if queued == id {
			return true
		}
	}
	return false
}

func (q *matchQueue) len() int {
	return len(q.ids)
}

// snapshot returns the current ordering for the periodic position broadcast.
func (q *matchQueue) snapshot() []string {
	return append([]string(nil), q.ids...)
}

// findAndReserveMatch selects a partner for requesterID uniformly at random
// from the eligible set: every queued id other than the requester whose
// connection still exists, is in state Queued, and has no room. On success
// both the requester and the selected id are removed from the queue before
// returning, so no later match attempt can observe either as eligible. The
// whole call runs inside one hub event, which is what makes it atomic.
func (q *matchQueue) findAndReserveMatch(requesterID string, registry *connectionRegistry) (string, bool) {
	eligible := make([]string, 0, len(q.ids))
	for _, id := range q.ids {
		if id == requesterID {
			continue
		}
		conn, ok := registry.lookup(id)
		if !ok || conn.state != stateQueued || conn.roomID != "" {
			continue
		}
		eligible = append(eligible, id)
	}

	if len(eligible) == 0 {
		return "", false
	}

	picked := eligible[q.rand.Intn(len(eligible))]
	q.remove(requesterID)
	q.remove(picked)
	return picked, true
}
