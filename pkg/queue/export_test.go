package queue

import "time"

// SetClock replaces the queue's time source
func SetClock(q *Queue, now func() time.Time) {
	q.now = now
}
