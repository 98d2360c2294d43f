package events

// EventQueue is a first-in first-out queue of events. Events are delivered in exactly
// the order they were pushed; timestamps play no part in ordering.
type EventQueue struct {
	events []Event
	head   int
}

// NewEventQueue creates a new event queue
func NewEventQueue() *EventQueue {
	return &EventQueue{
		events: make([]Event, 0, 1024),
	}
}

// Push adds an event to the back of the queue
func (q *EventQueue) Push(e Event) {
	q.events = append(q.events, e)
}

// Pop removes and returns the front event, or nil when the queue is empty
func (q *EventQueue) Pop() Event {
	if q.head >= len(q.events) {
		return nil
	}
	e := q.events[q.head]
	q.events[q.head] = nil
	q.head++

	// Reclaim the consumed prefix once it dominates the backing array.
	if q.head == len(q.events) {
		q.events = q.events[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 > len(q.events) {
		n := copy(q.events, q.events[q.head:])
		for i := n; i < len(q.events); i++ {
			q.events[i] = nil
		}
		q.events = q.events[:n]
		q.head = 0
	}
	return e
}

// Peek returns the next event without removing it
func (q *EventQueue) Peek() Event {
	if q.head >= len(q.events) {
		return nil
	}
	return q.events[q.head]
}

// Len returns the number of events in the queue
func (q *EventQueue) Len() int {
	return len(q.events) - q.head
}

// Clear removes all events from the queue
func (q *EventQueue) Clear() {
	for i := range q.events {
		q.events[i] = nil
	}
	q.events = q.events[:0]
	q.head = 0
}
