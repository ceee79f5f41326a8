package runner

import "sync"

// subscriberBufferSize is the channel buffer for each feed subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// historySize is how many recent lines a new subscriber receives first.
const historySize = 16

// Feed broadcasts ordered, human-readable status lines. It is safe for
// concurrent use.
type Feed struct {
	mu      sync.Mutex
	subs    map[int]chan string
	nextID  int
	history []string
	closed  bool
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan string)}
}

// Subscribe returns a channel receiving status lines, starting with recent
// history, and an unsubscribe function. After Close the channel is closed
// once history has been delivered.
func (f *Feed) Subscribe() (<-chan string, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan string, subscriberBufferSize)
	for _, line := range f.history {
		ch <- line
	}
	if f.closed {
		close(ch)
		return ch, func() {}
	}

	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

// Publish sends a line to every subscriber. Lines are dropped for
// subscribers whose buffers are full.
func (f *Feed) Publish(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	f.history = append(f.history, line)
	if len(f.history) > historySize {
		f.history = f.history[len(f.history)-historySize:]
	}
	for _, ch := range f.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// History returns the retained recent lines, oldest first.
func (f *Feed) History() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.history...)
}

// Close ends the feed. Subscriber channels are closed and later Subscribe
// calls get only history.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
}
