package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/thruflo/bulkwatch/internal/job"
)

// StatusReply is one scripted answer from FakeClient.Status.
type StatusReply struct {
	Status *job.Status
	Err    error
}

// Running returns a reply reporting the job as running with the given
// progress.
func Running(p job.Snapshot) StatusReply {
	return StatusReply{Status: &job.Status{State: job.StateRunning, Progress: &p}}
}

// Completed returns a reply reporting the job as completed.
func Completed(p job.Snapshot, s *job.Summary) StatusReply {
	return StatusReply{Status: &job.Status{State: job.StateCompleted, Progress: &p, Summary: s}}
}

// Failed returns a reply reporting a server-side failure.
func Failed(msg string) StatusReply {
	return StatusReply{Status: &job.Status{State: job.StateFailed, Error: msg}}
}

// PollError returns a reply that fails the status request.
func PollError(err error) StatusReply {
	return StatusReply{Err: err}
}

// FakeClient is a scripted job.Client. Jobs queued with QueueJob are handed
// out in order by Start; each job's status replies are returned in order and
// the last one repeats.
type FakeClient struct {
	// StartErr, when set, fails every Start.
	StartErr error
	// StartHook, when set, replaces the default Start behaviour.
	StartHook func(ctx context.Context, req job.StartRequest) (string, error)
	// StopAck is returned by Stop.
	StopAck bool
	// StopErr, when set, fails every Stop.
	StopErr error
	// StopHook, when set, runs before Stop answers.
	StopHook func(ctx context.Context, jobID string)

	mu          sync.Mutex
	queue       []string
	replies     map[string][]StatusReply
	statusCalls map[string]int
	starts      []job.StartRequest
	stops       []string
	next        int
}

// NewFakeClient returns a FakeClient that acknowledges stops.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		StopAck:     true,
		replies:     make(map[string][]StatusReply),
		statusCalls: make(map[string]int),
	}
}

// QueueJob schedules the next job identifier Start returns and the status
// replies for it.
func (f *FakeClient) QueueJob(jobID string, replies ...StatusReply) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, jobID)
	f.replies[jobID] = replies
	return f
}

func (f *FakeClient) Start(ctx context.Context, req job.StartRequest) (string, error) {
	f.mu.Lock()
	f.starts = append(f.starts, req)
	hook := f.StartHook
	f.mu.Unlock()

	if hook != nil {
		return hook(ctx, req)
	}
	if f.StartErr != nil {
		return "", f.StartErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) > 0 {
		id := f.queue[0]
		f.queue = f.queue[1:]
		return id, nil
	}
	f.next++
	return fmt.Sprintf("job-%d", f.next), nil
}

func (f *FakeClient) Status(ctx context.Context, jobID string) (*job.Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.statusCalls[jobID]
	f.statusCalls[jobID] = i + 1

	replies := f.replies[jobID]
	if len(replies) == 0 {
		return &job.Status{State: job.StateRunning}, nil
	}
	if i >= len(replies) {
		i = len(replies) - 1
	}
	r := replies[i]
	return r.Status, r.Err
}

func (f *FakeClient) Stop(ctx context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	f.stops = append(f.stops, jobID)
	hook := f.StopHook
	f.mu.Unlock()

	if hook != nil {
		hook(ctx, jobID)
	}
	return f.StopAck, f.StopErr
}

// Starts returns every request passed to Start.
func (f *FakeClient) Starts() []job.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]job.StartRequest(nil), f.starts...)
}

// StatusCalls returns how often Status was called for jobID.
func (f *FakeClient) StatusCalls(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls[jobID]
}

// Stops returns the job identifiers passed to Stop.
func (f *FakeClient) Stops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stops...)
}

// FakeEventSource is an in-memory job.EventSource. Like a real push
// channel, a subscriber only sees events emitted while it is subscribed.
type FakeEventSource struct {
	// SubscribeErr, when set, fails every Subscribe.
	SubscribeErr error
	// ReplayHistory makes every new subscription begin with all events
	// emitted so far.
	ReplayHistory bool

	mu         sync.Mutex
	history    []job.Event
	subs       map[chan job.Event]struct{}
	subscribed chan struct{}
}

// NewFakeEventSource creates an empty source.
func NewFakeEventSource() *FakeEventSource {
	return &FakeEventSource{
		subs:       make(map[chan job.Event]struct{}),
		subscribed: make(chan struct{}, 64),
	}
}

func (f *FakeEventSource) Subscribe(ctx context.Context) (<-chan job.Event, error) {
	if f.SubscribeErr != nil {
		return nil, f.SubscribeErr
	}

	f.mu.Lock()
	ch := make(chan job.Event, len(f.history)+64)
	if f.ReplayHistory {
		for _, ev := range f.history {
			ch <- ev
		}
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.closeSub(ch)
	}()

	select {
	case f.subscribed <- struct{}{}:
	default:
	}
	return ch, nil
}

// Emit records ev and delivers it to every current subscriber.
func (f *FakeEventSource) Emit(ev job.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.history = append(f.history, ev)
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Reconnect tells every subscriber that the connection was re-established
// and events may have been missed.
func (f *FakeEventSource) Reconnect() {
	f.Emit(job.Event{Kind: job.EventReconnected})
}

// Disconnect closes every current subscription, as a lost connection would.
func (f *FakeEventSource) Disconnect() {
	f.mu.Lock()
	chans := make([]chan job.Event, 0, len(f.subs))
	for ch := range f.subs {
		chans = append(chans, ch)
	}
	f.mu.Unlock()

	for _, ch := range chans {
		f.closeSub(ch)
	}
}

// Subscribers returns the number of open subscriptions.
func (f *FakeEventSource) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Subscribed receives a value for each successful Subscribe.
func (f *FakeEventSource) Subscribed() <-chan struct{} {
	return f.subscribed
}

func (f *FakeEventSource) closeSub(ch chan job.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[ch]; ok {
		delete(f.subs, ch)
		close(ch)
	}
}
