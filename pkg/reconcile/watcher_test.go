package reconcile

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/pkg/api/client"
)

type apiStub struct {
	mu         sync.Mutex
	activeResp client.Lease
	activeErr  error
	endResp    client.Lease
	endErr     error
	endCalls   int
}

func (s *apiStub) ActiveSession(_ context.Context, _ string) (client.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeResp, s.activeErr
}

func (s *apiStub) EndSession(_ context.Context, _ string, _ int64) (client.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endCalls++
	return s.endResp, s.endErr
}

func (s *apiStub) endCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endCalls
}

func testLease(start time.Time, minutes int) client.Lease {
	return client.Lease{
		ID:              1,
		DesktopID:       2,
		StudentID:       "student-1",
		DurationMinutes: minutes,
		Status:          "active",
		StartedAt:       start,
	}
}

func newTestWatcher(api API, lease client.Lease, at time.Time) (*Watcher, *time.Time) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWatcher(api, "token", lease, logger, time.Second)
	clock := at
	w.now = func() time.Time { return clock }
	return w, &clock
}

func drain(w *Watcher) []Event {
	var out []Event
	for {
		select {
		case e := <-w.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestTickCountsDownFromServerClock(t *testing.T) {
	start := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	stub := &apiStub{}
	w, clock := newTestWatcher(stub, testLease(start, 60), start.Add(10*time.Minute))

	if done := w.tick(context.Background()); done {
		t.Fatal("tick reported done with 50 minutes left")
	}
	events := drain(w)
	if len(events) != 1 || events[0].Type != EventTick {
		t.Fatalf("events = %+v, want one tick", events)
	}
	if events[0].Remaining != 50*time.Minute {
		t.Fatalf("remaining = %s, want 50m", events[0].Remaining)
	}

	// A jump forward lands on the recomputed value, not a decrement.
	*clock = start.Add(55 * time.Minute)
	w.tick(context.Background())
	events = drain(w)
	last := events[len(events)-1]
	if last.Remaining != 5*time.Minute {
		t.Fatalf("remaining after jump = %s, want 5m", last.Remaining)
	}
}

func TestWarningsFireOnceEach(t *testing.T) {
	start := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	stub := &apiStub{}
	w, clock := newTestWatcher(stub, testLease(start, 60), start)

	warnings := 0
	for _, offset := range []time.Duration{50 * time.Minute, 50*time.Minute + time.Second, 55 * time.Minute, 59 * time.Minute, 59*time.Minute + time.Second} {
		*clock = start.Add(offset)
		w.tick(context.Background())
		for _, e := range drain(w) {
			if e.Type == EventWarning {
				warnings++
			}
		}
	}
	if warnings != 3 {
		t.Fatalf("warnings = %d, want 3 (10m, 5m, 1m)", warnings)
	}
}

func TestTickEndsSessionAtZero(t *testing.T) {
	start := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	stub := &apiStub{endResp: client.Lease{ID: 1, Status: "ended"}}
	w, clock := newTestWatcher(stub, testLease(start, 30), start)

	*clock = start.Add(30 * time.Minute)
	if done := w.tick(context.Background()); !done {
		t.Fatal("tick did not report done at deadline")
	}
	if stub.endCallCount() != 1 {
		t.Fatalf("end calls = %d, want 1", stub.endCallCount())
	}
	events := drain(w)
	if len(events) != 1 || events[0].Type != EventEnded {
		t.Fatalf("events = %+v, want one ended", events)
	}
}

func TestFinishToleratesNotFound(t *testing.T) {
	start := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	stub := &apiStub{endErr: client.APIError{Status: http.StatusNotFound}}
	w, clock := newTestWatcher(stub, testLease(start, 30), start)

	*clock = start.Add(31 * time.Minute)
	if done := w.tick(context.Background()); !done {
		t.Fatal("tick did not report done")
	}
	events := drain(w)
	if len(events) != 1 || events[0].Type != EventEnded {
		t.Fatalf("events = %+v, want one ended", events)
	}
}

func TestPollServerEndWins(t *testing.T) {
	start := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	stub := &apiStub{activeErr: client.APIError{Status: http.StatusNotFound}}
	w, _ := newTestWatcher(stub, testLease(start, 60), start.Add(time.Minute))

	if done := w.poll(context.Background()); !done {
		t.Fatal("poll did not report done on 404")
	}
	events := drain(w)
	if len(events) != 1 || events[0].Type != EventEnded {
		t.Fatalf("events = %+v, want one ended", events)
	}
	if stub.endCallCount() != 0 {
		t.Fatalf("end calls = %d, want 0 after server-side end", stub.endCallCount())
	}
}

func TestPollUnauthorizedEmitsReauth(t *testing.T) {
	start := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	stub := &apiStub{activeErr: client.APIError{Status: http.StatusUnauthorized}}
	w, _ := newTestWatcher(stub, testLease(start, 60), start.Add(time.Minute))

	if done := w.poll(context.Background()); !done {
		t.Fatal("poll did not report done on 401")
	}
	events := drain(w)
	if len(events) != 1 || events[0].Type != EventReauth {
		t.Fatalf("events = %+v, want one reauth", events)
	}
}

func TestPollTransientErrorKeepsState(t *testing.T) {
	start := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	stub := &apiStub{activeErr: client.APIError{Status: http.StatusInternalServerError}}
	w, clock := newTestWatcher(stub, testLease(start, 60), start.Add(time.Minute))

	if done := w.poll(context.Background()); done {
		t.Fatal("poll reported done on transient error")
	}
	drain(w)

	*clock = start.Add(2 * time.Minute)
	w.tick(context.Background())
	events := drain(w)
	if len(events) != 1 || events[0].Remaining != 58*time.Minute {
		t.Fatalf("events = %+v, want tick with 58m remaining", events)
	}
}

func TestPollRefreshesLease(t *testing.T) {
	start := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	extended := testLease(start, 120)
	stub := &apiStub{activeResp: extended}
	w, clock := newTestWatcher(stub, testLease(start, 60), start.Add(time.Minute))

	if done := w.poll(context.Background()); done {
		t.Fatal("poll reported done on refresh")
	}

	*clock = start.Add(2 * time.Minute)
	w.tick(context.Background())
	events := drain(w)
	if len(events) != 1 || events[0].Remaining != 118*time.Minute {
		t.Fatalf("events = %+v, want tick with 118m remaining", events)
	}
}
