package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portal-bridge/internal/events"
	"portal-bridge/internal/strategy"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func direct(t *testing.T, name string, timeout time.Duration, methods ...string) strategy.Strategy {
	t.Helper()
	s, err := strategy.New(name, strategy.KindDirect, "", methods, timeout, strategy.CredentialsForward)
	require.NoError(t, err)
	return s
}

func relay(t *testing.T, name, prefix string, timeout time.Duration, methods ...string) strategy.Strategy {
	t.Helper()
	s, err := strategy.New(name, strategy.KindRelay, prefix, methods, timeout, strategy.CredentialsForward)
	require.NoError(t, err)
	return s
}

func newDispatcher(t *testing.T, strategies ...strategy.Strategy) *Dispatcher {
	t.Helper()
	reg, err := strategy.NewRegistry(strategies...)
	require.NoError(t, err)
	return New(reg, WithLogger(quietLogger()))
}

// statusServer answers every request with status and counts hits.
func statusServer(t *testing.T, status int, body string) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

// hangingServer never answers; it reports when the client aborted.
func hangingServer(t *testing.T) (*httptest.Server, chan struct{}) {
	t.Helper()
	aborted := make(chan struct{}, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			aborted <- struct{}{}
		case <-time.After(10 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	return srv, aborted
}

// deadURL points at a port nothing listens on.
func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func TestDispatch_FirstReachableStrategyWins(t *testing.T) {
	backend, backendHits := statusServer(t, http.StatusOK, "direct")
	relayA, relayAHits := statusServer(t, http.StatusOK, "relay-a")
	relayB, relayBHits := statusServer(t, http.StatusOK, "relay-b")

	d := newDispatcher(t,
		direct(t, "Direct", time.Second, "GET", "POST"),
		relay(t, "RelayA", relayA.URL+"/?", time.Second, "GET", "POST"),
		relay(t, "RelayB", relayB.URL+"/raw?url=", time.Second, "GET"),
	)

	resp, err := d.Dispatch(context.Background(), &LogicalRequest{Method: "GET", TargetURL: backend.URL + "/usage/"})
	require.NoError(t, err)

	assert.Equal(t, "Direct", resp.Strategy)
	assert.Equal(t, "direct", string(resp.Body))
	assert.Empty(t, resp.Attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(backendHits))
	assert.Equal(t, int32(0), atomic.LoadInt32(relayAHits))
	assert.Equal(t, int32(0), atomic.LoadInt32(relayBHits))
}

func TestDispatch_StatusCodeNeverTriggersFallback(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError, http.StatusBadGateway} {
		t.Run(fmt.Sprintf("status %d", status), func(t *testing.T) {
			backend, _ := statusServer(t, status, `{"detail":"nope"}`)
			relayA, relayHits := statusServer(t, http.StatusOK, "relay")

			d := newDispatcher(t,
				direct(t, "Direct", time.Second, "GET", "POST"),
				relay(t, "RelayA", relayA.URL+"/?", time.Second, "GET", "POST"),
			)

			resp, err := d.Dispatch(context.Background(), &LogicalRequest{Method: "POST", TargetURL: backend.URL})
			require.NoError(t, err)
			assert.Equal(t, status, resp.StatusCode)
			assert.Equal(t, "Direct", resp.Strategy)
			assert.Equal(t, `{"detail":"nope"}`, string(resp.Body))
			assert.Equal(t, int32(0), atomic.LoadInt32(relayHits))
		})
	}
}

func TestDispatch_IncompatibleStrategyNeverAttempted(t *testing.T) {
	getOnly, getOnlyHits := statusServer(t, http.StatusOK, "")
	fallback, _ := statusServer(t, http.StatusCreated, "")

	d := newDispatcher(t,
		direct(t, "Direct", time.Second, "GET", "POST"),
		relay(t, "GetOnly", getOnly.URL+"/?", time.Second, "GET"),
		relay(t, "Any", fallback.URL+"/?", time.Second, "GET", "POST"),
	)

	resp, err := d.Dispatch(context.Background(), &LogicalRequest{Method: "POST", TargetURL: deadURL(t)})
	require.NoError(t, err)

	assert.Equal(t, "Any", resp.Strategy)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{"Direct"}, resp.Attempts.Strategies())
	assert.Equal(t, int32(0), atomic.LoadInt32(getOnlyHits))
}

func TestDispatch_AllStrategiesFail(t *testing.T) {
	hanging, _ := hangingServer(t)

	d := newDispatcher(t,
		direct(t, "Direct", 50*time.Millisecond, "GET", "POST"),
		relay(t, "RelayA", deadURL(t)+"/?", time.Second, "GET", "POST"),
		relay(t, "RelayB", hanging.URL+"/raw?url=", 50*time.Millisecond, "GET"),
	)

	_, err := d.Dispatch(context.Background(), &LogicalRequest{Method: "GET", TargetURL: hanging.URL})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoPath))

	npe, ok := IsNoPath(err)
	require.True(t, ok)
	require.Len(t, npe.Attempts, 3)
	assert.Equal(t, []string{"Direct", "RelayA", "RelayB"}, npe.Attempts.Strategies())
	assert.Equal(t, FailureTimeout, npe.Attempts[0].Kind)
	assert.Equal(t, FailureNetwork, npe.Attempts[1].Kind)
	assert.Equal(t, FailureTimeout, npe.Attempts[2].Kind)

	// Records are in the order the attempts started
	assert.False(t, npe.Attempts[1].Timestamp.Before(npe.Attempts[0].Timestamp))
	assert.False(t, npe.Attempts[2].Timestamp.Before(npe.Attempts[1].Timestamp))

	assert.Contains(t, err.Error(), "last tried: RelayB")
	assert.Contains(t, err.Error(), "walled-garden")
}

func TestDispatch_TimeoutCancelsAttemptAndNextGetsFreshDeadline(t *testing.T) {
	hanging, aborted := hangingServer(t)

	// Answers after 150ms: longer than the first strategy's deadline,
	// well inside the second's.
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(slow.Close)

	d := newDispatcher(t,
		direct(t, "Direct", 100*time.Millisecond, "GET"),
		relay(t, "Relay", slow.URL+"/?", 2*time.Second, "GET"),
	)

	start := time.Now()
	resp, err := d.Dispatch(context.Background(), &LogicalRequest{Method: "GET", TargetURL: hanging.URL})
	require.NoError(t, err)

	assert.Equal(t, "Relay", resp.Strategy)
	require.Len(t, resp.Attempts, 1)
	assert.Equal(t, FailureTimeout, resp.Attempts[0].Kind)
	assert.Less(t, resp.Attempts[0].Elapsed, time.Second)
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed-out attempt was not aborted")
	}
}

func TestDispatch_ConcurrentCallsKeepIndependentLogs(t *testing.T) {
	backend, _ := statusServer(t, http.StatusOK, "ok")
	relaySrv, _ := statusServer(t, http.StatusAccepted, "relayed")
	dead := deadURL(t)

	d := newDispatcher(t,
		direct(t, "Direct", time.Second, "GET", "POST"),
		relay(t, "Relay", relaySrv.URL+"/?", time.Second, "GET", "POST"),
	)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			resp, err := d.Dispatch(context.Background(), &LogicalRequest{Method: "GET", TargetURL: dead})
			if err != nil {
				errs <- err
				return
			}
			if resp.Strategy != "Relay" || len(resp.Attempts) != 1 {
				errs <- fmt.Errorf("blocked call: strategy %s, attempts %v", resp.Strategy, resp.Attempts)
			}
		}()
		go func() {
			defer wg.Done()
			resp, err := d.Dispatch(context.Background(), &LogicalRequest{Method: "POST", TargetURL: backend.URL})
			if err != nil {
				errs <- err
				return
			}
			if resp.Strategy != "Direct" || len(resp.Attempts) != 0 {
				errs <- fmt.Errorf("direct call: strategy %s, attempts %v", resp.Strategy, resp.Attempts)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

// Scenario: POST, Direct times out, RelayA answers 401.
func TestDispatch_ScenarioPostDirectTimeoutRelayUnauthorized(t *testing.T) {
	hanging, _ := hangingServer(t)
	relayA, _ := statusServer(t, http.StatusUnauthorized, `{"detail":"Invalid credentials"}`)
	relayB, relayBHits := statusServer(t, http.StatusOK, "")

	d := newDispatcher(t,
		direct(t, "Direct", 60*time.Millisecond, "GET", "POST"),
		relay(t, "RelayA", relayA.URL+"/?", 2*time.Second, "GET", "POST"),
		relay(t, "RelayB", relayB.URL+"/raw?url=", 2*time.Second, "GET"),
	)

	resp, err := d.Dispatch(context.Background(), &LogicalRequest{
		Method:    "POST",
		TargetURL: hanging.URL + "/token/",
		Body:      []byte(`{"username":"u","password":"p"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "RelayA", resp.Strategy)
	require.Len(t, resp.Attempts, 1)
	assert.Equal(t, "Direct", resp.Attempts[0].Strategy)
	assert.Equal(t, FailureTimeout, resp.Attempts[0].Kind)
	assert.Equal(t, int32(0), atomic.LoadInt32(relayBHits))
}

// Scenario: GET, Direct and RelayA network errors, RelayB answers 200.
func TestDispatch_ScenarioGetFallsThroughToGetOnlyRelay(t *testing.T) {
	relayB, _ := statusServer(t, http.StatusOK, `{"checks":[]}`)

	d := newDispatcher(t,
		direct(t, "Direct", time.Second, "GET", "POST"),
		relay(t, "RelayA", deadURL(t)+"/?", time.Second, "GET", "POST"),
		relay(t, "RelayB", relayB.URL+"/raw?url=", time.Second, "GET"),
	)

	resp, err := d.Dispatch(context.Background(), &LogicalRequest{Method: "GET", TargetURL: deadURL(t) + "/usage/"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "RelayB", resp.Strategy)
	require.Len(t, resp.Attempts, 2)
	assert.Equal(t, []string{"Direct", "RelayA"}, resp.Attempts.Strategies())
	assert.Equal(t, FailureNetwork, resp.Attempts[0].Kind)
	assert.Equal(t, FailureNetwork, resp.Attempts[1].Kind)
}

// Scenario: POST with a GET-only last relay gives a no-path failure with two records.
func TestDispatch_ScenarioPostSkipsGetOnlyRelay(t *testing.T) {
	relayB, relayBHits := statusServer(t, http.StatusOK, "")

	d := newDispatcher(t,
		direct(t, "Direct", time.Second, "GET", "POST"),
		relay(t, "RelayA", deadURL(t)+"/?", time.Second, "GET", "POST"),
		relay(t, "RelayB", relayB.URL+"/raw?url=", time.Second, "GET"),
	)

	_, err := d.Dispatch(context.Background(), &LogicalRequest{Method: "POST", TargetURL: deadURL(t)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoPath)

	npe, ok := IsNoPath(err)
	require.True(t, ok)
	assert.Equal(t, []string{"Direct", "RelayA"}, npe.Attempts.Strategies())
	assert.Equal(t, int32(0), atomic.LoadInt32(relayBHits))
	assert.Contains(t, err.Error(), "last tried: RelayA")
}

func TestDispatch_NoCompatibleStrategy(t *testing.T) {
	d := newDispatcher(t,
		direct(t, "Direct", time.Second, "GET", "POST"),
	)

	_, err := d.Dispatch(context.Background(), &LogicalRequest{Method: "DELETE", TargetURL: "http://127.0.0.1/"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoPath)
	assert.ErrorIs(t, err, ErrNoCompatibleStrategy)

	npe, _ := IsNoPath(err)
	assert.Empty(t, npe.Attempts)
}

func TestDispatch_RelayReceivesEncodedTargetAndBody(t *testing.T) {
	type seen struct {
		method, target, body, auth string
	}
	got := make(chan seen, 1)
	relaySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- seen{r.Method, r.URL.Query().Get("url"), string(b), r.Header.Get("Authorization")}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(relaySrv.Close)

	omit, err := strategy.New("Relay", strategy.KindRelay, relaySrv.URL+"/raw?url=", []string{"POST"}, time.Second, strategy.CredentialsOmit)
	require.NoError(t, err)
	d := newDispatcher(t, omit)

	header := http.Header{}
	header.Set("Authorization", "Bearer abc")
	target := "https://portal.example.com/api/phone/verify/?a=1&b=2"

	_, err = d.Dispatch(context.Background(), &LogicalRequest{
		Method:    "post",
		TargetURL: target,
		Header:    header,
		Body:      []byte(`{"code":"1234"}`),
	})
	require.NoError(t, err)

	s := <-got
	assert.Equal(t, http.MethodPost, s.method)
	assert.Equal(t, target, s.target)
	assert.Equal(t, `{"code":"1234"}`, s.body)
	assert.Empty(t, s.auth)

	// The caller's request is not modified
	assert.Equal(t, "Bearer abc", header.Get("Authorization"))
}

func TestDispatch_ForwardsCredentialsDirect(t *testing.T) {
	auth := make(chan string, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
	}))
	t.Cleanup(backend.Close)

	d := newDispatcher(t, direct(t, "Direct", time.Second, "GET"))
	header := http.Header{"Authorization": []string{"Bearer abc"}}

	_, err := d.Dispatch(context.Background(), &LogicalRequest{Method: "GET", TargetURL: backend.URL, Header: header})
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", <-auth)
}

func TestDispatch_ParentContextCancelled(t *testing.T) {
	backend, hits := statusServer(t, http.StatusOK, "")
	d := newDispatcher(t, direct(t, "Direct", time.Second, "GET"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Dispatch(ctx, &LogicalRequest{Method: "GET", TargetURL: backend.URL})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrNoPath)
	assert.Equal(t, int32(0), atomic.LoadInt32(hits))
}

func TestDispatch_ParentCancelledMidAttempt(t *testing.T) {
	hanging, _ := hangingServer(t)
	fallback, fallbackHits := statusServer(t, http.StatusOK, "")

	d := newDispatcher(t,
		direct(t, "Direct", 5*time.Second, "GET"),
		relay(t, "Relay", fallback.URL+"/?", time.Second, "GET"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	_, err := d.Dispatch(ctx, &LogicalRequest{Method: "GET", TargetURL: hanging.URL})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	npe, ok := IsNoPath(err)
	require.True(t, ok)
	assert.Empty(t, npe.Attempts)
	assert.Equal(t, int32(0), atomic.LoadInt32(fallbackHits))
}

func TestDispatch_RejectedAttempts(t *testing.T) {
	loop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/again", http.StatusFound)
	}))
	t.Cleanup(loop.Close)

	d := newDispatcher(t,
		direct(t, "Direct", time.Second, "GET"),
		relay(t, "BadScheme", "gopher://relay.example/?", time.Second, "GET"),
	)

	_, err := d.Dispatch(context.Background(), &LogicalRequest{Method: "GET", TargetURL: loop.URL})
	require.Error(t, err)

	npe, ok := IsNoPath(err)
	require.True(t, ok)
	require.Len(t, npe.Attempts, 2)
	assert.Equal(t, FailureRejected, npe.Attempts[0].Kind)
	assert.Equal(t, FailureRejected, npe.Attempts[1].Kind)
}

func TestDispatch_TruncatesLargeBodies(t *testing.T) {
	backend, _ := statusServer(t, http.StatusOK, "0123456789")

	reg, err := strategy.NewRegistry(direct(t, "Direct", time.Second, "GET"))
	require.NoError(t, err)
	d := New(reg, WithLogger(quietLogger()), WithMaxBodyBytes(4))

	resp, err := d.Dispatch(context.Background(), &LogicalRequest{Method: "GET", TargetURL: backend.URL})
	require.NoError(t, err)
	assert.Equal(t, "0123", string(resp.Body))
	assert.True(t, resp.Truncated)
}

func TestDispatch_SetRegistry(t *testing.T) {
	backend, _ := statusServer(t, http.StatusOK, "")
	d := newDispatcher(t, direct(t, "Direct", time.Second, "GET"))

	next, err := strategy.NewRegistry(direct(t, "Replacement", time.Second, "GET"))
	require.NoError(t, err)
	d.SetRegistry(next)

	resp, err := d.Dispatch(context.Background(), &LogicalRequest{Method: "GET", TargetURL: backend.URL})
	require.NoError(t, err)
	assert.Equal(t, "Replacement", resp.Strategy)
	assert.Same(t, next, d.Registry())
}

func TestDispatch_PublishesOutcomes(t *testing.T) {
	backend, _ := statusServer(t, http.StatusOK, "")

	reg, err := strategy.NewRegistry(direct(t, "Direct", time.Second, "GET"))
	require.NoError(t, err)
	pub := &recordingPublisher{}
	d := New(reg, WithLogger(quietLogger()), WithPublisher(pub))

	ctx := WithRequestID(context.Background(), "req-test")
	_, err = d.Dispatch(ctx, &LogicalRequest{Method: "GET", TargetURL: backend.URL})
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, &LogicalRequest{Method: "GET", TargetURL: deadURL(t)})
	require.Error(t, err)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, 2)
	assert.Equal(t, events.EventDispatchSucceeded, pub.events[0].Type)
	assert.Equal(t, "req-test", pub.events[0].Data["request_id"])
	assert.Equal(t, "Direct", pub.events[0].Data["strategy"])
	assert.Equal(t, events.EventDispatchFailed, pub.events[1].Type)
}

// stallingBody sends headers promising a body, then withholds it.
func stallingBody(t *testing.T, status int) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(status)
		io.WriteString(w, `{"key":`)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestDispatch_StalledBodyDoesNotFallBack(t *testing.T) {
	backend, backendHits := stallingBody(t, http.StatusCreated)
	relayBackend, relayHits := statusServer(t, http.StatusCreated, `{"key":"second"}`)

	pub := &recordingPublisher{}
	obs := &recordingObserver{}
	reg, err := strategy.NewRegistry(
		direct(t, "Direct", 200*time.Millisecond, "POST"),
		relay(t, "Relay", relayBackend.URL+"/?", time.Second, "POST"),
	)
	require.NoError(t, err)
	d := New(reg, WithLogger(quietLogger()), WithPublisher(pub), WithObserver(obs))

	start := time.Now()
	_, err = d.Dispatch(context.Background(), &LogicalRequest{Method: "POST", TargetURL: backend.URL, Body: []byte(`{}`)})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.ErrorIs(t, err, ErrIncompleteResponse)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrNoPath)

	var ire *IncompleteResponseError
	require.ErrorAs(t, err, &ire)
	assert.Equal(t, "Direct", ire.Strategy)
	assert.Equal(t, http.StatusCreated, ire.StatusCode)
	assert.Equal(t, 7, ire.Received)
	assert.Empty(t, ire.Attempts)

	// One submission only
	assert.Equal(t, int32(1), atomic.LoadInt32(backendHits))
	assert.Equal(t, int32(0), atomic.LoadInt32(relayHits))

	pub.mu.Lock()
	require.Len(t, pub.events, 1)
	assert.Equal(t, events.EventDispatchFailed, pub.events[0].Type)
	assert.Equal(t, "Direct", pub.events[0].Data["strategy"])
	pub.mu.Unlock()

	obs.mu.Lock()
	require.Len(t, obs.got, 1)
	assert.Equal(t, "Direct", obs.got[0].winner)
	obs.mu.Unlock()
}

func TestDispatch_BodyGetsItsOwnDeadline(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(120 * time.Millisecond)
		w.Header().Set("Content-Length", "2")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(120 * time.Millisecond)
		io.WriteString(w, "ok")
	}))
	t.Cleanup(backend.Close)

	d := newDispatcher(t, direct(t, "Direct", 200*time.Millisecond, "GET"))

	// Headers and body together take longer than the strategy timeout
	resp, err := d.Dispatch(context.Background(), &LogicalRequest{Method: "GET", TargetURL: backend.URL})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, "Direct", resp.Strategy)
}

type observation struct {
	winner   string
	attempts AttemptLog
}

type recordingObserver struct {
	mu  sync.Mutex
	got []observation
}

func (o *recordingObserver) ObserveDispatch(winner string, attempts AttemptLog, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got = append(o.got, observation{winner: winner, attempts: attempts})
}

func TestDispatch_ObserverSeesCompletedDispatches(t *testing.T) {
	backend, _ := statusServer(t, http.StatusOK, "")
	dead := deadURL(t)

	reg, err := strategy.NewRegistry(
		direct(t, "Direct", time.Second, "GET"),
		relay(t, "Relay", backend.URL+"/?", time.Second, "GET"),
	)
	require.NoError(t, err)
	obs := &recordingObserver{}
	d := New(reg, WithLogger(quietLogger()), WithObserver(obs))

	_, err = d.Dispatch(context.Background(), &LogicalRequest{Method: "GET", TargetURL: backend.URL})
	require.NoError(t, err)
	_, err = d.Dispatch(context.Background(), &LogicalRequest{Method: "GET", TargetURL: dead})
	require.NoError(t, err)
	_, err = d.Dispatch(context.Background(), &LogicalRequest{Method: "POST", TargetURL: backend.URL})
	require.ErrorIs(t, err, ErrNoPath)

	// Aborted dispatches are not reported
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Dispatch(ctx, &LogicalRequest{Method: "GET", TargetURL: backend.URL})
	require.ErrorIs(t, err, context.Canceled)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.got, 3)
	assert.Equal(t, "Direct", obs.got[0].winner)
	assert.Empty(t, obs.got[0].attempts)
	assert.Equal(t, "Relay", obs.got[1].winner)
	assert.Equal(t, []string{"Direct"}, obs.got[1].attempts.Strategies())
	assert.Equal(t, "", obs.got[2].winner)
	assert.Empty(t, obs.got[2].attempts)
}

func TestDispatch_InvalidRequest(t *testing.T) {
	d := newDispatcher(t, direct(t, "Direct", time.Second, "GET"))

	_, err := d.Dispatch(context.Background(), nil)
	assert.Error(t, err)

	_, err = d.Dispatch(context.Background(), &LogicalRequest{Method: "GET"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoPath)
}
