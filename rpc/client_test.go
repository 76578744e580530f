package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

type testMethodFunction func(params []any) (result any, fault any)

// a minimal json-rpc server with one database `test`
type testServer struct {
	server *httptest.Server

	stateLock sync.Mutex
	methods   map[string]testMethodFunction
	counts    map[string]int
	logins    int
	bus       http.HandlerFunc
}

func newTestServer() *testServer {
	testServer := &testServer{
		methods: map[string]testMethodFunction{},
		counts:  map[string]int{},
	}
	testServer.bus = func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", testServer.handleRpc)
	mux.HandleFunc("/test/bus", func(w http.ResponseWriter, r *http.Request) {
		testServer.stateLock.Lock()
		bus := testServer.bus
		testServer.stateLock.Unlock()
		bus(w, r)
	})
	testServer.server = httptest.NewServer(mux)

	testServer.Method("common.db.login", func(params []any) (any, any) {
		testServer.stateLock.Lock()
		defer testServer.stateLock.Unlock()
		if params[0] != "admin" {
			return nil, []any{"LoginException", []any{"bad login"}}
		}
		testServer.logins += 1
		return []any{1, fmt.Sprintf("token%d", testServer.logins)}, nil
	})
	testServer.Method("common.db.logout", func(params []any) (any, any) {
		return nil, nil
	})
	return testServer
}

func (self *testServer) Method(method string, methodFunction testMethodFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.methods[method] = methodFunction
}

func (self *testServer) Bus(bus http.HandlerFunc) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.bus = bus
}

func (self *testServer) Count(method string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.counts[method]
}

func (self *testServer) Credentials(username string) *Credentials {
	return &Credentials{
		ServerAddress: self.server.URL,
		Database:      "test",
		Username:      username,
		Parameters: map[string]any{
			"password": "admin",
		},
	}
}

func (self *testServer) Close() {
	self.server.Close()
}

func (self *testServer) handleRpc(w http.ResponseWriter, r *http.Request) {
	request := &jsonRpcRequest{}
	if err := json.NewDecoder(r.Body).Decode(request); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	self.stateLock.Lock()
	self.counts[request.Method] += 1
	methodFunction, ok := self.methods[request.Method]
	self.stateLock.Unlock()

	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	result, fault := methodFunction(request.Params)
	switch v := fault.(type) {
	case nil:
	case int:
		http.Error(w, http.StatusText(v), v)
		return
	default:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": request.Id, "error": v})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"id": request.Id, "result": result})
}

func testClientSettings() *ClientSettings {
	settings := DefaultClientSettings()
	settings.HttpTimeout = 5 * time.Second
	settings.Bus.Timeout = 5 * time.Second
	settings.Bus.InitialWait = 10 * time.Millisecond
	settings.Bus.UrlWait = 10 * time.Millisecond
	return settings
}

func waitFor(t *testing.T, timeout time.Duration, test func() bool) {
	endTime := time.Now().Add(timeout)
	for !test() {
		if endTime.Before(time.Now()) {
			t.Fatal("timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLogin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	defer server.Close()

	client := NewClient(ctx, nil, testClientSettings())
	defer client.Close()

	assert.Equal(t, client.Session(), nil)

	session, err := client.Login(ctx, server.Credentials("admin"))
	assert.Equal(t, err, nil)
	assert.Equal(t, session.UserId, int64(1))
	assert.Equal(t, session.SessionToken, "token1")
	assert.Equal(t, session.Identifier(), "admin:1:token1")
	assert.Equal(t, client.Session(), session)

	connection := client.currentConnection()
	assert.Equal(t, connection.BaseUrl(), fmt.Sprintf("%s/test", server.server.URL))

	_, err = client.Login(ctx, server.Credentials("guest"))
	var authErr *AuthenticationError
	assert.Equal(t, errors.As(err, &authErr), true)
	assert.Equal(t, authErr.Message, "bad login")
	// a failed login keeps the active session
	assert.Equal(t, client.Session(), session)
}

func TestExecuteWithoutSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	defer server.Close()
	server.Method("model.party.party.read", func(params []any) (any, any) {
		return []any{}, nil
	})

	client := NewClient(ctx, nil, testClientSettings())
	defer client.Close()

	_, err := client.Execute(ctx, "model.party.party.read", []int64{1}, []string{"name"}, client.Context())
	assert.Equal(t, errors.Is(err, ErrUnauthenticated), true)
	assert.Equal(t, IsAuthentication(err), true)
	assert.Equal(t, server.Count("model.party.party.read"), 0)
}

func TestExecuteErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	defer server.Close()
	server.Method("model.party.party.write", func(params []any) (any, any) {
		return nil, []any{"UserError", []any{"The name is required."}}
	})
	server.Method("model.party.party.delete", func(params []any) (any, any) {
		return nil, http.StatusServiceUnavailable
	})
	server.Method("model.party.party.create", func(params []any) (any, any) {
		return nil, http.StatusUnauthorized
	})

	client := NewClient(ctx, nil, testClientSettings())
	defer client.Close()

	_, err := client.Login(ctx, server.Credentials("admin"))
	assert.Equal(t, err, nil)

	_, err = client.Execute(ctx, "model.party.party.write", []int64{1}, map[string]any{}, client.Context())
	fault, ok := FaultCode(err, "UserError")
	assert.Equal(t, ok, true)
	assert.Equal(t, fault.Message, "The name is required.")

	_, err = client.Execute(ctx, "model.party.party.delete", []int64{1}, client.Context())
	assert.Equal(t, IsUnavailable(err), true)

	_, err = client.Execute(ctx, "model.party.party.create", []any{}, client.Context())
	var authErr *AuthenticationError
	assert.Equal(t, errors.As(err, &authErr), true)
	assert.Equal(t, authErr.StatusCode, http.StatusUnauthorized)
}

func TestExecuteCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	defer server.Close()
	server.Method("model.party.party.fields_get", func(params []any) (any, any) {
		return map[string]any{"name": map[string]any{"type": "char"}}, nil
	})
	server.Method("model.party.party.read", func(params []any) (any, any) {
		return []any{map[string]any{"id": 1, "name": "A"}}, nil
	})
	server.Method("model.party.line.write", func(params []any) (any, any) {
		return nil, nil
	})

	client := NewClient(ctx, nil, testClientSettings())
	defer client.Close()

	_, err := client.Login(ctx, server.Credentials("admin"))
	assert.Equal(t, err, nil)

	fieldsGet := func(ctx context.Context) {
		fields, err := Execute[map[string]any](ctx, client, "model.party.party.fields_get", []string{}, map[string]any{})
		assert.Equal(t, err, nil)
		assert.Equal(t, len(fields), 1)
	}

	fieldsGet(ctx)
	fieldsGet(ctx)
	assert.Equal(t, server.Count("model.party.party.fields_get"), 1)

	// record data is never cached, and reading does not clear the metadata
	for range 2 {
		_, err := client.Execute(ctx, "model.party.party.read", []int64{1}, []string{"name"}, map[string]any{})
		assert.Equal(t, err, nil)
	}
	assert.Equal(t, server.Count("model.party.party.read"), 2)
	fieldsGet(ctx)
	assert.Equal(t, server.Count("model.party.party.fields_get"), 1)

	fieldsGet(WithoutCache(ctx))
	assert.Equal(t, server.Count("model.party.party.fields_get"), 2)
	// the bypassing call refreshed the entry
	fieldsGet(ctx)
	assert.Equal(t, server.Count("model.party.party.fields_get"), 2)

	// a mutation on another model clears the whole cache
	_, err = client.Execute(ctx, "model.party.line.write", []int64{1}, map[string]any{"name": "B"}, map[string]any{})
	assert.Equal(t, err, nil)
	fieldsGet(ctx)
	assert.Equal(t, server.Count("model.party.party.fields_get"), 3)

	client.ClearCache("model.party.party.")
	fieldsGet(ctx)
	assert.Equal(t, server.Count("model.party.party.fields_get"), 4)
}

func TestExecuteDevNoCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	defer server.Close()
	server.Method("model.party.party.read", func(params []any) (any, any) {
		return []any{}, nil
	})

	settings := testClientSettings()
	settings.Dev = true
	client := NewClient(ctx, nil, settings)
	defer client.Close()

	session, err := client.Login(ctx, server.Credentials("admin"))
	assert.Equal(t, err, nil)
	assert.Equal(t, session.CacheEnabled, false)

	for range 3 {
		_, err := client.Execute(ctx, "model.party.party.read", []int64{1}, []string{"name"}, map[string]any{})
		assert.Equal(t, err, nil)
	}
	assert.Equal(t, server.Count("model.party.party.read"), 3)
}

func TestSessionReplacedInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	defer server.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	server.Method("model.party.party.slow", func(params []any) (any, any) {
		close(started)
		<-release
		return true, nil
	})
	defer close(release)

	client := NewClient(ctx, nil, testClientSettings())
	defer client.Close()

	_, err := client.Login(ctx, server.Credentials("admin"))
	assert.Equal(t, err, nil)

	errs := make(chan error, 1)
	go func() {
		_, err := client.Execute(ctx, "model.party.party.slow", map[string]any{})
		errs <- err
	}()

	<-started
	session, err := client.Login(ctx, server.Credentials("admin"))
	assert.Equal(t, err, nil)
	assert.Equal(t, session.SessionToken, "token2")

	select {
	case err := <-errs:
		assert.Equal(t, errors.Is(err, ErrSessionClosed), true)
	case <-time.After(5 * time.Second):
		t.Fatal("in flight call not invalidated")
	}
}

func TestLogoutBestEffort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	defer server.Close()
	server.Method("common.db.logout", func(params []any) (any, any) {
		return nil, http.StatusInternalServerError
	})

	client := NewClient(ctx, nil, testClientSettings())
	defer client.Close()

	_, err := client.Login(ctx, server.Credentials("admin"))
	assert.Equal(t, err, nil)

	client.Logout(ctx)
	assert.Equal(t, server.Count("common.db.logout"), 1)
	assert.Equal(t, client.Session(), nil)

	_, err = client.Execute(ctx, "model.party.party.read", []int64{1}, map[string]any{})
	assert.Equal(t, errors.Is(err, ErrUnauthenticated), true)

	// no session is a noop
	client.Logout(ctx)
	assert.Equal(t, server.Count("common.db.logout"), 1)
}

func TestUnauthenticatedCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	defer server.Close()
	server.Method("common.server.version", func(params []any) (any, any) {
		return "7.0.0", nil
	})
	server.Method("common.db.list", func(params []any) (any, any) {
		return nil, http.StatusForbidden
	})

	client := NewClient(ctx, nil, testClientSettings())
	defer client.Close()

	version, err := client.ServerVersion(ctx, server.server.URL)
	assert.Equal(t, err, nil)
	assert.Equal(t, version, "7.0.0")

	databases, err := client.DbList(ctx, server.server.URL)
	assert.Equal(t, err, nil)
	assert.Equal(t, databases, []string{})

	server.Method("common.db.list", func(params []any) (any, any) {
		return []string{"test", "demo"}, nil
	})
	databases, err = client.DbList(ctx, server.server.URL)
	assert.Equal(t, err, nil)
	assert.Equal(t, databases, []string{"test", "demo"})
}

type testDispatcher struct {
	callbacks chan func()
}

func (self *testDispatcher) Post(callback func()) bool {
	self.callbacks <- callback
	return true
}

func TestExecuteAsync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	defer server.Close()
	server.Method("model.party.party.search_count", func(params []any) (any, any) {
		return 42, nil
	})

	dispatcher := &testDispatcher{
		callbacks: make(chan func(), 16),
	}
	client := NewClient(ctx, dispatcher, testClientSettings())
	defer client.Close()

	_, err := client.Login(ctx, server.Credentials("admin"))
	assert.Equal(t, err, nil)

	callback, results := NewBlockingApiCallback[int64]()
	ExecuteAsync[int64](ctx, client, dispatcher, callback, "model.party.party.search_count", []any{}, map[string]any{})

	// the result is only delivered on the dispatcher
	select {
	case <-results:
		t.Fatal("delivered off the dispatcher")
	case deliver := <-dispatcher.callbacks:
		deliver()
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
	result := <-results
	assert.Equal(t, result.Error, nil)
	assert.Equal(t, result.Result, int64(42))
}

func TestBusDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	defer server.Close()

	type poll struct {
		lastMessage any
		channels    []string
		auth        string
	}
	polls := make(chan poll, 16)
	var pollCount int
	var pollLock sync.Mutex
	server.Bus(func(w http.ResponseWriter, r *http.Request) {
		request := &busPollRequest{}
		json.NewDecoder(r.Body).Decode(request)
		polls <- poll{
			lastMessage: request.LastMessage,
			channels:    request.Channels,
			auth:        r.Header.Get("Authorization"),
		}

		pollLock.Lock()
		pollCount += 1
		n := pollCount
		pollLock.Unlock()

		if n == 1 {
			json.NewEncoder(w).Encode(map[string]any{
				"message": map[string]any{
					"message_id": 7,
					"type":       "notification",
					"title":      "Hello",
				},
			})
			return
		}
		<-r.Context().Done()
	})

	client := NewClient(ctx, nil, testClientSettings())
	defer client.Close()

	messages := make(chan *BusMessage, 16)
	client.AddBusHandler(func(message *BusMessage) {
		messages <- message
	})

	stateChanged := client.BusStateNotify()
	session, err := client.Login(ctx, server.Credentials("admin"))
	assert.Equal(t, err, nil)

	first := <-polls
	assert.Equal(t, first.lastMessage, nil)
	select {
	case <-stateChanged:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
	assert.Equal(t, first.channels, client.Channels())
	assert.Equal(t, first.auth, session.Authorization())

	select {
	case message := <-messages:
		assert.Equal(t, message.Type, "notification")
		assert.Equal(t, message.String("title"), "Hello")
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}

	second := <-polls
	// the message id is echoed back
	assert.Equal(t, second.lastMessage, float64(7))

	waitFor(t, 5*time.Second, func() bool {
		return client.BusState() == BusStatePolling
	})
}

func TestBusRedirect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	defer server.Close()

	server.Bus(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/test/bus2", http.StatusTemporaryRedirect)
	})
	var deliveredLock sync.Mutex
	delivered := false
	server.server.Config.Handler.(*http.ServeMux).HandleFunc("/test/bus2", func(w http.ResponseWriter, r *http.Request) {
		deliveredLock.Lock()
		first := !delivered
		delivered = true
		deliveredLock.Unlock()
		if first {
			json.NewEncoder(w).Encode(map[string]any{
				"message": map[string]any{"message_id": 1, "type": "redirected"},
			})
			return
		}
		<-r.Context().Done()
	})

	client := NewClient(ctx, nil, testClientSettings())
	defer client.Close()

	messages := make(chan *BusMessage, 16)
	client.AddBusHandler(func(message *BusMessage) {
		messages <- message
	})

	_, err := client.Login(ctx, server.Credentials("admin"))
	assert.Equal(t, err, nil)

	select {
	case message := <-messages:
		assert.Equal(t, message.Type, "redirected")
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
}

func TestBusNotSupported(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	defer server.Close()

	var pollLock sync.Mutex
	pollCount := 0
	server.Bus(func(w http.ResponseWriter, r *http.Request) {
		pollLock.Lock()
		pollCount += 1
		pollLock.Unlock()
		http.Error(w, "not implemented", http.StatusNotImplemented)
	})

	client := NewClient(ctx, nil, testClientSettings())
	defer client.Close()

	_, err := client.Login(ctx, server.Credentials("admin"))
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		return client.BusState() == BusStateTerminated
	})
	// the session stays usable
	assert.NotEqual(t, client.Session(), nil)

	time.Sleep(50 * time.Millisecond)
	pollLock.Lock()
	assert.Equal(t, pollCount, 1)
	pollLock.Unlock()
}

func TestBusBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	defer server.Close()

	var pollLock sync.Mutex
	pollCount := 0
	server.Bus(func(w http.ResponseWriter, r *http.Request) {
		pollLock.Lock()
		pollCount += 1
		n := pollCount
		pollLock.Unlock()
		switch {
		case n <= 5:
			http.Error(w, "error", http.StatusInternalServerError)
		case n == 6:
			json.NewEncoder(w).Encode(map[string]any{
				"message": map[string]any{"message_id": 1, "type": "ok"},
			})
		case n == 7:
			http.Error(w, "error", http.StatusInternalServerError)
		default:
			<-r.Context().Done()
		}
	})

	settings := testClientSettings()
	settings.Bus.InitialWait = 1 * time.Second
	settings.Bus.Timeout = 10 * time.Second

	client := NewClient(ctx, nil, settings)
	defer client.Close()

	var sleepLock sync.Mutex
	sleeps := []time.Duration{}
	client.after = func(d time.Duration) <-chan time.Time {
		sleepLock.Lock()
		defer sleepLock.Unlock()
		sleeps = append(sleeps, d)
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}

	messages := make(chan *BusMessage, 16)
	client.AddBusHandler(func(message *BusMessage) {
		messages <- message
	})

	_, err := client.Login(ctx, server.Credentials("admin"))
	assert.Equal(t, err, nil)

	select {
	case <-messages:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}

	waitFor(t, 5*time.Second, func() bool {
		sleepLock.Lock()
		defer sleepLock.Unlock()
		return len(sleeps) == 6
	})

	sleepLock.Lock()
	defer sleepLock.Unlock()
	assert.Equal(t, sleeps, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		// reset after the success
		1 * time.Second,
	})
}

func TestBusSessionReplaced(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	defer server.Close()

	client := NewClient(ctx, nil, testClientSettings())
	defer client.Close()

	_, err := client.Login(ctx, server.Credentials("admin"))
	assert.Equal(t, err, nil)

	client.stateLock.RLock()
	bus := client.bus
	client.stateLock.RUnlock()

	waitFor(t, 5*time.Second, func() bool {
		return bus.State() == BusStatePolling
	})

	_, err = client.Login(ctx, server.Credentials("admin"))
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		return bus.State() == BusStateTerminated
	})
	waitFor(t, 5*time.Second, func() bool {
		return client.BusState() == BusStatePolling
	})

	client.Logout(ctx)
	assert.Equal(t, client.BusState(), BusStateIdle)
}

func testSessionToken(expiresAt time.Time) string {
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub": "admin",
		"exp": expiresAt.Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		panic(err)
	}
	return token
}

func TestExecuteExpiredSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	defer server.Close()
	server.Method("model.party.party.read", func(params []any) (any, any) {
		return []any{}, nil
	})
	var pollLock sync.Mutex
	pollCount := 0
	server.Bus(func(w http.ResponseWriter, r *http.Request) {
		pollLock.Lock()
		pollCount += 1
		pollLock.Unlock()
		<-r.Context().Done()
	})

	client := NewClient(ctx, nil, testClientSettings())
	defer client.Close()

	// a token that is still valid
	expiresAt := time.Now().Add(time.Hour)
	server.Method("common.db.login", func(params []any) (any, any) {
		return []any{1, testSessionToken(expiresAt)}, nil
	})
	session, err := client.Login(ctx, server.Credentials("admin"))
	assert.Equal(t, err, nil)
	assert.Equal(t, session.ExpiresAt.Unix(), expiresAt.Unix())
	_, err = client.Execute(ctx, "model.party.party.read", []int64{1}, []string{"name"}, map[string]any{})
	assert.Equal(t, err, nil)
	assert.Equal(t, server.Count("model.party.party.read"), 1)
	waitFor(t, 5*time.Second, func() bool {
		pollLock.Lock()
		defer pollLock.Unlock()
		return pollCount == 1
	})

	// an expired token fails locally and stops the bus
	server.Method("common.db.login", func(params []any) (any, any) {
		return []any{1, testSessionToken(time.Now().Add(-time.Minute))}, nil
	})
	session, err = client.Login(ctx, server.Credentials("admin"))
	assert.Equal(t, err, nil)
	assert.Equal(t, session.Expired(time.Now()), true)

	_, err = client.Execute(ctx, "model.party.party.read", []int64{1}, []string{"name"}, map[string]any{})
	var authErr *AuthenticationError
	assert.Equal(t, errors.As(err, &authErr), true)
	assert.Equal(t, authErr.Expired, true)
	assert.Equal(t, IsAuthentication(err), true)
	assert.Equal(t, server.Count("model.party.party.read"), 1)

	waitFor(t, 5*time.Second, func() bool {
		return client.BusState() == BusStateTerminated
	})
	pollLock.Lock()
	assert.Equal(t, pollCount, 1)
	pollLock.Unlock()
}
