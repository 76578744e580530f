package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		HttpTimeout:         defaultHttpTimeout,
		HttpConnectTimeout:  defaultHttpConnectTimeout,
		HttpTlsTimeout:      defaultHttpTlsTimeout,
		MaxIdleConnsPerHost: 8,
		LogoutTimeout:       5 * time.Second,
		Dev:                 false,
		CacheTimeout:        5 * time.Minute,
		CacheableMethods:    DefaultCacheableMethods(),
		ReadOnlyMethods:     DefaultReadOnlyMethods(),
		Language:            "en",
		Bus:                 DefaultBusSettings(),
	}
}

type ClientSettings struct {
	HttpTimeout         time.Duration
	HttpConnectTimeout  time.Duration
	HttpTlsTimeout      time.Duration
	MaxIdleConnsPerHost int
	LogoutTimeout       time.Duration

	// development mode disables the response cache so every call reaches the server
	Dev              bool
	CacheTimeout     time.Duration
	CacheableMethods []string
	ReadOnlyMethods  []string

	Language string

	Bus *BusSettings
}

type BusHandlerFunction = func(message *BusMessage)

// the client runtime
// owns the single active session and its pooled connection.
// Each client is independent, so tests can run several sessions side by side.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings   *ClientSettings
	dispatcher Dispatcher

	// stable for the life of the process run
	clientId Id

	stateLock  sync.RWMutex
	connection *Connection
	bus        *busListener

	busHandlers     *CallbackList[BusHandlerFunction]
	busStateMonitor *StateMonitor[BusState]

	// test seam for the bus backoff sleeps
	after func(time.Duration) <-chan time.Time
}

func NewClientWithDefaults(ctx context.Context, dispatcher Dispatcher) *Client {
	return NewClient(ctx, dispatcher, DefaultClientSettings())
}

func NewClient(ctx context.Context, dispatcher Dispatcher, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:             cancelCtx,
		cancel:          cancel,
		settings:        settings,
		dispatcher:      dispatcher,
		clientId:        NewId(),
		busHandlers:     NewCallbackList[BusHandlerFunction](),
		busStateMonitor: NewStateMonitor(BusStateIdle),
		after:           time.After,
	}
	client.AddBusHandler(logNotification)
	return client
}

func (self *Client) ClientId() Id {
	return self.clientId
}

// the bus channels this client listens on
func (self *Client) Channels() []string {
	return []string{fmt.Sprintf("client:%s", self.clientId)}
}

// the base rpc context. Callers merge their own keys into a copy.
func (self *Client) Context() map[string]any {
	return map[string]any{
		"client":   self.clientId.String(),
		"language": self.settings.Language,
	}
}

// nil when logged out
func (self *Client) Session() *Session {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	if self.connection == nil {
		return nil
	}
	return self.connection.session
}

func (self *Client) currentConnection() *Connection {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	return self.connection
}

func (self *Client) isActive(connection *Connection) bool {
	return self.currentConnection() == connection
}

func (self *Client) BusState() BusState {
	self.stateLock.RLock()
	bus := self.bus
	self.stateLock.RUnlock()
	if bus == nil {
		return BusStateIdle
	}
	return bus.State()
}

// closed on the next state change reported by a bus listener
func (self *Client) BusStateNotify() <-chan struct{} {
	_, notify := self.busStateMonitor.State()
	return notify
}

// performs a single authenticating call then replaces the active session
// the previous pooled connection is closed, invalidating its in flight calls
func (self *Client) Login(ctx context.Context, credentials *Credentials) (*Session, error) {
	parameters := credentials.Parameters
	if parameters == nil {
		parameters = map[string]any{}
	}
	language := credentials.Language
	if language == "" {
		language = self.settings.Language
	}

	glog.Infof("[rpc]common.db.login(%s, %v, %s)\n", credentials.Username, maskParameters(parameters), language)

	loginConnection := newConnection(self.ctx, nil, self.settings)
	defer loginConnection.Close()
	request := &jsonRpcRequest{
		Id:     1,
		Method: "common.db.login",
		Params: []any{credentials.Username, parameters, language},
	}
	url := databaseUrl(credentials.ServerAddress, credentials.Database)
	result, err := post(ctx, loginConnection.client, url, "", request)
	if err != nil {
		glog.Infof("[rpc]login %s error = %s\n", credentials.Username, err)
		if fault, ok := FaultCode(err, "LoginException", "403", "401"); ok {
			return nil, &AuthenticationError{Message: fault.Message}
		}
		return nil, err
	}

	loginResult, err := DecodeResult[[]any](result.result)
	if err != nil {
		return nil, err
	}
	if len(loginResult) < 2 {
		return nil, &AuthenticationError{Message: "bad credentials"}
	}
	userId, err := toInt64(loginResult[0])
	if err != nil {
		return nil, fmt.Errorf("login user id: %w", err)
	}
	tokenParts := []string{}
	for _, part := range loginResult[1:] {
		tokenParts = append(tokenParts, fmt.Sprint(part))
	}

	session := &Session{
		ServerAddress: normalizeServerAddress(credentials.ServerAddress),
		Database:      credentials.Database,
		Username:      credentials.Username,
		UserId:        userId,
		SessionToken:  strings.Join(tokenParts, ":"),
		CacheEnabled:  !self.settings.Dev,
	}
	if claims, err := ParseSessionTokenUnverified(session.SessionToken); err == nil {
		session.ExpiresAt = claims.ExpiresAt
	}

	connection := newConnection(self.ctx, session, self.settings)
	connection.setBaseUrl(result.url)
	self.replaceConnection(connection)

	glog.Infof("[rpc]login %s\n", session)
	return session, nil
}

func (self *Client) replaceConnection(connection *Connection) {
	var previous *Connection
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		previous = self.connection
		self.connection = connection
		self.bus = nil
		if connection != nil {
			// the listener of the previous connection observes the change and exits
			self.bus = newBusListener(self, connection, self.settings.Bus)
			go self.bus.run()
		}
	}()
	if previous != nil {
		previous.Close()
	}
}

// best effort notifies the server, then always tears down the local session
func (self *Client) Logout(ctx context.Context) {
	connection := self.currentConnection()
	if connection == nil {
		return
	}

	func() {
		logoutCtx, logoutCancel := context.WithTimeout(ctx, self.settings.LogoutTimeout)
		defer logoutCancel()
		glog.Infof("[rpc]common.db.logout()\n")
		if _, err := connection.call(logoutCtx, "common.db.logout", []any{}); err != nil {
			glog.Infof("[rpc]logout error = %s\n", err)
		}
	}()

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.connection == connection {
			self.connection = nil
			self.bus = nil
		}
	}()
	connection.Close()
}

// Executor implementation
func (self *Client) Execute(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	connection := self.currentConnection()
	if connection == nil {
		return nil, fmt.Errorf("%s: %w", method, ErrUnauthenticated)
	}
	if session := connection.session; session.Expired(time.Now()) {
		glog.Infof("[rpc]%s session expired at %s\n", method, session.ExpiresAt)
		return nil, fmt.Errorf("%s: %w", method, &AuthenticationError{
			Message: "session expired",
			Expired: true,
		})
	}

	glog.Infof("[rpc]%s%v\n", method, args)
	call := func() (json.RawMessage, error) {
		return connection.call(ctx, method, args)
	}
	var result json.RawMessage
	var err error
	if glog.V(2) {
		result, err = TraceWithReturnError(fmt.Sprintf("[rpc]%s", method), call)
	} else {
		result, err = call()
	}
	if err != nil {
		if IsUnavailable(err) {
			glog.Infof("[rpc]%s unavailable = %s\n", method, err)
		} else {
			glog.V(1).Infof("[rpc]%s error = %s\n", method, err)
		}
		return nil, err
	}
	glog.V(2).Infof("[rpc]%s = %s\n", method, result)
	return result, nil
}

func (self *Client) ClearCache(prefix string) {
	if connection := self.currentConnection(); connection != nil {
		connection.ClearCache(prefix)
	}
}

func (self *Client) AddBusHandler(busHandler BusHandlerFunction) func() {
	return self.busHandlers.Add(busHandler)
}

// delivers on the ui execution context, never on the bus goroutine when a dispatcher is set
func (self *Client) dispatchBusMessage(message *BusMessage) {
	handle := func() {
		for _, busHandler := range self.busHandlers.Get() {
			HandleError("bus", func() {
				busHandler(message)
			})
		}
	}
	if self.dispatcher == nil || !self.dispatcher.Post(handle) {
		handle()
	}
}

func (self *Client) Close() {
	self.replaceConnection(nil)
	self.cancel()
}

// unauthenticated helpers

func (self *Client) ServerVersion(ctx context.Context, serverAddress string) (string, error) {
	result, err := self.unauthenticated(ctx, serverAddress, "common.server.version")
	if err != nil {
		return "", err
	}
	return DecodeResult[string](result)
}

// an empty list when the server disables database listing
func (self *Client) DbList(ctx context.Context, serverAddress string) ([]string, error) {
	result, err := self.unauthenticated(ctx, serverAddress, "common.db.list")
	if err != nil {
		if _, ok := FaultCode(err, "403"); ok {
			return []string{}, nil
		}
		var authErr *AuthenticationError
		if errors.As(err, &authErr) && authErr.StatusCode == 403 {
			return []string{}, nil
		}
		return nil, err
	}
	return DecodeResult[[]string](result)
}

func (self *Client) unauthenticated(ctx context.Context, serverAddress string, method string) (json.RawMessage, error) {
	connection := newConnection(self.ctx, nil, self.settings)
	defer connection.Close()
	glog.V(1).Infof("[rpc]%s()\n", method)
	request := &jsonRpcRequest{
		Id:     1,
		Method: method,
		Params: []any{},
	}
	result, err := post(ctx, connection.client, databaseUrl(serverAddress, ""), "", request)
	if err != nil {
		return nil, err
	}
	return result.result, nil
}

// copies the base context and merges `context` over it
func MergeContext(base map[string]any, context map[string]any) map[string]any {
	merged := maps.Clone(base)
	if merged == nil {
		merged = map[string]any{}
	}
	maps.Copy(merged, context)
	return merged
}
