package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
)

func defaultTransport(settings *ClientSettings) *http.Transport {
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	return &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
		MaxIdleConnsPerHost: settings.MaxIdleConnsPerHost,
	}
}

// a pooled connection bound to one session
// safe for concurrent use by multiple in flight calls
// closing the connection invalidates all in flight calls with `ErrSessionClosed`
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	session   *Session
	url       string
	transport *http.Transport
	client    *http.Client
	// nil when caching is disabled
	cache *responseCache

	requestId atomic.Uint64

	baseUrlLock sync.Mutex
	baseUrl     string
	baseUrlSet  chan struct{}
}

func newConnection(ctx context.Context, session *Session, settings *ClientSettings) *Connection {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := defaultTransport(settings)
	var cache *responseCache
	if session != nil && session.CacheEnabled {
		cache = newResponseCache(settings.CacheTimeout, settings.CacheableMethods, settings.ReadOnlyMethods)
	}
	var url string
	if session != nil {
		url = databaseUrl(session.ServerAddress, session.Database)
	}
	return &Connection{
		ctx:       cancelCtx,
		cancel:    cancel,
		session:   session,
		url:       url,
		transport: transport,
		client: &http.Client{
			Transport: transport,
			Timeout:   settings.HttpTimeout,
		},
		cache:      cache,
		baseUrlSet: make(chan struct{}),
	}
}

func (self *Connection) Session() *Session {
	return self.session
}

// the server base url, including the database, without trailing slash
// empty until the first successful call resolves it
func (self *Connection) BaseUrl() string {
	self.baseUrlLock.Lock()
	defer self.baseUrlLock.Unlock()
	return self.baseUrl
}

func (self *Connection) setBaseUrl(url string) {
	self.baseUrlLock.Lock()
	defer self.baseUrlLock.Unlock()
	if self.baseUrl != "" {
		return
	}
	self.baseUrl = strings.TrimRight(url, "/")
	close(self.baseUrlSet)
}

func (self *Connection) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Connection) Close() {
	self.cancel()
	self.transport.CloseIdleConnections()
}

func (self *Connection) ClearCache(prefix string) {
	if self.cache != nil {
		self.cache.Clear(prefix)
	}
}

func (self *Connection) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if self.cache != nil {
		if self.cache.Cacheable(method) {
			if cacheBypassed(ctx) {
				glog.V(2).Infof("[rpc]cache bypass %s\n", method)
			} else if result, ok := self.cache.Get(method, params); ok {
				glog.V(2).Infof("[rpc]cache hit %s\n", method)
				return result, nil
			}
		} else if self.cache.Invalidate(method) {
			glog.V(2).Infof("[rpc]cache cleared by %s\n", method)
		}
	}

	// the call ends when either the caller gives up or the session is replaced
	callCtx, callCancel := context.WithCancel(ctx)
	defer callCancel()
	stop := context.AfterFunc(self.ctx, callCancel)
	defer stop()

	request := &jsonRpcRequest{
		Id:     self.requestId.Add(1),
		Method: method,
		Params: params,
	}
	result, err := post(callCtx, self.client, self.url, self.session.Authorization(), request)
	if err != nil {
		if self.ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", method, ErrSessionClosed)
		}
		return nil, err
	}

	self.setBaseUrl(strings.TrimSuffix(result.url, "/"))

	if self.cache != nil && self.cache.Cacheable(method) {
		self.cache.Set(method, params, result.result)
	}
	return result.result, nil
}
