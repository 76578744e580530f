package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

// the bus state machine is:
// BusStateIdle
//   -> BusStateConnecting (waiting for the base url)
//   -> BusStatePolling
//     -> BusStatePolling (success or read timeout)
//     -> BusStateBackoff -> BusStatePolling
//     -> BusStateTerminated (not supported, session replaced or expired)
type BusState string

const (
	BusStateIdle       BusState = "Idle"
	BusStateConnecting BusState = "Connecting"
	BusStatePolling    BusState = "Polling"
	BusStateBackoff    BusState = "Backoff"
	BusStateTerminated BusState = "Terminated"
)

type BusTransport string

const (
	BusTransportLongPoll  BusTransport = "longpoll"
	BusTransportWebsocket BusTransport = "websocket"
)

func DefaultBusSettings() *BusSettings {
	return &BusSettings{
		Timeout:     10 * time.Minute,
		InitialWait: 1 * time.Second,
		UrlWait:     1 * time.Second,
		Transport:   BusTransportLongPoll,
	}
}

type BusSettings struct {
	// the read timeout of one poll, also the ceiling of a backoff sleep
	Timeout     time.Duration
	InitialWait time.Duration
	// poll interval while the base url is not known
	UrlWait   time.Duration
	Transport BusTransport
}

// exponential backoff
// `wait` doubles on every failure. The sleep is `min(wait, ceiling)`,
// so the ceiling bounds the sleep, not `wait` itself.
type Backoff struct {
	floor   time.Duration
	ceiling time.Duration
	wait    time.Duration
}

func NewBackoff(floor time.Duration, ceiling time.Duration) *Backoff {
	return &Backoff{
		floor:   floor,
		ceiling: ceiling,
		wait:    floor,
	}
}

// the next sleep, then doubles the wait
func (self *Backoff) Next() time.Duration {
	sleep := min(self.wait, self.ceiling)
	if self.wait <= math.MaxInt64/2 {
		self.wait *= 2
	}
	return sleep
}

func (self *Backoff) Wait() time.Duration {
	return self.wait
}

func (self *Backoff) Reset() {
	self.wait = self.floor
}

type BusMessage struct {
	// opaque, echoed back as `last_message`
	MessageId any
	Type      string
	Values    map[string]any
}

func (self *BusMessage) String(key string) string {
	if value, ok := self.Values[key]; ok && value != nil {
		return fmt.Sprint(value)
	}
	return ""
}

func newBusMessage(values map[string]any) *BusMessage {
	message := &BusMessage{
		MessageId: values["message_id"],
		Values:    values,
	}
	if messageType, ok := values["type"].(string); ok {
		message.Type = messageType
	}
	return message
}

// BusHandlerFunction
func logNotification(message *BusMessage) {
	if message.Type == "notification" {
		glog.Infof("[bus]notification %s: %s (%s)\n", message.String("title"), message.String("body"), message.String("priority"))
	}
}

type busPollRequest struct {
	LastMessage any      `json:"last_message"`
	Channels    []string `json:"channels"`
}

type busPollResponse struct {
	Message map[string]any `json:"message"`
}

type busRedirectError struct {
	location string
}

func (self *busRedirectError) Error() string {
	return fmt.Sprintf("bus redirect to %s", self.location)
}

// one listener per connection
// the listener runs only while its connection is the client's active connection
type busListener struct {
	client     *Client
	connection *Connection
	settings   *BusSettings
	channels   []string
	httpClient *http.Client

	lastMessageId any
	backoff       *Backoff

	stateLock sync.Mutex
	state     BusState
}

func newBusListener(client *Client, connection *Connection, settings *BusSettings) *busListener {
	return &busListener{
		client:     client,
		connection: connection,
		settings:   settings,
		channels:   client.Channels(),
		httpClient: &http.Client{
			Transport: connection.transport,
			Timeout:   settings.Timeout,
			// redirects are followed by the loop
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		backoff: NewBackoff(settings.InitialWait, settings.Timeout),
		state:   BusStateIdle,
	}
}

func (self *busListener) State() BusState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *busListener) setState(state BusState) {
	self.stateLock.Lock()
	self.state = state
	self.stateLock.Unlock()
	self.client.busStateMonitor.Set(state)
}

func (self *busListener) active() bool {
	return self.client.isActive(self.connection)
}

// an expired session cannot listen until the next login
func (self *busListener) expired() bool {
	session := self.connection.session
	if !session.Expired(time.Now()) {
		return false
	}
	glog.Infof("[bus]session expired at %s\n", session.ExpiresAt)
	return true
}

func (self *busListener) run() {
	defer self.setState(BusStateTerminated)

	switch self.settings.Transport {
	case BusTransportWebsocket:
		self.runWebsocket()
	default:
		self.runLongPoll()
	}
}

// blocks until the base url of the connection is known
func (self *busListener) waitBaseUrl() (string, bool) {
	self.setState(BusStateConnecting)
	for self.active() {
		if baseUrl := self.connection.BaseUrl(); baseUrl != "" {
			return baseUrl, true
		}
		select {
		case <-self.connection.Done():
			return "", false
		case <-self.connection.baseUrlSet:
		case <-self.client.after(self.settings.UrlWait):
		}
	}
	return "", false
}

// sleeps for the next backoff, false if the connection closed meanwhile
func (self *busListener) sleep() bool {
	wait := self.backoff.Next()
	self.setState(BusStateBackoff)
	select {
	case <-self.connection.Done():
		return false
	case <-self.client.after(wait):
		return true
	}
}

func (self *busListener) handle(values map[string]any) {
	if values == nil {
		return
	}
	message := newBusMessage(values)
	if message.MessageId != nil {
		self.lastMessageId = message.MessageId
	}
	self.client.dispatchBusMessage(message)
}

func (self *busListener) runLongPoll() {
	baseUrl, ok := self.waitBaseUrl()
	if !ok {
		return
	}
	url := fmt.Sprintf("%s/bus", baseUrl)

	for self.active() {
		if self.expired() {
			return
		}
		self.setState(BusStatePolling)
		glog.V(2).Infof("[bus]poll channels %v with last message %v\n", self.channels, self.lastMessageId)

		message, err := self.poll(url)

		if !self.active() {
			return
		}

		if err == nil {
			self.backoff.Reset()
			self.handle(message)
			continue
		}

		var redirectErr *busRedirectError
		switch {
		case errors.As(err, &redirectErr):
			url = redirectErr.location
			continue
		case errors.Is(err, ErrBusNotSupported):
			glog.Infof("[bus]not supported\n")
			return
		case isTimeout(err):
			// timeouts are expected
			self.backoff.Reset()
			continue
		}

		glog.Infof("[bus]poll error, sleeping for %s = %s\n", min(self.backoff.Wait(), self.settings.Timeout), err)
		if !self.sleep() {
			return
		}
	}
}

func (self *busListener) poll(url string) (map[string]any, error) {
	requestBodyBytes, err := json.Marshal(&busPollRequest{
		LastMessage: self.lastMessageId,
		Channels:    self.channels,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(self.connection.ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Authorization", self.connection.session.Authorization())

	r, err := self.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	if err := busStatusError(r); err != nil {
		return nil, err
	}

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	response := &busPollResponse{}
	decoder := json.NewDecoder(bytes.NewReader(responseBodyBytes))
	decoder.UseNumber()
	if err := decoder.Decode(response); err != nil {
		return nil, err
	}
	return response.Message, nil
}

func busStatusError(r *http.Response) error {
	switch r.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		location := r.Header.Get("Location")
		if location == "" {
			return fmt.Errorf("bus redirect %d without location", r.StatusCode)
		}
		if r.Request != nil && r.Request.URL != nil {
			if resolved, err := r.Request.URL.Parse(location); err == nil {
				location = resolved.String()
			}
		}
		return &busRedirectError{location: location}
	case http.StatusNotImplemented:
		return ErrBusNotSupported
	}
	if r.StatusCode < 200 || 300 <= r.StatusCode {
		return fmt.Errorf("bus status %d", r.StatusCode)
	}
	return nil
}

// http(s)://host/db -> ws(s)://host/db
func websocketUrl(baseUrl string) string {
	switch {
	case strings.HasPrefix(baseUrl, "https://"):
		return "wss://" + strings.TrimPrefix(baseUrl, "https://")
	case strings.HasPrefix(baseUrl, "http://"):
		return "ws://" + strings.TrimPrefix(baseUrl, "http://")
	default:
		return baseUrl
	}
}
