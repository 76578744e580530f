package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

var errBusClosed = errors.New("bus closed by the server")

// the websocket variant of the bus
// one connection carries many messages. The subscription is sent once per connect
// and a read deadline of `Timeout` bounds the wait for the next message.

func (self *busListener) runWebsocket() {
	baseUrl, ok := self.waitBaseUrl()
	if !ok {
		return
	}
	url := fmt.Sprintf("%s/bus/ws", websocketUrl(baseUrl))

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: self.settings.Timeout,
	}

	for self.active() {
		if self.expired() {
			return
		}
		self.setState(BusStatePolling)

		connect := func() (*websocket.Conn, error) {
			header := http.Header{}
			header.Add("Authorization", self.connection.session.Authorization())
			ws, r, err := dialer.DialContext(self.connection.ctx, url, header)
			if err != nil {
				if r != nil {
					if statusErr := busStatusError(r); statusErr != nil {
						return nil, statusErr
					}
				}
				return nil, err
			}
			return ws, nil
		}

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[bus]connect %s", url), connect)
		} else {
			ws, err = connect()
		}

		if !self.active() {
			if ws != nil {
				ws.Close()
			}
			return
		}

		if err == nil {
			err = self.receive(ws)
			if !self.active() {
				return
			}
			if isTimeout(err) {
				// the read deadline passed with no message, reconnect immediately
				self.backoff.Reset()
				continue
			}
			if err == nil {
				err = errBusClosed
			}
		}

		var redirectErr *busRedirectError
		switch {
		case errors.As(err, &redirectErr):
			url = websocketUrl(redirectErr.location)
			continue
		case errors.Is(err, ErrBusNotSupported):
			glog.Infof("[bus]not supported\n")
			return
		}

		glog.Infof("[bus]websocket error, sleeping for %s = %s\n", min(self.backoff.Wait(), self.settings.Timeout), err)
		if !self.sleep() {
			return
		}
	}
}

// reads messages until an error. A clean close returns nil.
func (self *busListener) receive(ws *websocket.Conn) error {
	defer ws.Close()

	// closing the session unblocks the read
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-stop:
		case <-self.connection.Done():
			ws.Close()
		}
	}()

	subscribe, err := json.Marshal(&busPollRequest{
		LastMessage: self.lastMessageId,
		Channels:    self.channels,
	})
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.Timeout))
	if err := ws.WriteMessage(websocket.TextMessage, subscribe); err != nil {
		return err
	}

	for self.active() {
		ws.SetReadDeadline(time.Now().Add(self.settings.Timeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[bus]ping\n")
				continue
			}
			response := &busPollResponse{}
			decoder := json.NewDecoder(bytes.NewReader(message))
			decoder.UseNumber()
			if err := decoder.Decode(response); err != nil {
				glog.Infof("[bus]bad message = %s\n", err)
				continue
			}
			self.backoff.Reset()
			self.handle(response.Message)
		default:
			glog.V(2).Infof("[bus]other=%d\n", messageType)
		}
	}
	return nil
}
