package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

// anything that can run a remote method
// `method` is the dotted `objectType.objectName.methodName`, e.g. `model.party.party.read`
// by convention the last argument is the context map
type Executor interface {
	Execute(ctx context.Context, method string, args ...any) (json.RawMessage, error)
}

// the single ui execution context
// completions of background calls are posted here
type Dispatcher interface {
	Post(callback func()) bool
}

type ApiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) ApiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (ApiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// runs the method and decodes the result into `R`
func Execute[R any](ctx context.Context, executor Executor, method string, args ...any) (R, error) {
	raw, err := executor.Execute(ctx, method, args...)
	if err != nil {
		var empty R
		return empty, err
	}
	return DecodeResult[R](raw)
}

// runs the method in the background and delivers the result on the dispatcher
// there is no mid-flight cancellation. Callers discard late results themselves.
func ExecuteAsync[R any](
	ctx context.Context,
	executor Executor,
	dispatcher Dispatcher,
	callback ApiCallback[R],
	method string,
	args ...any,
) {
	go func() {
		result, err := Execute[R](ctx, executor, method, args...)
		deliver := func() {
			HandleError(method, func() {
				callback.Result(result, err)
			})
		}
		if dispatcher == nil || !dispatcher.Post(deliver) {
			deliver()
		}
	}()
}

func DecodeResult[R any](raw json.RawMessage) (R, error) {
	var result R
	if len(raw) == 0 {
		return result, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&result); err != nil {
		var empty R
		return empty, fmt.Errorf("decode result: %w", err)
	}
	return result, nil
}

type jsonRpcRequest struct {
	Id     uint64 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type jsonRpcResponse struct {
	Id     any             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  any             `json:"error"`
}

// `url` is the final url after redirects
type postResult struct {
	result json.RawMessage
	url    string
}

func post(
	ctx context.Context,
	client *http.Client,
	url string,
	authorization string,
	request *jsonRpcRequest,
) (*postResult, error) {
	requestBodyBytes, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		return nil, err
	}

	req.Header.Add("Content-Type", "application/json")

	if authorization != "" {
		req.Header.Add("Authorization", authorization)
	}

	r, err := client.Do(req)
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}

	switch r.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &AuthenticationError{
			StatusCode: r.StatusCode,
			Message:    strings.TrimSpace(string(responseBodyBytes)),
		}
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, &UnavailableError{
			Err: fmt.Errorf("%d %s", r.StatusCode, strings.TrimSpace(string(responseBodyBytes))),
		}
	default:
		// the response body is the error message
		return nil, &ServerFault{
			Code:    strconv.Itoa(r.StatusCode),
			Message: strings.TrimSpace(string(responseBodyBytes)),
		}
	}

	response := &jsonRpcResponse{}
	decoder := json.NewDecoder(bytes.NewReader(responseBodyBytes))
	decoder.UseNumber()
	if err := decoder.Decode(response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if response.Error != nil {
		return nil, newServerFault(response.Error)
	}

	finalUrl := url
	if r.Request != nil && r.Request.URL != nil {
		finalUrl = r.Request.URL.String()
	}
	return &postResult{
		result: response.Result,
		url:    finalUrl,
	}, nil
}

// transient failures can also surface as plain net errors from the transport
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
