package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	gjson "github.com/goccy/go-json"
)

var ErrHTTPErrorResponse = errors.New("got an HTTP error response")

// ResponseError is a non-2xx answer whose body followed the relayer error
// shape {error, logs}.
type ResponseError struct {
	StatusCode int
	Message    string
	Logs       []string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %d %s", ErrHTTPErrorResponse, e.StatusCode, e.Message)
}

func (e *ResponseError) Unwrap() error { return ErrHTTPErrorResponse }

// Fetch sends payload as JSON and decodes a 2xx body into dst. A nil client
// means http.DefaultClient.
func Fetch(ctx context.Context, client *http.Client, method string, url string, payload any, dst any, headers *http.Header) (code int, duration int64, err error) {
	var body io.Reader
	if payload != nil {
		payloadBytes, err := gjson.Marshal(payload)
		if err != nil {
			return 0, 0, fmt.Errorf("could not marshal json request: %w", err)
		}
		body = bytes.NewReader(payloadBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid request for %s: %w", url, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers != nil {
		for k, v := range *headers {
			req.Header.Add(k, v[0])
		}
	}
	req.Header.Set("Accept", "application/json")

	if client == nil {
		client = http.DefaultClient
	}
	return sendRequest(client, req, url, dst)
}

func sendRequest(client *http.Client, req *http.Request, url string, dst any) (code int, duration int64, err error) {
	start := time.Now()
	resp, err := client.Do(req)
	duration = time.Since(start).Milliseconds()
	if err != nil {
		return 0, duration, fmt.Errorf("client refused for %s: %w", url, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, duration, fmt.Errorf("could not read response body for %s: %w", url, err)
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		ec := &struct {
			Error string   `json:"error"`
			Logs  []string `json:"logs"`
		}{}
		respErr := &ResponseError{StatusCode: resp.StatusCode}
		if err = gjson.Unmarshal(bodyBytes, ec); err != nil || ec.Error == "" {
			respErr.Message = http.StatusText(resp.StatusCode)
		} else {
			respErr.Message = ec.Error
			respErr.Logs = ec.Logs
		}
		return resp.StatusCode, duration, respErr
	}

	if dst != nil {
		err = gjson.Unmarshal(bodyBytes, dst)
		if err != nil {
			return resp.StatusCode, duration, fmt.Errorf("could not unmarshal response for %s from %s: %w", url, string(bodyBytes), err)
		}
	}

	return resp.StatusCode, duration, nil
}
