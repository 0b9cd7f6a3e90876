/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package binance

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// AuthError means the API rejected the key or signature. Retrying cannot
// help; the poller halts and alerts on it.
type AuthError struct {
	StatusCode int
	Code       int
	Msg        string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("binance auth rejected (status %d, code %d): %s", e.StatusCode, e.Code, e.Msg)
}

// RateLimitError means the API asked us to slow down. RetryAfter carries the
// server-provided wait when present.
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("binance rate limited (status %d, retry after %s)", e.StatusCode, e.RetryAfter)
}

// TransientError covers server errors, timeouts and connection failures.
// These are safe to retry.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("binance request failed transiently: %v", e.Err)
	}
	return fmt.Sprintf("binance request failed transiently (status %d)", e.StatusCode)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// apiErrorBody is Binance's error envelope.
type apiErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Signature and key rejections come back with these codes regardless of the
// HTTP status.
func isAuthCode(code int) bool {
	switch code {
	case -1022, -2014, -2015:
		return true
	}
	return false
}

func classifyResponse(statusCode int, body apiErrorBody, header http.Header) error {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden || isAuthCode(body.Code):
		return &AuthError{StatusCode: statusCode, Code: body.Code, Msg: body.Msg}
	case statusCode == http.StatusTooManyRequests || statusCode == http.StatusTeapot:
		retryAfter := time.Duration(0)
		if v := header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitError{StatusCode: statusCode, RetryAfter: retryAfter}
	default:
		return &TransientError{StatusCode: statusCode}
	}
}
