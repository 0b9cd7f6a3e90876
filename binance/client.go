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
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/lordkingpriest/problemsolver/config"
	"github.com/lordkingpriest/problemsolver/model"
)

const (
	// DefaultBaseURL is the production REST endpoint.
	DefaultBaseURL = "https://api.binance.com"

	serverTimePath     = "/api/v3/time"
	depositHistoryPath = "/sapi/v1/capital/deposit/hisrec"
)

// Client is a minimal signed REST client for the deposit-history endpoints.
// It never logs the secret; the key only appears in the X-MBX-APIKEY header.
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client

	// serverTime - localTime in milliseconds, set by SyncTime.
	timeOffsetMS atomic.Int64

	// retryMaxElapsed bounds transparent retries of transient failures;
	// retryInitialInterval is the first backoff delay.
	retryMaxElapsed      time.Duration
	retryInitialInterval time.Duration
}

// NewClient builds a client from configuration. httpClient may be nil, in
// which case a 30s-timeout client is used.
func NewClient(cfg *config.BinanceConfig, httpClient *http.Client) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("binance api key and secret must be configured")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	retryMaxElapsed := 30 * time.Second
	if cfg.RetryMaxElapsedMS > 0 {
		retryMaxElapsed = time.Duration(cfg.RetryMaxElapsedMS) * time.Millisecond
	}
	retryInitialInterval := 500 * time.Millisecond
	if cfg.RetryInitialIntervalMS > 0 {
		retryInitialInterval = time.Duration(cfg.RetryInitialIntervalMS) * time.Millisecond
	}
	return &Client{
		apiKey:               cfg.APIKey,
		apiSecret:            cfg.APISecret,
		baseURL:              baseURL,
		httpClient:           httpClient,
		retryMaxElapsed:      retryMaxElapsed,
		retryInitialInterval: retryInitialInterval,
	}, nil
}

type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

// SyncTime fetches the server clock and records the skew against the local
// clock. Signed requests use the adjusted clock so timestamps stay inside
// the server's acceptance window.
func (c *Client) SyncTime(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+serverTimePath, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &TransientError{Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return 0, c.errorFromResponse(resp)
	}

	var body serverTimeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, &TransientError{Err: err}
	}

	offset := body.ServerTime - time.Now().UnixMilli()
	c.timeOffsetMS.Store(offset)
	logrus.WithField("offset_ms", offset).Debug("synced binance server time")
	return offset, nil
}

// Now returns the current time in milliseconds adjusted by the last known
// server skew.
func (c *Client) Now() int64 {
	return time.Now().UnixMilli() + c.timeOffsetMS.Load()
}

// GetDepositHistory fetches deposit records inside [startMS, endMS]. Zero
// bounds are omitted from the request. Transient failures are retried with
// exponential backoff; auth and rate-limit rejections surface immediately.
func (c *Client) GetDepositHistory(ctx context.Context, startMS, endMS int64, limit int) ([]model.BinanceDeposit, error) {
	params := map[string]string{
		"limit": strconv.Itoa(limit),
	}
	if startMS > 0 {
		params["startTime"] = strconv.FormatInt(startMS, 10)
	}
	if endMS > 0 {
		params["endTime"] = strconv.FormatInt(endMS, 10)
	}

	var deposits []model.BinanceDeposit
	err := c.doSigned(ctx, depositHistoryPath, params, &deposits)
	if err != nil {
		return nil, err
	}
	return deposits, nil
}

// doSigned performs a signed GET with retries on transient errors.
func (c *Client) doSigned(ctx context.Context, path string, params map[string]string, out interface{}) error {
	operation := func() error {
		err := c.signedGetOnce(ctx, path, params, out)
		if err == nil {
			return nil
		}
		var authErr *AuthError
		var rateErr *RateLimitError
		if errors.As(err, &authErr) || errors.As(err, &rateErr) {
			return backoff.Permanent(err)
		}
		logrus.WithError(err).Warn("binance request failed, retrying")
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInitialInterval
	bo.MaxElapsedTime = c.retryMaxElapsed
	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

func (c *Client) signedGetOnce(ctx context.Context, path string, params map[string]string, out interface{}) error {
	signed := make(map[string]string, len(params)+1)
	for k, v := range params {
		signed[k] = v
	}
	signed["timestamp"] = strconv.FormatInt(c.Now(), 10)

	qs := CanonicalQuery(signed)
	signature := SignQuery(c.apiSecret, qs)
	url := c.baseURL + path + "?" + qs + "&signature=" + signature

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return c.errorFromResponse(resp)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) errorFromResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var body apiErrorBody
	_ = json.Unmarshal(raw, &body)
	return classifyResponse(resp.StatusCode, body, resp.Header)
}
