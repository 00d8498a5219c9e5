package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/statlake/statlake-server/client/circuitbreaker"
	"github.com/statlake/statlake-server/client/ratelimiter"
	"github.com/statlake/statlake-server/client/types"
	"github.com/statlake/statlake-server/utils/httputil"
)

// ErrAdmissionDenied is the terminal error of a retry loop whose next attempt
// was denied by the admission gate.
var ErrAdmissionDenied = errors.New("admission denied by rate limiter")

const maxErrorBodySize = 512

// Transport wraps one logical remote call with a per-attempt timeout,
// exponential backoff with jitter and a bounded attempt count. Every attempt
// passes through the admission gate first and the circuit breaker second: the
// gate is cheaper and a denial must not touch the breaker's bookkeeping.
type Transport struct {
	client  *http.Client
	limiter ratelimiter.RateLimiter
	breaker circuitbreaker.CircuitBreaker

	baseURL      string
	log          logger.Logger
	statsFactory stats.Stats

	config struct {
		maxAttempts        int
		perAttemptTimeout  time.Duration
		backoffInitial     time.Duration
		backoffMultiplier  float64
		backoffJitter      float64
		backoffMaxInterval time.Duration
		maxResponseSize    int64
	}
}

func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats, limiter ratelimiter.RateLimiter, breaker circuitbreaker.CircuitBreaker) *Transport {
	t := &Transport{
		limiter:      limiter,
		breaker:      breaker,
		baseURL:      strings.TrimSuffix(conf.GetString("StatAPI.baseURL", "https://api.statistics.example.org/v1"), "/"),
		log:          log.Child("transport"),
		statsFactory: statsFactory,
	}
	t.config.maxAttempts = conf.GetInt("StatAPI.Transport.maxAttempts", 3)
	if t.config.maxAttempts < 1 {
		t.config.maxAttempts = 1
	}
	t.config.perAttemptTimeout = conf.GetDuration("StatAPI.Transport.attemptTimeout", 30, time.Second)
	t.config.backoffInitial = conf.GetDuration("StatAPI.Transport.backoffInitial", 500, time.Millisecond)
	t.config.backoffMultiplier = conf.GetFloat64("StatAPI.Transport.backoffMultiplier", 2.0)
	t.config.backoffJitter = conf.GetFloat64("StatAPI.Transport.backoffJitter", 0.5)
	t.config.backoffMaxInterval = conf.GetDuration("StatAPI.Transport.backoffMaxInterval", 30, time.Second)
	t.config.maxResponseSize = conf.GetInt64("StatAPI.Transport.maxResponseSize", 32*1024*1024)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = conf.GetInt("StatAPI.Transport.maxIdleConns", 100)
	transport.MaxIdleConnsPerHost = conf.GetInt("StatAPI.Transport.maxIdleConnsPerHost", 100)
	transport.IdleConnTimeout = conf.GetDuration("StatAPI.Transport.idleConnTimeout", 90, time.Second)
	transport.DialContext = (&net.Dialer{
		Timeout:   conf.GetDuration("StatAPI.Transport.dialer.timeout", 30, time.Second),
		KeepAlive: conf.GetDuration("StatAPI.Transport.dialer.keepAlive", 30, time.Second),
	}).DialContext
	t.client = &http.Client{Transport: transport}

	return t
}

// Call performs one logical fetch. Retries happen only on retryable remote
// failures; a denied admission or an open circuit terminates the loop
// immediately without counting as a remote attempt.
func (t *Transport) Call(ctx context.Context, req types.FetchRequest) types.FetchResult {
	var (
		success     *types.FetchSuccess
		lastFailure *types.FetchFailure
	)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.config.backoffInitial
	bo.Multiplier = t.config.backoffMultiplier
	bo.RandomizationFactor = t.config.backoffJitter
	bo.MaxInterval = t.config.backoffMaxInterval
	bo.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(t.config.maxAttempts-1)), ctx)

	op := func() error {
		if !t.limiter.Allow() {
			lastFailure = &types.FetchFailure{
				Kind:      types.AdmissionDenied,
				Message:   ErrAdmissionDenied.Error(),
				Retryable: false,
			}
			return backoff.Permanent(ErrAdmissionDenied)
		}

		var attempt types.FetchResult
		err := t.breaker.Execute(func() error {
			attempt = t.attempt(ctx, req)
			if f := attempt.Failure; f != nil && remoteAttributable(f.Kind) {
				return fmt.Errorf("%s: %s", f.Kind, f.Message)
			}
			return nil
		})
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			lastFailure = &types.FetchFailure{
				Kind:      types.CircuitOpen,
				Message:   err.Error(),
				Retryable: false,
			}
			return backoff.Permanent(err)
		}

		if attempt.IsSuccess() {
			success = attempt.Success
			return nil
		}
		lastFailure = attempt.Failure
		if !lastFailure.Retryable {
			return backoff.Permanent(fmt.Errorf("%s: %s", lastFailure.Kind, lastFailure.Message))
		}
		return err
	}

	err := backoff.RetryNotify(op, b, func(err error, delay time.Duration) {
		t.log.Warnn("retrying remote call",
			logger.NewStringField("identifier", req.Identifier),
			logger.NewDurationField("delay", delay),
			obskit.Error(err),
		)
	})

	if success != nil {
		payload := success.Payload
		if !req.IncludePayload {
			payload = nil
		}
		return types.FetchResult{Success: &types.FetchSuccess{
			Payload:          payload,
			ObservationCount: success.ObservationCount,
			Latency:          success.Latency,
		}}
	}
	if lastFailure == nil {
		// The loop never completed an attempt, e.g. the caller's context
		// expired before the first one.
		lastFailure = &types.FetchFailure{
			Kind:      types.RemoteTimeout,
			Message:   fmt.Sprintf("fetch aborted: %v", err),
			Retryable: true,
		}
	}
	return types.FetchResult{Failure: lastFailure}
}

func remoteAttributable(kind types.FailureKind) bool {
	return kind == types.RemoteTimeout || kind == types.RemoteServerError
}

func (t *Transport) attempt(ctx context.Context, req types.FetchRequest) types.FetchResult {
	attemptCtx, cancel := context.WithTimeout(ctx, t.config.perAttemptTimeout)
	defer cancel()

	u := t.requestURL(req)
	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, u, nil)
	if err != nil {
		return types.NewFailureResult(types.RemoteClientError, fmt.Sprintf("constructing request: %v", err), false)
	}
	httpReq.Header.Set("Accept", "application/json")

	tags := stats.Tags{"identifier": req.Identifier}
	start := time.Now()
	resp, err := t.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		t.statsFactory.NewTaggedStat("stat_api_request_errors", stats.CountType, tags).Increment()
		if httputil.IsTimeout(err) {
			return types.NewFailureResult(types.RemoteTimeout, err.Error(), true)
		}
		return types.NewFailureResult(types.RemoteServerError, err.Error(), true)
	}
	defer httputil.CloseResponse(resp)

	t.statsFactory.NewTaggedStat("stat_api_request_latency", stats.TimerType,
		lo.Assign(tags, stats.Tags{"status": strconv.Itoa(resp.StatusCode)}),
	).Since(start)

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		message := fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, string(snippet))
		if httputil.RetriableStatus(resp.StatusCode) {
			return types.NewFailureResult(types.RemoteServerError, message, true)
		}
		return types.NewFailureResult(types.RemoteClientError, message, false)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.config.maxResponseSize))
	if err != nil {
		if httputil.IsTimeout(err) {
			return types.NewFailureResult(types.RemoteTimeout, fmt.Sprintf("reading response: %v", err), true)
		}
		return types.NewFailureResult(types.RemoteServerError, fmt.Sprintf("reading response: %v", err), true)
	}

	count, ok := extractRecordCount(body)
	if !ok {
		return types.NewFailureResult(types.RemoteClientError, "malformed response: no extractable record count", false)
	}
	return types.NewSuccessResult(body, count, latency)
}

// extractRecordCount limits response parsing to the record count: the length
// of the observations array, falling back to a declared top-level count.
func extractRecordCount(body []byte) (int, bool) {
	if !gjson.ValidBytes(body) {
		return 0, false
	}
	if obs := gjson.GetBytes(body, "observations"); obs.IsArray() {
		return len(obs.Array()), true
	}
	if count := gjson.GetBytes(body, "count"); count.Exists() {
		return int(count.Int()), true
	}
	return 0, false
}

func (t *Transport) requestURL(req types.FetchRequest) string {
	u := fmt.Sprintf("%s/datasets/%s", t.baseURL, url.PathEscape(req.Identifier))
	q := url.Values{}
	if req.StartPeriod != "" {
		q.Set("startPeriod", req.StartPeriod)
	}
	if req.EndPeriod != "" {
		q.Set("endPeriod", req.EndPeriod)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}
