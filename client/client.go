package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/statlake/statlake-server/client/types"
	"github.com/statlake/statlake-server/validations"
)

type HealthState string

const (
	StatusHealthy   HealthState = "healthy"
	StatusDegraded  HealthState = "degraded"
	StatusUnhealthy HealthState = "unhealthy"
)

type HealthStatus struct {
	Status             HealthState `json:"status"`
	BreakerState       string      `json:"breakerState"`
	RateLimitRemaining int64       `json:"rateLimitRemaining"`
}

type fetcher interface {
	Call(ctx context.Context, req types.FetchRequest) types.FetchResult
}

type validator interface {
	Validate(identifier string, payload []byte) validations.QualityReport
}

type synchronizer interface {
	Sync(ctx context.Context, identifier string, payload []byte) types.SyncOutcome
}

type admissionGate interface {
	Remaining() int64
}

type breakerProbe interface {
	State() string
	IsOpen() bool
}

// Client is the ingestion facade consumed by the dashboard, the API facade
// and scheduling scripts. Each instance owns its breaker and limiter; nothing
// here is process-wide.
type Client struct {
	fetcher      fetcher
	validator    validator
	synchronizer synchronizer
	gate         admissionGate
	breaker      breakerProbe

	log          logger.Logger
	statsFactory stats.Stats

	config struct {
		maxConcurrency int
	}
}

func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats, fetcher fetcher, validator validator, synchronizer synchronizer, gate admissionGate, breaker breakerProbe) *Client {
	c := &Client{
		fetcher:      fetcher,
		validator:    validator,
		synchronizer: synchronizer,
		gate:         gate,
		breaker:      breaker,
		log:          log.Child("client"),
		statsFactory: statsFactory,
	}
	c.config.maxConcurrency = conf.GetInt("StatAPI.Fetch.maxConcurrency", 5)
	return c
}

// Health never triggers a remote call: it only inspects breaker and limiter
// state.
func (c *Client) Health() HealthStatus {
	remaining := c.gate.Remaining()
	status := StatusHealthy
	switch {
	case c.breaker.IsOpen():
		status = StatusUnhealthy
	case c.breaker.State() == "half-open" || remaining == 0:
		status = StatusDegraded
	}
	return HealthStatus{
		Status:             status,
		BreakerState:       c.breaker.State(),
		RateLimitRemaining: remaining,
	}
}

func (c *Client) FetchDataset(ctx context.Context, identifier string, includePayload bool) types.FetchResult {
	return c.fetcher.Call(ctx, types.FetchRequest{
		Identifier:     identifier,
		IncludePayload: includePayload,
	})
}

// FetchDatasetBatch fetches up to maxConcurrency datasets in parallel.
// Duplicates are removed before dispatch and every requested identifier ends
// up in exactly one of the two result sequences; a failed sibling never
// aborts the rest.
func (c *Client) FetchDatasetBatch(ctx context.Context, identifiers []string, maxConcurrency int) types.BatchResult {
	var result types.BatchResult

	identifiers = lo.Uniq(identifiers)
	if len(identifiers) == 0 {
		return result
	}
	if maxConcurrency <= 0 {
		maxConcurrency = c.config.maxConcurrency
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(maxConcurrency)
	for _, identifier := range identifiers {
		if ctx.Err() != nil {
			// The batch deadline expired before this identifier was
			// dispatched.
			mu.Lock()
			result.Failed = append(result.Failed, types.BatchFailure{
				Identifier: identifier,
				Failure: types.FetchFailure{
					Kind:      types.RemoteTimeout,
					Message:   fmt.Sprintf("batch deadline exceeded before dispatch: %v", ctx.Err()),
					Retryable: true,
				},
			})
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			res := c.fetchAbandonable(ctx, types.FetchRequest{Identifier: identifier, IncludePayload: true})
			mu.Lock()
			defer mu.Unlock()
			if res.IsSuccess() {
				result.Successful = append(result.Successful, types.BatchSuccess{
					Identifier: identifier,
					Success:    *res.Success,
				})
			} else {
				result.Failed = append(result.Failed, types.BatchFailure{
					Identifier: identifier,
					Failure:    *res.Failure,
				})
			}
			return nil
		})
	}
	_ = g.Wait()

	c.statsFactory.NewTaggedStat("dataset_batch_fetches", stats.CountType, stats.Tags{"outcome": "successful"}).Count(len(result.Successful))
	c.statsFactory.NewTaggedStat("dataset_batch_fetches", stats.CountType, stats.Tags{"outcome": "failed"}).Count(len(result.Failed))
	return result
}

// fetchAbandonable abandons a fetch when the batch deadline expires rather
// than blocking the whole batch on one hung call. The abandoned call keeps
// its context, so it unwinds on its own shortly after.
func (c *Client) fetchAbandonable(ctx context.Context, req types.FetchRequest) types.FetchResult {
	done := make(chan types.FetchResult, 1)
	go func() {
		done <- c.fetcher.Call(ctx, req)
	}()
	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return types.NewFailureResult(types.RemoteTimeout,
			fmt.Sprintf("abandoned at batch deadline: %v", ctx.Err()), true)
	}
}

// FetchWithQualityValidation fetches a dataset and scores it; the payload is
// discarded from the caller's view. An unfetchable dataset yields a
// zero-score report, not an error.
func (c *Client) FetchWithQualityValidation(ctx context.Context, identifier string) validations.QualityReport {
	res := c.fetcher.Call(ctx, types.FetchRequest{Identifier: identifier, IncludePayload: true})
	if !res.IsSuccess() {
		return validations.UnavailableReport(identifier,
			fmt.Sprintf("%s: %s", res.Failure.Kind, res.Failure.Message))
	}
	return c.validator.Validate(identifier, res.Success.Payload)
}

func (c *Client) SyncToRepository(ctx context.Context, identifier string, payload []byte) types.SyncOutcome {
	return c.synchronizer.Sync(ctx, identifier, payload)
}
