// Package downstream calls the external analysis service that executes jobs.
// Calls go through the resilient caller and a token-bucket pacer so a burst of
// accepted jobs does not flood the service.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/reviewpulse/insightd/internal/resilient"
)

// Target names the analysis service for breaker state and metrics.
const Target = "analysis-service"

// Config holds client configuration.
type Config struct {
	// BaseURL of the analysis service, no trailing slash.
	BaseURL string
	// CallbackURL the service reports progress and completion to.
	CallbackURL string
	// RequestTimeout bounds a single HTTP attempt.
	RequestTimeout time.Duration
	// DispatchRPS and DispatchBurst shape outbound pacing. RPS <= 0 disables
	// pacing.
	DispatchRPS   float64
	DispatchBurst int
}

// DispatchRequest asks the analysis service to start one job.
type DispatchRequest struct {
	TaskID    string `json:"task_id"`
	SubjectID string `json:"subject_id"`
	Kind      string `json:"kind"`
	Priority  int    `json:"priority"`
	// CallbackRef tells the service where to deliver results.
	CallbackRef string `json:"callback_ref"`
}

// Acceptance is the service's synchronous answer; the result itself arrives
// later on the callback endpoint.
type Acceptance struct {
	Status               string `json:"status"`
	EstimatedTimeSeconds int    `json:"estimated_time"`
}

// Client dispatches jobs to the analysis service.
type Client struct {
	cfg     Config
	httpc   *http.Client
	caller  *resilient.Caller
	limiter *rate.Limiter
	log     *zap.Logger
}

// New constructs a Client.
func New(cfg Config, caller *resilient.Caller, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	limit := rate.Limit(cfg.DispatchRPS)
	if cfg.DispatchRPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.DispatchBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.RequestTimeout},
		caller:  caller,
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
	}
}

// Dispatch submits a job for execution. Dispatch for an already submitted task
// id is idempotent on the service side, so transient failures are retried.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (Acceptance, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Acceptance{}, fmt.Errorf("dispatch pacing wait: %w", err)
	}

	req.CallbackRef = c.cfg.CallbackURL
	body, err := json.Marshal(req)
	if err != nil {
		return Acceptance{}, fmt.Errorf("marshal dispatch request: %w", err)
	}

	var acc Acceptance
	err = c.caller.Call(ctx, Target, true, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/analyze", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build dispatch request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(httpReq)
		if err != nil {
			return fmt.Errorf("dispatch %s: %w", req.TaskID, err)
		}
		defer func() {
			if errInner := resp.Body.Close(); errInner != nil {
				c.log.Debug("close dispatch response body", zap.Error(errInner))
			}
		}()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &resilient.DownstreamError{
				Target:     Target,
				StatusCode: resp.StatusCode,
				Message:    readErrorBody(resp.Body),
			}
		}
		if err := json.NewDecoder(resp.Body).Decode(&acc); err != nil {
			return fmt.Errorf("decode acceptance for %s: %w", req.TaskID, err)
		}
		return nil
	})
	if err != nil {
		return Acceptance{}, err
	}

	c.log.Info("job dispatched to analysis service",
		zap.String("task_id", req.TaskID),
		zap.String("subject_id", req.SubjectID),
		zap.Int("estimated_time_s", acc.EstimatedTimeSeconds))
	return acc, nil
}

func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
