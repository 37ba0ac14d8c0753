// Package videoworker marshals a generation request, calls a leased
// endpoint, and interprets the reply.
package videoworker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tikslop/videogen-gateway/internal/apperr"
	"github.com/tikslop/videogen-gateway/internal/logging"
	"github.com/tikslop/videogen-gateway/internal/metrics"
	"github.com/tikslop/videogen-gateway/internal/tracing"
)

// callTimeout is the HTTP deadline for a single generation call.
const callTimeout = 12 * time.Second

// Params is the fully-resolved set of generation parameters for one call.
type Params struct {
	Prompt            string
	NegativePrompt    string
	Width             int
	Height            int
	NumFrames         int
	NumInferenceSteps int
	GuidanceScale     float64
	Seed              uint32
	Fps               int
	IsThumbnail       bool
}

// ThumbnailParams fixes the thumbnail dimensions/quality tradeoff
//: 512x288, 65 frames, 4 inference steps, 25 fps.
func ThumbnailParams(prompt, negativePrompt string, seed uint32, guidanceScale float64) Params {
	return Params{
		Prompt:            prompt,
		NegativePrompt:    negativePrompt,
		Width:             512,
		Height:            288,
		NumFrames:         65,
		NumInferenceSteps: 4,
		GuidanceScale:     guidanceScale,
		Seed:              seed,
		Fps:               25,
		IsThumbnail:       true,
	}
}

type requestInputs struct {
	Prompt string `json:"prompt"`
}

type requestParameters struct {
	NegativePrompt   string  `json:"negative_prompt"`
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	NumFrames        int     `json:"num_frames"`
	NumInferenceSteps int    `json:"num_inference_steps"`
	GuidanceScale    float64 `json:"guidance_scale"`
	Seed             uint32  `json:"seed"`
	DoubleNumFrames  bool    `json:"double_num_frames"`
	Fps              int     `json:"fps"`
	SuperResolution  bool    `json:"super_resolution"`
	GrainAmount      int     `json:"grain_amount"`
}

type requestMetadata struct {
	IsThumbnail bool `json:"is_thumbnail"`
}

type generateRequest struct {
	Inputs     requestInputs     `json:"inputs"`
	Parameters requestParameters `json:"parameters"`
	Metadata   requestMetadata   `json:"metadata"`
}

type generateResponse struct {
	Video string `json:"video"`
	Error string `json:"error"`
}

// Lease is the subset of endpointpool.Lease the client needs, so tests can
// fake it without spinning up a real pool.
type Lease interface {
	URL() string
	Succeed()
}

// Client calls a leased video worker over HTTP, wrapped in a circuit
// breaker that protects against a pool-wide outage hammering every
// endpoint in turn (additional to, not a replacement for, the
// endpointpool's own per-endpoint backoff).
type Client struct {
	httpClient  *http.Client
	bearerToken string
	cb          *gobreaker.CircuitBreaker
}

// New builds a Client. bearerToken is read from the process environment
// (HF_TOKEN) by the caller and passed in here.
func New(bearerToken string) *Client {
	st := gobreaker.Settings{
		Name:        "videoworker",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("videoworker").Set(v)
		},
	}
	return &Client{
		httpClient:  &http.Client{Timeout: callTimeout},
		bearerToken: bearerToken,
		cb:          gobreaker.NewCircuitBreaker(st),
	}
}

// Generate performs one generation call against lease.URL() and returns a
// typed *apperr.Error on every failure so callers have a single signal to
// branch on: GenerationTimeout for a deadline exceeded, GenerationPaused for
// an error body, GenerationFailed for a non-200 reply, a missing video field
// or an open circuit breaker, and Internal if the request cannot be
// marshalled. Failures of the upstream call itself are reported against the
// lease via reportFailure (supplied by the caller); an open-breaker
// rejection and a marshal error are not.
func (c *Client) Generate(ctx context.Context, p Params, lease Lease, reportFailure func(isTimeout bool)) (string, error) {
	ctx, span := tracing.Tracer().Start(ctx, "videoworker.generate", oteltrace.WithAttributes(
		attribute.Int("width", p.Width),
		attribute.Int("height", p.Height),
		attribute.Int("num_frames", p.NumFrames),
		attribute.Bool("is_thumbnail", p.IsThumbnail),
	))
	defer span.End()

	uri, err := c.generate(ctx, p, lease, reportFailure)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return uri, err
}

func (c *Client) generate(ctx context.Context, p Params, lease Lease, reportFailure func(isTimeout bool)) (string, error) {
	body, err := json.Marshal(generateRequest{
		Inputs: requestInputs{Prompt: p.Prompt},
		Parameters: requestParameters{
			NegativePrompt:    p.NegativePrompt,
			Width:             p.Width,
			Height:            p.Height,
			NumFrames:         p.NumFrames,
			NumInferenceSteps: p.NumInferenceSteps,
			GuidanceScale:     p.GuidanceScale,
			Seed:              p.Seed,
			DoubleNumFrames:   false,
			Fps:               p.Fps,
			SuperResolution:   false,
			GrainAmount:       0,
		},
		Metadata: requestMetadata{IsThumbnail: p.IsThumbnail},
	})
	if err != nil {
		return "", apperr.Internalf("marshal generation request: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	result, err := c.cb.Execute(func() (interface{}, error) {
		return c.doRequest(ctx, lease.URL(), body)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("videoworker").Inc()
			return "", apperr.GenerationFailed(err)
		}
		if ctx.Err() == context.DeadlineExceeded {
			reportFailure(true)
			return "", apperr.GenerationTimeout(err)
		}
		reportFailure(false)
		return "", apperr.GenerationFailed(err)
	}

	resp := result.(generateResponse)
	if resp.Video != "" {
		lease.Succeed()
		return resp.Video, nil
	}
	if resp.Error != "" {
		reportFailure(false)
		logging.Warn(ctx, "video worker returned a transient error", zap.String("error", resp.Error))
		return "", apperr.GenerationPaused(errString(resp.Error))
	}
	reportFailure(false)
	return "", apperr.GenerationFailed(errString("response missing video field"))
}

func (c *Client) doRequest(ctx context.Context, url string, body []byte) (generateResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return generateResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return generateResponse{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return generateResponse{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return generateResponse{}, errString("upstream returned status " + resp.Status + ": " + truncate(string(data), 256))
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return generateResponse{}, err
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type errString string

func (e errString) Error() string { return string(e) }
