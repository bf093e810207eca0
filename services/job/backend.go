package job

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"tunegate/pkg/config"
	"tunegate/pkg/errutil"
	"tunegate/services/pricing"

	"go.uber.org/fx"
)

const (
	BackendPending   = "pending"
	BackendSucceeded = "succeeded"
	BackendFailed    = "failed"
)

type SubmitInput struct {
	AudioURL string
	Params   string
}

type BackendStatus struct {
	State     string
	ResultRef string
	Reason    string
}

// Backend is the uniform contract over the per-kind inference services.
type Backend interface {
	Submit(ctx context.Context, input SubmitInput) (string, error)
	Status(ctx context.Context, externalRef string) (BackendStatus, error)
}

// Backends maps each job kind to its backend.
type Backends map[pricing.Kind]Backend

var BackendModule = fx.Module("job.backends",
	fx.Provide(NewBackends),
)

func NewBackends(cfg *config.Config) Backends {
	return Backends{
		pricing.KindPiano:    newHTTPBackend(cfg.Backends.Piano),
		pricing.KindSpleeter: newHTTPBackend(cfg.Backends.Spleeter),
		pricing.KindYourmt3:  newHTTPBackend(cfg.Backends.Yourmt3),
	}
}

// httpBackend speaks the serverless inference API: POST /run to submit,
// GET /status/{id} to poll.
type httpBackend struct {
	endpoint string
	token    string
	client   *http.Client
}

func newHTTPBackend(cfg config.BackendConfig) Backend {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &httpBackend{
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		client:   &http.Client{Timeout: timeout},
	}
}

type runRequest struct {
	Input struct {
		AudioURL string `json:"audio_url"`
		Params   string `json:"params,omitempty"`
	} `json:"input"`
}

type runResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	Status string `json:"status"`
	Output struct {
		ResultURL string `json:"result_url"`
	} `json:"output"`
	Error string `json:"error"`
}

func (b *httpBackend) do(ctx context.Context, method, url string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return errutil.ExternalBackend("backend unreachable", errutil.WithErr(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errutil.ExternalBackend(fmt.Sprintf("backend returned %d", resp.StatusCode))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (b *httpBackend) Submit(ctx context.Context, input SubmitInput) (string, error) {
	var req runRequest
	req.Input.AudioURL = input.AudioURL
	req.Input.Params = input.Params

	var resp runResponse
	if err := b.do(ctx, http.MethodPost, b.endpoint+"/run", req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errutil.ExternalBackend("backend accepted without a job id")
	}
	return resp.ID, nil
}

func (b *httpBackend) Status(ctx context.Context, externalRef string) (BackendStatus, error) {
	var resp statusResponse
	if err := b.do(ctx, http.MethodGet, b.endpoint+"/status/"+externalRef, nil, &resp); err != nil {
		return BackendStatus{}, err
	}

	switch resp.Status {
	case "IN_QUEUE", "IN_PROGRESS":
		return BackendStatus{State: BackendPending}, nil
	case "COMPLETED":
		return BackendStatus{State: BackendSucceeded, ResultRef: resp.Output.ResultURL}, nil
	case "FAILED":
		return BackendStatus{State: BackendFailed, Reason: resp.Error}, nil
	default:
		return BackendStatus{}, errutil.ExternalBackend(fmt.Sprintf("unknown backend status %q", resp.Status))
	}
}
