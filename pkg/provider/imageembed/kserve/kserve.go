// Package kserve implements imageembed.Provider against a model server that
// speaks the Open Inference Protocol v2 (KServe, Triton, MLServer).
//
// The served model is expected to be a ResNet-50 feature extractor taking an
// FP32 tensor [N,3,224,224] and returning the global-average-pool output
// [N,2048]. Preprocessing happens client-side in [imageembed.Tensor].
package kserve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/hemdan/pkg/provider/imageembed"
)

var _ imageembed.Provider = (*Provider)(nil)

// Defaults for a stock ResNet-50 deployment.
const (
	DefaultBatchSize  = 32
	DefaultInputName  = "input"
	DefaultOutputName = "output"
)

// Provider calls a remote inference endpoint. It is safe for concurrent use.
type Provider struct {
	baseURL    string
	model      string
	inputName  string
	outputName string
	batchSize  int
	dims       int
	client     *http.Client
}

type config struct {
	batchSize  int
	dims       int
	inputName  string
	outputName string
	timeout    time.Duration
	client     *http.Client
}

// Option configures a Provider.
type Option func(*config)

// WithBatchSize caps the number of images sent in one infer request.
func WithBatchSize(n int) Option { return func(c *config) { c.batchSize = n } }

// WithDimensions overrides the expected output width.
func WithDimensions(n int) Option { return func(c *config) { c.dims = n } }

// WithTensorNames sets the model's input and output tensor names.
func WithTensorNames(input, output string) Option {
	return func(c *config) {
		c.inputName = input
		c.outputName = output
	}
}

// WithTimeout sets the HTTP client timeout per request.
func WithTimeout(d time.Duration) Option { return func(c *config) { c.timeout = d } }

// WithHTTPClient replaces the HTTP client. WithTimeout is ignored when set.
func WithHTTPClient(hc *http.Client) Option { return func(c *config) { c.client = hc } }

// New returns a Provider for model served at baseURL.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("kserve: base URL must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("kserve: base URL: %w", err)
	}
	if model == "" {
		return nil, fmt.Errorf("kserve: model must not be empty")
	}
	cfg := config{
		batchSize:  DefaultBatchSize,
		dims:       imageembed.DefaultDimensions,
		inputName:  DefaultInputName,
		outputName: DefaultOutputName,
		timeout:    60 * time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.batchSize <= 0 {
		return nil, fmt.Errorf("kserve: batch size must be positive, got %d", cfg.batchSize)
	}
	if cfg.dims <= 0 {
		return nil, fmt.Errorf("kserve: dimensions must be positive, got %d", cfg.dims)
	}
	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}
	return &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		inputName:  cfg.inputName,
		outputName: cfg.outputName,
		batchSize:  cfg.batchSize,
		dims:       cfg.dims,
		client:     client,
	}, nil
}

// Dimensions implements imageembed.Provider.
func (p *Provider) Dimensions() int { return p.dims }

// ModelID implements imageembed.Provider.
func (p *Provider) ModelID() string { return p.model }

// Ready implements imageembed.Provider by probing the model readiness route.
func (p *Provider) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.modelURL()+"/ready", nil)
	if err != nil {
		return fmt.Errorf("kserve: build ready request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: ready: %w", imageembed.ErrProvider, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: model %q not ready: status %d", imageembed.ErrProvider, p.model, resp.StatusCode)
	}
	return nil
}

// EmbedImages implements imageembed.Provider. Images are preprocessed in
// parallel, then sent in sub-batches of the configured size.
func (p *Provider) EmbedImages(ctx context.Context, refs []imageembed.Ref) ([][]float32, error) {
	out := make([][]float32, len(refs))
	if len(refs) == 0 {
		return out, nil
	}

	tensors, errs, err := imageembed.Preprocess(ctx, refs)
	if err != nil {
		return nil, err
	}

	valid := make([]int, 0, len(refs))
	for i := range refs {
		if errs[i] != nil {
			slog.Warn("imageembed: unreadable image, using zero vector", "image", refs[i].String(), "err", errs[i])
			out[i] = make([]float32, p.dims)
			continue
		}
		valid = append(valid, i)
	}

	for start := 0; start < len(valid); start += p.batchSize {
		batch := valid[start:min(start+p.batchSize, len(valid))]
		in := make([][]float32, len(batch))
		for j, idx := range batch {
			in[j] = tensors[idx]
		}
		vecs, err := p.infer(ctx, in)
		if err != nil {
			return nil, err
		}
		for j, idx := range batch {
			out[idx] = vecs[j]
		}
	}
	return out, nil
}

type tensor struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape"`
	Datatype string    `json:"datatype"`
	Data     []float32 `json:"data"`
}

type requestedOutput struct {
	Name string `json:"name"`
}

type inferRequest struct {
	Inputs  []tensor          `json:"inputs"`
	Outputs []requestedOutput `json:"outputs"`
}

type inferResponse struct {
	ModelName string   `json:"model_name"`
	Outputs   []tensor `json:"outputs"`
}

func (p *Provider) infer(ctx context.Context, batch [][]float32) ([][]float32, error) {
	n := len(batch)
	flat := make([]float32, 0, n*imageembed.TensorLen)
	for _, t := range batch {
		flat = append(flat, t...)
	}
	body, err := json.Marshal(inferRequest{
		Inputs: []tensor{{
			Name:     p.inputName,
			Shape:    []int{n, imageembed.Channels, imageembed.CropSize, imageembed.CropSize},
			Datatype: "FP32",
			Data:     flat,
		}},
		Outputs: []requestedOutput{{Name: p.outputName}},
	})
	if err != nil {
		return nil, fmt.Errorf("kserve: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.modelURL()+"/infer", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("kserve: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: infer: %w", imageembed.ErrProvider, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: infer: status %d: %s", imageembed.ErrProvider, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var ir inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", imageembed.ErrProvider, err)
	}
	slog.Debug("imageembed: infer", "model", p.model, "images", n, "duration", time.Since(start))

	var output *tensor
	for i := range ir.Outputs {
		if ir.Outputs[i].Name == p.outputName || len(ir.Outputs) == 1 {
			output = &ir.Outputs[i]
			break
		}
	}
	if output == nil {
		return nil, fmt.Errorf("%w: response has no output %q", imageembed.ErrProvider, p.outputName)
	}
	if len(output.Data) != n*p.dims {
		return nil, fmt.Errorf("%w: output shape %v, want [%d %d]", imageembed.ErrProvider, output.Shape, n, p.dims)
	}

	vecs := make([][]float32, n)
	for i := range vecs {
		vecs[i] = output.Data[i*p.dims : (i+1)*p.dims : (i+1)*p.dims]
	}
	return vecs, nil
}

func (p *Provider) modelURL() string {
	return p.baseURL + "/v2/models/" + url.PathEscape(p.model)
}
