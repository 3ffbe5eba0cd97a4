// Package a1111 implements the Stable Diffusion WebUI backend. There is no
// push channel: one POST generates the image and the reply goes straight
// back on the bus.
package a1111

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cmsj/dreambot/internal/config"
	"github.com/cmsj/dreambot/internal/envelope"
	derrors "github.com/cmsj/dreambot/internal/errors"
	"github.com/cmsj/dreambot/internal/imaging"
	"github.com/cmsj/dreambot/internal/metrics"
	"github.com/cmsj/dreambot/internal/promptargs"
	"github.com/cmsj/dreambot/internal/retry"
	"github.com/cmsj/dreambot/internal/worker"
)

// Generation defaults, overridable per request with prompt flags.
const (
	defaultModel    = "sd_xl_turbo_1.0_fp16"
	defaultSampler  = "Restart"
	defaultSteps    = 20
	defaultSeed     = -1
	defaultCfgScale = 1
)

const (
	bootWait    = retry.DefaultInterval
	pingTimeout = 5 * time.Second

	// Generation is synchronous and slow models take their time.
	httpTimeout = 5 * time.Minute
)

// request is one parsed image request.
type request struct {
	Prompt   string
	Model    string
	Sampler  string
	Steps    int
	Seed     int
	CfgScale float64
	ImageURL string

	modelSet bool
}

func parseRequest(trigger, prompt string) (*request, error) {
	req := &request{}
	p := promptargs.New(trigger)
	p.StringVarP(&req.Model, "model", "m", defaultModel, "model checkpoint to generate with")
	p.StringVarP(&req.Sampler, "sampler", "s", defaultSampler, "sampler to generate with")
	p.IntVarP(&req.Steps, "steps", "t", defaultSteps, "number of generation steps")
	p.StringVarP(&req.ImageURL, "imgurl", "i", "", "start generation from the image at this URL")
	p.IntVarP(&req.Seed, "seed", "e", defaultSeed, "generation seed, -1 for random")
	p.Float64VarP(&req.CfgScale, "cfgscale", "c", defaultCfgScale, "CFG scale")

	rest, err := p.Parse(prompt)
	if err != nil {
		return nil, err
	}
	req.Prompt = rest
	req.modelSet = p.Changed("model")
	return req, nil
}

// generationPayload is the request body for both txt2img and img2img.
type generationPayload struct {
	Prompt           string            `json:"prompt"`
	Seed             int               `json:"seed"`
	Steps            int               `json:"steps"`
	SamplerName      string            `json:"sampler_name"`
	CfgScale         float64           `json:"cfg_scale"`
	RestoreFaces     bool              `json:"restore_faces"`
	HrUpscaler       string            `json:"hr_upscaler"`
	OverrideSettings map[string]string `json:"override_settings"`
	InitImages       []string          `json:"init_images,omitempty"`
}

// Backend generates images with the Stable Diffusion WebUI.
type Backend struct {
	worker.Base

	cfg    *config.Config
	logger zerolog.Logger
	met    *metrics.Metrics

	apiURL string
	models map[string]string
	httpc  *http.Client

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds the A1111 backend from the service endpoint in cfg.
func New(cfg *config.Config, logger zerolog.Logger, met *metrics.Metrics) *Backend {
	b := &Backend{
		cfg:    cfg,
		logger: logger.With().Str("component", "a1111").Logger(),
		met:    met,
		apiURL: cfg.A1111.URL() + "/sdapi/v1",
		models: cfg.A1111.Models,
		httpc:  &http.Client{Timeout: httpTimeout},
		stopCh: make(chan struct{}),
	}
	b.Init("a1111", "", worker.EndBackend)
	return b
}

// Boot polls the WebUI until it answers, reports ready, then blocks until
// Shutdown. Requests arriving before readiness are redelivered.
func (b *Backend) Boot(ctx context.Context) error {
	b.logger.Info().Str("api", b.apiURL).Msg("a1111 backend starting")

	for !b.ping(ctx) {
		if b.stopping(ctx) {
			return nil
		}
		b.logger.Info().Dur("wait", bootWait).Msg("a1111 not reachable yet")
		b.met.RecordReconnect("a1111")
		if !retry.Wait(ctx, bootWait) {
			return nil
		}
	}

	b.logger.Info().Msg("a1111 reachable")
	b.SetBooted(true)
	defer b.SetBooted(false)

	select {
	case <-ctx.Done():
	case <-b.stopCh:
	}
	return nil
}

func (b *Backend) ping(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pingCtx, http.MethodGet, b.apiURL+"/options", nil)
	if err != nil {
		return false
	}
	resp, err := b.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Shutdown unblocks Boot. Idempotent.
func (b *Backend) Shutdown() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

func (b *Backend) stopping(ctx context.Context) bool {
	select {
	case <-b.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Receive handles one image request synchronously: parse prompt flags, POST
// the generation payload, decode the base64 image out of the response.
func (b *Backend) Receive(ctx context.Context, subject string, env *envelope.Envelope) (bool, error) {
	b.logger.Info().Str("envelope", env.String()).Msg("workload received")

	req, err := parseRequest(env.Trigger, env.Prompt)
	if err != nil {
		var usage *promptargs.UsageError
		if errors.As(err, &usage) {
			env.SetUsage(usage.Help)
			return true, b.Send(ctx, env)
		}
		env.SetError(fmt.Sprintf("Something is wrong with your arguments, try %s --help (%v)", env.Trigger, err))
		return true, b.Send(ctx, env)
	}
	if env.ImageURL != "" {
		req.ImageURL = env.ImageURL
	}
	if !req.modelSet {
		if model, ok := b.models[env.Trigger]; ok {
			req.Model = model
		}
	}

	if !b.Booted() {
		env.SetError("Not connected to A1111 right now, I'll try again later")
		if err := b.Send(ctx, env); err != nil {
			b.logger.Error().Err(err).Msg("reply publish failed")
		}
		return false, nil
	}

	image, err := b.generate(ctx, req)
	if err != nil {
		b.logger.Error().Err(err).Msg("generation failed")
		b.met.RecordBackendError("a1111", errorCategory(err))
		env.SetError(replyError(err))
		return true, b.Send(ctx, env)
	}

	env.SetImage(image)
	b.logger.Info().Str("to", env.ReplyTo).Str("channel", env.Channel).Str("user", env.User).Msg("sending image reply")
	return true, b.Send(ctx, env)
}

func (b *Backend) generate(ctx context.Context, req *request) ([]byte, error) {
	payload := generationPayload{
		Prompt:       req.Prompt,
		Seed:         req.Seed,
		Steps:        req.Steps,
		SamplerName:  req.Sampler,
		CfgScale:     req.CfgScale,
		RestoreFaces: true,
		HrUpscaler:   "SwinIR_4x",
		OverrideSettings: map[string]string{
			"sd_model_checkpoint": req.Model,
		},
	}

	url := b.apiURL + "/txt2img"
	if req.ImageURL != "" {
		b.logger.Info().Str("url", req.ImageURL).Msg("fetching input image")
		data, err := imaging.Fetch(ctx, b.httpc, req.ImageURL)
		if err != nil {
			return nil, err
		}
		url = b.apiURL + "/img2img"
		payload.InitImages = []string{base64.StdEncoding.EncodeToString(data)}
	}

	b.logger.Info().Str("url", url).Str("prompt", req.Prompt).Str("model", req.Model).
		Int("steps", req.Steps).Msg("posting generation request")

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post generation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, derrors.NewAPIError("a1111", resp.StatusCode, resp.Status)
	}

	var out struct {
		Images []string `json:"images"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode generation response: %w", err)
	}
	if len(out.Images) == 0 {
		return nil, imaging.Errorf("A1111 did not return any images")
	}

	// Some WebUI versions return a data URI instead of bare base64.
	encoded := out.Images[0]
	if strings.HasPrefix(encoded, "data:") {
		if i := strings.IndexByte(encoded, ','); i >= 0 {
			encoded = encoded[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode image data: %w", err)
	}
	return data, nil
}

func replyError(err error) string {
	var imgErr *imaging.Error
	var apiErr *derrors.APIError
	switch {
	case errors.As(err, &imgErr):
		return imgErr.Error()
	case errors.As(err, &apiErr):
		return "Error from A1111: " + apiErr.Message
	default:
		return "Unknown error: " + err.Error()
	}
}

func errorCategory(err error) string {
	var apiErr *derrors.APIError
	switch {
	case errors.Is(err, derrors.ErrImageFetch):
		return "image_fetch"
	case errors.As(err, &apiErr):
		return "upstream"
	default:
		return "unknown"
	}
}
