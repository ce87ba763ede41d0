// Package imagegen produces the artwork attached to a minted reward.
package imagegen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrUnavailable wraps every failure to obtain an image.
var ErrUnavailable = errors.New("imagegen: image collaborator unavailable")

// DefaultPlaceholderURL is returned when no API key is configured.
const DefaultPlaceholderURL = "ipfs://bafkreia2xtwvy7gxxnoqrbl3ulo3hhtbkxgpmmhwe5asbyrefxa7ebxcwe"

// Config holds configuration for the image generator.
type Config struct {
	// APIKey enables generation. When empty every request returns
	// PlaceholderURL.
	APIKey string

	// BaseURL is the API root. Defaults to the OpenAI endpoint.
	BaseURL string

	// Model defaults to dall-e-3.
	Model string

	// Timeout bounds a single attempt. Defaults to 90 seconds.
	Timeout time.Duration

	// MaxRetries for transport failures, 429 and 5xx. Defaults to 1.
	MaxRetries int

	// PlaceholderURL overrides DefaultPlaceholderURL.
	PlaceholderURL string

	HTTPClient *http.Client
}

// Artwork is the pair of images minted with a reward.
type Artwork struct {
	ImageURI        string
	DopplegangerURI string
}

// Generator turns prompts into image URLs.
type Generator struct {
	config Config
	api    openai.Client
	log    *zap.Logger
}

// New creates a Generator.
func New(cfg Config, log *zap.Logger) *Generator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.ImageModelDallE3)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 1
	}
	if cfg.PlaceholderURL == "" {
		cfg.PlaceholderURL = DefaultPlaceholderURL
	}
	if log == nil {
		log = zap.NewNop()
	}

	opts := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/") + "/"),
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &Generator{config: cfg, api: openai.NewClient(opts...), log: log.Named("imagegen")}
}

// Enabled reports whether real generation is configured.
func (g *Generator) Enabled() bool {
	return g.config.APIKey != ""
}

// Generate returns the URL of one image for prompt.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	if !g.Enabled() {
		return g.config.PlaceholderURL, nil
	}

	var url string
	backoff := retry.WithMaxRetries(uint64(max(g.config.MaxRetries, 0)), retry.NewExponential(time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		out, err := g.generateOnce(ctx, prompt)
		if err == nil {
			url = out
			return nil
		}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode != http.StatusTooManyRequests && apiErr.StatusCode < 500 {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		g.log.Warn("image generation failed, retrying", zap.Error(err))
		return retry.RetryableError(err)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return url, nil
}

func (g *Generator) generateOnce(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	resp, err := g.api.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         prompt,
		Model:          openai.ImageModel(g.config.Model),
		N:              openai.Int(1),
		Size:           openai.ImageGenerateParamsSize1024x1024,
		ResponseFormat: openai.ImageGenerateParamsResponseFormatURL,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", errors.New("imagegen: empty reply")
	}
	return resp.Data[0].URL, nil
}

// Artwork generates the performance image and the doppelganger image
// concurrently.
func (g *Generator) Artwork(ctx context.Context, performance, doppleganger string) (Artwork, error) {
	var art Artwork
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		url, err := g.Generate(ctx, PerformancePrompt(performance))
		art.ImageURI = url
		return err
	})
	eg.Go(func() error {
		url, err := g.Generate(ctx, DopplegangerPrompt(doppleganger))
		art.DopplegangerURI = url
		return err
	})
	if err := eg.Wait(); err != nil {
		return Artwork{}, err
	}
	return art, nil
}

// PerformancePrompt describes the badge art for a performance summary.
func PerformancePrompt(performance string) string {
	if performance == "" {
		performance = "a determined rookie"
	}
	return fmt.Sprintf("Collectible trading-card art of a slingshot champion, vibrant cartoon style, reflecting this performance: %s", performance)
}

// DopplegangerPrompt describes the portrait art for the player's gamer match.
func DopplegangerPrompt(match string) string {
	if match == "" {
		match = "a mysterious web3 builder"
	}
	return fmt.Sprintf("Playful cartoon portrait of %s as a slingshot game hero, collectible trading-card style", match)
}
