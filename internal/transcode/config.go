package transcode

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"peertube-live/internal/observability/metrics"
)

// Config points at the packaging service. An empty BaseURL disables it and
// NewController returns a NoopController.
type Config struct {
	BaseURL         string
	Token           string
	PlaybackBaseURL string
	HealthEndpoint  string
	// Ladder defaults to DefaultLadder.
	Ladder        []Rendition
	HTTPClient    *http.Client
	MaxAttempts   int
	RetryInterval time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.BaseURL) != ""
}

// Validate is a no-op for a disabled config.
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	var errs []error
	if strings.TrimSpace(c.Token) == "" {
		errs = append(errs, errors.New("transcode: token is required"))
	}
	if c.MaxAttempts < 0 {
		errs = append(errs, errors.New("transcode: max attempts must not be negative"))
	}
	if c.RetryInterval < 0 {
		errs = append(errs, errors.New("transcode: retry interval must not be negative"))
	}
	return errors.Join(errs...)
}

func (c Config) NewController() (Controller, error) {
	if !c.Enabled() {
		return NoopController{PlaybackBaseURL: c.PlaybackBaseURL}, nil
	}
	return c.NewHTTPController()
}

func (c Config) NewHTTPController() (*HTTPController, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if len(c.Ladder) == 0 {
		c.Ladder = DefaultLadder()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.HealthEndpoint == "" {
		c.HealthEndpoint = "/healthz"
	}
	c.MaxAttempts = max(c.MaxAttempts, 1)
	if c.Metrics == nil {
		c.Metrics = metrics.Default()
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPController{config: c, logger: logger}, nil
}
