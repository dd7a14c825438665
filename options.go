package keyfold

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keyfold/client-go/internal/crypto"
)

const (
	defaultBaseURL   = "https://api.keyfold.io"
	defaultTimeout   = 30 * time.Second
	defaultStorePath = "keyfold.db"

	// refreshTimeout bounds the possession-proof refresh round trip. An
	// indefinitely hanging refresh would block every subsequent
	// authenticated call.
	refreshTimeout = 10 * time.Second

	// syncTimeout bounds a whole synchronization round.
	syncTimeout = 60 * time.Second
)

// clientConfig holds configuration for the client.
type clientConfig struct {
	baseURL       string
	httpClient    *http.Client
	timeout       time.Duration
	retries       int
	retryOn       []int
	kdfIterations int
	storePath     string
	logger        *logrus.Logger
	rateRPS       float64
	rateBurst     int
}

// Option configures the client.
type Option func(*clientConfig)

// WithBaseURL sets the API base URL.
func WithBaseURL(url string) Option {
	return func(c *clientConfig) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *clientConfig) {
		c.httpClient = client
	}
}

// WithTimeout sets the default request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) {
		c.timeout = timeout
	}
}

// WithRetries sets the number of retries for API calls.
func WithRetries(count int) Option {
	return func(c *clientConfig) {
		c.retries = count
	}
}

// WithRetryOn sets the HTTP status codes that trigger a retry.
// Default: [408, 429, 500, 502, 503, 504]
func WithRetryOn(statusCodes []int) Option {
	return func(c *clientConfig) {
		c.retryOn = statusCodes
	}
}

// WithKDFIterations sets the PBKDF2 cost parameter. All devices of an
// account must agree on this value. Default: 600000.
func WithKDFIterations(iterations int) Option {
	return func(c *clientConfig) {
		c.kdfIterations = iterations
	}
}

// WithStorePath sets the local store file path. Default: keyfold.db in
// the working directory.
func WithStorePath(path string) Option {
	return func(c *clientConfig) {
		c.storePath = path
	}
}

// WithLogger sets the logger. Default: logrus at Warn level.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithRateLimit throttles outgoing API requests client-side to rps
// requests per second with the given burst. Zero disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *clientConfig) {
		c.rateRPS = rps
		c.rateBurst = burst
	}
}

func defaultConfig() *clientConfig {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	return &clientConfig{
		baseURL:       defaultBaseURL,
		timeout:       defaultTimeout,
		retries:       3,
		kdfIterations: crypto.DefaultIterations,
		storePath:     defaultStorePath,
		logger:        log,
	}
}
