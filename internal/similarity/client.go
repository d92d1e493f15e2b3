// Package similarity wraps the Qdrant vector index holding historical
// vulnerability fixes. The auto-fix saga queries it with a finding's
// signature vector to collect context for fix generation.
package similarity

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

// Config configures the similarity index client.
type Config struct {
	// Host is the Qdrant server hostname or IP address.
	// Default: "localhost"
	Host string `koanf:"host"`

	// Port is the Qdrant gRPC port (NOT the HTTP REST port).
	// Default: 6334
	Port int `koanf:"port"`

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool `koanf:"use_tls"`

	// APIKey is the optional API key. Leave empty for local development.
	APIKey string `koanf:"api_key"`

	// Collection holds the indexed historical fixes.
	// Default: "security-fixes"
	Collection string `koanf:"collection"`

	// TopK is the default number of matches per query.
	// Default: 5
	TopK int `koanf:"top_k"`

	// DialTimeout bounds connection establishment.
	// Default: 5 seconds
	DialTimeout time.Duration `koanf:"dial_timeout"`

	// RequestTimeout bounds individual queries.
	// Default: 30 seconds
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		Host:           "localhost",
		Port:           6334,
		Collection:     "security-fixes",
		TopK:           5,
		DialTimeout:    5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.Host == "" {
		c.Host = defaults.Host
	}
	if c.Port == 0 {
		c.Port = defaults.Port
	}
	if c.Collection == "" {
		c.Collection = defaults.Collection
	}
	if c.TopK == 0 {
		c.TopK = defaults.TopK
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaults.DialTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
}

// Validate validates the client configuration.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}
	if c.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	return nil
}

// Match is one historical fix returned by the index, most relevant first.
type Match struct {
	ID        string  `json:"id"`
	Score     float32 `json:"score"`
	CVEID     string  `json:"cveId,omitempty"`
	Summary   string  `json:"summary,omitempty"`
	PatchText string  `json:"patchText,omitempty"`
}

// Index is a Qdrant-backed similarity index.
type Index struct {
	client *qdrant.Client
	cfg    Config
	logger *logging.Logger
}

// NewIndex connects to Qdrant and verifies the connection.
func NewIndex(cfg Config, logger *logging.Logger) (*Index, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	qdrantConfig := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
	}
	if !cfg.UseTLS {
		qdrantConfig.GrpcOptions = append(qdrantConfig.GrpcOptions,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	}

	client, err := qdrant.NewClient(qdrantConfig)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	idx := &Index{client: client, cfg: cfg, logger: logger.Named("similarity")}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant health check: %w", err)
	}
	logger.Info(ctx, "similarity index connected",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", cfg.Collection),
	)
	return idx, nil
}

// Query returns the topK most similar historical fixes for the signature
// vector, ordered by relevance score descending.
func (x *Index) Query(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = x.cfg.TopK
	}
	ctx, cancel := context.WithTimeout(ctx, x.cfg.RequestTimeout)
	defer cancel()

	points, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: x.cfg.Collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query collection %q: %w", x.cfg.Collection, err)
	}

	matches := make([]Match, 0, len(points))
	for _, point := range points {
		matches = append(matches, matchFromPoint(point))
	}
	x.logger.Debug(ctx, "similarity query completed",
		zap.Int("top_k", topK),
		zap.Int("matches", len(matches)),
	)
	return matches, nil
}

// Close releases the underlying gRPC connection.
func (x *Index) Close() error {
	return x.client.Close()
}

func matchFromPoint(point *qdrant.ScoredPoint) Match {
	m := Match{Score: point.GetScore()}
	if id := point.GetId(); id != nil {
		if uuid := id.GetUuid(); uuid != "" {
			m.ID = uuid
		} else {
			m.ID = fmt.Sprintf("%d", id.GetNum())
		}
	}
	payload := point.GetPayload()
	if v, ok := payload["cve_id"]; ok {
		m.CVEID = v.GetStringValue()
	}
	if v, ok := payload["summary"]; ok {
		m.Summary = v.GetStringValue()
	}
	if v, ok := payload["patch"]; ok {
		m.PatchText = v.GetStringValue()
	}
	return m
}
