// Package mirror implements the optional real-time state mirror: task and
// payment lifecycle changes fanned out to Firestore for dashboard/UI
// consumers. The Firestore client carries an enabled/no-op toggle and
// writes one document path per entity; failures are logged and dropped,
// never propagated to the state machines feeding it.
package mirror

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	gcpfirestore "cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"
)

// Client wraps the Firestore client used to mirror gateway state. When
// disabled, every write is a no-op so local development never needs live
// GCP credentials.
type Client struct {
	app       *firebase.App
	firestore *gcpfirestore.Client
	projectID string
	logger    *log.Logger
	enabled   bool
	mu        sync.RWMutex
}

// ClientConfig configures a Client.
type ClientConfig struct {
	ProjectID       string
	CredentialsFile string
	Enabled         bool
	Logger          *log.Logger
}

// DefaultConfig reads ClientConfig from the FIREBASE_PROJECT_ID /
// GOOGLE_APPLICATION_CREDENTIALS / MIRROR_ENABLED environment variables.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		ProjectID:       os.Getenv("FIREBASE_PROJECT_ID"),
		CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		Enabled:         getEnvBool("MIRROR_ENABLED", false),
		Logger:          log.New(os.Stdout, "[Mirror] ", log.LstdFlags),
	}
}

// NewClient creates a Client. If cfg.Enabled is false it returns a no-op
// client immediately without touching GCP.
func NewClient(ctx context.Context, cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[Mirror] ", log.LstdFlags)
	}

	client := &Client{projectID: cfg.ProjectID, logger: cfg.Logger, enabled: cfg.Enabled}
	if !cfg.Enabled {
		cfg.Logger.Println("state mirror is disabled - running in no-op mode")
		return client, nil
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("mirror: FIREBASE_PROJECT_ID is required when the mirror is enabled")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("mirror: failed to initialize firebase app: %w", err)
	}
	fs, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("mirror: failed to create firestore client: %w", err)
	}

	client.app = app
	client.firestore = fs
	cfg.Logger.Printf("state mirror connected to project %s", cfg.ProjectID)
	return client, nil
}

// Close releases the underlying Firestore connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.firestore != nil {
		return c.firestore.Close()
	}
	return nil
}

// IsEnabled reports whether the mirror performs live writes.
func (c *Client) IsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// setDoc upserts fields at docPath, a no-op when the mirror is disabled.
func (c *Client) setDoc(ctx context.Context, docPath string, fields map[string]interface{}) error {
	if !c.IsEnabled() {
		return nil
	}
	if c.firestore == nil {
		return fmt.Errorf("mirror: firestore client not initialized")
	}
	_, err := c.firestore.Doc(docPath).Set(ctx, fields, gcpfirestore.MergeAll)
	return err
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val == "true" || val == "1" || val == "yes"
}
