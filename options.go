package kanmon

import (
	"log/slog"

	"github.com/kanmon-dev/kanmon/internal/events"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	notifyURL       string
	policyPath      string
	logger          *slog.Logger
	version         string
	workerDisabled  bool
	extraPublishers []events.Publisher
}

// WithPort overrides the TCP port from config (KANMON_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when using a connection pooler (e.g. PgBouncer) for queries — LISTEN/NOTIFY
// requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithPolicyPath overrides the policy document path from config (KANMON_POLICY_PATH env var).
func WithPolicyPath(path string) Option {
	return func(o *resolvedOptions) { o.policyPath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithoutExpirationWorker disables the in-process expiration worker.
// Use when expiration runs in a dedicated deployment (cmd/kanmon-worker)
// so the API instances don't compete for the same sweep.
func WithoutExpirationWorker() Option {
	return func(o *resolvedOptions) { o.workerDisabled = true }
}

// WithPublisher registers an additional event publisher alongside the
// built-in log and NOTIFY publishers. Multiple publishers may be
// registered; every lifecycle event is delivered to all of them.
func WithPublisher(p events.Publisher) Option {
	return func(o *resolvedOptions) { o.extraPublishers = append(o.extraPublishers, p) }
}
