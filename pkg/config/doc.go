// Package config loads impromptu configuration from environment variables.
//
// # Configuration Structure
//
// Packages and retrieval:
//
//	IMPROMPTU_ROOT="$HOME/.cache/ImpromptuPackages"
//	IMPROMPTU_SOURCES="/srv/feed,https://registry.example.com,s3://plugins/feed/"
//	IMPROMPTU_POLL_INTERVAL="50ms"
//	IMPROMPTU_WAIT_BUDGET="30s"
//	IMPROMPTU_STALE_LOCK_AGE="1m"  # 0 means twice the wait budget
//
// Discovery:
//
//	IMPROMPTU_ISOLATION="state"  # state, worker
//	IMPROMPTU_INSPECT_WORKERS="8"
//	IMPROMPTU_HOST_DIR="/opt/app/modules"
//
// Registry index cache and remote sources:
//
//	IMPROMPTU_CACHE_ENABLED="true"
//	IMPROMPTU_CACHE_SIZE="1024"
//	IMPROMPTU_REDIS_URL="redis://localhost:6379/0"
//	IMPROMPTU_S3_REGION="us-east-1"
//	IMPROMPTU_S3_ENDPOINT="http://localhost:9000"
//
// Registry server:
//
//	IMPROMPTU_HOST="0.0.0.0"
//	IMPROMPTU_PORT="8080"
//	IMPROMPTU_FEED_DIR="/srv/feed"
//	IMPROMPTU_WATCH="true"
//	IMPROMPTU_REINDEX_SCHEDULE="*/5 * * * *"  # for feeds fsnotify cannot watch
//
// Observability:
//
//	IMPROMPTU_LOG_LEVEL="info"  # debug, info, warn, error
//	IMPROMPTU_LOG_FORMAT="text" # text, json
//	IMPROMPTU_METRICS_ENABLED="true"
//	IMPROMPTU_OTEL_ENABLED="true"
//	IMPROMPTU_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("Root: %s, sources: %v\n", cfg.Packages.Root, cfg.Packages.Sources)
package config
