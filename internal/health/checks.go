package health

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Database reports whether the PostgreSQL pool answers a ping.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		stats := db.Stats()
		return Status{
			Name:    "database",
			Healthy: true,
			Detail:  fmt.Sprintf("open=%d in_use=%d", stats.OpenConnections, stats.InUse),
		}
	}
}

// Redis reports whether the shared cooldown index is reachable.
func Redis(client redis.UniversalClient) Checker {
	return func(ctx context.Context) Status {
		if err := client.Ping(ctx).Err(); err != nil {
			return Status{Name: "redis", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "redis", Healthy: true}
	}
}

// Runner is satisfied by the background sweep timers.
type Runner interface {
	Running() bool
}

// Loop reports whether a background loop is still running.
func Loop(name string, r Runner) Checker {
	return func(context.Context) Status {
		if !r.Running() {
			return Status{Name: name, Healthy: false, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}
