package health

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/yieldguard/internal/emergency"
)

// Database pings db with a short timeout.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Emergency reports the circuit breaker state. Halted is unhealthy.
func Emergency(c *emergency.Controller) Checker {
	return func(context.Context) Status {
		st := c.Status()
		if st.State == emergency.StateHalted {
			return Status{Healthy: false, Detail: fmt.Sprintf("halted: %s", st.Reason)}
		}
		return Status{Healthy: true, Detail: "active"}
	}
}

// Staleness fails when any monitored asset has stale risk data. stale lists
// the offending assets.
func Staleness(stale func() []string) Checker {
	return func(context.Context) Status {
		assets := stale()
		if len(assets) > 0 {
			return Status{Healthy: false, Detail: "stale risk data: " + strings.Join(assets, ", ")}
		}
		return Status{Healthy: true}
	}
}
