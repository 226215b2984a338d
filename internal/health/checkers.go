package health

import (
	"context"
	"fmt"

	"github.com/mbd888/paymeter/internal/audit"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Ping reports whether the database answers.
func Ping(db Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Runner is a background loop that reports whether it is running.
type Runner interface {
	Running() bool
}

// Running reports whether a background loop is alive.
func Running(r Runner) Checker {
	return func(context.Context) Status {
		if !r.Running() {
			return Status{Healthy: false, Detail: "not running"}
		}
		return Status{Healthy: true}
	}
}

// ChainVerifier is satisfied by *audit.Log.
type ChainVerifier interface {
	VerifyChainIntegrity() audit.IntegrityResult
}

// AuditChain reports whether the retained audit chain verifies.
func AuditChain(log ChainVerifier) Checker {
	return func(context.Context) Status {
		res := log.VerifyChainIntegrity()
		if !res.Valid {
			return Status{Healthy: false, Detail: fmt.Sprintf("chain broken at %s", res.BrokenAt)}
		}
		return Status{Healthy: true, Detail: fmt.Sprintf("%d entries verified", res.Checked)}
	}
}

// Capacity is a bounded store reporting how many of its slots are taken.
type Capacity interface {
	Occupancy() int
	MaxSize() int
}

// Headroom reports unhealthy once the store is at or above threshold of
// its bound, so callers shed load before admissions start failing.
func Headroom(c Capacity, threshold float64) Checker {
	return func(context.Context) Status {
		n, limit := c.Occupancy(), c.MaxSize()
		if limit <= 0 {
			return Status{Healthy: true}
		}
		detail := fmt.Sprintf("%d/%d", n, limit)
		if float64(n) >= threshold*float64(limit) {
			return Status{Healthy: false, Detail: detail}
		}
		return Status{Healthy: true, Detail: detail}
	}
}
