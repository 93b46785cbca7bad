package middleware

import (
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// ConnectionTracker counts requests currently being served.
type ConnectionTracker struct {
	count atomic.Int64
}

func (ct *ConnectionTracker) Increment() { ct.count.Add(1) }

func (ct *ConnectionTracker) Decrement() { ct.count.Add(-1) }

// Count returns the number of in-flight requests.
func (ct *ConnectionTracker) Count() int64 { return ct.count.Load() }

// ActiveConnections is the tracker used by ConnectionTrackerMiddleware.
var ActiveConnections = &ConnectionTracker{}

// ConnectionTrackerMiddleware keeps ActiveConnections current. Long uploads
// and queued analyses show up here while they wait for the dispatcher.
func ConnectionTrackerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ActiveConnections.Increment()
		defer ActiveConnections.Decrement()
		c.Next()
	}
}
