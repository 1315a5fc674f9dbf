/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package middleware

import (
	"crypto/subtle"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/blnkfinance/contentsync/config"
	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"
)

// KeyHeader carries the admin secret.
const KeyHeader = "X-Contentsync-Key"

const defaultLimiterTTL = 3 * time.Hour

// RateLimitMiddleware throttles callers by remote address. Without a
// configured rate it lets every request through.
func RateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	lmt := newLimiter(conf.RateLimit)
	if lmt == nil {
		return func(c *gin.Context) { c.Next() }
	}

	retryAfter := strconv.Itoa(int(math.Ceil(1 / lmt.GetMax())))
	return func(c *gin.Context) {
		if limited := tollbooth.LimitByRequest(lmt, c.Writer, c.Request); limited != nil {
			c.Header("Retry-After", retryAfter)
			reject(c, limited.StatusCode, limited.Message)
			return
		}
		c.Next()
	}
}

func newLimiter(rl config.RateLimitConfig) *limiter.Limiter {
	if rl.RequestsPerSecond == nil || rl.Burst == nil || *rl.RequestsPerSecond <= 0 {
		return nil
	}

	ttl := defaultLimiterTTL
	if rl.CleanupIntervalSec != nil && *rl.CleanupIntervalSec > 0 {
		ttl = time.Duration(*rl.CleanupIntervalSec) * time.Second
	}

	lmt := tollbooth.NewLimiter(*rl.RequestsPerSecond, &limiter.ExpirableOptions{DefaultExpirationTTL: ttl})
	lmt.SetBurst(*rl.Burst)
	lmt.SetMessage("too many sync requests, slow down")
	return lmt
}

// SecretKeyAuthMiddleware admits requests carrying secretKey in KeyHeader.
func SecretKeyAuthMiddleware(secretKey string) gin.HandlerFunc {
	want := []byte(secretKey)
	return func(c *gin.Context) {
		got := c.GetHeader(KeyHeader)
		switch {
		case got == "":
			reject(c, http.StatusUnauthorized, "missing "+KeyHeader+" header")
		case subtle.ConstantTimeCompare(want, []byte(got)) != 1:
			reject(c, http.StatusUnauthorized, "invalid secret key")
		default:
			c.Next()
		}
	}
}

func reject(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
