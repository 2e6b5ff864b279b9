// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Request signing headers.
const (
	SignatureHeader = "X-Signature"
	TimestampHeader = "X-Timestamp"

	signaturePrefix = "sha256="
)

// MaxSignedBody caps how much of a signed request is read for verification.
const MaxSignedBody = 1 << 20

// Sign returns the X-Signature value for body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Signature creates a middleware that verifies HMAC-signed requests.
//
// # Description
//
// The caller sends:
//
//	X-Signature: sha256=<hex HMAC-SHA256 of the raw body>
//	X-Timestamp: <unix milliseconds>
//
// The request is rejected with 401 when the signature does not match or
// the timestamp is further than maxDrift from now in either direction. The
// body is restored for the handler after reading.
//
// An empty secret disables the check.
//
// # Inputs
//
//   - secret: shared HMAC key.
//   - maxDrift: accepted clock skew; <= 0 uses five minutes.
//   - now: time source; nil uses time.Now.
func Signature(secret []byte, maxDrift time.Duration, now func() time.Time) gin.HandlerFunc {
	if len(secret) == 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if maxDrift <= 0 {
		maxDrift = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	key := bytes.Clone(secret)

	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxSignedBody+1))
		if err != nil || len(body) > MaxSignedBody {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		got := c.GetHeader(SignatureHeader)
		if !hmac.Equal([]byte(got), []byte(Sign(key, body))) {
			slog.Warn("Rejected request with bad signature", "path", c.FullPath(), "remote", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		ts, err := strconv.ParseInt(c.GetHeader(TimestampHeader), 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid timestamp"})
			return
		}
		drift := now().Sub(time.UnixMilli(ts))
		if drift < 0 {
			drift = -drift
		}
		if drift > maxDrift {
			slog.Warn("Rejected stale signed request", "path", c.FullPath(), "drift", drift)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request expired"})
			return
		}

		c.Next()
	}
}
