package crl

import (
	"context"
	"math/big"
	"time"

	"github.com/houzhh15/pkd-trust/logging"
)

const (
	DefaultTimeoutSeconds = 30
	MinTimeoutSeconds     = 5
	MaxTimeoutSeconds     = 300
)

// ClampTimeout maps a requested timeout onto 5..300 seconds; zero selects
// the default of 30.
func ClampTimeout(seconds int) time.Duration {
	switch {
	case seconds == 0:
		seconds = DefaultTimeoutSeconds
	case seconds < MinTimeoutSeconds:
		seconds = MinTimeoutSeconds
	case seconds > MaxTimeoutSeconds:
		seconds = MaxTimeoutSeconds
	}
	return time.Duration(seconds) * time.Second
}

// Revocation is the CertificateRevoked outcome.
type Revocation struct {
	Reason         RevocationReason `json:"reasonCode"`
	ReasonName     string           `json:"reason"`
	RevocationDate time.Time        `json:"revocationDate"`
}

// RevocationResult is the answer of a revocation check. When CrlChecked is
// false the check failed open and Revoked is always false.
type RevocationResult struct {
	Revoked        bool        `json:"revoked"`
	CrlChecked     bool        `json:"crlChecked"`
	Stale          bool        `json:"stale,omitempty"`
	Origin         Origin      `json:"origin,omitempty"`
	Revocation     *Revocation `json:"revocation,omitempty"`
	FailOpenReason string      `json:"failOpenReason,omitempty"`
}

// Checker answers revocation queries from a Cache.
type Checker struct {
	cache  *Cache
	logger logging.Logger
}

// NewChecker creates a checker over c.
func NewChecker(c *Cache, logger logging.Logger) *Checker {
	return &Checker{cache: c, logger: logging.OrNop(logger)}
}

// Cache exposes the underlying cache, e.g. for ClearMemoryCache.
func (k *Checker) Cache() *Cache { return k.cache }

// CheckRevocation tests serial against the CRL of issuerDN. It never
// returns an error: an unobtainable CRL yields revoked=false, crlChecked=false.
func (k *Checker) CheckRevocation(ctx context.Context, issuerDN string, serial *big.Int, forceFresh bool, timeoutSeconds int) *RevocationResult {
	key := KeyFor(issuerDN)
	entry, err := k.cache.Get(ctx, key, forceFresh, ClampTimeout(timeoutSeconds))
	if err != nil {
		k.logger.Warn("CRL unavailable, revocation check failed open",
			"issuer", issuerDN, "serial", SerialHex(serial), "error", err)
		recordCheck("fail_open")
		return &RevocationResult{FailOpenReason: err.Error()}
	}

	res := &RevocationResult{CrlChecked: true, Stale: entry.Stale, Origin: entry.Origin}
	if e, ok := entry.CRL.Find(serial); ok {
		res.Revoked = true
		res.Revocation = &Revocation{
			Reason:         e.Reason,
			ReasonName:     e.Reason.String(),
			RevocationDate: e.RevocationDate,
		}
		k.logger.Info("Certificate revoked",
			"issuer", issuerDN, "serial", SerialHex(serial), "reason", e.Reason.String())
		recordCheck("revoked")
		return res
	}
	recordCheck("good")
	return res
}
