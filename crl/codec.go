package crl

import (
	"encoding/json"
	"errors"
	"time"
)

// storedEntry is the persisted form of a CacheEntry. Only the DER is kept;
// the revoked-entry index is rebuilt on load.
type storedEntry struct {
	IssuerDN    string    `json:"issuerDn"`
	CountryCode string    `json:"countryCode"`
	FetchedAt   time.Time `json:"fetchedAt"`
	DER         []byte    `json:"der"`
}

// MarshalEntry encodes e for a persistent tier.
func MarshalEntry(e *CacheEntry) ([]byte, error) {
	if e == nil || e.CRL == nil {
		return nil, errors.New("cache entry has no CRL")
	}
	if len(e.CRL.RawDER) == 0 {
		return nil, errors.New("CRL has no DER encoding")
	}
	return json.Marshal(storedEntry{
		IssuerDN:    e.Key.IssuerDN,
		CountryCode: e.Key.CountryCode,
		FetchedAt:   e.FetchedAt,
		DER:         e.CRL.RawDER,
	})
}

// UnmarshalEntry decodes a persisted entry and re-parses its CRL.
func UnmarshalEntry(data []byte) (*CacheEntry, error) {
	var s storedEntry
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	list, err := Parse(s.DER)
	if err != nil {
		return nil, err
	}
	return &CacheEntry{
		Key:       Key{IssuerDN: s.IssuerDN, CountryCode: s.CountryCode},
		CRL:       list,
		FetchedAt: s.FetchedAt,
		Origin:    OriginDB,
	}, nil
}
