package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"rental_dedupe/identity"
	"rental_dedupe/models"
	"rental_dedupe/storage"
)

// Defaults for the fuzzy retrieval window
const (
	DefaultCandidateWindow = 100
	DefaultRadiusMeters    = 200.0
	minSharedAddressTokens = 2
)

// Exact match sources
const (
	MatchedBySourceURL = "source_url"
	MatchedBySourceID  = "source_id"
)

// Retrieval is what CandidateRetriever found for one candidate. Exact, when
// set, is authoritative and Candidates is empty.
type Retrieval struct {
	Exact      *models.Record
	ExactVia   string
	Candidates []*models.Record
}

// RetrieverOptions tunes candidate retrieval
type RetrieverOptions struct {
	Window       int
	RadiusMeters float64
	// ItemURLMarkers holds the permalink marker per source platform
	ItemURLMarkers map[string]string
}

// CandidateRetriever finds existing records an incoming candidate may duplicate
type CandidateRetriever struct {
	store   storage.Queries
	window  int
	radius  float64
	markers map[string]string
}

// NewCandidateRetriever creates a new CandidateRetriever
func NewCandidateRetriever(store storage.Queries, opts RetrieverOptions) *CandidateRetriever {
	if opts.Window <= 0 {
		opts.Window = DefaultCandidateWindow
	}
	if opts.RadiusMeters <= 0 {
		opts.RadiusMeters = DefaultRadiusMeters
	}
	return &CandidateRetriever{
		store:   store,
		window:  opts.Window,
		radius:  opts.RadiusMeters,
		markers: opts.ItemURLMarkers,
	}
}

// Retrieve runs the exact lookups and, when they miss, the fuzzy filter
func (r *CandidateRetriever) Retrieve(ctx context.Context, c *models.ListingCandidate) (*Retrieval, error) {
	// 0. Permalink match
	if marker := r.markerFor(c.SourcePlatform); identity.IsItemURL(c.SourceURL, marker) {
		rec, err := r.store.GetRecordBySourceURL(ctx, identity.NormalizeURL(c.SourceURL))
		if err != nil {
			return nil, fmt.Errorf("lookup by source url: %w", err)
		}
		if rec != nil {
			return &Retrieval{Exact: rec, ExactVia: MatchedBySourceURL}, nil
		}
	}

	// 1. Platform + source id
	rec, err := r.store.GetRecordBySource(ctx, c.SourcePlatform, c.SourceID)
	if err != nil {
		return nil, fmt.Errorf("lookup by source: %w", err)
	}
	if rec != nil {
		return &Retrieval{Exact: rec, ExactVia: MatchedBySourceID}, nil
	}

	// 2. Coarse fuzzy window
	candidates, err := r.Nearby(ctx, c, uuid.Nil)
	if err != nil {
		return nil, err
	}
	return &Retrieval{Candidates: candidates}, nil
}

// Nearby returns records from the recent window that share at least two
// address tokens with c or lie within the radius. exclude, when set, is
// left out of the result.
func (r *CandidateRetriever) Nearby(ctx context.Context, c *models.ListingCandidate, exclude uuid.UUID) ([]*models.Record, error) {
	window, err := r.store.ListActiveRecords(ctx, r.window)
	if err != nil {
		return nil, fmt.Errorf("list candidate window: %w", err)
	}

	tokens := identity.AddressTokens(c.AddressText())
	var out []*models.Record
	for _, rec := range window {
		if rec.ID == exclude {
			continue
		}
		if r.isNearby(c, tokens, rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *CandidateRetriever) isNearby(c *models.ListingCandidate, tokens []string, rec *models.Record) bool {
	if len(tokens) >= minSharedAddressTokens {
		if identity.SharedTokens(tokens, identity.AddressTokens(rec.AddressText())) >= minSharedAddressTokens {
			return true
		}
	}
	if c.Location != nil && rec.Location != nil {
		return Distance(*c.Location, *rec.Location) <= r.radius
	}
	return false
}

func (r *CandidateRetriever) markerFor(platform string) string {
	if m, ok := r.markers[platform]; ok && m != "" {
		return m
	}
	return identity.DefaultItemURLMarker
}
