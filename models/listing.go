package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"rental_dedupe/imagehash"
)

// Source platforms seen in the wild. Platform is an open string so new
// sources only need a config/sources entry.
const (
	PlatformYad2     = "yad2"
	PlatformMadlan   = "madlan"
	PlatformFacebook = "facebook"
	PlatformOther    = "other"
)

// DuplicateStatus is the reconciliation state of a persisted record
type DuplicateStatus string

const (
	StatusUnique    DuplicateStatus = "unique"
	StatusMaster    DuplicateStatus = "master"
	StatusDuplicate DuplicateStatus = "duplicate"
	StatusReview    DuplicateStatus = "review"
)

// GeoPoint is a WGS84 coordinate pair
type GeoPoint struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// ListingCandidate is an incoming, not yet persisted listing as produced by
// the scraping adapters.
type ListingCandidate struct {
	Title          string    `json:"title" validate:"required"`
	Description    string    `json:"description,omitempty"`
	Price          *float64  `json:"price,omitempty" validate:"omitempty,gte=0"`
	Currency       string    `json:"currency,omitempty" validate:"omitempty,len=3"`
	Location       *GeoPoint `json:"location,omitempty" validate:"omitempty"`
	Address        string    `json:"address,omitempty"`
	City           string    `json:"city,omitempty"`
	Neighborhood   string    `json:"neighborhood,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	ImageURLs      []string  `json:"images,omitempty" validate:"dive,required"`
	SourcePlatform string    `json:"source_platform" validate:"required"`
	SourceID       string    `json:"source_id" validate:"required"`
	SourceURL      string    `json:"source_url,omitempty"`
}

// AddressText returns the free-text location used for address matching
func (c *ListingCandidate) AddressText() string {
	return joinAddress(c.Address, c.City)
}

// Record is a persisted listing
type Record struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	Title           string          `json:"title" db:"title"`
	Description     string          `json:"description" db:"description"`
	Price           *float64        `json:"price" db:"price"`
	Currency        string          `json:"currency" db:"currency"`
	Location        *GeoPoint       `json:"location" db:"-"`
	Address         string          `json:"address" db:"address"`
	City            string          `json:"city" db:"city"`
	Neighborhood    string          `json:"neighborhood" db:"neighborhood"`
	PhoneOriginal   string          `json:"phone_original" db:"phone_original"`
	PhoneNormalized string          `json:"phone_normalized" db:"phone_normalized"`
	SourcePlatform  string          `json:"source_platform" db:"source_platform"`
	SourceID        string          `json:"source_id" db:"source_id"`
	SourceURL       string          `json:"source_url" db:"source_url"`
	DuplicateStatus DuplicateStatus `json:"duplicate_status" db:"duplicate_status"`
	MasterRecordID  *uuid.UUID      `json:"master_record_id" db:"master_record_id"`
	DuplicateScore  *float64        `json:"duplicate_score" db:"duplicate_score"`
	FirstSeenAt     time.Time       `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt      time.Time       `json:"last_seen_at" db:"last_seen_at"`
	DeletedAt       *time.Time      `json:"deleted_at" db:"deleted_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
	Images          []Image         `json:"images" db:"-"`
}

// AddressText returns the free-text location used for address matching
func (r *Record) AddressText() string {
	return joinAddress(r.Address, r.City)
}

// IsDeleted reports whether the record has been soft-deleted
func (r *Record) IsDeleted() bool {
	return r.DeletedAt != nil
}

// CanBeMaster reports whether other records may point at this one
func (r *Record) CanBeMaster() bool {
	if r.IsDeleted() {
		return false
	}
	return r.DuplicateStatus != StatusDuplicate
}

// Image is a photo attached to a record
type Image struct {
	ID           uuid.UUID        `json:"id" db:"id"`
	RecordID     uuid.UUID        `json:"record_id" db:"record_id"`
	URL          string           `json:"url" db:"url"`
	Hashes       imagehash.Hashes `json:"hashes" db:"-"`
	Order        int              `json:"order" db:"image_order"`
	IsPrimary    bool             `json:"is_primary" db:"is_primary"`
	StorageKey   *string          `json:"storage_key" db:"storage_key"`
	HashAttempts int              `json:"hash_attempts" db:"hash_attempts"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
}

// NewRecordFromCandidate builds a fresh unique record. Images are attached
// by the caller once hashed.
func NewRecordFromCandidate(c *ListingCandidate, phoneNormalized string, now time.Time) *Record {
	return &Record{
		ID:              uuid.New(),
		Title:           c.Title,
		Description:     c.Description,
		Price:           c.Price,
		Currency:        NormalizeCurrency(c.Currency),
		Location:        c.Location,
		Address:         c.Address,
		City:            c.City,
		Neighborhood:    c.Neighborhood,
		PhoneOriginal:   c.Phone,
		PhoneNormalized: phoneNormalized,
		SourcePlatform:  c.SourcePlatform,
		SourceID:        c.SourceID,
		SourceURL:       c.SourceURL,
		DuplicateStatus: StatusUnique,
		FirstSeenAt:     now,
		LastSeenAt:      now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// CandidateFromRecord rebuilds a candidate view of a stored record, used by
// the periodic scan to compare existing records against each other.
func CandidateFromRecord(r *Record) *ListingCandidate {
	urls := make([]string, 0, len(r.Images))
	for _, img := range r.Images {
		urls = append(urls, img.URL)
	}
	phone := r.PhoneOriginal
	if phone == "" {
		phone = r.PhoneNormalized
	}
	return &ListingCandidate{
		Title:          r.Title,
		Description:    r.Description,
		Price:          r.Price,
		Currency:       r.Currency,
		Location:       r.Location,
		Address:        r.Address,
		City:           r.City,
		Neighborhood:   r.Neighborhood,
		Phone:          phone,
		ImageURLs:      urls,
		SourcePlatform: r.SourcePlatform,
		SourceID:       r.SourceID,
		SourceURL:      r.SourceURL,
	}
}

// NormalizeCurrency upper-cases an ISO currency code, defaulting to ILS
func NormalizeCurrency(c string) string {
	if c == "" {
		return DefaultCurrency
	}
	return strings.ToUpper(c)
}

// DefaultCurrency applies when a source omits the currency
const DefaultCurrency = "ILS"

func joinAddress(address, city string) string {
	address = strings.TrimSpace(address)
	city = strings.TrimSpace(city)
	switch {
	case address == "":
		return city
	case city == "" || strings.Contains(strings.ToLower(address), strings.ToLower(city)):
		return address
	default:
		return address + ", " + city
	}
}
