package services

import (
	"bytes"
	"context"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"
	"rental_dedupe/imagehash"
	"rental_dedupe/models"
	"rental_dedupe/phone"
	"rental_dedupe/textsim"
)

// DefaultAIThreshold is the perceptual similarity above which an image pair
// is sent to the AI comparer.
const DefaultAIThreshold = 0.75

// ImageHasher computes perceptual hashes for an image URL, returning empty
// hashes on any failure.
type ImageHasher interface {
	Hash(ctx context.Context, url string) imagehash.Hashes
}

// ImageComparer asks an external model whether two images show the same
// apartment. Confidence is 0-100.
type ImageComparer interface {
	CompareImages(ctx context.Context, imageA, imageB string) (int, error)
}

// IncomingImage is a candidate image URL with its computed hashes
type IncomingImage struct {
	URL    string
	Hashes imagehash.Hashes
}

// PreparedCandidate holds the parts of a candidate that do not depend on
// the record it is compared against. Image hashes are computed lazily, once.
type PreparedCandidate struct {
	*models.ListingCandidate
	NormalizedPhone string
	Language        textsim.Language // empty means detect per text pair

	images   []IncomingImage
	hashOnce sync.Once
}

// MatchOptions tunes the scorer
type MatchOptions struct {
	AIThreshold      float64
	ImageConcurrency int
	// Languages overrides language detection per source platform
	Languages map[string]textsim.Language
}

// MatchService scores candidate pairs
type MatchService struct {
	hasher      ImageHasher
	comparer    ImageComparer
	aiThreshold float64
	concurrency int
	languages   map[string]textsim.Language
	logger      *zap.Logger
}

// NewMatchService creates a new MatchService. hasher and comparer may be nil;
// a nil comparer disables AI comparison.
func NewMatchService(hasher ImageHasher, comparer ImageComparer, opts MatchOptions, logger *zap.Logger) *MatchService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AIThreshold <= 0 {
		opts.AIThreshold = DefaultAIThreshold
	}
	if opts.ImageConcurrency <= 0 {
		opts.ImageConcurrency = 4
	}
	return &MatchService{
		hasher:      hasher,
		comparer:    comparer,
		aiThreshold: opts.AIThreshold,
		concurrency: opts.ImageConcurrency,
		languages:   opts.Languages,
		logger:      logger,
	}
}

// Prepare wraps an incoming candidate for scoring
func (s *MatchService) Prepare(c *models.ListingCandidate) *PreparedCandidate {
	return &PreparedCandidate{
		ListingCandidate: c,
		NormalizedPhone:  normalizedPhone(c.Phone),
		Language:         s.languages[c.SourcePlatform],
	}
}

// PrepareRecord wraps a stored record for comparison against other records.
// Stored hashes are used as-is; nothing is fetched.
func (s *MatchService) PrepareRecord(r *models.Record) *PreparedCandidate {
	p := s.Prepare(models.CandidateFromRecord(r))
	if r.PhoneNormalized != "" {
		p.NormalizedPhone = r.PhoneNormalized
	}
	p.hashOnce.Do(func() {
		for _, img := range r.Images {
			p.images = append(p.images, IncomingImage{URL: img.URL, Hashes: img.Hashes})
		}
	})
	return p
}

// Images returns the candidate's images with hashes, hashing on first use
func (s *MatchService) Images(ctx context.Context, p *PreparedCandidate) []IncomingImage {
	p.hashOnce.Do(func() {
		p.images = hashAll(ctx, s.hasher, p.ImageURLs, s.concurrency)
	})
	return p.images
}

// Rank scores every record and sorts best first, ties broken by record id
func (s *MatchService) Rank(ctx context.Context, p *PreparedCandidate, records []*models.Record) []models.ScoredCandidate {
	scored := make([]models.ScoredCandidate, 0, len(records))
	for _, r := range records {
		scored = append(scored, s.Score(ctx, p, r))
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return bytes.Compare(scored[i].Record.ID[:], scored[j].Record.ID[:]) < 0
	})
	return scored
}

// Score computes the weighted similarity between a candidate and one record
func (s *MatchService) Score(ctx context.Context, p *PreparedCandidate, r *models.Record) models.ScoredCandidate {
	var b models.ScoreBreakdown

	// Location: coordinates win over address text
	if p.Location != nil && r.Location != nil {
		b.Location = locationScore(Distance(*p.Location, *r.Location))
	} else if a, e := p.AddressText(), r.AddressText(); a != "" && e != "" {
		b.Location = math.Round(textsim.AddressSimilarity(a, e) * models.MaxLocationScore)
	}

	if p.Title != "" && r.Title != "" {
		b.Title = math.Round(s.textSimilarity(p, p.Title, r.Title) * models.MaxTitleScore)
	}

	if p.Description != "" && r.Description != "" {
		b.Description = math.Round(s.textSimilarity(p, p.Description, r.Description) * models.MaxDescriptionScore)
	}

	if p.Price != nil && r.Price != nil {
		b.Price = priceScore(*p.Price, *r.Price)
	}

	if len(p.ImageURLs) > 0 && len(r.Images) > 0 {
		b.Image = s.imageScore(ctx, s.Images(ctx, p), r.Images)
	}

	if p.NormalizedPhone != "" && p.NormalizedPhone == r.PhoneNormalized {
		b.Phone = models.MaxPhoneScore
	}

	return models.ScoredCandidate{Record: r, Breakdown: b, Score: b.Total()}
}

func (s *MatchService) textSimilarity(p *PreparedCandidate, a, b string) float64 {
	lang := p.Language
	if lang == "" {
		lang = textsim.DetectLanguage(a, b)
	}
	return textsim.Similarity(a, b, lang)
}

// imageScore takes the best signal over all image pairs. A near-identical
// pair short-circuits to the maximum.
func (s *MatchService) imageScore(ctx context.Context, incoming []IncomingImage, stored []models.Image) float64 {
	existing := make([]imagehash.Hashes, len(stored))
	hashed := make([]bool, len(stored))

	best := 0.0
	for _, in := range incoming {
		if in.Hashes.IsEmpty() {
			continue
		}
		for i, img := range stored {
			if !hashed[i] {
				existing[i] = img.Hashes
				if existing[i].IsEmpty() && s.hasher != nil {
					existing[i] = s.hasher.Hash(ctx, img.URL)
				}
				hashed[i] = true
			}

			sim := imagehash.PerceptualSimilarity(in.Hashes, existing[i])
			if sim > imagehash.NearIdenticalThreshold {
				return models.MaxImageScore
			}
			if sim > imagehash.LikelySimilarThreshold {
				best = math.Max(best, 25)
			}
			if s.comparer != nil && sim > s.aiThreshold {
				best = math.Max(best, s.aiScore(ctx, in.URL, img.URL))
			}
		}
	}
	return math.Min(best, models.MaxImageScore)
}

// aiScore scales the comparer's confidence to the image component range.
// Failures contribute nothing.
func (s *MatchService) aiScore(ctx context.Context, a, b string) float64 {
	confidence, err := s.comparer.CompareImages(ctx, a, b)
	if err != nil {
		s.logger.Warn("ai image comparison failed",
			zap.String("image_a", a),
			zap.String("image_b", b),
			zap.Error(err),
		)
		return 0
	}
	confidence = max(0, min(confidence, 100))
	return math.Round(float64(confidence) / 100 * models.MaxImageScore)
}

func normalizedPhone(raw string) string {
	if raw == "" {
		return ""
	}
	return phone.Normalize(raw)
}
