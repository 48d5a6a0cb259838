package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"rental_dedupe/imagehash"
	"rental_dedupe/models"
)

// hashAll hashes urls concurrently, keeping their order. A nil hasher or a
// failed fetch leaves the hashes empty.
func hashAll(ctx context.Context, hasher ImageHasher, urls []string, limit int) []IncomingImage {
	images := make([]IncomingImage, len(urls))
	for i, url := range urls {
		images[i].URL = url
	}
	if hasher == nil || len(urls) == 0 {
		return images
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range images {
		g.Go(func() error {
			images[i].Hashes = hasher.Hash(gctx, images[i].URL)
			return nil
		})
	}
	_ = g.Wait()
	return images
}

// appendImages returns the incoming images that are new to a record. An
// image is dropped when its URL is already attached or its perceptual hash
// is near-identical to an existing or already accepted image. Order
// continues after the existing images; the first image of an empty record
// becomes primary.
func appendImages(recordID uuid.UUID, existing []models.Image, incoming []IncomingImage, now time.Time) []models.Image {
	urls := make(map[string]bool, len(existing)+len(incoming))
	kept := make([]imagehash.Hashes, 0, len(existing)+len(incoming))
	order := 0
	for _, img := range existing {
		urls[img.URL] = true
		if !img.Hashes.IsEmpty() {
			kept = append(kept, img.Hashes)
		}
		order = max(order, img.Order+1)
	}

	var added []models.Image
	for _, in := range incoming {
		if in.URL == "" || urls[in.URL] || nearIdenticalToAny(in.Hashes, kept) {
			continue
		}
		urls[in.URL] = true
		if !in.Hashes.IsEmpty() {
			kept = append(kept, in.Hashes)
		}

		added = append(added, models.Image{
			ID:        uuid.New(),
			RecordID:  recordID,
			URL:       in.URL,
			Hashes:    in.Hashes,
			Order:     order,
			IsPrimary: len(existing) == 0 && len(added) == 0,
			CreatedAt: now,
		})
		order++
	}
	return added
}

func nearIdenticalToAny(h imagehash.Hashes, others []imagehash.Hashes) bool {
	if h.IsEmpty() {
		return false
	}
	for _, o := range others {
		if imagehash.NearIdentical(h, o) {
			return true
		}
	}
	return false
}

// storedImages views a record's images as incoming images
func storedImages(images []models.Image) []IncomingImage {
	out := make([]IncomingImage, len(images))
	for i, img := range images {
		out[i] = IncomingImage{URL: img.URL, Hashes: img.Hashes}
	}
	return out
}
