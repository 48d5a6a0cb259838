package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"rental_dedupe/models"
)

func TestHashAll_KeepsOrder(t *testing.T) {
	hasher := newStubHasher(map[string]string{
		"https://img/1.jpg": hashA,
		"https://img/3.jpg": hashUnalike,
	})
	urls := []string{"https://img/1.jpg", "https://img/2.jpg", "https://img/3.jpg"}

	got := hashAll(context.Background(), hasher, urls, 2)
	require.Len(t, got, 3)
	for i, url := range urls {
		assert.Equal(t, url, got[i].URL)
	}
	assert.Equal(t, hashesOf(hashA), got[0].Hashes)
	assert.True(t, got[1].Hashes.IsEmpty())
	assert.Equal(t, hashesOf(hashUnalike), got[2].Hashes)
}

func TestHashAll_NilHasher(t *testing.T) {
	got := hashAll(context.Background(), nil, []string{"https://img/1.jpg"}, 2)
	require.Len(t, got, 1)
	assert.True(t, got[0].Hashes.IsEmpty())
}

func TestAppendImages(t *testing.T) {
	recordID := uuid.New()

	t.Run("first image of an empty record is primary", func(t *testing.T) {
		added := appendImages(recordID, nil, []IncomingImage{
			{URL: "https://img/1.jpg", Hashes: hashesOf(hashA)},
			{URL: "https://img/2.jpg", Hashes: hashesOf(hashUnalike)},
		}, baseTime)
		require.Len(t, added, 2)
		assert.True(t, added[0].IsPrimary)
		assert.False(t, added[1].IsPrimary)
		assert.Equal(t, 0, added[0].Order)
		assert.Equal(t, 1, added[1].Order)
		assert.Equal(t, recordID, added[1].RecordID)
	})

	t.Run("order continues after existing images", func(t *testing.T) {
		existing := []models.Image{
			{URL: "https://img/1.jpg", Hashes: hashesOf(hashA), Order: 0, IsPrimary: true},
			{URL: "https://img/2.jpg", Order: 4},
		}
		added := appendImages(recordID, existing, []IncomingImage{
			{URL: "https://img/3.jpg", Hashes: hashesOf(hashUnalike)},
		}, baseTime)
		require.Len(t, added, 1)
		assert.Equal(t, 5, added[0].Order)
		assert.False(t, added[0].IsPrimary)
	})

	t.Run("drops known urls and near identical photos", func(t *testing.T) {
		existing := []models.Image{{URL: "https://img/1.jpg", Hashes: hashesOf(hashA)}}
		added := appendImages(recordID, existing, []IncomingImage{
			{URL: "https://img/1.jpg", Hashes: hashesOf(hashUnalike)},
			{URL: "https://cdn/resized-1.jpg", Hashes: hashesOf(hashA)},
			{URL: "https://img/likely.jpg", Hashes: hashesOf(hashLikely)},
			{URL: "https://img/other.jpg", Hashes: hashesOf(hashUnalike)},
			{URL: "https://img/other-copy.jpg", Hashes: hashesOf(hashUnalike)},
			{URL: ""},
		}, baseTime)

		urls := make([]string, 0, len(added))
		for _, img := range added {
			urls = append(urls, img.URL)
		}
		assert.Equal(t, []string{"https://img/likely.jpg", "https://img/other.jpg"}, urls)
	})

	t.Run("unhashed images are kept once per url", func(t *testing.T) {
		added := appendImages(recordID, nil, []IncomingImage{
			{URL: "https://img/a.jpg"},
			{URL: "https://img/b.jpg"},
			{URL: "https://img/a.jpg"},
		}, baseTime)
		assert.Len(t, added, 2)
	})

	t.Run("idempotent", func(t *testing.T) {
		incoming := []IncomingImage{
			{URL: "https://img/1.jpg", Hashes: hashesOf(hashA)},
			{URL: "https://img/2.jpg"},
		}
		first := appendImages(recordID, nil, incoming, baseTime)
		second := appendImages(recordID, first, incoming, baseTime)
		assert.Len(t, first, 2)
		assert.Empty(t, second)
	})
}
