package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"rental_dedupe/config"
	"rental_dedupe/textsim"
)

func TestMaskConnectionString(t *testing.T) {
	assert.Equal(t, "postgres://dedupe:xxxxx@db:5432/rentals", maskConnectionString("postgres://dedupe:secret@db:5432/rentals"))
	assert.Equal(t, "postgres://db:5432/rentals", maskConnectionString("postgres://db:5432/rentals"))
}

func TestEngineOptions(t *testing.T) {
	cfg := &config.Config{
		Sources: map[string]*config.SourceConfig{
			"yad2":     {ID: "yad2", Language: "hebrew", ItemURLMarker: "/item/"},
			"facebook": {ID: "facebook", Language: "english"},
			"madlan":   {ID: "madlan"},
		},
	}
	cfg.Matching.CandidateWindow = 50
	cfg.Matching.RadiusMeters = 300
	cfg.AI.Threshold = 0.8

	opts := engineOptions(cfg)
	assert.Equal(t, 50, opts.Retriever.Window)
	assert.Equal(t, 300.0, opts.Retriever.RadiusMeters)
	assert.Equal(t, map[string]string{"yad2": "/item/"}, opts.Retriever.ItemURLMarkers)
	assert.Equal(t, 0.8, opts.Match.AIThreshold)
	assert.Equal(t, map[string]textsim.Language{"yad2": textsim.Hebrew, "facebook": textsim.English}, opts.Match.Languages)
}
