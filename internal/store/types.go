package store

import (
	"time"

	"sonnun/internal/attribution"
)

// CategoryTotal aggregates logged events for one category.
type CategoryTotal struct {
	Events int
	Chars  int
}

// ExportRecord is the local record of a signed artifact.
type ExportRecord struct {
	ID           int64
	DocumentID   string
	DocumentHash string
	Title        string
	Author       string
	OutputPath   string
	Signature    string
	PublicKey    string
	HumanPct     float64
	AIPct        float64
	CitedPct     float64
	TotalChars   int
	SignedAt     time.Time
}

func unixNano(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func categoryOf(s string) attribution.Category {
	return attribution.Category(s)
}
