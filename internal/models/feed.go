// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

package models

// Feed ordering modes.
const (
	// OrderByTimestamp orders by played_at.
	OrderByTimestamp = "timestamp"
	// OrderByRelevance orders by received_at (ingest recency).
	OrderByRelevance = "relevance"
)

// Pagination bounds. Take is clamped to MaxFeedTake to bound response size.
const (
	DefaultFeedTake = 20
	MaxFeedTake     = 100
)

// FeedRequest is a feed query. Zero value is a valid request for the first
// page of the global feed ordered by timestamp descending.
type FeedRequest struct {
	// UserFilter restricts results to one actor (exact DID match) when non-empty.
	UserFilter string `json:"user_did,omitempty"`
	// OrderBy is OrderByTimestamp or OrderByRelevance.
	OrderBy string `json:"order_by,omitempty"`
	// Ascending flips the sort direction. Default is newest first.
	Ascending bool   `json:"asc,omitempty"`
	Skip      uint32 `json:"skip,omitempty"`
	Take      uint32 `json:"take,omitempty"`
}

// Normalize applies defaults and clamps Take. Returns a copy; the input is
// not modified.
func (r FeedRequest) Normalize() FeedRequest {
	if r.OrderBy == "" {
		r.OrderBy = OrderByTimestamp
	}
	if r.Take == 0 {
		r.Take = DefaultFeedTake
	}
	if r.Take > MaxFeedTake {
		r.Take = MaxFeedTake
	}
	return r
}

// FeedResult is the ordered window of scrobbles for one request.
// Request-scoped; never persisted.
type FeedResult struct {
	Items   []ScrobbleEvent `json:"items"`
	Total   int64           `json:"total"`
	HasMore bool            `json:"has_more"`
}
