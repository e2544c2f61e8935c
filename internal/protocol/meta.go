// Package protocol defines the versioned wire payloads exchanged between the
// broker and provider nodes. Every payload carries a `_v` field so that the
// format can evolve without breaking already-connected nodes.
package protocol

// MetaVersion is the current version of the meta payloads.
const MetaVersion = 1

// PublicMeta is the provider-advertised metadata used for scheduling.
type PublicMeta struct {
	Version int     `json:"_v"`
	MinCost float64 `json:"min_cost"`
}

// PrivateMeta is operator-only metadata, opaque to scoring.
type PrivateMeta struct {
	Version int `json:"_v"`
}
