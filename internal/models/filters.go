package models

// FilterStatus designates the state of one display filter. Positive and
// negative cases represent, e.g., "played only" vs. "unplayed only".
type FilterStatus int

const (
	FilterAll FilterStatus = iota
	FilterPositive
	FilterNegative
)

// FilterType identifies which display filter is being changed.
type FilterType int

const (
	FilterPlayed FilterType = iota
	FilterDownloaded
)

// Filters holds the state of all active display filters.
type Filters struct {
	Played     FilterStatus
	Downloaded FilterStatus
}
