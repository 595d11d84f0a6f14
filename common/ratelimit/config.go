package ratelimit

// UploadTier separates small uploads from large ones so bulk transfers
// cannot starve ordinary ones
type UploadTier string

const (
	TierStandard UploadTier = "standard" // fits the synchronous path
	TierLarge    UploadTier = "large"    // always deferred to workers
)

// TierConfig defines rate limits for each upload tier
type TierConfig struct {
	Tier          UploadTier
	Limit         int64 // Requests allowed per window
	WindowSeconds int   // Time window in seconds
	Description   string
}

// Default tier configurations
var DefaultTierConfigs = map[UploadTier]TierConfig{
	TierStandard: {
		Tier:          TierStandard,
		Limit:         30,
		WindowSeconds: 60,
		Description:   "Uploads up to the sync size threshold - 30/minute",
	},
	TierLarge: {
		Tier:          TierLarge,
		Limit:         6,
		WindowSeconds: 60,
		Description:   "Uploads above the sync size threshold - 6/minute",
	},
}

// InspectUpload classifies an upload by its declared length. An unknown
// length (<0) is treated as large.
func InspectUpload(contentLength, syncMaxBytes int64) UploadTier {
	if contentLength < 0 || contentLength > syncMaxBytes {
		return TierLarge
	}
	return TierStandard
}

// GetLimitForTier returns the rate limit for a given tier
func GetLimitForTier(tier UploadTier) int64 {
	if config, exists := DefaultTierConfigs[tier]; exists {
		return config.Limit
	}
	// Fallback to most restrictive tier
	return DefaultTierConfigs[TierLarge].Limit
}

// GetWindowForTier returns the time window for a given tier
func GetWindowForTier(tier UploadTier) int {
	if config, exists := DefaultTierConfigs[tier]; exists {
		return config.WindowSeconds
	}
	return DefaultTierConfigs[TierLarge].WindowSeconds
}
