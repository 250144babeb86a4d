package terminal

// Limits applied to client terminal traffic.
const (
	// MaxInputMessageSize is the maximum size in bytes for a single input
	// message. Larger messages are dropped.
	MaxInputMessageSize = 64 * 1024

	// MaxResizeCols and MaxResizeRows clamp resize requests.
	MaxResizeCols uint16 = 500
	MaxResizeRows uint16 = 200

	// MessageRateLimit is the sustained number of messages per second a
	// client may send; MessageRateBurst is the bucket size.
	MessageRateLimit = 100
	MessageRateBurst = 200
)

// ClampSize bounds a resize request to the allowed maximum. Zero dimensions
// are reported as invalid.
func ClampSize(cols, rows uint16) (uint16, uint16, bool) {
	if cols == 0 || rows == 0 {
		return 0, 0, false
	}
	return min(cols, MaxResizeCols), min(rows, MaxResizeRows), true
}
