package room

// Key prefixes namespace the two kinds of rooms inside the shared registry.
const (
	chatPrefix = "chat:"
	callPrefix = "call:"
)

// ChatKey returns the registry identifier for a named group chat room.
func ChatKey(roomName string) string {
	return chatPrefix + roomName
}

// PairKey returns the registry identifier for the pairwise signaling room of
// two participants. The key is independent of argument order, so both peers
// compute the same room regardless of who dials whom.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return callPrefix + a + ":" + b
}

// IsPairKey reports whether key names a pairwise signaling room.
func IsPairKey(key string) bool {
	return len(key) >= len(callPrefix) && key[:len(callPrefix)] == callPrefix
}
