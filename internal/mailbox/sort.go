package mailbox

import (
	"cmp"
	"slices"

	"github.com/Iron-Ham/taskmesh/internal/transport"
)

// sortEnvelopes orders envelopes chronologically, keeping file order for
// equal timestamps.
func sortEnvelopes(envs []transport.Envelope) {
	slices.SortStableFunc(envs, func(a, b transport.Envelope) int {
		return cmp.Compare(a.SentAt.UnixNano(), b.SentAt.UnixNano())
	})
}
