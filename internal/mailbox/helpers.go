package mailbox

import (
	"context"

	"github.com/google/uuid"

	"flarepeer/internal/constants"
)

func defaultIDGenerator() string {
	return uuid.New().String()
}

// drawPeerID tries up to constants.PeerIDAttempts candidates and returns the
// first free one. If all of them are taken the last candidate is returned
// with exhausted set.
func drawPeerID(ctx context.Context, next func() string, taken func(context.Context, string) (bool, error)) (id string, exhausted bool, err error) {
	for attempt := 0; attempt < constants.PeerIDAttempts; attempt++ {
		id = next()
		used, err := taken(ctx, id)
		if err != nil {
			return "", false, err
		}
		if !used {
			return id, false, nil
		}
	}
	return id, true, nil
}
