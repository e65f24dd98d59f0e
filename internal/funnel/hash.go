package funnel

import (
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-funnel/pkg/enums"
)

// eventNamespace scopes event ids to this pipeline.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("storefront-funnel/events"))

// EventID derives the primary key of an event from its natural key.
func EventID(sessionID string, productID int64, eventType enums.EventType) string {
	return uuid.NewSHA1(eventNamespace, []byte(naturalKey(sessionID, strconv.FormatInt(productID, 10), string(eventType)))).String()
}

func naturalKey(parts ...string) string {
	return strings.Join(parts, "|")
}

func hash64(parts ...string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(naturalKey(parts...)))
	return h.Sum64()
}

// unitBucket maps the key onto [0,1) using the top 53 bits of its hash.
func unitBucket(parts ...string) float64 {
	return float64(hash64(parts...)>>11) / float64(uint64(1)<<53)
}
