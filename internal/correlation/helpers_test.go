package correlation

import (
	"fmt"
	"time"

	"github.com/scrypster/anchorflow/pkg/types"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestEvent(id, stream string, typ types.EventType, ts time.Time, tags ...string) *types.Event {
	return types.NewEvent(id, ts, typ, stream, types.Attributes{}, types.Attributes{}, tags)
}

// emailThenDocument builds n email events an hour apart, each followed by a
// document event after gap.
func emailThenDocument(n int, gap time.Duration) []*types.Event {
	var out []*types.Event
	for i := 0; i < n; i++ {
		at := t0.Add(time.Duration(i) * time.Hour)
		out = append(out,
			newTestEvent(fmt.Sprintf("email-%d", i), "email", types.EventTypeCommunication, at),
			newTestEvent(fmt.Sprintf("doc-%d", i), "document", types.EventTypeStorage, at.Add(gap)))
	}
	return out
}
