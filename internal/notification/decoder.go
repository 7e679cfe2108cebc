package notification

import (
	"fmt"
	"net/url"

	"github.com/mahirjain10/go-transcoder/internal/types"
	"github.com/mahirjain10/go-transcoder/internal/utils"
)

// Event is either a HealthCheckEvent or a StorageChangeEvent.
type Event interface {
	isEvent()
}

// HealthCheckEvent is the s3:TestEvent S3 sends when notifications are configured.
type HealthCheckEvent struct {
	Service string
	Event   string
}

// StorageChangeEvent carries the records of a real S3 notification in order.
type StorageChangeEvent struct {
	Records []types.ChangeRecord
}

func (HealthCheckEvent) isEvent()   {}
func (StorageChangeEvent) isEvent() {}

// Decoder turns queue message bodies into events.
type Decoder struct {
	// UnescapeKeys undoes the form encoding S3 applies to object keys
	// ("my+clip%281%29.mp4" -> "my clip(1).mp4"). Off means keys are used verbatim.
	UnescapeKeys bool
}

func NewDecoder(unescapeKeys bool) *Decoder {
	return &Decoder{UnescapeKeys: unescapeKeys}
}

// Decode parses body. Every failure wraps types.ErrMalformedPayload.
func (d *Decoder) Decode(body string) (Event, error) {
	if body == "" {
		return nil, fmt.Errorf("%w: empty body", types.ErrMalformedPayload)
	}

	var msg types.S3EventMessage
	if err := utils.ParseJSON([]byte(body), &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedPayload, err)
	}

	if msg.Service != nil && msg.Event != nil {
		if *msg.Event == types.TestEventName {
			return HealthCheckEvent{Service: *msg.Service, Event: *msg.Event}, nil
		}
		if len(msg.Records) == 0 {
			return nil, fmt.Errorf("%w: unknown service event %q", types.ErrMalformedPayload, *msg.Event)
		}
	}

	if len(msg.Records) == 0 {
		return nil, fmt.Errorf("%w: no Records", types.ErrMalformedPayload)
	}

	records := make([]types.ChangeRecord, 0, len(msg.Records))
	for i, r := range msg.Records {
		key := r.S3.Object.Key
		if d.UnescapeKeys {
			unescaped, err := url.QueryUnescape(key)
			if err != nil {
				return nil, fmt.Errorf("%w: record %d: bad key encoding %q: %v", types.ErrMalformedPayload, i, key, err)
			}
			key = unescaped
		}
		if r.S3.Bucket.Name == "" || key == "" {
			return nil, fmt.Errorf("%w: record %d is missing bucket or key", types.ErrMalformedPayload, i)
		}
		records = append(records, types.ChangeRecord{
			EventName: r.EventName,
			Bucket:    r.S3.Bucket.Name,
			Key:       key,
			ETag:      r.S3.Object.ETag,
			Sequencer: r.S3.Object.Sequencer,
		})
	}
	return StorageChangeEvent{Records: records}, nil
}
