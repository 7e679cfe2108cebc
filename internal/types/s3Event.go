package types

// TestEventName is the sentinel S3 sends when a notification target is first wired up.
const TestEventName = "s3.TestEvent"

// S3EventMessage is the raw body S3 puts on the queue. A test event only
// carries Service and Event, a real one only carries Records.
type S3EventMessage struct {
	Service *string         `json:"Service,omitempty"`
	Event   *string         `json:"Event,omitempty"`
	Records []S3EventRecord `json:"Records"`
}

type S3EventRecord struct {
	EventSource string `json:"eventSource"`
	AwsRegion   string `json:"awsRegion"`
	EventName   string `json:"eventName"`
	S3          S3Data `json:"s3"`
}

type S3Data struct {
	Bucket S3Bucket `json:"bucket"`
	Object S3Object `json:"object"`
}

type S3Bucket struct {
	Name string `json:"name"`
	ARN  string `json:"arn"`
}

type S3Object struct {
	Key       string `json:"key"`
	Size      int64  `json:"size"`
	ETag      string `json:"eTag"`
	Sequencer string `json:"sequencer"`
}
