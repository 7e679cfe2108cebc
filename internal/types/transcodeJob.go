package types

import (
	"fmt"
	"strings"
	"time"
)

// ChangeRecord is one storage change decoded from a notification.
type ChangeRecord struct {
	EventName string
	Bucket    string
	Key       string
	// ETag and Sequencer identify the object version the event is about.
	// Sequencer grows with every write to the same key.
	ETag      string
	Sequencer string
}

// Params returns the job parameters a record launches.
func (r ChangeRecord) Params() JobParameters {
	return JobParameters{Bucket: r.Bucket, Key: r.Key, Sequencer: r.Sequencer}
}

// JobParameters is everything a worker gets to know about its job.
type JobParameters struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	// Sequencer is empty when the event did not carry one.
	Sequencer string `json:"sequencer,omitempty"`
}

func (p JobParameters) String() string {
	return p.Bucket + "/" + p.Key
}

// Identity names the uploaded object version, "bucket/key@sequencer".
// Redeliveries of one event share it, a new upload of the same key does not.
func (p JobParameters) Identity() string {
	if p.Sequencer == "" {
		return p.String()
	}
	return p.String() + "@" + p.Sequencer
}

type Resolution struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Size is the WIDTHxHEIGHT form ffmpeg takes for -s.
func (r Resolution) Size() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// OutputName is the file and object name a rendition is written under.
func (r Resolution) OutputName() string {
	return "video-" + r.Name + ".mp4"
}

// DefaultResolutions is the rendition ladder used when none is configured.
var DefaultResolutions = []Resolution{
	{Name: "360p", Width: 480, Height: 360},
	{Name: "480p", Width: 858, Height: 480},
	{Name: "720p", Width: 1280, Height: 720},
}

// ValidateResolutions rejects an empty set, non-positive sizes and duplicate names.
func ValidateResolutions(resolutions []Resolution) error {
	if len(resolutions) == 0 {
		return fmt.Errorf("at least one resolution is required")
	}
	seen := make(map[string]struct{}, len(resolutions))
	for _, r := range resolutions {
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("resolution name cannot be empty")
		}
		if r.Width <= 0 || r.Height <= 0 {
			return fmt.Errorf("resolution %s has invalid size %s", r.Name, r.Size())
		}
		if _, ok := seen[r.Name]; ok {
			return fmt.Errorf("duplicate resolution name: %s", r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return nil
}

const (
	RenditionSuccess = "success"
	RenditionFailure = "failure"
)

type RenditionResult struct {
	Resolution Resolution
	OutputKey  string
	Status     string
	Err        error
	Duration   time.Duration
}

func (r RenditionResult) Succeeded() bool {
	return r.Status == RenditionSuccess
}

// PosterResult is the optional still frame uploaded next to the renditions.
type PosterResult struct {
	OutputKey string
	Err       error
}

// JobOutcome is the joined result of every rendition of one job.
type JobOutcome struct {
	JobID   string
	Params  JobParameters
	Results []RenditionResult
	Poster  *PosterResult
}

func (o JobOutcome) Succeeded() bool {
	if len(o.Results) == 0 {
		return false
	}
	for _, r := range o.Results {
		if !r.Succeeded() {
			return false
		}
	}
	return true
}

// Failed lists the names of the resolutions that did not succeed, in configured order.
func (o JobOutcome) Failed() []string {
	var failed []string
	for _, r := range o.Results {
		if !r.Succeeded() {
			failed = append(failed, r.Resolution.Name)
		}
	}
	return failed
}

// OutputKeys lists the uploaded object keys of successful renditions.
func (o JobOutcome) OutputKeys() []string {
	var keys []string
	for _, r := range o.Results {
		if r.Succeeded() {
			keys = append(keys, r.OutputKey)
		}
	}
	return keys
}
