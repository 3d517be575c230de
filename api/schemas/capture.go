package schemas

import (
	"strings"
	"time"
)

// -- Capture Task Schemas --

// ImageFormat is the encoding requested for screenshots.
type ImageFormat string

const (
	FormatPNG  ImageFormat = "png"
	FormatJPEG ImageFormat = "jpeg"
	FormatWebP ImageFormat = "webp"
)

// Resolution is a viewport size in CSS pixels.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// CaptureOptions selects what a single capture collects and how. A copy is
// taken when a task is scheduled, so later edits never affect running tasks.
type CaptureOptions struct {
	Resolution        Resolution        `json:"resolution"`
	FullPage          bool              `json:"full_page"`
	Screenshots       bool              `json:"screenshots"`
	Format            ImageFormat       `json:"format"`
	Quality           int               `json:"quality"`
	Delay             time.Duration     `json:"delay"`
	NavigationTimeout time.Duration     `json:"navigation_timeout"`
	TaskTimeout       time.Duration     `json:"task_timeout"`
	Headers           map[string]string `json:"headers,omitempty"`
	IgnoreTypes       []string          `json:"ignore_types"`

	DOM            bool `json:"dom"`
	JavaScript     bool `json:"javascript"`
	Requests       bool `json:"requests"`
	Responses      bool `json:"responses"`
	Base64         bool `json:"base64"`
	OCR            bool `json:"ocr"`
	PerceptualHash bool `json:"perceptual_hash"`
}

// Ignores reports whether events of the given resource type are dropped.
// Comparison is case-insensitive ("Image" and "image" are the same type).
func (o CaptureOptions) Ignores(resourceType string) bool {
	for _, t := range o.IgnoreTypes {
		if strings.EqualFold(t, resourceType) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so the scheduler can hand out immutable tasks.
func (o CaptureOptions) Clone() CaptureOptions {
	c := o
	if o.Headers != nil {
		c.Headers = make(map[string]string, len(o.Headers))
		for k, v := range o.Headers {
			c.Headers[k] = v
		}
	}
	if o.IgnoreTypes != nil {
		c.IgnoreTypes = append([]string(nil), o.IgnoreTypes...)
	}
	return c
}

// CaptureTask is one URL plus its extraction configuration; the unit of scheduling.
type CaptureTask struct {
	ID      string         `json:"id"`
	URL     string         `json:"url"`
	Options CaptureOptions `json:"options"`
}

// -- Raw Capture Artifacts --

// Direction distinguishes the two halves of a network exchange.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// NetworkEvent is a single request or response observed during a capture.
// Request and response for one exchange share RequestID. A response whose
// request was never observed is kept with Orphaned set.
type NetworkEvent struct {
	RequestID    string            `json:"request_id"`
	Direction    Direction         `json:"direction"`
	URL          string            `json:"url"`
	Method       string            `json:"method,omitempty"`
	Status       int               `json:"status,omitempty"`
	StatusText   string            `json:"status_text,omitempty"`
	MimeType     string            `json:"mime_type,omitempty"`
	Location     string            `json:"location,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
	ResourceType string            `json:"type"`
	Orphaned     bool              `json:"orphaned,omitempty"`
}

// ScriptSnippet is a script parsed by the page, inline or external.
type ScriptSnippet struct {
	ScriptID string `json:"script_id"`
	URL      string `json:"url"`
	Text     string `json:"text"`
}

// InlineScriptURL labels scripts that have no source URL.
const InlineScriptURL = "inline"

// NavigationStep is one document response in the redirect chain of a navigation.
type NavigationStep struct {
	URL      string `json:"url"`
	Status   int    `json:"status"`
	MimeType string `json:"mime_type,omitempty"`
	Location string `json:"location,omitempty"`
}

// Bundle is the raw output of one session before assembly.
type Bundle struct {
	Title      string
	History    []NavigationStep
	Screenshot []byte
	DOM        string
	Requests   []NetworkEvent
	Responses  []NetworkEvent
	Scripts    []ScriptSnippet
}

// -- Capture Results --

// CaptureResult is the immutable product of one CaptureTask. Fields that
// could not be collected are left empty and Error explains why.
type CaptureResult struct {
	TaskID         string
	URL            string
	Status         int
	Title          string
	History        []NavigationStep
	Screenshot     []byte
	Format         ImageFormat
	DOM            *string
	Requests       []NetworkEvent
	Responses      []NetworkEvent
	Scripts        []ScriptSnippet
	PerceptualHash string
	OCRText        *string
	Error          string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// FinalURL is the URL of the last document in the navigation chain.
func (r *CaptureResult) FinalURL() string {
	if n := len(r.History); n > 0 && r.History[n-1].URL != "" {
		return r.History[n-1].URL
	}
	return r.URL
}

// Failed reports whether any step of the capture recorded an error.
func (r *CaptureResult) Failed() bool {
	return r.Error != ""
}
