package schemas

import (
	"encoding/base64"
)

// -- Output Record Schema --

// Record is the JSON form of a CaptureResult handed to the output sink.
// Optional sections are nil unless the matching option was enabled; an
// enabled section with nothing in it encodes as an empty list.
type Record struct {
	URL               string           `json:"url"`
	FinalURL          string           `json:"final_url"`
	Status            int              `json:"status"`
	Title             string           `json:"title"`
	NavigationHistory []NavigationStep `json:"navigation_history"`
	Screenshot        string           `json:"screenshot,omitempty"`
	DOM               *string          `json:"dom,omitempty"`
	Requests          *[]NetworkEvent  `json:"requests,omitempty"`
	Responses         *[]NetworkEvent  `json:"responses,omitempty"`
	JavaScript        *[]ScriptSnippet `json:"javascript,omitempty"`
	PerceptualHash    string           `json:"perceptual_hash,omitempty"`
	OCRText           *string          `json:"ocr_text,omitempty"`
	Error             string           `json:"error,omitempty"`
}

// NewRecord flattens a result into its output record.
func NewRecord(r *CaptureResult, opts CaptureOptions) Record {
	rec := Record{
		URL:               r.URL,
		FinalURL:          r.FinalURL(),
		Status:            r.Status,
		Title:             r.Title,
		NavigationHistory: r.History,
		DOM:               r.DOM,
		PerceptualHash:    r.PerceptualHash,
		OCRText:           r.OCRText,
		Error:             r.Error,
	}
	if rec.NavigationHistory == nil {
		rec.NavigationHistory = []NavigationStep{}
	}
	if opts.Base64 && len(r.Screenshot) > 0 {
		rec.Screenshot = base64.StdEncoding.EncodeToString(r.Screenshot)
	}
	if opts.Requests {
		rec.Requests = nonNilEvents(r.Requests)
	}
	if opts.Responses {
		rec.Responses = nonNilEvents(r.Responses)
	}
	if opts.JavaScript {
		scripts := r.Scripts
		if scripts == nil {
			scripts = []ScriptSnippet{}
		}
		rec.JavaScript = &scripts
	}
	return rec
}

func nonNilEvents(events []NetworkEvent) *[]NetworkEvent {
	if events == nil {
		events = []NetworkEvent{}
	}
	return &events
}
