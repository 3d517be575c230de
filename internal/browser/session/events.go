package session

// Wire shapes of the events and replies this package consumes. Only the
// fields capture needs are decoded.

type requestPayload struct {
	URL         string                 `json:"url"`
	Method      string                 `json:"method"`
	Headers     map[string]interface{} `json:"headers"`
	PostData    string                 `json:"postData"`
	HasPostData bool                   `json:"hasPostData"`
}

type responsePayload struct {
	URL        string                 `json:"url"`
	Status     int                    `json:"status"`
	StatusText string                 `json:"statusText"`
	MimeType   string                 `json:"mimeType"`
	Headers    map[string]interface{} `json:"headers"`
}

type eventRequestWillBeSent struct {
	RequestID        string           `json:"requestId"`
	LoaderID         string           `json:"loaderId"`
	FrameID          string           `json:"frameId"`
	Type             string           `json:"type"`
	Request          requestPayload   `json:"request"`
	RedirectResponse *responsePayload `json:"redirectResponse"`
}

type eventResponseReceived struct {
	RequestID string          `json:"requestId"`
	FrameID   string          `json:"frameId"`
	Type      string          `json:"type"`
	Response  responsePayload `json:"response"`
}

type eventLoadingFinished struct {
	RequestID string `json:"requestId"`
}

type eventLoadingFailed struct {
	RequestID string `json:"requestId"`
	ErrorText string `json:"errorText"`
	Canceled  bool   `json:"canceled"`
}

type eventScriptParsed struct {
	ScriptID string `json:"scriptId"`
	URL      string `json:"url"`
}

type eventFrameNavigated struct {
	Frame struct {
		ID       string `json:"id"`
		ParentID string `json:"parentId"`
		LoaderID string `json:"loaderId"`
		URL      string `json:"url"`
	} `json:"frame"`
}

type navigateResult struct {
	FrameID   string `json:"frameId"`
	LoaderID  string `json:"loaderId"`
	ErrorText string `json:"errorText"`
}

type navigationHistoryResult struct {
	CurrentIndex int `json:"currentIndex"`
	Entries      []struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"entries"`
}

type layoutMetricsResult struct {
	CSSContentSize struct {
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	} `json:"cssContentSize"`
}
