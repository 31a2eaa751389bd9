// File: api/schemas/tracking.go
package schemas

// LabelKind identifies the source or sink operation that minted a label.
// The string values are part of the snapshot format consumed by offline tooling.
type LabelKind string

// Source label kinds.
const (
	KindSourceMarker       LabelKind = "__taint_source"
	KindLocalStorageGet    LabelKind = "localStorage.getItem"
	KindSessionStorageGet  LabelKind = "sessionStorage.getItem"
	KindFetchResponse      LabelKind = "fetch_1"
	KindXHRResponse        LabelKind = "XMLHttpRequest_1"
	KindDocumentCookieRead LabelKind = "document.cookie_1"
	KindDocumentURL        LabelKind = "document.URL"
	KindLocation           LabelKind = "location"
	KindNavigatorLanguage  LabelKind = "navigator.language"
	KindNavigatorPlatform  LabelKind = "navigator.platform"
	KindNavigatorUserAgent LabelKind = "navigator.userAgent"
)

// Sink label kinds.
const (
	KindSinkMarker          LabelKind = "__taint_sink"
	KindLocalStorageSet     LabelKind = "localStorage.setItem"
	KindSessionStorageSet   LabelKind = "sessionStorage.setItem"
	KindFetchRequest        LabelKind = "fetch_2"
	KindXHRSend             LabelKind = "XMLHttpRequest_2"
	KindSendBeacon          LabelKind = "navigator.sendBeacon"
	KindDocumentCookieWrite LabelKind = "document.cookie_2"
	KindElementCall         LabelKind = "HTMLElement[f]()"
	KindElementAttribute    LabelKind = "HTMLElement[key]"
)

// Location points into the instrumented program's source map. Sub is set when
// the code was materialised by a dynamic evaluation and points at the eval site.
type Location struct {
	ScriptID      int       `json:"sid"`
	InstructionID int       `json:"iid"`
	URL           string    `json:"url"`
	Span          [4]int    `json:"loc"`
	Sub           *Location `json:"sub"`
}

// Label is the serialised form of a provenance record.
type Label struct {
	ID       uint64         `json:"id"`
	Type     LabelKind      `json:"type"`
	Location Location       `json:"location"`
	Info     map[string]any `json:"info"`
}

// CompactFlow references labels by id. Taint holds the distinct base labels
// reachable from the flow's taint.
type CompactFlow struct {
	TaintLabelIDs []uint64 `json:"taintLabelIds"`
	SinkLabelID   uint64   `json:"sinkLabelId"`
}

// CompactTrackingResult is the self-contained snapshot extracted from an engine.
// Every id referenced by Flows or StorageLabelIDs is present in LabelMap exactly once.
type CompactTrackingResult struct {
	LabelMap        map[uint64]Label `json:"labelMap"`
	Flows           []CompactFlow    `json:"flows"`
	StorageLabelIDs []uint64         `json:"storageLabelIds"`
}
