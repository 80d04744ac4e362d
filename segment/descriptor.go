package segment

// DataSegment is the descriptor returned by a successful push to deep
// storage. It is the JSON payload written to descriptor.json and the value
// returned from mergeAndPush / Push.
type DataSegment struct {
	Identifier Identifier        `json:"identifier"`
	Size       int64             `json:"size"`
	NumRows    int               `json:"numRows"`
	LoadSpec   map[string]string `json:"loadSpec"`
	Dimensions []string          `json:"dimensions,omitempty"`
}
