package livestream

// MediaKind classifies a selected stream.
type MediaKind string

const (
	MediaKindVideo    MediaKind = "video"
	MediaKindAudio    MediaKind = "audio"
	MediaKindSubtitle MediaKind = "subtitle"
)

// Locator is a fetchable reference to segment bytes. A zero Length means the
// whole resource; otherwise Offset and Length describe a byte range.
type Locator struct {
	URL    string `json:"url"`
	Offset int64  `json:"offset,omitempty"`
	Length int64  `json:"length,omitempty"`
}

// SegmentDescriptor describes one media segment as listed by the manifest.
// Descriptors are rebuilt on every poll; identity is Index, not the value.
type SegmentDescriptor struct {
	Index     int64   `json:"index"`
	Duration  float64 `json:"duration"`
	Encrypted bool    `json:"encrypted"`
	Locator   Locator `json:"locator"`
}

// MediaPart groups segments between discontinuities.
type MediaPart struct {
	Segments []SegmentDescriptor
}

// Playlist is the in-memory manifest state of one stream. The manifest
// collaborator replaces it wholesale on every refresh.
type Playlist struct {
	MediaInit      *SegmentDescriptor
	MediaParts     []MediaPart
	TargetDuration float64
	Endlist        bool
}

// Stream is a single selected rendition.
type Stream struct {
	Kind      MediaKind
	Name      string
	URL       string
	Bandwidth int
	Playlist  *Playlist
}

// StreamSelection holds the streams chosen for the session.
type StreamSelection struct {
	Streams []*Stream
}

// Primary returns the stream whose manifest drives the session: the first
// video stream, else the first audio stream, else nil.
func (s *StreamSelection) Primary() *Stream {
	if s == nil {
		return nil
	}
	if v := s.first(MediaKindVideo); v != nil {
		return v
	}
	return s.first(MediaKindAudio)
}

// Secondary returns the first audio stream when the primary is video.
func (s *StreamSelection) Secondary() *Stream {
	p := s.Primary()
	if p == nil || p.Kind != MediaKindVideo {
		return nil
	}
	return s.first(MediaKindAudio)
}

func (s *StreamSelection) first(kind MediaKind) *Stream {
	for _, st := range s.Streams {
		if st != nil && st.Kind == kind {
			return st
		}
	}
	return nil
}

// InitContext is resolved at most once per session from the initialization
// segment and shared read-only by every segment decryption.
type InitContext struct {
	KeyID    string
	InitPath string
}

// Outcome reports what ProcessOne did with a segment.
type Outcome int

const (
	OutcomeEmitted Outcome = iota
	OutcomePassthrough
	OutcomeDropped
	OutcomeFetchFailed
	OutcomeSinkFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEmitted:
		return "emitted"
	case OutcomePassthrough:
		return "passthrough"
	case OutcomeDropped:
		return "dropped"
	case OutcomeFetchFailed:
		return "fetch_failed"
	case OutcomeSinkFailed:
		return "sink_failed"
	default:
		return "unknown"
	}
}

// Delivered reports whether the segment's bytes reached the sink.
func (o Outcome) Delivered() bool {
	return o == OutcomeEmitted || o == OutcomePassthrough
}

// State is the session lifecycle state.
type State string

const (
	StateStarting           State = "starting"
	StateInitHandled        State = "init_handled"
	StatePolling            State = "polling"
	StateProcessingSegments State = "processing_segments"
	StateStopping           State = "stopping"
	StateTerminated         State = "terminated"
)
