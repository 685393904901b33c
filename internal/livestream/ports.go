package livestream

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrNoPrimaryStream is returned by Run when neither a video nor an audio
	// stream was selected.
	ErrNoPrimaryStream = errors.New("no video or audio stream selected")

	// ErrSinkClosed is returned by Run when the downstream consumer closed
	// the output pipe.
	ErrSinkClosed = errors.New("output sink closed by consumer")

	// ErrSecondaryStream marks a refresh error that left the primary stream's
	// playlist up to date. The session keeps processing segments.
	ErrSecondaryStream = errors.New("secondary stream refresh failed")
)

// FetchResult is the outcome of a segment fetch. Failures are reported in
// the value rather than returned as an error.
type FetchResult struct {
	Success    bool
	ActualPath string
	Err        error
}

// Fetcher downloads segment bytes to a local path.
type Fetcher interface {
	FetchSegment(ctx context.Context, loc Locator, dest string, headers http.Header) FetchResult
}

// ManifestRefresher refreshes the in-memory playlists of a selection. When
// only non-primary streams fail, the returned error wraps ErrSecondaryStream.
type ManifestRefresher interface {
	RefreshManifest(ctx context.Context, sel *StreamSelection) error
}

// DecryptRequest is a single invocation of the external decryption engine.
type DecryptRequest struct {
	Engine     string
	BinaryPath string
	Keys       []string
	InputPath  string
	OutputPath string
	KeyID      string
	InitPath   string
}

// Decrypter runs the external decryption engine.
type Decrypter interface {
	Decrypt(ctx context.Context, req DecryptRequest) error
}

// KeyInspector reads the key identifier from an initialization segment.
// An empty id with a nil error means the content is not protected.
type KeyInspector interface {
	ExtractKeyID(path string) (string, error)
}

// Collaborators bundles the external capabilities a Session depends on.
type Collaborators struct {
	Fetcher   Fetcher
	Manifest  ManifestRefresher
	Decrypter Decrypter
	Inspector KeyInspector
}
