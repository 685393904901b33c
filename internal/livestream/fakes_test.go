package livestream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
)

const testBase = "https://cdn.test/live/"

func segURL(i int64) string { return fmt.Sprintf("%sseg%d.m4s", testBase, i) }

// payload is what fakeFetcher writes for url.
func payload(url string) string { return "<" + path.Base(url) + ">" }

func segPayload(i int64) string { return payload(segURL(i)) }

// testPlaylist lists the given indices at 2s each with an init segment.
func testPlaylist(encrypted, endlist bool, indices ...int64) *Playlist {
	part := MediaPart{}
	for _, i := range indices {
		part.Segments = append(part.Segments, SegmentDescriptor{
			Index:     i,
			Duration:  2.0,
			Encrypted: encrypted,
			Locator:   Locator{URL: segURL(i)},
		})
	}
	return &Playlist{
		MediaInit:      &SegmentDescriptor{Index: -1, Encrypted: encrypted, Locator: Locator{URL: testBase + "init.mp4"}},
		MediaParts:     []MediaPart{part},
		TargetDuration: 2,
		Endlist:        endlist,
	}
}

func videoSelection() *StreamSelection {
	return &StreamSelection{Streams: []*Stream{
		{Kind: MediaKindVideo, Name: "720p", URL: testBase + "video.m3u8"},
		{Kind: MediaKindAudio, Name: "en", URL: testBase + "audio.m3u8"},
	}}
}

type fakeFetcher struct {
	mu     sync.Mutex
	fail   map[string]bool
	panics map[string]bool
	calls  map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{fail: map[string]bool{}, panics: map[string]bool{}, calls: map[string]int{}}
}

func (f *fakeFetcher) FetchSegment(_ context.Context, loc Locator, dest string, _ http.Header) FetchResult {
	f.mu.Lock()
	f.calls[loc.URL]++
	fail, boom := f.fail[loc.URL], f.panics[loc.URL]
	f.mu.Unlock()

	if boom {
		panic("fetcher exploded")
	}
	if fail {
		return FetchResult{Err: errors.New("connection reset by peer")}
	}
	if err := os.WriteFile(dest, []byte(payload(loc.URL)), 0o600); err != nil {
		return FetchResult{Err: err}
	}
	return FetchResult{Success: true, ActualPath: dest}
}

func (f *fakeFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type pollResult struct {
	pl  *Playlist
	err error
}

// scriptedManifest replays polls in order, repeating the last one. A poll
// with both a playlist and an error installs the playlist and returns the
// error. The first
// call is the initial refresh made when the primary has no playlist yet.
type scriptedManifest struct {
	mu        sync.Mutex
	polls     []pollResult
	calls     int
	onRefresh func(call int)
}

func (m *scriptedManifest) RefreshManifest(_ context.Context, sel *StreamSelection) error {
	m.mu.Lock()
	call := m.calls
	m.calls++
	hook := m.onRefresh
	m.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if len(m.polls) == 0 {
		return nil
	}
	i := call
	if i >= len(m.polls) {
		i = len(m.polls) - 1
	}
	if pl := m.polls[i].pl; pl != nil {
		sel.Primary().Playlist = pl
	}
	return m.polls[i].err
}

func (m *scriptedManifest) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func repeat(pl *Playlist) []pollResult { return []pollResult{{pl: pl}} }

// fakeDecrypter prefixes the input with "dec" and fails for inputs whose base
// name is listed in failOn.
type fakeDecrypter struct {
	mu       sync.Mutex
	failOn   map[string]bool
	requests []DecryptRequest
	present  []bool
}

func newFakeDecrypter() *fakeDecrypter { return &fakeDecrypter{failOn: map[string]bool{}} }

func (d *fakeDecrypter) Decrypt(_ context.Context, req DecryptRequest) error {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	initPresent := true
	if req.InitPath != "" {
		_, err := os.Stat(req.InitPath)
		initPresent = err == nil
	}
	d.present = append(d.present, initPresent)
	fail := d.failOn[filepath.Base(req.InputPath)]
	d.mu.Unlock()

	if fail {
		return errors.New("engine exited with status 1")
	}
	in, err := os.ReadFile(req.InputPath)
	if err != nil {
		return err
	}
	return os.WriteFile(req.OutputPath, append([]byte("dec"), in...), 0o600)
}

type fakeInspector struct {
	kid string
	err error
}

func (i fakeInspector) ExtractKeyID(string) (string, error) { return i.kid, i.err }

// brokenPipe fails every write the way a closed stdout does.
type brokenPipe struct{}

func (brokenPipe) Write([]byte) (int, error) { return 0, &os.PathError{Op: "write", Path: "/dev/stdout", Err: syscall.EPIPE} }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func emptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Errorf("reading %s: %v", dir, err)
		return
	}
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected %s to be empty after the session, found %v", dir, names)
	}
}
