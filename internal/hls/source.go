// Package hls selects streams from an HLS multivariant playlist and refreshes
// their media playlists into livestream playlists.
package hls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"livepipe/internal/livestream"
)

// ErrNoVariants is returned by Select when a multivariant playlist lists
// nothing usable.
var ErrNoVariants = errors.New("multivariant playlist has no usable variants")

// Getter downloads small resources such as playlists.
type Getter interface {
	GetBytes(ctx context.Context, url string, headers http.Header) ([]byte, error)
}

// Source selects streams and refreshes their media playlists.
type Source struct {
	client  Getter
	headers http.Header
	log     *slog.Logger
}

// NewSource returns a Source that fetches playlists with client, sending
// headers on every request.
func NewSource(client Getter, headers http.Header, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{client: client, headers: headers, log: log}
}

// Select fetches the playlist at rawURL and chooses the session's streams:
// the highest-bandwidth variant plus its audio rendition. With audioOnly the
// video variant is left out. A media playlist yields a single stream.
// Playlists are populated by the first refresh.
func (s *Source) Select(ctx context.Context, rawURL string, audioOnly bool) (*livestream.StreamSelection, error) {
	data, err := s.client.GetBytes(ctx, rawURL, s.headers)
	if err != nil {
		return nil, fmt.Errorf("fetching playlist: %w", err)
	}
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing playlist: %w", err)
	}

	switch p := pl.(type) {
	case *playlist.Media:
		kind := livestream.MediaKindVideo
		if audioOnly {
			kind = livestream.MediaKindAudio
		}
		st := &livestream.Stream{Kind: kind, Name: "main", URL: rawURL, Playlist: toPlaylist(rawURL, p)}
		return &livestream.StreamSelection{Streams: []*livestream.Stream{st}}, nil

	case *playlist.Multivariant:
		return s.selectVariant(rawURL, p, audioOnly)

	default:
		return nil, fmt.Errorf("unsupported playlist type %T", pl)
	}
}

func (s *Source) selectVariant(base string, mv *playlist.Multivariant, audioOnly bool) (*livestream.StreamSelection, error) {
	variants := make([]*playlist.MultivariantVariant, 0, len(mv.Variants))
	for _, v := range mv.Variants {
		if v != nil && v.URI != "" {
			variants = append(variants, v)
		}
	}
	sort.SliceStable(variants, func(i, j int) bool {
		return variants[i].Bandwidth > variants[j].Bandwidth
	})

	sel := &livestream.StreamSelection{}
	var group string
	if len(variants) > 0 {
		best := variants[0]
		group = best.Audio
		if !audioOnly {
			sel.Streams = append(sel.Streams, &livestream.Stream{
				Kind:      livestream.MediaKindVideo,
				Name:      variantName(best),
				URL:       resolveURL(base, best.URI),
				Bandwidth: best.Bandwidth,
			})
		}
	}

	if r := pickAudio(mv.Renditions, group); r != nil {
		sel.Streams = append(sel.Streams, &livestream.Stream{
			Kind: livestream.MediaKindAudio,
			Name: r.Name,
			URL:  resolveURL(base, *r.URI),
		})
	} else if audioOnly && len(variants) > 0 {
		// Audio muxed into the variant.
		best := variants[0]
		sel.Streams = append(sel.Streams, &livestream.Stream{
			Kind:      livestream.MediaKindAudio,
			Name:      variantName(best),
			URL:       resolveURL(base, best.URI),
			Bandwidth: best.Bandwidth,
		})
	}

	if len(sel.Streams) == 0 {
		return nil, ErrNoVariants
	}
	for _, st := range sel.Streams {
		s.log.Info("stream selected",
			slog.String("kind", string(st.Kind)),
			slog.String("name", st.Name),
			slog.Int("bandwidth", st.Bandwidth),
		)
	}
	return sel, nil
}

// RefreshManifest re-fetches the media playlist of every selected stream and
// replaces its Playlist. Streams that fail keep their previous playlist. If
// the primary stream refreshed and only others failed, the error wraps
// livestream.ErrSecondaryStream.
func (s *Source) RefreshManifest(ctx context.Context, sel *livestream.StreamSelection) error {
	if sel == nil {
		return errors.New("nil stream selection")
	}
	primary := sel.Primary()
	primaryFailed := false
	var errs []error
	for _, st := range sel.Streams {
		if st == nil || st.URL == "" {
			continue
		}
		pl, err := s.fetchMedia(ctx, st.URL)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s stream %s: %w", st.Kind, st.Name, err))
			if st == primary {
				primaryFailed = true
			}
			continue
		}
		st.Playlist = pl
	}
	if len(errs) == 0 {
		return nil
	}
	if !primaryFailed {
		return fmt.Errorf("%w: %w", livestream.ErrSecondaryStream, errors.Join(errs...))
	}
	return errors.Join(errs...)
}

func (s *Source) fetchMedia(ctx context.Context, rawURL string) (*livestream.Playlist, error) {
	data, err := s.client.GetBytes(ctx, rawURL, s.headers)
	if err != nil {
		return nil, err
	}
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing media playlist: %w", err)
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, fmt.Errorf("expected media playlist, got %T", pl)
	}
	return toPlaylist(rawURL, media), nil
}

// toPlaylist converts a parsed media playlist. Segment indices are the media
// sequence number plus the position in the playlist, and a discontinuity is
// not tracked separately so all segments land in one part.
func toPlaylist(base string, m *playlist.Media) *livestream.Playlist {
	out := &livestream.Playlist{
		TargetDuration: float64(m.TargetDuration),
		Endlist:        m.Endlist,
	}

	var key *playlist.MediaKey
	encryptedAny := false
	part := livestream.MediaPart{Segments: make([]livestream.SegmentDescriptor, 0, len(m.Segments))}
	for i, seg := range m.Segments {
		if seg == nil {
			continue
		}
		if seg.Key != nil {
			key = seg.Key
		}
		enc := isEncrypted(key)
		encryptedAny = encryptedAny || enc
		part.Segments = append(part.Segments, livestream.SegmentDescriptor{
			Index:     int64(m.MediaSequence) + int64(i),
			Duration:  seg.Duration.Seconds(),
			Encrypted: enc,
			Locator:   locator(base, seg.URI, seg.ByteRangeStart, seg.ByteRangeLength),
		})
	}
	out.MediaParts = []livestream.MediaPart{part}

	if m.Map != nil && m.Map.URI != "" {
		out.MediaInit = &livestream.SegmentDescriptor{
			Index:     -1,
			Encrypted: encryptedAny,
			Locator:   locator(base, m.Map.URI, m.Map.ByteRangeStart, m.Map.ByteRangeLength),
		}
	}
	return out
}

func isEncrypted(k *playlist.MediaKey) bool {
	return k != nil && !strings.EqualFold(string(k.Method), "NONE") && string(k.Method) != ""
}

func locator(base, uri string, start, length *uint64) livestream.Locator {
	loc := livestream.Locator{URL: resolveURL(base, uri)}
	if length != nil && *length > 0 {
		loc.Length = int64(*length)
		if start != nil {
			loc.Offset = int64(*start)
		}
	}
	return loc
}

// pickAudio returns the audio rendition for group, preferring DEFAULT=YES.
// With an empty group any audio rendition qualifies.
func pickAudio(renditions []*playlist.MultivariantRendition, group string) *playlist.MultivariantRendition {
	var first *playlist.MultivariantRendition
	for _, r := range renditions {
		if r == nil || r.Type != playlist.MultivariantRenditionTypeAudio || r.URI == nil || *r.URI == "" {
			continue
		}
		if group != "" && r.GroupID != group {
			continue
		}
		if r.Default {
			return r
		}
		if first == nil {
			first = r
		}
	}
	return first
}

func variantName(v *playlist.MultivariantVariant) string {
	if v.Resolution != "" {
		return v.Resolution
	}
	return fmt.Sprintf("%dbps", v.Bandwidth)
}

// resolveURL resolves ref against the playlist URL it was found in.
func resolveURL(base, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		if idx := strings.LastIndex(base, "/"); idx >= 0 {
			return base[:idx+1] + ref
		}
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
