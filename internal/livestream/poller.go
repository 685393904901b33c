package livestream

import (
	"context"
	"fmt"
	"sort"
)

// Poller refreshes the primary stream's manifest and extracts the segments
// that have not been emitted yet.
type Poller struct {
	manifest ManifestRefresher
}

// NewPoller returns a Poller backed by the given manifest collaborator.
func NewPoller(manifest ManifestRefresher) *Poller {
	return &Poller{manifest: manifest}
}

// Refresh performs exactly one manifest refresh for the selection.
func (p *Poller) Refresh(ctx context.Context, sel *StreamSelection) error {
	if err := p.manifest.RefreshManifest(ctx, sel); err != nil {
		return fmt.Errorf("refreshing manifest: %w", err)
	}
	return nil
}

// NewSegments flattens every media part of pl and returns, sorted by index,
// the descriptors above highest that the window has not seen. An index that
// appears more than once in pl is returned once. A nil playlist or one
// without parts yields nil.
func NewSegments(pl *Playlist, highest int64, w *Window) []SegmentDescriptor {
	if pl == nil || len(pl.MediaParts) == 0 {
		return nil
	}

	seen := make(map[int64]struct{})
	var out []SegmentDescriptor
	for _, part := range pl.MediaParts {
		for _, seg := range part.Segments {
			if seg.Index <= highest || w.Contains(seg.Index) {
				continue
			}
			if _, dup := seen[seg.Index]; dup {
				continue
			}
			seen[seg.Index] = struct{}{}
			out = append(out, seg)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// HasSegmentData reports whether pl carries any media parts.
func HasSegmentData(pl *Playlist) bool {
	return pl != nil && len(pl.MediaParts) > 0
}
