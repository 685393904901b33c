// Package mp4info reads protection metadata from fragmented MP4
// initialization segments and separates init boxes from media fragments.
package mp4info

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"

	mp4 "github.com/abema/go-mp4"
)

var sampleEntryPaths = []mp4.BoxPath{
	{mp4.BoxTypeMoov(), mp4.BoxTypeTrak(), mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStsd(), mp4.BoxTypeEncv(), mp4.BoxTypeSinf(), mp4.BoxTypeSchi(), mp4.BoxTypeTenc()},
	{mp4.BoxTypeMoov(), mp4.BoxTypeTrak(), mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStsd(), mp4.BoxTypeEnca(), mp4.BoxTypeSinf(), mp4.BoxTypeSchi(), mp4.BoxTypeTenc()},
}

var psshPath = mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypePssh()}

var initBoxPaths = []mp4.BoxPath{{mp4.BoxTypeFtyp()}, {mp4.BoxTypeMoov()}}

// Inspector extracts default key identifiers.
type Inspector struct{}

// NewInspector returns an Inspector.
func NewInspector() *Inspector { return &Inspector{} }

// ExtractKeyID returns the default KID of the first protected track as 32
// lowercase hex characters. When no track carries a tenc box, KIDs listed in
// a version 1 pssh box are used. An empty string means the file is not
// protected.
func (Inspector) ExtractKeyID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening init segment: %w", err)
	}
	defer f.Close()

	for _, p := range sampleEntryPaths {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return "", err
		}
		boxes, err := mp4.ExtractBoxWithPayload(f, nil, p)
		if err != nil {
			return "", fmt.Errorf("reading sample entries: %w", err)
		}
		for _, b := range boxes {
			tenc, ok := b.Payload.(*mp4.Tenc)
			if !ok || isZero(tenc.DefaultKID) {
				continue
			}
			return hex.EncodeToString(tenc.DefaultKID[:]), nil
		}
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	boxes, err := mp4.ExtractBoxWithPayload(f, nil, psshPath)
	if err != nil {
		return "", fmt.Errorf("reading pssh: %w", err)
	}
	for _, b := range boxes {
		pssh, ok := b.Payload.(*mp4.Pssh)
		if !ok {
			continue
		}
		for _, k := range pssh.KIDs {
			if !isZero(k.KID) {
				return hex.EncodeToString(k.KID[:]), nil
			}
		}
	}
	return "", nil
}

func isZero(kid [16]byte) bool {
	return kid == [16]byte{}
}

// StripInit rewrites the file at path without its top-level ftyp and moov
// boxes, leaving the media fragments, and returns the remaining size. A file
// without those boxes is left untouched.
func StripInit(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}
	infos, err := mp4.ExtractBoxes(bytes.NewReader(data), nil, initBoxPaths)
	if err != nil {
		return 0, fmt.Errorf("reading top-level boxes: %w", err)
	}
	if len(infos) == 0 {
		return int64(len(data)), nil
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Offset < infos[j].Offset })

	size := uint64(len(data))
	out := make([]byte, 0, len(data))
	var pos uint64
	for _, bi := range infos {
		start, end := min(bi.Offset, size), min(bi.Offset+bi.Size, size)
		if start > pos {
			out = append(out, data[pos:start]...)
		}
		pos = max(pos, end)
	}
	out = append(out, data[pos:]...)

	if err := os.WriteFile(path, out, 0o600); err != nil {
		return 0, fmt.Errorf("writing %s: %w", path, err)
	}
	return int64(len(out)), nil
}
