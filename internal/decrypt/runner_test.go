package decrypt

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livepipe/internal/livestream"
)

const key = "0123456789abcdef0123456789abcdef:00112233445566778899aabbccddeeff"

func TestBuildArgs_mp4decrypt(t *testing.T) {
	args, err := BuildArgs(livestream.DecryptRequest{
		Engine:     EngineMP4Decrypt,
		Keys:       []string{key},
		InputPath:  "in.tmp",
		OutputPath: "out.tmp",
		InitPath:   "_init.mp4",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"--key", key, "--fragments-info", "_init.mp4", "in.tmp", "out.tmp"}, args)
}

func TestBuildArgs_mp4decryptWithoutInit(t *testing.T) {
	args, err := BuildArgs(livestream.DecryptRequest{
		Engine:     EngineMP4Decrypt,
		Keys:       []string{key, "aa:bb"},
		InputPath:  "in",
		OutputPath: "out",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"--key", key, "--key", "aa:bb", "in", "out"}, args)
}

func TestBuildArgs_shaka(t *testing.T) {
	args, err := BuildArgs(livestream.DecryptRequest{
		Engine:     EngineShakaPackager,
		Keys:       []string{"01234567-89ab-cdef-0123-456789abcdef:00112233445566778899aabbccddeeff"},
		InputPath:  "in.tmp",
		OutputPath: "out.tmp",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"--quiet",
		"--enable_raw_key_decryption",
		"input=in.tmp,stream=0,output=out.tmp",
		"--keys", "key_id=0123456789abcdef0123456789abcdef:key=00112233445566778899aabbccddeeff",
	}, args)
}

func TestBuildArgs_shakaWithInitContext(t *testing.T) {
	args, err := BuildArgs(livestream.DecryptRequest{
		Engine:     EngineShakaPackager,
		Keys:       []string{key},
		InputPath:  "/tmp/s/seg_5.tmp",
		OutputPath: "/tmp/s/seg_5_dec.tmp",
		InitPath:   "/tmp/s/_init.mp4",
	})
	require.NoError(t, err)
	assert.Equal(t, "input=/tmp/s/seg_5_full.tmp,stream=0,output=/tmp/s/seg_5_dec.tmp", args[2])
}

func TestBuildArgs_errors(t *testing.T) {
	_, err := BuildArgs(livestream.DecryptRequest{Engine: EngineMP4Decrypt})
	assert.ErrorIs(t, err, ErrNoKeys)

	_, err = BuildArgs(livestream.DecryptRequest{Engine: "openssl", Keys: []string{key}})
	assert.ErrorIs(t, err, ErrUnknownEngine)
}

func TestFindBinary_configured(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mp4decrypt")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))

	got, err := FindBinary(EngineMP4Decrypt, path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = FindBinary(EngineMP4Decrypt, filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

// fakeEngine writes a shell script that copies its second-to-last argument
// to its last argument, or fails when fail is set.
func fakeEngine(t *testing.T, fail bool) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script engine stub requires a POSIX shell")
	}
	script := "#!/bin/sh\nfor a; do prev=\"$last\"; last=\"$a\"; done\ncp \"$prev\" \"$last\"\n"
	if fail {
		script = "#!/bin/sh\necho 'ERROR: invalid key' >&2\nexit 1\n"
	}
	path := filepath.Join(t.TempDir(), "mp4decrypt")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestRunner_Decrypt(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "seg_1.tmp")
	out := filepath.Join(dir, "seg_1_dec.tmp")
	require.NoError(t, os.WriteFile(in, []byte("cipher"), 0o644))

	err := NewRunner(nil).Decrypt(context.Background(), livestream.DecryptRequest{
		Engine:     EngineMP4Decrypt,
		BinaryPath: fakeEngine(t, false),
		Keys:       []string{key},
		InputPath:  in,
		OutputPath: out,
	})
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "cipher", string(got))
}

func TestRunner_Decrypt_engineFailure(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "seg_1.tmp")
	require.NoError(t, os.WriteFile(in, []byte("cipher"), 0o644))

	err := NewRunner(nil).Decrypt(context.Background(), livestream.DecryptRequest{
		Engine:     EngineMP4Decrypt,
		BinaryPath: fakeEngine(t, true),
		Keys:       []string{key},
		InputPath:  in,
		OutputPath: filepath.Join(dir, "seg_1_dec.tmp"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid key")
}

func box(typ string, payload []byte) []byte {
	out := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint32(out, uint32(8+len(payload)))
	copy(out[4:], typ)
	return append(out, payload...)
}

// fakePackager writes a shell script that copies the input= file to the
// output= file and keeps a copy of what it was given in seen.
func fakePackager(t *testing.T, seen string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script engine stub requires a POSIX shell")
	}
	script := `#!/bin/sh
for a; do
  case "$a" in
    input=*) spec="${a#input=}"; in="${spec%%,*}"; out="${spec##*output=}" ;;
  esac
done
cp "$in" "` + seen + `"
cp "$in" "$out"
`
	path := filepath.Join(t.TempDir(), "packager")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestRunner_Decrypt_shakaGetsInitContext(t *testing.T) {
	dir := t.TempDir()
	initSeg := append(box("ftyp", []byte("iso6\x00\x00\x00\x00")), box("moov", make([]byte, 16))...)
	media := append(box("moof", make([]byte, 8)), box("mdat", []byte("cipher"))...)

	initPath := filepath.Join(dir, "_init.mp4")
	in := filepath.Join(dir, "seg_5.tmp")
	out := filepath.Join(dir, "seg_5_dec.tmp")
	seen := filepath.Join(t.TempDir(), "seen")
	require.NoError(t, os.WriteFile(initPath, initSeg, 0o644))
	require.NoError(t, os.WriteFile(in, media, 0o644))

	err := NewRunner(nil).Decrypt(context.Background(), livestream.DecryptRequest{
		Engine:     EngineShakaPackager,
		BinaryPath: fakePackager(t, seen),
		Keys:       []string{key},
		InputPath:  in,
		OutputPath: out,
		InitPath:   initPath,
	})
	require.NoError(t, err)

	given, err := os.ReadFile(seen)
	require.NoError(t, err)
	assert.Equal(t, bytes.Join([][]byte{initSeg, media}, nil), given)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, media, got)

	_, err = os.Stat(filepath.Join(dir, "seg_5_full.tmp"))
	assert.True(t, os.IsNotExist(err), "combined input should be removed")
}
