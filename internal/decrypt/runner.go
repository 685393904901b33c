// Package decrypt runs an external CENC decryption engine (Bento4
// mp4decrypt or Shaka Packager) on segment files.
package decrypt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"livepipe/internal/livestream"
	"livepipe/internal/mp4info"
)

// Supported engines.
const (
	EngineMP4Decrypt    = "mp4decrypt"
	EngineShakaPackager = "shaka-packager"
)

var (
	// ErrUnknownEngine is returned for an engine name other than the
	// supported ones.
	ErrUnknownEngine = errors.New("unknown decryption engine")
	// ErrNoKeys is returned when a request carries no keys.
	ErrNoKeys = errors.New("no decryption keys")
	// ErrNoOutput is returned when the engine exits cleanly without writing
	// the output file.
	ErrNoOutput = errors.New("decryption engine produced no output")
)

const stderrTail = 512

// Runner invokes the engine binary once per request.
type Runner struct {
	log *slog.Logger
}

// NewRunner returns a Runner.
func NewRunner(log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{log: log}
}

// Decrypt runs the engine for req and verifies the output file exists.
// Shaka Packager has no fragments-info option, so a segment is decrypted from
// a temporary copy prefixed with the init segment and the init boxes are
// stripped from the result.
func (r *Runner) Decrypt(ctx context.Context, req livestream.DecryptRequest) error {
	bin, err := FindBinary(req.Engine, req.BinaryPath)
	if err != nil {
		return err
	}
	args, err := BuildArgs(req)
	if err != nil {
		return err
	}

	combined := needsCombinedInput(req)
	if combined {
		in := combinedInputPath(req.InputPath)
		if err := concatFiles(in, req.InitPath, req.InputPath); err != nil {
			return fmt.Errorf("%s: preparing input: %w", req.Engine, err)
		}
		defer os.Remove(in)
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", req.Engine, err, tail(stderr.String()))
	}

	info, err := os.Stat(req.OutputPath)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("%s: %w", req.Engine, ErrNoOutput)
	}
	if combined {
		n, err := mp4info.StripInit(req.OutputPath)
		if err != nil {
			return fmt.Errorf("%s: %w", req.Engine, err)
		}
		if n == 0 {
			return fmt.Errorf("%s: %w", req.Engine, ErrNoOutput)
		}
	}

	r.log.Debug("decryption completed",
		slog.String("engine", req.Engine),
		slog.String("input", filepath.Base(req.InputPath)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// BuildArgs returns the command line for req without the binary. For Shaka
// Packager with an init context the input is the combined file Decrypt
// prepares next to req.InputPath.
func BuildArgs(req livestream.DecryptRequest) ([]string, error) {
	if len(req.Keys) == 0 {
		return nil, ErrNoKeys
	}

	switch req.Engine {
	case EngineMP4Decrypt, "":
		args := make([]string, 0, 2*len(req.Keys)+4)
		for _, k := range req.Keys {
			args = append(args, "--key", k)
		}
		if req.InitPath != "" {
			args = append(args, "--fragments-info", req.InitPath)
		}
		return append(args, req.InputPath, req.OutputPath), nil

	case EngineShakaPackager:
		keys := make([]string, 0, len(req.Keys))
		for _, k := range req.Keys {
			kid, key, ok := strings.Cut(k, ":")
			if !ok {
				return nil, fmt.Errorf("malformed key entry with %d characters", len(k))
			}
			keys = append(keys, fmt.Sprintf("key_id=%s:key=%s", strings.ReplaceAll(kid, "-", ""), key))
		}
		in := req.InputPath
		if needsCombinedInput(req) {
			in = combinedInputPath(in)
		}
		return []string{
			"--quiet",
			"--enable_raw_key_decryption",
			fmt.Sprintf("input=%s,stream=0,output=%s", in, req.OutputPath),
			"--keys", strings.Join(keys, ","),
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, req.Engine)
	}
}

// FindBinary resolves the engine binary. An explicit path wins, then a
// binary next to the working directory, then PATH.
func FindBinary(engine, configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("decryption binary %q: %w", configured, err)
		}
		return configured, nil
	}

	name := defaultBinary(engine)
	if info, err := os.Stat(name); err == nil && !info.IsDir() {
		abs, err := filepath.Abs(name)
		if err == nil {
			return abs, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found: %w", name, err)
	}
	return path, nil
}

func needsCombinedInput(req livestream.DecryptRequest) bool {
	return req.Engine == EngineShakaPackager && req.InitPath != ""
}

// combinedInputPath returns seg_5_full.tmp for seg_5.tmp.
func combinedInputPath(in string) string {
	ext := filepath.Ext(in)
	return strings.TrimSuffix(in, ext) + "_full" + ext
}

func concatFiles(dest string, parts ...string) (err error) {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dest)
		}
	}()
	for _, p := range parts {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(out, f)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func defaultBinary(engine string) string {
	if engine == EngineShakaPackager {
		return "packager"
	}
	return "mp4decrypt"
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		return s[len(s)-stderrTail:]
	}
	return s
}
