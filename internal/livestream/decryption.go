package livestream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// DecryptFailurePolicy decides what a segment contributes when the engine
// fails to decrypt it.
type DecryptFailurePolicy string

const (
	// PolicyPassthrough emits the original encrypted bytes so the stream keeps
	// flowing; the consumer may glitch on that segment.
	PolicyPassthrough DecryptFailurePolicy = "passthrough"
	// PolicyDrop emits nothing for the segment.
	PolicyDrop DecryptFailurePolicy = "drop"
)

// ParseDecryptFailurePolicy maps a config value to a policy. Unknown values
// fall back to PolicyPassthrough.
func ParseDecryptFailurePolicy(s string) DecryptFailurePolicy {
	if strings.EqualFold(strings.TrimSpace(s), string(PolicyDrop)) {
		return PolicyDrop
	}
	return PolicyPassthrough
}

// DecryptConfig selects the external engine and the content keys.
type DecryptConfig struct {
	Engine        string
	BinaryPath    string
	Keys          []string
	FailurePolicy DecryptFailurePolicy
}

// ErrDecryptionInactive is returned when a decrypt is requested but no key id
// was resolved or no keys are configured.
var ErrDecryptionInactive = errors.New("decryption not active for this session")

// DecryptionContext owns the one-time key id resolution and hands every
// decryption to the external engine with the shared init context.
type DecryptionContext struct {
	cfg       DecryptConfig
	decrypter Decrypter
	inspector KeyInspector
	log       *slog.Logger

	init     InitContext
	resolved bool
}

// NewDecryptionContext returns an unresolved context.
func NewDecryptionContext(cfg DecryptConfig, decrypter Decrypter, inspector KeyInspector, log *slog.Logger) *DecryptionContext {
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = PolicyPassthrough
	}
	return &DecryptionContext{cfg: cfg, decrypter: decrypter, inspector: inspector, log: log}
}

// ResolveFromInit extracts the key id from the initialization segment at
// path. It only runs once; later calls return the first result.
func (d *DecryptionContext) ResolveFromInit(path string) string {
	if d.resolved {
		return d.init.KeyID
	}
	d.resolved = true

	if d.inspector == nil {
		return ""
	}
	kid, err := d.inspector.ExtractKeyID(path)
	if err != nil {
		d.log.Warn("reading key id from init segment failed", slog.String("error", err.Error()))
		return ""
	}
	d.init.KeyID = strings.ToLower(kid)
	return d.init.KeyID
}

// Active reports whether segments of this session are decrypted.
func (d *DecryptionContext) Active() bool {
	return d.init.KeyID != "" && len(d.cfg.Keys) > 0 && d.decrypter != nil
}

// KeyID returns the resolved key id, empty when none was found.
func (d *DecryptionContext) KeyID() string {
	return d.init.KeyID
}

// Init returns a copy of the init context.
func (d *DecryptionContext) Init() InitContext {
	return d.init
}

// Policy returns the configured failure policy.
func (d *DecryptionContext) Policy() DecryptFailurePolicy {
	return d.cfg.FailurePolicy
}

// DecryptInit decrypts the initialization segment. On success in becomes the
// init context handed to every later segment decryption; the engine reads
// the protection boxes from the original init, not from the clear copy.
func (d *DecryptionContext) DecryptInit(ctx context.Context, in, out string) error {
	if !d.Active() {
		return ErrDecryptionInactive
	}
	if err := d.decrypter.Decrypt(ctx, d.request(in, out, "")); err != nil {
		return fmt.Errorf("decrypting init segment: %w", err)
	}
	d.init.InitPath = in
	return nil
}

// DecryptSegment decrypts one media segment using the init context.
func (d *DecryptionContext) DecryptSegment(ctx context.Context, in, out string) error {
	if !d.Active() {
		return ErrDecryptionInactive
	}
	if err := d.decrypter.Decrypt(ctx, d.request(in, out, d.init.InitPath)); err != nil {
		return fmt.Errorf("decrypting segment: %w", err)
	}
	return nil
}

func (d *DecryptionContext) request(in, out, initPath string) DecryptRequest {
	return DecryptRequest{
		Engine:     d.cfg.Engine,
		BinaryPath: d.cfg.BinaryPath,
		Keys:       SelectKeys(d.cfg.Keys, d.init.KeyID),
		InputPath:  in,
		OutputPath: out,
		KeyID:      d.init.KeyID,
		InitPath:   initPath,
	}
}

// SelectKeys returns only the "KID:KEY" entries matching kid when any match,
// otherwise all keys.
func SelectKeys(keys []string, kid string) []string {
	if kid == "" {
		return keys
	}
	var matched []string
	for _, k := range keys {
		id, _, ok := strings.Cut(k, ":")
		if ok && strings.EqualFold(strings.ReplaceAll(id, "-", ""), kid) {
			matched = append(matched, k)
		}
	}
	if len(matched) == 0 {
		return keys
	}
	return matched
}
