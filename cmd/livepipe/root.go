package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// scalarFlags maps flag names to config keys. Repeatable flags are applied
// separately so values containing commas survive intact.
var scalarFlags = map[string]string{
	"audio-only":             "input.audio_only",
	"live-wait-time":         "live.wait_time",
	"live-record-limit":      "live.record_limit",
	"decryption-engine":      "decrypt.engine",
	"decryption-binary-path": "decrypt.binary_path",
	"decrypt-failure":        "decrypt.failure_policy",
	"tmp-dir":                "scratch.base_dir",
	"admin-addr":             "admin.addr",
	"log-level":              "logging.level",
	"log-format":             "logging.format",
	"log-file":               "logging.file",
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	v := viper.New()

	cmd := &cobra.Command{
		Use:     "livepipe [flags] <playlist-url>",
		Short:   "Pipe a live HLS stream to stdout",
		Version: version,
		Long: `livepipe polls a live HLS playlist, downloads each new segment once and in
order, decrypts CENC-protected fMP4 with mp4decrypt or shaka-packager, and
writes the resulting byte stream to stdout.

Logs go to stderr (or --log-file); stdout carries media only.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				v.Set("input.url", args[0])
			}
			applyRepeatable(cmd.Flags(), v)
			return runLive(cmd.Context(), v, cfgFile)
		},
	}
	// Help and usage must not mix with media on stdout.
	cmd.SetOut(cmd.ErrOrStderr())

	addFlags(cmd.Flags(), &cfgFile)
	bindFlags(cmd.Flags(), v)
	return cmd
}

func addFlags(f *pflag.FlagSet, cfgFile *string) {
	f.StringVar(cfgFile, "config", "", "config file (default ./livepipe.yaml or /etc/livepipe/livepipe.yaml)")
	f.Bool("audio-only", false, "follow the audio rendition only")
	f.StringArrayP("header", "H", nil, `request header "Name: value", repeatable`)
	f.StringArray("key", nil, "decryption key KID:KEY in hex, repeatable")
	f.Duration("live-wait-time", 0, "pause between playlist polls (default 2s)")
	f.String("live-record-limit", "", "stop after this much media, e.g. 90m or 01:30:00")
	f.String("decryption-engine", "", "mp4decrypt or shaka-packager (default mp4decrypt)")
	f.String("decryption-binary-path", "", "path to the decryption engine binary")
	f.String("decrypt-failure", "", "on decryption failure: passthrough or drop (default passthrough)")
	f.String("tmp-dir", "", "base directory for scratch files (default system temp)")
	f.String("admin-addr", "", "listen address for /status, /stop and /metrics, empty disables")
	f.String("log-level", "", "log level: debug, info, warn, error")
	f.String("log-format", "", "log format: json or text")
	f.String("log-file", "", "write logs to a rotating file instead of stderr")
}

// bindFlags binds the scalar flags to their config keys. An unset flag
// leaves the file, environment and default values in charge.
func bindFlags(f *pflag.FlagSet, v *viper.Viper) {
	for name, key := range scalarFlags {
		_ = v.BindPFlag(key, f.Lookup(name))
	}
}

// applyRepeatable copies explicitly given repeatable flags into v.
func applyRepeatable(f *pflag.FlagSet, v *viper.Viper) {
	if f.Changed("header") {
		headers, _ := f.GetStringArray("header")
		v.Set("input.headers", headers)
	}
	if f.Changed("key") {
		keys, _ := f.GetStringArray("key")
		v.Set("decrypt.keys", keys)
	}
}
