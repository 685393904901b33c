// Command livepipe follows a live HLS stream and writes its decrypted,
// ordered media bytes to stdout for a downstream muxer or transcoder.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
