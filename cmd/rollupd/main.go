// Command rollupd downsamples raw sensor readings into hi-res and low-res
// tiers and serves their state over HTTP.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
