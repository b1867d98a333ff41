// Package main provides a one-shot utility for share grant key generation.
//
// It emits the asymmetric keypair used to sign and verify share links.
package main

import (
	"os"

	"github.com/louisbranch/waypost/internal/platform/config"
	"github.com/louisbranch/waypost/internal/tools/sharegrantkey"
)

func main() {
	if err := sharegrantkey.Run(os.Stdout, nil); err != nil {
		config.Exitf("generate share grant key: %v", err)
	}
}
