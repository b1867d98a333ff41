// Package sharegrantkey generates the ed25519 keypair behind share links.
package sharegrantkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/louisbranch/waypost/internal/sharegrant"
)

// Run generates a share grant key pair and writes shell exports. The
// private key configures the grant signer, the public key goes to the
// tracker and dashboard verifiers.
func Run(out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}
	publicKey, privateKey, err := ed25519.GenerateKey(reader)
	if err != nil {
		return fmt.Errorf("generate share grant key: %w", err)
	}
	if _, err := fmt.Fprintf(out, "export %s=%s\n", sharegrant.EnvShareGrantPrivateKey, base64.StdEncoding.EncodeToString(privateKey)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "export %s=%s\n", sharegrant.EnvShareGrantPublicKey, base64.StdEncoding.EncodeToString(publicKey)); err != nil {
		return err
	}
	return nil
}
