package ssh

import (
	"fmt"
	"os"

	xssh "golang.org/x/crypto/ssh"
)

// LoadPrivateKeySigner reads an OpenSSH/PEM private key file and returns an ssh.Signer.
func LoadPrivateKeySigner(privateKeyPath string) (xssh.Signer, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	// Passphrase-protected keys are not supported.
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
