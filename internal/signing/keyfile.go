package signing

import (
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/ed25519"
)

const pemBlockType = "MATRIX PRIVATE KEY"

// LoadOrGenerateKey reads an Ed25519 seed from a PEM file at path (block
// type "MATRIX PRIVATE KEY", as Matrix homeservers conventionally store
// their signing key), generating and persisting a fresh one if the file
// doesn't exist yet so a new deployment can start from an empty data
// directory.
func LoadOrGenerateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return generateAndSave(path)
	}
	if err != nil {
		return nil, fmt.Errorf("signing: read key file %s: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemBlockType {
		return nil, fmt.Errorf("signing: %s does not contain a %s PEM block", path, pemBlockType)
	}
	if len(block.Bytes) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing: %s: seed is %d bytes, want %d", path, len(block.Bytes), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(block.Bytes), nil
}

func generateAndSave(path string) (ed25519.PrivateKey, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("signing: generate key seed: %w", err)
	}
	block := &pem.Block{Type: pemBlockType, Bytes: seed}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("signing: write new key to %s: %w", path, err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
