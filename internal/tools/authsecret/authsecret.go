// Package authsecret generates the shared secret that signs operator tokens.
package authsecret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
)

// minBytes keeps HS256 keys at the hash size.
const minBytes = 32

// Config holds configuration for secret generation.
type Config struct {
	Bytes int
	// Bare prints only the secret instead of an env assignment.
	Bare bool
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Bytes: minBytes}
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "number of random bytes (at least 32)")
	fs.BoolVar(&cfg.Bare, "bare", cfg.Bare, "print only the secret")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates a secret and writes it to out.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if cfg.Bytes < minBytes {
		return fmt.Errorf("bytes must be at least %d", minBytes)
	}
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}

	buf := make([]byte, cfg.Bytes)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)
	if cfg.Bare {
		_, err := fmt.Fprintln(out, secret)
		return err
	}
	_, err := fmt.Fprintf(out, "REWIND_AUTH_SECRET=%s\n", secret)
	return err
}
