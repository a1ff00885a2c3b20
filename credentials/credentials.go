// Package credentials resolves the bot token from standard locations.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

// EnvVar is the environment variable holding the bot token.
const EnvVar = "DISCORD_TOKEN"

// TokenFile is the plain-text token file, relative to the working directory.
const TokenFile = "../.discord.token"

// ErrInsecurePermissions is returned when credentials file has overly permissive permissions.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// ErrNoToken is returned when no source yields a token.
var ErrNoToken = errors.New("no discord token found")

// Source names where a token came from.
type Source string

const (
	SourceFlag      Source = "flag"
	SourceEnv       Source = "env"
	SourceTokenFile Source = "token_file"
	SourceFile      Source = "credentials_file"
)

// Credentials holds secrets loaded from credentials.toml.
type Credentials struct {
	Discord *DiscordCreds `toml:"discord"`
}

// DiscordCreds is the [discord] section.
type DiscordCreds struct {
	Token string `toml:"token"`
}

// Token is a resolved bot token. Its String form is redacted so it can be
// passed to loggers safely.
type Token struct {
	value  string
	Source Source
	// Path is the file the token was read from, if any.
	Path string
}

// Value returns the raw token for the Authorization header.
func (t Token) Value() string { return t.value }

// Redacted returns the token with everything but the last four characters masked.
func (t Token) Redacted() string {
	if len(t.value) <= 4 {
		return strings.Repeat("*", len(t.value))
	}
	return strings.Repeat("*", 8) + t.value[len(t.value)-4:]
}

func (t Token) String() string { return t.Redacted() }

// StandardPaths returns the standard credential file locations in order of priority
func StandardPaths() []string {
	paths := []string{"credentials.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "overbot", "credentials.toml"),
			filepath.Join(home, ".overbot", "credentials.toml"),
		)
	}
	return paths
}

// Load loads credentials from the first available standard location
func Load() (*Credentials, string, error) {
	return loadFirst(StandardPaths())
}

func loadFirst(paths []string) (*Credentials, string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return creds, path, nil
		}
	}
	return nil, "", nil // No credentials file found (not an error)
}

// LoadFile loads credentials from a specific file.
// Returns ErrInsecurePermissions if file is readable by group or others.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		mode := info.Mode().Perm()
		// Credentials must be 0400 (owner read-only)
		if mode != 0400 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must be 0400)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var creds Credentials
	if _, err := toml.DecodeFile(path, &creds); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &creds, nil
}

// DiscordToken returns the [discord] token, or "".
func (c *Credentials) DiscordToken() string {
	if c == nil || c.Discord == nil {
		return ""
	}
	return strings.TrimSpace(c.Discord.Token)
}

// Resolver finds the bot token. The zero value uses the process
// environment and the standard paths.
type Resolver struct {
	// Flag is the --discord-token value.
	Flag string
	// Getenv replaces os.Getenv.
	Getenv func(string) string
	// TokenFile replaces TokenFile.
	TokenFile string
	// Paths replaces StandardPaths().
	Paths []string
}

// Resolve returns the first token from: the flag, DISCORD_TOKEN, the token
// file, then the credentials file. A credentials file with bad permissions
// is an error even when later sources exist.
func (r Resolver) Resolve() (Token, error) {
	if tok := strings.TrimSpace(r.Flag); tok != "" {
		return Token{value: tok, Source: SourceFlag}, nil
	}

	getenv := r.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if tok := strings.TrimSpace(getenv(EnvVar)); tok != "" {
		return Token{value: tok, Source: SourceEnv}, nil
	}

	tokenFile := r.TokenFile
	if tokenFile == "" {
		tokenFile = TokenFile
	}
	if data, err := os.ReadFile(tokenFile); err == nil {
		if tok := strings.TrimSpace(string(data)); tok != "" {
			return Token{value: tok, Source: SourceTokenFile, Path: tokenFile}, nil
		}
	}

	paths := r.Paths
	if paths == nil {
		paths = StandardPaths()
	}
	creds, path, err := loadFirst(paths)
	if err != nil {
		return Token{}, err
	}
	if tok := creds.DiscordToken(); tok != "" {
		return Token{value: tok, Source: SourceFile, Path: path}, nil
	}

	return Token{}, fmt.Errorf("%w: tried --discord-token, %s, %s and [discord] token in %s",
		ErrNoToken, EnvVar, tokenFile, strings.Join(paths, ", "))
}
