package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// DefaultKeyFile is the key file used when none is configured.
const DefaultKeyFile = "redcap_key.toml"

var (
	ErrInvalidKeyFile     = errors.New("invalid key file")
	ErrMissingCredentials = errors.New("missing credentials")
)

// KeyFile is the location of a REDCap key file. The zero value is not a valid
// location; build one with KeyFilePath or ParseKeyFile.
type KeyFile struct {
	path string
}

// KeyFilePath returns a KeyFile for the given path. An empty path yields the
// zero KeyFile, which LoadCredentials rejects.
func KeyFilePath(path string) KeyFile {
	return KeyFile{path: path}
}

// ParseKeyFile validates an untyped key file value, as found in flags,
// environment or decoded configuration. Strings and KeyFile values are
// accepted; anything else is rejected with ErrInvalidKeyFile.
func ParseKeyFile(v interface{}) (KeyFile, error) {
	switch kf := v.(type) {
	case string:
		if kf == "" {
			return KeyFile{}, fmt.Errorf("%w: empty path", ErrInvalidKeyFile)
		}
		return KeyFile{path: kf}, nil
	case KeyFile:
		if !kf.Valid() {
			return KeyFile{}, fmt.Errorf("%w: empty path", ErrInvalidKeyFile)
		}
		return kf, nil
	case *KeyFile:
		if kf == nil || !kf.Valid() {
			return KeyFile{}, fmt.Errorf("%w: empty path", ErrInvalidKeyFile)
		}
		return *kf, nil
	default:
		return KeyFile{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidKeyFile, v)
	}
}

func (k KeyFile) Path() string { return k.path }

func (k KeyFile) Valid() bool { return k.path != "" }

func (k KeyFile) String() string { return k.path }

// Credentials authenticate against one REDCap project.
type Credentials struct {
	URL   string
	Token string
}

// String hides the token so credentials can be logged or printed safely.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{URL: %s, Token: [REDACTED]}", c.URL)
}

// LoadCredentials reads the REDCap url and token from a TOML key file:
//
//	url = "https://redcap.example.org/api/"
//	token = "0123456789ABCDEF0123456789ABCDEF"
//
// Read and parse failures are returned wrapped, unchanged otherwise.
func LoadCredentials(kf KeyFile) (Credentials, error) {
	if !kf.Valid() {
		return Credentials{}, fmt.Errorf("%w: empty path", ErrInvalidKeyFile)
	}

	v := viper.New()
	v.SetConfigFile(kf.Path())
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return Credentials{}, fmt.Errorf("read key file %s: %w", kf.Path(), err)
	}

	url, err := requiredString(v, "url")
	if err != nil {
		return Credentials{}, fmt.Errorf("key file %s: %w", kf.Path(), err)
	}
	token, err := requiredString(v, "token")
	if err != nil {
		return Credentials{}, fmt.Errorf("key file %s: %w", kf.Path(), err)
	}
	return Credentials{URL: url, Token: token}, nil
}

func requiredString(v *viper.Viper, key string) (string, error) {
	if !v.IsSet(key) {
		return "", fmt.Errorf("%w: %q not set", ErrMissingCredentials, key)
	}
	s, ok := v.Get(key).(string)
	if !ok {
		return "", fmt.Errorf("%w: %q must be a string, got %T", ErrMissingCredentials, key, v.Get(key))
	}
	if s == "" {
		return "", fmt.Errorf("%w: %q is empty", ErrMissingCredentials, key)
	}
	return s, nil
}
