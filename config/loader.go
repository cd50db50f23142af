package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/Meander-Cloud/go-branch/result"
)

const (
	EnvPrefix         = "BRANCH_"
	maxConfigFileSize = 1024 * 1024
)

// envSections lists keys which are nested tables; for these the first
// underscore after the prefix separates section from field.
var envSections = map[string]struct{}{
	"log":    {},
	"status": {},
}

// Load reads the YAML file at path (skipped when path is empty), overrides it
// with BRANCH_* environment variables, applies defaults and validates.
//
//	BRANCH_NETWORK_NAME -> network_name
//	BRANCH_LOG_LEVEL    -> log.level
func Load(path string) (*BranchConfig, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}

		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, result.Newf(result.CodeParsingFileFailed, "failed to parse %s: %v", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, result.Newf(result.CodeConfigNotValid, "failed to load environment: %v", err)
	}

	return fromKoanf(k)
}

// LoadBytes parses YAML content directly, without consulting the environment.
func LoadBytes(content []byte) (*BranchConfig, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, result.Newf(result.CodeParsingFileFailed, "failed to parse config: %v", err)
	}
	return fromKoanf(k)
}

func fromKoanf(k *koanf.Koanf) (*BranchConfig, error) {
	var c BranchConfig
	if err := k.Unmarshal("", &c); err != nil {
		return nil, result.Newf(result.CodeConfigNotValid, "failed to unmarshal config: %v", err)
	}

	c.ApplyDefaults()

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

func readConfigFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, result.Newf(result.CodeReadFileFailed, "config file %s does not exist", path)
		}
		return nil, result.Newf(result.CodeReadFileFailed, "failed to stat %s: %v", path, err)
	}

	if info.Size() > maxConfigFileSize {
		return nil, result.Newf(result.CodeReadFileFailed, "config file %s too large: %d bytes", path, info.Size())
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, result.Newf(result.CodeReadFileFailed, "failed to read %s: %v", path, err)
	}

	return content, nil
}

func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))

	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 2 {
		if _, found := envSections[parts[0]]; found {
			return parts[0] + "." + parts[1]
		}
	}

	return lower
}
