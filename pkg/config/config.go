// kvcached uses flags, a single config file and the environment for configuration.
// A config file is stored in .txtpb format and contains the values that can be set via flags; every flag `name` can
// also be set through the KVCACHE_NAME environment variable, optionally loaded from a .env file.
// Precedence, from lowest to highest: flag defaults, the config file, the environment, the command line.

package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"google.golang.org/protobuf/reflect/protoreflect"
)

const envPrefix = "KVCACHE_"

var (
	configFilePath = flag.String("config_file", "", "Path to the txtpb configuration file.")
	envFilePath    = flag.String("env_file", ".env", "Path to a dotenv file with KVCACHE_* variables.")
)

// EnvName returns the environment variable overriding the flag `flagName`.
func EnvName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, ".", "_"))
}

// readConfigFile returns the flag values of the config file at `path`. A missing file yields no values.
func readConfigFile(md protoreflect.MessageDescriptor, path string) (map[string]string, error) {
	if path == "" {
		slog.Debug("Config file not specified. Skipping config file.")
		return nil, nil
	}
	configBytes, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", path, "error", err)
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parseConfig(md, configBytes)
}

// readEnv returns the flag values given through the environment. Variables of the process win over the ones in the
// dotenv file at `envFile`, which may be missing.
func readEnv(fs *flag.FlagSet, envFile string) (map[string]string, error) {
	dotenv := make(map[string]string)
	if envFile != "" {
		read, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read env file %s: %w", envFile, err)
		}
		if read != nil {
			dotenv = read
		}
	}

	values := make(map[ /*flagName*/ string] /*flagValue*/ string)
	fs.VisitAll(func(f *flag.Flag) {
		envName := EnvName(f.Name)
		if value, ok := os.LookupEnv(envName); ok {
			values[f.Name] = value
		} else if value, ok := dotenv[envName]; ok {
			values[f.Name] = value
		}
	})
	return values, nil
}

// applyConfig sets the flags of `fs` from the config file and the environment, leaving alone the flags that were
// given explicitly on the command line.
func applyConfig(fs *flag.FlagSet, md protoreflect.MessageDescriptor, configFile, envFile string) error {
	explicit := make(map[string]struct{})
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = struct{}{} })

	fromFile, err := readConfigFile(md, configFile)
	if err != nil {
		return err
	}
	fromEnv, err := readEnv(fs, envFile)
	if err != nil {
		return err
	}

	for _, layer := range []map[string]string{fromFile, fromEnv} {
		for _, flagName := range slices.Sorted(maps.Keys(layer)) {
			if _, isExplicit := explicit[flagName]; isExplicit {
				continue
			}
			if setErr := fs.Set(flagName, layer[flagName]); setErr != nil {
				return fmt.Errorf("failed to set flag %s: %w", flagName, setErr)
			}
		}
	}
	return nil
}

// InitFlags parses the command line and then applies the config file given by --config_file and the environment.
// It should be called after defining all flags and before using them.
func InitFlags() error {
	flag.Parse()
	if err := applyConfig(flag.CommandLine, configDescriptor, *configFilePath, *envFilePath); err != nil {
		return fmt.Errorf("failed to initialize flags: %w", err)
	}
	return nil
}
