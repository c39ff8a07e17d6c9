// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ManuGH/sheetsync/internal/config"
)

const configUsage = `Usage:
  sheetsync config validate [--file|-f config.yaml]
  sheetsync config dump [--file|-f config.yaml] [--format=yaml|json]
`

func runConfigCLI(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, configUsage)
		return 0
	}
	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:])
	case "dump":
		return runConfigDump(args[1:], os.Stdout)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stderr, configUsage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown config subcommand %q\n\n%s", args[0], configUsage)
		return 2
	}
}

// configPathOr returns explicit when set, otherwise $SHEETSYNC_CONFIG if it
// names an existing file, otherwise "".
func configPathOr(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	p := strings.TrimSpace(os.Getenv(config.EnvPrefix + "CONFIG"))
	if p == "" {
		return ""
	}
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// configFlags registers --file/-f on fs and returns the resolver to call
// after parsing.
func configFlags(fs *flag.FlagSet) func() string {
	var file string
	fs.StringVar(&file, "file", "", "path to YAML configuration file")
	fs.StringVar(&file, "f", "", "shorthand for --file")
	return func() string { return configPathOr(file) }
}

func runConfigValidate(args []string) int {
	fs := flag.NewFlagSet("sheetsync config validate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	path := configFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	p := path()
	if p == "" {
		fmt.Fprintf(os.Stderr, "config validate: --file is required (%sCONFIG is not set)\n", config.EnvPrefix)
		return 2
	}
	if _, err := config.NewLoader(p, version).Load(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", p, err)
		return 1
	}
	fmt.Printf("%s is valid\n", p)
	return 0
}

// runConfigDump prints the effective configuration, that is defaults
// overlaid with the file and then the environment. Secrets are redacted.
func runConfigDump(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("sheetsync config dump", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	path := configFlags(fs)
	format := fs.String("format", "yaml", "output format: yaml or json")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	encode, ok := dumpEncoders[strings.ToLower(strings.TrimSpace(*format))]
	if !ok {
		fmt.Fprintf(os.Stderr, "config dump: unsupported format %q (use yaml or json)\n", *format)
		return 2
	}

	p := path()
	cfg, err := config.NewLoader(p, version).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%q: %v\n", p, err)
		return 1
	}
	redactSecrets(&cfg)

	if err := encode(out, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config dump: %v\n", err)
		return 1
	}
	return 0
}

var dumpEncoders = map[string]func(io.Writer, config.AppConfig) error{
	"yaml": encodeYAML,
	"yml":  encodeYAML,
	"json": func(w io.Writer, cfg config.AppConfig) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	},
}

func encodeYAML(w io.Writer, cfg config.AppConfig) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func redactSecrets(cfg *config.AppConfig) {
	if cfg.Redis.Password != "" {
		cfg.Redis.Password = "***"
	}
}
