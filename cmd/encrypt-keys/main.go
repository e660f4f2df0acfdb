package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"orchestrator-go/internal/config"
	"orchestrator-go/internal/secrets"
)

// encrypt-keys seals a plaintext Gemini API key list into the encrypted_keys
// format the server reads. Input is either a JSON array of strings or one key
// per line.
func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	in := flag.String("in", "", "Plaintext key file (default: the configured key file)")
	out := flag.String("out", "", "Output file (default: overwrite the configured key file)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load configuration: %v", err)
	}
	if *in == "" {
		*in = cfg.Paths.GeminiKeysFile()
	}
	if *out == "" {
		*out = cfg.Paths.GeminiKeysFile()
	}

	box, err := secrets.Open(cfg.Paths.MasterKeyFile)
	if err != nil {
		fatal("open master key: %v", err)
	}

	data, err := os.ReadFile(*in)
	if err != nil {
		fatal("read %s: %v", *in, err)
	}
	keys, err := parseKeys(data)
	if err != nil {
		fatal("parse %s: %v", *in, err)
	}
	if len(keys) == 0 {
		fatal("%s contains no keys", *in)
	}

	sealed := make([]string, 0, len(keys))
	for _, key := range keys {
		s, err := box.Seal(key)
		if err != nil {
			fatal("seal key: %v", err)
		}
		sealed = append(sealed, s)
	}

	payload, err := json.MarshalIndent(map[string][]string{"encrypted_keys": sealed}, "", "  ")
	if err != nil {
		fatal("encode output: %v", err)
	}
	if err := os.WriteFile(*out, append(payload, '\n'), 0o600); err != nil {
		fatal("write %s: %v", *out, err)
	}
	fmt.Printf("Sealed %d keys into %s\n", len(sealed), *out)
}

func parseKeys(data []byte) ([]string, error) {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		return compact(list), nil
	}
	var already struct {
		EncryptedKeys []string `json:"encrypted_keys"`
	}
	if err := json.Unmarshal(data, &already); err == nil && already.EncryptedKeys != nil {
		return nil, fmt.Errorf("file is already encrypted")
	}
	return compact(strings.Split(string(data), "\n")), nil
}

func compact(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
