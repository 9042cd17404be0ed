// ABOUTME: Interactive `huddle-gateway init` that writes a starter config file
// ABOUTME: Generates a random JWT secret and declares the built-in bots

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// prompt displays a prompt and returns user input or default value.
func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "y" || s == "yes"
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

type initAnswers struct {
	HTTPAddr  string
	Driver    string
	DBPath    string
	Secret    string
	Policy    string
	LogLevel  string
	LogFormat string
}

func renderConfig(a initAnswers) string {
	var b strings.Builder
	b.WriteString("# huddle-gateway configuration\n")
	b.WriteString("# Generated by huddle-gateway init\n\n")

	fmt.Fprintf(&b, "server:\n  http_addr: %q\n\n", a.HTTPAddr)
	fmt.Fprintf(&b, "database:\n  driver: %q\n  path: %q\n\n", a.Driver, a.DBPath)
	fmt.Fprintf(&b, "auth:\n  jwt_secret: %q\n  token_ttl: \"24h\"\n\n", a.Secret)
	b.WriteString("sessions:\n  ttl: \"5m\"\n  sweep_interval: \"1m\"\n\n")
	b.WriteString("transport:\n  queue_size: 64\n  overflow: \"drop_oldest\"\n\n")
	fmt.Fprintf(&b, "handshake:\n  policy: %q\n  timeout: \"10s\"\n\n", a.Policy)
	b.WriteString("dedupe:\n  ttl: \"10m\"\n  max_entries: 10000\n\n")
	b.WriteString("bots:\n")
	b.WriteString("  shouter:\n    internal:\n      kind: \"uppercase-echo\"\n")
	b.WriteString("  calc:\n    internal:\n      kind: \"calculator\"\n")
	b.WriteString("  # echo:\n  #   external:\n  #     endpoint: \"http://localhost:9000/handshake\"\n\n")
	fmt.Fprintf(&b, "logging:\n  level: %q\n  format: %q\n", a.LogLevel, a.LogFormat)
	return b.String()
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "huddle-gateway configuration setup")
	fmt.Fprintln(out, "==================================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	answers := initAnswers{
		HTTPAddr:  prompt(reader, out, "HTTP address", "localhost:8080"),
		Driver:    prompt(reader, out, "Storage driver (sqlite/sqlite3/badger/memory)", "sqlite"),
		Secret:    secret,
		Policy:    prompt(reader, out, "External bot handshake policy (per_message/once)", "per_message"),
		LogLevel:  prompt(reader, out, "Log level (debug/info/warn/error)", "info"),
		LogFormat: prompt(reader, out, "Log format (text/json)", "text"),
	}
	defaultDB := filepath.Join(getDataPath(), "huddle.db")
	if answers.Driver == "badger" {
		defaultDB = filepath.Join(getDataPath(), "badger")
	}
	answers.DBPath = prompt(reader, out, "Database path", defaultDB)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(answers)), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Fprintf(out, "\nWrote %s\n", outputFile)
	fmt.Fprintln(out, "Start the gateway with: huddle-gateway serve")
	return nil
}
