package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Register walks the operator through connecting this machine to a
// server: it asks for the server URL and a device token, verifies the
// token by fetching the device's rules, then persists the config
// including the executable mapping the server returned. Prompts are in
// German like the rest of the user-facing surface.
func Register(ctx context.Context, in io.Reader, out io.Writer, configPath string, logger *slog.Logger) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "Heimdall Geräteregistrierung")
	fmt.Fprintln(out, "----------------------------")

	serverURL, err := promptLine(reader, out, fmt.Sprintf("Server-URL [%s]: ", DefaultServerURL))
	if err != nil {
		return err
	}
	if serverURL == "" {
		serverURL = DefaultServerURL
	}

	token, err := promptLine(reader, out, "Geräte-Token: ")
	if err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("ein Geräte-Token ist erforderlich")
	}

	config := DefaultConfig()
	config.ServerURL = strings.TrimRight(serverURL, "/")
	config.DeviceToken = token
	if hostname, err := os.Hostname(); err == nil {
		config.DeviceName = hostname
	}

	if v := os.Getenv("HEIMDALL_SERVER_URL"); v != "" {
		config.ServerURL = v
	}

	fmt.Fprintln(out, "Verbindung wird geprüft...")
	client := NewRestClient(config, logger)
	rules, err := client.FetchRules(ctx)
	if err != nil {
		return fmt.Errorf("Verbindung fehlgeschlagen: %w", err)
	}

	if len(rules.AppGroupMap) > 0 {
		config.AppGroupMap = rules.AppGroupMap
	}

	if err := config.Save(configPath); err != nil {
		return err
	}

	fmt.Fprintf(out, "Registrierung erfolgreich. Konfiguration gespeichert unter %s\n", configPath)
	fmt.Fprintf(out, "Überwachte Programme: %d\n", len(config.AppGroupMap))
	return nil
}

func promptLine(reader *bufio.Reader, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("Eingabe abgebrochen: %w", err)
	}
	return strings.TrimSpace(line), nil
}
