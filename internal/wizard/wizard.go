// Package wizard implements `kestrel init`: an interactive prompt sequence
// that writes a config file and, optionally, a set of starter plugins.
package wizard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/kestrel-bot/kestrel/internal/config"
	"github.com/kestrel-bot/kestrel/internal/plugin"
	"github.com/kestrel-bot/kestrel/pkg/cli"
	"github.com/kestrel-bot/kestrel/pkg/protocol"
)

// intentPresets are offered before falling back to a free-form list.
var intentPresets = []struct {
	label   string
	intents []string
}{
	{"Groups and private chats", []string{"group_and_c2c"}},
	{"Groups, private chats and guild @-mentions", protocol.DefaultIntents},
	{"Guild channels and direct messages", []string{"public_guild_messages", "direct_message"}},
	{"Custom list", nil},
}

// starterPlugins are builtin-backed plugins written into a fresh plugin dir,
// one directory per manifest name.
var starterPlugins = []plugin.Manifest{
	{Name: "help", Version: "1.0.0", Main: plugin.BuiltinPrefix + "help", Types: []string{"help"}},
	{Name: "ping", Version: "1.0.0", Main: plugin.BuiltinPrefix + "ping", Types: []string{"ping"}},
	{Name: "echo", Version: "1.0.0", Main: plugin.BuiltinPrefix + "echo", Types: []string{"echo", plugin.DefaultType}},
}

// Wizard drives the prompts.
type Wizard struct {
	p *cli.Prompter
}

// New creates a wizard.
func New(p *cli.Prompter) *Wizard {
	return &Wizard{p: p}
}

// Run asks for the settings and writes the config to outputPath, asking for
// a path when it is empty. It returns the path written.
func (w *Wizard) Run(outputPath, defaultPath string) (string, error) {
	out := w.p.Out
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  kestrel setup")
	fmt.Fprintln(out, strings.Repeat("─", 32))
	fmt.Fprintln(out)

	var cfg config.Config

	fmt.Fprintln(out, "Bot credentials")
	cfg.Gateway.AppID = w.p.Ask("  App ID", "")
	cfg.Gateway.ClientSecret = w.p.AskSecret("  Client secret")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Events")
	labels := make([]string, len(intentPresets))
	for i, ip := range intentPresets {
		labels[i] = ip.label
	}
	choice := w.p.Choose("  Which messages should the bot receive?", labels, 1)
	cfg.Gateway.Intents = intentPresets[choice].intents
	if cfg.Gateway.Intents == nil {
		for {
			cfg.Gateway.Intents = w.p.AskList("  Intents (comma separated)", protocol.DefaultIntents)
			_, err := protocol.ParseIntents(cfg.Gateway.Intents)
			if err == nil {
				break
			}
			fmt.Fprintf(out, "  %v\n", err)
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Plugins")
	cfg.Plugins.Dir = w.p.Ask("  Plugin directory", "./plugins")
	installStarters := w.p.Confirm("  Install starter plugins (help, ping, echo)?", true)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Runtime")
	cfg.Runtime.LogLevel = w.p.Ask("  Log level (debug/info/warn/error)", "info")
	cfg.Admin.Listen = w.p.Ask("  Admin HTTP address (empty to disable)", "127.0.0.1:9464")
	fmt.Fprintln(out)

	if outputPath == "" {
		outputPath = w.p.Ask("Config file path", defaultPath)
	}
	if err := WriteConfig(outputPath, &cfg); err != nil {
		return "", err
	}
	fmt.Fprintf(out, "\n  Config written to %s\n", outputPath)

	if installStarters {
		dir := cfg.Plugins.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(filepath.Dir(outputPath), dir)
		}
		n, err := InstallStarterPlugins(dir)
		if err != nil {
			return outputPath, err
		}
		fmt.Fprintf(out, "  %d starter plugins written to %s\n", n, dir)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Next steps:")
	fmt.Fprintf(out, "    kestrel run -c %s\n", outputPath)
	fmt.Fprintf(out, "    kestrel start -c %s   # in the background\n\n", outputPath)
	return outputPath, nil
}

// WriteConfig encodes cfg as TOML when path ends in .toml, JSON otherwise.
// The file holds a secret and is created with mode 0600.
func WriteConfig(path string, cfg *config.Config) error {
	var buf bytes.Buffer
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
	} else {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// InstallStarterPlugins writes the starter plugin manifests into dir,
// skipping any plugin directory that already exists. It returns how many
// were written.
func InstallStarterPlugins(dir string) (int, error) {
	n := 0
	for _, m := range starterPlugins {
		pdir := filepath.Join(dir, m.Name)
		if _, err := os.Stat(pdir); err == nil {
			continue
		}
		data, err := yaml.Marshal(m)
		if err != nil {
			return n, fmt.Errorf("encode %s manifest: %w", m.Name, err)
		}
		if err := os.MkdirAll(pdir, 0o755); err != nil {
			return n, fmt.Errorf("create %s: %w", pdir, err)
		}
		if err := os.WriteFile(filepath.Join(pdir, plugin.ManifestNames[0]), data, 0o644); err != nil {
			return n, fmt.Errorf("write %s manifest: %w", m.Name, err)
		}
		n++
	}
	return n, nil
}
