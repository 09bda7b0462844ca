package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"github.com/lemkep/smtp-gee/internal/credential"
)

// Default ports and timeouts
const (
	DefaultSMTPPort    = 25
	DefaultSMTPSPort   = 465
	DefaultIMAPSPort   = 993
	DefaultMailbox     = "INBOX"
	DefaultSMTPTimeout = 30 * time.Second
	DefaultIMAPTimeout = 30 * time.Second
)

// Config holds every account defined in the account file
type Config struct {
	Path     string
	accounts map[string]Account
}

// Account is the identity used to send and receive probe messages
type Account struct {
	Name     string
	Login    string
	Password string
	Email    string

	SMTPServer  string
	SMTPPort    int
	SMTPOverSSL bool // implicit TLS instead of STARTTLS

	IMAPServer string
	IMAPPort   int
	Mailbox    string

	TLSSkipVerify bool
	TLSCAFile     string

	DKIM *DKIMConfig

	SMTPTimeout time.Duration
	IMAPTimeout time.Duration
}

// DKIMConfig enables DKIM signing of probe messages sent from an account
type DKIMConfig struct {
	Domain   string
	Selector string
	KeyFile  string
}

// SMTPAddr returns host:port of the submission server
func (a Account) SMTPAddr() string {
	return fmt.Sprintf("%s:%d", a.SMTPServer, a.SMTPPort)
}

// IMAPAddr returns host:port of the IMAPS server
func (a Account) IMAPAddr() string {
	return fmt.Sprintf("%s:%d", a.IMAPServer, a.IMAPPort)
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// Validate checks level and format
func (l LoggingConfig) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[l.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", l.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[l.Format] {
		return fmt.Errorf("invalid log format: %s (must be json or text)", l.Format)
	}
	return nil
}

// yamlFile is the YAML layout of an account file
type yamlFile struct {
	Accounts map[string]map[string]string `yaml:"accounts"`
}

// Load reads an account file. Files ending in .yaml or .yml are YAML,
// everything else is parsed as INI with one section per account.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var sections map[string]map[string]string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		sections, err = parseYAML(data)
	default:
		sections, err = parseINI(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := &Config{
		Path:     path,
		accounts: make(map[string]Account, len(sections)),
	}
	for name, values := range sections {
		account, err := accountFromValues(name, values)
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		cfg.accounts[name] = account
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func parseYAML(data []byte) (map[string]map[string]string, error) {
	var f yamlFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f.Accounts, nil
}

// parseINI returns one key/value map per section. Keys of the DEFAULT
// section are inherited by every other section.
func parseINI(data []byte) (map[string]map[string]string, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment: true,
	}, data)
	if err != nil {
		return nil, err
	}

	defaults := f.Section(ini.DefaultSection).KeysHash()

	sections := make(map[string]map[string]string)
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		values := make(map[string]string, len(defaults))
		for k, v := range defaults {
			values[k] = v
		}
		for k, v := range sec.KeysHash() {
			values[k] = v
		}
		sections[sec.Name()] = values
	}
	return sections, nil
}

// accountFromValues applies defaults to one section of the account file
func accountFromValues(name string, values map[string]string) (Account, error) {
	get := func(key string) string {
		return strings.TrimSpace(values[key])
	}

	a := Account{
		Name:        name,
		Login:       get("login"),
		Password:    get("password"),
		Email:       get("email"),
		SMTPServer:  get("smtp_server"),
		IMAPServer:  get("imap_server"),
		Mailbox:     get("mailbox"),
		TLSCAFile:   get("tls_ca_file"),
		SMTPTimeout: DefaultSMTPTimeout,
		IMAPTimeout: DefaultIMAPTimeout,
	}

	if a.Email == "" {
		a.Email = a.Login
	}
	if a.Mailbox == "" {
		a.Mailbox = DefaultMailbox
	}

	// the value of smtp_over_ssl is ignored, its presence selects implicit TLS
	_, a.SMTPOverSSL = values["smtp_over_ssl"]

	if raw := get("tls_skip_verify"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return a, fmt.Errorf("account %s: invalid tls_skip_verify %q", name, raw)
		}
		a.TLSSkipVerify = b
	}

	a.SMTPPort = DefaultSMTPPort
	if a.SMTPOverSSL {
		a.SMTPPort = DefaultSMTPSPort
	}
	if raw := get("smtp_port"); raw != "" {
		port, err := parsePort(raw)
		if err != nil {
			return a, fmt.Errorf("account %s: invalid smtp_port: %w", name, err)
		}
		a.SMTPPort = port
	}

	a.IMAPPort = DefaultIMAPSPort
	if raw := get("imap_port"); raw != "" {
		port, err := parsePort(raw)
		if err != nil {
			return a, fmt.Errorf("account %s: invalid imap_port: %w", name, err)
		}
		a.IMAPPort = port
	}

	if domain, selector, keyFile := get("dkim_domain"), get("dkim_selector"), get("dkim_key_file"); domain != "" || selector != "" || keyFile != "" {
		a.DKIM = &DKIMConfig{Domain: domain, Selector: selector, KeyFile: keyFile}
	}

	return a, nil
}

func parsePort(raw string) (int, error) {
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", raw)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%d is out of range", port)
	}
	return port, nil
}

// Validate validates every account
func (c *Config) Validate() error {
	if len(c.accounts) == 0 {
		return fmt.Errorf("no accounts defined")
	}
	for _, name := range c.Names() {
		if err := c.accounts[name].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that the fields needed for a probe are present
func (a Account) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"login", a.Login},
		{"password", a.Password},
		{"email", a.Email},
		{"smtp_server", a.SMTPServer},
		{"imap_server", a.IMAPServer},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("account %s: %s is required", a.Name, r.key)
		}
	}

	if a.DKIM != nil {
		if a.DKIM.Domain == "" {
			return fmt.Errorf("account %s: dkim_domain is required when DKIM is enabled", a.Name)
		}
		if a.DKIM.Selector == "" {
			return fmt.Errorf("account %s: dkim_selector is required when DKIM is enabled", a.Name)
		}
		if a.DKIM.KeyFile == "" {
			return fmt.Errorf("account %s: dkim_key_file is required when DKIM is enabled", a.Name)
		}
	}

	if a.SMTPTimeout <= 0 {
		return fmt.Errorf("account %s: smtp timeout must be positive", a.Name)
	}
	if a.IMAPTimeout <= 0 {
		return fmt.Errorf("account %s: imap timeout must be positive", a.Name)
	}
	return nil
}

// Account returns a copy of the named account with its password resolved.
// Keyring references are looked up here, so accounts that are never used
// never touch the keyring.
func (c *Config) Account(name string) (Account, error) {
	a, ok := c.accounts[name]
	if !ok {
		return Account{}, fmt.Errorf("account %q not found in %s", name, c.Path)
	}
	password, err := credential.Resolve(a.Password)
	if err != nil {
		return Account{}, fmt.Errorf("account %s: %w", name, err)
	}
	a.Password = password
	return a, nil
}

// Names returns the sorted account names
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.accounts))
	for name := range c.accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WithTimeouts returns a copy of the configuration where every account
// uses the given SMTP and IMAP timeouts. Zero values keep the current ones.
func (c *Config) WithTimeouts(smtpTimeout, imapTimeout time.Duration) *Config {
	out := &Config{
		Path:     c.Path,
		accounts: make(map[string]Account, len(c.accounts)),
	}
	for name, a := range c.accounts {
		if smtpTimeout > 0 {
			a.SMTPTimeout = smtpTimeout
		}
		if imapTimeout > 0 {
			a.IMAPTimeout = imapTimeout
		}
		out.accounts[name] = a
	}
	return out
}
