package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lemkep/smtp-gee/internal/config"
	"github.com/lemkep/smtp-gee/internal/credential"
	"github.com/lemkep/smtp-gee/internal/dkim"
	"github.com/lemkep/smtp-gee/internal/history"
)

func newConfigCmd(configPath *string) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Account file commands",
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the account file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("configuration is invalid: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration is valid\n")
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ACCOUNT\tSMTP\tTLS\tIMAP\tMAILBOX\tDKIM")
			for _, name := range cfg.Names() {
				a, err := cfg.Account(name)
				if err != nil {
					return err
				}
				mode := "starttls"
				if a.SMTPOverSSL {
					mode = "implicit"
				}
				signing := "-"
				if a.DKIM != nil {
					signing = a.DKIM.Selector + "._domainkey." + a.DKIM.Domain
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", name, a.SMTPAddr(), mode, a.IMAPAddr(), a.Mailbox, signing)
			}
			return w.Flush()
		},
	}

	configCmd.AddCommand(validateCmd)
	return configCmd
}

func newHistoryCmd() *cobra.Command {
	var (
		path  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded probe runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				return fmt.Errorf("history file is required (use --history)")
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("history file: %w", err)
			}

			store, err := history.Open(path)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tFROM\tRCPT\tSMTP\tIMAP\tSTATUS\tDIAGNOSTIC")
			fmt.Fprintln(w, "-------\t----\t----\t----\t----\t------\t----------")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.3f\t%.3f\t%s\t%s\n",
					humanize.Time(rec.StartedAt),
					rec.From,
					rec.Rcpt,
					rec.SMTPSeconds,
					rec.IMAPSeconds,
					rec.Severity,
					truncate(rec.Diagnostic, 60),
				)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\nTotal: %d runs\n", len(records))
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "history", "", "BoltDB history file")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to show (0 shows all)")
	return cmd
}

// truncate shortens s to at most n runes, marking the cut with "..."
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:max(n, 0)])
	}
	return string(r[:n-3]) + "..."
}

func newDKIMCmd() *cobra.Command {
	var (
		domain   string
		selector string
		keyFile  string
		outDir   string
		bits     int
	)

	dkimCmd := &cobra.Command{
		Use:   "dkim",
		Short: "DKIM key management commands",
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a DKIM key pair for signing probes",
		Long:  `Generate a new RSA DKIM key pair (2048 bits unless --bits is given) and print its DNS record.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := dkim.GenerateKey(domain, selector, bits)
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}

			keyPath := filepath.Join(outDir, fmt.Sprintf("%s.%s.key", selector, domain))
			if err := kp.SavePrivateKey(keyPath); err != nil {
				return fmt.Errorf("failed to save private key: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "DKIM key generated\n\n")
			fmt.Fprintf(out, "Private key saved to: %s\n\n", keyPath)
			printDNSRecord(out, kp)
			return nil
		},
	}
	generateCmd.Flags().StringVar(&domain, "domain", "", "signing domain (required)")
	generateCmd.Flags().StringVar(&selector, "selector", "smtp-gee", "DKIM selector")
	generateCmd.Flags().StringVar(&outDir, "out", ".", "output directory for the key file")
	generateCmd.Flags().IntVar(&bits, "bits", dkim.DefaultKeyBits, "RSA key size")
	generateCmd.MarkFlagRequired("domain")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the DNS record of an existing DKIM key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := dkim.LoadKeyPair(keyFile, domain, selector)
			if err != nil {
				return fmt.Errorf("failed to load private key: %w", err)
			}
			printDNSRecord(cmd.OutOrStdout(), kp)
			return nil
		},
	}
	showCmd.Flags().StringVar(&keyFile, "key", "", "path to the private key file (required)")
	showCmd.Flags().StringVar(&domain, "domain", "", "signing domain (required)")
	showCmd.Flags().StringVar(&selector, "selector", "smtp-gee", "DKIM selector")
	showCmd.MarkFlagRequired("key")
	showCmd.MarkFlagRequired("domain")

	dkimCmd.AddCommand(generateCmd, showCmd)
	return dkimCmd
}

func printDNSRecord(w io.Writer, kp *dkim.KeyPair) {
	fmt.Fprintf(w, "DNS Record:\n")
	fmt.Fprintf(w, "  Name: %s\n", kp.DNSName())
	fmt.Fprintf(w, "  Type: TXT\n")
	fmt.Fprintf(w, "  Value: %s\n", kp.DNSRecord())
}

func newKeyringCmd() *cobra.Command {
	keyringCmd := &cobra.Command{
		Use:   "keyring",
		Short: "Manage passwords kept in the system keyring",
	}

	setCmd := &cobra.Command{
		Use:   "set <key>",
		Short: "Store a password in the keyring",
		Long: `Store a password in the system keyring. Reference it from the account
file as "password = keyring:<key>". The password is read from the terminal,
or from the first line of standard input when it is not a terminal.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if secret == "" {
				return fmt.Errorf("empty password")
			}
			if err := credential.Store(args[0], secret); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s%s\n", credential.KeyringPrefix, args[0])
			return nil
		},
	}

	keyringCmd.AddCommand(setCmd)
	return keyringCmd
}

// readSecret prompts without echo on a terminal and reads one line otherwise
func readSecret(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		data, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(data), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
