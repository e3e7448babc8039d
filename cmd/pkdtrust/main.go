package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/houzhh15/pkd-trust/cert"
	"github.com/houzhh15/pkd-trust/config"
	"github.com/houzhh15/pkd-trust/engine"
	"github.com/houzhh15/pkd-trust/pa"
)

// Exit codes: 1 for usage or runtime failures, 2 when a verification
// completes with a negative verdict.
const exitNotTrusted = 2

type cliError struct {
	code int
	err  error
}

func (e cliError) Error() string { return e.err.Error() }

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		var ce cliError
		if errors.As(err, &ce) {
			fmt.Fprintln(os.Stderr, ce.err)
			os.Exit(ce.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var stdout io.Writer = os.Stdout

func newRootCommand() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "pkdtrust",
		Short:         "ICAO 9303 Passive Authentication trust engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (.yaml or .json)")

	root.AddCommand(newServeCommand(&cfgPath))
	root.AddCommand(newImportCertCommand(&cfgPath))
	root.AddCommand(newImportCRLCommand(&cfgPath))
	root.AddCommand(newVerifyChainCommand(&cfgPath))
	root.AddCommand(newVerifyPassportCommand(&cfgPath))
	return root
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path == "" {
		return loader.Default(), nil
	}
	return loader.Load(path)
}

// openEngine builds an engine for one-shot commands. Logs go to stderr
// unless a log file is configured so stdout carries only the result.
func openEngine(path string) (*engine.Engine, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	if cfg.Logging.Output == "stdout" {
		cfg.Logging.Output = "stderr"
	}
	return engine.New(cfg)
}

func newServeCommand(cfgPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP trust API",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Transport.HTTPAddr = addr
			}
			e, err := engine.New(cfg)
			if err != nil {
				return err
			}
			defer e.Close()
			return e.Start()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides transport.http_addr)")
	return cmd
}

func newImportCertCommand(cfgPath *string) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "import-cert FILE...",
		Short: "Import CSCA/DSC/DS certificates (DER or PEM bundle)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer e.Close()

			for _, file := range args {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				certs, added, err := e.Certificates().Import(cmd.Context(), data, role)
				if err != nil {
					return fmt.Errorf("%s: %w", file, err)
				}
				for _, c := range certs {
					fmt.Fprintf(stdout, "%s\t%s\t%s\t%s\n", c.ID, c.Type, c.CountryCode, c.SubjectDN)
				}
				fmt.Fprintf(stdout, "%s: %d certificate(s), %d new\n", file, len(certs), added)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role hint: csca, dsc or ds")
	return cmd
}

func newImportCRLCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "import-crl FILE...",
		Short: "Import CSCA-issued CRLs (DER or PEM)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer e.Close()

			for _, file := range args {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				list, stored, err := e.CRLs().Import(cmd.Context(), data)
				if err != nil {
					return fmt.Errorf("%s: %w", file, err)
				}
				state := "kept existing"
				if stored {
					state = "stored"
				}
				fmt.Fprintf(stdout, "%s: %s, %d revoked entries (%s)\n", file, list.IssuerDN, len(list.Entries), state)
			}
			return nil
		},
	}
}

func newVerifyChainCommand(cfgPath *string) *cobra.Command {
	var (
		role       string
		country    string
		depth      int
		revocation bool
		noValidity bool
	)
	cmd := &cobra.Command{
		Use:   "verify-chain FILE",
		Short: "Verify a DSC (or DS) certificate up to its CSCA",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			certs, err := cert.ParseAll(data, role)
			if err != nil {
				return err
			}

			e, err := openEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.Chain().Verify(cmd.Context(), certs[0], cert.ChainOptions{
				TrustAnchorCountry: strings.ToUpper(country),
				MaxDepth:           depth,
				ValidateValidity:   !noValidity,
				CheckRevocation:    revocation,
			})
			if err != nil {
				return err
			}
			if err := printJSON(res); err != nil {
				return err
			}
			if !res.ChainValid {
				return cliError{code: exitNotTrusted, err: fmt.Errorf("trust chain invalid: %s", res.ErrorCode)}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role hint for the certificate: dsc or ds")
	cmd.Flags().StringVar(&country, "country", "", "restrict trust anchors to this country")
	cmd.Flags().IntVar(&depth, "max-depth", 0, "maximum chain depth (1-10, 0 for default)")
	cmd.Flags().BoolVar(&revocation, "check-revocation", false, "check CRLs for non-anchor certificates")
	cmd.Flags().BoolVar(&noValidity, "skip-validity", false, "do not check validity periods")
	return cmd
}

func newVerifyPassportCommand(cfgPath *string) *cobra.Command {
	var (
		sodFile    string
		dgFlags    []string
		country    string
		document   string
		dscSubject string
		dscSerial  string
		anchor     string
		revocation bool
	)
	cmd := &cobra.Command{
		Use:   "verify-passport",
		Short: "Run Passive Authentication over an SOD and its data groups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sodBytes, err := os.ReadFile(sodFile)
			if err != nil {
				return err
			}
			dataGroups, err := readDataGroups(dgFlags)
			if err != nil {
				return cliError{code: 1, err: err}
			}

			e, err := openEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pd, err := e.Verifier().Verify(ctx, &pa.Request{
				IssuingCountry:     strings.ToUpper(country),
				DocumentNumber:     document,
				SOD:                sodBytes,
				DscSubjectDN:       dscSubject,
				DscSerialNumber:    dscSerial,
				DataGroups:         dataGroups,
				CheckRevocation:    revocation,
				TrustAnchorCountry: strings.ToUpper(anchor),
			})
			if err != nil {
				return err
			}
			if err := printJSON(pd); err != nil {
				return err
			}
			if pd.Status != pa.StatusValid {
				return cliError{code: exitNotTrusted, err: fmt.Errorf("passive authentication %s", pd.Status)}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sodFile, "sod", "", "EF.SOD file")
	cmd.Flags().StringArrayVar(&dgFlags, "dg", nil, "data group as N=FILE (repeatable)")
	cmd.Flags().StringVar(&country, "country", "", "issuing country")
	cmd.Flags().StringVar(&document, "document", "", "document number")
	cmd.Flags().StringVar(&dscSubject, "dsc-subject", "", "DSC subject DN to resolve from the directory")
	cmd.Flags().StringVar(&dscSerial, "dsc-serial", "", "DSC serial number (hex)")
	cmd.Flags().StringVar(&anchor, "trust-anchor-country", "", "restrict trust anchors to this country")
	cmd.Flags().BoolVar(&revocation, "check-revocation", false, "check the DSC against its CSCA's CRL")
	_ = cmd.MarkFlagRequired("sod")
	return cmd
}

// readDataGroups parses repeated N=FILE flags.
func readDataGroups(flags []string) (map[int][]byte, error) {
	out := make(map[int][]byte, len(flags))
	for _, f := range flags {
		num, file, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --dg %q, want N=FILE", f)
		}
		n, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(num), "DG"))
		if err != nil || n < 1 || n > 16 {
			return nil, fmt.Errorf("invalid data group number %q", num)
		}
		if _, dup := out[n]; dup {
			return nil, fmt.Errorf("data group %d given twice", n)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		out[n] = data
	}
	return out, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
