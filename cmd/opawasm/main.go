// Command opawasm evaluates and inspects OPA policies compiled to
// WebAssembly.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/policyrun/opawasm"
	"github.com/policyrun/opawasm/errors"
	"github.com/policyrun/opawasm/wasm"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "opawasm",
		Short:         "Evaluate and inspect OPA policies compiled to WebAssembly",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(evalCmd(), inspectCmd())
	return cmd
}

func evalCmd() *cobra.Command {
	var (
		policyFile string
		bundleFile string
		dataFile   string
		input      string
		entrypoint string
		timeout    time.Duration
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate an entrypoint against a compiled policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (policyFile == "") == (bundleFile == "") {
				return errors.InvalidInput(errors.PhaseLoad, "exactly one of --policy or --bundle is required")
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			opts := []opawasm.Option{opawasm.WithEvalTimeout(timeout)}
			if verbose {
				log, err := zap.NewDevelopment()
				if err != nil {
					return err
				}
				defer func() { _ = log.Sync() }()
				opts = append(opts, opawasm.WithLogger(log))
			}
			if dataFile != "" {
				data, err := os.ReadFile(dataFile)
				if err != nil {
					return errors.IO(errors.PhaseLoad, err, "read data file")
				}
				opts = append(opts, opawasm.WithRawData(data))
			}

			var (
				policy *opawasm.Policy
				err    error
			)
			if bundleFile != "" {
				policy, err = opawasm.FromBundleFile(ctx, bundleFile, opts...)
			} else {
				var wasmBytes []byte
				wasmBytes, err = os.ReadFile(policyFile)
				if err != nil {
					return errors.IO(errors.PhaseLoad, err, "read policy file")
				}
				policy, err = opawasm.New(ctx, wasmBytes, opts...)
			}
			if err != nil {
				return err
			}
			defer policy.Close(ctx)

			if entrypoint == "" {
				eps := policy.Entrypoints()
				if len(eps) != 1 {
					return errors.InvalidInput(errors.PhaseEval,
						"policy declares %d entrypoints, pick one with --entrypoint: %v", len(eps), eps)
				}
				entrypoint = eps[0]
			}

			var in any
			if input != "" {
				in = json.RawMessage(input)
			}
			result, err := policy.Eval(ctx, entrypoint, in)
			if err != nil {
				return err
			}

			var pretty any
			if err := json.Unmarshal(result, &pretty); err != nil {
				return err
			}
			out, err := json.MarshalIndent(pretty, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&policyFile, "policy", "", "compiled policy module (.wasm)")
	cmd.Flags().StringVar(&bundleFile, "bundle", "", "policy bundle archive (.tar.gz)")
	cmd.Flags().StringVar(&dataFile, "data", "", "data document file (JSON)")
	cmd.Flags().StringVarP(&input, "input", "i", "", "input document (JSON)")
	cmd.Flags().StringVarP(&entrypoint, "entrypoint", "e", "", "entrypoint to evaluate")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "evaluation ceiling")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log load and evaluation details")
	return cmd
}

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <policy.wasm>",
		Short: "Show a compiled policy's declared ABI and exports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return errors.IO(errors.PhaseLoad, err, "read policy file")
			}
			mod, err := wasm.Decode(data)
			if err != nil {
				return errors.Instantiation(err, "decode policy module")
			}

			out := cmd.OutOrStdout()
			if major, ok := mod.ExportedGlobalI32("opa_wasm_abi_version"); ok {
				minor, _ := mod.ExportedGlobalI32("opa_wasm_abi_minor_version")
				fmt.Fprintf(out, "abi version: %d.%d\n", major, minor)
			} else {
				fmt.Fprintln(out, "abi version: not statically declared")
			}

			fmt.Fprintln(out, "imports:")
			for _, imp := range mod.Imports {
				fmt.Fprintf(out, "  %s.%s\n", imp.Module, imp.Name)
			}
			fmt.Fprintln(out, "exports:")
			for _, exp := range mod.Exports {
				fmt.Fprintf(out, "  %s\n", exp.Name)
			}
			return nil
		},
	}
	return cmd
}
