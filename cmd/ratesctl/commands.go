package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"cbrf-exchange/internal/usecase"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configFile string
	debug      bool
}

type pricingFactory func(ctx context.Context, opts *rootOptions) (usecase.PricingUsecase, func(), error)

func newRootCmd(build pricingFactory) *cobra.Command {
	opts := &rootOptions{}
	var (
		uc      usecase.PricingUsecase
		cleanup func()
	)

	rootCmd := &cobra.Command{
		Use:           "ratesctl",
		Short:         "CBR daily exchange rates and price conversion",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			uc, cleanup, err = build(cmd.Context(), opts)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if cleanup != nil {
				cleanup()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Debug logging")

	get := func() usecase.PricingUsecase { return uc }
	rootCmd.AddCommand(
		ratesCmd(get),
		lookupCmd(get),
		convertCmd(get),
		refreshCmd(get),
		currenciesCmd(get),
		resetCmd(get),
	)
	return rootCmd
}

func ratesCmd(uc func() usecase.PricingUsecase) *cobra.Command {
	return &cobra.Command{
		Use:   "rates",
		Short: "List today's rates straight from the feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := uc().ListRates(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "CODE\tNOMINAL\tVALUE (%s)\tENABLED\tNAME\n", list.BaseCode)
			for _, r := range list.Rates {
				enabled := ""
				if r.Enabled {
					enabled = "yes"
				}
				fmt.Fprintf(w, "%s\t%d\t%.4f\t%s\t%s\n", r.CharCode, r.Nominal, r.Value, enabled, r.Name)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if list.Skipped > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d feed entries skipped\n", list.Skipped)
			}
			return nil
		},
	}
}

func lookupCmd(uc func() usecase.PricingUsecase) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup CODE",
		Short: "Show the cached rate for a currency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rate, err := uc().GetRate(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, usecase.ErrRateNotFound) {
					return fmt.Errorf("no conversion applies for %s", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s = %.4f %s\n", rate.Nominal, rate.CharCode, rate.Value, rate.BaseCode)
			return nil
		},
	}
}

func convertCmd(uc func() usecase.PricingUsecase) *cobra.Command {
	return &cobra.Command{
		Use:   "convert PRICE CODE",
		Short: "Convert a price into the base currency",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			price, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid price %q", args[0])
			}

			resp, err := uc().ConvertPrice(cmd.Context(), price, args[1])
			if err != nil {
				return err
			}
			if !resp.Converted {
				fmt.Fprintf(cmd.OutOrStdout(), "%.2f (no rate for %s, unchanged)\n", resp.Price, resp.Currency)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.2f %s\n", resp.Price, resp.BaseCode)
			return nil
		},
	}
}

func refreshCmd(uc func() usecase.PricingUsecase) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Drop the cached snapshot and fetch a new one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := uc().ForceRefresh(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "snapshot %s: %d rates, feed date %s, expires %s\n",
				snap.ID, snap.Records, snap.FeedDate, snap.ExpiresAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
}

func currenciesCmd(uc func() usecase.PricingUsecase) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "currencies",
		Short: "Show the enabled currencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := uc().GetSettings(cmd.Context())
			if err != nil {
				return err
			}
			printSettings(cmd, st)
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set CODE...",
		Short: "Replace the enabled currency set",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := uc().SaveCurrencies(cmd.Context(), args)
			if err != nil {
				return err
			}
			printSettings(cmd, st)
			return nil
		},
	})
	return cmd
}

func resetCmd(uc func() usecase.PricingUsecase) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Remove the cached snapshot and saved settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := uc().Uninstall(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cache and settings removed")
			return nil
		},
	}
}

func printSettings(cmd *cobra.Command, st *usecase.SettingsResponse) {
	fmt.Fprintf(cmd.OutOrStdout(), "available: %v\nenabled:   %v\nttl:       %dh\n", st.Available, st.Enabled, st.TTLHours)
}
