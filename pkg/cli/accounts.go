package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/conductorone/crm-sync/pkg/config"
	"github.com/conductorone/crm-sync/pkg/crm"
	"github.com/conductorone/crm-sync/pkg/store"
)

func MakeAccountsCommand(ctx context.Context, name string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage the accounts " + name + " syncs",
	}
	cmd.AddCommand(accountsAddCmd(ctx))
	cmd.AddCommand(accountsListCmd(ctx))
	return cmd
}

func openStore(ctx context.Context, cmd *cobra.Command) (store.Store, error) {
	cfg, _, err := config.Load(cmd)
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, cfg.DatabaseURL)
}

func accountsAddCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an account, or replace the tokens of an existing one",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().String("external-id", "", "Portal id of the account in the CRM (required)")
	cmd.Flags().String("access-token", "", "Current OAuth access token")
	cmd.Flags().String("refresh-token", "", "OAuth refresh token (required)")
	cmd.Flags().Duration("token-expires-in", 0, "Remaining lifetime of the access token, 0 forces a refresh on first use")
	_ = cmd.MarkFlagRequired("external-id")
	_ = cmd.MarkFlagRequired("refresh-token")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(ctx, cmd)
		if err != nil {
			return err
		}
		defer st.Close(ctx)

		externalID, _ := cmd.Flags().GetString("external-id")
		accessToken, _ := cmd.Flags().GetString("access-token")
		refreshToken, _ := cmd.Flags().GetString("refresh-token")
		expiresIn, _ := cmd.Flags().GetDuration("token-expires-in")

		acct, err := st.Find(ctx, store.Criteria{ExternalID: externalID})
		switch {
		case errors.Is(err, store.ErrAccountNotFound):
			acct = &store.Account{ExternalID: externalID}
		case err != nil:
			return err
		}

		acct.AccessToken = accessToken
		acct.RefreshToken = refreshToken
		acct.TokenExpiresAt = time.Now().UTC().Add(expiresIn)
		if err := st.Save(ctx, acct); err != nil {
			return err
		}

		_, err = fmt.Fprintln(cmd.OutOrStdout(), acct.ID)
		return err
	}
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func accountsListCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts and their sync watermarks",
		Args:  cobra.NoArgs,
	}

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(ctx, cmd)
		if err != nil {
			return err
		}
		defer st.Close(ctx)

		accounts, err := st.List(ctx)
		if err != nil {
			return err
		}

		header := []string{"id", "external_id", "token_expires"}
		for _, k := range crm.AllKinds {
			header = append(header, k.String())
		}

		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.SetHeader(header)
		table.SetAutoWrapText(false)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetHeaderLine(false)
		table.SetBorder(false)
		table.SetColumnSeparator("")
		table.SetCenterSeparator("")
		table.SetRowSeparator("")
		table.SetTablePadding("  ")
		table.SetNoWhiteSpace(true)

		for _, a := range accounts {
			row := []string{a.ID, a.ExternalID, formatTime(a.TokenExpiresAt)}
			for _, k := range crm.AllKinds {
				row = append(row, formatTime(a.Watermark(k)))
			}
			table.Append(row)
		}
		table.Render()
		return nil
	}
	return cmd
}
