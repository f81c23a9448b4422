package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trezcool/masomo-availability/core/auth"
	"github.com/trezcool/masomo-availability/core/registry"
)

func (cli *commandLine) tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Usage()
			return errHelp
		},
	}

	var nt registry.NewTenant
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Create a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := cli.registrySvc()
			if err != nil {
				return err
			}
			tnt, err := svc.CreateTenant(cmd.Context(), nt)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cli.out, "tenant %s created (%s)\n", tnt.ID, tnt.PolicyMode)
			return nil
		},
	}
	addCmd.Flags().StringVar(&nt.ID, "id", "", "tenant id (default: a new uuid)")
	addCmd.Flags().StringVar(&nt.Name, "name", "", "tenant name")
	addCmd.Flags().StringVar(&nt.PolicyMode, "policy", "", "policy mode: open, curated or closed (default: curated)")

	policyCmd := &cobra.Command{
		Use:   "policy TENANT MODE",
		Short: "Switch the policy mode of a tenant; grants are kept",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := cli.registrySvc()
			if err != nil {
				return err
			}
			tnt, err := svc.SetPolicyMode(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cli.out, "tenant %s is now %s\n", tnt.ID, tnt.PolicyMode)
			return nil
		},
	}

	cmd.AddCommand(addCmd, policyCmd)
	return cmd
}

func (cli *commandLine) questCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quest",
		Short: "Manage catalog quests",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Usage()
			return errHelp
		},
	}

	var nr registry.NewResource
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Create a quest; without --owner it is global",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := cli.registrySvc()
			if err != nil {
				return err
			}
			res, err := svc.CreateResource(cmd.Context(), nr)
			if err != nil {
				return err
			}
			owner := "global"
			if res.OwnerTenantID.Valid {
				owner = "owned by " + res.OwnerTenantID.String
			}
			_, _ = fmt.Fprintf(cli.out, "quest %s created (%s)\n", res.ID, owner)
			return nil
		},
	}
	addCmd.Flags().StringVar(&nr.ID, "id", "", "quest id (default: a new uuid)")
	addCmd.Flags().StringVar(&nr.Title, "title", "", "quest title")
	addCmd.Flags().StringVar(&nr.Description, "description", "", "quest description")
	addCmd.Flags().StringVar(&nr.OwnerTenantID, "owner", "", "id of the tenant that authored the quest")

	cmd.AddCommand(addCmd)
	return cmd
}

func (cli *commandLine) tokenCmd() *cobra.Command {
	var (
		subject  string
		tenantID string
		isAdmin  bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a catalog API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == "" && !isAdmin {
				_ = cmd.Usage()
				return errHelp
			}
			token, err := auth.GenerateToken(cli.conf, auth.NewClaims(cli.conf, subject, tenantID, isAdmin))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cli.out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "who the token is issued to")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant the token may act for")
	cmd.Flags().BoolVar(&isAdmin, "admin", false, "may list every quest and act for every tenant")
	return cmd
}
