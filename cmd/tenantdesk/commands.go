package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	authdomain "github.com/smallbiznis/tenantdesk/internal/auth/domain"
	"github.com/smallbiznis/tenantdesk/internal/migration"
	orgdomain "github.com/smallbiznis/tenantdesk/internal/organization/domain"
	platformdomain "github.com/smallbiznis/tenantdesk/internal/platform/domain"
	"github.com/smallbiznis/tenantdesk/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

const commandTimeout = 10 * time.Minute

var (
	rebuildOrgFlag string
	rebuildAllFlag bool

	tokenUserFlag string
	tokenOrgFlag  string
	tokenRoleFlag string
	tokenTTLFlag  time.Duration

	tenantNameFlag string
	tenantSlugFlag string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(
			infrastructure(),
			migration.Module,
			fx.NopLogger,
		)
		if err := app.Err(); err != nil {
			return err
		}
		fmt.Println("migrations applied")
		return nil
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Recompute entitlement snapshots",
	Long: `Recompute entitlement snapshots from subscriptions, plan limits and add-ons.

Examples:
  # Rebuild a single tenant
  tenantdesk rebuild --org 1782345678901234567

  # Rebuild every tenant (guarded by a redis lease when REDIS_ADDR is set)
  tenantdesk rebuild --all
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if rebuildAllFlag == (rebuildOrgFlag != "") {
			return errors.New("exactly one of --org or --all is required")
		}

		var orgID snowflake.ID
		if rebuildOrgFlag != "" {
			parsed, err := snowflake.ParseString(rebuildOrgFlag)
			if err != nil {
				return fmt.Errorf("invalid --org: %w", err)
			}
			orgID = parsed
		}

		return withPlatform(cmd.Context(), func(ctx context.Context, svc platformdomain.Service) error {
			if rebuildAllFlag {
				report, err := svc.RebuildAll(ctx)
				if err != nil {
					return err
				}
				return printJSON(report)
			}
			snapshot, err := svc.RebuildTenant(ctx, orgID)
			if err != nil {
				return err
			}
			return printJSON(snapshot)
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed session token for operators and local testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := authdomain.IssueRequest{
			UserID:       tokenUserFlag,
			PlatformRole: tokenRoleFlag,
			TTL:          tokenTTLFlag,
		}
		if tokenOrgFlag != "" {
			parsed, err := snowflake.ParseString(tokenOrgFlag)
			if err != nil {
				return fmt.Errorf("invalid --org: %w", err)
			}
			req.OrgID = parsed
		}

		var authsvc authdomain.Service
		app := fx.New(
			infrastructure(),
			server.Domains,
			fx.NopLogger,
			fx.Populate(&authsvc),
		)
		if err := app.Err(); err != nil {
			return err
		}

		token, err := authsvc.Issue(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenant organizations",
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a tenant organization and print it",
	RunE: func(cmd *cobra.Command, args []string) error {
		var orgs orgdomain.Service
		return withDomains(cmd.Context(), func(ctx context.Context) error {
			org, err := orgs.Create(ctx, orgdomain.CreateOrganizationRequest{
				Name: tenantNameFlag,
				Slug: tenantSlugFlag,
			})
			if err != nil {
				return err
			}
			return printJSON(org)
		}, &orgs)
	},
}

func init() {
	rebuildCmd.Flags().StringVar(&rebuildOrgFlag, "org", "", "organization id to rebuild")
	rebuildCmd.Flags().BoolVar(&rebuildAllFlag, "all", false, "rebuild every organization")

	tokenCmd.Flags().StringVar(&tokenUserFlag, "user", "", "user id placed in the sub claim")
	tokenCmd.Flags().StringVar(&tokenOrgFlag, "org", "", "active organization id")
	tokenCmd.Flags().StringVar(&tokenRoleFlag, "role", "", "platform role (platform_admin, platform_support, platform_viewer)")
	tokenCmd.Flags().DurationVar(&tokenTTLFlag, "ttl", 0, "token lifetime (default 7 days)")
	_ = tokenCmd.MarkFlagRequired("user")

	tenantCreateCmd.Flags().StringVar(&tenantNameFlag, "name", "", "display name")
	tenantCreateCmd.Flags().StringVar(&tenantSlugFlag, "slug", "", "slug (derived from the name when empty)")
	_ = tenantCreateCmd.MarkFlagRequired("name")
	tenantCmd.AddCommand(tenantCreateCmd)
}

func withPlatform(parent context.Context, fn func(context.Context, platformdomain.Service) error) error {
	var svc platformdomain.Service
	return withDomains(parent, func(ctx context.Context) error {
		return fn(ctx, svc)
	}, &svc)
}

// withDomains starts the domain graph without the HTTP server, fills
// targets and runs fn.
func withDomains(parent context.Context, fn func(context.Context) error, targets ...any) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, commandTimeout)
	defer cancel()

	app := fx.New(
		infrastructure(),
		server.Domains,
		fx.NopLogger,
		fx.Populate(targets...),
	)
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		_ = app.Stop(context.Background())
	}()

	return fn(ctx)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
