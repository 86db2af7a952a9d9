package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"boardServer/backend/config"
	"boardServer/backend/internal/authservice"
	"boardServer/backend/internal/board"
	"boardServer/backend/internal/logging"
	"boardServer/backend/internal/model"
	"boardServer/backend/internal/store"
)

var errNoDSN = errors.New("mysql dsn is not configured (set mysql.dsn or BOARD_MYSQL_DSN)")

type rootOptions struct {
	configDir string
	cfg       *config.Config
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	root := &cobra.Command{
		Use:           "boardctl",
		Short:         "Operational tooling for the board server",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var paths []string
			if o.configDir != "" {
				paths = append(paths, o.configDir)
			}
			cfg, err := config.Load(paths...)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logging.Setup(cfg.Log.Level, cfg.Log.Format)
			o.cfg = cfg
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error { return cmd.Help() },
	}
	root.PersistentFlags().StringVar(&o.configDir, "config-dir", "", "directory containing boardConfig.yaml")

	root.AddCommand(newTokenCmd(o), newMigrateCmd(o), newRebalanceCmd(o))
	return root
}

func newTokenCmd(o *rootOptions) *cobra.Command {
	var (
		userID   uint64
		username string
		ttl      time.Duration
		refresh  bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == 0 {
				return errors.New("--user-id is required")
			}
			signer := authservice.NewSigner(o.cfg.Auth.Secret, o.cfg.Auth.AccessTTL, o.cfg.Auth.RefreshTTL)
			var (
				tok string
				exp time.Time
				err error
			)
			switch {
			case refresh:
				tok, exp, err = signer.SignRefreshToken(userID, username)
			case ttl > 0:
				tok, exp, err = signer.SignWithTTL(userID, username, ttl)
			default:
				tok, exp, err = signer.SignAccessToken(userID, username)
			}
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"token":     tok,
				"expiresAt": exp.UTC().Format(time.RFC3339),
			})
		},
	}
	cmd.Flags().Uint64Var(&userID, "user-id", 0, "user id (sub claim)")
	cmd.Flags().StringVar(&username, "username", "", "username claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "access token lifetime (default from config)")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "mint a refresh token instead")
	return cmd
}

func openGorm(o *rootOptions) (*store.GormStore, error) {
	if o.cfg.Mysql.DSN == "" {
		return nil, errNoDSN
	}
	db, err := store.OpenMySQL(o.cfg.Mysql.DSN)
	if err != nil {
		return nil, err
	}
	return store.NewGormStore(db), nil
}

func newMigrateCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the board tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openGorm(o)
			if err != nil {
				return err
			}
			if err := st.AutoMigrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrated")
			return nil
		},
	}
}

func newRebalanceCmd(o *rootOptions) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "rebalance <containerId>",
		Short: "Respace the order keys of one board (lists) or list (cards)",
		Long: `Rewrites every sibling in the container to Step, 2*Step, ... in display order.
Every rewritten row gets a new version, so connected clients reload on the next event.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k := model.Kind(kind)
			if !k.Valid() {
				return fmt.Errorf("--kind must be %q or %q", model.KindList, model.KindCard)
			}
			st, err := openGorm(o)
			if err != nil {
				return err
			}
			out, err := rebalanceContainer(cmd.Context(), st, k, args[0])
			if err != nil {
				return err
			}
			for _, e := range out {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tv%d\n", e.ID, e.OrderKey.StringFixed(3), e.Version)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(model.KindCard), "container kind: list (board id) or card (list id)")
	return cmd
}

// rebalanceContainer 以看板 owner 的身份执行，离线工具不经过连接层
func rebalanceContainer(ctx context.Context, st store.Store, kind model.Kind, containerID string) ([]model.Ordered, error) {
	boardID := containerID
	if kind == model.KindCard {
		l, err := st.GetList(ctx, containerID)
		if err != nil {
			return nil, err
		}
		boardID = l.BoardID
	}
	b, err := st.GetBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	svc := board.NewService(st, board.Options{})
	return svc.Rebalance(ctx, authservice.Principal{ID: b.OwnerID, DisplayName: "boardctl"}, kind, containerID)
}
