package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/config"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/logging"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/media"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/redis"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/session"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/storage"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/worker"
)

const operatorTimeout = 30 * time.Second

// NewSessionCommand groups the operator commands over live sessions.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or reset a user's conversation",
	}
	cmd.AddCommand(newSessionShowCommand(rootOpts))
	cmd.AddCommand(newSessionClearCommand(rootOpts))
	return cmd
}

func newSessionShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "show <phone>",
		Short:        "Print the stored session of a user",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, rdb, err := openSessionRedis(rootOpts)
			if err != nil {
				return err
			}
			defer rdb.Close()
			logging.Init(cfg.Log)

			ctx, cancel := context.WithTimeout(cmd.Context(), operatorTimeout)
			defer cancel()
			sess, err := session.NewRedisStore(rdb).Get(ctx, args[0])
			if errors.Is(err, session.ErrNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), "no active session")
				return nil
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sess)
		},
	}
}

func newSessionClearCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "clear <phone>",
		Short:        "Drop a user's session, cancel their tasks and release their media",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, rdb, err := openSessionRedis(rootOpts)
			if err != nil {
				return err
			}
			defer rdb.Close()
			logging.Init(cfg.Log)

			user := args[0]
			ctx, cancel := context.WithTimeout(cmd.Context(), operatorTimeout)
			defer cancel()

			worker.NewCancelBus(rdb, "cli-"+uuid.NewString()).Publish(ctx, user)
			if err := session.NewRedisStore(rdb).DeleteAll(ctx, user); err != nil {
				return fmt.Errorf("clear session: %w", err)
			}

			released, err := releaseMedia(ctx, cfg, user)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s, released %d file(s)\n", logging.MaskPhone(user), released)
			return nil
		},
	}
}

func openSessionRedis(rootOpts *RootOptions) (*config.Config, *redis.Client, error) {
	cfg, err := config.Load(rootOpts.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Redis.Enabled {
		return nil, nil, errors.New("sessions live in process memory when redis is disabled")
	}
	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, rdb, nil
}

func releaseMedia(ctx context.Context, cfg *config.Config, user string) (int, error) {
	db, err := storage.Open(cfg.BasicConfig.Database, cfg)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	backend, err := media.NewStorage(ctx, cfg.Media)
	if err != nil {
		return 0, err
	}
	store := media.NewStore(backend, media.NewRegistry(db), time.Duration(cfg.Media.TTL)*time.Minute)
	return store.ReleaseUser(ctx, user)
}
