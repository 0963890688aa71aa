package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/spacesync/internal/client"
	"github.com/openmined/spacesync/internal/client/config"
	"github.com/openmined/spacesync/internal/diff"
	"github.com/openmined/spacesync/internal/manifest"
	"github.com/openmined/spacesync/internal/utils"
	"github.com/spf13/cobra"
)

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan [repository...]",
		Short: "Show what a sync would transfer without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return openClient(cmd, func(c *client.Client, cfg *config.Config) error {
				ids, err := repositoryArgs(c, args)
				if err != nil {
					return err
				}
				for _, id := range ids {
					plan, err := c.Plan(cmd.Context(), id)
					if err != nil {
						return fmt.Errorf("%s: %w", id, err)
					}
					printPlan(cmd.OutOrStdout(), id, plan)
				}
				return nil
			})
		},
	}
}

func printPlan(w io.Writer, id string, plan *diff.Plan) {
	if plan.Empty() {
		fmt.Fprintf(w, "%s %s up to date\n", green("✓"), id)
		return
	}

	var bytes int64
	for _, a := range plan.Actions {
		bytes += a.Size()
	}
	counts := plan.Count()
	fmt.Fprintf(w, "%s %s: %d to download, %d to upload, %d local deletes, %d remote deletes, %d conflicts (%s)\n",
		cyan("●"), id,
		counts[diff.Download], counts[diff.Upload], counts[diff.DeleteLocal], counts[diff.DeleteRemote],
		len(plan.Conflicts), humanize.Bytes(uint64(bytes)))

	for _, a := range plan.Actions {
		label := a.FileID
		if e := a.Entry(); e != nil {
			label = e.Path
		} else if a.Local != nil {
			label = a.Local.Path
		} else if a.Remote != nil {
			label = a.Remote.Path
		}
		fmt.Fprintf(w, "  %-13s %s %s\n", a.Kind, label, gray(a.FileID))
	}
	for _, c := range plan.Conflicts {
		fmt.Fprintf(w, "  %-13s %s\n", yellow("conflict"), describeConflict(c))
	}
}

func newManifestCmd() *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "manifest <repository>",
		Short: "Print the local or remote manifest of a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return openClient(cmd, func(c *client.Client, cfg *config.Config) error {
				var (
					m   *manifest.Manifest
					err error
				)
				if remote {
					m, err = c.RemoteManifest(cmd.Context(), args[0])
				} else {
					m, err = c.Manifest(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				data, err := manifest.Encode(m)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "fetch the manifest from the provider")
	return cmd
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <repository>",
		Short: "Forget the last synced state so the next sync compares both sides directly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return openClient(cmd, func(c *client.Client, cfg *config.Config) error {
				if err := c.ResetBaselines(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s baselines of %s cleared\n", green("✓"), args[0])
				return nil
			})
		},
	}
}

func newLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect or release repository locks",
	}

	status := &cobra.Command{
		Use:   "status [repository...]",
		Short: "Show who holds the lock of each repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			return openClient(cmd, func(c *client.Client, cfg *config.Config) error {
				ids, err := repositoryArgs(c, args)
				if err != nil {
					return err
				}
				now := time.Now()
				for _, id := range ids {
					marker, err := c.LockStatus(cmd.Context(), id)
					if err != nil {
						return fmt.Errorf("%s: %w", id, err)
					}
					switch {
					case marker == nil:
						fmt.Fprintf(cmd.OutOrStdout(), "%s %s unlocked\n", green("○"), id)
					case marker.Stale(now):
						fmt.Fprintf(cmd.OutOrStdout(), "%s %s stale lock of %s, expired %s\n",
							yellow("●"), id, marker.OwnerID, humanize.Time(marker.ExpiresAt))
					default:
						fmt.Fprintf(cmd.OutOrStdout(), "%s %s locked by %s since %s, expires %s\n",
							red("●"), id, marker.OwnerID, humanize.Time(marker.AcquiredAt), humanize.Time(marker.ExpiresAt))
					}
				}
				return nil
			})
		},
	}

	var force bool
	release := &cobra.Command{
		Use:   "release <repository>",
		Short: "Remove a stale lock, or any lock with --force",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return openClient(cmd, func(c *client.Client, cfg *config.Config) error {
				if err := c.ReleaseLock(cmd.Context(), args[0], force); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s unlocked\n", green("✓"), args[0])
				return nil
			})
		},
	}
	release.Flags().BoolVarP(&force, "force", "f", false, "release a lock that has not expired")

	cmd.AddCommand(status, release)
	return cmd
}

func newReposCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repos",
		Short: "List configured repositories and their providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", gray("config"), cfg.Path)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", gray("owner"), cfg.OwnerID)
			for _, r := range cfg.Repositories {
				fmt.Fprintln(cmd.OutOrStdout(), describeRepository(cfg, &r))
			}
			return nil
		},
	}
	cmd.AddCommand(newReposAddCmd(), newReposRemoveCmd())
	return cmd
}

func describeRepository(cfg *config.Config, r *config.RepositoryConfig) string {
	target := r.Provider.Bucket
	if target == "" {
		target = r.Provider.Path
	}
	if target == "" {
		target = r.Provider.RemoteURL
	}
	line := fmt.Sprintf("%s %s %s policy=%s", cyan(r.ID), r.Provider.Type, target, cfg.ConflictPolicy(r))
	if r.Provider.AccessKey != "" {
		line += " key=" + utils.MaskSecret(r.Provider.AccessKey)
	}
	return line
}

func newReposAddCmd() *cobra.Command {
	var (
		repo    config.RepositoryConfig
		options map[string]string
	)
	cmd := &cobra.Command{
		Use:   "add <repository>",
		Short: "Bind a repository to a provider and save the config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if _, err := cfg.Repository(args[0]); err == nil {
				return fmt.Errorf("repository %s already configured", args[0])
			}
			repo.ID = args[0]
			repo.Provider.Options = options
			cfg.Repositories = append(cfg.Repositories, repo)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green("✓"), describeRepository(cfg, &repo))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&repo.Provider.Type, "type", "", "provider type (s3, minio, git, memory)")
	f.StringVar(&repo.Provider.Bucket, "bucket", "", "bucket of s3 and minio providers")
	f.StringVar(&repo.Provider.Prefix, "prefix", "", "key prefix inside the bucket or git tree")
	f.StringVar(&repo.Provider.Region, "region", "", "s3 region")
	f.StringVar(&repo.Provider.Endpoint, "endpoint", "", "s3 or minio endpoint")
	f.StringVar(&repo.Provider.AccessKey, "access-key", "", "access key id")
	f.StringVar(&repo.Provider.SecretKey, "secret-key", "", "secret access key")
	f.BoolVar(&repo.Provider.UseSSL, "ssl", true, "use TLS for minio")
	f.StringVar(&repo.Provider.Path, "path", "", "local git repository path")
	f.StringVar(&repo.Provider.RemoteURL, "remote-url", "", "git remote to clone and push")
	f.StringVar(&repo.Provider.Branch, "branch", "", "git branch")
	f.StringVar(&repo.Provider.Username, "username", "", "git username")
	f.StringVar(&repo.Provider.Token, "token", "", "git token")
	f.StringToStringVar(&options, "option", nil, "provider specific key=value options")
	f.StringVar(&repo.Policy, "policy", "", "conflict policy of this repository")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newReposRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <repository>",
		Short: "Remove a repository from the config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if _, err := cfg.Repository(args[0]); err != nil {
				return err
			}
			kept := cfg.Repositories[:0]
			for _, r := range cfg.Repositories {
				if r.ID != args[0] {
					kept = append(kept, r)
				}
			}
			cfg.Repositories = kept
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s removed %s\n", green("✓"), args[0])
			return nil
		},
	}
}
