package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/spacesync/internal/client"
	"github.com/openmined/spacesync/internal/client/config"
	"github.com/openmined/spacesync/internal/diff"
	"github.com/openmined/spacesync/internal/manifest"
	"github.com/openmined/spacesync/internal/session"
	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	var (
		policy      string
		keepLocal   []string
		keepRemote  []string
		interactive bool
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:   "sync [repository...]",
		Short: "Synchronize repositories with their providers",
		Long:  "Synchronize the named repositories, or every configured repository, with their providers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := diff.ParsePolicy(policy)
			if err != nil {
				return err
			}
			if policy == "" {
				p = ""
			}
			resolutions, err := resolutionFlags(keepLocal, keepRemote)
			if err != nil {
				return err
			}

			return openClient(cmd, func(c *client.Client, cfg *config.Config) error {
				ids, err := repositoryArgs(c, args)
				if err != nil {
					return err
				}

				opts := client.SyncOptions{Policy: p, Resolutions: resolutions}
				if interactive {
					opts.Resolver = &promptResolver{in: bufio.NewReader(os.Stdin), out: os.Stdout}
				}
				if !quiet {
					opts.Progress = printProgress(cmd.OutOrStdout())
				}

				var failed []error
				for _, id := range ids {
					res, err := c.Sync(cmd.Context(), id, opts)
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s %s: %v\n", red("✗"), id, err)
						failed = append(failed, fmt.Errorf("%s: %w", id, err))
						continue
					}
					printResult(cmd.OutOrStdout(), res)
				}
				return errors.Join(failed...)
			})
		},
	}

	cmd.Flags().StringVar(&policy, "policy", "", "conflict policy for this run (ask, keep-local, keep-remote)")
	cmd.Flags().StringSliceVar(&keepLocal, "keep-local", nil, "file ids whose conflict keeps the local version")
	cmd.Flags().StringSliceVar(&keepRemote, "keep-remote", nil, "file ids whose conflict keeps the remote version")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "prompt for each open conflict")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress")
	cmd.Flags().Int("concurrency", 0, "parallel transfers")
	return cmd
}

func resolutionFlags(keepLocal, keepRemote []string) (map[string]diff.Resolution, error) {
	resolutions := make(map[string]diff.Resolution, len(keepLocal)+len(keepRemote))
	for _, id := range keepLocal {
		resolutions[id] = diff.KeepLocal
	}
	for _, id := range keepRemote {
		if _, ok := resolutions[id]; ok {
			return nil, fmt.Errorf("file %s is both --keep-local and --keep-remote", id)
		}
		resolutions[id] = diff.KeepRemote
	}
	return resolutions, nil
}

func printProgress(w io.Writer) func(session.Progress) {
	var last session.State
	return func(p session.Progress) {
		if p.State == last && !p.State.Terminal() {
			return
		}
		last = p.State
		fmt.Fprintf(w, "%s %s %s %d/%d %s\n",
			gray(p.RepositoryID),
			cyan(string(p.State)),
			gray("actions"),
			p.ActionsCompleted+p.ActionsFailed, p.ActionsPlanned,
			gray(humanize.Bytes(uint64(p.BytesTransferred))),
		)
	}
}

func printResult(w io.Writer, res *session.SyncResult) {
	mark := green("✓")
	if len(res.Failed) > 0 || len(res.Conflicts) > 0 {
		mark = yellow("!")
	}
	fmt.Fprintf(w, "%s %s synced %d, failed %d, conflicts %d in %s\n",
		mark, res.RepositoryID, len(res.Succeeded), len(res.Failed), len(res.Conflicts), res.Duration.Round(time.Millisecond))

	for _, f := range res.Failed {
		fmt.Fprintf(w, "  %s %s %s: %v\n", red("failed"), f.Action, f.FileID, f.Err)
	}
	for _, c := range res.Conflicts {
		fmt.Fprintf(w, "  %s %s\n", yellow("conflict"), describeConflict(c))
	}
}

func describeConflict(c *diff.Conflict) string {
	return fmt.Sprintf("%s local=%s remote=%s", c.FileID, entryLabel(c.Local), entryLabel(c.Remote))
}

func entryLabel(e *manifest.FileEntry) string {
	if e == nil {
		return "deleted"
	}
	return fmt.Sprintf("%s@%s", e.Path, humanize.Time(time.UnixMilli(e.ContentTimestamp)))
}

// promptResolver asks on the terminal how to settle each open conflict.
type promptResolver struct {
	in  *bufio.Reader
	out io.Writer
}

func (r *promptResolver) Resolve(ctx context.Context, conflicts []*diff.Conflict) (map[string]diff.Resolution, error) {
	resolutions := make(map[string]diff.Resolution, len(conflicts))
	for _, c := range conflicts {
		if err := ctx.Err(); err != nil {
			return resolutions, err
		}
		fmt.Fprintf(r.out, "%s %s\n  keep [l]ocal, keep [r]emote or [s]kip? ", yellow("conflict"), describeConflict(c))
		line, err := r.in.ReadString('\n')
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				return resolutions, nil
			}
			return resolutions, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "l", "local":
			resolutions[c.FileID] = diff.KeepLocal
		case "r", "remote":
			resolutions[c.FileID] = diff.KeepRemote
		}
	}
	return resolutions, nil
}
