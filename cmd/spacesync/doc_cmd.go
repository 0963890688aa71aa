package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/spacesync/internal/client"
	"github.com/openmined/spacesync/internal/client/config"
	"github.com/spf13/cobra"
)

func newDocCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doc",
		Short: "Read and edit documents of a repository",
	}
	cmd.AddCommand(newDocListCmd(), newDocPutCmd(), newDocCatCmd(), newDocRemoveCmd(), newDocMkdirCmd())
	return cmd
}

func newDocListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <repository>",
		Short: "List documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return openClient(cmd, func(c *client.Client, cfg *config.Config) error {
				docs, err := c.ListDocuments(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
				for _, d := range docs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, d.Path,
						humanize.Bytes(uint64(d.Size)), humanize.Time(time.UnixMilli(d.ContentTimestamp)))
				}
				return tw.Flush()
			})
		},
	}
}

func newDocPutCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "put <repository> <path> [file]",
		Short: "Create or replace a document from a file or stdin",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 3 && args[2] != "-" {
				data, err = os.ReadFile(args[2])
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}

			return openClient(cmd, func(c *client.Client, cfg *config.Config) error {
				entry, err := c.PutDocument(cmd.Context(), args[0], client.Document{ID: id, Path: args[1]}, data)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s (%s)\n", green("✓"), entry.Path, gray(entry.ID), humanize.Bytes(uint64(entry.Size)))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "id of the document to replace")
	return cmd
}

func newDocCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <repository> <id>",
		Short: "Print the content of a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return openClient(cmd, func(c *client.Client, cfg *config.Config) error {
				data, err := c.ReadDocument(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
}

func newDocRemoveCmd() *cobra.Command {
	var folder bool
	cmd := &cobra.Command{
		Use:   "rm <repository> <id>",
		Short: "Delete a document or folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return openClient(cmd, func(c *client.Client, cfg *config.Config) error {
				var err error
				if folder {
					err = c.DeleteFolder(cmd.Context(), args[0], args[1])
				} else {
					err = c.DeleteDocument(cmd.Context(), args[0], args[1])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s deleted %s\n", green("✓"), args[1])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&folder, "folder", false, "the id names a folder")
	return cmd
}

func newDocMkdirCmd() *cobra.Command {
	var parent string
	cmd := &cobra.Command{
		Use:   "mkdir <repository> <path>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return openClient(cmd, func(c *client.Client, cfg *config.Config) error {
				folder, err := c.PutFolder(cmd.Context(), args[0], args[1], parent)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", green("✓"), folder.Path, gray(folder.ID))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "id of the parent folder")
	return cmd
}
