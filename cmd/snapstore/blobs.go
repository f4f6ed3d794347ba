package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/spf13/cobra"

	"github.com/bleepstore/snapstore/internal/blobstore"
)

// splitBlobPath splits "a/b/name" into the container path a/b and the blob
// name.
func splitBlobPath(arg string) (blobstore.Path, string, error) {
	arg = strings.Trim(arg, blobstore.Separator)
	i := strings.LastIndex(arg, blobstore.Separator)
	name := arg[i+1:]
	if name == "" {
		return blobstore.Path{}, "", fmt.Errorf("blob name missing in %q", arg)
	}
	if i < 0 {
		return blobstore.Path{}, name, nil
	}
	return blobstore.ParsePath(arg[:i]), name, nil
}

func newListCmd(a *app) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List blobs in a container",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := a.openRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			var path blobstore.Path
			if len(args) == 1 {
				path = blobstore.ParsePath(args[0])
			}
			blobs, err := repo.Container(path).ListBlobsByPrefix(ctx, prefix)
			if err != nil {
				return err
			}

			names := make([]string, 0, len(blobs))
			var total int64
			for name, b := range blobs {
				names = append(names, name)
				total += b.Size
			}
			sort.Strings(names)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, name := range names {
				fmt.Fprintf(tw, "%s\t%s\n", humanize.IBytes(uint64(blobs[name].Size)), name)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s in %s\n",
				english.Plural(len(names), "blob", "blobs"), humanize.IBytes(uint64(total)))
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only list blobs whose names start with prefix")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get <path/name>",
		Short: "Write a blob to stdout or a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, name, err := splitBlobPath(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			repo, err := a.openRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			rc, err := repo.Container(path).ReadBlob(ctx, name)
			if err != nil {
				return err
			}
			defer rc.Close()

			if output == "" || output == "-" {
				_, err = io.Copy(cmd.OutOrStdout(), rc)
				return err
			}
			return writeFile(output, rc)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write instead of stdout")
	return cmd
}

// writeFile copies r into a new file at path.
func writeFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return copyAndClose(f, r)
}

// copyAndClose copies r into w and closes w. A close error is returned when
// the copy itself succeeded.
func copyAndClose(w io.WriteCloser, r io.Reader) error {
	_, err := io.Copy(w, r)
	if cerr := w.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("closing output: %w", cerr)
	}
	return err
}

func newPutCmd(a *app) *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "put <path/name> <file>",
		Short: "Upload a file as a blob",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, name, err := splitBlobPath(args[0])
			if err != nil {
				return err
			}
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			repo, err := a.openRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			container := repo.Container(path)
			if overwrite {
				err = repo.Store().WriteBlob(ctx, container.Path().String()+name, f, info.Size())
			} else {
				err = container.WriteBlob(ctx, name, f, info.Size())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s)\n", container.Path().String()+name, humanize.IBytes(uint64(info.Size())))
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing blob")
	return cmd
}

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path/name>",
		Short: "Delete a blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, name, err := splitBlobPath(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			repo, err := a.openRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()
			return repo.Container(path).DeleteBlob(ctx, name)
		},
	}
}

func newMoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mv <path> <src> <dst>",
		Short: "Rename a blob within a container",
		Long:  "Rename a blob within a container. The rename copies and then deletes the source;\nif the delete fails both blobs remain.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := a.openRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()
			return repo.Container(blobstore.ParsePath(args[0])).Move(ctx, args[1], args[2])
		},
	}
}

func newRemoveDirCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rmdir <path>",
		Short: "Delete every blob under a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := blobstore.ParsePath(args[0])
			if path.IsRoot() {
				return fmt.Errorf("refusing to delete the repository root")
			}
			ctx := cmd.Context()
			repo, err := a.openRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()
			return repo.Container(path).Delete(ctx)
		},
	}
}

func newRefreshCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Force a credential refresh and report the session state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := a.openRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			sessions := repo.Sessions()
			if err := sessions.Refresh(ctx); err != nil {
				return err
			}
			if !sessions.ShortLived() {
				fmt.Fprintln(cmd.OutOrStdout(), "static credentials; nothing to refresh")
				return nil
			}
			exp := sessions.Expiry()
			fmt.Fprintf(cmd.OutOrStdout(), "session %s, expires %s (%s)\n",
				sessions.State(), exp.Format(time.RFC3339), humanize.Time(exp))
			return nil
		},
	}
}
