package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/google/renameio"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nandfs/nandfs"
	"github.com/nandfs/nandfs/internal/nandemu"
)

func mkfsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkfs",
		Short: "create and format an image",
		RunE: func(cmd *cobra.Command, args []string) error {
			attr, _, err := loadGeometry()
			if err != nil {
				return err
			}
			// A fresh chip reads all 0xFF; write the image atomically so a
			// crashed mkfs never leaves a half-sized file behind.
			blank := make([]byte, nandemu.ImageSize(attr))
			for i := range blank {
				blank[i] = 0xFF
			}
			if err := renameio.WriteFile(imagePath, blank, 0644); err != nil {
				return err
			}
			fs, cleanup, err := mountImage()
			if err != nil {
				return err
			}
			defer cleanup()
			if err := fs.Format("/"); err != nil {
				return err
			}
			fmt.Printf("formatted %s (%d blocks)\n", imagePath, attr.TotalBlocks)
			return nil
		},
	}
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [dir]",
		Short: "list a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "/"
			if len(args) > 0 {
				dir = args[0]
			}
			fs, cleanup, err := mountImage()
			if err != nil {
				return err
			}
			defer cleanup()

			d, err := fs.OpenDir(dir)
			if err != nil {
				return err
			}
			defer d.Close()
			for {
				ent, err := d.Next()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				kind := "-"
				if ent.IsDir {
					kind = "d"
				}
				fmt.Printf("%s %8d  %s\n", kind, ent.Size, ent.Name)
			}
		},
	}
}

func catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "print a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, cleanup, err := mountImage()
			if err != nil {
				return err
			}
			defer cleanup()
			return copyOut(fs, args[0], os.Stdout)
		},
	}
}

func copyOut(fs *nandfs.FS, src string, w io.Writer) error {
	fd, err := fs.Open(src, nandfs.O_RDONLY)
	if err != nil {
		return err
	}
	defer fs.Close(fd)
	buf := make([]byte, 4096)
	for {
		n, err := fs.Read(fd, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
	}
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <local> <path>",
		Short: "copy a local file into the image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			fs, cleanup, err := mountImage()
			if err != nil {
				return err
			}
			defer cleanup()

			fd, err := fs.Open(args[1], nandfs.O_RDWR|nandfs.O_CREATE|nandfs.O_TRUNC)
			if err != nil {
				return err
			}
			if _, err := fs.Write(fd, data); err != nil {
				fs.Close(fd)
				return err
			}
			return fs.Close(fd)
		},
	}
}

func getCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "get <path>...",
		Short: "copy files out of the image",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, cleanup, err := mountImage()
			if err != nil {
				return err
			}
			defer cleanup()

			// Reads of independent files interleave fine; the device lock
			// serialises the engine underneath.
			var eg errgroup.Group
			for _, src := range args {
				src := src
				eg.Go(func() error {
					out, err := os.Create(path.Join(outDir, path.Base(src)))
					if err != nil {
						return err
					}
					defer out.Close()
					return copyOut(fs, src, out)
				})
			}
			return eg.Wait()
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	return cmd
}

func statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "describe an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, cleanup, err := mountImage()
			if err != nil {
				return err
			}
			defer cleanup()

			st, err := fs.Stat(args[0])
			if err != nil {
				return err
			}
			kind := "file"
			if st.IsDir {
				kind = "dir"
			}
			fmt.Printf("%s\t%s\tserial %d\tsize %d\n", st.Name, kind, st.Serial, st.Size)
			fmt.Printf("created  %s\n", time.Unix(int64(st.CreateTime), 0).Format(time.RFC3339))
			fmt.Printf("modified %s\n", time.Unix(int64(st.LastModify), 0).Format(time.RFC3339))
			return nil
		},
	}
}

func dfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "df",
		Short: "show space usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, cleanup, err := mountImage()
			if err != nil {
				return err
			}
			defer cleanup()

			total, err := fs.SpaceTotal("/")
			if err != nil {
				return err
			}
			used, err := fs.SpaceUsed("/")
			if err != nil {
				return err
			}
			free, err := fs.SpaceFree("/")
			if err != nil {
				return err
			}
			fmt.Printf("total %d\nused  %d\nfree  %d\n", total, used, free)
			return nil
		},
	}
}
