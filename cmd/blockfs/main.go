// Copyright 2023 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command blockfs manipulates blockfs disk images from the host: format
// an image, list and create directories, copy files in and out, and
// inspect inodes.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jacobsa/blockfs"
	"github.com/jacobsa/blockfs/blockdev"
	"github.com/jacobsa/blockfs/inode"
)

var fImage string

func registerImageFlag(flags *pflag.FlagSet) {
	flags.StringVarP(&fImage, "image", "i", "", "Path to the disk image.")
}

// Open the image and run fn over a live file system, flushing afterward.
func withFileSystem(format bool, fn func(fs *blockfs.FileSystem) error) error {
	if fImage == "" {
		return fmt.Errorf("--image is required")
	}

	dev, err := blockdev.OpenFileDevice(fImage)
	if err != nil {
		return fmt.Errorf("OpenFileDevice: %w", err)
	}

	ctx := context.Background()
	fs, err := blockfs.New(ctx, blockfs.Config{
		Device: dev,
		Clock:  timeutil.RealClock(),
		Format: format,
	})
	if err != nil {
		dev.Close()
		return fmt.Errorf("blockfs.New: %w", err)
	}

	if err := fn(fs); err != nil {
		fs.Done(ctx)
		return err
	}

	return fs.Done(ctx)
}

func newFormatCmd() *cobra.Command {
	var sectors uint32

	cmd := &cobra.Command{
		Use:   "format",
		Short: "Create and format a new disk image.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if fImage == "" {
				return fmt.Errorf("--image is required")
			}

			dev, err := blockdev.CreateFileDevice(fImage, sectors)
			if err != nil {
				return fmt.Errorf("CreateFileDevice: %w", err)
			}

			ctx := context.Background()
			fs, err := blockfs.New(ctx, blockfs.Config{
				Device: dev,
				Clock:  timeutil.RealClock(),
				Format: true,
			})
			if err != nil {
				dev.Close()
				os.Remove(fImage)
				return fmt.Errorf("blockfs.New: %w", err)
			}

			return fs.Done(ctx)
		},
	}

	cmd.Flags().Uint32Var(
		&sectors,
		"sectors",
		4096,
		"Size of the new image, in 512-byte sectors.")

	return cmd
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/"
			if len(args) == 1 {
				path = args[0]
			}

			return withFileSystem(false, func(fs *blockfs.FileSystem) error {
				ctx := context.Background()
				d, err := fs.Open(ctx, path)
				if err != nil {
					return err
				}
				defer d.Close()

				for {
					e, ok, err := d.ReadDir()
					if err != nil {
						return err
					}

					if !ok {
						return nil
					}

					f, err := fs.Open(ctx, path+"/"+e.Name)
					if err != nil {
						return err
					}

					kind := "-"
					if f.IsDir() {
						kind = "d"
					}

					fmt.Printf("%s %8d %4d %s\n",
						kind, f.Length(), e.Sector, e.Name)
					f.Close()
				}
			})
		},
	}
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a directory.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFileSystem(false, func(fs *blockfs.FileSystem) error {
				return fs.MkDir(context.Background(), args[0])
			})
		},
	}
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <host-file> <path>",
		Short: "Copy a host file into the image.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("ReadFile: %w", err)
			}

			return withFileSystem(false, func(fs *blockfs.FileSystem) error {
				ctx := context.Background()
				if err := fs.Create(ctx, args[1], 0, inode.KindFile); err != nil {
					return err
				}

				f, err := fs.Open(ctx, args[1])
				if err != nil {
					return err
				}
				defer f.Close()

				if _, err := f.Write(data); err != nil {
					return err
				}

				return nil
			})
		},
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "Copy a file's contents to stdout.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFileSystem(false, func(fs *blockfs.FileSystem) error {
				f, err := fs.Open(context.Background(), args[0])
				if err != nil {
					return err
				}
				defer f.Close()

				buf := make([]byte, 64*1024)
				for {
					n, err := f.Read(buf)
					if n > 0 {
						if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
							return werr
						}
					}

					if err == io.EOF {
						return nil
					}

					if err != nil {
						return err
					}
				}
			})
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Remove a file or empty directory.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFileSystem(false, func(fs *blockfs.FileSystem) error {
				return fs.Remove(context.Background(), args[0])
			})
		},
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Print a file's metadata.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFileSystem(false, func(fs *blockfs.FileSystem) error {
				f, err := fs.Open(context.Background(), args[0])
				if err != nil {
					return err
				}
				defer f.Close()

				kind := "file"
				if f.IsDir() {
					kind = "directory"
				}

				fmt.Printf("inode sector: %d\n", f.Sector())
				fmt.Printf("kind:         %s\n", kind)
				fmt.Printf("length:       %d\n", f.Length())
				return nil
			})
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:           "blockfs",
		Short:         "Manipulate blockfs disk images.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	registerImageFlag(root.PersistentFlags())

	root.AddCommand(
		newFormatCmd(),
		newLsCmd(),
		newMkdirCmd(),
		newPutCmd(),
		newCatCmd(),
		newRmCmd(),
		newStatCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "blockfs:", err)
		os.Exit(1)
	}
}
