// Command tinyfs manages tinyfs disk image files: formatting, inspecting,
// and copying data in and out of them.
package main

import (
	"fmt"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/tinyfs/tinyfs"
)

var log = logrus.New()

func main() {
	app := cli.App{
		Name:  "tinyfs",
		Usage: "Manage tinyfs disk image files",
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "Create or wipe an image",
				ArgsUsage: "IMAGE",
				Action:    formatImage,
			},
			{
				Name:      "stat",
				Usage:     "Show block and inode usage",
				ArgsUsage: "IMAGE",
				Action:    statImage,
			},
			{
				Name:      "ls",
				Usage:     "List a directory",
				ArgsUsage: "IMAGE PATH",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "csv", Usage: "emit CSV instead of columns"},
				},
				Action: listDir,
			},
			{
				Name:      "mkdir",
				Usage:     "Create a directory",
				ArgsUsage: "IMAGE PATH",
				Action:    makeNode(tinyfs.Directory),
			},
			{
				Name:      "touch",
				Usage:     "Create an empty regular file",
				ArgsUsage: "IMAGE PATH",
				Action:    makeNode(tinyfs.Regular),
			},
			{
				Name:      "rm",
				Usage:     "Remove a file or empty directory",
				ArgsUsage: "IMAGE PATH",
				Action:    removeNode,
			},
			{
				Name:      "mv",
				Usage:     "Move or rename a file or directory",
				ArgsUsage: "IMAGE SRC DST",
				Action:    moveNode,
			},
			{
				Name:      "put",
				Usage:     "Copy a host file into the image",
				ArgsUsage: "IMAGE HOSTFILE PATH",
				Action:    putFile,
			},
			{
				Name:      "get",
				Usage:     "Copy a file out of the image",
				ArgsUsage: "IMAGE PATH HOSTFILE",
				Action:    getFile,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

// withImage mounts the image named by the command's first argument, runs
// `action`, and unmounts no matter how the action went.
func withImage(ctx *cli.Context, action func(fs *tinyfs.FileSystem) error) error {
	if ctx.NArg() < 1 {
		return fmt.Errorf("missing image path")
	}

	fs, err := tinyfs.Mount(ctx.Args().Get(0))
	if err != nil {
		return err
	}
	defer func() {
		if err := fs.Unmount(); err != nil {
			log.Warnf("unmount: %s", err.Error())
		}
	}()

	return action(fs)
}

func formatImage(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return fmt.Errorf("missing image path")
	}
	path := ctx.Args().Get(0)

	fs, err := tinyfs.Format(path)
	if err != nil {
		return err
	}
	log.Infof("formatted %s", path)
	return fs.Unmount()
}

func statImage(ctx *cli.Context) error {
	return withImage(ctx, func(fs *tinyfs.FileSystem) error {
		stat := fs.Stat()
		fmt.Printf("block size:   %d\n", stat.BlockSize)
		fmt.Printf("total blocks: %d\n", stat.TotalBlocks)
		fmt.Printf("used blocks:  %d\n", stat.UsedBlocks)
		fmt.Printf("free blocks:  %d\n", stat.FreeBlocks)
		fmt.Printf("used inodes:  %d of %d\n", stat.UsedInodes, stat.TotalInodes)
		return nil
	})
}

// csvRecord is the row shape for `ls --csv`.
type csvRecord struct {
	Name string `csv:"name"`
	Type string `csv:"type"`
}

func listDir(ctx *cli.Context) error {
	return withImage(ctx, func(fs *tinyfs.FileSystem) error {
		if ctx.NArg() < 2 {
			return fmt.Errorf("missing directory path")
		}

		records, err := fs.ReadDir(ctx.Args().Get(1))
		if err != nil {
			return err
		}

		if ctx.Bool("csv") {
			rows := make([]csvRecord, len(records))
			for i, record := range records {
				rows[i] = csvRecord{Name: record.Name, Type: record.Type.String()}
			}
			text, err := gocsv.MarshalString(&rows)
			if err != nil {
				return err
			}
			fmt.Print(text)
			return nil
		}

		for _, record := range records {
			marker := ""
			if record.Type == tinyfs.Directory {
				marker = "/"
			}
			fmt.Printf("%s%s\n", record.Name, marker)
		}
		return nil
	})
}

func makeNode(typ tinyfs.FileType) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		return withImage(ctx, func(fs *tinyfs.FileSystem) error {
			if ctx.NArg() < 2 {
				return fmt.Errorf("missing path")
			}
			return fs.Create(ctx.Args().Get(1), typ)
		})
	}
}

func removeNode(ctx *cli.Context) error {
	return withImage(ctx, func(fs *tinyfs.FileSystem) error {
		if ctx.NArg() < 2 {
			return fmt.Errorf("missing path")
		}
		return fs.Remove(ctx.Args().Get(1))
	})
}

func moveNode(ctx *cli.Context) error {
	return withImage(ctx, func(fs *tinyfs.FileSystem) error {
		if ctx.NArg() < 3 {
			return fmt.Errorf("missing source or destination path")
		}
		return fs.Move(ctx.Args().Get(1), ctx.Args().Get(2))
	})
}

func putFile(ctx *cli.Context) error {
	return withImage(ctx, func(fs *tinyfs.FileSystem) error {
		if ctx.NArg() < 3 {
			return fmt.Errorf("missing host file or image path")
		}
		hostPath := ctx.Args().Get(1)
		imagePath := ctx.Args().Get(2)

		data, err := os.ReadFile(hostPath)
		if err != nil {
			return err
		}

		if err := fs.Create(imagePath, tinyfs.Regular); err != nil {
			return err
		}
		fd, err := fs.Open(imagePath)
		if err != nil {
			return err
		}
		defer fs.Close(fd)

		n, err := fs.Write(fd, data)
		if err != nil {
			return err
		}
		if n < len(data) {
			log.Warnf("image out of space: wrote %d of %d bytes", n, len(data))
		} else {
			log.Infof("wrote %d bytes to %s", n, imagePath)
		}
		return nil
	})
}

func getFile(ctx *cli.Context) error {
	return withImage(ctx, func(fs *tinyfs.FileSystem) error {
		if ctx.NArg() < 3 {
			return fmt.Errorf("missing image path or host file")
		}
		imagePath := ctx.Args().Get(1)
		hostPath := ctx.Args().Get(2)

		fd, err := fs.Open(imagePath)
		if err != nil {
			return err
		}
		defer fs.Close(fd)

		size, err := fs.Seek(fd, 0, tinyfs.SeekEnd)
		if err != nil {
			return err
		}
		if _, err := fs.Seek(fd, 0, tinyfs.SeekSet); err != nil {
			return err
		}

		data := make([]byte, size)
		n, err := fs.Read(fd, data)
		if err != nil {
			return err
		}

		if err := os.WriteFile(hostPath, data[:n], 0o644); err != nil {
			return err
		}
		log.Infof("wrote %d bytes to %s", n, hostPath)
		return nil
	})
}
