// nandfs is a maintenance tool for file system images: create and format an
// emulated NAND image, then list, read and write files on it. It drives the
// same engine the embedded target runs, against the file-backed emulator.
package main

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nandfs/nandfs"
	"github.com/nandfs/nandfs/internal/flash"
	"github.com/nandfs/nandfs/internal/nandemu"
	"github.com/nandfs/nandfs/internal/store"
)

var (
	imagePath  string
	configPath string
	verbose    bool
)

// geometryConfig mirrors the [geometry] table of the image config file.
type geometryConfig struct {
	Geometry struct {
		Blocks            int  `toml:"blocks"`
		PagesPerBlock     int  `toml:"pages_per_block"`
		PageDataSize      int  `toml:"page_data_size"`
		SpareSize         int  `toml:"spare_size"`
		BlockStatusOffset int  `toml:"block_status_offset"`
		ECC               string `toml:"ecc"`
		TagChecksum       bool `toml:"tag_checksum"`
	} `toml:"geometry"`
}

func defaultGeometry() geometryConfig {
	var c geometryConfig
	c.Geometry.Blocks = 128
	c.Geometry.PagesPerBlock = 32
	c.Geometry.PageDataSize = 512
	c.Geometry.SpareSize = 16
	c.Geometry.BlockStatusOffset = 4
	c.Geometry.ECC = "soft"
	return c
}

func loadGeometry() (*flash.Attr, bool, error) {
	cfg := defaultGeometry()
	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return nil, false, err
		}
		if err := toml.Unmarshal(raw, &cfg); err != nil {
			return nil, false, fmt.Errorf("%s: %v", configPath, err)
		}
	}
	attr := &flash.Attr{
		TotalBlocks:       cfg.Geometry.Blocks,
		PagesPerBlock:     cfg.Geometry.PagesPerBlock,
		PageDataSize:      cfg.Geometry.PageDataSize,
		SpareSize:         cfg.Geometry.SpareSize,
		BlockStatusOffset: cfg.Geometry.BlockStatusOffset,
	}
	switch cfg.Geometry.ECC {
	case "", "soft":
		attr.ECCOpt = flash.ECCSoft
	case "none":
		attr.ECCOpt = flash.ECCNone
	default:
		return nil, false, fmt.Errorf("unsupported ecc option %q", cfg.Geometry.ECC)
	}
	return attr, cfg.Geometry.TagChecksum, nil
}

// mountImage opens the image and mounts it at /.
func mountImage() (*nandfs.FS, func(), error) {
	attr, tagChecksum, err := loadGeometry()
	if err != nil {
		return nil, nil, err
	}
	emu, err := nandemu.Open(imagePath, attr)
	if err != nil {
		return nil, nil, err
	}
	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}
	chip, err := flash.NewChip(attr, emu, logrus.NewEntry(log).WithField("image", imagePath))
	if err != nil {
		emu.Close()
		return nil, nil, err
	}
	dev, err := store.NewDevice(chip, 0, attr.TotalBlocks-1, store.Config{TagChecksum: tagChecksum}, nil)
	if err != nil {
		emu.Close()
		return nil, nil, err
	}
	fs := nandfs.New()
	if err := fs.Mount("/", dev); err != nil {
		emu.Close()
		return nil, nil, err
	}
	cleanup := func() {
		fs.Unmount("/")
		emu.Close()
	}
	return fs, cleanup, nil
}

func main() {
	root := &cobra.Command{
		Use:           "nandfs",
		Short:         "inspect and modify NAND file system images",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&imagePath, "image", "i", "nand.img", "image file")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "geometry config (TOML)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		mkfsCmd(),
		lsCmd(),
		catCmd(),
		putCmd(),
		getCmd(),
		statCmd(),
		dfCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "nandfs: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the library version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(nandfs.Version())
			return nil
		},
	}
}
