package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/openmaps/marksync/internal/config"
)

var (
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
)

func init() {
	rootCmd.AddCommand(newInitCmd())
}

func newInitCmd() *cobra.Command {
	var dataDir string
	var cloudDir string
	var store string
	var bucket string
	var region string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an initial marksync configuration",
		Run: func(cmd *cobra.Command, args []string) {
			if cfg, err := config.Load(config.DefaultConfigPath); err == nil {
				fmt.Println("MarkSync already initialized")
				fmt.Printf("Config Path: %s\n", green(cfg.Path))
				fmt.Printf("Data Dir:    %s\n", cyan(cfg.DataDir))
				fmt.Printf("Store:       %s\n", cyan(cfg.StoreKind))
				os.Exit(0)
			}

			cfg := &config.Config{
				DataDir:   dataDir,
				StateDir:  config.DefaultStateDir,
				StoreKind: store,
				CloudDir:  cloudDir,
				S3: config.S3Config{
					Bucket: bucket,
					Region: region,
				},
			}
			if err := cfg.Validate(); err != nil {
				fmt.Printf("%s: %s\n", red("ERROR"), err)
				os.Exit(1)
			}
			if err := cfg.Save(config.DefaultConfigPath); err != nil {
				fmt.Printf("%s: %s\n", red("ERROR"), err)
				os.Exit(1)
			}

			fmt.Println("MarkSync initialized")
			fmt.Printf("Config Path: %s\n", green(config.DefaultConfigPath))
			fmt.Printf("Data Dir:    %s\n", cyan(cfg.DataDir))
			fmt.Printf("Store:       %s\n", cyan(cfg.StoreKind))
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", config.DefaultDataDir, "local annotation directory to sync")
	cmd.Flags().StringVar(&store, "store", config.StoreKindDir, "cloud store backend (dir or s3)")
	cmd.Flags().StringVar(&cloudDir, "cloud-dir", "", "mounted cloud container directory (dir store)")
	cmd.Flags().StringVar(&bucket, "bucket", "", "bucket name (s3 store)")
	cmd.Flags().StringVar(&region, "region", "", "bucket region (s3 store)")

	return cmd
}
