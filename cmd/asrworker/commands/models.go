package commands

import (
	"fmt"
	"time"

	"github.com/cavaliergopher/grab/v3"
	"github.com/spf13/cobra"
)

var modelsOutput string

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Model archive management",
}

var modelsDownloadCmd = &cobra.Command{
	Use:   "download <url>",
	Short: "Download a model archive",
	Long: `Download a model archive into the output directory. Interrupted
downloads resume where they left off.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := grab.NewClient()
		req, err := grab.NewRequest(modelsOutput, args[0])
		if err != nil {
			return fmt.Errorf("bad download request: %w", err)
		}
		req = req.WithContext(cmd.Context())

		resp := client.Do(req)
		fmt.Printf("Downloading %s...\n", req.URL())

		t := time.NewTicker(500 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				fmt.Printf("  %.1f%% (%d/%d bytes)\n",
					100*resp.Progress(), resp.BytesComplete(), resp.Size())
			case <-resp.Done:
				if err := resp.Err(); err != nil {
					return fmt.Errorf("download failed: %w", err)
				}
				fmt.Printf("Saved to %s\n", resp.Filename)
				return nil
			}
		}
	},
}

func init() {
	modelsDownloadCmd.Flags().StringVarP(&modelsOutput, "output", "o", ".", "output directory")
	modelsCmd.AddCommand(modelsDownloadCmd)
	rootCmd.AddCommand(modelsCmd)
}
