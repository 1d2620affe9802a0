package cmd

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "visionchat",
		Short: "Image and speech chatbot with spoken replies and PDF reports",
		Long: `visionchat serves a single-page app where a user uploads an image, types or
speaks a prompt and gets a reply from a hosted multimodal model, read aloud and
downloadable as a PDF report.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// .env is optional
			_ = godotenv.Load()
		},
	}
	cmd.AddCommand(newServeCmd())
	return cmd
}
