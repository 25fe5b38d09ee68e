package main

import (
	"fmt"
	"strings"

	"github.com/RichardoC/legend-coach/internal/models"
	"github.com/spf13/cobra"
)

var (
	askUser  string
	askToken string
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the coach a single question from the terminal",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		handler, cleanup, err := buildHandler(cfg, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		authHeader := ""
		if askToken != "" {
			authHeader = "Bearer " + askToken
		}
		resp, err := handler.Answer(cmd.Context(), authHeader, models.ChatRequest{
			Message: strings.TrimSpace(strings.Join(args, " ")),
			UserID:  askUser,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, resp.Reply)
		if len(resp.Sources) > 0 {
			fmt.Fprintln(out, "\nSources:")
			for i, doc := range resp.Sources {
				fmt.Fprintf(out, "  %d. %s\n", i+1, doc.DisplayTitle())
			}
		}
		return nil
	},
}

func init() {
	askCmd.Flags().StringVar(&askUser, "user", "", "user id whose transactions ground the answer")
	askCmd.Flags().StringVar(&askToken, "token", "", "access token to resolve the user from")
}
