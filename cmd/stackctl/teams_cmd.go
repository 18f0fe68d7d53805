package main

import (
	"github.com/spf13/cobra"

	"stackforge/pkg/store"
)

func newTeamsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "teams",
		Short: "Send and view visitor chat messages for a team",
	}
	cmd.AddCommand(newTeamsSendCommand())
	cmd.AddCommand(newTeamsMessagesCommand())
	return cmd
}

func newTeamsSendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send <teamID> <senderName> <content>",
		Short: "Post a visitor message to a team's chat",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			teamID, senderName, content := args[0], args[1], args[2]
			req := map[string]string{"senderName": senderName, "content": content}
			var msg store.UserMessage
			if err := client().post("/teams/"+teamID+"/messages", req, &msg); err != nil {
				return err
			}
			return printJSON(msg)
		},
	}
}

func newTeamsMessagesCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "messages <teamID>",
		Short: "List recent chat history for a team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var history []*store.UserMessage
			if err := client().get("/teams/"+args[0]+"/messages", limitQuery(limit), &history); err != nil {
				return err
			}
			return printJSON(history)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Max messages to return (default 50 server-side)")
	return cmd
}
