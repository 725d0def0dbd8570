package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fibzlabs/fibz-memory/memory"
)

func init() {
	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Search stored memories",
		Long:  "Run a scoped similarity search against the messages collection.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runQuery,
	}

	cmd.Flags().String("guild", "", "Guild id scope")
	cmd.Flags().String("channel", "", "Channel id scope")
	cmd.Flags().String("user", "", "User id scope (used when no guild/channel)")
	cmd.Flags().IntP("limit", "l", 5, "Max results")

	RootCmd.AddCommand(cmd)
}

func runQuery(cmd *cobra.Command, args []string) {
	guild, _ := cmd.Flags().GetString("guild")
	channel, _ := cmd.Flags().GetString("channel")
	user, _ := cmd.Flags().GetString("user")
	limit, _ := cmd.Flags().GetInt("limit")
	query := strings.Join(args, " ")

	log := newLogger()
	svc, err := newService(log)
	if err != nil {
		exitErr("configure memory service", err)
	}

	results := svc.RetrieveRelevantMemories(cmd.Context(), query, memory.Scope{
		GuildID:   guild,
		ChannelID: channel,
		UserID:    user,
	}, limit)

	if len(results) == 0 {
		fmt.Println("[]")
		return
	}
	b, _ := json.MarshalIndent(results, "", "  ")
	fmt.Println(string(b))
}
