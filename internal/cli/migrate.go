package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fibzlabs/fibz-memory/memory"
	"github.com/fibzlabs/fibz-memory/persist"
)

func init() {
	cmd := &cobra.Command{
		Use:   "migrate [state-dir]",
		Short: "Import legacy JSON chat histories into the index",
		Long: "Read the on-disk chat history files and upsert them into the messages\n" +
			"collection. The import is skipped when the collection already has data,\n" +
			"so re-running it is safe.",
		Args: cobra.ExactArgs(1),
		Run:  runMigrate,
	}

	RootCmd.AddCommand(cmd)
}

func runMigrate(cmd *cobra.Command, args []string) {
	log := newLogger()
	svc, err := newService(log)
	if err != nil {
		exitErr("configure memory service", err)
	}

	states := persist.NewStateStore(log, args[0])
	if err := states.Load(); err != nil {
		exitErr("load state", err)
	}

	var histories memory.LegacyHistories
	states.View(func(s *persist.State) {
		histories = legacyHistories(s.ChatHistories)
	})

	if err := svc.MigrateLegacyHistories(cmd.Context(), histories); err != nil {
		exitErr("migrate histories", err)
	}
	fmt.Println("migration finished")
}

func legacyHistories(histories map[string]persist.History) memory.LegacyHistories {
	out := make(memory.LegacyHistories, len(histories))
	for historyID, h := range histories {
		subs := make(map[string][]memory.LegacyMessage, len(h))
		for subID, entries := range h {
			messages := make([]memory.LegacyMessage, 0, len(entries))
			for _, entry := range entries {
				parts := make([]memory.LegacyPart, 0, len(entry.Content))
				for _, p := range entry.Content {
					parts = append(parts, memory.LegacyPart{Text: p.Text})
				}
				messages = append(messages, memory.LegacyMessage{Role: entry.Role, Content: parts})
			}
			subs[subID] = messages
		}
		out[historyID] = subs
	}
	return out
}
