package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "selfcontext",
		Short: "Show the assistant's self-context snippets",
		Run:   runSelfContext,
	}

	cmd.Flags().IntP("limit", "l", 0, "Max snippets (0 = default)")

	RootCmd.AddCommand(cmd)
}

func runSelfContext(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	log := newLogger()
	svc, err := newService(log)
	if err != nil {
		exitErr("configure memory service", err)
	}
	svc.Initialize(cmd.Context())

	snippets := svc.SelfContextSnippets(limit)
	if len(snippets) == 0 {
		fmt.Println("[]")
		return
	}
	b, _ := json.MarshalIndent(snippets, "", "  ")
	fmt.Println(string(b))
}
