// graphlint validates AiMesh task-graph template files.
//
// Usage:
//
//	graphlint template.yaml [more.yaml ...]
//	graphlint -v template.yaml     # also print the resolved messages
//
// Exit status is non-zero when any template fails validation.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/YASSERRMD/AiMesh/engine/orchestrator"
)

func main() {
	verbose := flag.Bool("v", false, "print the resolved message list for valid templates")
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: graphlint [-v] <template.yaml> [...]")
		os.Exit(2)
	}

	failed := 0
	for _, path := range paths {
		tpl, err := orchestrator.LoadTemplate(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			failed++
			continue
		}

		fmt.Printf("%s: ok (%q, %d messages)\n", path, tpl.Name, len(tpl.Messages))
		if *verbose {
			printResolved(tpl)
		}
	}

	if failed > 0 {
		os.Exit(1)
	}
}

func printResolved(tpl *orchestrator.Template) {
	msgs, graphID := tpl.Instantiate()
	fmt.Printf("  graph_id: %s\n", graphID)
	for i, m := range msgs {
		deps := ""
		if len(m.Dependencies) > 0 {
			deps = " depends_on=" + strings.Join(m.Dependencies, ",")
		}
		fmt.Printf("  [%d] %s agent=%s priority=%d budget=%d%s\n",
			i, m.MessageID, m.AgentID, m.Priority, m.BudgetTokens, deps)
	}
}
