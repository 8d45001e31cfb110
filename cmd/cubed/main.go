// Command cubed opens a cube workspace and runs one maintenance
// operation against it. The full interactive surface (HTTP shell,
// visualization) lives outside this repository; this entrypoint
// covers initialization and diagnostics.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/kingrea/cubed/internal/cube"
	"github.com/kingrea/cubed/plugins"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("cubed", flag.ContinueOnError)
	root := flags.String("root", ".", "workspace root directory")
	pluginDir := flags.String("plugins", "", "directory of trigger plugin files")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	rest := flags.Args()
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "usage: cubed [-root dir] [-plugins dir] init|stats|validate")
		return 2
	}

	cube.SetPluginInstaller(plugins.Install)
	c, err := cube.Open(*root, cube.Options{PluginDir: *pluginDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "cubed: %v\n", err)
		return 1
	}
	defer c.Close()

	switch rest[0] {
	case "init":
		fmt.Printf("initialized workspace %s\n", c.Graph.Root())
		return 0
	case "stats":
		stats, err := c.Graph.Stats()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cubed: %v\n", err)
			return 1
		}
		fmt.Printf("%d nodes\n", stats.Total)
		for _, t := range cubeTypes(stats.ByType) {
			fmt.Printf("  %-14s %d\n", t.name, t.count)
		}
		return 0
	case "validate":
		issues, err := c.Graph.ValidateEdges()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cubed: %v\n", err)
			return 1
		}
		for _, issue := range issues {
			fmt.Printf("%s: %s edge %s\n", issue.NodeID, issue.Kind, issue.EdgeID)
		}
		if len(issues) > 0 {
			return 1
		}
		fmt.Println("no edge issues")
		return 0
	default:
		fmt.Fprintf(os.Stderr, "cubed: unknown command %q\n", rest[0])
		return 2
	}
}

type typeCount struct {
	name  string
	count int
}

func cubeTypes[K ~string](counts map[K]int) []typeCount {
	out := make([]typeCount, 0, len(counts))
	for name, count := range counts {
		out = append(out, typeCount{name: string(name), count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
