package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Read results produced by completed jobs",
}

var hoverLine, hoverChar int

var hoverCmd = &cobra.Command{
	Use:   "hover <repoUrl> <filePath>",
	Short: "Show the symbol covering a hover position",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngines()
		if err != nil {
			return err
		}
		defer e.close()

		result, err := e.facade.HoverAt(userIDFlag, args[0], args[1], hoverLine, hoverChar)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var referencesCmd = &cobra.Command{
	Use:   "references <repoUrl> <symbol>",
	Short: "List every occurrence of a symbol",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngines()
		if err != nil {
			return err
		}
		defer e.close()

		refs, err := e.facade.ReferencesBySymbol(userIDFlag, args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(refs)
	},
}

var graphRoot string
var graphDepth int

var graphCmd = &cobra.Command{
	Use:   "graph <repoUrl>",
	Short: "Show the import dependency graph, optionally rooted at a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngines()
		if err != nil {
			return err
		}
		defer e.close()

		graph, err := e.facade.GraphOfRepo(userIDFlag, args[0], graphRoot, graphDepth)
		if err != nil {
			return err
		}
		return printJSON(graph)
	},
}

var hotspotsWindow int
var hotspotsThreshold float64

var hotspotsCmd = &cobra.Command{
	Use:   "hotspots <repoUrl>",
	Short: "Rank files by average weekly churn",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngines()
		if err != nil {
			return err
		}
		defer e.close()

		window := hotspotsWindow
		if window <= 0 {
			window = cfg.Hotspots.DefaultWindowWeeks
		}
		threshold := hotspotsThreshold
		if threshold <= 0 {
			threshold = cfg.Hotspots.DefaultThreshold
		}

		groups, err := e.facade.Hotspots(userIDFlag, args[0], window, threshold)
		if err != nil {
			return err
		}
		return printJSON(groups)
	},
}

var trendWindow int

var trendCmd = &cobra.Command{
	Use:   "trend <repoUrl> <filePath>",
	Short: "Show a file's weekly churn trend",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngines()
		if err != nil {
			return err
		}
		defer e.close()

		window := trendWindow
		if window <= 0 {
			window = cfg.Hotspots.DefaultWindowWeeks
		}

		rows, err := e.facade.FileTrend(userIDFlag, args[0], args[1], window)
		if err != nil {
			return err
		}
		return printJSON(rows)
	},
}

var blameCmd = &cobra.Command{
	Use:   "blame <repoUrl> <filePath>",
	Short: "Show per-line commit attribution for a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngines()
		if err != nil {
			return err
		}
		defer e.close()

		lines, err := e.blamer.Blame(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(lines)
	},
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	hoverCmd.Flags().IntVar(&hoverLine, "line", 0, "zero-based line number")
	hoverCmd.Flags().IntVar(&hoverChar, "char", 0, "zero-based character offset")

	graphCmd.Flags().StringVar(&graphRoot, "root", "", "restrict the graph to a BFS from this file")
	graphCmd.Flags().IntVar(&graphDepth, "depth", 0, "BFS depth limit when --root is set (default 20)")

	hotspotsCmd.Flags().IntVar(&hotspotsWindow, "window", 0, "lookback window in weeks (default from config)")
	hotspotsCmd.Flags().Float64Var(&hotspotsThreshold, "threshold", 0, "minimum churn rate (default from config)")

	trendCmd.Flags().IntVar(&trendWindow, "window", 0, "lookback window in weeks (default from config)")

	queryCmd.AddCommand(hoverCmd, referencesCmd, graphCmd, hotspotsCmd, trendCmd)
	rootCmd.AddCommand(queryCmd, blameCmd)
}
