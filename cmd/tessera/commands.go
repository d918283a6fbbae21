package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/acres-platform/tessera/internal/config"
	"github.com/acres-platform/tessera/internal/docstore"
	"github.com/acres-platform/tessera/internal/export"
	"github.com/acres-platform/tessera/internal/extraction"
	"github.com/acres-platform/tessera/internal/pipeline"
)

// studySummary mirrors the study list entries served by the API.
type studySummary struct {
	Name      string    `json:"name"`
	Documents int       `json:"documents"`
	Chunks    int       `json:"chunks"`
	CreatedAt time.Time `json:"created_at"`
	LastRun   *struct {
		ID        string    `json:"id"`
		Status    string    `json:"status"`
		StartedAt time.Time `json:"started_at"`
		Failed    int       `json:"failed"`
	} `json:"last_run"`
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Ingest documents into a study",
	Long: `Ingest PDF or plain-text documents into a study.

Examples:
  tessera ingest --study ebola-virus papers/*.pdf
  tessera ingest --study ebola-virus --title "Field report" --authors "Smith, J.; Doe, A." notes.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		studyName, _ := cmd.Flags().GetString("study")
		title, _ := cmd.Flags().GetString("title")
		authors, _ := cmd.Flags().GetString("authors")
		year, _ := cmd.Flags().GetInt("year")
		abstract, _ := cmd.Flags().GetString("abstract")

		if studyName == "" {
			return fmt.Errorf("--study is required")
		}
		if len(args) > 1 && (title != "" || authors != "" || year != 0 || abstract != "") {
			return fmt.Errorf("metadata flags apply to a single file only")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		bar := newProgressBar(len(args), "ingesting")
		failed := 0
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				printError("%s: %v", path, err)
				failed++
				bar.Add(1)
				continue
			}

			req := map[string]any{
				"name":    filepath.Base(path),
				"content": base64.StdEncoding.EncodeToString(data),
			}
			if title != "" {
				req["title"] = title
			}
			if authors != "" {
				req["authors"] = docstore.SplitAuthors(authors)
			}
			if year != 0 {
				req["year"] = year
			}
			if abstract != "" {
				req["abstract"] = abstract
			}

			resp, err := client.post(cmd.Context(), "/studies/"+url.PathEscape(studyName)+"/documents", req)
			if err != nil {
				return err
			}

			var result map[string]string
			if err := decodeJSON(resp, &result); err != nil {
				printError("%s: %v", path, err)
				failed++
				bar.Add(1)
				continue
			}
			bar.Add(1)
		}
		bar.Finish()

		if failed > 0 {
			printWarning("Ingested %d of %d documents into %s", len(args)-failed, len(args), studyName)
			return fmt.Errorf("%d of %d documents failed", failed, len(args))
		}
		printSuccess("Ingested %d documents into %s", len(args), studyName)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("study", "", "study to ingest into (required)")
	ingestCmd.Flags().String("title", "", "document title (single file only)")
	ingestCmd.Flags().String("authors", "", "semicolon-separated authors (single file only)")
	ingestCmd.Flags().Int("year", 0, "publication year (single file only)")
	ingestCmd.Flags().String("abstract", "", "document abstract (single file only)")
}

func newProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetItsString("docs"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)
}

// --- extract ---

var extractCmd = &cobra.Command{
	Use:   "extract <study>",
	Short: "Extract variables from every document in a study",
	Long: `Extract variables from every document in a study and assemble the
results into a table: one row per document, one column per variable.

Examples:
  tessera extract ebola-virus --variables "sample size, country"
  tessera extract ebola-virus --variables dose --style evidence --format csv --output dose.csv`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		studyName := args[0]
		variables, _ := cmd.Flags().GetString("variables")
		style, _ := cmd.Flags().GetString("style")
		topK, _ := cmd.Flags().GetInt("top-k")
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		specs := extraction.ParseVariables(variables)
		if len(specs) == 0 {
			return fmt.Errorf("--variables must name at least one variable")
		}
		if style != "" {
			if _, err := extraction.ParseStyle(style); err != nil {
				return err
			}
		}
		switch format {
		case "table", "json", "csv":
		default:
			return fmt.Errorf("unknown format %q (want table, json, or csv)", format)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{"variables": specs}
		if style != "" {
			req["style"] = style
		}
		if topK > 0 {
			req["top_k"] = topK
		}

		resp, err := client.post(cmd.Context(), "/studies/"+url.PathEscape(studyName)+"/extract", req)
		if err != nil {
			return err
		}

		var table pipeline.Table
		if err := decodeJSON(resp, &table); err != nil {
			return err
		}

		out := os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			out = f
		}

		switch format {
		case "csv":
			err = export.WriteCSV(out, &table)
		case "json":
			err = export.WriteJSON(out, &table)
		default:
			err = export.WriteMarkdown(out, &table)
		}
		if err != nil {
			return err
		}

		for _, f := range table.Failures {
			printError("%s / %s: %s", shortID(f.DocumentID), f.Variable, f.Kind)
		}
		if n := table.FailedCells(); n > 0 {
			printWarning("%d of %d cells failed", n, len(table.Rows)*len(table.Columns))
		}
		if output != "" {
			printSuccess("Wrote %s table to %s", format, output)
		}
		return nil
	},
}

func init() {
	extractCmd.Flags().String("variables", "", "comma-separated variable names (required)")
	extractCmd.Flags().String("style", "", "prompt style: plain, highlight, or evidence")
	extractCmd.Flags().Int("top-k", 0, "chunks retrieved per cell (default from config)")
	extractCmd.Flags().String("format", "table", "output format: table, json, or csv")
	extractCmd.Flags().String("output", "", "output file path (default: stdout)")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- studies ---

var studiesCmd = &cobra.Command{
	Use:   "studies",
	Short: "Manage studies",
}

var studiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List studies with document and chunk counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/studies")
		if err != nil {
			return err
		}

		var studies []studySummary
		if err := decodeJSON(resp, &studies); err != nil {
			return err
		}

		if len(studies) == 0 {
			fmt.Println("No studies found.")
			return nil
		}

		for _, s := range studies {
			line := fmt.Sprintf("%s  %d docs, %d chunks",
				colorize(colorBold, s.Name), s.Documents, s.Chunks)
			if s.LastRun != nil {
				line += fmt.Sprintf("  last run %s", s.LastRun.Status)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var studiesShowCmd = &cobra.Command{
	Use:   "show <study>",
	Short: "Show one study and its documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/studies/"+url.PathEscape(name))
		if err != nil {
			return err
		}
		var summary studySummary
		if err := decodeJSON(resp, &summary); err != nil {
			return err
		}

		printStatus("Study", "%s", summary.Name)
		printStatus("Documents", "%d", summary.Documents)
		printStatus("Chunks", "%d", summary.Chunks)
		printStatus("Created", "%s", summary.CreatedAt.Format("2006-01-02 15:04"))
		if lr := summary.LastRun; lr != nil {
			printStatus("Last run", "%s %s, %d failed cells", shortID(lr.ID), lr.Status, lr.Failed)
		}

		docsResp, err := client.get(cmd.Context(), "/studies/"+url.PathEscape(name)+"/documents")
		if err != nil {
			return err
		}
		var docs []struct {
			ID      string   `json:"id"`
			Title   string   `json:"title"`
			Authors []string `json:"authors"`
			Year    int      `json:"year"`
			Source  string   `json:"source"`
		}
		if err := decodeJSON(docsResp, &docs); err != nil {
			return err
		}

		for _, d := range docs {
			title := d.Title
			if title == "" {
				title = d.Source
			}
			line := fmt.Sprintf("  %s  %s", colorize(colorCyan, shortID(d.ID)), title)
			if d.Year != 0 {
				line += fmt.Sprintf(" (%d)", d.Year)
			}
			if len(d.Authors) > 0 {
				line += "  " + strings.Join(d.Authors, "; ")
			}
			fmt.Println(line)
		}
		return nil
	},
}

var studiesDeleteCmd = &cobra.Command{
	Use:   "delete <study>",
	Short: "Delete a study and all its documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete study %q and all its documents. Use --confirm to proceed.", name)
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/studies/"+url.PathEscape(name))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted study %s", name)
		return nil
	},
}

func init() {
	studiesDeleteCmd.Flags().Bool("confirm", false, "confirm deletion")
	studiesCmd.AddCommand(studiesListCmd)
	studiesCmd.AddCommand(studiesShowCmd)
	studiesCmd.AddCommand(studiesDeleteCmd)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the configured Zotero library into studies",
	Long: `Sync the configured Zotero library: every collection with items becomes
a study named after it, with journal article PDFs ingested as documents.
Already-ingested documents are skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Syncing Zotero library...")
		resp, err := client.post(cmd.Context(), "/zotero/sync", nil)
		if err != nil {
			return err
		}

		var results []struct {
			Study    string `json:"study"`
			Ingested int    `json:"ingested"`
			Failed   []struct {
				Key   string `json:"key"`
				Title string `json:"title"`
				Error string `json:"error"`
			} `json:"failed"`
		}
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("No collections with items found.")
			return nil
		}

		total := 0
		for _, r := range results {
			printStatus(r.Study, "%d ingested, %d failed", r.Ingested, len(r.Failed))
			total += r.Ingested
			for _, f := range r.Failed {
				label := f.Title
				if label == "" {
					label = f.Key
				}
				printError("  %s: %s", label, f.Error)
			}
		}
		printSuccess("Synced %d documents across %d studies", total, len(results))
		return nil
	},
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent extraction runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/runs?limit=%d", limit))
		if err != nil {
			return err
		}

		var runs []struct {
			ID         string
			Study      string
			Variables  string
			Documents  int
			Cells      int
			Failed     int
			Status     string
			StartedAt  time.Time
			DurationMs int64
		}
		if err := decodeJSON(resp, &runs); err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No runs found.")
			return nil
		}

		for _, r := range runs {
			var names []string
			json.Unmarshal([]byte(r.Variables), &names)
			fmt.Printf("%s  %s  %-10s  %s  %d docs, %d cells, %d failed  %s\n",
				colorize(colorCyan, shortID(r.ID)),
				r.StartedAt.Format("2006-01-02 15:04"),
				r.Status,
				colorize(colorBold, r.Study),
				r.Documents, r.Cells, r.Failed,
				strings.Join(names, ", "),
			)
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().Int("limit", 20, "maximum number of runs to list")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}

		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
