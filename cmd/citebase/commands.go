package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/citebase/citebase/internal/engine"
	"github.com/citebase/citebase/internal/storage"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Upload a document for ingestion",
	Long: `Upload a document for ingestion.

Examples:
  citebase ingest ./handbook.pdf
  citebase ingest ./notes.md --name "Design notes"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		name, _ := cmd.Flags().GetString("name")
		declaredType, _ := cmd.Flags().GetString("type")

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		if name == "" {
			name = filepath.Base(path)
		}
		if declaredType == "" {
			declaredType = strings.TrimPrefix(filepath.Ext(path), ".")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/ingest", map[string]any{
			"name":    name,
			"type":    declaredType,
			"content": base64.StdEncoding.EncodeToString(data),
		})
		if err != nil {
			return err
		}

		var result engine.IngestResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printOK("accepted document %s (%s)", result.DocumentID, result.Status)
		return nil
	},
}

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Ask a question grounded in your documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		topK, _ := cmd.Flags().GetInt("top-k")
		noCache, _ := cmd.Flags().GetBool("no-cache")
		noRerank, _ := cmd.Flags().GetBool("no-rerank")

		body := map[string]any{"question": question}
		if topK > 0 {
			body["top_k"] = topK
		}
		if noCache {
			f := false
			body["enable_cache"] = f
		}
		if noRerank {
			f := false
			body["enable_rerank"] = f
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/query", body)
		if err != nil {
			return err
		}

		var result engine.QueryResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Answer)
		fmt.Println()
		printField("Confidence", "%s (%.2f)", result.Confidence.Level, result.Confidence.Score)
		printField("Grounding", "%.2f", result.Grounding)
		printField("Cache hit", "%v", result.CacheHit)
		printField("Latency", "%dms", result.LatencyMs)
		for _, src := range result.Sources {
			printSource(src.DocumentID, src.Page, src.Score, src.Highlight)
		}
		for _, s := range result.Suggestions {
			printSuggestion(s)
		}
		printField("Message", "%s", result.MessageID)
		return nil
	},
}

// --- summarize ---

var summarizeCmd = &cobra.Command{
	Use:   "summarize <document-id>",
	Short: "Summarize an ingested document",
	Long: `Summarize an ingested document.

Styles: brief (default), detailed, keywords, outline.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		style, _ := cmd.Flags().GetString("style")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/v1/documents/" + args[0] + "/summary"
		if style != "" {
			path += "?style=" + style
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result struct {
			Style   string `json:"style"`
			Summary string `json:"summary"`
			Model   string `json:"model"`
			Cached  bool   `json:"cached"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Summary)
		fmt.Println()
		printField("Style", "%s", result.Style)
		printField("Model", "%s", result.Model)
		printField("Cached", "%v", result.Cached)
		return nil
	},
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback <message-id> <up|down>",
	Short: "Rate an answer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rating := 0
		switch args[1] {
		case "up", "+1":
			rating = 1
		case "down", "-1":
			rating = -1
		default:
			return fmt.Errorf("rating must be 'up' or 'down'")
		}
		issue, _ := cmd.Flags().GetString("issue")
		note, _ := cmd.Flags().GetString("note")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/feedback", map[string]any{
			"message_id": args[0],
			"rating":     rating,
			"issue_tag":  issue,
			"note":       note,
		})
		if err != nil {
			return err
		}
		var ack map[string]string
		if err := decodeJSON(resp, &ack); err != nil {
			return err
		}
		printOK("feedback recorded")
		return nil
	},
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "List ingested documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/documents")
		if err != nil {
			return err
		}

		var docs []storage.Document
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}
		if len(docs) == 0 {
			printField("Documents", "none")
			return nil
		}
		for _, d := range docs {
			fmt.Printf("%s  %-10s  %4d chunks  %s\n", d.ID, d.Status, d.ChunkCount, d.Name)
		}
		return nil
	},
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete <document-id>",
	Short: "Delete a document and its index entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/v1/documents/"+args[0])
		if err != nil {
			return err
		}
		var ack map[string]string
		if err := decodeJSON(resp, &ack); err != nil {
			return err
		}
		printOK("deleted %s", args[0])
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("name", "", "display name for the document")
	ingestCmd.Flags().String("type", "", "declared type (pdf, html, md, txt); inferred from extension if empty")

	summarizeCmd.Flags().String("style", "brief", "summary style (brief, detailed, keywords, outline)")

	queryCmd.Flags().Int("top-k", 0, "retrieval size override")
	queryCmd.Flags().Bool("no-cache", false, "bypass the response cache")
	queryCmd.Flags().Bool("no-rerank", false, "skip reranking")

	feedbackCmd.Flags().String("issue", "", "issue tag (e.g. wrong_source, incomplete)")
	feedbackCmd.Flags().String("note", "", "freeform note")

	documentsCmd.AddCommand(documentsDeleteCmd)
}
