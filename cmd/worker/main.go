// Command worker extracts one document and prints its chunks as NDJSON on
// stdout, one event per line, for the API server's job runner.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/context-engine/backend/internal/extract"
	"github.com/context-engine/backend/internal/ingestion"
	"github.com/context-engine/backend/pkg/logger"
)

type options struct {
	documentPath string
	documentID   string
	projectID    string
	maxChars     int
	logLevel     string
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "Extract and chunk a document",
		Long:          `Reads the document at --document-path and writes one JSON event per chunk to stdout.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := logger.Init(opts.logLevel, "console", "stderr"); err != nil {
				return err
			}
			defer logger.Sync()
			return run(cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.documentPath, "document-path", "", "Path of the document to process")
	cmd.Flags().StringVar(&opts.documentID, "document-id", "", "Document ID, used for logging")
	cmd.Flags().StringVar(&opts.projectID, "project-id", "", "Project ID, used for logging")
	cmd.Flags().IntVar(&opts.maxChars, "max-chars", extract.DefaultMaxChars, "Maximum characters per chunk")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "Log level for diagnostics on stderr")
	_ = cmd.MarkFlagRequired("document-path")

	return cmd
}

func run(out io.Writer, opts options) error {
	if opts.maxChars <= 0 {
		return fmt.Errorf("--max-chars must be positive, got %d", opts.maxChars)
	}

	log := logger.With(
		zap.String("document_id", opts.documentID),
		zap.String("project_id", opts.projectID),
		zap.String("path", opts.documentPath),
	)

	doc, err := extract.File(opts.documentPath)
	if err != nil {
		return err
	}

	events := extract.Events(doc, opts.documentPath, extract.NewChunker(opts.maxChars))
	enc := json.NewEncoder(out)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}

	log.Info("Document extracted",
		zap.String("type", string(doc.Type)),
		zap.Int("sections", len(doc.Sections)),
		zap.Int("events", len(events)),
	)
	return nil
}

// reportFailure writes the error as a worker error event.
func reportFailure(w io.Writer, err error) {
	_ = json.NewEncoder(w).Encode(ingestion.Event{Type: ingestion.EventError, Message: err.Error()})
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		reportFailure(os.Stderr, err)
		os.Exit(1)
	}
}
