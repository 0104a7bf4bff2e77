package main

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/spons-match/internal/config"
	"github.com/sells-group/spons-match/internal/pipeline"
)

var (
	processProject string
	processFile    string
	processCompact bool
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Match one survey transcript to SPONS catalogue items",
	Long:  "Reads a transcript from --file (or stdin), runs every observation to MATCHED, QS_REVIEW or UNMATCHED and prints the JSON result.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		transcript, err := readTranscript(processFile, cmd.InOrStdin())
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, cfg, config.ModeProcess)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.ProcessTranscript(ctx, processProject, transcript)
		if err != nil {
			return eris.Wrap(err, "process transcript")
		}
		logSummary(res)
		return writeResult(cmd.OutOrStdout(), res, !processCompact)
	},
}

func init() {
	processCmd.Flags().StringVar(&processProject, "project", "", "project identifier (required)")
	processCmd.Flags().StringVar(&processFile, "file", "", "transcript file (default stdin)")
	processCmd.Flags().BoolVar(&processCompact, "compact", false, "print compact JSON")
	_ = processCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(processCmd)
}

// readTranscript reads path, or stdin when path is empty or "-".
func readTranscript(path string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path) //nolint:gosec
	}
	if err != nil {
		return "", eris.Wrap(err, "read transcript")
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", eris.New("transcript is empty")
	}
	return text, nil
}

func writeResult(w io.Writer, v any, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return eris.Wrap(enc.Encode(v), "encode result")
}

func logSummary(res *pipeline.TranscriptResult) {
	fields := []zap.Field{
		zap.String("project_id", res.ProjectID),
		zap.String("transcript_id", res.TranscriptID),
		zap.Int("items", len(res.Items)),
		zap.Bool("degraded", res.Degraded),
		zap.Float64("cost_usd", res.Usage.Cost),
		zap.Int64("duration_ms", res.DurationMs),
	}
	for status, n := range res.StatusCounts() {
		fields = append(fields, zap.Int(strings.ToLower(string(status)), n))
	}
	zap.L().Info("transcript processed", fields...)
}
