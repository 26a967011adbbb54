package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/medscan-diagnosis-server/internal/domain"
	"github.com/medscan-diagnosis-server/internal/logging"
	"github.com/medscan-diagnosis-server/internal/service"
)

const (
	stagePipeline = "pipeline"
	stageSeizures = "seizures"
)

type runFlags struct {
	stage   string
	subtype string
	output  string
}

func newRunCmd(root *rootFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a scan image or signal table through the pipeline",
		Long: "Run one upload through a single stage or the whole pipeline.\n\n" +
			"Stages: pipeline (default), modality, broad, subtype, final, seizures.\n" +
			"The final stage requires --subtype.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, root, flags, args[0])
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.stage, "stage", "s", stagePipeline, "Stage to run")
	f.StringVar(&flags.subtype, "subtype", "", "Disease subtype for the final stage")
	f.StringVarP(&flags.output, "output", "o", formatJSON, "Output format: json or yaml")
	return cmd
}

func runRun(cmd *cobra.Command, root *rootFlags, flags *runFlags, path string) error {
	stage := strings.ToLower(strings.TrimSpace(flags.stage))
	var single domain.Stage
	if stage != stagePipeline && stage != stageSeizures {
		s, err := domain.ParseStage(stage)
		if err != nil {
			return err
		}
		single = s
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	ctx := cmd.Context()
	a, err := root.openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	requestID := "cli-" + uuid.New().String()
	ctx = logging.WithRequestID(ctx, requestID)
	req := service.Request{
		Stage:     single,
		Filename:  filepath.Base(path),
		Body:      f,
		Subtype:   flags.subtype,
		RequestID: requestID,
	}

	var result any
	switch stage {
	case stagePipeline:
		result, err = a.Orchestrator.RunPipeline(ctx, req, func(e domain.StageEvent) {
			a.Logger.WithField("stage", e.Stage).Debug("Stage completed")
		})
	case stageSeizures:
		result, err = a.Orchestrator.DetectSeizures(ctx, req)
	default:
		result, err = a.Orchestrator.Run(ctx, req)
	}
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), flags.output, result)
}
