package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/fitplan/internal/rag"
)

func ingestCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <corpus> <path|dir>",
		Short: "Index a document or a folder of documents into a corpus",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(*cfgPath)
			if err != nil {
				return err
			}
			mgr, err := rag.OpenManager(cfg.RAG, logger)
			if err != nil {
				return err
			}
			defer mgr.Close()
			corp, err := mgr.Corpus(args[0])
			if err != nil {
				return err
			}
			fi, err := os.Stat(args[1])
			if err != nil {
				return err
			}
			if fi.IsDir() {
				report, err := corp.ProcessFolder(cmd.Context(), args[1])
				if err != nil {
					return err
				}
				for _, f := range report.Files {
					logger.WithFields(log.Fields{"file": f.Name, "status": f.Status, "error": f.Error}).Debug("ingest")
				}
				logger.WithFields(log.Fields{
					"corpus":    corp.Name(),
					"total":     report.TotalFiles,
					"processed": report.Processed,
					"failed":    report.Failed,
				}).Info("folder ingested")
				if report.Failed > 0 {
					return fmt.Errorf("%d of %d files failed", report.Failed, report.TotalFiles)
				}
				return nil
			}
			chunks, err := corp.AddDocument(args[1])
			if err != nil {
				return err
			}
			logger.WithFields(log.Fields{"corpus": corp.Name(), "file": args[1], "chunks": chunks}).Info("document ingested")
			return nil
		},
	}
}
