package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/fitplan/internal/client"
	"github.com/mohammad-safakhou/fitplan/internal/devicecache"
)

func recommendCMD(cfgPath *string) *cobra.Command {
	var req client.Request
	var token string
	var motivation, force bool

	var recommend = &cobra.Command{
		Use:   "recommend",
		Short: "Stream a diet and workout plan from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(*cfgPath)
			if err != nil {
				return err
			}
			if token != "" {
				cfg.Client.Token = token
			}
			backend, err := devicecache.OpenBolt(cfg.Client.CachePath)
			if err != nil {
				return err
			}
			defer backend.Close()
			c := client.New(cfg.Client, devicecache.New(backend), logger, nil)

			if motivation {
				msg, err := c.Motivation(cmd.Context(), force)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), msg)
				return nil
			}

			var lastStatus string
			snap, err := c.StreamRecommendations(cmd.Context(), req, func(s client.Snapshot) {
				if s.Status != "" && s.Status != lastStatus {
					lastStatus = s.Status
					fmt.Fprintln(os.Stderr, s.Status)
				}
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if snap.Diet.Content != "" {
				fmt.Fprintf(out, "## Diet Plan\n\n%s\n\n", snap.Diet.Content)
			}
			if snap.Workout.Content != "" {
				fmt.Fprintf(out, "## Workout Plan\n\n%s\n", snap.Workout.Content)
			}
			if snap.State == client.StateFailed {
				return fmt.Errorf("generation failed: %s", snap.Error)
			}
			return nil
		},
	}
	recommend.Flags().StringVar(&req.BodyType, "body-type", "", "ectomorph, mesomorph or endomorph")
	recommend.Flags().StringVar(&req.Goals, "goals", "", "fitness goals")
	recommend.Flags().IntVar(&req.MaxIterations, "max-iterations", 0, "retrieval attempts per phase (0 = server default)")
	recommend.Flags().StringVar(&token, "token", "", "bearer token (overrides client.token)")
	recommend.Flags().BoolVar(&motivation, "motivation", false, "print today's motivational sentence instead")
	recommend.Flags().BoolVar(&force, "force", false, "with --motivation, fetch a new sentence")

	return recommend
}
