// Command audit recomputes stored cheating scores from the recorded
// security events, for use after weights or the burst window change.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-integrity/internal/config"
	"github.com/stemsi/exstem-integrity/internal/database"
	"github.com/stemsi/exstem-integrity/internal/logger"
	"github.com/stemsi/exstem-integrity/internal/model"
	"github.com/stemsi/exstem-integrity/internal/repository"
	"github.com/stemsi/exstem-integrity/internal/scoring"
	"golang.org/x/term"
)

type change struct {
	row      repository.AuditRow
	events   []model.SecurityEvent
	cheating model.CheatingAssessment
}

func main() {
	var (
		assessment string
		apply      bool
		yes        bool
	)
	flag.StringVar(&assessment, "assessment", "", "Only audit results of this assessment ID")
	flag.BoolVar(&apply, "apply", false, "Write recomputed scores back")
	flag.BoolVar(&yes, "yes", false, "Skip the confirmation prompt")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat).With().Str("component", "audit").Logger()

	var filter *uuid.UUID
	if assessment != "" {
		id, err := uuid.Parse(assessment)
		if err != nil {
			log.Fatal().Err(err).Str("assessment", assessment).Msg("Invalid assessment ID")
		}
		filter = &id
	}

	ctx := context.Background()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	results := repository.NewResultRepository(pool)

	// ─── Scan ──────────────────────────────────────────────────────────
	var changes []change
	scanned := 0
	err = results.ListForAudit(ctx, filter, func(row repository.AuditRow) error {
		scanned++
		if c, ok := recompute(row, cfg.Integrity.BurstWindow); ok {
			changes = append(changes, c)
		}
		return nil
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to scan results")
	}

	for _, c := range changes {
		fmt.Printf("%s  %s/%s#%d  score %d -> %d  flagged %t -> %t\n",
			c.row.ID, c.row.AssessmentID, c.row.UserID, c.row.AttemptNumber,
			c.row.CheatingScore, c.cheating.RiskScore,
			c.row.FlaggedForReview, c.cheating.FlaggedForReview)
	}
	log.Info().Int("scanned", scanned).Int("changed", len(changes)).Msg("Audit complete")

	if !apply || len(changes) == 0 {
		return
	}
	if !yes && !confirm(fmt.Sprintf("Apply %d changes?", len(changes))) {
		fmt.Println("Aborted")
		return
	}

	// ─── Apply ─────────────────────────────────────────────────────────
	start := time.Now()
	applied := 0
	for _, c := range changes {
		if err := results.UpdateCheating(ctx, c.row.ID, c.events, c.cheating); err != nil {
			log.Error().Err(err).Str("result_id", c.row.ID.String()).Msg("Failed to update result")
			continue
		}
		applied++
	}
	log.Info().Int("applied", applied).Dur("took", time.Since(start)).Msg("Scores updated")
}

// recompute reweighs the stored events. A flag that the old score alone
// could not explain was forced at runtime and is kept.
func recompute(row repository.AuditRow, burstWindow time.Duration) (change, bool) {
	forced := row.Status == model.StateTerminated ||
		(row.FlaggedForReview && row.CheatingScore < scoring.ReviewThreshold)

	events := scoring.Reweigh(row.SecurityEvents, burstWindow)
	cheating := scoring.Flag(scoring.Assess(events), forced)
	if cheating.RiskScore == row.CheatingScore && cheating.FlaggedForReview == row.FlaggedForReview {
		return change{}, false
	}
	return change{row: row, events: events, cheating: cheating}, true
}

// confirm asks on the terminal; piped stdin never confirms.
func confirm(prompt string) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "stdin is not a terminal, pass -yes to apply")
		return false
	}
	fmt.Printf("%s [y/N]: ", prompt)
	answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
