package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"presence/internal/advisory"
	"presence/internal/config"
	"presence/internal/session"
	"presence/internal/store"
)

// Worker observes the cross-process change feed and surfaces advisory
// timing suggestions to the operator log whenever a phase activates.
// Everything here is best-effort: the engine never depends on it.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	feed := store.NewFeed(cfg.RedisAddr, cfg.FeedChannel)
	if !feed.Healthy(ctx) {
		log.Fatalf("redis not reachable at %s", cfg.RedisAddr)
	}

	advisor := advisory.New(cfg.AdvisoryURL, cfg.AdvisorySkip)

	changes, err := feed.Consume(ctx)
	if err != nil {
		log.Fatalf("change feed init failed: %v", err)
	}

	log.Println("worker started, watching session changes...")
	lastPhase := 0
	for ch := range changes {
		switch ch.Collection {
		case session.CollectionSessions:
			if ch.Deleted {
				log.Println("live session archived")
				lastPhase = 0
				continue
			}
			var sess session.Session
			if err := json.Unmarshal(ch.Data, &sess); err != nil {
				log.Printf("decode session change: %v", err)
				continue
			}
			if sess.Status != session.SessionActive || sess.Phase == lastPhase {
				continue
			}
			lastPhase = sess.Phase
			log.Printf("phase %d/%d active for %q", sess.Phase, sess.TotalPhases, sess.Subject)

			if sess.Phase >= sess.TotalPhases {
				continue
			}
			suggestion, err := advisor.SuggestTiming(ctx, advisory.Signals{
				Phase:            sess.Phase,
				TotalPhases:      sess.TotalPhases,
				LateAfterMinutes: sess.LatePolicy[sess.Phase-1],
			})
			if err != nil {
				log.Printf("advisory unavailable: %v", err)
				continue
			}
			log.Printf("suggest showing the next code in %.0f minutes: %s",
				suggestion.Value, suggestion.Rationale)

		case session.CollectionArchives:
			if !ch.Deleted {
				log.Printf("archive written: %s", ch.ID)
			}
		}
	}

	log.Println("worker stopped")
}
