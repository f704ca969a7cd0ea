package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/sma-enterprise-core/internal/models"
	"github.com/noah-isme/sma-enterprise-core/internal/repository"
	"github.com/noah-isme/sma-enterprise-core/internal/service"
	"github.com/noah-isme/sma-enterprise-core/pkg/config"
	"github.com/noah-isme/sma-enterprise-core/pkg/database"
	"github.com/noah-isme/sma-enterprise-core/pkg/logger"
)

type accountLister interface {
	ListAccounts(ctx context.Context, academicYear string) ([]models.LedgerAccount, error)
}

type balanceVerifier interface {
	VerifyBalance(ctx context.Context, studentID, academicYear string) (*models.LedgerReconciliation, error)
}

type outcome struct {
	StudentID string
	Recon     *models.LedgerReconciliation
	Err       error
}

func main() {
	var (
		year    string
		workers int
		timeout time.Duration
	)
	flag.StringVar(&year, "year", "", "Academic year to reconcile (YYYY-YY), defaults to the current one")
	flag.IntVar(&workers, "workers", 8, "Accounts verified concurrently")
	flag.DurationVar(&timeout, "timeout", 5*time.Minute, "Overall deadline")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if year == "" {
		year = service.AcademicYear(time.Now(), cfg.Ledger.AcademicYearStartMonth)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	ledgerRepo := repository.NewLedgerRepository(db)
	ledgerSvc := service.NewFeeLedgerService(
		ledgerRepo,
		database.NewTxRunner(db, cfg.Database.TxMaxAttempts),
		service.NewAuditService(repository.NewAuditRepository(db), logr),
		nil,
		service.NewMetricsService(),
		cfg.Ledger.AcademicYearStartMonth,
		nil,
		logr,
	)

	outcomes, err := reconcile(ctx, ledgerRepo, ledgerSvc, year, workers)
	if err != nil {
		logr.Fatal("reconciliation aborted", zap.String("academic_year", year), zap.Error(err))
	}

	mismatched, failed := printReport(os.Stdout, outcomes)
	logr.Info("reconciliation finished",
		zap.String("academic_year", year),
		zap.Int("accounts", len(outcomes)),
		zap.Int("mismatched", mismatched),
		zap.Int("failed", failed))
	if mismatched > 0 || failed > 0 {
		os.Exit(1)
	}
}

// reconcile verifies every account of the year; per-account failures are reported, not fatal.
func reconcile(ctx context.Context, accounts accountLister, verifier balanceVerifier, year string, workers int) ([]outcome, error) {
	list, err := accounts.ListAccounts(ctx, year)
	if err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = 1
	}

	outcomes := make([]outcome, len(list))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, account := range list {
		i, account := i, account
		g.Go(func() error {
			recon, err := verifier.VerifyBalance(gctx, account.StudentID, account.AcademicYear)
			outcomes[i] = outcome{StudentID: account.StudentID, Recon: recon, Err: err}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func printReport(w io.Writer, outcomes []outcome) (mismatched, failed int) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tENTRIES\tSTORED\tCOMPUTED\tSTATUS")
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			failed++
			fmt.Fprintf(tw, "%s\t-\t-\t-\tERROR: %v\n", o.StudentID, o.Err)
		case !o.Recon.Balanced:
			mismatched++
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\tMISMATCH\n", o.Recon.AccountID, o.Recon.EntryCount, o.Recon.StoredBalance.StringFixed(2), o.Recon.ComputedBalance.StringFixed(2))
		default:
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\tOK\n", o.Recon.AccountID, o.Recon.EntryCount, o.Recon.StoredBalance.StringFixed(2), o.Recon.ComputedBalance.StringFixed(2))
		}
	}
	tw.Flush()
	fmt.Fprintf(w, "Accounts: %d, mismatched: %d, failed: %d\n", len(outcomes), mismatched, failed)
	return mismatched, failed
}
